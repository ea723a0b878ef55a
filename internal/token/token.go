// Package token はダウンロード用の署名付きトークンを発行・検証します。
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// PurposeExportDownload はエクスポートダウンロード用トークンの purpose 値です。
// 周辺システムが発行する他種のトークンと取り違えないための目印です。
const PurposeExportDownload = "export_download"

// ErrInvalidToken は署名不正・期限切れ・purpose不一致のいずれかを表します。
// 呼び出し側には区別させず、一律「無効」として扱わせます。
var ErrInvalidToken = errors.New("token: invalid or expired token")

// Claims は検証に成功したトークンから取り出される主張です。
type Claims struct {
	JobID   string
	OwnerID string
}

type downloadClaims struct {
	JobID   string `json:"job_id"`
	OwnerID string `json:"owner_id"`
	Purpose string `json:"purpose"`
	jwt.RegisteredClaims
}

// Issuer はHMAC署名付きトークンを発行・検証します。
type Issuer struct {
	secret []byte
}

// NewIssuer は秘密鍵を受け取って Issuer を作成します。
func NewIssuer(secret string) (*Issuer, error) {
	if secret == "" {
		return nil, errors.New("token secret is required")
	}
	return &Issuer{secret: []byte(secret)}, nil
}

// Issue はジョブIDと所有者を expiresAt まで有効なトークンに結び付けます。
func (i *Issuer) Issue(jobID, ownerID string, expiresAt time.Time) (string, error) {
	claims := downloadClaims{
		JobID:   jobID,
		OwnerID: ownerID,
		Purpose: PurposeExportDownload,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// Verify は署名・有効期限・purposeを検証し、通過した場合のみ主張を返します。
// トークンが本物であることしか証明しないため、ジョブIDと所有者が対象リソースに
// 一致するかは呼び出し側が確認する必要があります。
func (i *Issuer) Verify(tokenString string) (*Claims, error) {
	var claims downloadClaims
	parsed, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Purpose != PurposeExportDownload {
		return nil, ErrInvalidToken
	}
	if claims.JobID == "" || claims.OwnerID == "" {
		return nil, ErrInvalidToken
	}
	return &Claims{JobID: claims.JobID, OwnerID: claims.OwnerID}, nil
}
