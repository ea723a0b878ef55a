// Package auth はセッション認証と、エクスポートおよびアップロードの
// 所有者ID識別を提供します。
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/export-hub/internal/config"
)

// SessionCookieName はセッションクッキーの名前です。
const SessionCookieName = "eh_session"

// ContextUserKey は、ハンドラー間でログイン済みユーザー名（＝ジョブと
// アップロードセッションの所有者ID）を共有するためのキーです。
const ContextUserKey = "auth.user"

const (
	keyUser     = "eh_user"
	keyIssued   = "eh_issued"
	keyLastSeen = "eh_seen"
	keyCSRF     = "eh_csrf"

	csrfHeader = "X-CSRF-Token"
)

const (
	sessionLifetime = 12 * time.Hour
	idleTimeout     = 30 * time.Minute
)

// SessionMaxAgeSeconds はクッキーの MaxAge に利用する秒数を返します。
func SessionMaxAgeSeconds() int {
	return int(sessionLifetime.Seconds())
}

// Manager は単一アカウントのセッション認証を担当します。
type Manager struct {
	cfg     *config.Config
	limiter *loginLimiter
}

// NewManager は認証マネージャーを作成します。
func NewManager(cfg *config.Config) *Manager {
	return &Manager{cfg: cfg, limiter: newLoginLimiter()}
}

// Configured は資格情報が揃っているかどうかを返します。
// 揃っていないローカル開発環境では DevIdentity を使います。
func (m *Manager) Configured() bool {
	return m.cfg.AppUsername != "" && m.cfg.AppPasswordHash != "" && m.cfg.SessionSecret != ""
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login は POST /api/auth/login のハンドラーです。
func (m *Manager) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "username と password を JSON で指定してください",
		})
		return
	}

	if err := m.credentialError(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "SERVER_MISCONFIGURATION",
			"message": err.Error(),
		})
		return
	}

	ip := c.ClientIP()
	if wait := m.limiter.retryAfter(ip); wait > 0 {
		c.Header("Retry-After", strconv.FormatInt(int64(wait.Seconds()), 10))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"code":    "TOO_MANY_ATTEMPTS",
			"message": "試行回数の上限に達しました。時間をおいて再度お試しください",
		})
		return
	}

	if req.Username != m.cfg.AppUsername || !m.passwordMatches(req.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{
			"code":              "INVALID_CREDENTIALS",
			"message":           "ユーザー名またはパスワードが正しくありません",
			"remainingAttempts": m.limiter.fail(ip),
		})
		return
	}
	m.limiter.reset(ip)

	token, err := newCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "TOKEN_GENERATION_FAILED",
			"message": "CSRF トークンの生成に失敗しました",
		})
		return
	}

	now := time.Now().Unix()
	session := sessions.Default(c)
	session.Set(keyUser, m.cfg.AppUsername)
	session.Set(keyIssued, now)
	session.Set(keyLastSeen, now)
	session.Set(keyCSRF, token)
	if err := session.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "SESSION_SAVE_FAILED",
			"message": "セッションの保存に失敗しました",
		})
		return
	}

	c.Header(csrfHeader, token)
	c.Status(http.StatusNoContent)
}

// Logout は POST /api/auth/logout のハンドラーです。
func (m *Manager) Logout(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	if err := session.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "SESSION_SAVE_FAILED",
			"message": "セッションの破棄に失敗しました",
		})
		return
	}
	c.Status(http.StatusNoContent)
}

// RequireLogin はセッションを検証し、所有者IDを ContextUserKey に
// 格納するミドルウェアを返します。
func (m *Manager) RequireLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		user, _ := session.Get(keyUser).(string)
		if user == "" {
			abortSession(c, http.StatusUnauthorized, "UNAUTHORIZED", "ログインが必要です", nil)
			return
		}

		now := time.Now()
		if issued := unixTime(session.Get(keyIssued)); issued.IsZero() || now.Sub(issued) > sessionLifetime {
			abortSession(c, http.StatusUnauthorized, "SESSION_EXPIRED",
				"セッションの有効期限が切れました", session)
			return
		}
		if seen := unixTime(session.Get(keyLastSeen)); seen.IsZero() || now.Sub(seen) > idleTimeout {
			abortSession(c, http.StatusUnauthorized, "SESSION_IDLE_TIMEOUT",
				"しばらく操作がなかったため再ログインしてください", session)
			return
		}

		session.Set(keyLastSeen, now.Unix())
		_ = session.Save()
		c.Set(ContextUserKey, user)
		c.Next()
	}
}

// VerifyCSRF は更新系メソッドに対して X-CSRF-Token ヘッダーを検証します。
func (m *Manager) VerifyCSRF() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !mutating(c.Request.Method) {
			c.Next()
			return
		}

		expected, _ := sessions.Default(c).Get(keyCSRF).(string)
		if expected == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":    "CSRF_MISSING",
				"message": "CSRF トークンが設定されていません",
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(c.GetHeader(csrfHeader))) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":    "CSRF_INVALID",
				"message": "CSRF トークンが一致しません",
			})
			return
		}
		c.Next()
	}
}

// DevIdentity は認証未設定のローカル環境向けに、固定の所有者IDを
// コンテキストへ設定するミドルウェアを返します。
func DevIdentity(ownerID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ContextUserKey, ownerID)
		c.Next()
	}
}

func (m *Manager) credentialError() error {
	switch {
	case m.cfg.AppUsername == "":
		return errors.New("APP_USERNAME が設定されていません")
	case m.cfg.AppPasswordHash == "":
		return errors.New("APP_PASSWORD_HASH が設定されていません")
	case m.cfg.SessionSecret == "":
		return errors.New("SESSION_SECRET が設定されていません")
	}
	return nil
}

func (m *Manager) passwordMatches(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(m.cfg.AppPasswordHash), []byte(password)) == nil
}

func abortSession(c *gin.Context, status int, code, message string, session sessions.Session) {
	if session != nil {
		session.Clear()
		_ = session.Save()
	}
	c.AbortWithStatusJSON(status, gin.H{"code": code, "message": message})
}

// loginLimiter はIPごとのログイン失敗を数え、閾値超過でロックします。
type loginLimiter struct {
	mu    sync.Mutex
	fails map[string]*failState
}

type failState struct {
	count       int
	windowStart time.Time
	lockedUntil time.Time
}

const (
	failWindow   = 15 * time.Minute
	lockDuration = 10 * time.Minute
	maxFailures  = 5
)

func newLoginLimiter() *loginLimiter {
	return &loginLimiter{fails: make(map[string]*failState)}
}

// retryAfter はロック中であれば解除までの残り時間を返します。
func (l *loginLimiter) retryAfter(ip string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.fails[ip]
	if !ok || time.Now().After(state.lockedUntil) {
		return 0
	}
	return time.Until(state.lockedUntil)
}

// fail は失敗を記録し、残り試行回数を返します。
func (l *loginLimiter) fail(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	state, ok := l.fails[ip]
	if !ok || now.Sub(state.windowStart) > failWindow {
		state = &failState{windowStart: now}
		l.fails[ip] = state
	}

	state.count++
	if state.count >= maxFailures {
		state.count = maxFailures
		state.lockedUntil = now.Add(lockDuration)
	}
	return maxFailures - state.count
}

func (l *loginLimiter) reset(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.fails, ip)
}

func newCSRFToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func unixTime(v interface{}) time.Time {
	switch t := v.(type) {
	case int64:
		return time.Unix(t, 0)
	case int:
		return time.Unix(int64(t), 0)
	case float64:
		return time.Unix(int64(t), 0)
	default:
		return time.Time{}
	}
}

func mutating(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return false
	default:
		return true
	}
}
