package export

import (
	"fmt"
	"strconv"
	"time"
)

// Kind はエクスポート可能なレコード種別を表します。
type Kind string

const (
	KindContacts  Kind = "contacts"
	KindCompanies Kind = "companies"
)

// ParseKind は文字列を Kind に変換します。
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindContacts:
		return KindContacts, nil
	case KindCompanies:
		return KindCompanies, nil
	default:
		return "", fmt.Errorf("unsupported export kind: %s", s)
	}
}

// Header は種別ごとのCSVヘッダー行を返します。
func (k Kind) Header() []string {
	switch k {
	case KindContacts:
		return []string{"id", "first_name", "last_name", "email", "phone", "company", "city", "created_at"}
	case KindCompanies:
		return []string{"id", "name", "domain", "industry", "employees", "city", "created_at"}
	default:
		return nil
	}
}

// Row はCSV1行に変換できるレコードです。
type Row interface {
	CSVRow() []string
}

// ContactRecord は連絡先レコードの固定スキーマです。
// 任意項目はポインタで表し、欠損は空セルとして出力されます。
type ContactRecord struct {
	ID        string
	FirstName string
	LastName  string
	Email     *string
	Phone     *string
	Company   *string
	City      *string
	CreatedAt time.Time
}

// CSVRow は Header と同じ列順で値を返します。
func (r ContactRecord) CSVRow() []string {
	return []string{
		r.ID,
		r.FirstName,
		r.LastName,
		optionalString(r.Email),
		optionalString(r.Phone),
		optionalString(r.Company),
		optionalString(r.City),
		r.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// CompanyRecord は企業レコードの固定スキーマです。
type CompanyRecord struct {
	ID        string
	Name      string
	Domain    *string
	Industry  *string
	Employees *int
	City      *string
	CreatedAt time.Time
}

// CSVRow は Header と同じ列順で値を返します。
func (r CompanyRecord) CSVRow() []string {
	return []string{
		r.ID,
		r.Name,
		optionalString(r.Domain),
		optionalString(r.Industry),
		optionalInt(r.Employees),
		optionalString(r.City),
		r.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func optionalString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func optionalInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}
