package exporter

import (
	"fmt"
	"io"
	"strings"
	"time"

	"hostelpro/internal/license"
)

// Format is an export file format
type Format string

// Export formats
const (
	FormatXLSX Format = "xlsx"
	FormatCSV  Format = "csv"
)

// ParseFormat accepts "xlsx" or "csv", case-insensitively. Empty means xlsx.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatXLSX:
		return FormatXLSX, nil
	case FormatCSV:
		return FormatCSV, nil
	}
	return "", fmt.Errorf("unsupported export format %q", s)
}

// ContentType returns the MIME type of f
func (f Format) ContentType() string {
	if f == FormatCSV {
		return "text/csv; charset=utf-8"
	}
	return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
}

// Filename returns a download name stamped with now
func (f Format) Filename(now time.Time) string {
	return fmt.Sprintf("hostelpro-licenses-%s.%s", now.UTC().Format("20060102-150405"), f)
}

// ledgerHeaders are the columns of every export
var ledgerHeaders = []string{
	"License Key", "Customer", "Hostel", "Status", "Bound",
	"Issued", "Expires", "Activated", "Days Left", "Notes",
}

// Ledger renders license records
type Ledger struct {
	now func() time.Time
}

// NewLedger creates a ledger. now is used for the "Days Left" column.
func NewLedger(now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{now: now}
}

// Write renders recs in format f
func (l *Ledger) Write(w io.Writer, f Format, recs []license.Record) error {
	if f == FormatCSV {
		return l.WriteCSV(w, recs)
	}
	return l.WriteXLSX(w, recs)
}

func (l *Ledger) row(rec license.Record) []string {
	return []string{
		rec.LicenseKey,
		rec.CustomerName,
		rec.HostelName,
		string(rec.Status),
		formatBool(rec.Bound()),
		formatDate(&rec.IssueDate),
		formatDate(rec.ExpiryDate),
		formatDate(rec.ActivatedAt),
		l.daysLeft(rec),
		rec.Notes,
	}
}

func (l *Ledger) daysLeft(rec license.Record) string {
	if rec.ExpiryDate == nil {
		return ""
	}
	left := rec.ExpiryDate.Sub(l.now())
	if left < 0 {
		return "0"
	}
	return fmt.Sprintf("%d", int(left.Hours()/24))
}

func formatDate(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02")
}

func formatBool(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
