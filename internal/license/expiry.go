package license

import (
	"fmt"
	"strings"
	"time"
)

// ParseExpiry accepts a calendar date, which stays valid through the end of
// that day in UTC, or an RFC 3339 timestamp. An empty string means no expiry.
func ParseExpiry(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if d, err := time.Parse(time.DateOnly, s); err == nil {
		end := d.Add(24*time.Hour - time.Second)
		return &end, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("%w: expiry_date must be YYYY-MM-DD or RFC 3339", ErrInvalidRequest)
	}
	t = t.UTC()
	return &t, nil
}

// ExpiryAfterYears returns the end of the day years from now, in UTC
func ExpiryAfterYears(now time.Time, years int) *time.Time {
	if years <= 0 {
		return nil
	}
	d := now.UTC().AddDate(years, 0, 0)
	end := time.Date(d.Year(), d.Month(), d.Day(), 23, 59, 59, 0, time.UTC)
	return &end
}
