package billing

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FromFormDate converts the YYYY-MM-DD form input into the stored DD/MM/YYYY
// layout. Values without a dash are kept as typed.
func FromFormDate(s string) string {
	if !strings.Contains(s, "-") {
		return s
	}
	parts := strings.Split(s, "-")
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "/")
}

// ToISODate converts a stored DD/MM/YYYY date into YYYY-MM-DD. Anything that
// does not have three slash-separated parts is returned unchanged.
func ToISODate(s string) string {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return s
	}
	return parts[2] + "-" + parts[1] + "-" + parts[0]
}

// ParseStoredDate parses a DD/MM/YYYY date. Out-of-range days and months
// roll over the way time.Date normalizes them.
func ParseStoredDate(s string) (time.Time, bool) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return time.Time{}, false
	}
	var n [3]int
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return time.Time{}, false
		}
		n[i] = v
	}
	return time.Date(n[2], time.Month(n[1]), n[0], 0, 0, 0, 0, time.UTC), true
}

// DateRange is an inclusive day range. A nil bound is open.
type DateRange struct {
	Start *time.Time
	End   *time.Time
}

// ParseDateRange builds a range from two optional YYYY-MM-DD values.
func ParseDateRange(start, end string) (DateRange, error) {
	var r DateRange
	if start != "" {
		t, err := time.Parse("2006-01-02", start)
		if err != nil {
			return r, fmt.Errorf("%w: invalid start_date: %s", ErrValidation, start)
		}
		r.Start = &t
	}
	if end != "" {
		t, err := time.Parse("2006-01-02", end)
		if err != nil {
			return r, fmt.Errorf("%w: invalid end_date: %s", ErrValidation, end)
		}
		r.End = &t
	}
	return r, nil
}

// Contains reports whether the stored date falls inside the range. Dates
// that cannot be parsed are never filtered out.
func (r DateRange) Contains(date string) bool {
	if r.Start == nil && r.End == nil {
		return true
	}
	d, ok := ParseStoredDate(date)
	if !ok {
		return true
	}
	if r.Start != nil && d.Before(*r.Start) {
		return false
	}
	if r.End != nil && d.After(*r.End) {
		return false
	}
	return true
}
