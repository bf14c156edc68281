package models

import (
	"fmt"
	"strconv"
	"time"
)

const day = 24 * time.Hour

// MaxPeriod is the longest lookback window a period token may describe.
const MaxPeriod = 10 * 365 * day

// ParsePeriod converts a rolling window token such as "30d", "2w", "3m" or "1y" into a duration.
// Months count as 30 days and years as 365 days. Windows longer than MaxPeriod are rejected.
func ParsePeriod(token string) (time.Duration, error) {
	if len(token) < 2 {
		return 0, fmt.Errorf("invalid period %q", token)
	}
	n, err := strconv.Atoi(token[:len(token)-1])
	if err != nil || n <= 0 || token[0] == '+' || token[0] == '0' {
		return 0, fmt.Errorf("invalid period %q", token)
	}
	var unit time.Duration
	switch token[len(token)-1] {
	case 'd':
		unit = day
	case 'w':
		unit = 7 * day
	case 'm':
		unit = 30 * day
	case 'y':
		unit = 365 * day
	default:
		return 0, fmt.Errorf("invalid period unit in %q", token)
	}
	if int64(n) > int64(MaxPeriod/unit) {
		return 0, fmt.Errorf("period %q exceeds the maximum lookback of %d days", token, int64(MaxPeriod/day))
	}
	return time.Duration(n) * unit, nil
}

// Window is the half-open time range [From, To) a period covers.
type Window struct {
	From time.Time
	To   time.Time
}

// WindowFor resolves the period ending at now.
func WindowFor(period string, now time.Time) (Window, error) {
	d, err := ParsePeriod(period)
	if err != nil {
		return Window{}, err
	}
	return Window{From: now.Add(-d), To: now}, nil
}
