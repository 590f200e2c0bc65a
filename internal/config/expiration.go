package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ResolveExpiration turns "0dte", "Ndte", "YYYY-MM-DD" or "YYYYMMDD" into a
// YYYYMMDD expiration. DTE forms count calendar days from now in loc and roll
// weekend dates forward to Monday.
func ResolveExpiration(expiration string, now time.Time, loc *time.Location) (string, error) {
	raw := strings.TrimSpace(expiration)
	if raw == "" {
		return "", fmt.Errorf("expiration is empty")
	}
	if loc == nil {
		loc = time.UTC
	}

	lower := strings.ToLower(raw)
	if strings.HasSuffix(lower, "dte") {
		days, err := strconv.Atoi(strings.TrimSuffix(lower, "dte"))
		if err == nil && days >= 0 {
			local := now.In(loc)
			d := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, days)
			for d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
				d = d.AddDate(0, 0, 1)
			}
			return d.Format("20060102"), nil
		}
	}

	if strings.Contains(raw, "-") {
		d, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return "", fmt.Errorf("unrecognized expiration format: %s", expiration)
		}
		return d.Format("20060102"), nil
	}

	if len(raw) == 8 {
		if _, err := time.Parse("20060102", raw); err == nil {
			return raw, nil
		}
	}
	return "", fmt.Errorf("unrecognized expiration format: %s", expiration)
}

// DashedExpiration converts YYYYMMDD to the YYYY-MM-DD form the broker expects.
func DashedExpiration(exp string) string {
	if len(exp) == 8 && !strings.Contains(exp, "-") {
		return exp[:4] + "-" + exp[4:6] + "-" + exp[6:]
	}
	return exp
}
