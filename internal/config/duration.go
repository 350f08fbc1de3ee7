package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration fields (debounce tiers, cooldown, poll interval) are Go
// duration strings in the file. Empty means unset; negatives are refused
// because every consumer treats the value as a forward delay.
func parseDuration(field, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", field)
	}
	return d, nil
}

// durationOr substitutes def when the field is unset.
func durationOr(field, raw string, def time.Duration) (time.Duration, error) {
	d, err := parseDuration(field, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
