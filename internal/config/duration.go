package config

import (
	"fmt"
	"strings"
	"time"
)

// DurationOrDefault parses value, or defaultValue when value is blank.
func DurationOrDefault(value, defaultValue string) (time.Duration, error) {
	s := strings.TrimSpace(value)
	if s == "" {
		s = strings.TrimSpace(defaultValue)
	}
	if s == "" {
		return 0, fmt.Errorf("duration value is empty")
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q is negative", s)
	}
	return d, nil
}

// ContextTimings are the parsed durations that drive compression, refresh and the login greeting.
type ContextTimings struct {
	MaxMessageAge          time.Duration
	RefreshInterval        time.Duration
	InitialRefreshWait     time.Duration
	MinConvoAgeForGreeting time.Duration
}

// Timings parses every context duration, applying the defaults for blank values. The error
// names the offending key.
func (c ContextConfig) Timings() (ContextTimings, error) {
	var t ContextTimings
	fields := []struct {
		key      string
		value    string
		fallback string
		dst      *time.Duration
	}{
		{"context.max_message_age", c.MaxMessageAge, DefaultContextMaxMessageAge, &t.MaxMessageAge},
		{"context.refresh_interval", c.RefreshInterval, DefaultContextRefreshInterval, &t.RefreshInterval},
		{"context.initial_refresh_wait", c.InitialRefreshWait, DefaultContextInitialRefreshWait, &t.InitialRefreshWait},
		{"context.min_convo_age_for_greeting", c.MinConvoAgeForGreeting, DefaultContextMinConvoAgeForGreeting, &t.MinConvoAgeForGreeting},
	}
	for _, f := range fields {
		d, err := DurationOrDefault(f.value, f.fallback)
		if err != nil {
			return ContextTimings{}, fmt.Errorf("%s: %w", f.key, err)
		}
		*f.dst = d
	}
	if t.RefreshInterval == 0 {
		return ContextTimings{}, fmt.Errorf("context.refresh_interval must be positive")
	}
	return t, nil
}
