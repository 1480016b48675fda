package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Durations parses a group of duration fields and collects every error, so
// a builder can read all its fields and check once.
//
//	var d config.Durations
//	ttl := d.Or("providers.x.ttl", p.TTL, time.Hour)
//	if err := d.Err(); err != nil { ... }
type Durations struct {
	errs []error
}

// Get parses raw; empty means 0.
func (d *Durations) Get(path, raw string) time.Duration {
	v, err := ParseDurationField(path, raw)
	if err != nil {
		d.errs = append(d.errs, err)
	}
	return v
}

// Or parses raw; empty or zero means def.
func (d *Durations) Or(path, raw string, def time.Duration) time.Duration {
	v, err := ParseDurationOrDefault(path, raw, def)
	if err != nil {
		d.errs = append(d.errs, err)
		return def
	}
	return v
}

func (d *Durations) Err() error { return errors.Join(d.errs...) }
