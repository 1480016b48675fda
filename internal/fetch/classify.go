package fetch

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ThrottleDetector reports whether a response means "slow down". It sees
// every response, including 2xx ones, because some providers signal rate
// limits in the body of a successful reply.
type ThrottleDetector func(status int, header http.Header, body []byte) bool

// Validator checks a 2xx body. A non-nil error makes the outcome malformed.
type Validator func(body []byte) error

// StatusThrottle treats HTTP 429 as throttled.
func StatusThrottle(status int, _ http.Header, _ []byte) bool {
	return status == http.StatusTooManyRequests
}

// MarkerThrottle extends StatusThrottle with case-insensitive body markers.
func MarkerThrottle(markers ...string) ThrottleDetector {
	low := make([]string, 0, len(markers))
	for _, m := range markers {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
			low = append(low, m)
		}
	}
	return func(status int, header http.Header, body []byte) bool {
		if StatusThrottle(status, header, body) {
			return true
		}
		if len(low) == 0 || len(body) == 0 {
			return false
		}
		s := strings.ToLower(string(body))
		for _, m := range low {
			if strings.Contains(s, m) {
				return true
			}
		}
		return false
	}
}

// AlphaVantageThrottle recognises Alpha Vantage's soft limit replies: a 200
// with a "Note" or "Information" field mentioning the rate limit, or the
// "Thank you for using Alpha Vantage" banner.
func AlphaVantageThrottle(status int, header http.Header, body []byte) bool {
	if StatusThrottle(status, header, body) {
		return true
	}
	if len(body) == 0 {
		return false
	}
	if strings.Contains(string(body), "Thank you for using Alpha Vantage") {
		return true
	}
	var probe map[string]any
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	for _, field := range []string{"Note", "Information"} {
		if v, ok := probe[field].(string); ok && strings.Contains(strings.ToLower(v), "rate limit") {
			return true
		}
	}
	return false
}

// ThrottleByName maps a config name to a detector.
func ThrottleByName(name string, markers []string) (ThrottleDetector, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "status":
		if len(markers) > 0 {
			return MarkerThrottle(markers...), nil
		}
		return StatusThrottle, nil
	case "alphavantage", "alpha_vantage":
		if len(markers) == 0 {
			return AlphaVantageThrottle, nil
		}
		extra := MarkerThrottle(markers...)
		return func(status int, header http.Header, body []byte) bool {
			return AlphaVantageThrottle(status, header, body) || extra(status, header, body)
		}, nil
	default:
		return nil, errors.New("unknown throttle detector: " + name)
	}
}

// ValidJSON rejects bodies that are not a single JSON document.
func ValidJSON(body []byte) error {
	if !json.Valid(body) {
		return errors.New("body is not valid JSON")
	}
	return nil
}

// parseRetryAfter reads a Retry-After header in either seconds or HTTP-date form.
func parseRetryAfter(h http.Header, now time.Time) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// outcome is the verdict for one attempt.
type outcome struct {
	kind       Kind
	status     int
	retryAfter time.Duration
	err        error
}

func classify(status int, header http.Header, body []byte, throttle ThrottleDetector, validate Validator, now time.Time) *outcome {
	if throttle != nil && throttle(status, header, body) {
		return &outcome{kind: KindThrottled, status: status, retryAfter: parseRetryAfter(header, now), err: ErrThrottled}
	}
	if status < 200 || status > 299 {
		return &outcome{kind: KindServerError, status: status, err: errors.New(http.StatusText(status))}
	}
	if validate != nil {
		if err := validate(body); err != nil {
			return &outcome{kind: KindMalformed, status: status, err: err}
		}
	}
	return nil
}
