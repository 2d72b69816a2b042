package provider

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ParseResetHint reads an upstream reset instant: unix seconds, unix milliseconds
// or RFC 3339. It returns nil for anything else.
func ParseResetHint(v string) *time.Time {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
		var t time.Time
		if n >= 1e12 {
			t = time.UnixMilli(n)
		} else {
			t = time.Unix(n, 0)
		}
		return &t
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t
	}
	return nil
}

// ParseRetryAfter reads a Retry-After value (delay seconds or HTTP date) relative to now.
func ParseRetryAfter(v string, now time.Time) *time.Time {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		t := now.Add(time.Duration(secs) * time.Second)
		return &t
	}
	if t, err := http.ParseTime(v); err == nil {
		return &t
	}
	return nil
}

// ParseDelay reads a duration such as Gemini's "30s" retryDelay relative to now.
func ParseDelay(v string, now time.Time) *time.Time {
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil || d < 0 {
		return nil
	}
	t := now.Add(d)
	return &t
}

// ResetFromHeaders looks for the common rate-limit reset headers.
func ResetFromHeaders(h http.Header, now time.Time) *time.Time {
	if t := ParseResetHint(h.Get("X-RateLimit-Reset")); t != nil {
		return t
	}
	if t := ParseResetHint(h.Get("anthropic-ratelimit-requests-reset")); t != nil {
		return t
	}
	return ParseRetryAfter(h.Get("Retry-After"), now)
}
