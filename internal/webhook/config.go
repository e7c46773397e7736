package webhook

import (
	"net/http"
	"strings"
	"time"
)

const defaultUserAgent = "slot-booking-engine-webhooks/1.0"

// Config controls how deliveries are signed and retried.
type Config struct {
	Timeout   time.Duration
	Backoff   []time.Duration
	UserAgent string
	// Lease is how long a claimed delivery stays invisible to other retriers.
	Lease      time.Duration
	HTTPClient *http.Client
}

func DefaultBackoff() []time.Duration {
	return []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute, time.Hour, 6 * time.Hour}
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.Backoff == nil {
		c.Backoff = DefaultBackoff()
	}
	if strings.TrimSpace(c.UserAgent) == "" {
		c.UserAgent = defaultUserAgent
	}
	if c.Lease <= 0 {
		c.Lease = 4 * c.Timeout
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return c
}

// nextRetry returns the wait before the next attempt once attempts have
// been made, and false when the schedule is used up.
func (c Config) nextRetry(attempts int) (time.Duration, bool) {
	if attempts < 1 || attempts > len(c.Backoff) {
		return 0, false
	}
	return c.Backoff[attempts-1], true
}
