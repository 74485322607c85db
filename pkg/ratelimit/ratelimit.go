// Package ratelimit tracks server-imposed delivery backoff per data
// category.
//
// The collector answers throttled requests with an X-Sentry-Rate-Limits
// header of semicolon separated entries:
//
//	retry_after:categories:reason
//
// categories is a comma separated list; an empty list applies the limit to
// every category. When that header is absent, a 429 status with a
// Retry-After header disables every category.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/beacon/pkg/diag"
)

// Category is a class of telemetry that is rate limited independently.
type Category string

const (
	// CategoryAll is the wildcard entry; a limit on it applies to every
	// category.
	CategoryAll         Category = ""
	CategoryError       Category = "error"
	CategoryTransaction Category = "transaction"
	CategorySession     Category = "session"
	CategoryAttachment  Category = "attachment"
	CategoryInternal    Category = "internal"
)

// String returns the wire name, "all" for the wildcard.
func (c Category) String() string {
	if c == CategoryAll {
		return "all"
	}
	return string(c)
}

const (
	HeaderRateLimits = "X-Sentry-Rate-Limits"
	HeaderRetryAfter = "Retry-After"

	// DefaultRetryAfter applies when a retry value cannot be parsed.
	DefaultRetryAfter = 60 * time.Second
)

// Limiter holds the category -> disabled-until map. A local store is always
// consulted; an optional shared store lets several processes reporting
// under one key observe each other's backoff. Shared store errors fail
// open.
type Limiter struct {
	local  *MemoryStore
	shared Store
	logger *slog.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithSharedStore adds a store shared between processes.
func WithSharedStore(s Store) Option {
	return func(l *Limiter) {
		l.shared = s
	}
}

// WithLogger sets the logger used for store failures.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

// New creates a limiter with no active limits.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		local:  NewMemoryStore(),
		logger: diag.Component("ratelimit"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Update applies the rate-limit feedback of one response received at now.
func (l *Limiter) Update(ctx context.Context, h http.Header, status int, now time.Time) {
	limits := ParseResponse(h, status, now)
	for c, until := range limits {
		_ = l.local.SetDisabledUntil(ctx, c, until)
		if l.shared != nil {
			if err := l.shared.SetDisabledUntil(ctx, c, until); err != nil {
				l.logger.Debug("shared rate limit store write failed", "category", c.String(), "error", err)
			}
		}
	}
	if len(limits) > 0 {
		l.logger.Debug("rate limits updated", "entries", len(limits), "status", status)
	}
}

// IsRateLimited reports whether c is disabled at now, either directly or
// through the wildcard entry.
func (l *Limiter) IsRateLimited(ctx context.Context, c Category, now time.Time) bool {
	if l.limitedIn(ctx, l.local, c, now) {
		return true
	}
	return l.shared != nil && l.limitedIn(ctx, l.shared, c, now)
}

func (l *Limiter) limitedIn(ctx context.Context, s Store, c Category, now time.Time) bool {
	for _, key := range []Category{c, CategoryAll} {
		until, err := s.DisabledUntil(ctx, key)
		if err != nil {
			l.logger.Debug("rate limit store read failed", "category", key.String(), "error", err)
			continue
		}
		if now.Before(until) {
			return true
		}
		if c == CategoryAll {
			break
		}
	}
	return false
}

// DisabledUntil returns the local disabled-until time of c, zero when c
// has never been limited.
func (l *Limiter) DisabledUntil(c Category) time.Time {
	until, _ := l.local.DisabledUntil(context.Background(), c)
	return until
}

// ParseResponse extracts the limits carried by a response received at now.
func ParseResponse(h http.Header, status int, now time.Time) map[Category]time.Time {
	if v := h.Get(HeaderRateLimits); v != "" {
		return ParseRateLimits(v, now)
	}
	if status == http.StatusTooManyRequests {
		return map[Category]time.Time{
			CategoryAll: now.Add(ParseRetryAfter(h.Get(HeaderRetryAfter), now)),
		}
	}
	return nil
}

// ParseRateLimits parses an X-Sentry-Rate-Limits value. A later entry for
// the same category replaces an earlier one.
func ParseRateLimits(value string, now time.Time) map[Category]time.Time {
	limits := make(map[Category]time.Time)
	for _, entry := range strings.Split(value, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		until := now.Add(parseSeconds(parts[0]))

		var categories string
		if len(parts) > 1 {
			categories = parts[1]
		}
		if strings.TrimSpace(categories) == "" {
			limits[CategoryAll] = until
			continue
		}
		for _, c := range strings.Split(categories, ",") {
			if c = strings.TrimSpace(c); c != "" {
				limits[Category(c)] = until
			}
		}
	}
	return limits
}

// ParseRetryAfter parses a Retry-After value given either as seconds or as
// an HTTP date.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return DefaultRetryAfter
	}
	if d, ok := seconds(value); ok {
		return d
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return DefaultRetryAfter
}

func parseSeconds(s string) time.Duration {
	if d, ok := seconds(strings.TrimSpace(s)); ok {
		return d
	}
	return DefaultRetryAfter
}

// MaxRetryAfter is the longest back-off a server can request. Larger
// values saturate to it.
const MaxRetryAfter = time.Duration(math.MaxInt64)

func seconds(s string) (time.Duration, bool) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	ns := f * float64(time.Second)
	if ns >= float64(MaxRetryAfter) {
		return MaxRetryAfter, true
	}
	return time.Duration(ns), true
}
