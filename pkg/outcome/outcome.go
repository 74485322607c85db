// Package outcome counts telemetry that was not delivered and turns the
// counts into client reports.
package outcome

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Mindburn-Labs/beacon/pkg/ratelimit"
)

// Reason explains why an item was discarded.
type Reason string

const (
	ReasonBeforeSend       Reason = "before_send"
	ReasonEventProcessor   Reason = "event_processor"
	ReasonNetworkError     Reason = "network_error"
	ReasonQueueOverflow    Reason = "queue_overflow"
	ReasonRateLimitBackoff Reason = "ratelimit_backoff"
	ReasonSampleRate       Reason = "sample_rate"
	ReasonSendError        Reason = "send_error"
	ReasonInternalError    Reason = "internal_sdk_error"
	ReasonBackpressure     Reason = "backpressure"
)

// Key identifies an aggregation bucket.
type Key struct {
	Reason   Reason
	Category ratelimit.Category
}

// DiscardedEvent is one bucket of a client report.
type DiscardedEvent struct {
	Reason   Reason             `json:"reason"`
	Category ratelimit.Category `json:"category"`
	Quantity int64              `json:"quantity"`
}

// ClientReport is the payload of a client_report envelope item.
type ClientReport struct {
	Timestamp       time.Time        `json:"timestamp"`
	DiscardedEvents []DiscardedEvent `json:"discarded_events"`
}

// MeterName is the instrumentation scope of the discard counter.
const MeterName = "github.com/Mindburn-Labs/beacon/pkg/outcome"

// Aggregator accumulates discard counts until they are taken for a
// report. Safe for concurrent use.
type Aggregator struct {
	mu      sync.Mutex
	counts  map[Key]int64
	clock   func() time.Time
	counter metric.Int64Counter
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock overrides the time source used for report timestamps.
func WithClock(clock func() time.Time) Option {
	return func(a *Aggregator) {
		a.clock = clock
	}
}

// WithMeterProvider records every discard on a beacon.discarded_events
// counter of the given provider instead of the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(a *Aggregator) {
		a.counter = newCounter(mp)
	}
}

func newCounter(mp metric.MeterProvider) metric.Int64Counter {
	counter, err := mp.Meter(MeterName).Int64Counter("beacon.discarded_events",
		metric.WithDescription("Telemetry items discarded before delivery"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil
	}
	return counter
}

// NewAggregator creates an empty aggregator.
func NewAggregator(opts ...Option) *Aggregator {
	a := &Aggregator{
		counts: make(map[Key]int64),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.counter == nil {
		a.counter = newCounter(otel.GetMeterProvider())
	}
	return a
}

// Record adds quantity discarded items of category for reason. Non-positive
// quantities are ignored.
func (a *Aggregator) Record(reason Reason, category ratelimit.Category, quantity int64) {
	if quantity <= 0 {
		return
	}
	a.mu.Lock()
	a.counts[Key{Reason: reason, Category: category}] += quantity
	a.mu.Unlock()

	if a.counter != nil {
		a.counter.Add(context.Background(), quantity, metric.WithAttributes(
			attribute.String("reason", string(reason)),
			attribute.String("category", category.String()),
		))
	}
}

// Restore re-adds the counts of a report that could not be submitted, so
// they are included in the next one.
func (a *Aggregator) Restore(report *ClientReport) {
	if report == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, d := range report.DiscardedEvents {
		a.counts[Key{Reason: d.Reason, Category: d.Category}] += d.Quantity
	}
}

// Count returns the pending quantity of one bucket.
func (a *Aggregator) Count(reason Reason, category ratelimit.Category) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts[Key{Reason: reason, Category: category}]
}

// Pending reports whether any count is nonzero.
func (a *Aggregator) Pending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.counts) > 0
}

// Take returns a report of all pending counts and resets them. It returns
// nil when nothing is pending. Buckets are ordered by reason then category.
func (a *Aggregator) Take() *ClientReport {
	a.mu.Lock()
	counts := a.counts
	if len(counts) == 0 {
		a.mu.Unlock()
		return nil
	}
	a.counts = make(map[Key]int64)
	a.mu.Unlock()

	report := &ClientReport{
		Timestamp:       a.clock().UTC(),
		DiscardedEvents: make([]DiscardedEvent, 0, len(counts)),
	}
	for k, q := range counts {
		report.DiscardedEvents = append(report.DiscardedEvents, DiscardedEvent{
			Reason:   k.Reason,
			Category: k.Category,
			Quantity: q,
		})
	}
	sort.Slice(report.DiscardedEvents, func(i, j int) bool {
		x, y := report.DiscardedEvents[i], report.DiscardedEvents[j]
		if x.Reason != y.Reason {
			return x.Reason < y.Reason
		}
		return x.Category < y.Category
	})
	return report
}
