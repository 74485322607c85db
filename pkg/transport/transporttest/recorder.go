// Package transporttest provides an in-memory transport for tests of code
// that captures events.
package transporttest

import (
	"sync"
	"time"

	"github.com/Mindburn-Labs/beacon/pkg/envelope"
	"github.com/Mindburn-Labs/beacon/pkg/event"
	"github.com/Mindburn-Labs/beacon/pkg/outcome"
	"github.com/Mindburn-Labs/beacon/pkg/ratelimit"
	"github.com/Mindburn-Labs/beacon/pkg/transport"
)

// Recorder keeps every submitted envelope and counts lost events.
type Recorder struct {
	mu        sync.Mutex
	envelopes []*envelope.Envelope
	closed    bool
	outcomes  *outcome.Aggregator
}

var _ transport.Transport = (*Recorder)(nil)

// New returns an empty recorder.
func New() *Recorder {
	return &Recorder{outcomes: outcome.NewAggregator()}
}

func (r *Recorder) Send(env *envelope.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.envelopes = append(r.envelopes, env)
}

func (r *Recorder) RecordLostEvent(reason outcome.Reason, category ratelimit.Category, quantity int64) {
	r.outcomes.Record(reason, category, quantity)
}

func (r *Recorder) Flush(time.Duration) bool { return true }

func (r *Recorder) Close(time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return true
}

// Envelopes returns the envelopes submitted so far.
func (r *Recorder) Envelopes() []*envelope.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*envelope.Envelope(nil), r.envelopes...)
}

// Events decodes the event or transaction item of each envelope.
func (r *Recorder) Events() []*event.Event {
	var out []*event.Event
	for _, env := range r.Envelopes() {
		for _, item := range env.Items {
			if item.Header.Type != envelope.TypeEvent && item.Header.Type != envelope.TypeTransaction {
				continue
			}
			payload, err := envelope.DecodePayload(item)
			if err != nil {
				continue
			}
			if ev, ok := payload.(*event.Event); ok {
				out = append(out, ev)
			}
		}
	}
	return out
}

// Lost returns the number of events discarded for reason in category.
func (r *Recorder) Lost(reason outcome.Reason, category ratelimit.Category) int64 {
	return r.outcomes.Count(reason, category)
}

// Reset forgets recorded envelopes and outcomes.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envelopes = nil
	r.outcomes.Take()
}
