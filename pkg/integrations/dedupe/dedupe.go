// Package dedupe drops an event that repeats the previously captured one,
// as happens when the same error is reported at several layers.
package dedupe

import (
	"strings"
	"sync"

	"github.com/Mindburn-Labs/beacon/pkg/client"
	"github.com/Mindburn-Labs/beacon/pkg/diag"
	"github.com/Mindburn-Labs/beacon/pkg/event"
)

// Name identifies the integration.
const Name = "Dedupe"

// Integration remembers the signature of the last error or message event.
type Integration struct {
	mu   sync.Mutex
	last string
	err  error
}

func New() *Integration {
	return &Integration{}
}

func (i *Integration) Name() string { return Name }

func (i *Integration) Setup(c *client.Client) {
	c.AddEventProcessor(i.Process)
}

// Process returns nil when ev has the same signature as the previous event
// or carries the same original error value.
func (i *Integration) Process(ev *event.Event, hint *event.Hint) *event.Event {
	if ev.Kind() == event.KindTransaction {
		return ev
	}
	sig := signature(ev)

	i.mu.Lock()
	defer i.mu.Unlock()
	var original error
	if hint != nil {
		original = hint.OriginalException
	}
	if sig == i.last || (original != nil && i.err != nil && sameError(original, i.err)) {
		diag.Component("dedupe").Debug("duplicate event dropped", "event_id", ev.EventID)
		return nil
	}
	i.last = sig
	i.err = original
	return ev
}

// sameError compares error values without panicking on uncomparable
// dynamic types.
func sameError(a, b error) (same bool) {
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return a == b
}

func signature(ev *event.Event) string {
	var b strings.Builder
	b.WriteString(ev.Message)
	for _, exc := range ev.Exception {
		b.WriteString("|")
		b.WriteString(exc.Type)
		b.WriteString(":")
		b.WriteString(exc.Value)
		if exc.Stacktrace != nil {
			for _, f := range exc.Stacktrace.Frames {
				b.WriteString("@")
				b.WriteString(f.Module)
				b.WriteString(".")
				b.WriteString(f.Function)
			}
		}
	}
	for _, f := range ev.Fingerprint {
		b.WriteString("#")
		b.WriteString(f)
	}
	return b.String()
}
