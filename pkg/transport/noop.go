package transport

import (
	"time"

	"github.com/Mindburn-Labs/beacon/pkg/envelope"
	"github.com/Mindburn-Labs/beacon/pkg/outcome"
	"github.com/Mindburn-Labs/beacon/pkg/ratelimit"
)

// Noop discards everything. A client without a usable DSN sends through it.
type Noop struct{}

func (Noop) Send(*envelope.Envelope)                                   {}
func (Noop) RecordLostEvent(outcome.Reason, ratelimit.Category, int64) {}
func (Noop) Flush(time.Duration) bool                                  { return true }
func (Noop) Close(time.Duration) bool                                  { return true }

var (
	_ Transport = Noop{}
	_ Transport = (*HTTPTransport)(nil)
)
