// Package beacon is the process-wide entry point: Init binds a client to
// the current hub and the package functions capture through it.
//
//	if err := beacon.Init(client.Options{DSN: os.Getenv("BEACON_DSN")}); err != nil {
//		log.Fatal(err)
//	}
//	defer beacon.Flush(2 * time.Second)
package beacon

import (
	"context"
	"errors"
	"time"

	"github.com/Mindburn-Labs/beacon/pkg/client"
	"github.com/Mindburn-Labs/beacon/pkg/config"
	"github.com/Mindburn-Labs/beacon/pkg/event"
	"github.com/Mindburn-Labs/beacon/pkg/hub"
	"github.com/Mindburn-Labs/beacon/pkg/scope"
)

// ErrNoDSN is returned by Init when no DSN is configured. The client is
// still bound and discards everything.
var ErrNoDSN = errors.New("beacon: no DSN configured, events will not be sent")

// Init creates a client from options and binds it to the current hub.
func Init(options client.Options) error {
	c := client.New(options)
	hub.CurrentHub().BindClient(c)
	if c.DSN() == nil && options.Transport == nil {
		return ErrNoDSN
	}
	return nil
}

// InitFromEnv loads configuration with config.Load and calls Init.
func InitFromEnv() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	opts, err := cfg.ClientOptions()
	if err != nil {
		return err
	}
	return Init(opts)
}

func currentHub(ctx context.Context) *hub.Hub {
	if h := hub.FromContext(ctx); h != nil {
		return h
	}
	return hub.CurrentHub()
}

// CaptureException captures err on the current hub.
func CaptureException(err error) *event.ID {
	return hub.CurrentHub().CaptureException(err, nil)
}

// CaptureExceptionContext captures err on the hub stored in ctx, falling
// back to the current hub. The context is available to integrations, which
// read the active trace span from it.
func CaptureExceptionContext(ctx context.Context, err error) *event.ID {
	return currentHub(ctx).CaptureException(err, &event.Hint{Context: ctx})
}

// CaptureMessage captures a message at level info.
func CaptureMessage(message string) *event.ID {
	return hub.CurrentHub().CaptureMessage(message, event.LevelInfo, nil)
}

// CaptureMessageLevel captures a message at the given level.
func CaptureMessageLevel(message string, level event.Level) *event.ID {
	return hub.CurrentHub().CaptureMessage(message, level, nil)
}

// CaptureEvent captures a prepared event.
func CaptureEvent(ev *event.Event) *event.ID {
	return hub.CurrentHub().CaptureEvent(ev, nil)
}

// Recover captures a recovered panic value. Call it from a deferred
// function with the result of recover().
func Recover(recovered any) *event.ID {
	return hub.CurrentHub().Recover(recovered)
}

// AddBreadcrumb records a breadcrumb on the current scope.
func AddBreadcrumb(b event.Breadcrumb) {
	hub.CurrentHub().AddBreadcrumb(b, nil)
}

// ConfigureScope runs fn with the current scope.
func ConfigureScope(fn func(s *scope.Scope)) {
	hub.CurrentHub().ConfigureScope(fn)
}

// WithScope runs fn with a temporary scope.
func WithScope(fn func(s *scope.Scope)) {
	hub.CurrentHub().WithScope(fn)
}

// StartSession starts a release health session.
func StartSession() *event.Session {
	return hub.CurrentHub().StartSession()
}

// EndSession ends the current session.
func EndSession() {
	hub.CurrentHub().EndSession()
}

// LastEventID returns the id of the last captured event.
func LastEventID() event.ID {
	return hub.CurrentHub().LastEventID()
}

// Flush waits up to timeout for queued events.
func Flush(timeout time.Duration) bool {
	return hub.CurrentHub().Flush(timeout)
}

// Close ends the current session and shuts the client down. Later captures
// are discarded.
func Close(timeout time.Duration) bool {
	h := hub.CurrentHub()
	h.EndSession()
	c := h.Client()
	if c == nil {
		return true
	}
	return c.Close(timeout)
}
