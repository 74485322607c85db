// Package hub keeps the stack of (client, scope) layers that captures run
// against.
//
// A Hub is safe for concurrent use, but layers pushed by one goroutine are
// visible to all others sharing the hub. Goroutines that need isolated
// scope data should work on a Clone.
package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/beacon/pkg/client"
	"github.com/Mindburn-Labs/beacon/pkg/diag"
	"github.com/Mindburn-Labs/beacon/pkg/event"
	"github.com/Mindburn-Labs/beacon/pkg/scope"
)

type layer struct {
	client *client.Client
	scope  *scope.Scope
}

// Hub routes captures to the client of its top layer, decorated with the
// top scope. The base layer is never popped.
type Hub struct {
	mu          sync.RWMutex
	stack       []*layer
	lastEventID event.ID
	logger      *slog.Logger
	now         func() time.Time
}

// New creates a hub with a single layer. A nil scope starts empty; a nil
// client makes every capture a no-op until BindClient is called.
func New(c *client.Client, s *scope.Scope) *Hub {
	if s == nil {
		limit := 0
		if c != nil {
			limit = c.Options().MaxBreadcrumbs
		}
		s = scope.New(limit)
	}
	return &Hub{
		stack:  []*layer{{client: c, scope: s}},
		logger: diag.Component("hub"),
		now:    time.Now,
	}
}

var (
	currentOnce sync.Once
	current     *Hub
)

// CurrentHub returns the process-wide hub, creating it without a client on
// first use.
func CurrentHub() *Hub {
	currentOnce.Do(func() {
		current = New(nil, nil)
	})
	return current
}

type contextKey string

const hubKey contextKey = "hub"

// SetOnContext returns a copy of ctx carrying h.
func SetOnContext(ctx context.Context, h *Hub) context.Context {
	return context.WithValue(ctx, hubKey, h)
}

// FromContext returns the hub stored in ctx, or nil.
func FromContext(ctx context.Context) *Hub {
	if ctx == nil {
		return nil
	}
	h, _ := ctx.Value(hubKey).(*Hub)
	return h
}

func (h *Hub) top() *layer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stack[len(h.stack)-1]
}

// Client returns the client of the top layer.
func (h *Hub) Client() *client.Client {
	return h.top().client
}

// Scope returns the scope of the top layer.
func (h *Hub) Scope() *scope.Scope {
	return h.top().scope
}

// BindClient replaces the client of the top layer.
func (h *Hub) BindClient(c *client.Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stack[len(h.stack)-1].client = c
}

// Clone returns a hub with a single layer holding the current client and a
// copy of the current scope.
func (h *Hub) Clone() *Hub {
	top := h.top()
	clone := New(top.client, top.scope.Clone())
	clone.now = h.now
	return clone
}

// PushScope adds a layer with a copy of the current scope and the same
// client, and returns the new scope.
func (h *Hub) PushScope() *scope.Scope {
	h.mu.Lock()
	defer h.mu.Unlock()
	top := h.stack[len(h.stack)-1]
	s := top.scope.Clone()
	h.stack = append(h.stack, &layer{client: top.client, scope: s})
	return s
}

// PopScope removes the top layer. It does nothing when only the base layer
// remains.
func (h *Hub) PopScope() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.stack) > 1 {
		h.stack[len(h.stack)-1] = nil
		h.stack = h.stack[:len(h.stack)-1]
	}
}

func (h *Hub) depth() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.stack)
}

// truncate drops layers above depth n.
func (h *Hub) truncate(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n = max(n, 1)
	for i := n; i < len(h.stack); i++ {
		h.stack[i] = nil
	}
	if len(h.stack) > n {
		h.stack = h.stack[:n]
	}
}

// WithScope runs fn with a temporary scope. The stack is restored when fn
// returns or panics, including layers fn pushed and did not pop. A panic
// keeps propagating.
func (h *Hub) WithScope(fn func(s *scope.Scope)) {
	depth := h.depth()
	s := h.PushScope()
	defer h.truncate(depth)
	fn(s)
}

// ConfigureScope runs fn with the current scope.
func (h *Hub) ConfigureScope(fn func(s *scope.Scope)) {
	fn(h.Scope())
}

// LastEventID returns the id of the last event handed to the transport by
// this hub.
func (h *Hub) LastEventID() event.ID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastEventID
}

// The lock is never held while the client runs, so hooks and processors may
// capture through the same hub.
func (h *Hub) capture(fn func(c *client.Client, s *scope.Scope) *event.ID) *event.ID {
	top := h.top()
	if top.client == nil {
		return nil
	}
	id := fn(top.client, top.scope)
	if id != nil {
		h.mu.Lock()
		h.lastEventID = *id
		h.mu.Unlock()
	}
	return id
}

// CaptureEvent captures a prepared event.
func (h *Hub) CaptureEvent(ev *event.Event, hint *event.Hint) *event.ID {
	return h.capture(func(c *client.Client, s *scope.Scope) *event.ID {
		return c.CaptureEvent(ev, hint, s)
	})
}

// CaptureException captures err and its wrapped causes.
func (h *Hub) CaptureException(err error, hint *event.Hint) *event.ID {
	return h.capture(func(c *client.Client, s *scope.Scope) *event.ID {
		return c.CaptureException(err, hint, s)
	})
}

// CaptureMessage captures a message event.
func (h *Hub) CaptureMessage(message string, level event.Level, hint *event.Hint) *event.ID {
	return h.capture(func(c *client.Client, s *scope.Scope) *event.ID {
		return c.CaptureMessage(message, level, hint, s)
	})
}

// Recover captures a value returned by recover(). Use it in a deferred
// function:
//
//	defer func() {
//		if r := recover(); r != nil {
//			h.Recover(r)
//			panic(r)
//		}
//	}()
func (h *Hub) Recover(recovered any) *event.ID {
	return h.RecoverWithContext(context.Background(), recovered)
}

// RecoverWithContext is Recover with a context exposed to processors and
// hooks through the hint.
func (h *Hub) RecoverWithContext(ctx context.Context, recovered any) *event.ID {
	if recovered == nil {
		return nil
	}
	return h.capture(func(c *client.Client, s *scope.Scope) *event.ID {
		return c.Recover(recovered, &event.Hint{Context: ctx}, s)
	})
}

// AddBreadcrumb records a breadcrumb on the current scope after the
// client's BeforeBreadcrumb hook. A nil hook result discards it.
func (h *Hub) AddBreadcrumb(b event.Breadcrumb, hint map[string]any) {
	top := h.top()
	if b.Timestamp.IsZero() {
		b.Timestamp = h.now().UTC()
	}
	if top.client != nil {
		if hook := top.client.Options().BeforeBreadcrumb; hook != nil {
			var filtered *event.Breadcrumb
			candidate := b
			err := diag.Safe(func() { filtered = hook(&candidate, hint) })
			switch {
			case err != nil:
				h.logger.Warn("before breadcrumb hook failed", "error", err)
			case filtered == nil:
				h.logger.Debug("breadcrumb discarded by hook")
				return
			default:
				b = *filtered
			}
		}
	}
	top.scope.AddBreadcrumb(b, hint)
}

// StartSession ends the session of the current scope, if any, and starts a
// new one for the client's release. The initial update is sent right away.
func (h *Hub) StartSession() *event.Session {
	top := h.top()
	if top.client == nil {
		return nil
	}
	h.EndSession()

	opts := top.client.Options()
	user := top.scope.User()
	sess := event.NewSession(event.SessionAttributes{
		Release:     opts.Release,
		Environment: opts.Environment,
		IPAddress:   user.IPAddress,
	}, firstNonEmpty(user.ID, user.Email, user.Username), h.now())
	if err := top.client.CaptureSession(sess); err != nil {
		h.logger.Warn("session not started", "error", err)
		return nil
	}
	top.scope.SetSession(sess)
	return sess
}

// EndSession finalizes and sends the session of the current scope.
func (h *Hub) EndSession() {
	top := h.top()
	sess := top.scope.Session()
	if sess == nil {
		return
	}
	top.scope.SetSession(nil)
	sess.End("", h.now())
	if top.client == nil {
		return
	}
	if err := top.client.CaptureSession(sess); err != nil {
		h.logger.Warn("session end not sent", "sid", sess.ID(), "error", err)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Flush waits up to timeout for the client's queued events. It returns
// false when there is no client or the timeout elapsed.
func (h *Hub) Flush(timeout time.Duration) bool {
	c := h.Client()
	if c == nil {
		return false
	}
	return c.Flush(timeout)
}
