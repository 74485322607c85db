// Package client drives captured errors, messages and transactions through
// the event pipeline and hands the result to a transport.
//
// The pipeline stages, each able to drop the event, are: client-side
// throttle and error sampling, scope application, event processors,
// transaction sampling, and the BeforeSend hook. Every call into
// collaborator code is isolated with diag.Safe; a failure there is logged
// and treated as no change.
package client

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/beacon/pkg/diag"
	"github.com/Mindburn-Labs/beacon/pkg/dsn"
	"github.com/Mindburn-Labs/beacon/pkg/envelope"
	"github.com/Mindburn-Labs/beacon/pkg/event"
	"github.com/Mindburn-Labs/beacon/pkg/outcome"
	"github.com/Mindburn-Labs/beacon/pkg/ratelimit"
	"github.com/Mindburn-Labs/beacon/pkg/scope"
	"github.com/Mindburn-Labs/beacon/pkg/transport"
)

// Client is safe for concurrent use.
type Client struct {
	options   Options
	dsn       *dsn.DSN
	transport transport.Transport
	throttle  *rate.Limiter
	logger    *slog.Logger
	now       func() time.Time

	mu           sync.RWMutex
	processors   []scope.EventProcessor
	integrations []Integration
	sdk          event.SdkInfo
}

// New creates a client. A missing or invalid DSN does not fail: the error
// is reported through the diagnostic logger and the client sends nothing.
func New(options Options) *Client {
	if options.Debug {
		diag.SetDebug(true)
	}
	logger := options.Logger
	if logger == nil {
		logger = diag.Component("client")
	}

	c := &Client{
		options: options,
		logger:  logger,
		now:     time.Now,
		sdk:     event.SdkInfo{Name: event.SDKName, Version: event.SDKVersion},
	}

	if options.MaxEventsPerSecond > 0 {
		burst := max(1, int(options.MaxEventsPerSecond))
		c.throttle = rate.NewLimiter(rate.Limit(options.MaxEventsPerSecond), burst)
	}

	c.transport = options.Transport
	if options.DSN != "" {
		d, err := dsn.Parse(options.DSN)
		if err != nil {
			logger.Error("invalid DSN, events will not be sent", "error", err)
		} else {
			c.dsn = d
		}
	}
	if c.transport == nil {
		c.transport = c.defaultTransport()
	}

	c.setupIntegrations(options.Integrations)
	return c
}

func (c *Client) defaultTransport() transport.Transport {
	if c.dsn == nil {
		c.logger.Debug("no DSN configured, events will not be sent")
		return transport.Noop{}
	}

	limiterOpts := []ratelimit.Option{ratelimit.WithLogger(c.logger)}
	if c.options.RateLimitStore != nil {
		limiterOpts = append(limiterOpts, ratelimit.WithSharedStore(c.options.RateLimitStore))
	}
	opts := []transport.Option{
		transport.WithLogger(c.logger.With("component", "transport")),
		transport.WithLimiter(ratelimit.New(limiterOpts...)),
		transport.WithBufferSize(c.options.TransportBufferSize),
		transport.WithClientReports(!c.options.DisableClientReports),
	}
	if c.options.HTTPClient != nil {
		opts = append(opts, transport.WithHTTPClient(c.options.HTTPClient))
	}
	if c.options.ClientReportInterval > 0 {
		opts = append(opts, transport.WithClientReportInterval(c.options.ClientReportInterval))
	}
	return transport.NewHTTPTransport(c.dsn, opts...)
}

func (c *Client) setupIntegrations(integrations []Integration) {
	seen := make(map[string]bool)
	for _, integration := range integrations {
		if integration == nil {
			continue
		}
		name := integration.Name()
		if seen[name] {
			c.logger.Warn("duplicate integration ignored", "integration", name)
			continue
		}
		seen[name] = true

		if err := diag.Safe(func() { integration.Setup(c) }); err != nil {
			c.logger.Error("integration setup failed", "integration", name, "error", err)
			continue
		}
		c.mu.Lock()
		c.integrations = append(c.integrations, integration)
		c.sdk.Integrations = append(c.sdk.Integrations, name)
		c.mu.Unlock()
		c.logger.Debug("integration installed", "integration", name)
	}
}

// Options returns the options the client was created with.
func (c *Client) Options() Options {
	return c.options
}

// DSN returns the parsed DSN, nil when sending is disabled.
func (c *Client) DSN() *dsn.DSN {
	return c.dsn
}

// Transport returns the transport envelopes are handed to.
func (c *Client) Transport() transport.Transport {
	return c.transport
}

// Integration returns the installed integration with the given name.
func (c *Client) Integration(name string) Integration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, i := range c.integrations {
		if i.Name() == name {
			return i
		}
	}
	return nil
}

// AddEventProcessor registers a processor that runs for every event, before
// the processors of the capturing scope.
func (c *Client) AddEventProcessor(p scope.EventProcessor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processors = append(c.processors, p)
}

// CaptureException captures err with its unwrap chain and the current
// stack.
func (c *Client) CaptureException(err error, hint *event.Hint, s *scope.Scope) *event.ID {
	if err == nil {
		return nil
	}
	if hint == nil {
		hint = &event.Hint{}
	}
	if hint.OriginalException == nil {
		hint.OriginalException = err
	}
	return c.CaptureEvent(c.EventFromException(err, event.LevelError), hint, s)
}

// CaptureMessage captures a plain message. An empty level means info.
func (c *Client) CaptureMessage(message string, level event.Level, hint *event.Hint, s *scope.Scope) *event.ID {
	return c.CaptureEvent(c.EventFromMessage(message, level), hint, s)
}

// Recover captures a value recovered from a panic at level fatal. The
// exception is marked unhandled, which crashes an active session.
func (c *Client) Recover(recovered any, hint *event.Hint, s *scope.Scope) *event.ID {
	if recovered == nil {
		return nil
	}
	if hint == nil {
		hint = &event.Hint{}
	}
	hint.RecoveredException = recovered

	ev := event.New()
	ev.Level = event.LevelFatal
	stack := captureStacktrace(1)
	if err, ok := recovered.(error); ok {
		handled := false
		ev.Exception = exceptionsFromError(err, stack, &event.Mechanism{Type: "panic", Handled: &handled})
		if hint.OriginalException == nil {
			hint.OriginalException = err
		}
	} else {
		ev.Exception = []event.Exception{exceptionFromPanic(recovered, stack)}
	}
	return c.CaptureEvent(ev, hint, s)
}

// EventFromException builds an exception event without capturing it.
func (c *Client) EventFromException(err error, level event.Level) *event.Event {
	ev := event.New()
	ev.Level = level
	handled := true
	ev.Exception = exceptionsFromError(err, captureStacktrace(1), &event.Mechanism{Type: "generic", Handled: &handled})
	return ev
}

// EventFromMessage builds a message event without capturing it.
func (c *Client) EventFromMessage(message string, level event.Level) *event.Event {
	ev := event.New()
	if level == "" {
		level = event.LevelInfo
	}
	ev.Level = level
	ev.Message = message
	if c.options.AttachStacktrace {
		if stack := captureStacktrace(1); stack != nil {
			ev.Extra["stacktrace"] = stack
		}
	}
	return ev
}

// CaptureEvent runs ev through the pipeline and submits it. It returns the
// event id, or nil when the event was dropped.
func (c *Client) CaptureEvent(ev *event.Event, hint *event.Hint, s *scope.Scope) *event.ID {
	if ev == nil {
		return nil
	}
	if hint == nil {
		hint = &event.Hint{}
	}

	var id *event.ID
	err := diag.Safe(func() { id = c.processEvent(ev, hint, s) })
	if err != nil {
		c.logger.Error("event pipeline failed", "error", err)
		c.transport.RecordLostEvent(outcome.ReasonInternalError, categoryOf(ev), 1)
		return nil
	}
	return id
}

func categoryOf(ev *event.Event) ratelimit.Category {
	if ev.Kind() == event.KindTransaction {
		return ratelimit.CategoryTransaction
	}
	return ratelimit.CategoryError
}

func (c *Client) processEvent(ev *event.Event, hint *event.Hint, s *scope.Scope) *event.ID {
	kind := ev.Kind()
	category := categoryOf(ev)

	if c.throttle != nil && !c.throttle.Allow() {
		c.logger.Debug("event throttled", "event_id", ev.EventID)
		c.transport.RecordLostEvent(outcome.ReasonBackpressure, category, 1)
		return nil
	}

	if kind != event.KindTransaction && !sampled(c.options.sampleRate()) {
		c.logger.Debug("event sampled out", "event_id", ev.EventID)
		c.transport.RecordLostEvent(outcome.ReasonSampleRate, category, 1)
		return nil
	}

	c.prepare(ev)

	var attachments []event.Attachment
	var session *event.Session
	if s != nil {
		s.ApplyToEvent(ev, c.options.maxBreadcrumbs())
		attachments = s.Attachments()
		session = s.Session()
	}
	attachments = append(attachments, hint.Attachments...)

	ev = c.runProcessors(ev, hint, s)
	if ev == nil {
		c.transport.RecordLostEvent(outcome.ReasonEventProcessor, category, 1)
		return nil
	}

	if kind == event.KindTransaction && !sampled(c.tracesSampleRate(ev, hint)) {
		c.logger.Debug("transaction sampled out", "event_id", ev.EventID)
		c.transport.RecordLostEvent(outcome.ReasonSampleRate, category, 1)
		return nil
	}

	ev = c.beforeSend(ev, hint)
	if ev == nil {
		c.logger.Debug("event dropped by before send hook")
		c.transport.RecordLostEvent(outcome.ReasonBeforeSend, category, 1)
		return nil
	}

	c.mu.RLock()
	sdk := c.sdk
	sdk.Integrations = append([]string(nil), c.sdk.Integrations...)
	c.mu.RUnlock()
	ev.Sdk = &sdk

	env, err := c.buildEnvelope(ev, attachments)
	if err != nil {
		c.logger.Error("event serialization failed", "event_id", ev.EventID, "error", err)
		c.transport.RecordLostEvent(outcome.ReasonInternalError, category, 1)
		return nil
	}
	if session != nil && kind != event.KindTransaction {
		c.updateSession(env, session, ev)
	}

	c.transport.Send(env)
	id := ev.EventID
	return &id
}

// prepare fills client defaults and normalizes text values.
func (c *Client) prepare(ev *event.Event) {
	if ev.EventID == "" {
		ev.EventID = event.NewID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = c.now().UTC()
	}
	if ev.Platform == "" {
		ev.Platform = "go"
	}
	if ev.Release == "" {
		ev.Release = c.options.Release
	}
	if ev.Environment == "" {
		ev.Environment = c.options.Environment
	}
	if ev.Dist == "" {
		ev.Dist = c.options.Dist
	}
	if ev.ServerName == "" {
		ev.ServerName = c.options.ServerName
	}
	if ev.Level == "" && ev.Kind() != event.KindTransaction {
		if ev.Kind() == event.KindException {
			ev.Level = event.LevelError
		} else {
			ev.Level = event.LevelInfo
		}
	}

	limit := c.options.maxValueLength()
	ev.Message = normalize(ev.Message, limit)
	for i := range ev.Exception {
		ev.Exception[i].Value = normalize(ev.Exception[i].Value, limit)
	}
}

// normalize applies Unicode NFC and truncates to limit runes.
func normalize(s string, limit int) string {
	if s == "" {
		return s
	}
	s = norm.NFC.String(s)
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "..."
}

func (c *Client) runProcessors(ev *event.Event, hint *event.Hint, s *scope.Scope) *event.Event {
	c.mu.RLock()
	processors := append([]scope.EventProcessor(nil), c.processors...)
	c.mu.RUnlock()
	if s != nil {
		processors = append(processors, s.EventProcessors()...)
	}

	// Each processor works on a copy so a panic leaves ev untouched.
	for i, p := range processors {
		var next *event.Event
		candidate := ev.Clone()
		err := diag.Safe(func() { next = p(candidate, hint) })
		if err != nil {
			c.logger.Warn("event processor failed", "index", i, "error", err)
			continue
		}
		if next == nil {
			c.logger.Debug("event dropped by processor", "index", i, "event_id", ev.EventID)
			return nil
		}
		ev = next
	}
	return ev
}

func (c *Client) tracesSampleRate(ev *event.Event, hint *event.Hint) float64 {
	sampleRate := c.options.TracesSampleRate
	if c.options.TracesSampler != nil {
		ctx := event.SamplingContext{
			Context:     hint.Context,
			Transaction: ev.Transaction,
			Data:        hint.Data,
		}
		if trace, ok := ev.Contexts["trace"]; ok {
			ctx.Op, _ = trace["op"].(string)
		}
		var r float64
		if err := diag.Safe(func() { r = c.options.TracesSampler(ctx) }); err != nil {
			c.logger.Warn("traces sampler failed", "error", err)
		} else {
			sampleRate = r
		}
	}
	return sampleRate
}

// sampled draws uniformly from [0,1) and keeps the item when the draw is
// below rate. A rate of 0 never keeps, 1 always does.
func sampled(p float64) bool {
	if p >= 1 {
		return true
	}
	if p <= 0 {
		return false
	}
	return rand.Float64() < p
}

func (c *Client) beforeSend(ev *event.Event, hint *event.Hint) *event.Event {
	hook := c.options.BeforeSend
	if ev.Kind() == event.KindTransaction {
		hook = c.options.BeforeSendTransaction
	}
	if hook == nil {
		return ev
	}

	var result *event.Event
	candidate := ev.Clone()
	if err := diag.Safe(func() { result = hook(candidate, hint) }); err != nil {
		c.logger.Warn("before send hook failed", "error", err)
		return ev
	}
	return result
}

func (c *Client) buildEnvelope(ev *event.Event, attachments []event.Attachment) (*envelope.Envelope, error) {
	item, err := envelope.NewEventItem(ev)
	if err != nil {
		return nil, err
	}
	env := envelope.New(c.envelopeHeader(ev.EventID), item)
	for _, a := range attachments {
		env.Add(envelope.NewAttachmentItem(a))
	}
	return env, nil
}

func (c *Client) envelopeHeader(id event.ID) envelope.Header {
	h := envelope.Header{
		EventID: id,
		Sdk:     &event.SdkInfo{Name: event.SDKName, Version: event.SDKVersion},
	}
	if c.dsn != nil {
		h.DSN = c.dsn.String()
	}
	return h
}

// updateSession counts an exception event against the session and adds
// the updated session to the envelope when its status changed. Only an
// unhandled exception crashes the session; the event level plays no part.
func (c *Client) updateSession(env *envelope.Envelope, session *event.Session, ev *event.Event) {
	if len(ev.Exception) == 0 {
		return
	}
	crashed := false
	for _, exc := range ev.Exception {
		if exc.Mechanism != nil && exc.Mechanism.Handled != nil && !*exc.Mechanism.Handled {
			crashed = true
		}
	}
	if ev.User != nil {
		session.SetDistinctID(firstNonEmpty(ev.User.ID, ev.User.Email, ev.User.Username))
	}
	if !session.RecordError(crashed, c.now()) {
		return
	}
	item, err := envelope.NewSessionItem(session.Snapshot())
	if err != nil {
		c.logger.Warn("session serialization failed", "error", err)
		return
	}
	env.Add(item)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// ErrSessionWithoutRelease is returned by CaptureSession for sessions that
// carry no release; release health cannot attribute them.
var ErrSessionWithoutRelease = errors.New("session has no release")

// CaptureSession sends the current state of a session.
func (c *Client) CaptureSession(session *event.Session) error {
	if session == nil {
		return nil
	}
	if session.Release() == "" {
		c.logger.Warn("discarding session without release", "sid", session.ID())
		return ErrSessionWithoutRelease
	}
	item, err := envelope.NewSessionItem(session.Snapshot())
	if err != nil {
		c.transport.RecordLostEvent(outcome.ReasonInternalError, ratelimit.CategorySession, 1)
		return fmt.Errorf("capture session: %w", err)
	}
	env := envelope.New(envelope.Header{Sdk: &event.SdkInfo{Name: event.SDKName, Version: event.SDKVersion}}, item)
	if c.dsn != nil {
		env.Header.DSN = c.dsn.String()
	}
	c.transport.Send(env)
	return nil
}

// RecordLostEvent forwards an outcome to the transport.
func (c *Client) RecordLostEvent(reason outcome.Reason, category ratelimit.Category, quantity int64) {
	c.transport.RecordLostEvent(reason, category, quantity)
}

// Flush waits up to timeout for queued events to be sent.
func (c *Client) Flush(timeout time.Duration) bool {
	return c.transport.Flush(timeout)
}

// Close flushes and shuts the transport down.
func (c *Client) Close(timeout time.Duration) bool {
	return c.transport.Close(timeout)
}
