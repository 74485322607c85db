// Package transport delivers envelopes to the collector.
//
// Delivery is at-most-once and never blocks the caller: items whose
// category is rate limited are stripped, submissions beyond the in-flight
// capacity are dropped, and failed sends are not retried. Every discarded
// item is counted by the outcome aggregator, whose reports travel through
// the same transport.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptrace"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/Mindburn-Labs/beacon/pkg/diag"
	"github.com/Mindburn-Labs/beacon/pkg/dsn"
	"github.com/Mindburn-Labs/beacon/pkg/envelope"
	"github.com/Mindburn-Labs/beacon/pkg/event"
	"github.com/Mindburn-Labs/beacon/pkg/outcome"
	"github.com/Mindburn-Labs/beacon/pkg/ratelimit"
)

const (
	// DefaultBufferSize is the default number of concurrent sends.
	DefaultBufferSize = 30
	// DefaultTimeout bounds a single HTTP exchange.
	DefaultTimeout = 30 * time.Second
	// DefaultClientReportInterval is how often pending outcomes are sent.
	DefaultClientReportInterval = 30 * time.Second

	// storeTimeout bounds rate limiter lookups, which may hit Redis.
	storeTimeout = 500 * time.Millisecond
	// maxErrorBody is how much of an error response is kept for logging.
	maxErrorBody = 1 << 10
)

// Transport is what the client hands finished envelopes to.
type Transport interface {
	// Send submits an envelope without blocking.
	Send(env *envelope.Envelope)
	// RecordLostEvent counts items discarded before reaching the transport.
	RecordLostEvent(reason outcome.Reason, category ratelimit.Category, quantity int64)
	// Flush waits up to timeout for pending sends and reports whether all
	// of them completed.
	Flush(timeout time.Duration) bool
	// Close flushes and then rejects further submissions.
	Close(timeout time.Duration) bool
}

// StatusError is a non-2xx collector response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("collector responded %d: %s", e.Status, e.Body)
}

// HTTPTransport posts envelopes to the collector's envelope endpoint.
type HTTPTransport struct {
	url        string
	authHeader string
	userAgent  string

	client         *http.Client
	limiter        *ratelimit.Limiter
	outcomes       *outcome.Aggregator
	inflight       *inflight
	clock          func() time.Time
	logger         *slog.Logger
	compress       bool
	reports        bool
	reportInterval time.Duration
	bufferSize     int

	mu     sync.Mutex
	closed bool
	queue  chan *pending

	stop     chan struct{}
	stopOnce sync.Once
	loopDone chan struct{}
	done     chan struct{}
	doneOnce sync.Once
}

// pending is an encoded envelope waiting for the dispatcher.
type pending struct {
	env      *envelope.Envelope
	body     []byte
	encoding string
}

// Option configures an HTTPTransport.
type Option func(*HTTPTransport)

// WithHTTPClient replaces the default client, which has a 30s timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(t *HTTPTransport) { t.client = c }
}

// WithBufferSize sets the in-flight capacity.
func WithBufferSize(n int) Option {
	return func(t *HTTPTransport) {
		if n > 0 {
			t.bufferSize = n
		}
	}
}

// WithLimiter shares a rate limiter, e.g. one backed by a shared store.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(t *HTTPTransport) { t.limiter = l }
}

// WithOutcomes shares an outcome aggregator.
func WithOutcomes(a *outcome.Aggregator) Option {
	return func(t *HTTPTransport) { t.outcomes = a }
}

// WithClock overrides the time source used for rate-limit decisions.
func WithClock(clock func() time.Time) Option {
	return func(t *HTTPTransport) { t.clock = clock }
}

// WithLogger sets the diagnostic logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *HTTPTransport) { t.logger = logger }
}

// WithCompression toggles gzip request bodies. Enabled by default.
func WithCompression(enabled bool) Option {
	return func(t *HTTPTransport) { t.compress = enabled }
}

// WithClientReportInterval sets how often pending outcomes are reported.
// Zero disables periodic reports; Flush and Close still send them.
func WithClientReportInterval(d time.Duration) Option {
	return func(t *HTTPTransport) { t.reportInterval = d }
}

// WithClientReports toggles client reports. When disabled, discards are
// still counted but never sent.
func WithClientReports(enabled bool) Option {
	return func(t *HTTPTransport) { t.reports = enabled }
}

// NewHTTPTransport creates a transport for the project identified by d.
func NewHTTPTransport(d *dsn.DSN, opts ...Option) *HTTPTransport {
	userAgent := event.SDKName + "/" + event.SDKVersion
	t := &HTTPTransport{
		url:            d.EnvelopeURL(),
		authHeader:     d.AuthHeader(userAgent),
		userAgent:      userAgent,
		client:         &http.Client{Timeout: DefaultTimeout},
		clock:          time.Now,
		logger:         diag.Component("transport"),
		compress:       true,
		reports:        true,
		reportInterval: DefaultClientReportInterval,
		bufferSize:     DefaultBufferSize,
		stop:           make(chan struct{}),
		loopDone:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.limiter == nil {
		t.limiter = ratelimit.New(ratelimit.WithLogger(t.logger))
	}
	if t.outcomes == nil {
		t.outcomes = outcome.NewAggregator(outcome.WithClock(t.clock))
	}
	t.inflight = newInflight(t.bufferSize)
	t.queue = make(chan *pending, t.bufferSize)
	t.done = make(chan struct{})
	go t.dispatch()

	if t.reports && t.reportInterval > 0 {
		go t.reportLoop()
	} else {
		close(t.loopDone)
	}
	return t
}

func (t *HTTPTransport) reportLoop() {
	defer close(t.loopDone)
	ticker := time.NewTicker(t.reportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.sendClientReport(false)
		case <-t.stop:
			return
		}
	}
}

// Limiter exposes the transport's rate limiter.
func (t *HTTPTransport) Limiter() *ratelimit.Limiter {
	return t.limiter
}

// Outcomes exposes the transport's outcome aggregator.
func (t *HTTPTransport) Outcomes() *outcome.Aggregator {
	return t.outcomes
}

// InFlight returns the number of sends currently in progress.
func (t *HTTPTransport) InFlight() int {
	return t.inflight.len()
}

func (t *HTTPTransport) RecordLostEvent(reason outcome.Reason, category ratelimit.Category, quantity int64) {
	t.outcomes.Record(reason, category, quantity)
}

// recordItems counts discarded items. Client reports are never counted
// against themselves.
func (t *HTTPTransport) recordItems(reason outcome.Reason, items []*envelope.Item) {
	for _, item := range items {
		if item.Header.Type == envelope.TypeClientReport {
			continue
		}
		t.outcomes.Record(reason, item.Category(), 1)
	}
}

// Send strips rate-limited items, then queues an asynchronous POST of the
// rest unless the in-flight set is full. Requests are written to the
// network in the order Send was called.
func (t *HTTPTransport) Send(env *envelope.Envelope) {
	t.send(env, false)
}

func (t *HTTPTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// send reports whether the envelope was queued. Only the final client
// report of Close passes afterClose.
func (t *HTTPTransport) send(env *envelope.Envelope, afterClose bool) bool {
	if env == nil || len(env.Items) == 0 {
		return false
	}
	if !afterClose && t.isClosed() {
		t.logger.Debug("transport closed, dropping envelope", "event_id", env.Header.EventID)
		return false
	}

	now := t.clock()
	kept := t.filterLimited(env.Items, now)
	if len(kept) == 0 {
		t.logger.Debug("envelope fully rate limited", "event_id", env.Header.EventID)
		return false
	}

	header := env.Header
	sentAt := now.UTC()
	header.SentAt = &sentAt
	out := envelope.New(header, kept...)

	body, encoding, err := t.encode(out)
	if err != nil {
		t.logger.Warn("envelope encoding failed", "event_id", header.EventID, "error", err)
		t.recordItems(outcome.ReasonInternalError, kept)
		return false
	}

	// The closed check, the slot and the queue position are taken together
	// so Close never misses an accepted envelope.
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed && !afterClose {
		t.logger.Debug("transport closed, dropping envelope", "event_id", header.EventID)
		return false
	}
	if !t.inflight.tryAcquire() {
		t.logger.Debug("send queue full, dropping envelope", "event_id", header.EventID, "capacity", t.bufferSize)
		t.recordItems(outcome.ReasonQueueOverflow, kept)
		return false
	}
	t.queue <- &pending{env: out, body: body, encoding: encoding}
	return true
}

// dispatch starts queued requests one at a time and waits until each one
// is written before starting the next. Responses are awaited concurrently.
func (t *HTTPTransport) dispatch() {
	for {
		select {
		case p := <-t.queue:
			written := make(chan struct{})
			var once sync.Once
			markWritten := func() { once.Do(func() { close(written) }) }
			go func() {
				defer t.inflight.release()
				defer markWritten()
				t.deliver(p, markWritten)
			}()
			<-written
		case <-t.done:
			return
		}
	}
}

func (t *HTTPTransport) filterLimited(items []*envelope.Item, now time.Time) []*envelope.Item {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	kept := make([]*envelope.Item, 0, len(items))
	for _, item := range items {
		if item.Header.Type.RateLimited() && t.limiter.IsRateLimited(ctx, item.Category(), now) {
			t.outcomes.Record(outcome.ReasonRateLimitBackoff, item.Category(), 1)
			continue
		}
		kept = append(kept, item)
	}
	return kept
}

func (t *HTTPTransport) encode(env *envelope.Envelope) ([]byte, string, error) {
	var buf bytes.Buffer
	if !t.compress {
		if _, err := env.WriteTo(&buf); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "", nil
	}
	zw := gzip.NewWriter(&buf)
	if _, err := env.WriteTo(zw); err != nil {
		return nil, "", err
	}
	if err := zw.Close(); err != nil {
		return nil, "", fmt.Errorf("gzip: %w", err)
	}
	return buf.Bytes(), "gzip", nil
}

func (t *HTTPTransport) deliver(p *pending, written func()) {
	env := p.env
	trace := &httptrace.ClientTrace{
		WroteRequest: func(httptrace.WroteRequestInfo) { written() },
	}
	ctx := httptrace.WithClientTrace(context.Background(), trace)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(p.body))
	if err != nil {
		t.logger.Warn("building request failed", "error", err)
		t.recordItems(outcome.ReasonInternalError, env.Items)
		return
	}
	req.Header.Set("Content-Type", envelope.ContentType)
	req.Header.Set("X-Sentry-Auth", t.authHeader)
	req.Header.Set("User-Agent", t.userAgent)
	if p.encoding != "" {
		req.Header.Set("Content-Encoding", p.encoding)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Debug("envelope delivery failed", "event_id", env.Header.EventID, "error", err)
		t.recordItems(outcome.ReasonNetworkError, env.Items)
		return
	}
	defer resp.Body.Close()
	errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_, _ = io.Copy(io.Discard, resp.Body)

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	t.limiter.Update(ctx, resp.Header, resp.StatusCode, t.clock())
	cancel()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		t.logger.Debug("envelope delivered", "event_id", env.Header.EventID, "items", len(env.Items))
	case resp.StatusCode == http.StatusTooManyRequests:
		t.logger.Debug("envelope rate limited by collector", "event_id", env.Header.EventID)
		t.recordItems(outcome.ReasonRateLimitBackoff, env.Items)
	default:
		serr := &StatusError{Status: resp.StatusCode, Body: string(errBody)}
		t.logger.Warn("envelope rejected", "event_id", env.Header.EventID, "error", serr)
		t.recordItems(outcome.ReasonSendError, env.Items)
	}
}

// sendClientReport submits pending outcomes, if any. Counts of a report
// that could not be submitted are kept for the next one.
func (t *HTTPTransport) sendClientReport(afterClose bool) {
	if !t.reports {
		return
	}
	report := t.outcomes.Take()
	if report == nil {
		return
	}
	item, err := envelope.NewClientReportItem(report)
	if err != nil {
		t.logger.Warn("client report encoding failed", "error", err)
		return
	}
	if !t.send(envelope.New(envelope.Header{}, item), afterClose) {
		t.outcomes.Restore(report)
	}
}

// Flush sends pending outcomes and waits for in-flight sends.
func (t *HTTPTransport) Flush(timeout time.Duration) bool {
	t.sendClientReport(false)
	return t.inflight.wait(timeout)
}

// Close rejects later submissions, stops periodic reports, sends the last
// client report and waits for in-flight sends.
func (t *HTTPTransport) Close(timeout time.Duration) bool {
	t.mu.Lock()
	first := !t.closed
	t.closed = true
	t.mu.Unlock()

	t.stopOnce.Do(func() { close(t.stop) })
	<-t.loopDone
	if first {
		t.sendClientReport(true)
	}
	ok := t.inflight.wait(timeout)
	t.doneOnce.Do(func() { close(t.done) })
	return ok
}
