package transport_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/http/httptrace"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/beacon/pkg/dsn"
	"github.com/Mindburn-Labs/beacon/pkg/envelope"
	"github.com/Mindburn-Labs/beacon/pkg/event"
	"github.com/Mindburn-Labs/beacon/pkg/outcome"
	"github.com/Mindburn-Labs/beacon/pkg/ratelimit"
	"github.com/Mindburn-Labs/beacon/pkg/transport"
)

// collector is a fake ingestion endpoint recording decoded envelopes.
type collector struct {
	t       *testing.T
	mu      sync.Mutex
	got     []*envelope.Envelope
	headers []http.Header
	respond func(w http.ResponseWriter)
	srv     *httptest.Server
}

func newCollector(t *testing.T) *collector {
	c := &collector{t: t}
	c.srv = httptest.NewServer(http.HandlerFunc(c.handle))
	t.Cleanup(c.srv.Close)
	return c
}

func (c *collector) handle(w http.ResponseWriter, r *http.Request) {
	var body io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer zr.Close()
		body = zr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	env, err := envelope.Decode(data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	c.mu.Lock()
	c.got = append(c.got, env)
	c.headers = append(c.headers, r.Header.Clone())
	respond := c.respond
	c.mu.Unlock()

	if respond != nil {
		respond(w)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (c *collector) envelopes() []*envelope.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*envelope.Envelope(nil), c.got...)
}

func (c *collector) header(i int) http.Header {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.headers[i]
}

func (c *collector) setRespond(fn func(w http.ResponseWriter)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.respond = fn
}

func (c *collector) dsn() *dsn.DSN {
	d, err := dsn.Parse("http://pubkey@" + strings.TrimPrefix(c.srv.URL, "http://") + "/42")
	require.NoError(c.t, err)
	return d
}

func eventEnvelope(t *testing.T, extra ...*envelope.Item) *envelope.Envelope {
	t.Helper()
	ev := event.New()
	ev.Message = "hello"
	item, err := envelope.NewEventItem(ev)
	require.NoError(t, err)
	return envelope.New(envelope.Header{EventID: ev.EventID}, append([]*envelope.Item{item}, extra...)...)
}

func attachment() *envelope.Item {
	return envelope.NewAttachmentItem(event.Attachment{Filename: "log.txt", Payload: []byte("line\n")})
}

func TestHTTPTransport_Delivers(t *testing.T) {
	c := newCollector(t)
	tr := transport.NewHTTPTransport(c.dsn(), transport.WithClientReportInterval(0))

	tr.Send(eventEnvelope(t))
	require.True(t, tr.Flush(2*time.Second))

	got := c.envelopes()
	require.Len(t, got, 1)
	require.Len(t, got[0].Items, 1)
	assert.Equal(t, envelope.TypeEvent, got[0].Items[0].Header.Type)
	assert.NotNil(t, got[0].Header.SentAt)

	h := c.header(0)
	assert.Equal(t, envelope.ContentType, h.Get("Content-Type"))
	assert.Equal(t, "gzip", h.Get("Content-Encoding"))
	assert.Contains(t, h.Get("X-Sentry-Auth"), "sentry_key=pubkey")
	assert.Contains(t, h.Get("X-Sentry-Auth"), "sentry_version=7")
	assert.True(t, strings.HasPrefix(h.Get("User-Agent"), event.SDKName+"/"))
}

func TestHTTPTransport_Uncompressed(t *testing.T) {
	c := newCollector(t)
	tr := transport.NewHTTPTransport(c.dsn(),
		transport.WithClientReportInterval(0),
		transport.WithCompression(false),
	)

	tr.Send(eventEnvelope(t, attachment()))
	require.True(t, tr.Flush(2*time.Second))

	got := c.envelopes()
	require.Len(t, got, 1)
	assert.Len(t, got[0].Items, 2)
	assert.Empty(t, c.header(0).Get("Content-Encoding"))
}

func TestHTTPTransport_StripsRateLimitedItems(t *testing.T) {
	c := newCollector(t)
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	limiter := ratelimit.New()
	tr := transport.NewHTTPTransport(c.dsn(),
		transport.WithClientReportInterval(0),
		transport.WithLimiter(limiter),
		transport.WithClock(func() time.Time { return now }),
	)

	h := http.Header{}
	h.Set(ratelimit.HeaderRateLimits, "60:attachment:quota")
	limiter.Update(t.Context(), h, http.StatusOK, now)

	tr.Send(eventEnvelope(t, attachment()))
	require.True(t, tr.Flush(2*time.Second))

	got := c.envelopes()
	require.Len(t, got, 1)
	require.Len(t, got[0].Items, 1)
	assert.Equal(t, envelope.TypeEvent, got[0].Items[0].Header.Type)
}

func TestHTTPTransport_FullyLimitedEnvelopeMakesNoRequest(t *testing.T) {
	c := newCollector(t)
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	tr := transport.NewHTTPTransport(c.dsn(),
		transport.WithClientReportInterval(0),
		transport.WithClock(func() time.Time { return now }),
	)
	h := http.Header{}
	h.Set(ratelimit.HeaderRateLimits, "60:error:quota")
	tr.Limiter().Update(t.Context(), h, http.StatusOK, now)

	tr.Send(eventEnvelope(t))
	assert.Equal(t, 0, tr.InFlight())
	assert.Equal(t, int64(1), tr.Outcomes().Count(outcome.ReasonRateLimitBackoff, ratelimit.CategoryError))

	// Flush sends the resulting client report; it is never rate limited
	// itself, even under a wildcard limit.
	h.Set(ratelimit.HeaderRateLimits, "60::key_quota")
	tr.Limiter().Update(t.Context(), h, http.StatusOK, now)
	require.True(t, tr.Flush(2*time.Second))

	got := c.envelopes()
	require.Len(t, got, 1)
	require.Len(t, got[0].Items, 1)
	assert.Equal(t, envelope.TypeClientReport, got[0].Items[0].Header.Type)

	v, err := envelope.DecodePayload(got[0].Items[0])
	require.NoError(t, err)
	report := v.(*outcome.ClientReport)
	assert.Equal(t, []outcome.DiscardedEvent{
		{Reason: outcome.ReasonRateLimitBackoff, Category: ratelimit.CategoryError, Quantity: 1},
	}, report.DiscardedEvents)
}

func TestHTTPTransport_QueueOverflowDropsNewest(t *testing.T) {
	c := newCollector(t)
	release := make(chan struct{})
	c.setRespond(func(w http.ResponseWriter) {
		<-release
		w.WriteHeader(http.StatusOK)
	})

	tr := transport.NewHTTPTransport(c.dsn(),
		transport.WithClientReportInterval(0),
		transport.WithBufferSize(2),
	)

	start := time.Now()
	for i := 0; i < 5; i++ {
		tr.Send(eventEnvelope(t))
	}
	assert.Less(t, time.Since(start), time.Second, "Send must not block")
	assert.Equal(t, 2, tr.InFlight())
	assert.Equal(t, int64(3), tr.Outcomes().Count(outcome.ReasonQueueOverflow, ratelimit.CategoryError))

	assert.False(t, tr.Flush(50*time.Millisecond), "flush times out while sends are blocked")
	close(release)
	require.Eventually(t, func() bool { return tr.InFlight() == 0 }, 2*time.Second, 5*time.Millisecond)
	require.True(t, tr.Flush(2*time.Second))
	assert.Len(t, c.envelopes(), 2+1, "two events plus the client report")
}

func TestHTTPTransport_NetworkErrorRecorded(t *testing.T) {
	c := newCollector(t)
	d := c.dsn()
	c.srv.Close()

	tr := transport.NewHTTPTransport(d, transport.WithClientReportInterval(0))
	tr.Send(eventEnvelope(t, attachment()))
	require.True(t, tr.Flush(5*time.Second))

	assert.Equal(t, int64(1), tr.Outcomes().Count(outcome.ReasonNetworkError, ratelimit.CategoryError))
	assert.Equal(t, int64(1), tr.Outcomes().Count(outcome.ReasonNetworkError, ratelimit.CategoryAttachment))
}

func TestHTTPTransport_TooManyRequestsUpdatesLimiter(t *testing.T) {
	c := newCollector(t)
	c.setRespond(func(w http.ResponseWriter) {
		w.Header().Set(ratelimit.HeaderRetryAfter, "120")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	tr := transport.NewHTTPTransport(c.dsn(), transport.WithClientReportInterval(0))

	tr.Send(eventEnvelope(t))
	require.True(t, tr.Flush(2*time.Second))
	assert.Equal(t, int64(1), tr.Outcomes().Count(outcome.ReasonRateLimitBackoff, ratelimit.CategoryError))
	assert.True(t, tr.Limiter().IsRateLimited(t.Context(), ratelimit.CategoryTransaction, time.Now()))

	// The next submission is stripped locally.
	tr.Send(eventEnvelope(t))
	assert.Equal(t, int64(2), tr.Outcomes().Count(outcome.ReasonRateLimitBackoff, ratelimit.CategoryError))
}

func TestHTTPTransport_ServerErrorRecorded(t *testing.T) {
	c := newCollector(t)
	c.setRespond(func(w http.ResponseWriter) {
		http.Error(w, "bad things", http.StatusInternalServerError)
	})
	tr := transport.NewHTTPTransport(c.dsn(), transport.WithClientReportInterval(0))

	tr.Send(eventEnvelope(t))
	require.True(t, tr.Flush(2*time.Second))
	assert.Equal(t, int64(1), tr.Outcomes().Count(outcome.ReasonSendError, ratelimit.CategoryError))
	assert.False(t, tr.Limiter().IsRateLimited(t.Context(), ratelimit.CategoryError, time.Now()))
}

func TestHTTPTransport_PeriodicClientReport(t *testing.T) {
	c := newCollector(t)
	tr := transport.NewHTTPTransport(c.dsn(), transport.WithClientReportInterval(20*time.Millisecond))
	defer tr.Close(time.Second)

	tr.RecordLostEvent(outcome.ReasonBeforeSend, ratelimit.CategoryError, 2)

	require.Eventually(t, func() bool {
		return len(c.envelopes()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	item := c.envelopes()[0].Items[0]
	assert.Equal(t, envelope.TypeClientReport, item.Header.Type)
	assert.NoError(t, envelope.Validate(item))
}

func TestHTTPTransport_CloseRejectsNewSubmissions(t *testing.T) {
	c := newCollector(t)
	tr := transport.NewHTTPTransport(c.dsn())

	tr.Send(eventEnvelope(t))
	require.True(t, tr.Close(2*time.Second))
	require.Len(t, c.envelopes(), 1)

	tr.Send(eventEnvelope(t))
	assert.Equal(t, 0, tr.InFlight())
	assert.True(t, tr.Flush(time.Second))
	assert.Len(t, c.envelopes(), 1)
	assert.True(t, tr.Close(time.Second), "closing twice is harmless")
}

// recordingRoundTripper answers every request with 200 and remembers the
// envelopes in the order their requests were started.
type recordingRoundTripper struct {
	mu   sync.Mutex
	got  []*envelope.Envelope
	hold func(env *envelope.Envelope)
}

func (rt *recordingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	env, err := envelope.Decode(data)
	if err != nil {
		return nil, err
	}
	rt.mu.Lock()
	rt.got = append(rt.got, env)
	hold := rt.hold
	rt.mu.Unlock()

	if trace := httptrace.ContextClientTrace(req.Context()); trace != nil && trace.WroteRequest != nil {
		trace.WroteRequest(httptrace.WroteRequestInfo{})
	}
	if hold != nil {
		hold(env)
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader("")),
		Request:    req,
	}, nil
}

func (rt *recordingRoundTripper) envelopes() []*envelope.Envelope {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return append([]*envelope.Envelope(nil), rt.got...)
}

func testDSN(t *testing.T) *dsn.DSN {
	d, err := dsn.Parse("http://pubkey@collector.invalid/42")
	require.NoError(t, err)
	return d
}

func TestHTTPTransport_RequestsStartInSubmissionOrder(t *testing.T) {
	rt := &recordingRoundTripper{}
	tr := transport.NewHTTPTransport(testDSN(t),
		transport.WithClientReportInterval(0),
		transport.WithCompression(false),
		transport.WithHTTPClient(&http.Client{Transport: rt}),
	)

	var want []event.ID
	for i := 0; i < 20; i++ {
		env := eventEnvelope(t)
		want = append(want, env.Header.EventID)
		tr.Send(env)
	}
	require.True(t, tr.Flush(2*time.Second))

	var got []event.ID
	for _, env := range rt.envelopes() {
		got = append(got, env.Header.EventID)
	}
	assert.Equal(t, want, got)
}

func TestHTTPTransport_SendDuringCloseIsRejected(t *testing.T) {
	release := make(chan struct{})
	rt := &recordingRoundTripper{hold: func(env *envelope.Envelope) {
		if env.Items[0].Header.Type == envelope.TypeEvent {
			<-release
		}
	}}
	tr := transport.NewHTTPTransport(testDSN(t),
		transport.WithClientReportInterval(0),
		transport.WithCompression(false),
		transport.WithHTTPClient(&http.Client{Transport: rt}),
	)

	first := eventEnvelope(t)
	tr.Send(first)
	tr.RecordLostEvent(outcome.ReasonBeforeSend, ratelimit.CategoryError, 1)

	closed := make(chan bool, 1)
	go func() { closed <- tr.Close(2 * time.Second) }()

	// The final client report is only sent once Close has started.
	require.Eventually(t, func() bool { return len(rt.envelopes()) == 2 }, 2*time.Second, 5*time.Millisecond)
	tr.Send(eventEnvelope(t))
	close(release)

	require.True(t, <-closed)
	got := rt.envelopes()
	require.Len(t, got, 2)
	assert.Equal(t, first.Header.EventID, got[0].Header.EventID)
	assert.Equal(t, envelope.TypeClientReport, got[1].Items[0].Header.Type)
	assert.Equal(t, 0, tr.InFlight())
}

func TestStatusError(t *testing.T) {
	err := &transport.StatusError{Status: 413, Body: "too large"}
	assert.Equal(t, "collector responded 413: too large", err.Error())
}

func TestNoop(t *testing.T) {
	var tr transport.Transport = transport.Noop{}
	tr.Send(eventEnvelope(t))
	tr.RecordLostEvent(outcome.ReasonBeforeSend, ratelimit.CategoryError, 1)
	assert.True(t, tr.Flush(time.Millisecond))
	assert.True(t, tr.Close(time.Millisecond))
}
