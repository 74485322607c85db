package client_test

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/beacon/pkg/client"
	"github.com/Mindburn-Labs/beacon/pkg/envelope"
	"github.com/Mindburn-Labs/beacon/pkg/event"
	"github.com/Mindburn-Labs/beacon/pkg/outcome"
	"github.com/Mindburn-Labs/beacon/pkg/ratelimit"
	"github.com/Mindburn-Labs/beacon/pkg/scope"
	"github.com/Mindburn-Labs/beacon/pkg/transport"
	"github.com/Mindburn-Labs/beacon/pkg/transport/transporttest"
)

func newClient(t *testing.T, opts client.Options) (*client.Client, *transporttest.Recorder) {
	t.Helper()
	rec := transporttest.New()
	opts.Transport = rec
	return client.New(opts), rec
}

func transaction(name string) *event.Event {
	ev := event.New()
	ev.Type = event.TypeTransaction
	ev.Transaction = name
	ev.StartTimestamp = ev.Timestamp.Add(-time.Second)
	return ev
}

func TestClient_CaptureEndToEnd(t *testing.T) {
	var (
		mu   sync.Mutex
		envs []*envelope.Envelope
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
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
		mu.Lock()
		envs = append(envs, env)
		mu.Unlock()
	}))
	defer srv.Close()

	dsn := "http://public@" + strings.TrimPrefix(srv.URL, "http://") + "/42"
	c := client.New(client.Options{DSN: dsn, DisableClientReports: true})
	require.IsType(t, &transport.HTTPTransport{}, c.Transport())

	id := c.CaptureException(errors.New("boom"), nil, scope.New(0))
	require.NotNil(t, id)
	require.True(t, c.Flush(2*time.Second))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, envs, 1)
	require.Len(t, envs[0].Items, 1)
	assert.Equal(t, *id, envs[0].Header.EventID)

	payload, err := envelope.DecodePayload(envs[0].Items[0])
	require.NoError(t, err)
	ev := payload.(*event.Event)
	require.Len(t, ev.Exception, 1)
	assert.Equal(t, "boom", ev.Exception[0].Value)
	assert.Equal(t, event.LevelError, ev.Level)
	assert.Equal(t, event.SDKName, ev.Sdk.Name)
}

func TestClient_InvalidDSNFallsBackToNoop(t *testing.T) {
	c := client.New(client.Options{DSN: "not a dsn"})
	assert.Nil(t, c.DSN())
	assert.Equal(t, transport.Noop{}, c.Transport())
	assert.NotNil(t, c.CaptureMessage("still works", event.LevelInfo, nil, nil))

	empty := client.New(client.Options{})
	assert.Equal(t, transport.Noop{}, empty.Transport())
}

func TestClient_ErrorSampleRateOne(t *testing.T) {
	c, rec := newClient(t, client.Options{SampleRate: 1.0})
	for range 1000 {
		c.CaptureMessage("m", event.LevelInfo, nil, nil)
	}
	assert.Len(t, rec.Envelopes(), 1000)
	assert.Zero(t, rec.Lost(outcome.ReasonSampleRate, ratelimit.CategoryError))
}

func TestClient_TracesSampleRate(t *testing.T) {
	tests := []struct {
		name string
		rate float64
		want int
	}{
		{"zero never sends", 0.0, 0},
		{"one always sends", 1.0, 1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, rec := newClient(t, client.Options{TracesSampleRate: tt.rate})
			for range 1000 {
				c.CaptureEvent(transaction("GET /"), nil, nil)
			}
			assert.Len(t, rec.Envelopes(), tt.want)
			assert.Equal(t, int64(1000-tt.want), rec.Lost(outcome.ReasonSampleRate, ratelimit.CategoryTransaction))
		})
	}
}

func TestClient_TracesSamplerOverridesRate(t *testing.T) {
	var seen []string
	c, rec := newClient(t, client.Options{
		TracesSampleRate: 0,
		TracesSampler: func(ctx event.SamplingContext) float64 {
			seen = append(seen, ctx.Transaction)
			if ctx.Transaction == "keep" {
				return 1
			}
			return 0
		},
	})
	c.CaptureEvent(transaction("keep"), nil, nil)
	c.CaptureEvent(transaction("drop"), nil, nil)

	assert.Equal(t, []string{"keep", "drop"}, seen)
	require.Len(t, rec.Events(), 1)
	assert.Equal(t, "keep", rec.Events()[0].Transaction)
}

func TestClient_BeforeSendDrop(t *testing.T) {
	c, rec := newClient(t, client.Options{
		BeforeSend: func(*event.Event, *event.Hint) *event.Event { return nil },
	})
	id := c.CaptureException(errors.New("boom"), nil, nil)

	assert.Nil(t, id)
	assert.Empty(t, rec.Envelopes())
	assert.Equal(t, int64(1), rec.Lost(outcome.ReasonBeforeSend, ratelimit.CategoryError))
}

func TestClient_BeforeSendPanicKeepsEvent(t *testing.T) {
	c, rec := newClient(t, client.Options{
		BeforeSend: func(*event.Event, *event.Hint) *event.Event { panic("hook bug") },
	})
	assert.NotNil(t, c.CaptureMessage("kept", event.LevelWarning, nil, nil))
	require.Len(t, rec.Events(), 1)
	assert.Equal(t, "kept", rec.Events()[0].Message)
}

func TestClient_BeforeSendTransactionOnlyForTransactions(t *testing.T) {
	c, rec := newClient(t, client.Options{
		TracesSampleRate: 1,
		BeforeSendTransaction: func(ev *event.Event, _ *event.Hint) *event.Event {
			ev.Tags["seen"] = "yes"
			return ev
		},
	})
	c.CaptureEvent(transaction("t"), nil, nil)
	c.CaptureMessage("m", "", nil, nil)

	events := rec.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "yes", events[0].Tags["seen"])
	assert.NotContains(t, events[1].Tags, "seen")
}

func TestClient_EventProcessors(t *testing.T) {
	var order []string
	c, rec := newClient(t, client.Options{})
	c.AddEventProcessor(func(ev *event.Event, _ *event.Hint) *event.Event {
		order = append(order, "client")
		return ev
	})
	s := scope.New(0)
	s.AddEventProcessor(func(ev *event.Event, _ *event.Hint) *event.Event {
		order = append(order, "scope")
		ev.Tags["processed"] = "true"
		return ev
	})

	c.CaptureMessage("m", "", nil, s)

	assert.Equal(t, []string{"client", "scope"}, order)
	require.Len(t, rec.Events(), 1)
	assert.Equal(t, "true", rec.Events()[0].Tags["processed"])
}

func TestClient_EventProcessorDrop(t *testing.T) {
	c, rec := newClient(t, client.Options{})
	ran := false
	c.AddEventProcessor(func(*event.Event, *event.Hint) *event.Event { return nil })
	c.AddEventProcessor(func(ev *event.Event, _ *event.Hint) *event.Event {
		ran = true
		return ev
	})

	assert.Nil(t, c.CaptureMessage("m", "", nil, nil))
	assert.False(t, ran)
	assert.Empty(t, rec.Envelopes())
	assert.Equal(t, int64(1), rec.Lost(outcome.ReasonEventProcessor, ratelimit.CategoryError))
}

func TestClient_EventProcessorPanicIsSkipped(t *testing.T) {
	c, rec := newClient(t, client.Options{})
	c.AddEventProcessor(func(*event.Event, *event.Hint) *event.Event { panic("processor bug") })
	c.AddEventProcessor(func(ev *event.Event, _ *event.Hint) *event.Event {
		ev.Tags["after"] = "ok"
		return ev
	})

	assert.NotNil(t, c.CaptureMessage("m", "", nil, nil))
	require.Len(t, rec.Events(), 1)
	assert.Equal(t, "ok", rec.Events()[0].Tags["after"])
}

func TestClient_PanickingHooksLeaveNoMutations(t *testing.T) {
	c, rec := newClient(t, client.Options{
		BeforeSend: func(ev *event.Event, _ *event.Hint) *event.Event {
			ev.Message = "half-redacted"
			ev.Extra["nested"].(map[string]any)["secret"] = "gone"
			panic("redaction bug")
		},
	})
	c.AddEventProcessor(func(ev *event.Event, _ *event.Hint) *event.Event {
		ev.Tags["partial"] = "leaked"
		ev.Exception = nil
		panic("processor bug")
	})

	ev := c.EventFromMessage("card 4111", event.LevelError)
	ev.Extra["nested"] = map[string]any{"secret": "s3cr3t"}
	assert.NotNil(t, c.CaptureEvent(ev, nil, nil))

	require.Len(t, rec.Events(), 1)
	sent := rec.Events()[0]
	assert.Equal(t, "card 4111", sent.Message)
	assert.NotContains(t, sent.Tags, "partial")
	assert.Equal(t, map[string]any{"secret": "s3cr3t"}, sent.Extra["nested"])
}

func TestClient_ScopeApplied(t *testing.T) {
	c, rec := newClient(t, client.Options{Release: "app@1.0.0", Environment: "prod"})
	s := scope.New(0)
	s.SetTag("region", "eu")
	s.SetUser(event.User{ID: "u1"})
	s.SetLevel(event.LevelWarning)
	s.AddBreadcrumb(event.Breadcrumb{Message: "clicked"}, nil)

	c.CaptureException(errors.New("boom"), nil, s)

	require.Len(t, rec.Events(), 1)
	ev := rec.Events()[0]
	assert.Equal(t, "eu", ev.Tags["region"])
	assert.Equal(t, "u1", ev.User.ID)
	assert.Equal(t, event.LevelWarning, ev.Level)
	assert.Equal(t, "app@1.0.0", ev.Release)
	assert.Equal(t, "prod", ev.Environment)
	assert.Equal(t, "go", ev.Platform)
	require.Len(t, ev.Breadcrumbs, 1)
	assert.Equal(t, "clicked", ev.Breadcrumbs[0].Message)
}

func TestClient_NormalizesAndTruncatesValues(t *testing.T) {
	c, rec := newClient(t, client.Options{MaxValueLength: 5})
	c.CaptureMessage("café au lait", "", nil, nil)
	c.CaptureMessage("café", "", nil, nil)

	events := rec.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "café ...", events[0].Message)
	assert.Equal(t, "café", events[1].Message)
}

func TestClient_ErrorChain(t *testing.T) {
	c, rec := newClient(t, client.Options{})
	root := errors.New("connection refused")
	c.CaptureException(fmt.Errorf("load user: %w", root), nil, nil)

	require.Len(t, rec.Events(), 1)
	exc := rec.Events()[0].Exception
	require.Len(t, exc, 2)
	assert.Equal(t, "connection refused", exc[0].Value)
	assert.Nil(t, exc[0].Stacktrace)
	assert.Equal(t, "load user: connection refused", exc[1].Value)
	assert.Equal(t, "*fmt.wrapError", exc[1].Type)

	require.NotNil(t, exc[1].Stacktrace)
	frames := exc[1].Stacktrace.Frames
	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	assert.Equal(t, "TestClient_ErrorChain", last.Function)
	assert.True(t, last.InApp)
	require.NotNil(t, exc[1].Mechanism.Handled)
	assert.True(t, *exc[1].Mechanism.Handled)
}

func TestClient_RecoverIsFatalAndUnhandled(t *testing.T) {
	c, rec := newClient(t, client.Options{})
	func() {
		defer func() {
			c.Recover(recover(), nil, nil)
		}()
		panic("kaboom")
	}()

	require.Len(t, rec.Events(), 1)
	ev := rec.Events()[0]
	assert.Equal(t, event.LevelFatal, ev.Level)
	require.Len(t, ev.Exception, 1)
	assert.Equal(t, "kaboom", ev.Exception[0].Value)
	assert.False(t, *ev.Exception[0].Mechanism.Handled)

	assert.Nil(t, c.Recover(nil, nil, nil))
}

func TestClient_Attachments(t *testing.T) {
	c, rec := newClient(t, client.Options{})
	s := scope.New(0)
	s.AddAttachment(event.Attachment{Filename: "config.txt", Payload: []byte("a=1")})
	hint := &event.Hint{Attachments: []event.Attachment{{Filename: "dump.bin", Payload: []byte{0, 1, 2}}}}

	c.CaptureMessage("m", "", hint, s)

	envs := rec.Envelopes()
	require.Len(t, envs, 1)
	require.Len(t, envs[0].Items, 3)
	assert.Equal(t, envelope.TypeAttachment, envs[0].Items[1].Header.Type)
	assert.Equal(t, "config.txt", envs[0].Items[1].Header.Filename)
	assert.Equal(t, []byte{0, 1, 2}, envs[0].Items[2].Payload)
}

func TestClient_SessionUpdatedOnError(t *testing.T) {
	c, rec := newClient(t, client.Options{Release: "app@1.0.0"})
	sess := event.NewSession(event.SessionAttributes{Release: "app@1.0.0"}, "", time.Now())
	s := scope.New(0)
	s.SetSession(sess)

	c.CaptureMessage("just info", event.LevelInfo, nil, s)
	c.CaptureException(errors.New("first"), nil, s)
	c.CaptureException(errors.New("second"), nil, s)

	envs := rec.Envelopes()
	require.Len(t, envs, 3)
	assert.Len(t, envs[0].Items, 1)
	require.Len(t, envs[1].Items, 2)
	assert.Len(t, envs[2].Items, 1)

	payload, err := envelope.DecodePayload(envs[1].Items[1])
	require.NoError(t, err)
	update := payload.(*event.SessionUpdate)
	assert.Equal(t, event.SessionErrored, update.Status)
	assert.Equal(t, 1, update.Errors)
	assert.Equal(t, 2, sess.Errors())
}

func TestClient_SessionCrashesOnPanic(t *testing.T) {
	c, rec := newClient(t, client.Options{Release: "app@1.0.0"})
	sess := event.NewSession(event.SessionAttributes{Release: "app@1.0.0"}, "", time.Now())
	s := scope.New(0)
	s.SetSession(sess)

	c.Recover(errors.New("nil map write"), nil, s)

	assert.Equal(t, event.SessionCrashed, sess.Status())
	envs := rec.Envelopes()
	require.Len(t, envs, 1)
	assert.Len(t, envs[0].Items, 2)
}

func TestClient_SessionIgnoresLevelWithoutException(t *testing.T) {
	c, rec := newClient(t, client.Options{Release: "app@1.0.0"})
	sess := event.NewSession(event.SessionAttributes{Release: "app@1.0.0"}, "", time.Now())
	s := scope.New(0)
	s.SetSession(sess)

	c.CaptureMessage("disk almost full", event.LevelError, nil, s)
	c.CaptureMessage("shutting down", event.LevelFatal, nil, s)
	assert.Equal(t, event.SessionOK, sess.Status())
	assert.Equal(t, 0, sess.Errors())

	// A handled exception captured at fatal level errors the session
	// without crashing it.
	c.CaptureEvent(c.EventFromException(errors.New("handled"), event.LevelFatal), nil, s)
	assert.Equal(t, event.SessionErrored, sess.Status())

	envs := rec.Envelopes()
	require.Len(t, envs, 3)
	assert.Len(t, envs[0].Items, 1)
	assert.Len(t, envs[1].Items, 1)
	assert.Len(t, envs[2].Items, 2)
}

func TestClient_CaptureSession(t *testing.T) {
	c, rec := newClient(t, client.Options{})

	err := c.CaptureSession(event.NewSession(event.SessionAttributes{}, "", time.Now()))
	assert.ErrorIs(t, err, client.ErrSessionWithoutRelease)
	assert.Empty(t, rec.Envelopes())

	require.NoError(t, c.CaptureSession(event.NewSession(event.SessionAttributes{Release: "r"}, "", time.Now())))
	envs := rec.Envelopes()
	require.Len(t, envs, 1)
	assert.Equal(t, envelope.TypeSession, envs[0].Items[0].Header.Type)
}

func TestClient_Throttle(t *testing.T) {
	c, rec := newClient(t, client.Options{MaxEventsPerSecond: 1})
	for range 3 {
		c.CaptureMessage("burst", "", nil, nil)
	}
	assert.Len(t, rec.Envelopes(), 1)
	assert.Equal(t, int64(2), rec.Lost(outcome.ReasonBackpressure, ratelimit.CategoryError))
}

type testIntegration struct {
	name  string
	setup func(c *client.Client)
	calls int
}

func (i *testIntegration) Name() string { return i.name }

func (i *testIntegration) Setup(c *client.Client) {
	i.calls++
	if i.setup != nil {
		i.setup(c)
	}
}

func TestClient_Integrations(t *testing.T) {
	tagger := &testIntegration{name: "tagger", setup: func(c *client.Client) {
		c.AddEventProcessor(func(ev *event.Event, _ *event.Hint) *event.Event {
			ev.Tags["integration"] = "tagger"
			return ev
		})
	}}
	duplicate := &testIntegration{name: "tagger"}
	broken := &testIntegration{name: "broken", setup: func(*client.Client) { panic("setup bug") }}

	c, rec := newClient(t, client.Options{Integrations: []client.Integration{tagger, duplicate, broken}})

	assert.Equal(t, 1, tagger.calls)
	assert.Zero(t, duplicate.calls)
	assert.Equal(t, 1, broken.calls)
	assert.Same(t, tagger, c.Integration("tagger"))
	assert.Nil(t, c.Integration("broken"))

	c.CaptureMessage("m", "", nil, nil)
	require.Len(t, rec.Events(), 1)
	ev := rec.Events()[0]
	assert.Equal(t, "tagger", ev.Tags["integration"])
	assert.Equal(t, []string{"tagger"}, ev.Sdk.Integrations)
}

func TestClient_NilInputs(t *testing.T) {
	c, rec := newClient(t, client.Options{})
	assert.Nil(t, c.CaptureException(nil, nil, nil))
	assert.Nil(t, c.CaptureEvent(nil, nil, nil))
	assert.NoError(t, c.CaptureSession(nil))
	assert.Empty(t, rec.Envelopes())
}
