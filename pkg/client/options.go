package client

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/beacon/pkg/breadcrumb"
	"github.com/Mindburn-Labs/beacon/pkg/event"
	"github.com/Mindburn-Labs/beacon/pkg/ratelimit"
	"github.com/Mindburn-Labs/beacon/pkg/scope"
	"github.com/Mindburn-Labs/beacon/pkg/transport"
)

// DefaultMaxValueLength is the default limit, in runes, of messages and
// exception values.
const DefaultMaxValueLength = 250

// Integration extends a client. Setup is called once when the client is
// created; it typically registers event processors.
type Integration interface {
	Name() string
	Setup(c *Client)
}

// Options configures a Client. The zero value is usable and sends nothing.
type Options struct {
	// DSN identifies the project events are sent to. Empty disables
	// sending.
	DSN string
	// Debug enables debug output of the diagnostic logger.
	Debug bool

	Release     string
	Environment string
	Dist        string
	ServerName  string

	// SampleRate is the fraction of error and message events sent. Zero
	// means 1.0.
	SampleRate float64
	// TracesSampleRate is the fraction of transactions sent when no
	// TracesSampler is set. Zero sends none.
	TracesSampleRate float64
	// TracesSampler returns the sample rate of one transaction.
	TracesSampler func(ctx event.SamplingContext) float64

	// MaxBreadcrumbs bounds the breadcrumbs kept per scope and per event.
	// Zero means 100, which is also the maximum.
	MaxBreadcrumbs int
	// BeforeBreadcrumb filters breadcrumbs before they are stored. Returning
	// nil discards the breadcrumb.
	BeforeBreadcrumb scope.BreadcrumbHook

	// BeforeSend is the last chance to modify or drop an error or message
	// event.
	BeforeSend func(ev *event.Event, hint *event.Hint) *event.Event
	// BeforeSendTransaction is the BeforeSend of transactions.
	BeforeSendTransaction func(ev *event.Event, hint *event.Hint) *event.Event

	Integrations []Integration

	// AttachStacktrace adds the capturing goroutine's stack to message
	// events.
	AttachStacktrace bool
	// MaxValueLength truncates messages and exception values. Zero means
	// DefaultMaxValueLength.
	MaxValueLength int
	// MaxEventsPerSecond throttles captures on the client side. Zero
	// disables the throttle.
	MaxEventsPerSecond float64

	// Transport overrides the HTTP transport built from DSN.
	Transport transport.Transport
	// TransportBufferSize is the number of concurrent sends. Zero means
	// transport.DefaultBufferSize.
	TransportBufferSize int
	// HTTPClient is used by the default transport.
	HTTPClient *http.Client
	// RateLimitStore shares server backoff between processes.
	RateLimitStore ratelimit.Store
	// DisableClientReports stops periodic reporting of discarded events.
	DisableClientReports bool
	// ClientReportInterval overrides transport.DefaultClientReportInterval.
	ClientReportInterval time.Duration

	// Logger replaces the diagnostic logger.
	Logger *slog.Logger
}

func (o Options) maxBreadcrumbs() int {
	if o.MaxBreadcrumbs <= 0 {
		return breadcrumb.DefaultLimit
	}
	return min(o.MaxBreadcrumbs, breadcrumb.DefaultLimit)
}

func (o Options) maxValueLength() int {
	if o.MaxValueLength <= 0 {
		return DefaultMaxValueLength
	}
	return o.MaxValueLength
}

func (o Options) sampleRate() float64 {
	if o.SampleRate == 0 {
		return 1
	}
	return o.SampleRate
}
