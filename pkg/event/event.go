// Package event defines the payload schemas that flow through the pipeline:
// events, exceptions, breadcrumbs, users, SDK metadata, attachments, hints
// and sessions.
package event

import (
	"context"
	"encoding/json"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Level is the severity of an event or breadcrumb.
type Level string

const (
	LevelDebug   Level = "debug"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
	LevelFatal   Level = "fatal"
)

// Kind classifies an event for pipeline decisions.
type Kind string

const (
	KindException   Kind = "exception"
	KindMessage     Kind = "message"
	KindTransaction Kind = "transaction"
)

// Identity reported in SDK metadata and the auth header.
const (
	SDKName    = "beacon.go"
	SDKVersion = "0.1.0"
)

// TypeTransaction is the wire value of Event.Type for transactions.
const TypeTransaction = "transaction"

// ID is a 32 character lowercase hex identifier.
type ID string

// NewID returns a fresh random identifier.
func NewID() ID {
	return ID(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// User identifies the person affected by an event.
type User struct {
	ID        string            `json:"id,omitempty"`
	Email     string            `json:"email,omitempty"`
	IPAddress string            `json:"ip_address,omitempty"`
	Username  string            `json:"username,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
}

// IsEmpty reports whether no field is set.
func (u User) IsEmpty() bool {
	return u.ID == "" && u.Email == "" && u.IPAddress == "" && u.Username == "" && len(u.Data) == 0
}

// Frame is one stack frame, ordered oldest call first within a Stacktrace.
type Frame struct {
	Function string `json:"function,omitempty"`
	Module   string `json:"module,omitempty"`
	Filename string `json:"filename,omitempty"`
	AbsPath  string `json:"abs_path,omitempty"`
	Lineno   int    `json:"lineno,omitempty"`
	InApp    bool   `json:"in_app"`
}

// Stacktrace holds frames ordered from outermost to innermost call.
type Stacktrace struct {
	Frames []Frame `json:"frames"`
}

// Mechanism describes how an exception was captured.
type Mechanism struct {
	Type    string `json:"type"`
	Handled *bool  `json:"handled,omitempty"`
}

// Exception is one structured error value. Chains are stored innermost
// cause first, outermost error last.
type Exception struct {
	Type       string      `json:"type"`
	Value      string      `json:"value"`
	Module     string      `json:"module,omitempty"`
	Stacktrace *Stacktrace `json:"stacktrace,omitempty"`
	Mechanism  *Mechanism  `json:"mechanism,omitempty"`
}

// Breadcrumb records a prior action.
type Breadcrumb struct {
	Type      string         `json:"type,omitempty"`
	Category  string         `json:"category,omitempty"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Level     Level          `json:"level,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// SdkInfo describes the SDK that produced an event.
type SdkInfo struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Integrations []string `json:"integrations,omitempty"`
}

// Span is a timed operation inside a transaction.
type Span struct {
	TraceID        string         `json:"trace_id"`
	SpanID         string         `json:"span_id"`
	ParentSpanID   string         `json:"parent_span_id,omitempty"`
	Op             string         `json:"op,omitempty"`
	Description    string         `json:"description,omitempty"`
	Status         string         `json:"status,omitempty"`
	StartTimestamp time.Time      `json:"start_timestamp"`
	Timestamp      time.Time      `json:"timestamp"`
	Data           map[string]any `json:"data,omitempty"`
}

// Event is the unit of telemetry produced by the pipeline.
type Event struct {
	EventID        ID                        `json:"event_id"`
	Type           string                    `json:"type,omitempty"`
	Timestamp      time.Time                 `json:"timestamp"`
	StartTimestamp time.Time                 `json:"start_timestamp,omitempty"`
	Level          Level                     `json:"level,omitempty"`
	Platform       string                    `json:"platform,omitempty"`
	Logger         string                    `json:"logger,omitempty"`
	Release        string                    `json:"release,omitempty"`
	Environment    string                    `json:"environment,omitempty"`
	Dist           string                    `json:"dist,omitempty"`
	ServerName     string                    `json:"server_name,omitempty"`
	Message        string                    `json:"message,omitempty"`
	Exception      []Exception               `json:"-"`
	Breadcrumbs    []Breadcrumb              `json:"breadcrumbs,omitempty"`
	Tags           map[string]string         `json:"tags,omitempty"`
	Extra          map[string]any            `json:"extra,omitempty"`
	User           *User                     `json:"user,omitempty"`
	Contexts       map[string]map[string]any `json:"contexts,omitempty"`
	Fingerprint    []string                  `json:"fingerprint,omitempty"`
	Transaction    string                    `json:"transaction,omitempty"`
	Spans          []Span                    `json:"spans,omitempty"`
	Sdk            *SdkInfo                  `json:"sdk,omitempty"`
}

// New returns an event with a fresh identifier and the current timestamp.
func New() *Event {
	return &Event{
		EventID:   NewID(),
		Timestamp: time.Now().UTC(),
		Tags:      make(map[string]string),
		Extra:     make(map[string]any),
		Contexts:  make(map[string]map[string]any),
	}
}

// Clone returns a deep copy of e. Nested maps and slices held in Extra,
// Contexts and Data fields are copied too; other values are shared.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	c := *e
	c.Tags = maps.Clone(e.Tags)
	c.Extra = cloneData(e.Extra)
	c.Fingerprint = slices.Clone(e.Fingerprint)
	if e.Contexts != nil {
		c.Contexts = make(map[string]map[string]any, len(e.Contexts))
		for name, block := range e.Contexts {
			c.Contexts[name] = cloneData(block)
		}
	}
	if e.User != nil {
		u := *e.User
		u.Data = maps.Clone(e.User.Data)
		c.User = &u
	}
	if e.Sdk != nil {
		sdk := *e.Sdk
		sdk.Integrations = slices.Clone(e.Sdk.Integrations)
		c.Sdk = &sdk
	}
	if e.Exception != nil {
		c.Exception = make([]Exception, len(e.Exception))
		for i, exc := range e.Exception {
			if exc.Stacktrace != nil {
				st := Stacktrace{Frames: slices.Clone(exc.Stacktrace.Frames)}
				exc.Stacktrace = &st
			}
			if exc.Mechanism != nil {
				m := *exc.Mechanism
				if m.Handled != nil {
					handled := *m.Handled
					m.Handled = &handled
				}
				exc.Mechanism = &m
			}
			c.Exception[i] = exc
		}
	}
	if e.Breadcrumbs != nil {
		c.Breadcrumbs = make([]Breadcrumb, len(e.Breadcrumbs))
		for i, b := range e.Breadcrumbs {
			b.Data = cloneData(b.Data)
			c.Breadcrumbs[i] = b
		}
	}
	if e.Spans != nil {
		c.Spans = make([]Span, len(e.Spans))
		for i, sp := range e.Spans {
			sp.Data = cloneData(sp.Data)
			c.Spans[i] = sp
		}
	}
	return &c
}

func cloneData(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return cloneData(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}
		return out
	case map[string]string:
		return maps.Clone(v)
	case []string:
		return slices.Clone(v)
	default:
		return v
	}
}

// Kind classifies the event.
func (e *Event) Kind() Kind {
	switch {
	case e.Type == TypeTransaction:
		return KindTransaction
	case len(e.Exception) > 0:
		return KindException
	default:
		return KindMessage
	}
}

type exceptionValues struct {
	Values []Exception `json:"values"`
}

// eventAlias drops the methods of Event so MarshalJSON does not recurse.
type eventAlias Event

type eventJSON struct {
	*eventAlias
	Exception      *exceptionValues `json:"exception,omitempty"`
	StartTimestamp *time.Time       `json:"start_timestamp,omitempty"`
}

// MarshalJSON wraps exceptions in {"values": [...]} and omits a zero
// start timestamp.
func (e *Event) MarshalJSON() ([]byte, error) {
	out := eventJSON{eventAlias: (*eventAlias)(e)}
	if len(e.Exception) > 0 {
		out.Exception = &exceptionValues{Values: e.Exception}
	}
	if !e.StartTimestamp.IsZero() {
		ts := e.StartTimestamp
		out.StartTimestamp = &ts
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (e *Event) UnmarshalJSON(data []byte) error {
	in := eventJSON{eventAlias: (*eventAlias)(e)}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in.Exception != nil {
		e.Exception = in.Exception.Values
	}
	if in.StartTimestamp != nil {
		e.StartTimestamp = *in.StartTimestamp
	}
	return nil
}

// Attachment is a file sent alongside an event.
type Attachment struct {
	Filename    string
	ContentType string
	Payload     []byte
}

// Hint carries capture-time information that is not part of the event
// payload but may be inspected by processors and hooks.
type Hint struct {
	OriginalException  error
	RecoveredException any
	Context            context.Context
	Attachments        []Attachment
	Data               map[string]any
}

// SamplingContext is passed to a traces sampler.
type SamplingContext struct {
	Context     context.Context
	Transaction string
	Op          string
	Data        map[string]any
}
