// Package envelope implements the wire container for telemetry.
//
// An envelope is a JSON header line followed by items. Each item is a JSON
// header line carrying the exact byte length of its payload, then the
// payload bytes, then a newline:
//
//	{"event_id":"...","sent_at":"..."}
//	{"type":"event","length":41}
//	{"event_id":"...","message":"boom"}
//	{"type":"attachment","length":5,"filename":"a.txt"}
//	hello
package envelope

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Mindburn-Labs/beacon/pkg/event"
	"github.com/Mindburn-Labs/beacon/pkg/ratelimit"
)

// ContentType is the media type of an encoded envelope.
const ContentType = "application/x-sentry-envelope"

// ItemType discriminates item payloads.
type ItemType string

const (
	TypeEvent        ItemType = "event"
	TypeTransaction  ItemType = "transaction"
	TypeSession      ItemType = "session"
	TypeSessions     ItemType = "sessions"
	TypeAttachment   ItemType = "attachment"
	TypeClientReport ItemType = "client_report"
	TypeUserReport   ItemType = "user_report"
)

// Category returns the data category used for rate limiting and outcome
// accounting.
func (t ItemType) Category() ratelimit.Category {
	switch t {
	case TypeEvent, TypeUserReport:
		return ratelimit.CategoryError
	case TypeTransaction:
		return ratelimit.CategoryTransaction
	case TypeSession, TypeSessions:
		return ratelimit.CategorySession
	case TypeAttachment:
		return ratelimit.CategoryAttachment
	default:
		return ratelimit.CategoryInternal
	}
}

// RateLimited reports whether items of this type are subject to server
// backoff. Client reports never are.
func (t ItemType) RateLimited() bool {
	return t != TypeClientReport
}

// Header is shared by every item of an envelope.
type Header struct {
	EventID event.ID       `json:"event_id,omitempty"`
	SentAt  *time.Time     `json:"sent_at,omitempty"`
	DSN     string         `json:"dsn,omitempty"`
	Sdk     *event.SdkInfo `json:"sdk,omitempty"`
}

// ItemHeader describes one item.
type ItemHeader struct {
	Type           ItemType `json:"type"`
	Length         int      `json:"length"`
	ContentType    string   `json:"content_type,omitempty"`
	Filename       string   `json:"filename,omitempty"`
	AttachmentType string   `json:"attachment_type,omitempty"`
}

// Item is a typed payload.
type Item struct {
	Header  ItemHeader
	Payload []byte
}

// Category is shorthand for Header.Type.Category().
func (i *Item) Category() ratelimit.Category {
	return i.Header.Type.Category()
}

// Envelope is a header plus ordered items.
type Envelope struct {
	Header Header
	Items  []*Item
}

// New creates an envelope.
func New(header Header, items ...*Item) *Envelope {
	return &Envelope{Header: header, Items: items}
}

// Add appends items.
func (e *Envelope) Add(items ...*Item) {
	e.Items = append(e.Items, items...)
}

// Encode returns the wire form.
func (e *Envelope) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := e.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteTo streams the wire form to w. Each item header is written with
// the payload's exact length.
func (e *Envelope) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	if err := writeLine(cw, e.Header); err != nil {
		return cw.n, fmt.Errorf("envelope header: %w", err)
	}
	for idx, item := range e.Items {
		h := item.Header
		h.Length = len(item.Payload)
		if err := writeLine(cw, h); err != nil {
			return cw.n, fmt.Errorf("item %d header: %w", idx, err)
		}
		if _, err := cw.Write(item.Payload); err != nil {
			return cw.n, fmt.Errorf("item %d payload: %w", idx, err)
		}
		if _, err := cw.Write([]byte{'\n'}); err != nil {
			return cw.n, err
		}
	}
	return cw.n, nil
}

func writeLine(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = w.Write(b)
	return err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// ErrMalformed is wrapped by every Decode error.
var ErrMalformed = errors.New("malformed envelope")

// Decode parses the wire form. Items whose header carries no length are
// read up to the next newline.
func Decode(data []byte) (*Envelope, error) {
	src := bytes.NewReader(data)
	r := bufio.NewReader(src)

	line, err := readLine(r)
	if err != nil {
		return nil, fmt.Errorf("%w: missing header: %v", ErrMalformed, err)
	}
	env := &Envelope{}
	if err := json.Unmarshal(line, &env.Header); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformed, err)
	}

	for {
		line, err := readLine(r)
		if errors.Is(err, io.EOF) {
			return env, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		item := &Item{}
		if err := json.Unmarshal(line, &item.Header); err != nil {
			return nil, fmt.Errorf("%w: item %d header: %v", ErrMalformed, len(env.Items), err)
		}
		var declared struct {
			Length *int `json:"length"`
		}
		if err := json.Unmarshal(line, &declared); err != nil {
			return nil, fmt.Errorf("%w: item %d length: %v", ErrMalformed, len(env.Items), err)
		}

		if declared.Length != nil {
			n := *declared.Length
			if n < 0 {
				return nil, fmt.Errorf("%w: item %d: negative length", ErrMalformed, len(env.Items))
			}
			if remaining := r.Buffered() + src.Len(); n > remaining {
				return nil, fmt.Errorf("%w: item %d: length %d exceeds the %d bytes left", ErrMalformed, len(env.Items), n, remaining)
			}
			item.Payload = make([]byte, n)
			if _, err := io.ReadFull(r, item.Payload); err != nil {
				return nil, fmt.Errorf("%w: item %d: payload shorter than %d bytes", ErrMalformed, len(env.Items), n)
			}
			if b, err := r.Peek(1); err == nil && b[0] == '\n' {
				_, _ = r.Discard(1)
			}
		} else {
			payload, err := readLine(r)
			if err != nil && !errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: item %d: %v", ErrMalformed, len(env.Items), err)
			}
			item.Payload = payload
			item.Header.Length = len(payload)
		}
		env.Items = append(env.Items, item)
	}
}

// readLine returns the next line without its newline. io.EOF is returned
// only when no bytes remain.
func readLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadBytes('\n')
	if len(line) > 0 && line[len(line)-1] == '\n' {
		return line[:len(line)-1], nil
	}
	if errors.Is(err, io.EOF) && len(line) > 0 {
		return line, nil
	}
	return line, err
}
