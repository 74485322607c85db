package envelope

import (
	"encoding/json"
	"fmt"
	"maps"

	"github.com/Mindburn-Labs/beacon/pkg/event"
	"github.com/Mindburn-Labs/beacon/pkg/outcome"
)

// Placeholder replaces values that cannot be serialized.
const Placeholder = "[unserializable]"

// NewEventItem serializes an event or transaction. When the event holds a
// value that cannot be serialized, every such extra or context value is
// replaced with Placeholder and serialization is retried once. The event
// itself is not modified.
func NewEventItem(ev *event.Event) (*Item, error) {
	typ := TypeEvent
	if ev.Type == event.TypeTransaction {
		typ = TypeTransaction
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		payload, err = json.Marshal(sanitized(ev))
		if err != nil {
			return nil, fmt.Errorf("serialize %s %s: %w", typ, ev.EventID, err)
		}
	}
	return newItem(typ, payload, "application/json"), nil
}

// sanitized returns a shallow copy of ev whose free-form values all
// serialize.
func sanitized(ev *event.Event) *event.Event {
	cp := *ev
	cp.Extra = sanitizeMap(ev.Extra)
	if ev.Contexts != nil {
		cp.Contexts = make(map[string]map[string]any, len(ev.Contexts))
		for name, block := range ev.Contexts {
			cp.Contexts[name] = sanitizeMap(block)
		}
	}
	cp.Breadcrumbs = make([]event.Breadcrumb, len(ev.Breadcrumbs))
	for i, b := range ev.Breadcrumbs {
		b.Data = sanitizeMap(b.Data)
		cp.Breadcrumbs[i] = b
	}
	cp.Spans = make([]event.Span, len(ev.Spans))
	for i, span := range ev.Spans {
		span.Data = sanitizeMap(span.Data)
		cp.Spans[i] = span
	}
	return &cp
}

func sanitizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := maps.Clone(m)
	for k, v := range out {
		if _, err := json.Marshal(v); err != nil {
			out[k] = Placeholder
		}
	}
	return out
}

// NewAttachmentItem embeds an attachment verbatim.
func NewAttachmentItem(a event.Attachment) *Item {
	contentType := a.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	item := newItem(TypeAttachment, a.Payload, contentType)
	item.Header.Filename = a.Filename
	item.Header.AttachmentType = "event.attachment"
	return item
}

// NewSessionItem serializes a session update.
func NewSessionItem(update event.SessionUpdate) (*Item, error) {
	payload, err := json.Marshal(update)
	if err != nil {
		return nil, fmt.Errorf("serialize session %s: %w", update.SID, err)
	}
	return newItem(TypeSession, payload, "application/json"), nil
}

// NewClientReportItem serializes a client report.
func NewClientReportItem(report *outcome.ClientReport) (*Item, error) {
	payload, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("serialize client report: %w", err)
	}
	return newItem(TypeClientReport, payload, "application/json"), nil
}

func newItem(typ ItemType, payload []byte, contentType string) *Item {
	return &Item{
		Header: ItemHeader{
			Type:        typ,
			Length:      len(payload),
			ContentType: contentType,
		},
		Payload: payload,
	}
}
