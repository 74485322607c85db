package hub

import (
	"github.com/Mindburn-Labs/beacon/pkg/event"
	"github.com/Mindburn-Labs/beacon/pkg/scope"
)

// Scope mutations apply to the top layer only.

func (h *Hub) SetTag(key, value string) {
	h.Scope().SetTag(key, value)
}

func (h *Hub) SetTags(tags map[string]string) {
	h.Scope().SetTags(tags)
}

func (h *Hub) RemoveTag(key string) {
	h.Scope().RemoveTag(key)
}

func (h *Hub) SetExtra(key string, value any) {
	h.Scope().SetExtra(key, value)
}

func (h *Hub) SetUser(u event.User) {
	h.Scope().SetUser(u)
}

func (h *Hub) SetLevel(level event.Level) {
	h.Scope().SetLevel(level)
}

func (h *Hub) SetFingerprint(fingerprint []string) {
	h.Scope().SetFingerprint(fingerprint)
}

// SetContext sets a named context block; nil removes it.
func (h *Hub) SetContext(name string, block map[string]any) {
	h.Scope().SetContext(name, block)
}

func (h *Hub) SetTransaction(name string) {
	h.Scope().SetTransaction(name)
}

func (h *Hub) AddEventProcessor(p scope.EventProcessor) {
	h.Scope().AddEventProcessor(p)
}

func (h *Hub) AddAttachment(a event.Attachment) {
	h.Scope().AddAttachment(a)
}

func (h *Hub) ClearBreadcrumbs() {
	h.Scope().ClearBreadcrumbs()
}

// Clear resets the top scope.
func (h *Hub) Clear() {
	h.Scope().Clear()
}
