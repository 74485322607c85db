// Package scope holds the mutable contextual data that is merged into
// every event captured while the scope is active.
package scope

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/Mindburn-Labs/beacon/pkg/breadcrumb"
	"github.com/Mindburn-Labs/beacon/pkg/diag"
	"github.com/Mindburn-Labs/beacon/pkg/event"
)

// EventProcessor transforms or filters an event. Returning nil drops it.
type EventProcessor func(ev *event.Event, hint *event.Hint) *event.Event

// BreadcrumbHook filters a breadcrumb before it is stored. Returning nil
// discards it.
type BreadcrumbHook func(b *event.Breadcrumb, hint map[string]any) *event.Breadcrumb

// Scope is safe for concurrent use. Clone produces a copy that shares no
// mutable state with the original; attachment payloads and the active
// session are shared by reference.
type Scope struct {
	mu               sync.RWMutex
	breadcrumbs      *breadcrumb.Ring
	beforeBreadcrumb BreadcrumbHook
	tags             map[string]string
	extra            map[string]any
	contexts         map[string]map[string]any
	user             event.User
	level            event.Level
	fingerprint      []string
	transaction      string
	processors       []EventProcessor
	attachments      []event.Attachment
	session          *event.Session
}

// New creates an empty scope keeping at most maxBreadcrumbs breadcrumbs.
func New(maxBreadcrumbs int) *Scope {
	return &Scope{
		breadcrumbs: breadcrumb.NewRing(maxBreadcrumbs),
		tags:        make(map[string]string),
		extra:       make(map[string]any),
		contexts:    make(map[string]map[string]any),
	}
}

// Clone returns an independent copy.
func (s *Scope) Clone() *Scope {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := &Scope{
		breadcrumbs:      s.breadcrumbs.Clone(),
		beforeBreadcrumb: s.beforeBreadcrumb,
		tags:             maps.Clone(s.tags),
		extra:            maps.Clone(s.extra),
		contexts:         make(map[string]map[string]any, len(s.contexts)),
		user:             cloneUser(s.user),
		level:            s.level,
		fingerprint:      slices.Clone(s.fingerprint),
		transaction:      s.transaction,
		processors:       slices.Clone(s.processors),
		attachments:      slices.Clone(s.attachments),
		session:          s.session,
	}
	for name, block := range s.contexts {
		c.contexts[name] = maps.Clone(block)
	}
	return c
}

func cloneUser(u event.User) event.User {
	u.Data = maps.Clone(u.Data)
	return u
}

// Clear resets the scope to its empty state, keeping the breadcrumb limit.
func (s *Scope) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breadcrumbs.Clear()
	s.tags = make(map[string]string)
	s.extra = make(map[string]any)
	s.contexts = make(map[string]map[string]any)
	s.user = event.User{}
	s.level = ""
	s.fingerprint = nil
	s.transaction = ""
	s.processors = nil
	s.attachments = nil
	s.session = nil
}

func (s *Scope) SetTag(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tags[key] = value
}

func (s *Scope) SetTags(tags map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	maps.Copy(s.tags, tags)
}

func (s *Scope) RemoveTag(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tags, key)
}

// Tags returns a copy of the tags.
func (s *Scope) Tags() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.tags)
}

func (s *Scope) SetExtra(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extra[key] = value
}

func (s *Scope) RemoveExtra(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.extra, key)
}

// Extra returns a copy of the extra data.
func (s *Scope) Extra() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.extra)
}

// SetContext replaces a named context block. A nil block removes it.
func (s *Scope) SetContext(name string, block map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if block == nil {
		delete(s.contexts, name)
		return
	}
	s.contexts[name] = maps.Clone(block)
}

// Contexts returns a copy of the context blocks.
func (s *Scope) Contexts() map[string]map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]map[string]any, len(s.contexts))
	for name, block := range s.contexts {
		out[name] = maps.Clone(block)
	}
	return out
}

func (s *Scope) SetUser(u event.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = cloneUser(u)
}

func (s *Scope) User() event.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneUser(s.user)
}

func (s *Scope) SetLevel(level event.Level) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.level = level
}

func (s *Scope) Level() event.Level {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.level
}

func (s *Scope) SetFingerprint(fingerprint []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fingerprint = slices.Clone(fingerprint)
}

func (s *Scope) Fingerprint() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.fingerprint)
}

func (s *Scope) SetTransaction(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transaction = name
}

func (s *Scope) Transaction() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transaction
}

// AddEventProcessor registers a processor that runs for events captured
// through this scope, after the client's own processors.
func (s *Scope) AddEventProcessor(p EventProcessor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processors = append(s.processors, p)
}

// EventProcessors returns the registered processors in registration order.
func (s *Scope) EventProcessors() []EventProcessor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.processors)
}

// AddAttachment adds a file to every event captured through the scope.
// The payload must not be modified afterwards.
func (s *Scope) AddAttachment(a event.Attachment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachments = append(s.attachments, a)
}

func (s *Scope) ClearAttachments() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachments = nil
}

func (s *Scope) Attachments() []event.Attachment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.attachments)
}

func (s *Scope) SetSession(sess *event.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = sess
}

func (s *Scope) Session() *event.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

// SetBeforeBreadcrumb installs a filter applied by AddBreadcrumb. Clones
// inherit it.
func (s *Scope) SetBeforeBreadcrumb(hook BreadcrumbHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beforeBreadcrumb = hook
}

// AddBreadcrumb runs the scope's breadcrumb filter and stores the result,
// evicting the oldest breadcrumb when the ring is full. It reports whether
// the breadcrumb was stored. A filter that panics is logged and the
// breadcrumb is stored unchanged.
func (s *Scope) AddBreadcrumb(b event.Breadcrumb, hint map[string]any) bool {
	if b.Timestamp.IsZero() {
		b.Timestamp = time.Now().UTC()
	}

	s.mu.RLock()
	hook := s.beforeBreadcrumb
	s.mu.RUnlock()

	if hook != nil {
		candidate := b
		var filtered *event.Breadcrumb
		err := diag.Safe(func() { filtered = hook(&candidate, hint) })
		switch {
		case err != nil:
			diag.Component("scope").Warn("breadcrumb filter failed", "error", err)
		case filtered == nil:
			return false
		default:
			b = *filtered
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.breadcrumbs.Add(b)
	return true
}

func (s *Scope) ClearBreadcrumbs() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breadcrumbs.Clear()
}

// Breadcrumbs returns the stored breadcrumbs, oldest first.
func (s *Scope) Breadcrumbs() []event.Breadcrumb {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.breadcrumbs.Items()
}

// ApplyToEvent merges the scope into ev. On key collisions the event's own
// tags, extra, user fields and contexts win. A scope level overrides the
// event level. Breadcrumbs are the event's followed by the scope's,
// trimmed to the newest maxBreadcrumbs. The scope fingerprint is appended.
func (s *Scope) ApplyToEvent(ev *event.Event, maxBreadcrumbs int) *event.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.tags) > 0 {
		if ev.Tags == nil {
			ev.Tags = make(map[string]string, len(s.tags))
		}
		for k, v := range s.tags {
			if _, ok := ev.Tags[k]; !ok {
				ev.Tags[k] = v
			}
		}
	}

	if len(s.extra) > 0 {
		if ev.Extra == nil {
			ev.Extra = make(map[string]any, len(s.extra))
		}
		for k, v := range s.extra {
			if _, ok := ev.Extra[k]; !ok {
				ev.Extra[k] = v
			}
		}
	}

	if len(s.contexts) > 0 {
		if ev.Contexts == nil {
			ev.Contexts = make(map[string]map[string]any, len(s.contexts))
		}
		for name, block := range s.contexts {
			if _, ok := ev.Contexts[name]; !ok {
				ev.Contexts[name] = maps.Clone(block)
			}
		}
	}

	if !s.user.IsEmpty() {
		ev.User = mergeUser(ev.User, s.user)
	}

	if s.level != "" {
		ev.Level = s.level
	}

	if ev.Transaction == "" {
		ev.Transaction = s.transaction
	}

	if s.breadcrumbs.Len() > 0 {
		merged := append(slices.Clone(ev.Breadcrumbs), s.breadcrumbs.Items()...)
		if maxBreadcrumbs > 0 && len(merged) > maxBreadcrumbs {
			merged = merged[len(merged)-maxBreadcrumbs:]
		}
		ev.Breadcrumbs = merged
	}

	if len(s.fingerprint) > 0 {
		ev.Fingerprint = append(ev.Fingerprint, s.fingerprint...)
	}

	return ev
}

func mergeUser(own *event.User, fallback event.User) *event.User {
	if own == nil {
		u := cloneUser(fallback)
		return &u
	}
	merged := *own
	if merged.ID == "" {
		merged.ID = fallback.ID
	}
	if merged.Email == "" {
		merged.Email = fallback.Email
	}
	if merged.IPAddress == "" {
		merged.IPAddress = fallback.IPAddress
	}
	if merged.Username == "" {
		merged.Username = fallback.Username
	}
	if len(fallback.Data) > 0 {
		data := maps.Clone(fallback.Data)
		maps.Copy(data, own.Data)
		merged.Data = data
	}
	return &merged
}
