// Package breadcrumb provides the bounded history of prior actions that is
// attached to every event captured through a scope.
package breadcrumb

import "github.com/Mindburn-Labs/beacon/pkg/event"

// DefaultLimit is the number of breadcrumbs kept when no limit is
// configured. It is also the hard maximum.
const DefaultLimit = 100

// Ring is a fixed-capacity FIFO of breadcrumbs. Adding to a full ring
// evicts the oldest entry.
//
// Ring is not safe for concurrent use; the owning scope serializes access.
type Ring struct {
	entries []event.Breadcrumb
	// start is the index of the oldest entry.
	start int
	count int
}

// NewRing creates a ring holding at most limit breadcrumbs. Limits outside
// 1..DefaultLimit are clamped.
func NewRing(limit int) *Ring {
	return &Ring{entries: make([]event.Breadcrumb, clamp(limit))}
}

func clamp(limit int) int {
	if limit <= 0 || limit > DefaultLimit {
		return DefaultLimit
	}
	return limit
}

// Add appends a breadcrumb, evicting the oldest when full.
func (r *Ring) Add(b event.Breadcrumb) {
	capacity := len(r.entries)
	if r.count < capacity {
		r.entries[(r.start+r.count)%capacity] = b
		r.count++
		return
	}
	r.entries[r.start] = b
	r.start = (r.start + 1) % capacity
}

// Len returns the number of stored breadcrumbs.
func (r *Ring) Len() int {
	return r.count
}

// Limit returns the capacity.
func (r *Ring) Limit() int {
	return len(r.entries)
}

// Items returns the stored breadcrumbs, oldest first. The slice is a copy.
func (r *Ring) Items() []event.Breadcrumb {
	if r.count == 0 {
		return nil
	}
	out := make([]event.Breadcrumb, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.entries[(r.start+i)%len(r.entries)]
	}
	return out
}

// Last returns up to n of the newest breadcrumbs, oldest first.
func (r *Ring) Last(n int) []event.Breadcrumb {
	items := r.Items()
	if n >= 0 && len(items) > n {
		return items[len(items)-n:]
	}
	return items
}

// Clear drops every breadcrumb.
func (r *Ring) Clear() {
	clear(r.entries)
	r.start = 0
	r.count = 0
}

// Clone returns an independent copy. Breadcrumb data maps are copied one
// level deep.
func (r *Ring) Clone() *Ring {
	c := &Ring{entries: make([]event.Breadcrumb, len(r.entries))}
	for i, b := range r.Items() {
		b.Data = cloneData(b.Data)
		c.entries[i] = b
	}
	c.count = r.count
	return c
}

func cloneData(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
