// Package contextid interns dynamic context labels to small stable ids.
//
// A context is a dynamic label, typically the name of the active test,
// used to partition collected coverage data. Trace buffers index by the
// integer id so the hot path never hashes strings; the label is the stable
// join key when partial results from independent processes are merged.
//
// Ids are assigned on first use of a new label and are never reused or
// deleted within a session. Id 0 is always the "default" context.
package contextid

import (
	"fmt"
	"sync"
)

// DefaultLabel is the label of the implicit context active before any
// SwitchContext call. It always interns to id 0.
const DefaultLabel = "default"

// Resolver assigns and resolves context ids for one collection session.
//
// Thread Safety: all methods are safe for concurrent use. Interning a new
// label takes a mutex; this is off the hot path (the collector caches the
// current id and only calls Intern on a context switch).
type Resolver struct {
	mu     sync.Mutex
	ids    map[string]int
	labels map[int]string
	next   int
}

// NewResolver returns a Resolver pre-seeded with the default context at id 0.
func NewResolver() *Resolver {
	return &Resolver{
		ids:    map[string]int{DefaultLabel: 0},
		labels: map[int]string{0: DefaultLabel},
		next:   1,
	}
}

// Intern returns the id for label, assigning the next free id if the label
// is new. Ids are process-local; only the label is meaningful across
// processes.
func (r *Resolver) Intern(label string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.ids[label]; ok {
		return id
	}
	id := r.next
	r.next++
	r.ids[label] = id
	r.labels[id] = label
	return id
}

// Lookup returns the id for label without assigning one.
func (r *Resolver) Lookup(label string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.ids[label]
	return id, ok
}

// Label returns the label for id.
func (r *Resolver) Label(id int) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	label, ok := r.labels[id]
	return label, ok
}

// Snapshot returns a copy of the id→label table, e.g. for persisting the
// contexts table of a partial record.
func (r *Resolver) Snapshot() map[int]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int]string, len(r.labels))
	for id, label := range r.labels {
		out[id] = label
	}
	return out
}

// Restore seeds the resolver with an existing id→label table, as read back
// from a consolidated data file. It fails if an id or label is already bound
// differently; a resolver is restored at most once, before any Intern.
func (r *Resolver) Restore(table map[int]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, label := range table {
		if prev, ok := r.labels[id]; ok && prev != label {
			return fmt.Errorf("context id %d already bound to %q, cannot rebind to %q", id, prev, label)
		}
		if prev, ok := r.ids[label]; ok && prev != id {
			return fmt.Errorf("context label %q already bound to id %d, cannot rebind to %d", label, prev, id)
		}
		r.labels[id] = label
		r.ids[label] = id
		if id >= r.next {
			r.next = id + 1
		}
	}
	return nil
}
