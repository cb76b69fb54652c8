// Package store is the shared document store the call subsystem uses as its
// room directory and signaling mailbox: keyed JSON documents grouped in
// collections, with live per-document and per-collection change watches.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// ChangeType is the kind of change a collection watch reports.
type ChangeType string

const (
	Added    ChangeType = "added"
	Modified ChangeType = "modified"
	Removed  ChangeType = "removed"
)

var ErrEmptyKey = errors.New("collection and id are required")

// Document is one keyed JSON document.
type Document struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// Decode unmarshals the document body into out.
func (d Document) Decode(out any) error {
	if len(d.Data) == 0 {
		return fmt.Errorf("document %q has no data", d.ID)
	}
	return json.Unmarshal(d.Data, out)
}

// Change is a single collection change as seen by one watcher.
type Change struct {
	Type ChangeType
	Doc  Document
}

// CancelFunc stops a watch. It is safe to call more than once.
type CancelFunc func()

// Store is the document-store collaborator.
type Store interface {
	// Set creates or replaces the document. With merge, top-level fields of
	// data are written over the existing document instead.
	Set(ctx context.Context, collection, id string, data any, merge bool) error
	// Add creates a document under a generated ID.
	Add(ctx context.Context, collection string, data any) (string, error)
	Get(ctx context.Context, collection, id string, out any) (bool, error)
	List(ctx context.Context, collection string, filters ...Filter) ([]Document, error)
	// Delete removes the document. Deleting a missing document is a no-op.
	Delete(ctx context.Context, collection, id string) error
	// WatchDoc reports the document's current state, then every change to it.
	WatchDoc(ctx context.Context, collection, id string, fn func(doc Document, exists bool)) (CancelFunc, error)
	// WatchCollection reports every matching document as Added, then each
	// later change individually.
	WatchCollection(ctx context.Context, collection string, filters []Filter, fn func(Change)) (CancelFunc, error)
}

// FilterOp selects how a Filter compares a field.
type FilterOp int

const (
	OpEqual FilterOp = iota
	OpArrayContains
)

// Filter restricts a collection watch or listing to matching documents.
type Filter struct {
	Field string
	Op    FilterOp
	Value any
}

// Equal matches documents whose field equals value.
func Equal(field string, value any) Filter {
	return Filter{Field: field, Op: OpEqual, Value: normalize(value)}
}

// ArrayContains matches documents whose array field contains value.
func ArrayContains(field string, value any) Filter {
	return Filter{Field: field, Op: OpArrayContains, Value: normalize(value)}
}

// normalize round-trips v through JSON so it compares equal to decoded fields.
func normalize(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

func (f Filter) match(fields map[string]any) bool {
	got, ok := fields[f.Field]
	if !ok {
		return false
	}
	switch f.Op {
	case OpEqual:
		return reflect.DeepEqual(got, f.Value)
	case OpArrayContains:
		arr, ok := got.([]any)
		if !ok {
			return false
		}
		for _, v := range arr {
			if reflect.DeepEqual(v, f.Value) {
				return true
			}
		}
	}
	return false
}

// Matches reports whether the JSON document satisfies every filter.
func Matches(data json.RawMessage, filters []Filter) bool {
	if len(filters) == 0 {
		return true
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return false
	}
	for _, f := range filters {
		if !f.match(fields) {
			return false
		}
	}
	return true
}

func encode(data any) (json.RawMessage, error) {
	if raw, ok := data.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return raw, nil
}

// mergeJSON writes the top-level fields of patch over base.
func mergeJSON(base, patch json.RawMessage) (json.RawMessage, error) {
	var dst, src map[string]json.RawMessage
	if err := json.Unmarshal(base, &dst); err != nil {
		return nil, fmt.Errorf("merge: existing document: %w", err)
	}
	if err := json.Unmarshal(patch, &src); err != nil {
		return nil, fmt.Errorf("merge: patch: %w", err)
	}
	if dst == nil {
		dst = make(map[string]json.RawMessage, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return json.Marshal(dst)
}

// tracker turns the raw write feed of a collection into the changes one
// watcher should see, given its filters and what it has already reported.
type tracker struct {
	filters []Filter
	only    string
	known   map[string]bool
}

func newTracker(filters []Filter) *tracker {
	return &tracker{filters: filters, known: make(map[string]bool)}
}

func newDocTracker(id string) *tracker {
	t := newTracker(nil)
	t.only = id
	return t
}

// apply classifies one raw write. ok is false when the watcher should not
// hear about it.
func (t *tracker) apply(raw Change) (out Change, ok bool) {
	id := raw.Doc.ID
	if t.only != "" && id != t.only {
		return Change{}, false
	}
	if raw.Type == Removed {
		if !t.known[id] {
			return Change{}, false
		}
		delete(t.known, id)
		return raw, true
	}
	matched := Matches(raw.Doc.Data, t.filters)
	switch {
	case matched && t.known[id]:
		return Change{Type: Modified, Doc: raw.Doc}, true
	case matched:
		t.known[id] = true
		return Change{Type: Added, Doc: raw.Doc}, true
	case t.known[id]:
		delete(t.known, id)
		return Change{Type: Removed, Doc: raw.Doc}, true
	}
	return Change{}, false
}

// deliver runs a watch callback, keeping a panicking callback from killing
// the watch goroutine.
func deliver(log *logrus.Entry, fn func(Change), c Change) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logrus.Fields{
				"id":    c.Doc.ID,
				"panic": r,
				"stack": string(debug.Stack()),
			}).Error("Watch callback panicked")
		}
	}()
	fn(c)
}

func docCallback(fn func(Document, bool)) func(Change) {
	return func(c Change) {
		fn(c.Doc, c.Type != Removed)
	}
}
