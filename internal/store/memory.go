package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Memory is an in-process Store with the same change semantics as the Redis
// store. Used by tests and single-process setups.
type Memory struct {
	mu       sync.Mutex
	docs     map[string]map[string]json.RawMessage
	watchers map[string]map[*memWatcher]struct{}
	log      *logrus.Entry
}

type memWatcher struct {
	tr  *tracker
	box *mailbox
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		docs:     make(map[string]map[string]json.RawMessage),
		watchers: make(map[string]map[*memWatcher]struct{}),
		log:      logrus.WithField("component", "store.memory"),
	}
}

func (m *Memory) Set(ctx context.Context, collection, id string, data any, merge bool) error {
	if collection == "" || id == "" {
		return ErrEmptyKey
	}
	doc, err := encode(data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	col := m.docs[collection]
	if col == nil {
		col = make(map[string]json.RawMessage)
		m.docs[collection] = col
	}
	cur, existed := col[id]
	if merge && existed {
		if doc, err = mergeJSON(cur, doc); err != nil {
			return err
		}
	}
	col[id] = doc

	typ := Added
	if existed {
		typ = Modified
	}
	m.publishLocked(collection, Change{Type: typ, Doc: Document{ID: id, Data: doc}})
	return nil
}

func (m *Memory) Add(ctx context.Context, collection string, data any) (string, error) {
	id := uuid.NewString()
	if err := m.Set(ctx, collection, id, data, false); err != nil {
		return "", err
	}
	return id, nil
}

func (m *Memory) Get(_ context.Context, collection, id string, out any) (bool, error) {
	m.mu.Lock()
	doc, ok := m.docs[collection][id]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	return true, json.Unmarshal(doc, out)
}

func (m *Memory) List(_ context.Context, collection string, filters ...Filter) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Document
	for _, id := range sortedIDs(m.docs[collection]) {
		data := m.docs[collection][id]
		if Matches(data, filters) {
			out = append(out, Document{ID: id, Data: data})
		}
	}
	return out, nil
}

func (m *Memory) Delete(_ context.Context, collection, id string) error {
	if collection == "" || id == "" {
		return ErrEmptyKey
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[collection][id]
	if !ok {
		return nil
	}
	delete(m.docs[collection], id)
	m.publishLocked(collection, Change{Type: Removed, Doc: Document{ID: id, Data: doc}})
	return nil
}

func (m *Memory) WatchDoc(ctx context.Context, collection, id string, fn func(Document, bool)) (CancelFunc, error) {
	if collection == "" || id == "" {
		return nil, ErrEmptyKey
	}
	w := &memWatcher{tr: newDocTracker(id), box: newMailbox()}

	m.mu.Lock()
	if doc, ok := m.docs[collection][id]; ok {
		c, _ := w.tr.apply(Change{Type: Added, Doc: Document{ID: id, Data: doc}})
		w.box.push(c)
	} else {
		w.box.push(Change{Type: Removed, Doc: Document{ID: id}})
	}
	m.addWatcherLocked(collection, w)
	m.mu.Unlock()

	return m.start(ctx, collection, w, docCallback(fn)), nil
}

func (m *Memory) WatchCollection(ctx context.Context, collection string, filters []Filter, fn func(Change)) (CancelFunc, error) {
	if collection == "" {
		return nil, ErrEmptyKey
	}
	w := &memWatcher{tr: newTracker(filters), box: newMailbox()}

	m.mu.Lock()
	for _, id := range sortedIDs(m.docs[collection]) {
		if c, ok := w.tr.apply(Change{Type: Added, Doc: Document{ID: id, Data: m.docs[collection][id]}}); ok {
			w.box.push(c)
		}
	}
	m.addWatcherLocked(collection, w)
	m.mu.Unlock()

	return m.start(ctx, collection, w, fn), nil
}

func (m *Memory) addWatcherLocked(collection string, w *memWatcher) {
	if m.watchers[collection] == nil {
		m.watchers[collection] = make(map[*memWatcher]struct{})
	}
	m.watchers[collection][w] = struct{}{}
}

func (m *Memory) start(ctx context.Context, collection string, w *memWatcher, fn func(Change)) CancelFunc {
	wctx, cancel := context.WithCancel(ctx)
	go w.box.run(wctx, m.log.WithField("collection", collection), fn)

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			m.mu.Lock()
			delete(m.watchers[collection], w)
			m.mu.Unlock()
		})
	}
}

func (m *Memory) publishLocked(collection string, raw Change) {
	for w := range m.watchers[collection] {
		if c, ok := w.tr.apply(raw); ok {
			w.box.push(c)
		}
	}
}

func sortedIDs(col map[string]json.RawMessage) []string {
	ids := make([]string, 0, len(col))
	for id := range col {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// mailbox is an unbounded FIFO of changes drained by one goroutine, so a
// slow callback never blocks writers.
type mailbox struct {
	mu    sync.Mutex
	items []Change
	wake  chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{wake: make(chan struct{}, 1)}
}

func (b *mailbox) push(c Change) {
	b.mu.Lock()
	b.items = append(b.items, c)
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *mailbox) take() []Change {
	b.mu.Lock()
	items := b.items
	b.items = nil
	b.mu.Unlock()
	return items
}

func (b *mailbox) run(ctx context.Context, log *logrus.Entry, fn func(Change)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.wake:
		}
		for _, c := range b.take() {
			if ctx.Err() != nil {
				return
			}
			deliver(log, fn, c)
		}
	}
}
