package escrow

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"
)

var errTxDone = errors.New("escrow: transaction already finished")

// MemoryStore keeps records, the counter and the outbox in process memory.
// A transaction holds the writer lock from Begin until Commit or Rollback,
// which serializes all mutating operations.
type MemoryStore struct {
	writer sync.Mutex

	mu        sync.RWMutex
	records   map[ID]Record
	counter   ID
	outbox    []Event
	published map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   make(map[ID]Record),
		published: make(map[string]bool),
	}
}

func (s *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.writer.Lock()
	s.mu.RLock()
	counter := s.counter
	s.mu.RUnlock()
	return &memoryTx{
		store:   s,
		staged:  make(map[ID]Record),
		counter: counter,
	}, nil
}

func (s *MemoryStore) Get(ctx context.Context, id ID) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) LatestID(ctx context.Context) (ID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counter, nil
}

func (s *MemoryStore) List(ctx context.Context, filter ListFilter) ([]Record, error) {
	s.mu.RLock()
	matched := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		if filter.Payer != "" && rec.Payer != filter.Payer {
			continue
		}
		if filter.Payee != "" && rec.Payee != filter.Payee {
			continue
		}
		if filter.Status != 0 && rec.Status != filter.Status {
			continue
		}
		matched = append(matched, rec)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })

	offset, limit := filter.Offset(), filter.Limit()
	if offset >= len(matched) {
		return []Record{}, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

// Pending returns up to limit unpublished events in append order.
func (s *MemoryStore) Pending(ctx context.Context, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, 0, limit)
	for _, evt := range s.outbox {
		if s.published[evt.ID] {
			continue
		}
		out = append(out, evt)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkPublished(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.published[id] = true
	}
	return nil
}

// Events returns a copy of every event ever committed.
func (s *MemoryStore) Events() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, len(s.outbox))
	copy(out, s.outbox)
	return out
}

type memoryTx struct {
	store   *MemoryStore
	staged  map[ID]Record
	counter ID
	events  []Event
	done    bool
}

func (t *memoryTx) Get(ctx context.Context, id ID) (Record, error) {
	if t.done {
		return Record{}, errTxDone
	}
	if rec, ok := t.staged[id]; ok {
		return rec, nil
	}
	return t.store.Get(ctx, id)
}

func (t *memoryTx) Insert(ctx context.Context, rec Record) error {
	if t.done {
		return errTxDone
	}
	if _, err := t.Get(ctx, rec.ID); err == nil {
		return fmt.Errorf("escrow: record %d already exists", rec.ID)
	}
	t.staged[rec.ID] = rec
	return nil
}

func (t *memoryTx) Update(ctx context.Context, rec Record) error {
	if t.done {
		return errTxDone
	}
	if _, err := t.Get(ctx, rec.ID); err != nil {
		return err
	}
	t.staged[rec.ID] = rec
	return nil
}

func (t *memoryTx) Counter(ctx context.Context) (ID, error) {
	if t.done {
		return 0, errTxDone
	}
	return t.counter, nil
}

func (t *memoryTx) SetCounter(ctx context.Context, id ID) error {
	if t.done {
		return errTxDone
	}
	t.counter = id
	return nil
}

func (t *memoryTx) Enqueue(ctx context.Context, evt Event) error {
	if t.done {
		return errTxDone
	}
	evt.Payload = maps.Clone(evt.Payload)
	t.events = append(t.events, evt)
	return nil
}

func (t *memoryTx) Commit(ctx context.Context) error {
	if t.done {
		return errTxDone
	}
	t.done = true
	defer t.store.writer.Unlock()

	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for id, rec := range t.staged {
		t.store.records[id] = rec
	}
	t.store.counter = t.counter
	t.store.outbox = append(t.store.outbox, t.events...)
	return nil
}

func (t *memoryTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.writer.Unlock()
	return nil
}
