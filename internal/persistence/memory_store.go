package persistence

import (
	"context"
	"sync"

	"github.com/petrijr/fluxrun/pkg/api"
)

type memoryRecord struct {
	data       []byte
	status     api.RunStatus
	sessionID  string
	key        string
	eventCount int
}

// InMemoryRunStore is a simple, goroutine-safe RunStore backed by maps.
// Runs are kept as encoded snapshots so callers never share memory with
// the store. Listings follow insertion order.
type InMemoryRunStore struct {
	mu    sync.RWMutex
	runs  map[string]*memoryRecord
	keys  map[string]string // idempotency key -> run id
	order []string
}

// NewInMemoryRunStore creates a new InMemoryRunStore.
func NewInMemoryRunStore() *InMemoryRunStore {
	return &InMemoryRunStore{
		runs: make(map[string]*memoryRecord),
		keys: make(map[string]string),
	}
}

// Ensure InMemoryRunStore implements RunStore.
var _ RunStore = (*InMemoryRunStore)(nil)

func newMemoryRecord(run *api.RunState) (*memoryRecord, error) {
	data, err := EncodeRun(run)
	if err != nil {
		return nil, err
	}
	return &memoryRecord{
		data:       data,
		status:     run.Status,
		sessionID:  run.SessionID,
		key:        run.IdempotencyKey,
		eventCount: run.EventCount(),
	}, nil
}

// put stores run under id and returns the stored record. An existing
// record keeps its session id and idempotency key. Callers hold the write
// lock.
func (s *InMemoryRunStore) put(id string, run *api.RunState) (*memoryRecord, error) {
	old, exists := s.runs[id]
	if exists {
		run = keepIdentity(run, old.sessionID, old.key)
	} else if run.IdempotencyKey != "" {
		if owner, ok := s.keys[run.IdempotencyKey]; ok && owner != id {
			return nil, ErrDuplicateKey
		}
	}

	rec, err := newMemoryRecord(run)
	if err != nil {
		return nil, err
	}
	if !exists {
		s.order = append(s.order, id)
		if rec.key != "" {
			s.keys[rec.key] = id
		}
	}
	s.runs[id] = rec
	return rec, nil
}

func (s *InMemoryRunStore) Save(ctx context.Context, run *api.RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.put(run.RunID, run)
	return err
}

func (s *InMemoryRunStore) CreateOrGet(ctx context.Context, run *api.RunState) (*api.RunState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.IdempotencyKey != "" {
		if owner, ok := s.keys[run.IdempotencyKey]; ok {
			stored, err := DecodeRun(s.runs[owner].data)
			return stored, false, err
		}
	}
	if _, exists := s.runs[run.RunID]; exists {
		return nil, false, ErrDuplicateKey
	}
	rec, err := s.put(run.RunID, run)
	if err != nil {
		return nil, false, err
	}
	stored, err := DecodeRun(rec.data)
	return stored, true, err
}

func (s *InMemoryRunStore) Update(ctx context.Context, run *api.RunState, expectedEventCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.runs[run.RunID]
	if !ok {
		return ErrRunNotFound
	}
	if current.eventCount != expectedEventCount {
		return ErrConcurrentUpdate
	}
	_, err := s.put(run.RunID, run)
	return err
}

func (s *InMemoryRunStore) Load(ctx context.Context, runID string) (*api.RunState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return DecodeRun(rec.data)
}

func (s *InMemoryRunStore) FindByIdempotencyKey(ctx context.Context, key string) (*api.RunState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.keys[key]
	if !ok || key == "" {
		return nil, ErrRunNotFound
	}
	return DecodeRun(s.runs[id].data)
}

func (s *InMemoryRunStore) FindBySession(ctx context.Context, sessionID string) ([]*api.RunState, error) {
	return s.list(func(rec *memoryRecord) bool { return rec.sessionID == sessionID })
}

func (s *InMemoryRunStore) ListActive(ctx context.Context) ([]*api.RunState, error) {
	return s.list(func(rec *memoryRecord) bool { return !rec.status.IsTerminal() })
}

func (s *InMemoryRunStore) ListByStatus(ctx context.Context, status api.RunStatus) ([]*api.RunState, error) {
	return s.list(func(rec *memoryRecord) bool { return rec.status == status })
}

func (s *InMemoryRunStore) ListAll(ctx context.Context) ([]*api.RunState, error) {
	return s.list(func(*memoryRecord) bool { return true })
}

// Ping always succeeds.
func (s *InMemoryRunStore) Ping(ctx context.Context) error { return nil }

func (s *InMemoryRunStore) list(match func(*memoryRecord) bool) ([]*api.RunState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*api.RunState, 0)
	for _, id := range s.order {
		rec := s.runs[id]
		if !match(rec) {
			continue
		}
		run, err := DecodeRun(rec.data)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}
