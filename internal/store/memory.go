package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BuzzLyutic/taskboard-sync/internal/model"
)

// MemoryStore keeps documents in process. It is used by tests and by
// single-node deployments (STORE_DRIVER=memory).
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]model.Project
	hub  *Hub
	now  func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string]model.Project),
		hub:  NewHub(),
		now:  time.Now,
	}
}

func (s *MemoryStore) Get(ctx context.Context, id string) (model.Project, error) {
	if err := ctx.Err(); err != nil {
		return model.Project{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.docs[id]
	if !ok {
		return model.Project{}, ErrorNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) Insert(ctx context.Context, p model.Project) (model.Project, error) {
	if err := ctx.Err(); err != nil {
		return model.Project{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[p.ID]; ok {
		return model.Project{}, ErrorConflict
	}
	now := s.now().UTC()
	p = p.Clone()
	p.Version = 1
	p.CreatedAt, p.UpdatedAt = now, now
	s.docs[p.ID] = p
	s.hub.Publish(model.Snapshot{ProjectID: p.ID, Exists: true, Project: p.Clone()})
	return p.Clone(), nil
}

func (s *MemoryStore) CompareAndPut(ctx context.Context, p model.Project, expected int64) (model.Project, error) {
	if err := ctx.Err(); err != nil {
		return model.Project{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.docs[p.ID]
	if !ok {
		return model.Project{}, ErrorNotFound
	}
	if cur.Version != expected {
		return model.Project{}, ErrorConflict
	}
	p = p.Clone()
	p.Version = expected + 1
	p.CreatedAt = cur.CreatedAt
	p.UpdatedAt = s.now().UTC()
	s.docs[p.ID] = p
	s.hub.Publish(model.Snapshot{ProjectID: p.ID, Exists: true, Project: p.Clone()})
	return p.Clone(), nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[id]; !ok {
		return nil
	}
	delete(s.docs, id)
	s.hub.Publish(model.Snapshot{ProjectID: id})
	return nil
}

func (s *MemoryStore) Query(ctx context.Context, f model.ProjectFilter) ([]model.Project, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Project, 0)
	for _, p := range s.docs {
		if matches(p, f) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, id string) (*Subscription, error) {
	sub, prime, err := s.hub.Subscribe(id)
	if err != nil {
		return nil, err
	}
	p, err := s.Get(ctx, id)
	switch err {
	case nil:
		prime(model.Snapshot{ProjectID: id, Exists: true, Project: p})
	case ErrorNotFound:
		prime(model.Snapshot{ProjectID: id})
	default:
		sub.Close()
		return nil, err
	}
	return sub, nil
}

// Close ends all subscriptions. Reads and writes keep working.
func (s *MemoryStore) Close() {
	s.hub.Close()
}

// Subscribers reports how many open subscriptions follow id.
func (s *MemoryStore) Subscribers(id string) int {
	return s.hub.Subscribers(id)
}
