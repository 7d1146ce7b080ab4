package store

import (
	"sync"

	"github.com/BuzzLyutic/taskboard-sync/internal/metrics"
	"github.com/BuzzLyutic/taskboard-sync/internal/model"
)

// Subscription is a stream of snapshots for one project. C is closed after
// Close returns; Close may be called any number of times.
type Subscription struct {
	C <-chan model.Snapshot

	once   sync.Once
	cancel func()
}

func NewSubscription(c <-chan model.Snapshot, cancel func()) *Subscription {
	metrics.ActiveSubscriptions.Inc()
	return &Subscription{C: c, cancel: cancel}
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		metrics.ActiveSubscriptions.Dec()
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// mailbox holds at most one undelivered snapshot. Snapshots are full
// replacements, so a newer one simply takes the place of an unread older one
// and publishers never block on slow readers.
type mailbox struct {
	ch   chan model.Snapshot
	last int64
	gone bool
}

func (m *mailbox) offer(s model.Snapshot) {
	if m.gone {
		return
	}
	if s.Exists {
		if s.Project.Version <= m.last {
			return
		}
		m.last = s.Project.Version
	} else {
		m.gone = true
	}
	select {
	case m.ch <- s:
		return
	default:
	}
	select {
	case <-m.ch:
		metrics.SnapshotsDropped.Inc()
	default:
	}
	select {
	case m.ch <- s:
	default:
	}
}

// Hub fans snapshots out to the subscribers of each project.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*mailbox]struct{}
	closed bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*mailbox]struct{})}
}

// Subscribe registers a mailbox for id. The returned prime func delivers an
// initial snapshot through the same ordering rules as Publish, so a snapshot
// read before a concurrent publish can never overwrite the newer one.
func (h *Hub) Subscribe(id string) (*Subscription, func(model.Snapshot), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, nil, ErrorClosed
	}

	mb := &mailbox{ch: make(chan model.Snapshot, 1)}
	if h.subs[id] == nil {
		h.subs[id] = make(map[*mailbox]struct{})
	}
	h.subs[id][mb] = struct{}{}

	sub := NewSubscription(mb.ch, func() { h.remove(id, mb) })
	prime := func(s model.Snapshot) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[id][mb]; ok {
			mb.offer(s)
		}
	}
	return sub, prime, nil
}

func (h *Hub) remove(id string, mb *mailbox) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[id]
	if !ok {
		return
	}
	if _, ok := set[mb]; !ok {
		return
	}
	delete(set, mb)
	if len(set) == 0 {
		delete(h.subs, id)
	}
	close(mb.ch)
}

func (h *Hub) Publish(s model.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for mb := range h.subs[s.ProjectID] {
		mb.offer(s)
	}
}

// Watched returns the ids that currently have subscribers.
func (h *Hub) Watched() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	return ids
}

func (h *Hub) Subscribers(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[id])
}

// Close ends every open subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, set := range h.subs {
		for mb := range set {
			close(mb.ch)
		}
		delete(h.subs, id)
	}
}
