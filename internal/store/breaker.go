package store

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/BuzzLyutic/taskboard-sync/internal/metrics"
	"github.com/BuzzLyutic/taskboard-sync/internal/model"
)

// ErrorUnavailable is returned while the breaker is open.
var ErrorUnavailable = errors.New("store unavailable")

type BreakerSettings struct {
	Name        string
	MaxFailures uint32
	Timeout     time.Duration
}

// BreakerStore fails fast once the backing store keeps erroring. Domain
// outcomes (not found, conflict, cancelled requests) do not count as failures.
type BreakerStore struct {
	next Store
	cb   *gobreaker.CircuitBreaker
}

var _ Store = (*BreakerStore)(nil)

func WithBreaker(next Store, s BreakerSettings, logger *zap.Logger) *BreakerStore {
	if s.Name == "" {
		s.Name = "store"
	}
	if s.MaxFailures == 0 {
		s.MaxFailures = 5
	}
	metrics.BreakerState.WithLabelValues(s.Name).Set(float64(gobreaker.StateClosed))
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, ErrorNotFound) ||
				errors.Is(err, ErrorConflict) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("store breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		},
	})
	return &BreakerStore{next: next, cb: cb}
}

func (b *BreakerStore) State() gobreaker.State {
	return b.cb.State()
}

func (b *BreakerStore) do(fn func() (interface{}, error)) (interface{}, error) {
	v, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrorUnavailable
	}
	return v, err
}

func (b *BreakerStore) project(fn func() (model.Project, error)) (model.Project, error) {
	v, err := b.do(func() (interface{}, error) { return fn() })
	if err != nil {
		return model.Project{}, err
	}
	return v.(model.Project), nil
}

func (b *BreakerStore) Get(ctx context.Context, id string) (model.Project, error) {
	return b.project(func() (model.Project, error) { return b.next.Get(ctx, id) })
}

func (b *BreakerStore) Insert(ctx context.Context, p model.Project) (model.Project, error) {
	return b.project(func() (model.Project, error) { return b.next.Insert(ctx, p) })
}

func (b *BreakerStore) CompareAndPut(ctx context.Context, p model.Project, expected int64) (model.Project, error) {
	return b.project(func() (model.Project, error) { return b.next.CompareAndPut(ctx, p, expected) })
}

func (b *BreakerStore) Delete(ctx context.Context, id string) error {
	_, err := b.do(func() (interface{}, error) { return nil, b.next.Delete(ctx, id) })
	return err
}

func (b *BreakerStore) Query(ctx context.Context, f model.ProjectFilter) ([]model.Project, error) {
	v, err := b.do(func() (interface{}, error) { return b.next.Query(ctx, f) })
	if err != nil {
		return nil, err
	}
	return v.([]model.Project), nil
}

// Subscribe bypasses the breaker: a subscription is long-lived and its
// failures surface on the stream, not as a request outcome.
func (b *BreakerStore) Subscribe(ctx context.Context, id string) (*Subscription, error) {
	return b.next.Subscribe(ctx, id)
}
