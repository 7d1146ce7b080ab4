package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BuzzLyutic/taskboard-sync/internal/metrics"
	"github.com/BuzzLyutic/taskboard-sync/internal/model"
	"github.com/BuzzLyutic/taskboard-sync/internal/store"
	"github.com/BuzzLyutic/taskboard-sync/internal/taskstate"
)

var (
	ErrorNotFound = store.ErrorNotFound
	ErrorConflict = store.ErrorConflict
	ErrValidation = errors.New("validation error")
	ErrNoChange   = errors.New("no change")
)

// RetryPolicy bounds how often a mutation is re-applied after losing a
// compare-and-swap race. Only version conflicts are retried.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      5,
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     500 * time.Millisecond,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxRetries)), ctx)
}

type ProjectRepo struct {
	store  store.Store
	policy RetryPolicy
	logger *zap.Logger
}

var _ ProjectRepository = (*ProjectRepo)(nil)

func NewProjectRepo(s store.Store, policy RetryPolicy, logger *zap.Logger) *ProjectRepo {
	return &ProjectRepo{
		store:  s,
		policy: policy,
		logger: logger,
	}
}

func (r *ProjectRepo) Create(ctx context.Context, name, adminID string) (model.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" || adminID == "" {
		return model.Project{}, fmt.Errorf("%w: project name and admin are required", ErrValidation)
	}
	return r.store.Insert(ctx, model.Project{
		ID:         uuid.NewString(),
		Name:       name,
		Admin:      adminID,
		AccessCode: uuid.NewString(),
		Members:    map[string]bool{adminID: true},
		Tasks:      []model.Task{},
		Reviews:    []model.Review{},
		Progress:   0,
	})
}

func (r *ProjectRepo) Get(ctx context.Context, id string) (model.Project, error) {
	return r.store.Get(ctx, id)
}

// Update reads the project, applies mutate to a copy and writes it back on
// the version it read. On a version conflict the whole cycle runs again on
// the fresh document, so concurrent writers never overwrite each other.
func (r *ProjectRepo) Update(ctx context.Context, id string, mutate MutateFunc) (model.Project, error) {
	var (
		saved    model.Project
		attempts int
		lost     bool
	)
	op := func() error {
		attempts++
		lost = false

		cur, err := r.store.Get(ctx, id)
		if err != nil {
			return backoff.Permanent(err)
		}
		next := cur.Clone()
		if err := mutate(&next); err != nil {
			if errors.Is(err, ErrNoChange) {
				saved = cur
				return nil
			}
			return backoff.Permanent(err)
		}
		next.ID = cur.ID

		saved, err = r.store.CompareAndPut(ctx, next, cur.Version)
		if errors.Is(err, store.ErrorConflict) {
			metrics.CASConflicts.Inc()
			lost = true
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	if err := backoff.Retry(op, r.policy.backOff(ctx)); err != nil {
		if lost && ctx.Err() == nil {
			metrics.CASExhausted.Inc()
			r.logger.Warn("project update gave up on version conflicts",
				zap.String("project_id", id),
				zap.Int("attempts", attempts),
			)
			return model.Project{}, fmt.Errorf("update project %s after %d attempts: %w", id, attempts, ErrorConflict)
		}
		return model.Project{}, err
	}
	return saved, nil
}

func (r *ProjectRepo) AppendTask(ctx context.Context, id, description, assignedTo string) (model.Project, error) {
	task, err := taskstate.NewTask(description, assignedTo)
	if err != nil {
		return model.Project{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return r.Update(ctx, id, func(p *model.Project) error {
		tasks, err := taskstate.Append(p.Tasks, task)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrorConflict, err)
		}
		p.Tasks = tasks
		return nil
	})
}

func (r *ProjectRepo) UpdateTaskProgress(ctx context.Context, id, taskName string, progress int) (model.Project, error) {
	if err := taskstate.ValidateProgress(progress); err != nil {
		return model.Project{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return r.Update(ctx, id, func(p *model.Project) error {
		tasks, _, err := taskstate.ApplyProgress(p.Tasks, taskName, progress)
		if errors.Is(err, taskstate.ErrTaskNotFound) {
			return fmt.Errorf("%w: %w", ErrorNotFound, err)
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrValidation, err)
		}
		p.Tasks = tasks
		return nil
	})
}

func (r *ProjectRepo) AppendReview(ctx context.Context, id, taskName, text string) (model.Project, error) {
	text = strings.TrimSpace(text)
	if taskName == "" || text == "" {
		return model.Project{}, fmt.Errorf("%w: task name and review text are required", ErrValidation)
	}
	return r.Update(ctx, id, func(p *model.Project) error {
		i := taskstate.Find(p.Tasks, taskName)
		if i < 0 {
			return fmt.Errorf("%w: %w: %q", ErrorNotFound, taskstate.ErrTaskNotFound, taskName)
		}
		p.Reviews = append(p.Reviews, model.Review{
			TaskID:   p.Tasks[i].ID,
			TaskName: taskName,
			Text:     text,
		})
		return nil
	})
}

func (r *ProjectRepo) SetProgress(ctx context.Context, id string, progress int) (model.Project, error) {
	if err := taskstate.ValidateProgress(progress); err != nil {
		return model.Project{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return r.Update(ctx, id, func(p *model.Project) error {
		if p.Progress == progress {
			return ErrNoChange
		}
		p.Progress = progress
		return nil
	})
}

func (r *ProjectRepo) Delete(ctx context.Context, id string) error {
	return r.store.Delete(ctx, id)
}

// ListFor returns the projects a user administers and the projects the user
// belongs to. Admins are members, so created projects appear in both lists.
func (r *ProjectRepo) ListFor(ctx context.Context, userID string) (model.ProjectList, error) {
	created, err := r.store.Query(ctx, model.ProjectFilter{Admin: userID})
	if err != nil {
		return model.ProjectList{}, err
	}
	joined, err := r.store.Query(ctx, model.ProjectFilter{Member: userID})
	if err != nil {
		return model.ProjectList{}, err
	}
	return model.ProjectList{Created: created, Joined: joined}, nil
}

func (r *ProjectRepo) Subscribe(ctx context.Context, id string) (*store.Subscription, error) {
	return r.store.Subscribe(ctx, id)
}
