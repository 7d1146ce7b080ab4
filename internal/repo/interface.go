package repo

import (
	"context"

	"github.com/BuzzLyutic/taskboard-sync/internal/model"
	"github.com/BuzzLyutic/taskboard-sync/internal/store"
)

// MutateFunc changes a private copy of the current project. Returning an
// error aborts the write; returning ErrNoChange finishes without one.
type MutateFunc func(p *model.Project) error

// ProjectRepository is the set of domain writes on the project aggregate.
// Every write is a read-modify-write closed by compare-and-swap on version.
type ProjectRepository interface {
	Create(ctx context.Context, name, adminID string) (model.Project, error)
	Get(ctx context.Context, id string) (model.Project, error)
	Update(ctx context.Context, id string, mutate MutateFunc) (model.Project, error)
	AppendTask(ctx context.Context, id, description, assignedTo string) (model.Project, error)
	UpdateTaskProgress(ctx context.Context, id, taskName string, progress int) (model.Project, error)
	AppendReview(ctx context.Context, id, taskName, text string) (model.Project, error)
	SetProgress(ctx context.Context, id string, progress int) (model.Project, error)
	Delete(ctx context.Context, id string) error
	ListFor(ctx context.Context, userID string) (model.ProjectList, error)
	Subscribe(ctx context.Context, id string) (*store.Subscription, error)
}
