package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/BuzzLyutic/taskboard-sync/internal/access"
	"github.com/BuzzLyutic/taskboard-sync/internal/auth"
	"github.com/BuzzLyutic/taskboard-sync/internal/model"
	"github.com/BuzzLyutic/taskboard-sync/internal/repo"
	"github.com/BuzzLyutic/taskboard-sync/internal/taskstate"
)

var ErrValidation = repo.ErrValidation

// ProjectView is a project as one caller may see it.
type ProjectView struct {
	Project model.Project `json:"project"`
	Role    model.Role    `json:"role"`
}

// Event is one pushed change of a watched project. An event with Exists
// false is the last of a stream: the project was deleted, or with Forbidden
// set, the caller is no longer a member.
type Event struct {
	Exists    bool        `json:"exists"`
	Forbidden bool        `json:"forbidden,omitempty"`
	View      ProjectView `json:"view"`
}

type ProjectService struct {
	repo   repo.ProjectRepository
	access *access.Controller
	logger *zap.Logger
}

func NewProjectService(r repo.ProjectRepository, c *access.Controller, logger *zap.Logger) *ProjectService {
	return &ProjectService{repo: r, access: c, logger: logger}
}

func caller(ctx context.Context) (model.Identity, error) {
	id, ok := auth.CurrentUser(ctx)
	if !ok {
		return model.Identity{}, auth.ErrUnauthenticated
	}
	return id, nil
}

func view(p model.Project, role model.Role) ProjectView {
	return ProjectView{Project: access.Redact(p, role), Role: role}
}

func (s *ProjectService) Create(ctx context.Context, name string) (ProjectView, error) {
	me, err := caller(ctx)
	if err != nil {
		return ProjectView{}, err
	}
	p, err := s.repo.Create(ctx, name, me.ID)
	if err != nil {
		return ProjectView{}, err
	}
	s.logger.Info("project created", zap.String("project_id", p.ID), zap.String("admin", me.ID))
	return view(p, model.RoleAdmin), nil
}

func (s *ProjectService) Get(ctx context.Context, id string) (ProjectView, error) {
	me, err := caller(ctx)
	if err != nil {
		return ProjectView{}, err
	}
	p, role, err := s.access.Load(ctx, id, me.ID, model.RoleMember)
	if err != nil {
		return ProjectView{}, err
	}
	return view(p, role), nil
}

// List returns the caller's created and joined projects.
func (s *ProjectService) List(ctx context.Context) (model.ProjectList, error) {
	me, err := caller(ctx)
	if err != nil {
		return model.ProjectList{}, err
	}
	list, err := s.repo.ListFor(ctx, me.ID)
	if err != nil {
		return model.ProjectList{}, err
	}
	for i, p := range list.Created {
		list.Created[i] = access.Redact(p, access.RoleOf(p, me.ID))
	}
	for i, p := range list.Joined {
		list.Joined[i] = access.Redact(p, access.RoleOf(p, me.ID))
	}
	return list, nil
}

func (s *ProjectService) Join(ctx context.Context, id, code string) (model.Role, error) {
	me, err := caller(ctx)
	if err != nil {
		return model.RoleNonMember, err
	}
	return s.access.Join(ctx, id, code, me.ID)
}

// Members only ever grow and the admin never changes, so a role checked
// before a write still holds when the write lands.
func (s *ProjectService) authorized(ctx context.Context, id string, min model.Role) (model.Role, error) {
	me, err := caller(ctx)
	if err != nil {
		return model.RoleNonMember, err
	}
	_, role, err := s.access.Load(ctx, id, me.ID, min)
	return role, err
}

func (s *ProjectService) AddTask(ctx context.Context, id, description, assignedTo string) (ProjectView, error) {
	role, err := s.authorized(ctx, id, model.RoleMember)
	if err != nil {
		return ProjectView{}, err
	}
	p, err := s.repo.AppendTask(ctx, id, description, assignedTo)
	if err != nil {
		return ProjectView{}, err
	}
	return view(p, role), nil
}

func (s *ProjectService) UpdateTaskProgress(ctx context.Context, id, taskName string, progress int) (ProjectView, error) {
	role, err := s.authorized(ctx, id, model.RoleMember)
	if err != nil {
		return ProjectView{}, err
	}
	p, err := s.repo.UpdateTaskProgress(ctx, id, taskName, progress)
	if err != nil {
		return ProjectView{}, err
	}
	return view(p, role), nil
}

func (s *ProjectService) AddReview(ctx context.Context, id, taskName, text string) (ProjectView, error) {
	role, err := s.authorized(ctx, id, model.RoleAdmin)
	if err != nil {
		return ProjectView{}, err
	}
	p, err := s.repo.AppendReview(ctx, id, taskName, text)
	if err != nil {
		return ProjectView{}, err
	}
	return view(p, role), nil
}

func (s *ProjectService) SetProgress(ctx context.Context, id string, progress int) (ProjectView, error) {
	role, err := s.authorized(ctx, id, model.RoleMember)
	if err != nil {
		return ProjectView{}, err
	}
	p, err := s.repo.SetProgress(ctx, id, progress)
	if err != nil {
		return ProjectView{}, err
	}
	return view(p, role), nil
}

// Delete removes a project. Deleting one that is already gone succeeds.
func (s *ProjectService) Delete(ctx context.Context, id string) error {
	_, err := s.authorized(ctx, id, model.RoleAdmin)
	if errors.Is(err, repo.ErrorNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("project deleted", zap.String("project_id", id))
	return nil
}

func (s *ProjectService) Board(ctx context.Context, id string) (model.Board, error) {
	me, err := caller(ctx)
	if err != nil {
		return model.Board{}, err
	}
	p, _, err := s.access.Load(ctx, id, me.ID, model.RoleMember)
	if err != nil {
		return model.Board{}, err
	}
	return taskstate.BuildBoard(p), nil
}

// Watch streams the project as the caller may see it. The role is derived
// again for every snapshot. The channel is closed after a deletion, after
// the caller is found not to be a member, or when ctx is done.
func (s *ProjectService) Watch(ctx context.Context, id string) (<-chan Event, error) {
	me, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	if _, _, err := s.access.Load(ctx, id, me.ID, model.RoleMember); err != nil {
		return nil, err
	}
	sub, err := s.repo.Subscribe(ctx, id)
	if err != nil {
		return nil, err
	}

	out := make(chan Event, 1)
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case snap, ok := <-sub.C:
				if !ok {
					return
				}
				ev, last := s.event(snap, me.ID)
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				if last {
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *ProjectService) event(snap model.Snapshot, userID string) (Event, bool) {
	if !snap.Exists {
		return Event{View: ProjectView{Project: model.Project{ID: snap.ProjectID}}}, true
	}
	role := access.RoleOf(snap.Project, userID)
	if role == model.RoleNonMember {
		s.logger.Warn("watcher is not a member", zap.String("project_id", snap.ProjectID), zap.String("user_id", userID))
		return Event{Forbidden: true, View: ProjectView{Project: model.Project{ID: snap.ProjectID}, Role: role}}, true
	}
	return Event{Exists: true, View: view(snap.Project, role)}, false
}
