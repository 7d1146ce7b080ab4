package access

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/BuzzLyutic/taskboard-sync/internal/metrics"
	"github.com/BuzzLyutic/taskboard-sync/internal/model"
	"github.com/BuzzLyutic/taskboard-sync/internal/repo"
)

type Controller struct {
	projects repo.ProjectRepository
	lockout  *Lockout
	logger   *zap.Logger
}

func NewController(projects repo.ProjectRepository, lockout *Lockout, logger *zap.Logger) *Controller {
	if lockout == nil {
		lockout = NewLockout(0, 0)
	}
	return &Controller{
		projects: projects,
		lockout:  lockout,
		logger:   logger,
	}
}

// Join adds userID to the project's members when code matches. Joining a
// project the user already belongs to is a no-op that returns the existing
// role. A wrong code never touches the members map.
func (c *Controller) Join(ctx context.Context, projectID, code, userID string) (model.Role, error) {
	if userID == "" {
		return model.RoleNonMember, fmt.Errorf("%w: user id is required", repo.ErrValidation)
	}
	if left := c.lockout.Locked(projectID, userID); left > 0 {
		metrics.JoinAttempts.WithLabelValues("locked").Inc()
		return model.RoleNonMember, &LockedError{RetryAfter: left}
	}

	var role model.Role
	_, err := c.projects.Update(ctx, projectID, func(p *model.Project) error {
		if !VerifyCode(*p, code) {
			return ErrInvalidAccessCode
		}
		role = RoleOf(*p, userID)
		if role != model.RoleNonMember {
			return repo.ErrNoChange
		}
		if p.Members == nil {
			p.Members = map[string]bool{}
		}
		p.Members[userID] = true
		role = model.RoleMember
		return nil
	})

	switch {
	case err == nil:
		c.lockout.RecordSuccess(projectID, userID)
		metrics.JoinAttempts.WithLabelValues("ok").Inc()
		c.logger.Info("user joined project",
			zap.String("project_id", projectID),
			zap.String("user_id", userID),
			zap.Stringer("role", role),
		)
		return role, nil
	case errors.Is(err, ErrInvalidAccessCode):
		metrics.JoinAttempts.WithLabelValues("invalid_code").Inc()
		if c.lockout.RecordFailure(projectID, userID) {
			c.logger.Warn("join locked after repeated invalid codes",
				zap.String("project_id", projectID),
				zap.String("user_id", userID),
			)
		}
		return model.RoleNonMember, err
	case errors.Is(err, repo.ErrorNotFound):
		metrics.JoinAttempts.WithLabelValues("not_found").Inc()
		return model.RoleNonMember, err
	default:
		return model.RoleNonMember, fmt.Errorf("join project %s: %w", projectID, err)
	}
}

// Load fetches a project and checks the caller holds at least min on it.
func (c *Controller) Load(ctx context.Context, projectID, userID string, min model.Role) (model.Project, model.Role, error) {
	p, err := c.projects.Get(ctx, projectID)
	if err != nil {
		return model.Project{}, model.RoleNonMember, err
	}
	role, err := Authorize(p, userID, min)
	if err != nil {
		return model.Project{}, role, err
	}
	return p, role, nil
}
