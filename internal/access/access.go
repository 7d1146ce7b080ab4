// Package access derives a caller's role on a project and gates joins and
// privileged operations on it.
package access

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/BuzzLyutic/taskboard-sync/internal/model"
)

var (
	ErrInvalidAccessCode = errors.New("invalid access code")
	ErrTooManyAttempts   = errors.New("too many failed join attempts")
	ErrForbidden         = errors.New("forbidden")
)

// LockedError reports a locked (project, user) pair and when it unlocks.
type LockedError struct {
	RetryAfter time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("%s: retry in %s", ErrTooManyAttempts, e.RetryAfter.Round(time.Second))
}

func (e *LockedError) Is(target error) bool {
	return target == ErrTooManyAttempts
}

// RoleOf is total: every (project, user) pair maps to exactly one role.
func RoleOf(p model.Project, userID string) model.Role {
	switch {
	case userID == "":
		return model.RoleNonMember
	case p.Admin == userID:
		return model.RoleAdmin
	case p.IsMember(userID):
		return model.RoleMember
	default:
		return model.RoleNonMember
	}
}

// Authorize fails unless the user's role on p is at least min. Non-members
// are always refused, whatever min is.
func Authorize(p model.Project, userID string, min model.Role) (model.Role, error) {
	role := RoleOf(p, userID)
	if role == model.RoleNonMember || role < min {
		return role, fmt.Errorf("%w: %s on project %s requires %s", ErrForbidden, role, p.ID, min)
	}
	return role, nil
}

// Redact strips what the role may not see. Only the admin sees the access code.
func Redact(p model.Project, role model.Role) model.Project {
	if role != model.RoleAdmin {
		p.AccessCode = ""
	}
	return p
}

func VerifyCode(p model.Project, supplied string) bool {
	if supplied == "" || p.AccessCode == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(p.AccessCode), []byte(supplied)) == 1
}
