package access

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BuzzLyutic/taskboard-sync/internal/model"
	"github.com/BuzzLyutic/taskboard-sync/internal/repo"
	"github.com/BuzzLyutic/taskboard-sync/internal/store"
)

func project() model.Project {
	return model.Project{
		ID:         "p1",
		Admin:      "alice",
		AccessCode: "code-1",
		Members:    map[string]bool{"alice": true, "bob": true, "eve": false},
	}
}

func TestRoleOf(t *testing.T) {
	p := project()
	tests := []struct {
		user string
		want model.Role
	}{
		{"alice", model.RoleAdmin},
		{"bob", model.RoleMember},
		{"eve", model.RoleNonMember},
		{"mallory", model.RoleNonMember},
		{"", model.RoleNonMember},
	}
	for _, tt := range tests {
		t.Run(tt.user, func(t *testing.T) {
			assert.Equal(t, tt.want, RoleOf(p, tt.user))
		})
	}
}

func TestAuthorize(t *testing.T) {
	p := project()
	tests := []struct {
		name    string
		user    string
		min     model.Role
		wantErr bool
	}{
		{"admin for admin op", "alice", model.RoleAdmin, false},
		{"member for member op", "bob", model.RoleMember, false},
		{"member for admin op", "bob", model.RoleAdmin, true},
		{"outsider for member op", "mallory", model.RoleMember, true},
		{"outsider even with no minimum", "mallory", model.RoleNonMember, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Authorize(p, tt.user, tt.min)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrForbidden)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRedact(t *testing.T) {
	p := project()
	assert.Equal(t, "code-1", Redact(p, model.RoleAdmin).AccessCode)
	assert.Empty(t, Redact(p, model.RoleMember).AccessCode)
	assert.Equal(t, "code-1", p.AccessCode, "original must not be modified")
}

func TestVerifyCode(t *testing.T) {
	p := project()
	assert.True(t, VerifyCode(p, "code-1"))
	assert.False(t, VerifyCode(p, "code-2"))
	assert.False(t, VerifyCode(p, ""))
	p.AccessCode = ""
	assert.False(t, VerifyCode(p, ""))
}

func TestLockout(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	l := NewLockout(3, time.Minute)
	l.now = func() time.Time { return now }

	assert.False(t, l.RecordFailure("p1", "bob"))
	assert.False(t, l.RecordFailure("p1", "bob"))
	assert.Zero(t, l.Locked("p1", "bob"))
	assert.True(t, l.RecordFailure("p1", "bob"))
	assert.Equal(t, time.Minute, l.Locked("p1", "bob"))
	assert.Zero(t, l.Locked("p1", "carol"), "other users are unaffected")

	now = now.Add(61 * time.Second)
	assert.Zero(t, l.Locked("p1", "bob"))
	assert.False(t, l.RecordFailure("p1", "bob"), "expired lock starts a fresh count")

	l.RecordSuccess("p1", "bob")
	assert.False(t, l.RecordFailure("p1", "bob"))
	assert.False(t, l.RecordFailure("p1", "bob"))
}

func TestLockout_ForgetsExpiredEntries(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	l := NewLockout(2, time.Minute)
	l.now = func() time.Time { return now }

	for i := 0; i < 100; i++ {
		l.RecordFailure(fmt.Sprintf("p%d", i), "bob")
	}
	assert.True(t, l.RecordFailure("p0", "bob"))
	assert.Len(t, l.data, 100)

	// Past the cooldown nothing is locked and nothing is kept.
	now = now.Add(2 * time.Minute)
	assert.False(t, l.RecordFailure("p1", "carol"))
	assert.Len(t, l.data, 1)

	now = now.Add(2 * time.Minute)
	assert.Zero(t, l.Locked("p1", "carol"))
	assert.Empty(t, l.data)
}

func TestLockout_StaleFailuresDoNotCount(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	l := NewLockout(2, time.Minute)
	l.now = func() time.Time { return now }

	assert.False(t, l.RecordFailure("p1", "bob"))
	now = now.Add(time.Minute)
	assert.False(t, l.RecordFailure("p1", "bob"), "a failure one cooldown old is forgotten")
	assert.True(t, l.RecordFailure("p1", "bob"))
}

func TestLockout_Disabled(t *testing.T) {
	l := NewLockout(0, 0)
	for i := 0; i < 10; i++ {
		assert.False(t, l.RecordFailure("p1", "bob"))
	}
	assert.Zero(t, l.Locked("p1", "bob"))
}

func newController(t *testing.T, lockout *Lockout) (*Controller, repo.ProjectRepository, model.Project) {
	t.Helper()
	projects := repo.NewProjectRepo(store.NewMemoryStore(), repo.DefaultRetryPolicy(), zap.NewNop())
	p, err := projects.Create(context.Background(), "Sprint1", "alice")
	require.NoError(t, err)
	return NewController(projects, lockout, zap.NewNop()), projects, p
}

func TestController_Join(t *testing.T) {
	ctx := context.Background()

	t.Run("adds member", func(t *testing.T) {
		c, projects, p := newController(t, nil)

		role, err := c.Join(ctx, p.ID, p.AccessCode, "bob")
		require.NoError(t, err)
		assert.Equal(t, model.RoleMember, role)

		got, err := projects.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.True(t, got.IsMember("bob"))
		assert.Equal(t, p.Version+1, got.Version)
	})

	t.Run("idempotent", func(t *testing.T) {
		c, projects, p := newController(t, nil)

		_, err := c.Join(ctx, p.ID, p.AccessCode, "bob")
		require.NoError(t, err)
		before, err := projects.Get(ctx, p.ID)
		require.NoError(t, err)

		role, err := c.Join(ctx, p.ID, p.AccessCode, "bob")
		require.NoError(t, err)
		assert.Equal(t, model.RoleMember, role)

		after, err := projects.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, before.Version, after.Version)
	})

	t.Run("admin join keeps admin role", func(t *testing.T) {
		c, _, p := newController(t, nil)

		role, err := c.Join(ctx, p.ID, p.AccessCode, "alice")
		require.NoError(t, err)
		assert.Equal(t, model.RoleAdmin, role)
	})

	t.Run("wrong code never mutates", func(t *testing.T) {
		c, projects, p := newController(t, nil)

		_, err := c.Join(ctx, p.ID, "wrong", "bob")
		assert.ErrorIs(t, err, ErrInvalidAccessCode)

		got, err := projects.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.False(t, got.IsMember("bob"))
		assert.Equal(t, p.Version, got.Version)
	})

	t.Run("missing project", func(t *testing.T) {
		c, _, _ := newController(t, nil)

		_, err := c.Join(ctx, "missing", "whatever", "bob")
		assert.ErrorIs(t, err, repo.ErrorNotFound)
	})

	t.Run("locks after repeated wrong codes", func(t *testing.T) {
		c, projects, p := newController(t, NewLockout(2, time.Minute))

		for i := 0; i < 2; i++ {
			_, err := c.Join(ctx, p.ID, "wrong", "bob")
			assert.ErrorIs(t, err, ErrInvalidAccessCode)
		}

		_, err := c.Join(ctx, p.ID, p.AccessCode, "bob")
		assert.ErrorIs(t, err, ErrTooManyAttempts)
		var locked *LockedError
		require.ErrorAs(t, err, &locked)
		assert.Greater(t, locked.RetryAfter, time.Duration(0))

		got, err := projects.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.False(t, got.IsMember("bob"))
	})
}

func TestController_Load(t *testing.T) {
	ctx := context.Background()
	c, _, p := newController(t, nil)

	_, role, err := c.Load(ctx, p.ID, "alice", model.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, model.RoleAdmin, role)

	got, _, err := c.Load(ctx, p.ID, "mallory", model.RoleMember)
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Empty(t, got.ID, "refused callers get no project data")

	_, _, err = c.Load(ctx, "missing", "alice", model.RoleMember)
	assert.ErrorIs(t, err, repo.ErrorNotFound)
}

func TestController_Sprint1Walkthrough(t *testing.T) {
	ctx := context.Background()
	projects := repo.NewProjectRepo(store.NewMemoryStore(), repo.DefaultRetryPolicy(), zap.NewNop())
	c := NewController(projects, nil, zap.NewNop())

	p, err := projects.Create(ctx, "Sprint1", "u1")
	require.NoError(t, err)
	assert.NotEmpty(t, p.AccessCode)
	assert.Equal(t, map[string]bool{"u1": true}, p.Members)
	assert.Empty(t, p.Tasks)

	_, err = c.Join(ctx, p.ID, "wrong", "u2")
	assert.ErrorIs(t, err, ErrInvalidAccessCode)
	got, err := projects.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Version, got.Version)

	role, err := c.Join(ctx, p.ID, p.AccessCode, "u2")
	require.NoError(t, err)
	assert.Equal(t, model.RoleMember, role)

	got, err = projects.AppendTask(ctx, p.ID, "Build API", "u2")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"u1": true, "u2": true}, got.Members)
	require.Len(t, got.Tasks, 1)
	assert.Equal(t, model.StatusReady, got.Tasks[0].Status)
	assert.Zero(t, got.Tasks[0].Progress)

	got, err = projects.UpdateTaskProgress(ctx, p.ID, "Build API", 50)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, got.Tasks[0].Status)

	got, err = projects.UpdateTaskProgress(ctx, p.ID, "Build API", 100)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDone, got.Tasks[0].Status)

	got, err = projects.AppendReview(ctx, p.ID, "Build API", "LGTM")
	require.NoError(t, err)
	require.Len(t, got.Reviews, 1)
	assert.Equal(t, got.Tasks[0].ID, got.Reviews[0].TaskID)
}
