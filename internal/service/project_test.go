package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BuzzLyutic/taskboard-sync/internal/access"
	"github.com/BuzzLyutic/taskboard-sync/internal/auth"
	"github.com/BuzzLyutic/taskboard-sync/internal/model"
	"github.com/BuzzLyutic/taskboard-sync/internal/repo"
	"github.com/BuzzLyutic/taskboard-sync/internal/store"
)

// MockProjectRepository is a testify mock of repo.ProjectRepository.
type MockProjectRepository struct {
	mock.Mock
}

func (m *MockProjectRepository) Create(ctx context.Context, name, adminID string) (model.Project, error) {
	args := m.Called(ctx, name, adminID)
	return args.Get(0).(model.Project), args.Error(1)
}

func (m *MockProjectRepository) Get(ctx context.Context, id string) (model.Project, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(model.Project), args.Error(1)
}

func (m *MockProjectRepository) Update(ctx context.Context, id string, mutate repo.MutateFunc) (model.Project, error) {
	args := m.Called(ctx, id, mutate)
	return args.Get(0).(model.Project), args.Error(1)
}

func (m *MockProjectRepository) AppendTask(ctx context.Context, id, description, assignedTo string) (model.Project, error) {
	args := m.Called(ctx, id, description, assignedTo)
	return args.Get(0).(model.Project), args.Error(1)
}

func (m *MockProjectRepository) UpdateTaskProgress(ctx context.Context, id, taskName string, progress int) (model.Project, error) {
	args := m.Called(ctx, id, taskName, progress)
	return args.Get(0).(model.Project), args.Error(1)
}

func (m *MockProjectRepository) AppendReview(ctx context.Context, id, taskName, text string) (model.Project, error) {
	args := m.Called(ctx, id, taskName, text)
	return args.Get(0).(model.Project), args.Error(1)
}

func (m *MockProjectRepository) SetProgress(ctx context.Context, id string, progress int) (model.Project, error) {
	args := m.Called(ctx, id, progress)
	return args.Get(0).(model.Project), args.Error(1)
}

func (m *MockProjectRepository) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockProjectRepository) ListFor(ctx context.Context, userID string) (model.ProjectList, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(model.ProjectList), args.Error(1)
}

func (m *MockProjectRepository) Subscribe(ctx context.Context, id string) (*store.Subscription, error) {
	args := m.Called(ctx, id)
	sub, _ := args.Get(0).(*store.Subscription)
	return sub, args.Error(1)
}

func sprint() model.Project {
	return model.Project{
		ID:         "p1",
		Name:       "Sprint1",
		Admin:      "alice",
		AccessCode: "code-1",
		Members:    map[string]bool{"alice": true, "bob": true},
		Tasks:      []model.Task{},
		Reviews:    []model.Review{},
		Version:    3,
	}
}

func as(userID string) context.Context {
	return auth.WithIdentity(context.Background(), model.Identity{ID: userID})
}

func newService(m *MockProjectRepository) *ProjectService {
	return NewProjectService(m, access.NewController(m, nil, zap.NewNop()), zap.NewNop())
}

func TestProjectService_RequiresIdentity(t *testing.T) {
	m := new(MockProjectRepository)
	svc := newService(m)
	ctx := context.Background()

	_, err := svc.Create(ctx, "Sprint1")
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)
	_, err = svc.Get(ctx, "p1")
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)
	_, err = svc.List(ctx)
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)
	_, err = svc.Watch(ctx, "p1")
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)

	m.AssertExpectations(t)
}

func TestProjectService_Create(t *testing.T) {
	m := new(MockProjectRepository)
	m.On("Create", mock.Anything, "Sprint1", "alice").Return(sprint(), nil)
	svc := newService(m)

	v, err := svc.Create(as("alice"), "Sprint1")
	require.NoError(t, err)
	assert.Equal(t, model.RoleAdmin, v.Role)
	assert.Equal(t, "code-1", v.Project.AccessCode)
	m.AssertExpectations(t)
}

func TestProjectService_Get(t *testing.T) {
	tests := []struct {
		name     string
		user     string
		wantRole model.Role
		wantCode string
		wantErr  error
	}{
		{name: "admin sees access code", user: "alice", wantRole: model.RoleAdmin, wantCode: "code-1"},
		{name: "member does not", user: "bob", wantRole: model.RoleMember},
		{name: "outsider refused", user: "mallory", wantErr: access.ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := new(MockProjectRepository)
			m.On("Get", mock.Anything, "p1").Return(sprint(), nil)
			svc := newService(m)

			v, err := svc.Get(as(tt.user), "p1")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, v.Project.ID)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantRole, v.Role)
			assert.Equal(t, tt.wantCode, v.Project.AccessCode)
		})
	}
}

func TestProjectService_List(t *testing.T) {
	m := new(MockProjectRepository)
	own := sprint()
	other := sprint()
	other.ID, other.Admin, other.AccessCode = "p2", "carol", "code-2"
	m.On("ListFor", mock.Anything, "alice").Return(model.ProjectList{
		Created: []model.Project{own},
		Joined:  []model.Project{own, other},
	}, nil)
	svc := newService(m)

	list, err := svc.List(as("alice"))
	require.NoError(t, err)
	assert.Equal(t, "code-1", list.Created[0].AccessCode)
	assert.Equal(t, "code-1", list.Joined[0].AccessCode)
	assert.Empty(t, list.Joined[1].AccessCode)
}

func TestProjectService_Mutations(t *testing.T) {
	updated := sprint()
	updated.Version = 4

	tests := []struct {
		name      string
		user      string
		call      func(*ProjectService, context.Context) (ProjectView, error)
		setupMock func(*MockProjectRepository)
		wantErr   error
	}{
		{
			name: "member adds task",
			user: "bob",
			call: func(s *ProjectService, ctx context.Context) (ProjectView, error) {
				return s.AddTask(ctx, "p1", "X", "bob")
			},
			setupMock: func(m *MockProjectRepository) {
				m.On("AppendTask", mock.Anything, "p1", "X", "bob").Return(updated, nil)
			},
		},
		{
			name: "outsider cannot add task",
			user: "mallory",
			call: func(s *ProjectService, ctx context.Context) (ProjectView, error) {
				return s.AddTask(ctx, "p1", "X", "mallory")
			},
			setupMock: func(m *MockProjectRepository) {},
			wantErr:   access.ErrForbidden,
		},
		{
			name: "member updates progress",
			user: "bob",
			call: func(s *ProjectService, ctx context.Context) (ProjectView, error) {
				return s.UpdateTaskProgress(ctx, "p1", "X", 100)
			},
			setupMock: func(m *MockProjectRepository) {
				m.On("UpdateTaskProgress", mock.Anything, "p1", "X", 100).Return(updated, nil)
			},
		},
		{
			name: "admin reviews",
			user: "alice",
			call: func(s *ProjectService, ctx context.Context) (ProjectView, error) {
				return s.AddReview(ctx, "p1", "X", "good")
			},
			setupMock: func(m *MockProjectRepository) {
				m.On("AppendReview", mock.Anything, "p1", "X", "good").Return(updated, nil)
			},
		},
		{
			name: "member cannot review",
			user: "bob",
			call: func(s *ProjectService, ctx context.Context) (ProjectView, error) {
				return s.AddReview(ctx, "p1", "X", "good")
			},
			setupMock: func(m *MockProjectRepository) {},
			wantErr:   access.ErrForbidden,
		},
		{
			name: "member sets project progress",
			user: "bob",
			call: func(s *ProjectService, ctx context.Context) (ProjectView, error) {
				return s.SetProgress(ctx, "p1", 50)
			},
			setupMock: func(m *MockProjectRepository) {
				m.On("SetProgress", mock.Anything, "p1", 50).Return(updated, nil)
			},
		},
		{
			name: "conflict passes through",
			user: "bob",
			call: func(s *ProjectService, ctx context.Context) (ProjectView, error) {
				return s.AddTask(ctx, "p1", "X", "bob")
			},
			setupMock: func(m *MockProjectRepository) {
				m.On("AppendTask", mock.Anything, "p1", "X", "bob").Return(model.Project{}, repo.ErrorConflict)
			},
			wantErr: repo.ErrorConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := new(MockProjectRepository)
			m.On("Get", mock.Anything, "p1").Return(sprint(), nil)
			tt.setupMock(m)
			svc := newService(m)

			v, err := tt.call(svc, as(tt.user))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, int64(4), v.Project.Version)
			}
			m.AssertExpectations(t)
		})
	}
}

func TestProjectService_Delete(t *testing.T) {
	t.Run("admin deletes", func(t *testing.T) {
		m := new(MockProjectRepository)
		m.On("Get", mock.Anything, "p1").Return(sprint(), nil)
		m.On("Delete", mock.Anything, "p1").Return(nil)

		require.NoError(t, newService(m).Delete(as("alice"), "p1"))
		m.AssertExpectations(t)
	})

	t.Run("member cannot", func(t *testing.T) {
		m := new(MockProjectRepository)
		m.On("Get", mock.Anything, "p1").Return(sprint(), nil)

		err := newService(m).Delete(as("bob"), "p1")
		assert.ErrorIs(t, err, access.ErrForbidden)
		m.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
	})

	t.Run("already gone", func(t *testing.T) {
		m := new(MockProjectRepository)
		m.On("Get", mock.Anything, "p1").Return(model.Project{}, repo.ErrorNotFound)

		require.NoError(t, newService(m).Delete(as("alice"), "p1"))
		m.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
	})
}

func TestProjectService_Join(t *testing.T) {
	m := new(MockProjectRepository)
	m.On("Update", mock.Anything, "p1", mock.AnythingOfType("repo.MutateFunc")).
		Run(func(args mock.Arguments) {
			p := sprint()
			mutate := args.Get(2).(repo.MutateFunc)
			require.NoError(t, mutate(&p))
			assert.True(t, p.IsMember("carol"))
		}).
		Return(sprint(), nil)

	role, err := newService(m).Join(as("carol"), "p1", "code-1")
	require.NoError(t, err)
	assert.Equal(t, model.RoleMember, role)
	m.AssertExpectations(t)
}

func TestProjectService_Board(t *testing.T) {
	p := sprint()
	p.Tasks = []model.Task{
		{Description: "X", Status: model.StatusDone, Progress: 100},
		{Description: "Y", Status: model.StatusReady},
	}
	m := new(MockProjectRepository)
	m.On("Get", mock.Anything, "p1").Return(p, nil)

	b, err := newService(m).Board(as("bob"), "p1")
	require.NoError(t, err)
	assert.Equal(t, 50, b.Completion)
	require.Len(t, b.Columns, 4)
	assert.Len(t, b.Columns[0].Tasks, 1)
	assert.Len(t, b.Columns[3].Tasks, 1)
}

func TestProjectService_Watch(t *testing.T) {
	mem := store.NewMemoryStore()
	r := repo.NewProjectRepo(mem, repo.DefaultRetryPolicy(), zap.NewNop())
	svc := NewProjectService(r, access.NewController(r, nil, zap.NewNop()), zap.NewNop())

	created, err := svc.Create(as("alice"), "Sprint1")
	require.NoError(t, err)
	id := created.Project.ID
	_, err = svc.Join(as("bob"), id, created.Project.AccessCode)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(as("bob"))
	defer cancel()
	events, err := svc.Watch(ctx, id)
	require.NoError(t, err)

	next := func() Event {
		t.Helper()
		select {
		case ev, ok := <-events:
			require.True(t, ok)
			return ev
		case <-time.After(2 * time.Second):
			t.Fatal("no event")
			return Event{}
		}
	}

	first := next()
	assert.True(t, first.Exists)
	assert.Equal(t, model.RoleMember, first.View.Role)
	assert.Empty(t, first.View.Project.AccessCode)

	_, err = svc.SetProgress(as("bob"), id, 30)
	require.NoError(t, err)
	assert.Equal(t, 30, next().View.Project.Progress)

	require.NoError(t, svc.Delete(as("alice"), id))
	assert.False(t, next().Exists)

	_, ok := <-events
	assert.False(t, ok, "stream ends after deletion")

	_, err = svc.Watch(as("mallory"), id)
	assert.ErrorIs(t, err, repo.ErrorNotFound)
}

func TestProjectService_WatchEndsWhenMembershipIsLost(t *testing.T) {
	mem := store.NewMemoryStore()
	r := repo.NewProjectRepo(mem, repo.DefaultRetryPolicy(), zap.NewNop())
	svc := NewProjectService(r, access.NewController(r, nil, zap.NewNop()), zap.NewNop())

	created, err := svc.Create(as("alice"), "Sprint1")
	require.NoError(t, err)
	id := created.Project.ID
	_, err = svc.Join(as("bob"), id, created.Project.AccessCode)
	require.NoError(t, err)

	events, err := svc.Watch(as("bob"), id)
	require.NoError(t, err)
	first := <-events
	require.True(t, first.Exists)

	_, err = r.Update(context.Background(), id, func(p *model.Project) error {
		delete(p.Members, "bob")
		return nil
	})
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.False(t, ev.Exists)
		assert.True(t, ev.Forbidden)
		assert.Equal(t, model.RoleNonMember, ev.View.Role)
		assert.Empty(t, ev.View.Project.Tasks)
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
	}
	_, ok := <-events
	assert.False(t, ok)
}
