// Package reconciler keeps a client's local copy of one project in step with
// the pushed snapshots. Every snapshot replaces the local copy outright;
// optimistic edits live only until the next snapshot or a failed write.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/BuzzLyutic/taskboard-sync/internal/access"
	"github.com/BuzzLyutic/taskboard-sync/internal/model"
	"github.com/BuzzLyutic/taskboard-sync/internal/store"
	"github.com/BuzzLyutic/taskboard-sync/internal/worker"
)

var (
	ErrNotSubscribed = errors.New("not subscribed")
	ErrNoProject     = errors.New("no project loaded")
	ErrStreamEnded   = errors.New("snapshot stream ended")
)

// Source delivers snapshots of a project. store.Store and the HTTP client
// both satisfy it.
type Source interface {
	Subscribe(ctx context.Context, projectID string) (*store.Subscription, error)
}

// View is what the local client may show. Project is empty whenever Err is set.
type View struct {
	ProjectID string
	Project   model.Project
	Role      model.Role
	Loaded    bool
	Pending   int
	Err       error
	WriteErr  error
}

type Reconciler struct {
	source Source
	pool   *worker.Pool
	userID string
	logger *zap.Logger

	mu            sync.Mutex
	projectID     string
	authoritative model.Project
	local         model.Project
	role          model.Role
	loaded        bool
	pending       int
	err           error
	writeErr      error
	active        bool

	sub     *store.Subscription
	cancel  context.CancelFunc
	done    chan struct{}
	updates chan struct{}
}

func New(source Source, pool *worker.Pool, userID string, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		source:  source,
		pool:    pool,
		userID:  userID,
		logger:  logger,
		updates: make(chan struct{}, 1),
	}
}

// Updates signals that Current may have changed. Signals coalesce.
func (r *Reconciler) Updates() <-chan struct{} {
	return r.updates
}

func (r *Reconciler) signal() {
	select {
	case r.updates <- struct{}{}:
	default:
	}
}

// Subscribe starts following projectID. A reconciler follows one project at
// a time; call Unsubscribe before switching.
func (r *Reconciler) Subscribe(ctx context.Context, projectID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		return fmt.Errorf("already subscribed to %s", r.projectID)
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub, err := r.source.Subscribe(subCtx, projectID)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe to %s: %w", projectID, err)
	}

	r.projectID = projectID
	r.authoritative, r.local = model.Project{}, model.Project{}
	r.role, r.loaded, r.err, r.writeErr = model.RoleNonMember, false, nil, nil
	r.active = true
	r.sub, r.cancel = sub, cancel
	r.done = make(chan struct{})

	go r.loop(sub, r.done)
	r.logger.Debug("subscribed", zap.String("project_id", projectID))
	return nil
}

func (r *Reconciler) loop(sub *store.Subscription, done chan struct{}) {
	defer close(done)
	for snap := range sub.C {
		r.apply(snap)
	}
	r.mu.Lock()
	if r.active && r.err == nil {
		r.clear(ErrStreamEnded)
	}
	r.mu.Unlock()
	r.signal()
}

func (r *Reconciler) apply(snap model.Snapshot) {
	r.mu.Lock()
	if !r.active || snap.ProjectID != r.projectID {
		r.mu.Unlock()
		return
	}
	r.loaded = true
	switch {
	case !snap.Exists:
		r.clear(store.ErrorNotFound)
	case access.RoleOf(snap.Project, r.userID) == model.RoleNonMember:
		r.clear(fmt.Errorf("%w: not a member of %s", access.ErrForbidden, snap.ProjectID))
	default:
		r.role = access.RoleOf(snap.Project, r.userID)
		r.authoritative = access.Redact(snap.Project, r.role)
		r.local = r.authoritative.Clone()
		r.err = nil
	}
	r.mu.Unlock()
	r.signal()
}

func (r *Reconciler) clear(err error) {
	r.authoritative, r.local = model.Project{}, model.Project{}
	r.role = model.RoleNonMember
	r.err = err
}

// Unsubscribe stops delivery. Once it returns no further snapshot reaches
// the view. Writes already submitted keep running. Calling it again, or
// without a subscription, does nothing.
func (r *Reconciler) Unsubscribe() {
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return
	}
	r.active = false
	sub, cancel, done, id := r.sub, r.cancel, r.done, r.projectID
	r.sub, r.cancel = nil, nil
	r.mu.Unlock()

	sub.Close()
	cancel()
	<-done
	r.logger.Debug("unsubscribed", zap.String("project_id", id))
}

func (r *Reconciler) Current() View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return View{
		ProjectID: r.projectID,
		Project:   r.local.Clone(),
		Role:      r.role,
		Loaded:    r.loaded,
		Pending:   r.pending,
		Err:       r.err,
		WriteErr:  r.writeErr,
	}
}

// Mutate shows optimistic on the local copy at once and hands write to the
// worker pool. If write fails the local copy falls back to the last
// snapshot. Either way the next snapshot wins.
func (r *Reconciler) Mutate(ctx context.Context, name string, optimistic func(p *model.Project), write func(ctx context.Context) error) error {
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return ErrNotSubscribed
	}
	if r.err != nil {
		err := r.err
		r.mu.Unlock()
		return err
	}
	if !r.loaded {
		r.mu.Unlock()
		return ErrNoProject
	}
	if optimistic != nil {
		next := r.local.Clone()
		optimistic(&next)
		r.local = next
	}
	r.pending++
	projectID := r.projectID
	r.mu.Unlock()
	r.signal()

	err := r.pool.Submit(ctx, worker.Job{
		Name: name,
		Run:  write,
		Done: func(err error) { r.finish(projectID, err) },
	})
	if err != nil {
		r.finish(projectID, err)
		return err
	}
	return nil
}

func (r *Reconciler) finish(projectID string, err error) {
	r.mu.Lock()
	r.pending--
	if err != nil {
		r.writeErr = err
		if r.projectID == projectID && r.err == nil {
			r.local = r.authoritative.Clone()
		}
	}
	r.mu.Unlock()
	if err != nil {
		r.logger.Warn("write failed, local view reverted", zap.String("project_id", projectID), zap.Error(err))
	}
	r.signal()
}
