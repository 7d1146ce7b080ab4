// Package postgres stores project documents as JSONB rows with a version
// column and pushes changes to subscribers through LISTEN/NOTIFY.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/BuzzLyutic/taskboard-sync/internal/model"
	"github.com/BuzzLyutic/taskboard-sync/internal/store"
)

const changesChannel = "project_changes"

type Store struct {
	pool   *pgxpool.Pool
	hub    *store.Hub
	logger *zap.Logger
}

var _ store.Store = (*Store)(nil)

func New(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	return &Store{
		pool:   pool,
		hub:    store.NewHub(),
		logger: logger,
	}
}

func (s *Store) Get(ctx context.Context, id string) (model.Project, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, doc, version, created_at, updated_at
		FROM projects
		WHERE id = $1
	`, id)
	p, err := scanProject(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, store.ErrorNotFound
	}
	if err != nil {
		return p, fmt.Errorf("get project %s: %w", id, err)
	}
	return p, nil
}

func (s *Store) Insert(ctx context.Context, p model.Project) (model.Project, error) {
	doc, err := encode(p)
	if err != nil {
		return p, err
	}
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO projects (id, admin, doc, version)
			VALUES ($1, $2, $3::jsonb, 1)
			RETURNING version, created_at, updated_at
		`, p.ID, p.Admin, doc).Scan(&p.Version, &p.CreatedAt, &p.UpdatedAt)
		if err != nil {
			return err
		}
		return notify(ctx, tx, p.ID)
	})
	return p, mapError(err)
}

func (s *Store) CompareAndPut(ctx context.Context, p model.Project, expected int64) (model.Project, error) {
	doc, err := encode(p)
	if err != nil {
		return p, err
	}
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			UPDATE projects
			SET doc = $2::jsonb, version = version + 1, updated_at = now()
			WHERE id = $1 AND version = $3
			RETURNING version, created_at, updated_at
		`, p.ID, doc, expected).Scan(&p.Version, &p.CreatedAt, &p.UpdatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return s.missOrConflict(ctx, tx, p.ID)
		}
		if err != nil {
			return err
		}
		return notify(ctx, tx, p.ID)
	})
	return p, mapError(err)
}

// missOrConflict tells apart "row is gone" from "row moved to another version".
func (s *Store) missOrConflict(ctx context.Context, tx pgx.Tx, id string) error {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM projects WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return store.ErrorConflict
	}
	return store.ErrorNotFound
}

func (s *Store) Delete(ctx context.Context, id string) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		cmd, err := tx.Exec(ctx, "DELETE FROM projects WHERE id = $1", id)
		if err != nil {
			return err
		}
		if cmd.RowsAffected() == 0 {
			return nil
		}
		return notify(ctx, tx, id)
	})
	if err != nil {
		return fmt.Errorf("delete project %s: %w", id, err)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, f model.ProjectFilter) ([]model.Project, error) {
	projects := make([]model.Project, 0)
	if f.Admin == "" && f.Member == "" {
		return projects, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, doc, version, created_at, updated_at
		FROM projects
		WHERE ($1 = '' OR admin = $1)
		  AND ($2 = '' OR doc -> 'members' ->> $2 = 'true')
		ORDER BY created_at DESC, id
	`, f.Admin, f.Member)
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (s *Store) Subscribe(ctx context.Context, id string) (*store.Subscription, error) {
	sub, prime, err := s.hub.Subscribe(id)
	if err != nil {
		return nil, err
	}
	snap, err := s.snapshot(ctx, id)
	if err != nil {
		sub.Close()
		return nil, err
	}
	prime(snap)
	return sub, nil
}

// Listen keeps a dedicated connection on LISTEN and republishes every
// changed project to its subscribers. It reconnects with backoff and returns
// when ctx is done.
func (s *Store) Listen(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	bctx := backoff.WithContext(b, ctx)

	err := backoff.RetryNotify(func() error {
		err := s.listenOnce(ctx, b)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, bctx, func(err error, wait time.Duration) {
		s.logger.Warn("project listener lost connection", zap.Error(err), zap.Duration("retry_in", wait))
	})
	s.hub.Close()
	return err
}

func (s *Store) listenOnce(ctx context.Context, b backoff.BackOff) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+changesChannel); err != nil {
		return err
	}
	b.Reset()
	s.logger.Info("listening for project changes", zap.String("channel", changesChannel))

	// Anything that changed while we were disconnected.
	for _, id := range s.hub.Watched() {
		s.refresh(ctx, id)
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		s.refresh(ctx, n.Payload)
	}
}

func (s *Store) refresh(ctx context.Context, id string) {
	if s.hub.Subscribers(id) == 0 {
		return
	}
	snap, err := s.snapshot(ctx, id)
	if err != nil {
		s.logger.Error("failed to load changed project", zap.String("project_id", id), zap.Error(err))
		return
	}
	s.hub.Publish(snap)
}

func (s *Store) snapshot(ctx context.Context, id string) (model.Snapshot, error) {
	p, err := s.Get(ctx, id)
	if errors.Is(err, store.ErrorNotFound) {
		return model.Snapshot{ProjectID: id}, nil
	}
	if err != nil {
		return model.Snapshot{}, err
	}
	return model.Snapshot{ProjectID: id, Exists: true, Project: p}, nil
}

func notify(ctx context.Context, tx pgx.Tx, id string) error {
	_, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", changesChannel, id)
	return err
}

func encode(p model.Project) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode project %s: %w", p.ID, err)
	}
	return string(b), nil
}

func scanProject(row pgx.Row) (model.Project, error) {
	var (
		p                    model.Project
		id                   string
		raw                  []byte
		version              int64
		createdAt, updatedAt time.Time
	)
	if err := row.Scan(&id, &raw, &version, &createdAt, &updatedAt); err != nil {
		return p, err
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode project %s: %w", id, err)
	}
	p.ID, p.Version, p.CreatedAt, p.UpdatedAt = id, version, createdAt, updatedAt
	if p.Members == nil {
		p.Members = map[string]bool{}
	}
	return p, nil
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return store.ErrorConflict
	}
	return err
}
