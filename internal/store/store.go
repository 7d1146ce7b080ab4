// Package store is the document store adapter for project aggregates.
//
// Writes are whole-document and conditional on the version the writer read
// (compare-and-swap). There is no unconditional put; a writer holding a stale
// copy gets ErrorConflict.
package store

import (
	"context"
	"errors"

	"github.com/BuzzLyutic/taskboard-sync/internal/model"
)

var (
	ErrorNotFound = errors.New("not found")
	ErrorConflict = errors.New("conflict")
	ErrorClosed   = errors.New("store closed")
)

type Store interface {
	// Get returns the current document or ErrorNotFound.
	Get(ctx context.Context, id string) (model.Project, error)
	// Insert stores a new document at version 1. ErrorConflict if the id is taken.
	Insert(ctx context.Context, p model.Project) (model.Project, error)
	// CompareAndPut replaces the document if its stored version equals
	// expected. The returned copy carries the new version.
	CompareAndPut(ctx context.Context, p model.Project, expected int64) (model.Project, error)
	// Delete removes the document. Deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error
	// Query returns documents matching every non-empty filter field.
	Query(ctx context.Context, filter model.ProjectFilter) ([]model.Project, error)
	// Subscribe delivers the current snapshot and then every later change
	// until the subscription is closed.
	Subscribe(ctx context.Context, id string) (*Subscription, error)
}

func matches(p model.Project, f model.ProjectFilter) bool {
	if f.Admin != "" && p.Admin != f.Admin {
		return false
	}
	if f.Member != "" && !p.IsMember(f.Member) {
		return false
	}
	return f.Admin != "" || f.Member != ""
}
