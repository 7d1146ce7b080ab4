// Package mongo keeps each project as one document in a MongoDB collection
// and turns the collection's change stream into snapshot pushes.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/BuzzLyutic/taskboard-sync/internal/model"
	"github.com/BuzzLyutic/taskboard-sync/internal/store"
)

const collectionName = "projects"

type Store struct {
	coll   *mongo.Collection
	hub    *store.Hub
	logger *zap.Logger
	now    func() time.Time
}

var _ store.Store = (*Store)(nil)

func New(db *mongo.Database, logger *zap.Logger) *Store {
	return &Store{
		coll:   db.Collection(collectionName),
		hub:    store.NewHub(),
		logger: logger,
		now:    time.Now,
	}
}

// EnsureIndexes creates the lookup index used by "projects I created".
// Membership queries filter on members.<uid>, which a wildcard index covers.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "admin", Value: 1}}},
		{Keys: bson.D{{Key: "members.$**", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create project indexes: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (model.Project, error) {
	var p model.Project
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return p, store.ErrorNotFound
	}
	if err != nil {
		return p, fmt.Errorf("get project %s: %w", id, err)
	}
	return normalize(p), nil
}

func (s *Store) Insert(ctx context.Context, p model.Project) (model.Project, error) {
	now := s.now().UTC().Truncate(time.Millisecond)
	p = p.Clone()
	p.Version = 1
	p.CreatedAt, p.UpdatedAt = now, now

	if _, err := s.coll.InsertOne(ctx, p); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return model.Project{}, store.ErrorConflict
		}
		return model.Project{}, fmt.Errorf("insert project %s: %w", p.ID, err)
	}
	return p, nil
}

func (s *Store) CompareAndPut(ctx context.Context, p model.Project, expected int64) (model.Project, error) {
	next := p.Clone()
	next.Version = expected + 1
	next.UpdatedAt = s.now().UTC().Truncate(time.Millisecond)

	var saved model.Project
	err := s.coll.FindOneAndReplace(ctx,
		bson.M{"_id": p.ID, "version": expected},
		next,
		options.FindOneAndReplace().SetReturnDocument(options.After),
	).Decode(&saved)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if _, getErr := s.Get(ctx, p.ID); errors.Is(getErr, store.ErrorNotFound) {
			return model.Project{}, store.ErrorNotFound
		}
		return model.Project{}, store.ErrorConflict
	}
	if err != nil {
		return model.Project{}, fmt.Errorf("replace project %s: %w", p.ID, err)
	}
	return normalize(saved), nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.coll.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("delete project %s: %w", id, err)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, f model.ProjectFilter) ([]model.Project, error) {
	projects := make([]model.Project, 0)
	filter := bson.M{}
	if f.Admin != "" {
		filter["admin"] = f.Admin
	}
	if f.Member != "" {
		for k, v := range memberFilter(f.Member) {
			filter[k] = v
		}
	}
	if len(filter) == 0 {
		return projects, nil
	}

	cursor, err := s.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	defer cursor.Close(ctx)

	if err := cursor.All(ctx, &projects); err != nil {
		return nil, fmt.Errorf("decode projects: %w", err)
	}
	for i := range projects {
		projects[i] = normalize(projects[i])
	}
	return projects, nil
}

// memberFilter matches documents whose members map holds userID as true.
// Ids that a dotted path cannot express, those with a dot or a leading $,
// are looked up with $getField on a literal name instead; that form cannot
// use the members index.
func memberFilter(userID string) bson.M {
	if !strings.Contains(userID, ".") && !strings.HasPrefix(userID, "$") {
		return bson.M{"members." + userID: true}
	}
	return bson.M{"$expr": bson.M{"$eq": bson.A{
		bson.M{"$getField": bson.M{"field": bson.M{"$literal": userID}, "input": "$members"}},
		true,
	}}}
}

func (s *Store) Subscribe(ctx context.Context, id string) (*store.Subscription, error) {
	sub, prime, err := s.hub.Subscribe(id)
	if err != nil {
		return nil, err
	}
	p, err := s.Get(ctx, id)
	switch {
	case err == nil:
		prime(model.Snapshot{ProjectID: id, Exists: true, Project: p})
	case errors.Is(err, store.ErrorNotFound):
		prime(model.Snapshot{ProjectID: id})
	default:
		sub.Close()
		return nil, err
	}
	return sub, nil
}

type documentKey struct {
	ID string `bson:"_id"`
}

type changeEvent struct {
	OperationType string         `bson:"operationType"`
	DocumentKey   documentKey    `bson:"documentKey"`
	FullDocument  *model.Project `bson:"fullDocument"`
}

// Watch follows the collection's change stream and publishes each change to
// the project's subscribers. It resumes after the last seen event when the
// stream breaks and returns when ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	var resumeToken bson.Raw

	err := backoff.RetryNotify(func() error {
		opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
		if resumeToken != nil {
			opts.SetResumeAfter(resumeToken)
		}
		cs, err := s.coll.Watch(ctx, mongo.Pipeline{}, opts)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer cs.Close(context.Background())
		b.Reset()
		s.logger.Info("watching project changes", zap.String("collection", collectionName))

		if resumeToken == nil {
			// No position to resume from; reload whatever is being watched.
			for _, id := range s.hub.Watched() {
				s.refresh(ctx, id)
			}
		}

		for cs.Next(ctx) {
			var ev changeEvent
			if err := cs.Decode(&ev); err != nil {
				s.logger.Error("failed to decode change event", zap.Error(err))
				continue
			}
			resumeToken = cs.ResumeToken()
			s.publish(ev)
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return cs.Err()
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		s.logger.Warn("project change stream interrupted", zap.Error(err), zap.Duration("retry_in", wait))
	})
	s.hub.Close()
	return err
}

func (s *Store) publish(ev changeEvent) {
	id := ev.DocumentKey.ID
	switch ev.OperationType {
	case "delete":
		s.hub.Publish(model.Snapshot{ProjectID: id})
	case "insert", "update", "replace":
		if ev.FullDocument == nil {
			// Deleted before the update lookup ran; the delete event follows.
			return
		}
		s.hub.Publish(model.Snapshot{ProjectID: id, Exists: true, Project: normalize(*ev.FullDocument)})
	}
}

func (s *Store) refresh(ctx context.Context, id string) {
	p, err := s.Get(ctx, id)
	switch {
	case err == nil:
		s.hub.Publish(model.Snapshot{ProjectID: id, Exists: true, Project: p})
	case errors.Is(err, store.ErrorNotFound):
		s.hub.Publish(model.Snapshot{ProjectID: id})
	default:
		s.logger.Error("failed to load watched project", zap.String("project_id", id), zap.Error(err))
	}
}

func normalize(p model.Project) model.Project {
	if p.Members == nil {
		p.Members = map[string]bool{}
	}
	if p.Tasks == nil {
		p.Tasks = []model.Task{}
	}
	if p.Reviews == nil {
		p.Reviews = []model.Review{}
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p
}
