package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
)

// Document is a decoded snapshot.
type Document[T any] struct {
	ID         string
	Data       T
	UpdateTime time.Time
}

// QueryBuilder narrows a collection query.
type QueryBuilder func(q firestore.Query) firestore.Query

// Collection is a typed view over one top-level collection. T is encoded and
// decoded with its firestore struct tags.
type Collection[T any] struct {
	provider *Provider
	name     string
}

func NewCollection[T any](provider *Provider, name string) *Collection[T] {
	return &Collection[T]{provider: provider, name: strings.TrimSpace(name)}
}

// Create fails with a conflict when id already exists.
func (c *Collection[T]) Create(ctx context.Context, id string, value T) error {
	ref, err := c.Ref(ctx, id)
	if err != nil {
		return err
	}
	_, err = ref.Create(ctx, value)
	return c.wrap("create", err)
}

func (c *Collection[T]) Set(ctx context.Context, id string, value T) error {
	ref, err := c.Ref(ctx, id)
	if err != nil {
		return err
	}
	_, err = ref.Set(ctx, value)
	return c.wrap("set", err)
}

// Update fails with not found when id is missing.
func (c *Collection[T]) Update(ctx context.Context, id string, updates []firestore.Update) error {
	ref, err := c.Ref(ctx, id)
	if err != nil {
		return err
	}
	_, err = ref.Update(ctx, updates)
	return c.wrap("update", err)
}

// Delete reports a missing document only when mustExist is set.
func (c *Collection[T]) Delete(ctx context.Context, id string, mustExist bool) error {
	ref, err := c.Ref(ctx, id)
	if err != nil {
		return err
	}
	var preconds []firestore.Precondition
	if mustExist {
		preconds = append(preconds, firestore.Exists)
	}
	_, err = ref.Delete(ctx, preconds...)
	return c.wrap("delete", err)
}

func (c *Collection[T]) Get(ctx context.Context, id string) (Document[T], error) {
	ref, err := c.Ref(ctx, id)
	if err != nil {
		return Document[T]{}, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		return Document[T]{}, c.wrap("get", err)
	}
	return c.decode(snap)
}

// List returns every document matched by build, or the whole collection.
func (c *Collection[T]) List(ctx context.Context, build QueryBuilder) ([]Document[T], error) {
	snaps, err := c.snapshots(ctx, build, 0)
	if err != nil {
		return nil, err
	}
	docs := make([]Document[T], 0, len(snaps))
	for _, snap := range snaps {
		doc, err := c.decode(snap)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// DeleteWhere deletes at most limit matching documents through a bulk writer
// and returns how many went.
func (c *Collection[T]) DeleteWhere(ctx context.Context, build QueryBuilder, limit int) (int, error) {
	snaps, err := c.snapshots(ctx, build, limit)
	if err != nil || len(snaps) == 0 {
		return 0, err
	}
	client, err := c.provider.Client(ctx)
	if err != nil {
		return 0, err
	}

	writer := client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(snaps))
	for _, snap := range snaps {
		job, err := writer.Delete(snap.Ref)
		if err != nil {
			writer.End()
			return 0, c.wrap("delete_where", err)
		}
		jobs = append(jobs, job)
	}
	writer.End()

	deleted := 0
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			return deleted, c.wrap("delete_where", err)
		}
		deleted++
	}
	return deleted, nil
}

// Ref is for transactional callers.
func (c *Collection[T]) Ref(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	if strings.TrimSpace(id) == "" {
		return nil, c.wrap("ref", errors.New("firestore: document id is required"))
	}
	coll, err := c.collection(ctx)
	if err != nil {
		return nil, err
	}
	return coll.Doc(id), nil
}

func (c *Collection[T]) snapshots(ctx context.Context, build QueryBuilder, limit int) ([]*firestore.DocumentSnapshot, error) {
	coll, err := c.collection(ctx)
	if err != nil {
		return nil, err
	}
	q := coll.Query
	if build != nil {
		q = build(q)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	snaps, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, c.wrap("query", err)
	}
	return snaps, nil
}

func (c *Collection[T]) collection(ctx context.Context) (*firestore.CollectionRef, error) {
	if c.provider == nil || c.name == "" {
		return nil, c.wrap("collection", errors.New("firestore: provider and collection name are required"))
	}
	client, err := c.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(c.name), nil
}

func (c *Collection[T]) decode(snap *firestore.DocumentSnapshot) (Document[T], error) {
	var data T
	if err := snap.DataTo(&data); err != nil {
		return Document[T]{}, c.wrap("decode", err)
	}
	return Document[T]{ID: snap.Ref.ID, Data: data, UpdateTime: snap.UpdateTime}, nil
}

func (c *Collection[T]) wrap(action string, err error) error {
	if err == nil {
		return nil
	}
	return WrapError(c.name+"."+action, err)
}
