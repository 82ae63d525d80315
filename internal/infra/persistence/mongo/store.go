// Package mongo implements the catalog DocumentStore on MongoDB. Multi-document
// writes run inside client sessions so entity transactions commit atomically.
package mongo

import (
	"catalogcore/pkg/domain"
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

var _ domain.DocumentStore = (*Store)(nil)

// DefaultDatabase is used when the configuration leaves the database unset.
const DefaultDatabase = "catalog"

const counterField = "value"

// Store wraps a MongoDB database.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// Open connects to uri and pings the deployment.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	if database == "" {
		database = DefaultDatabase
	}
	return &Store{client: client, db: client.Database(database)}, nil
}

// Database exposes the underlying database handle.
func (s *Store) Database() *mongo.Database { return s.db }

// Collection returns a handle on the named collection.
func (s *Store) Collection(name string) domain.Collection {
	return &collection{coll: s.db.Collection(name)}
}

// RunInTransaction runs fn inside a session transaction. Calls made with a
// context that already carries a session join it.
func (s *Store) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if mongo.SessionFromContext(ctx) != nil {
		return fn(ctx)
	}
	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer session.EndSession(ctx)
	_, err = session.WithTransaction(ctx, func(txCtx context.Context) (any, error) {
		return nil, fn(txCtx)
	})
	return err
}

// Increment atomically bumps a counter document in the metadata collection.
func (s *Store) Increment(ctx context.Context, counter string, delta int64) (int64, error) {
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)
	var out struct {
		Value int64 `bson:"value"`
	}
	err := s.db.Collection(domain.MetadataCollection).FindOneAndUpdate(ctx,
		bson.M{"_id": counter},
		bson.M{"$inc": bson.M{counterField: delta}},
		opts,
	).Decode(&out)
	if err != nil {
		return 0, fmt.Errorf("increment %s: %w", counter, err)
	}
	return out.Value, nil
}

// EnsureIndexes creates the declared indexes. Existing identical indexes are
// left untouched by the server.
func (s *Store) EnsureIndexes(ctx context.Context, name string, indexes []domain.Index) error {
	if len(indexes) == 0 {
		return nil
	}
	models := make([]mongo.IndexModel, 0, len(indexes))
	for _, idx := range indexes {
		opts := options.Index().SetName(idx.Name)
		if idx.Unique {
			opts.SetUnique(true)
		}
		models = append(models, mongo.IndexModel{Keys: Sort(idx.Keys), Options: opts})
	}
	if _, err := s.db.Collection(name).Indexes().CreateMany(ctx, models); err != nil {
		return fmt.Errorf("create indexes on %s: %w", name, err)
	}
	return nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

type collection struct {
	coll *mongo.Collection
}

func (c *collection) Name() string { return c.coll.Name() }

func (c *collection) Find(ctx context.Context, filter domain.Filter, opts domain.FindOptions) (domain.Cursor, error) {
	q, err := Filter(filter)
	if err != nil {
		return nil, err
	}
	findOpts := options.Find()
	if len(opts.Sort) > 0 {
		findOpts.SetSort(Sort(opts.Sort))
	}
	if p := Projection(opts.Projection); p != nil {
		findOpts.SetProjection(p)
	}
	if opts.Skip > 0 {
		findOpts.SetSkip(opts.Skip)
	}
	if opts.Limit > 0 {
		findOpts.SetLimit(opts.Limit)
	}
	if opts.BatchSize > 0 {
		findOpts.SetBatchSize(opts.BatchSize)
	}
	cur, err := c.coll.Find(ctx, q, findOpts)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", c.coll.Name(), err)
	}
	return &cursor{cur: cur}, nil
}

func (c *collection) Count(ctx context.Context, filter domain.Filter) (int64, error) {
	q, err := Filter(filter)
	if err != nil {
		return 0, err
	}
	n, err := c.coll.CountDocuments(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", c.coll.Name(), err)
	}
	return n, nil
}

func (c *collection) Insert(ctx context.Context, doc domain.Document) error {
	if _, err := c.coll.InsertOne(ctx, bson.M(doc)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("insert %s: %w", c.coll.Name(), domain.ErrDuplicateID)
		}
		return fmt.Errorf("insert %s: %w", c.coll.Name(), err)
	}
	return nil
}

func (c *collection) UpdateMany(ctx context.Context, filter domain.Filter, update domain.Update) (domain.UpdateStats, error) {
	q, err := Filter(filter)
	if err != nil {
		return domain.UpdateStats{}, err
	}
	u, err := Update(update)
	if err != nil {
		return domain.UpdateStats{}, err
	}
	res, err := c.coll.UpdateMany(ctx, q, u)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.UpdateStats{}, fmt.Errorf("update %s: %w", c.coll.Name(), domain.ErrDuplicateID)
		}
		return domain.UpdateStats{}, fmt.Errorf("update %s: %w", c.coll.Name(), err)
	}
	return domain.UpdateStats{Matched: res.MatchedCount, Modified: res.ModifiedCount}, nil
}

func (c *collection) Distinct(ctx context.Context, field string, filter domain.Filter) ([]any, error) {
	q, err := Filter(filter)
	if err != nil {
		return nil, err
	}
	res := c.coll.Distinct(ctx, field, q)
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("distinct %s.%s: %w", c.coll.Name(), field, err)
	}
	var values bson.A
	if err := res.Decode(&values); err != nil {
		return nil, fmt.Errorf("decode distinct %s.%s: %w", c.coll.Name(), field, err)
	}
	return FromBSON(values).([]any), nil
}

type cursor struct {
	cur *mongo.Cursor
	doc domain.Document
	err error
}

func (c *cursor) Next(ctx context.Context) bool {
	if c.err != nil || !c.cur.Next(ctx) {
		return false
	}
	var raw bson.M
	if err := c.cur.Decode(&raw); err != nil {
		c.err = fmt.Errorf("decode document: %w", err)
		return false
	}
	c.doc = domain.Document(FromBSON(raw).(map[string]any))
	return true
}

func (c *cursor) Document() domain.Document { return c.doc }

func (c *cursor) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.cur.Err()
}

func (c *cursor) Close(ctx context.Context) error {
	err := c.cur.Close(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
