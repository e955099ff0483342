package persistence

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/fluxrun/pkg/api"
)

// MongoRunStore is a RunStore backed by a MongoDB collection.
//
// Each run is one document keyed by run id. A partial unique index on
// idempotency_key makes CreateOrGet atomic; documents without a key are
// not indexed. session_id and idempotency_key are set on insert only.
type MongoRunStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// Ensure MongoRunStore implements RunStore.
var _ RunStore = (*MongoRunStore)(nil)

type mongoRunDoc struct {
	ID             string `bson:"_id"`
	SessionID      string `bson:"session_id"`
	CompanyName    string `bson:"company_name"`
	Status         string `bson:"status"`
	StateJSON      string `bson:"state_json"`
	IdempotencyKey string `bson:"idempotency_key,omitempty"`
	EventCount     int    `bson:"event_count"`
	CreatedAt      int64  `bson:"created_at"`
	UpdatedAt      int64  `bson:"updated_at"`
}

// NewMongoRunStore creates a Mongo-backed run store and ensures its
// indexes. dbName defaults to "fluxrun" if empty, collName defaults to
// "workflow_runs".
func NewMongoRunStore(ctx context.Context, client *mongo.Client, dbName, collName string) (*MongoRunStore, error) {
	if dbName == "" {
		dbName = "fluxrun"
	}
	if collName == "" {
		collName = "workflow_runs"
	}

	s := &MongoRunStore{
		client: client,
		coll:   client.Database(dbName).Collection(collName),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MongoRunStore) ensureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "idempotency_key", Value: 1}},
			Options: options.Index().
				SetName("uniq_idempotency_key").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"idempotency_key": bson.M{"$exists": true}}),
		},
		{
			Keys:    bson.D{{Key: "session_id", Value: 1}},
			Options: options.Index().SetName("idx_session"),
		},
		{
			Keys:    bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}},
			Options: options.Index().SetName("idx_status_created"),
		},
	})
	if err != nil {
		return fmt.Errorf("mongo: ensure indexes: %w", err)
	}
	return nil
}

func toMongoDoc(run *api.RunState) (mongoRunDoc, error) {
	data, err := EncodeRun(run)
	if err != nil {
		return mongoRunDoc{}, err
	}
	return mongoRunDoc{
		ID:             run.RunID,
		SessionID:      run.SessionID,
		CompanyName:    run.CompanyName,
		Status:         string(run.Status),
		StateJSON:      string(data),
		IdempotencyKey: run.IdempotencyKey,
		EventCount:     run.EventCount(),
		CreatedAt:      run.CreatedAt.UnixNano(),
		UpdatedAt:      run.UpdatedAt.UnixNano(),
	}, nil
}

// mutableFields are the document fields a later Save or Update may change.
func (d mongoRunDoc) mutableFields() bson.M {
	return bson.M{
		"company_name": d.CompanyName,
		"status":       d.Status,
		"state_json":   d.StateJSON,
		"event_count":  d.EventCount,
		"updated_at":   d.UpdatedAt,
	}
}

func (d mongoRunDoc) insertOnlyFields() bson.M {
	m := bson.M{
		"session_id": d.SessionID,
		"created_at": d.CreatedAt,
	}
	if d.IdempotencyKey != "" {
		m["idempotency_key"] = d.IdempotencyKey
	}
	return m
}

// toRun decodes the stored snapshot. The insert-only fields are taken from
// the document.
func (d mongoRunDoc) toRun() (*api.RunState, error) {
	run, err := DecodeRun([]byte(d.StateJSON))
	if err != nil {
		return nil, err
	}
	run.SessionID = d.SessionID
	run.IdempotencyKey = d.IdempotencyKey
	return run, nil
}

func (s *MongoRunStore) wrap(op string, err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateKey
	}
	return fmt.Errorf("mongo: %s: %w", op, err)
}

func (s *MongoRunStore) Save(ctx context.Context, run *api.RunState) error {
	doc, err := toMongoDoc(run)
	if err != nil {
		return err
	}

	update := bson.M{
		"$set":         doc.mutableFields(),
		"$setOnInsert": doc.insertOnlyFields(),
	}
	_, err = s.coll.UpdateOne(ctx, bson.M{"_id": run.RunID}, update, options.Update().SetUpsert(true))
	if err != nil {
		return s.wrap("save run", err)
	}
	return nil
}

func (s *MongoRunStore) CreateOrGet(ctx context.Context, run *api.RunState) (*api.RunState, bool, error) {
	doc, err := toMongoDoc(run)
	if err != nil {
		return nil, false, err
	}

	_, err = s.coll.InsertOne(ctx, doc)
	if err == nil {
		stored, err := cloneRun(run)
		return stored, true, err
	}
	if !mongo.IsDuplicateKeyError(err) {
		return nil, false, s.wrap("create run", err)
	}
	if run.IdempotencyKey == "" {
		return nil, false, ErrDuplicateKey
	}

	stored, err := s.FindByIdempotencyKey(ctx, run.IdempotencyKey)
	if errors.Is(err, ErrRunNotFound) {
		// The collision was on _id, not the key.
		return nil, false, ErrDuplicateKey
	}
	if err != nil {
		return nil, false, err
	}
	return stored, false, nil
}

func (s *MongoRunStore) Update(ctx context.Context, run *api.RunState, expectedEventCount int) error {
	doc, err := toMongoDoc(run)
	if err != nil {
		return err
	}

	filter := bson.M{"_id": run.RunID, "event_count": expectedEventCount}
	res, err := s.coll.UpdateOne(ctx, filter, bson.M{"$set": doc.mutableFields()})
	if err != nil {
		return s.wrap("update run", err)
	}
	if res.MatchedCount == 1 {
		return nil
	}

	n, err := s.coll.CountDocuments(ctx, bson.M{"_id": run.RunID})
	if err != nil {
		return s.wrap("update run", err)
	}
	if n == 0 {
		return ErrRunNotFound
	}
	return ErrConcurrentUpdate
}

func (s *MongoRunStore) Load(ctx context.Context, runID string) (*api.RunState, error) {
	return s.findOne(ctx, "load run", bson.M{"_id": runID})
}

func (s *MongoRunStore) FindByIdempotencyKey(ctx context.Context, key string) (*api.RunState, error) {
	if key == "" {
		return nil, ErrRunNotFound
	}
	return s.findOne(ctx, "find by idempotency key", bson.M{"idempotency_key": key})
}

func (s *MongoRunStore) FindBySession(ctx context.Context, sessionID string) ([]*api.RunState, error) {
	return s.find(ctx, "find by session", bson.M{"session_id": sessionID})
}

func (s *MongoRunStore) ListActive(ctx context.Context) ([]*api.RunState, error) {
	return s.find(ctx, "list active", bson.M{"status": bson.M{"$in": activeStatusStrings()}})
}

func (s *MongoRunStore) ListByStatus(ctx context.Context, status api.RunStatus) ([]*api.RunState, error) {
	return s.find(ctx, "list by status", bson.M{"status": string(status)})
}

func (s *MongoRunStore) ListAll(ctx context.Context) ([]*api.RunState, error) {
	return s.find(ctx, "list all", bson.M{})
}

// Ping verifies the connection to the primary.
func (s *MongoRunStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *MongoRunStore) findOne(ctx context.Context, op string, filter bson.M) (*api.RunState, error) {
	var doc mongoRunDoc
	err := s.coll.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, s.wrap(op, err)
	}
	return doc.toRun()
}

func (s *MongoRunStore) find(ctx context.Context, op string, filter bson.M) ([]*api.RunState, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, s.wrap(op, err)
	}
	defer cur.Close(ctx)

	out := make([]*api.RunState, 0)
	for cur.Next(ctx) {
		var doc mongoRunDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, s.wrap(op, err)
		}
		run, err := doc.toRun()
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	if err := cur.Err(); err != nil {
		return nil, s.wrap(op, err)
	}
	return out, nil
}
