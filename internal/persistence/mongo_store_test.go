package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/fluxrun/internal/testutil"
)

const (
	mongoTestDB   = "fluxrun_test"
	mongoTestColl = "workflow_runs"
)

type MongoStoreTestSuite struct {
	suite.Suite
	client *mongo.Client
}

func TestMongoTestSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping MongoDB container tests in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(testutil.GetMongoURI(t)))
	if err != nil {
		t.Fatalf("mongo connect failed: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Disconnect(context.Background())
	})
	if err := client.Ping(ctx, nil); err != nil {
		t.Fatalf("mongo ping failed: %v", err)
	}

	suite.Run(t, &MongoStoreTestSuite{client: client})
}

// freshStore drops the test collection and recreates the store with its
// indexes.
func (m *MongoStoreTestSuite) freshStore() *MongoRunStore {
	ctx := context.Background()
	err := m.client.Database(mongoTestDB).Collection(mongoTestColl).Drop(ctx)
	m.Require().NoError(err)

	store, err := NewMongoRunStore(ctx, m.client, mongoTestDB, mongoTestColl)
	m.Require().NoError(err)
	return store
}

func (m *MongoStoreTestSuite) TestConformance() {
	runStoreConformance(m.T(), func(t *testing.T) RunStore {
		return m.freshStore()
	})
}

func (m *MongoStoreTestSuite) TestPingAndDefaults() {
	ctx := context.Background()
	store, err := NewMongoRunStore(ctx, m.client, "", "")
	m.Require().NoError(err)
	m.NoError(store.Ping(ctx))
	m.Equal("fluxrun", store.coll.Database().Name())
	m.Equal("workflow_runs", store.coll.Name())
}
