// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package rtdb

import (
	"context"
	"os"
	"testing"

	"github.com/joeshaw/envdecode"
	"github.com/stretchr/testify/assert"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"

	"github.com/relabs-tech/postbase/core"
	"github.com/relabs-tech/postbase/core/client"
	"github.com/relabs-tech/postbase/core/csql"
	"github.com/relabs-tech/postbase/core/rules"
)

// TestService holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
// and POSTGRES_PASSWORD="docker"
type TestService struct {
	Postgres         string `env:"POSTGRES,required" description:"the connection string for the Postgres DB without password"`
	PostgresPassword string `env:"POSTGRES_PASSWORD,optional" description:"password to the Postgres DB"`
	store            *Store
	notifier         *Notifier
	router           *mux.Router
	client           client.Client
}

var testService TestService

func TestMain(m *testing.M) {
	if err := envdecode.Decode(&testService); err != nil {
		panic(err)
	}

	db := csql.OpenWithSchema(testService.Postgres, testService.PostgresPassword, "_rtdb_unit_test_")
	defer db.Close()
	db.ClearSchema()

	yes := true
	engine := rules.NewEngine(rules.Config{
		PathDefault: &rules.Condition{Allow: &yes},
		Paths: []rules.PathRule{
			{Path: "private/$uid", OperationRules: rules.OperationRules{
				core.OperationRead:  {AuthMatchesParam: "uid"},
				core.OperationWrite: {AuthMatchesParam: "uid"},
			}},
		},
	})

	testService.notifier = NewNotifier()
	testService.store = NewStore(db, testService.notifier)
	testService.router = mux.NewRouter()
	NewRouter(testService.store, engine).HandleRoutes("/rtdb", testService.router)
	NewGateway(testService.notifier, engine).HandleRoute("/rtdb", testService.router)
	testService.client = client.NewWithRouter(testService.router)

	code := m.Run()
	os.Exit(code)
}

type publishEvent struct {
	path     string
	newValue interface{}
	oldValue interface{}
}

type recordingPublisher struct {
	events []publishEvent
}

func (p *recordingPublisher) Publish(path string, newValue, oldValue interface{}) {
	p.events = append(p.events, publishEvent{path, newValue, oldValue})
}

func TestStoreSetGet(t *testing.T) {
	ctx := context.Background()
	s := testService.store

	value := map[string]interface{}{"topic": "go"}
	stored, err := s.Set(ctx, "rooms/r1", value)
	assert.NoError(t, err)
	assert.Equal(t, value, stored)

	got, err := s.Get(ctx, "rooms/r1")
	assert.NoError(t, err)
	assert.Equal(t, "go", got.(map[string]interface{})["topic"])

	node, err := s.GetNode(ctx, "rooms/r1")
	assert.NoError(t, err)
	assert.Equal(t, int64(1), node.Version)
	assert.Equal(t, "r1", node.Key)
	assert.Equal(t, "rooms", node.ParentPath)

	// a replacing set bumps the version
	_, err = s.Set(ctx, "rooms/r1", map[string]interface{}{"topic": "postgres"})
	assert.NoError(t, err)
	node, err = s.GetNode(ctx, "rooms/r1")
	assert.NoError(t, err)
	assert.Equal(t, int64(2), node.Version)
	assert.Equal(t, "postgres", node.Value.(map[string]interface{})["topic"])

	// paths are cleaned, leading and trailing slashes don't matter
	got, err = s.Get(ctx, "/rooms/r1/")
	assert.NoError(t, err)
	assert.NotNil(t, got)

	_, err = s.Get(ctx, "rooms/does-not-exist")
	assert.Equal(t, ErrNotFound, err)
}

func TestStoreScalarValues(t *testing.T) {
	ctx := context.Background()
	s := testService.store

	_, err := s.Set(ctx, "counters/visits", float64(42))
	assert.NoError(t, err)
	got, err := s.Get(ctx, "counters/visits")
	assert.NoError(t, err)
	assert.Equal(t, float64(42), got)
}

func TestStoreMerge(t *testing.T) {
	ctx := context.Background()
	s := testService.store

	_, err := s.Set(ctx, "users/u1", map[string]interface{}{"name": "Alice", "city": "Berlin"})
	assert.NoError(t, err)

	merged, changed, err := s.Merge(ctx, "users/u1", map[string]interface{}{"city": "Hamburg"})
	assert.NoError(t, err)
	assert.True(t, changed)
	result := merged.(map[string]interface{})
	assert.Equal(t, "Alice", result["name"])
	assert.Equal(t, "Hamburg", result["city"])

	node, err := s.GetNode(ctx, "users/u1")
	assert.NoError(t, err)
	assert.Equal(t, int64(2), node.Version)

	// merging the current state again is a no-op
	_, changed, err = s.Merge(ctx, "users/u1", map[string]interface{}{"city": "Hamburg"})
	assert.NoError(t, err)
	assert.False(t, changed)
	node, err = s.GetNode(ctx, "users/u1")
	assert.NoError(t, err)
	assert.Equal(t, int64(2), node.Version, "a no-op merge does not bump the version")

	_, _, err = s.Merge(ctx, "users/does-not-exist", map[string]interface{}{"a": float64(1)})
	assert.Equal(t, ErrNotFound, err)
}

func TestStoreDelete(t *testing.T) {
	ctx := context.Background()
	s := testService.store

	_, err := s.Set(ctx, "items/i1", "a")
	assert.NoError(t, err)
	_, err = s.Set(ctx, "items/i1/details", "b")
	assert.NoError(t, err)
	_, err = s.Set(ctx, "items/i1detached", "c")
	assert.NoError(t, err)

	err = s.Delete(ctx, "items/i1")
	assert.NoError(t, err)

	_, err = s.Get(ctx, "items/i1")
	assert.Equal(t, ErrNotFound, err)
	_, err = s.Get(ctx, "items/i1/details")
	assert.Equal(t, ErrNotFound, err, "delete covers all descendants")
	got, err := s.Get(ctx, "items/i1detached")
	assert.NoError(t, err, "delete does not cover siblings sharing the spelling")
	assert.Equal(t, "c", got)

	// deleting an absent path is not an error
	assert.NoError(t, s.Delete(ctx, "items/never-existed"))
}

func TestStorePush(t *testing.T) {
	ctx := context.Background()
	s := testService.store

	key, path, err := s.Push(ctx, "rooms/r1/messages", map[string]interface{}{"text": "hi"})
	assert.NoError(t, err)
	assert.Len(t, key, 8)
	assert.Equal(t, "rooms/r1/messages/"+key, path)

	got, err := s.Get(ctx, path)
	assert.NoError(t, err)
	assert.Equal(t, "hi", got.(map[string]interface{})["text"])

	// two pushes never collide
	otherKey, _, err := s.Push(ctx, "rooms/r1/messages", "second")
	assert.NoError(t, err)
	assert.NotEqual(t, key, otherKey)

	// a push at the root creates a reachable top-level node
	rootKey, rootPath, err := s.Push(ctx, "/", "top")
	assert.NoError(t, err)
	assert.Equal(t, rootKey, rootPath)
	got, err = s.Get(ctx, rootPath)
	assert.NoError(t, err)
	assert.Equal(t, "top", got)
}

func TestStorePublishesChanges(t *testing.T) {
	if err := envdecode.Decode(&testService); err != nil {
		t.Fatal(err)
	}
	db := csql.OpenWithSchema(testService.Postgres, testService.PostgresPassword, "_rtdb_publish_unit_test_")
	defer db.Close()
	db.ClearSchema()

	publisher := &recordingPublisher{}
	s := NewStore(db, publisher)
	ctx := context.Background()

	_, err := s.Set(ctx, "a/b", map[string]interface{}{"x": float64(1)})
	assert.NoError(t, err)
	assert.Len(t, publisher.events, 1)
	assert.Equal(t, "a/b", publisher.events[0].path)
	assert.Nil(t, publisher.events[0].oldValue, "first set has no previous value")

	// the previous value travels with a replacing set
	_, err = s.Set(ctx, "a/b", map[string]interface{}{"x": float64(2)})
	assert.NoError(t, err)
	assert.Len(t, publisher.events, 2)
	old := publisher.events[1].oldValue.(map[string]interface{})
	assert.Equal(t, float64(1), old["x"])

	// and with a merge
	_, changed, err := s.Merge(ctx, "a/b", map[string]interface{}{"y": float64(3)})
	assert.NoError(t, err)
	assert.True(t, changed)
	assert.Len(t, publisher.events, 3)

	// a no-op merge publishes nothing
	_, changed, err = s.Merge(ctx, "a/b", map[string]interface{}{"y": float64(3)})
	assert.NoError(t, err)
	assert.False(t, changed)
	assert.Len(t, publisher.events, 3)

	// a delete publishes a nil value for the path
	assert.NoError(t, s.Delete(ctx, "a/b"))
	assert.Len(t, publisher.events, 4)
	assert.Equal(t, "a/b", publisher.events[3].path)
	assert.Nil(t, publisher.events[3].newValue)
}
