// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package rtdb implements the realtime tree: a path-addressed
hierarchical store over postgres together with its change notifier,
the websocket gateway and the REST router.

Nodes live in a single table keyed by their slash-delimited path. A
write to one path is serialized by the database's atomic
upsert-with-version-increment; there is no application level locking
on the store.
*/
package rtdb

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"reflect"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/postbase/core"
	"github.com/relabs-tech/postbase/core/csql"
)

// ErrNotFound is returned when no node exists at the requested path.
var ErrNotFound = errors.New("node not found")

// Publisher receives change events from the store. The notifier
// implements it; oldValue is nil when no previous value is known.
type Publisher interface {
	Publish(path string, newValue, oldValue interface{})
}

// Node is one entry of the tree.
type Node struct {
	Path       string      `json:"path"`
	ParentPath string      `json:"parent_path,omitempty"`
	Key        string      `json:"key"`
	Value      interface{} `json:"value"`
	Version    int64       `json:"version"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// Store is the durable path store.
type Store struct {
	db        *csql.DB
	publisher Publisher

	getQuery    string
	setQuery    string
	mergeQuery  string
	deleteQuery string
	insertQuery string
}

// NewStore creates the rtdb_nodes relation if it does not exist and
// returns the store. Change events go to the publisher; a nil
// publisher disables notification.
func NewStore(db *csql.DB, publisher Publisher) *Store {
	schema := db.Schema
	_, err := db.Exec(`CREATE table IF NOT EXISTS ` + schema + `."rtdb_nodes"
(path TEXT NOT NULL PRIMARY KEY,
parent_path TEXT,
key TEXT NOT NULL,
value JSONB NOT NULL,
version BIGINT NOT NULL DEFAULT 1,
updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE index IF NOT EXISTS rtdb_nodes_parent_idx ON ` + schema + `."rtdb_nodes"(parent_path);
CREATE index IF NOT EXISTS rtdb_nodes_path_prefix_idx ON ` + schema + `."rtdb_nodes"(path text_pattern_ops);
`)
	if err != nil {
		panic(err)
	}

	s := &Store{
		db:        db,
		publisher: publisher,
	}
	s.getQuery = `SELECT value, version, updated_at FROM ` + schema + `."rtdb_nodes" WHERE path = $1;`
	s.setQuery = `INSERT INTO ` + schema + `."rtdb_nodes" (path, parent_path, key, value)
VALUES ($1, $2, $3, $4)
ON CONFLICT (path) DO UPDATE SET
value = EXCLUDED.value,
version = rtdb_nodes.version + 1,
updated_at = now()
RETURNING version;`
	s.mergeQuery = `UPDATE ` + schema + `."rtdb_nodes"
SET value = $1, version = version + 1, updated_at = now()
WHERE path = $2 RETURNING version;`
	s.deleteQuery = `DELETE FROM ` + schema + `."rtdb_nodes" WHERE path = $1 OR path LIKE $2;`
	s.insertQuery = `INSERT INTO ` + schema + `."rtdb_nodes" (path, parent_path, key, value) VALUES ($1, $2, $3, $4);`
	return s
}

func (s *Store) publish(path string, newValue, oldValue interface{}) {
	if s.publisher != nil {
		s.publisher.Publish(path, newValue, oldValue)
	}
}

// Get returns the value stored at the exact path, or ErrNotFound.
func (s *Store) Get(ctx context.Context, path string) (interface{}, error) {
	node, err := s.GetNode(ctx, path)
	if err != nil {
		return nil, err
	}
	return node.Value, nil
}

// GetNode returns the node stored at the exact path, or ErrNotFound.
func (s *Store) GetNode(ctx context.Context, path string) (*Node, error) {
	path = core.CleanPath(path)
	var raw json.RawMessage
	node := Node{Path: path}
	node.Key, node.ParentPath = core.SplitPath(path)
	err := s.db.QueryRowContext(ctx, s.getQuery, path).Scan(&raw, &node.Version, &node.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, &node.Value); err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	return &node, nil
}

// Set stores value at path, replacing any previous value. The node is
// created at version 1 if absent, otherwise the version increments by
// one. The previous value, when there is one, travels with the change
// event so that field listeners can diff across a full replace.
func (s *Store) Set(ctx context.Context, path string, value interface{}) (interface{}, error) {
	path = core.CleanPath(path)
	key, parent := core.SplitPath(path)

	// advisory read for field-level diffing; the upsert below is the
	// actual concurrency control
	var oldValue interface{}
	if old, err := s.GetNode(ctx, path); err == nil {
		oldValue = old.Value
	} else if err != ErrNotFound {
		return nil, err
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("set %s: %w", path, err)
	}
	var version int64
	err = s.db.QueryRowContext(ctx, s.setQuery, path, nullablePath(parent), key, raw).Scan(&version)
	if err != nil {
		return nil, fmt.Errorf("set %s: %w", path, err)
	}

	s.publish(path, value, oldValue)
	return value, nil
}

// Merge shallow-merges the top-level keys of partial into the value at
// path. Keys present in partial override, all other keys are
// preserved. It returns ErrNotFound if no node exists at path.
//
// A merge whose result equals the current value is a no-op: no version
// bump, no notification, and changed is false.
func (s *Store) Merge(ctx context.Context, path string, partial map[string]interface{}) (merged interface{}, changed bool, err error) {
	path = core.CleanPath(path)
	old, err := s.GetNode(ctx, path)
	if err != nil {
		return nil, false, err
	}

	result := map[string]interface{}{}
	if oldMap, ok := old.Value.(map[string]interface{}); ok {
		for k, v := range oldMap {
			result[k] = v
		}
	}
	for k, v := range partial {
		result[k] = v
	}

	if reflect.DeepEqual(old.Value, interface{}(result)) {
		return result, false, nil
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return nil, false, fmt.Errorf("merge %s: %w", path, err)
	}
	var version int64
	err = s.db.QueryRowContext(ctx, s.mergeQuery, raw, path).Scan(&version)
	if err == sql.ErrNoRows {
		return nil, false, ErrNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("merge %s: %w", path, err)
	}

	s.publish(path, result, old.Value)
	return result, true, nil
}

// Delete removes the node at path and every strict descendant in one
// atomic statement, then publishes a nil value for the path. Deleting
// an absent path is not an error.
func (s *Store) Delete(ctx context.Context, path string) error {
	path = core.CleanPath(path)
	_, err := s.db.ExecContext(ctx, s.deleteQuery, path, path+"/%")
	if err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	s.publish(path, nil, nil)
	return nil
}

// Push creates a new child node under parentPath with a generated
// key and returns the key and the full path of the new node.
func (s *Store) Push(ctx context.Context, parentPath string, value interface{}) (key string, path string, err error) {
	parentPath = core.CleanPath(parentPath)
	key, err = pushKey()
	if err != nil {
		return "", "", fmt.Errorf("push %s: %w", parentPath, err)
	}
	// a push at the root creates a top-level node
	path = key
	if parentPath != "" {
		path = parentPath + "/" + key
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return "", "", fmt.Errorf("push %s: %w", parentPath, err)
	}
	_, err = s.db.ExecContext(ctx, s.insertQuery, path, nullablePath(parentPath), key, raw)
	if err != nil {
		return "", "", fmt.Errorf("push %s: %w", parentPath, err)
	}

	s.publish(path, value, nil)
	return key, path, nil
}

func nullablePath(path string) sql.NullString {
	return sql.NullString{String: path, Valid: path != ""}
}

const pushAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// pushKey returns a short random child key
func pushKey() (string, error) {
	var buf [8]byte
	if _, err := io.ReadFull(rand.Reader, buf[:]); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = pushAlphabet[int(b)%len(pushAlphabet)]
	}
	return string(buf[:]), nil
}
