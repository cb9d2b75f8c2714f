// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package rtdb

import (
	"testing"

	"github.com/goccy/go-json"

	"github.com/stretchr/testify/assert"
)

type testSink struct {
	frames [][]byte
}

func (s *testSink) Send(payload []byte) {
	s.frames = append(s.frames, payload)
}

func (s *testSink) last(t *testing.T) map[string]interface{} {
	t.Helper()
	if len(s.frames) == 0 {
		t.Fatal("no frame received")
	}
	var frame map[string]interface{}
	if err := json.Unmarshal(s.frames[len(s.frames)-1], &frame); err != nil {
		t.Fatal(err)
	}
	return frame
}

func TestNotifierExact(t *testing.T) {
	n := NewNotifier()
	sink := &testSink{}
	id := n.Register(sink)
	n.Subscribe(id, SubscriptionKey{Kind: SubscriptionExact, Path: "rooms/r1"})

	n.Publish("rooms/r2", "other", nil)
	assert.Len(t, sink.frames, 0)

	n.Publish("rooms/r1", map[string]interface{}{"topic": "go"}, nil)
	assert.Len(t, sink.frames, 1)
	frame := sink.last(t)
	assert.Equal(t, "rooms/r1", frame["path"])
	value, _ := frame["value"].(map[string]interface{})
	assert.Equal(t, "go", value["topic"])

	// a deletion still reaches exact subscribers, with a nil value
	n.Publish("rooms/r1", nil, nil)
	assert.Len(t, sink.frames, 2)
	assert.Nil(t, sink.last(t)["value"])
}

func TestNotifierPrefix(t *testing.T) {
	n := NewNotifier()
	sink := &testSink{}
	id := n.Register(sink)
	n.Subscribe(id, SubscriptionKey{Kind: SubscriptionPrefix, Path: "rooms"})

	// descendants match
	n.Publish("rooms/r1", "a", nil)
	n.Publish("rooms/r1/messages/m1", "b", nil)
	assert.Len(t, sink.frames, 2)

	// the prefix path itself does not
	n.Publish("rooms", "c", nil)
	assert.Len(t, sink.frames, 2)

	// neither does a sibling that merely shares the spelling
	n.Publish("roomsarchive/r1", "d", nil)
	assert.Len(t, sink.frames, 2)
}

func TestNotifierField(t *testing.T) {
	n := NewNotifier()
	sink := &testSink{}
	id := n.Register(sink)
	n.Subscribe(id, SubscriptionKey{Kind: SubscriptionField, Path: "users/u1", Field: "name"})

	// without a previous value there is nothing to diff against
	n.Publish("users/u1", map[string]interface{}{"name": "Alice"}, nil)
	assert.Len(t, sink.frames, 0)

	// an unchanged field does not fire
	n.Publish("users/u1",
		map[string]interface{}{"name": "Alice", "age": float64(30)},
		map[string]interface{}{"name": "Alice"})
	assert.Len(t, sink.frames, 0)

	// a changed field fires with {path, field, value}
	n.Publish("users/u1",
		map[string]interface{}{"name": "Bob"},
		map[string]interface{}{"name": "Alice"})
	assert.Len(t, sink.frames, 1)
	frame := sink.last(t)
	assert.Equal(t, "users/u1", frame["path"])
	assert.Equal(t, "name", frame["field"])
	assert.Equal(t, "Bob", frame["value"])

	// a deletion is not a field-level change
	n.Publish("users/u1", nil, map[string]interface{}{"name": "Bob"})
	assert.Len(t, sink.frames, 1)

	// nested values are compared structurally
	n.Subscribe(id, SubscriptionKey{Kind: SubscriptionField, Path: "users/u1", Field: "address"})
	n.Publish("users/u1",
		map[string]interface{}{"address": map[string]interface{}{"city": "Berlin"}},
		map[string]interface{}{"address": map[string]interface{}{"city": "Berlin"}})
	assert.Len(t, sink.frames, 1)
	n.Publish("users/u1",
		map[string]interface{}{"address": map[string]interface{}{"city": "Hamburg"}},
		map[string]interface{}{"address": map[string]interface{}{"city": "Berlin"}})
	assert.Len(t, sink.frames, 2)
}

func TestNotifierUnsubscribe(t *testing.T) {
	n := NewNotifier()
	sink := &testSink{}
	id := n.Register(sink)
	n.Subscribe(id, SubscriptionKey{Kind: SubscriptionExact, Path: "a/b"})
	n.Subscribe(id, SubscriptionKey{Kind: SubscriptionPrefix, Path: "a/b"})
	n.Subscribe(id, SubscriptionKey{Kind: SubscriptionField, Path: "a/b", Field: "f"})
	n.Subscribe(id, SubscriptionKey{Kind: SubscriptionExact, Path: "a/c"})
	assert.Equal(t, 4, n.SubscriptionCount(id))

	// unsubscribe removes every kind at that path, nothing else
	n.Unsubscribe(id, "a/b")
	assert.Equal(t, 1, n.SubscriptionCount(id))

	n.Publish("a/b", "x", nil)
	n.Publish("a/b/c", "y", nil)
	assert.Len(t, sink.frames, 0)
	n.Publish("a/c", "z", nil)
	assert.Len(t, sink.frames, 1)
}

func TestNotifierSubscribeIdempotent(t *testing.T) {
	n := NewNotifier()
	sink := &testSink{}
	id := n.Register(sink)
	n.Subscribe(id, SubscriptionKey{Kind: SubscriptionExact, Path: "a"})
	n.Subscribe(id, SubscriptionKey{Kind: SubscriptionExact, Path: "a"})
	assert.Equal(t, 1, n.SubscriptionCount(id))

	n.Publish("a", "x", nil)
	assert.Len(t, sink.frames, 1)
}

func TestNotifierDrop(t *testing.T) {
	n := NewNotifier()
	sink := &testSink{}
	id := n.Register(sink)
	n.Subscribe(id, SubscriptionKey{Kind: SubscriptionExact, Path: "a"})
	n.Subscribe(id, SubscriptionKey{Kind: SubscriptionPrefix, Path: "a"})

	n.Drop(id)
	assert.Equal(t, 0, n.SubscriptionCount(id))
	n.Publish("a", "x", nil)
	n.Publish("a/b", "y", nil)
	assert.Len(t, sink.frames, 0)

	// subscribing after the drop is a no-op
	n.Subscribe(id, SubscriptionKey{Kind: SubscriptionExact, Path: "a"})
	n.Publish("a", "x", nil)
	assert.Len(t, sink.frames, 0)
}

func TestNotifierMultipleConnections(t *testing.T) {
	n := NewNotifier()
	one, two := &testSink{}, &testSink{}
	idOne := n.Register(one)
	idTwo := n.Register(two)
	n.Subscribe(idOne, SubscriptionKey{Kind: SubscriptionExact, Path: "a/b"})
	n.Subscribe(idTwo, SubscriptionKey{Kind: SubscriptionPrefix, Path: "a"})

	n.Publish("a/b", "x", nil)
	assert.Len(t, one.frames, 1)
	assert.Len(t, two.frames, 1)

	n.Drop(idOne)
	n.Publish("a/b", "y", nil)
	assert.Len(t, one.frames, 1)
	assert.Len(t, two.frames, 2)
}
