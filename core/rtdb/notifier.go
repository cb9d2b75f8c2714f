// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package rtdb

import (
	"reflect"
	"sync"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/postbase/core"
	"github.com/relabs-tech/postbase/core/logger"
)

// Sink is the non-owning handle a subscription holds on its transport
// connection. Send must not block; a sink that cannot keep up drops
// the frame.
type Sink interface {
	Send(payload []byte)
}

// SubscriptionKind distinguishes the three ways to listen to the tree.
type SubscriptionKind int

// the three subscription kinds
const (
	// SubscriptionExact matches writes to the exact path.
	SubscriptionExact SubscriptionKind = iota
	// SubscriptionPrefix matches writes to any strict descendant of the path.
	SubscriptionPrefix
	// SubscriptionField matches writes to the exact path which change
	// the named top-level field.
	SubscriptionField
)

// SubscriptionKey identifies what a subscription listens to.
type SubscriptionKey struct {
	Kind  SubscriptionKind
	Path  string
	Field string
}

type registryKey struct {
	kind SubscriptionKind
	key  string
}

// Notifier is the in-memory subscription registry of the tree. It maps
// subscription keys to connection ids and fans out change events.
// All methods are go-routine safe.
type Notifier struct {
	mutex  sync.RWMutex
	nextID uint64
	conns  map[uint64]Sink

	// the three registries: exact path, prefix (stored with a trailing
	// slash so that "a" matches "a/b" but never "ab"), and path|field
	registries map[SubscriptionKind]map[string]map[uint64]struct{}
	// reverse index for disconnect cleanup in O(subscriptions of that connection)
	byConn map[uint64]map[registryKey]struct{}
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{
		conns: map[uint64]Sink{},
		registries: map[SubscriptionKind]map[string]map[uint64]struct{}{
			SubscriptionExact:  {},
			SubscriptionPrefix: {},
			SubscriptionField:  {},
		},
		byConn: map[uint64]map[registryKey]struct{}{},
	}
}

func (key SubscriptionKey) registryKey() registryKey {
	path := core.CleanPath(key.Path)
	switch key.Kind {
	case SubscriptionPrefix:
		return registryKey{SubscriptionPrefix, path + "/"}
	case SubscriptionField:
		return registryKey{SubscriptionField, path + "|" + key.Field}
	default:
		return registryKey{SubscriptionExact, path}
	}
}

// Register adds a connection and returns its id. The notifier holds
// the sink until Drop is called.
func (n *Notifier) Register(sink Sink) uint64 {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.nextID++
	id := n.nextID
	n.conns[id] = sink
	n.byConn[id] = map[registryKey]struct{}{}
	return id
}

// Subscribe registers interest of a connection. Subscribing twice to
// the same key is idempotent.
func (n *Notifier) Subscribe(id uint64, key SubscriptionKey) {
	rkey := key.registryKey()
	n.mutex.Lock()
	defer n.mutex.Unlock()
	if _, ok := n.conns[id]; !ok {
		return
	}
	registry := n.registries[rkey.kind]
	set, ok := registry[rkey.key]
	if !ok {
		set = map[uint64]struct{}{}
		registry[rkey.key] = set
	}
	set[id] = struct{}{}
	n.byConn[id][rkey] = struct{}{}
}

// Unsubscribe removes every subscription the connection holds at that
// path, across all three kinds.
func (n *Notifier) Unsubscribe(id uint64, path string) {
	path = core.CleanPath(path)
	n.mutex.Lock()
	defer n.mutex.Unlock()
	for rkey := range n.byConn[id] {
		var subscribedPath string
		switch rkey.kind {
		case SubscriptionPrefix:
			subscribedPath = rkey.key[:len(rkey.key)-1]
		case SubscriptionField:
			for i := len(rkey.key) - 1; i >= 0; i-- {
				if rkey.key[i] == '|' {
					subscribedPath = rkey.key[:i]
					break
				}
			}
		default:
			subscribedPath = rkey.key
		}
		if subscribedPath == path {
			n.removeLocked(id, rkey)
		}
	}
}

// Drop removes the connection and all of its subscriptions. Publishes
// after Drop returns will not reach the connection.
func (n *Notifier) Drop(id uint64) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	for rkey := range n.byConn[id] {
		n.removeLocked(id, rkey)
	}
	delete(n.byConn, id)
	delete(n.conns, id)
}

func (n *Notifier) removeLocked(id uint64, rkey registryKey) {
	registry := n.registries[rkey.kind]
	if set, ok := registry[rkey.key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(registry, rkey.key)
		}
	}
	delete(n.byConn[id], rkey)
}

// exactPayload is the frame for exact and prefix matches
type exactPayload struct {
	Path  string      `json:"path"`
	Value interface{} `json:"value"`
}

// fieldPayload is the frame for field matches
type fieldPayload struct {
	Path  string      `json:"path"`
	Field string      `json:"field"`
	Value interface{} `json:"value"`
}

// Publish fans a change at path out to all affected subscriptions.
//
// Exact subscribers on the path and prefix subscribers on any ancestor
// receive {path, value} unconditionally. Field subscribers on the path
// receive {path, field, value} only when the previous value is known
// and the field's value observably changed, compared structurally.
// A deletion (nil newValue) does not fire field listeners; that is a
// policy choice, a delete is not a field-level change event.
func (n *Notifier) Publish(path string, newValue, oldValue interface{}) {
	path = core.CleanPath(path)

	n.mutex.RLock()
	defer n.mutex.RUnlock()

	var frame []byte
	sendFrame := func(set map[uint64]struct{}) {
		if frame == nil {
			var err error
			frame, err = json.Marshal(exactPayload{Path: path, Value: newValue})
			if err != nil {
				logger.Default().WithError(err).Errorln("marshal notification for", path)
				return
			}
		}
		for id := range set {
			if sink, ok := n.conns[id]; ok {
				sink.Send(frame)
			}
		}
	}

	if set, ok := n.registries[SubscriptionExact][path]; ok {
		sendFrame(set)
	}

	for prefix, set := range n.registries[SubscriptionPrefix] {
		if len(path) > len(prefix) && path[:len(prefix)] == prefix {
			sendFrame(set)
		}
	}

	newMap, ok := newValue.(map[string]interface{})
	if !ok || oldValue == nil {
		return
	}
	oldMap, _ := oldValue.(map[string]interface{})
	for key, set := range n.registries[SubscriptionField] {
		var field string
		for i := len(key) - 1; i >= 0; i-- {
			if key[i] == '|' {
				field = key[i+1:]
				break
			}
		}
		if key[:len(key)-len(field)-1] != path {
			continue
		}
		newField := newMap[field]
		var oldField interface{}
		if oldMap != nil {
			oldField = oldMap[field]
		}
		if reflect.DeepEqual(newField, oldField) {
			continue
		}
		fieldFrame, err := json.Marshal(fieldPayload{Path: path, Field: field, Value: newField})
		if err != nil {
			logger.Default().WithError(err).Errorln("marshal field notification for", path)
			continue
		}
		for id := range set {
			if sink, ok := n.conns[id]; ok {
				sink.Send(fieldFrame)
			}
		}
	}
}

// SubscriptionCount returns the number of active subscriptions of a
// connection. Used by tests and the drain logic.
func (n *Notifier) SubscriptionCount(id uint64) int {
	n.mutex.RLock()
	defer n.mutex.RUnlock()
	return len(n.byConn[id])
}
