// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package rtdb

import (
	"net/http"
	"sync"

	"github.com/goccy/go-json"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/relabs-tech/postbase/core"
	"github.com/relabs-tech/postbase/core/access"
	"github.com/relabs-tech/postbase/core/logger"
	"github.com/relabs-tech/postbase/core/rules"
)

// controlMessage is an inbound subscribe/unsubscribe frame.
type controlMessage struct {
	Type   string `json:"type"`
	Path   string `json:"path"`
	Field  string `json:"field,omitempty"`
	Prefix bool   `json:"prefix,omitempty"`
}

type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// Gateway is the websocket-facing layer of the tree: it parses
// subscribe/unsubscribe control frames, forwards them to the notifier,
// and pushes notification frames to the right connections.
type Gateway struct {
	notifier  *Notifier
	evaluator rules.TreeEvaluator
	upgrader  websocket.Upgrader

	mutex sync.Mutex
	open  map[*gatewayConn]struct{}
}

// NewGateway creates a gateway for the notifier. Subscription
// establishment passes the evaluator's read decision for the path.
func NewGateway(notifier *Notifier, evaluator rules.TreeEvaluator) *Gateway {
	return &Gateway{
		notifier:  notifier,
		evaluator: evaluator,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		open: map[*gatewayConn]struct{}{},
	}
}

// HandleRoute adds the websocket route to the router
func (g *Gateway) HandleRoute(prefix string, router *mux.Router) {
	logger.Default().Debugln("  handle route:", prefix+"/ws GET (websocket)")
	router.HandleFunc(prefix+"/ws", g.serveWs).Methods(http.MethodGet)
}

// Close tears down all open connections. Used on server shutdown.
func (g *Gateway) Close() {
	g.mutex.Lock()
	conns := make([]*gatewayConn, 0, len(g.open))
	for c := range g.open {
		conns = append(conns, c)
	}
	g.mutex.Unlock()
	for _, c := range conns {
		c.close()
	}
}

// gatewayConn is one websocket connection. The send channel decouples
// notification fan-out from the socket write; a full channel drops the
// frame, missed intermediate states are not retransmitted.
type gatewayConn struct {
	gateway *Gateway
	ws      *websocket.Conn
	id      uint64
	once    sync.Once

	// the mutex fences Send against close: the gateway can tear the
	// connection down while its own read loop still reports errors
	mutex  sync.Mutex
	send   chan []byte
	closed bool
}

// Send implements Sink. It never blocks.
func (c *gatewayConn) Send(payload []byte) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

func (c *gatewayConn) close() {
	c.once.Do(func() {
		c.gateway.notifier.Drop(c.id)
		c.gateway.mutex.Lock()
		delete(c.gateway.open, c)
		c.gateway.mutex.Unlock()
		c.mutex.Lock()
		c.closed = true
		close(c.send)
		c.mutex.Unlock()
		c.ws.Close()
	})
}

func (g *Gateway) serveWs(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rlog.WithError(err).Errorln("rtdb websocket upgrade")
		return
	}

	conn := &gatewayConn{
		gateway: g,
		ws:      ws,
		send:    make(chan []byte, 64),
	}
	conn.id = g.notifier.Register(conn)
	g.mutex.Lock()
	g.open[conn] = struct{}{}
	g.mutex.Unlock()

	request := &rules.Request{
		Auth:   access.AuthFromContext(r.Context()),
		Method: r.Method,
		Path:   r.URL.Path,
	}

	// writer; the channel is closed exactly once by conn.close
	go func() {
		for payload := range conn.send {
			if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}()

	defer conn.close()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg controlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			conn.sendError("cannot parse message")
			continue
		}
		path := core.CleanPath(msg.Path)
		switch msg.Type {
		case "sub":
			ok, err := g.evaluator.EvaluatePath(r.Context(), path, core.OperationRead, request)
			if err != nil {
				rlog.WithError(err).Errorln("rtdb subscribe evaluation")
				conn.sendError("internal error")
				continue
			}
			if !ok {
				conn.sendError("forbidden")
				continue
			}
			key := SubscriptionKey{Kind: SubscriptionExact, Path: path}
			if msg.Field != "" {
				key = SubscriptionKey{Kind: SubscriptionField, Path: path, Field: msg.Field}
			} else if msg.Prefix {
				key = SubscriptionKey{Kind: SubscriptionPrefix, Path: path}
			}
			g.notifier.Subscribe(conn.id, key)
		case "unsub":
			g.notifier.Unsubscribe(conn.id, path)
		default:
			conn.sendError("unknown message type")
		}
	}
}

func (c *gatewayConn) sendError(message string) {
	payload, _ := json.Marshal(errorFrame{Type: "error", Error: message})
	c.Send(payload)
}
