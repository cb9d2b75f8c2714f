// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package backend

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/gorilla/websocket"
	"github.com/lib/pq"

	"github.com/relabs-tech/postbase/core"
	"github.com/relabs-tech/postbase/core/logger"
)

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamFrame is the server-to-client frame format of the change feed.
// Type is one of "init", "change" or "error".
type streamFrame struct {
	Type  string      `json:"type"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

// changeEvent is the payload of the notify_table_change trigger. Data
// is absent for deletes.
type changeEvent struct {
	Op   string                 `json:"op"`
	ID   string                 `json:"id"`
	Data map[string]interface{} `json:"data,omitempty"`
}

func streamWrite(ws *websocket.Conn, frame streamFrame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, payload)
}

// stream is GET /{table}/stream and the nested variant, upgraded to a
// websocket.
//
// The client's first frame is a query definition. An invalid query
// gets an error frame and another chance; the connection is not torn
// down. Once a query is accepted, the server answers with an init
// frame carrying the current result set, then forwards every table
// mutation as a change frame for the lifetime of the connection.
//
// Change frames are scoped by the parent path only. Filters beyond
// the parent scope restrict the init snapshot but not the live
// changes; clients filter those themselves. Deletes carry no data to
// match against, a parent-scoped stream therefore never sees them.
func (b *Backend) stream(w http.ResponseWriter, r *http.Request) {
	rc, ok := b.collection(w, r)
	if !ok {
		return
	}
	if !b.authorize(w, r, rc.Resource, core.OperationRead, nil) {
		return
	}
	rlog := logger.FromContext(r.Context())

	ws, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		rlog.WithError(err).Errorln("Error 4514: websocket upgrade failed")
		return
	}
	defer ws.Close()

	var (
		scope   string
		clauses string
		params  []interface{}
	)
	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		q := Query{}
		if err := json.Unmarshal(message, &q); err != nil {
			streamWrite(ws, streamFrame{Type: "error", Error: "cannot parse query"})
			continue
		}
		scope = scopeQuery(r, rc, &q)
		clauses, params, err = compileQuery(&q)
		if err != nil {
			streamWrite(ws, streamFrame{Type: "error", Error: err.Error()})
			continue
		}
		break
	}

	// listen before the snapshot so that no mutation between the two
	// can get lost
	listener := pq.NewListener(b.db.DataSource, 10*time.Millisecond, time.Minute,
		func(event pq.ListenerEventType, err error) {
			if err != nil {
				rlog.WithError(err).Errorln("Error 4515: change listener")
			}
		})
	defer listener.Close()
	if err := listener.Listen("changes_" + rc.Resource); err != nil {
		rlog.WithError(err).Errorln("Error 4516: cannot listen on change channel")
		streamWrite(ws, streamFrame{Type: "error", Error: "Error 4516"})
		return
	}

	init, err := b.snapshot(r, rc, clauses, params)
	if err != nil {
		rlog.WithError(err).Errorln("Error 4517: cannot read initial result set")
		streamWrite(ws, streamFrame{Type: "error", Error: "Error 4517"})
		return
	}
	if err := streamWrite(ws, streamFrame{Type: "init", Data: init}); err != nil {
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case n := <-listener.Notify:
			if n == nil { // connection re-established
				continue
			}
			var event changeEvent
			if err := json.Unmarshal([]byte(n.Extra), &event); err != nil {
				rlog.WithError(err).Errorln("Error 4518: cannot parse change notification")
				continue
			}
			// a parent-scoped stream only forwards events whose stored
			// parent path matches; deletes carry no data and are dropped
			if scope != "" && (event.Data == nil || !changeInScope(event.Data, scope)) {
				continue
			}
			if err := streamWrite(ws, streamFrame{Type: "change", Data: event}); err != nil {
				return
			}
		case <-time.After(90 * time.Second):
			go listener.Ping()
		}
	}
}

// snapshot runs the compiled query once and applies the same per-row
// read evaluation as the query route.
func (b *Backend) snapshot(r *http.Request, rc collectionConfiguration, clauses string, params []interface{}) ([]interface{}, error) {
	rows, err := b.db.QueryContext(r.Context(),
		`SELECT id, data FROM `+b.db.Schema+`."`+rc.Resource+`" `+clauses+`;`, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	request := rulesRequest(r)
	result := []interface{}{}
	for rows.Next() {
		var id string
		var raw json.RawMessage
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		var data map[string]interface{}
		if err := json.Unmarshal(raw, &data); err != nil {
			continue
		}
		doc := document(id, data)
		ok, err := b.evaluator.Evaluate(r.Context(), rc.Resource, core.OperationRead, request, doc)
		if err != nil {
			return nil, err
		}
		if ok {
			result = append(result, doc)
		}
	}
	return result, rows.Err()
}

// changeInScope compares the stored parent path of a mutated document
// against the enforced scope of the stream.
func changeInScope(data map[string]interface{}, scope string) bool {
	parent, ok := data["parent"].(map[string]interface{})
	if !ok {
		return false
	}
	path, _ := parent["path"].(string)
	return path == scope
}
