// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package backend

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/postbase/core"
	"github.com/relabs-tech/postbase/core/access"
	"github.com/relabs-tech/postbase/core/logger"
	"github.com/relabs-tech/postbase/core/rules"
)

func rulesRequest(r *http.Request) *rules.Request {
	return &rules.Request{
		Auth:   access.AuthFromContext(r.Context()),
		Method: r.Method,
		Path:   r.URL.Path,
		Params: mux.Vars(r),
	}
}

// authorize evaluates op for the collection and, when denied or
// failing, answers the request. It returns true when the caller may
// proceed.
func (b *Backend) authorize(w http.ResponseWriter, r *http.Request, table string, op core.Operation, resource map[string]interface{}) bool {
	ok, err := b.evaluator.Evaluate(r.Context(), table, op, rulesRequest(r), resource)
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorf("Error 4502: evaluate %s %s", op, table)
		writeError(w, http.StatusInternalServerError, "Error 4502")
		return false
	}
	if !ok {
		writeError(w, http.StatusForbidden, "forbidden")
		return false
	}
	return true
}

// document merges the row id into the stored data, the document shape
// all responses use.
func document(id string, data map[string]interface{}) map[string]interface{} {
	doc := make(map[string]interface{}, len(data)+1)
	for k, v := range data {
		doc[k] = v
	}
	doc["id"] = id
	return doc
}

// matchesParentScope checks the stored parent reference of a
// subcollection document against the enforced scope of the route.
func matchesParentScope(data map[string]interface{}, scope string, parentID string) bool {
	parent, ok := data["parent"].(map[string]interface{})
	if !ok {
		return false
	}
	path, _ := parent["path"].(string)
	id, _ := parent["id"].(string)
	return path == scope && id == parentID
}

// scopeQuery restricts a query to the parent scope of the route. On
// the flat route a parent reference in the query body serves the same
// purpose; a reference without an explicit path is completed with the
// subcollection name, matching the stored parent path format. It
// returns the effective scope path, empty for unscoped queries.
func scopeQuery(r *http.Request, rc collectionConfiguration, q *Query) string {
	path := parentScope(r)
	if path == "" && q.Parent != nil {
		path = q.Parent.Path
		if path == "" {
			path = q.Parent.CollectionName + "/" + q.Parent.ID + "/" + rc.Resource
		}
	}
	if path == "" {
		return ""
	}
	q.Filters = append(q.Filters, Filter{
		Field: "parent",
		Op:    OperatorEq,
		Value: map[string]interface{}{"_type": "ref", "path": path},
	})
	return path
}

// fetch reads one row. It returns sql.ErrNoRows when the id does not exist.
func (b *Backend) fetch(r *http.Request, table, id string) (map[string]interface{}, error) {
	var raw json.RawMessage
	err := b.db.QueryRowContext(r.Context(),
		`SELECT data FROM `+b.db.Schema+`."`+table+`" WHERE id = $1 LIMIT 1;`, id).Scan(&raw)
	if err != nil {
		return nil, err
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// query is POST /{table}/query and POST /{parent}/{parentID}/{table}/query.
//
// The result set is filtered, ordered and paginated once at query
// time. Every row is additionally gated by a per-row read evaluation;
// rows the caller may not read are dropped from the result, they are
// not an error.
func (b *Backend) query(w http.ResponseWriter, r *http.Request) {
	rc, ok := b.collection(w, r)
	if !ok {
		return
	}
	if !b.authorize(w, r, rc.Resource, core.OperationRead, nil) {
		return
	}

	var q Query
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
			writeError(w, http.StatusBadRequest, "cannot parse query")
			return
		}
	}
	scopeQuery(r, rc, &q)

	clauses, params, err := compileQuery(&q)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sqlQuery := `SELECT id, data, created_at, updated_at FROM ` + b.db.Schema + `."` + rc.Resource + `" ` + clauses + `;`
	rows, err := b.db.QueryContext(r.Context(), sqlQuery, params...)
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorf("Error 4503: cannot execute query `%s` %+v", sqlQuery, params)
		writeError(w, http.StatusInternalServerError, "Error 4503")
		return
	}
	defer rows.Close()

	request := rulesRequest(r)
	response := []interface{}{}
	for rows.Next() {
		var id string
		var raw json.RawMessage
		var createdAt, updatedAt time.Time
		if err := rows.Scan(&id, &raw, &createdAt, &updatedAt); err != nil {
			logger.FromContext(r.Context()).WithError(err).Errorln("Error 4504: cannot scan values")
			writeError(w, http.StatusInternalServerError, "Error 4504")
			return
		}
		var data map[string]interface{}
		if err := json.Unmarshal(raw, &data); err != nil {
			continue
		}
		doc := document(id, data)
		ok, err := b.evaluator.Evaluate(r.Context(), rc.Resource, core.OperationRead, request, doc)
		if err != nil {
			logger.FromContext(r.Context()).WithError(err).Errorln("Error 4505: row evaluation")
			writeError(w, http.StatusInternalServerError, "Error 4505")
			return
		}
		if ok {
			response = append(response, doc)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": response})
}

// create is POST /{table} and POST /{parent}/{parentID}/{table}.
func (b *Backend) create(w http.ResponseWriter, r *http.Request) {
	rc, ok := b.collection(w, r)
	if !ok {
		return
	}
	payload := map[string]interface{}{}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "cannot parse body")
			return
		}
	}
	if scope := parentScope(r); scope != "" {
		vars := mux.Vars(r)
		payload["parent"] = map[string]interface{}{
			"collectionName": vars["parent"],
			"id":             vars["parentID"],
			"path":           scope,
		}
	}
	if !b.authorize(w, r, rc.Resource, core.OperationCreate, payload) {
		return
	}
	if rc.SchemaID != "" && b.jsonValidator.HasSchema(rc.SchemaID) {
		if err := b.jsonValidator.ValidateStruct(payload, rc.SchemaID); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	raw, _ := json.Marshal(payload)
	var id string
	err := b.db.QueryRowContext(r.Context(),
		`INSERT INTO `+b.db.Schema+`."`+rc.Resource+`" (data) VALUES ($1) RETURNING id;`, raw).Scan(&id)
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("Error 4506: cannot create document")
		writeError(w, http.StatusInternalServerError, "Error 4506")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"data": document(id, payload)})
}

// read is GET /{table}/{id} and GET /{parent}/{parentID}/{table}/{id}.
func (b *Backend) read(w http.ResponseWriter, r *http.Request) {
	rc, ok := b.collection(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	data, err := b.fetch(r, rc.Resource, id)
	if err == sql.ErrNoRows {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("Error 4507: cannot read document")
		writeError(w, http.StatusInternalServerError, "Error 4507")
		return
	}
	if scope := parentScope(r); scope != "" && !matchesParentScope(data, scope, mux.Vars(r)["parentID"]) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	doc := document(id, data)
	if !b.authorize(w, r, rc.Resource, core.OperationRead, doc) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": doc})
}

// replace is PUT /{table}/{id}, a full document replace with upsert
// semantics: a missing id creates the document under that id.
func (b *Backend) replace(w http.ResponseWriter, r *http.Request) {
	rc, ok := b.collection(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	payload := map[string]interface{}{}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "cannot parse body")
			return
		}
	}

	current, err := b.fetch(r, rc.Resource, id)
	exists := err == nil
	if err != nil && err != sql.ErrNoRows {
		logger.FromContext(r.Context()).WithError(err).Errorln("Error 4508: cannot read document")
		writeError(w, http.StatusInternalServerError, "Error 4508")
		return
	}

	scope := parentScope(r)
	if exists && scope != "" && !matchesParentScope(current, scope, mux.Vars(r)["parentID"]) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	// the rules engine looks at the current document when there is
	// one, otherwise at the incoming payload
	subject := payload
	if exists {
		subject = current
	}
	if !b.authorize(w, r, rc.Resource, core.OperationUpdate, document(id, subject)) {
		return
	}
	if rc.SchemaID != "" && b.jsonValidator.HasSchema(rc.SchemaID) {
		if err := b.jsonValidator.ValidateStruct(payload, rc.SchemaID); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	if scope != "" {
		if exists {
			payload["parent"] = current["parent"] // the parent reference cannot be overridden
		} else {
			vars := mux.Vars(r)
			payload["parent"] = map[string]interface{}{
				"collectionName": vars["parent"],
				"id":             vars["parentID"],
				"path":           scope,
			}
		}
	}

	raw, _ := json.Marshal(payload)
	var query string
	if exists {
		query = `UPDATE ` + b.db.Schema + `."` + rc.Resource + `" SET data = $1, updated_at = now() WHERE id = $2 RETURNING id;`
	} else {
		query = `INSERT INTO ` + b.db.Schema + `."` + rc.Resource + `" (data, id) VALUES ($1, $2) RETURNING id;`
	}
	err = b.db.QueryRowContext(r.Context(), query, raw, id).Scan(&id)
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("Error 4509: cannot replace document")
		writeError(w, http.StatusInternalServerError, "Error 4509")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": document(id, payload)})
}

// merge is PATCH /{table}/{id}, a shallow merge of the top-level keys.
func (b *Backend) merge(w http.ResponseWriter, r *http.Request) {
	rc, ok := b.collection(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	current, err := b.fetch(r, rc.Resource, id)
	if err == sql.ErrNoRows {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("Error 4510: cannot read document")
		writeError(w, http.StatusInternalServerError, "Error 4510")
		return
	}
	scope := parentScope(r)
	if scope != "" && !matchesParentScope(current, scope, mux.Vars(r)["parentID"]) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if !b.authorize(w, r, rc.Resource, core.OperationUpdate, document(id, current)) {
		return
	}

	payload := map[string]interface{}{}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "cannot parse body")
			return
		}
	}
	merged := make(map[string]interface{}, len(current)+len(payload))
	for k, v := range current {
		merged[k] = v
	}
	for k, v := range payload {
		merged[k] = v
	}
	if scope != "" {
		merged["parent"] = current["parent"]
	}

	raw, _ := json.Marshal(merged)
	err = b.db.QueryRowContext(r.Context(),
		`UPDATE `+b.db.Schema+`."`+rc.Resource+`" SET data = $1, updated_at = now() WHERE id = $2 RETURNING id;`,
		raw, id).Scan(&id)
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("Error 4511: cannot merge document")
		writeError(w, http.StatusInternalServerError, "Error 4511")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": document(id, merged)})
}

// delete is DELETE /{table}/{id} and the nested variant.
func (b *Backend) delete(w http.ResponseWriter, r *http.Request) {
	rc, ok := b.collection(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	current, err := b.fetch(r, rc.Resource, id)
	if err == sql.ErrNoRows {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("Error 4512: cannot read document")
		writeError(w, http.StatusInternalServerError, "Error 4512")
		return
	}
	if scope := parentScope(r); scope != "" && !matchesParentScope(current, scope, mux.Vars(r)["parentID"]) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if !b.authorize(w, r, rc.Resource, core.OperationDelete, document(id, current)) {
		return
	}

	err = b.db.QueryRowContext(r.Context(),
		`DELETE FROM `+b.db.Schema+`."`+rc.Resource+`" WHERE id = $1 RETURNING id;`, id).Scan(&id)
	if err != nil && err != sql.ErrNoRows {
		logger.FromContext(r.Context()).WithError(err).Errorln("Error 4513: cannot delete document")
		writeError(w, http.StatusInternalServerError, "Error 4513")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": map[string]interface{}{"id": id}})
}
