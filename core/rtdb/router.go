// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package rtdb

import (
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/postbase/core"
	"github.com/relabs-tech/postbase/core/access"
	"github.com/relabs-tech/postbase/core/logger"
	"github.com/relabs-tech/postbase/core/rules"
)

// Router is the REST surface of the tree.
type Router struct {
	store     *Store
	evaluator rules.TreeEvaluator
}

// NewRouter creates the REST surface for a store. Every read passes
// the evaluator's read decision for the path, every mutation the write
// decision.
func NewRouter(store *Store, evaluator rules.TreeEvaluator) *Router {
	return &Router{store: store, evaluator: evaluator}
}

// HandleRoutes adds the tree routes below prefix, e.g. "/rtdb".
func (t *Router) HandleRoutes(prefix string, router *mux.Router) {
	rlog := logger.Default()
	rlog.Debugln("create tree store routes:", prefix)
	rlog.Debugln("  handle route:", prefix+"/{path} GET,PUT,PATCH,DELETE")
	rlog.Debugln("  handle route:", prefix+"/{path}/push POST")

	route := prefix + "/{path:.+}"
	router.HandleFunc(route, t.get).Methods(http.MethodGet)
	router.HandleFunc(route, t.put).Methods(http.MethodPut)
	router.HandleFunc(route, t.patch).Methods(http.MethodPatch)
	router.HandleFunc(route, t.delete).Methods(http.MethodDelete)
	router.HandleFunc(route, t.push).Methods(http.MethodPost)
}

func treeRequest(r *http.Request) *rules.Request {
	return &rules.Request{
		Auth:   access.AuthFromContext(r.Context()),
		Method: r.Method,
		Path:   r.URL.Path,
	}
}

// authorize evaluates op for the path and, when denied or failing,
// answers the request. It returns true when the caller may proceed.
func (t *Router) authorize(w http.ResponseWriter, r *http.Request, path string, op core.Operation) bool {
	ok, err := t.evaluator.EvaluatePath(r.Context(), path, op, treeRequest(r))
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorf("Error 3511: evaluate %s %s", op, path)
		writeError(w, http.StatusInternalServerError, "Error 3511")
		return false
	}
	if !ok {
		writeError(w, http.StatusForbidden, "forbidden")
		return false
	}
	return true
}

func (t *Router) get(w http.ResponseWriter, r *http.Request) {
	path := core.CleanPath(mux.Vars(r)["path"])
	if !t.authorize(w, r, path, core.OperationRead) {
		return
	}
	value, err := t.store.Get(r.Context(), path)
	if err == ErrNotFound {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("Error 3512: tree get")
		writeError(w, http.StatusInternalServerError, "Error 3512")
		return
	}
	writeJSON(w, http.StatusOK, value)
}

func (t *Router) put(w http.ResponseWriter, r *http.Request) {
	path := core.CleanPath(mux.Vars(r)["path"])
	if !t.authorize(w, r, path, core.OperationWrite) {
		return
	}
	var value interface{}
	if err := json.NewDecoder(r.Body).Decode(&value); err != nil {
		writeError(w, http.StatusBadRequest, "cannot parse body")
		return
	}
	stored, err := t.store.Set(r.Context(), path, value)
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("Error 3513: tree set")
		writeError(w, http.StatusInternalServerError, "Error 3513")
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (t *Router) patch(w http.ResponseWriter, r *http.Request) {
	path := core.CleanPath(mux.Vars(r)["path"])
	if !t.authorize(w, r, path, core.OperationWrite) {
		return
	}
	var partial map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&partial); err != nil {
		writeError(w, http.StatusBadRequest, "cannot parse body")
		return
	}
	merged, changed, err := t.store.Merge(r.Context(), path, partial)
	if err == ErrNotFound {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("Error 3514: tree merge")
		writeError(w, http.StatusInternalServerError, "Error 3514")
		return
	}
	if !changed {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, merged)
}

func (t *Router) delete(w http.ResponseWriter, r *http.Request) {
	path := core.CleanPath(mux.Vars(r)["path"])
	if !t.authorize(w, r, path, core.OperationWrite) {
		return
	}
	if err := t.store.Delete(r.Context(), path); err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("Error 3515: tree delete")
		writeError(w, http.StatusInternalServerError, "Error 3515")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

// push is POST /{parent}/push: create a child with a generated key
func (t *Router) push(w http.ResponseWriter, r *http.Request) {
	path := core.CleanPath(mux.Vars(r)["path"])
	parent := strings.TrimSuffix(path, "/push")
	if parent == path || parent == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if !t.authorize(w, r, parent, core.OperationWrite) {
		return
	}
	var value interface{}
	if err := json.NewDecoder(r.Body).Decode(&value); err != nil {
		writeError(w, http.StatusBadRequest, "cannot parse body")
		return
	}
	key, childPath, err := t.store.Push(r.Context(), parent, value)
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("Error 3516: tree push")
		writeError(w, http.StatusInternalServerError, "Error 3516")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"key": key, "path": childPath})
}

func writeJSON(w http.ResponseWriter, status int, value interface{}) {
	payload, err := json.Marshal(value)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Error 3517")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	payload, _ := json.Marshal(map[string]string{"error": message})
	w.Write(payload)
}
