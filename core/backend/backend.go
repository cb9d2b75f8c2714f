// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package backend implements the generic JSONB collection backend:
schemaless documents in per-collection postgres tables, a REST CRUD
surface with a compiled filter language, and a per-table change feed
over websockets fed by LISTEN/NOTIFY triggers.
*/
package backend

import (
	"fmt"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/postbase/core/csql"
	"github.com/relabs-tech/postbase/core/logger"
	"github.com/relabs-tech/postbase/core/rules"
	"github.com/relabs-tech/postbase/core/schema"
)

type backendConfiguration struct {
	Collections []collectionConfiguration `json:"collections"`
	Rules       *rules.Config             `json:"rules,omitempty"`
}

type collectionConfiguration struct {
	Resource    string `json:"resource"`
	Description string `json:"description,omitempty"`
	SchemaID    string `json:"schema_id,omitempty"`
}

// Backend is the generic JSONB rest backend
type Backend struct {
	config        backendConfiguration
	db            *csql.DB
	router        *mux.Router
	evaluator     rules.Evaluator
	jsonValidator *schema.Validator
	collections   map[string]collectionConfiguration
}

// Builder is a builder helper for the Backend
type Builder struct {
	// Config is the JSON description of all collections and rules. This is mandatory.
	Config string
	// DB is a postgres database. This is mandatory.
	DB *csql.DB
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// Evaluator overrides the rules evaluator. This is optional; by
	// default the backend builds an engine from the configured rules.
	Evaluator rules.Evaluator
	// JSONSchemas contains JSON schemas for payload validation,
	// referenced from collections by schema_id. This is optional.
	JSONSchemas []string
	// JSONSchemasRefs contains schemas referenced by JSONSchemas. This is optional.
	JSONSchemasRefs []string
	// UpdateSchema creates the database relations and triggers. This is optional.
	UpdateSchema bool
}

// New realizes the actual backend. It creates the sql relations and
// change triggers (if requested) and adds the routes to the router.
func New(bb *Builder) *Backend {

	var config backendConfiguration
	err := json.Unmarshal([]byte(bb.Config), &config)
	if err != nil {
		panic(fmt.Errorf("parse error in backend configuration: %s", err))
	}

	if bb.DB == nil {
		panic("DB is missing")
	}
	if bb.Router == nil {
		panic("Router is missing")
	}

	evaluator := bb.Evaluator
	if evaluator == nil {
		var rulesConfig rules.Config
		if config.Rules != nil {
			rulesConfig = *config.Rules
		}
		evaluator = rules.NewEngine(rulesConfig)
	}

	jsonValidator, err := schema.NewValidator(bb.JSONSchemas, bb.JSONSchemasRefs)
	if err != nil {
		panic(fmt.Errorf("invalid JSON schema configuration: %s", err))
	}

	b := &Backend{
		config:        config,
		db:            bb.DB,
		router:        bb.Router,
		evaluator:     evaluator,
		jsonValidator: jsonValidator,
		collections:   make(map[string]collectionConfiguration),
	}

	for _, rc := range config.Collections {
		if !csql.Identifier(rc.Resource) {
			panic(fmt.Errorf("invalid collection resource: %s", rc.Resource))
		}
		b.collections[rc.Resource] = rc
		if rc.SchemaID != "" && !b.jsonValidator.HasSchema(rc.SchemaID) {
			logger.Default().Errorf("ERROR: invalid configuration for resource %s, schemaID %s is unknown. Validation is deactivated for this resource",
				rc.Resource, rc.SchemaID)
		}
	}

	if bb.UpdateSchema {
		b.updateSchema()
	}
	b.handleRoutes(b.router)
	return b
}

// updateSchema creates the document tables, the updated_at trigger and
// the change-publication trigger. The notify_table_change trigger is
// the producer of the table change feed: every row mutation publishes
// {op, id, data?} on the channel changes_<table>.
func (b *Backend) updateSchema() {
	schemaName := b.db.Schema

	_, err := b.db.Exec(`CREATE OR REPLACE FUNCTION ` + schemaName + `.set_updated_at()
RETURNS TRIGGER AS $$
BEGIN
  NEW.updated_at = now();
  RETURN NEW;
END;
$$ LANGUAGE plpgsql;

CREATE OR REPLACE FUNCTION ` + schemaName + `.notify_table_change() RETURNS trigger AS $$
DECLARE
  payload JSON;
BEGIN
  IF (TG_OP = 'DELETE') THEN
    payload = json_build_object('op', TG_OP, 'id', OLD.id);
  ELSE
    payload = json_build_object('op', TG_OP, 'id', NEW.id, 'data', NEW.data);
  END IF;
  PERFORM pg_notify('changes_' || TG_TABLE_NAME, payload::text);
  RETURN NEW;
END;
$$ LANGUAGE plpgsql;
`)
	if err != nil {
		panic(fmt.Errorf("cannot create trigger functions: %s", err))
	}

	for _, rc := range b.config.Collections {
		resource := rc.Resource
		_, err := b.db.Exec(`CREATE table IF NOT EXISTS ` + schemaName + `."` + resource + `"
(id TEXT NOT NULL DEFAULT gen_random_uuid()::text PRIMARY KEY,
data JSONB NOT NULL DEFAULT '{}'::jsonb,
created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
DROP TRIGGER IF EXISTS ` + resource + `_updated_at ON ` + schemaName + `."` + resource + `";
CREATE TRIGGER ` + resource + `_updated_at BEFORE UPDATE ON ` + schemaName + `."` + resource + `"
FOR EACH ROW EXECUTE FUNCTION ` + schemaName + `.set_updated_at();
DROP TRIGGER IF EXISTS ` + resource + `_change ON ` + schemaName + `."` + resource + `";
CREATE TRIGGER ` + resource + `_change AFTER INSERT OR UPDATE OR DELETE ON ` + schemaName + `."` + resource + `"
FOR EACH ROW EXECUTE FUNCTION ` + schemaName + `.notify_table_change();
`)
		if err != nil {
			panic(fmt.Errorf("cannot create collection %s: %s", resource, err))
		}
	}
}

// handleRoutes adds all necessary handlers for the configured collections
func (b *Backend) handleRoutes(router *mux.Router) {
	rlog := logger.Default()
	for _, rc := range b.config.Collections {
		rlog.Debugln("create collection:", rc.Resource)
		if rc.Description != "" {
			rlog.Debugln("  description:", rc.Description)
		}
	}
	rlog.Debugln("  handle route: /{collection}/query POST")
	rlog.Debugln("  handle route: /{collection}/stream GET (websocket)")
	rlog.Debugln("  handle route: /{collection} POST")
	rlog.Debugln("  handle route: /{collection}/{id} GET,PUT,PATCH,DELETE")
	rlog.Debugln("  handle route: nested /{collection}/{id}/{subcollection} variants")

	// the stream route upgrades to a websocket and must not be
	// wrapped into the compression handler
	compressed := func(h http.HandlerFunc) http.Handler {
		return handlers.CompressHandler(h)
	}

	router.Handle("/{table}/query", compressed(b.query)).Methods(http.MethodPost)
	router.HandleFunc("/{table}/stream", b.stream).Methods(http.MethodGet)
	router.Handle("/{table}", compressed(b.create)).Methods(http.MethodPost)
	router.Handle("/{table}/{id}", compressed(b.read)).Methods(http.MethodGet)
	router.Handle("/{table}/{id}", compressed(b.replace)).Methods(http.MethodPut)
	router.Handle("/{table}/{id}", compressed(b.merge)).Methods(http.MethodPatch)
	router.Handle("/{table}/{id}", compressed(b.delete)).Methods(http.MethodDelete)

	router.Handle("/{parent}/{parentID}/{table}/query", compressed(b.query)).Methods(http.MethodPost)
	router.HandleFunc("/{parent}/{parentID}/{table}/stream", b.stream).Methods(http.MethodGet)
	router.Handle("/{parent}/{parentID}/{table}", compressed(b.create)).Methods(http.MethodPost)
	router.Handle("/{parent}/{parentID}/{table}/{id}", compressed(b.read)).Methods(http.MethodGet)
	router.Handle("/{parent}/{parentID}/{table}/{id}", compressed(b.replace)).Methods(http.MethodPut)
	router.Handle("/{parent}/{parentID}/{table}/{id}", compressed(b.merge)).Methods(http.MethodPatch)
	router.Handle("/{parent}/{parentID}/{table}/{id}", compressed(b.delete)).Methods(http.MethodDelete)
}

// collection resolves the table route variable against the configured
// collections. Unknown collections answer 404 before anything else
// happens.
func (b *Backend) collection(w http.ResponseWriter, r *http.Request) (collectionConfiguration, bool) {
	table := mux.Vars(r)["table"]
	rc, ok := b.collections[table]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown collection")
		return collectionConfiguration{}, false
	}
	return rc, true
}

// parentScope returns the enforced parent path for nested routes, or
// an empty string for top-level routes. The stored parent reference of
// a subcollection document carries the full path including the
// subcollection name, e.g. "users/u1/posts".
func parentScope(r *http.Request) string {
	vars := mux.Vars(r)
	parent, ok := vars["parent"]
	if !ok {
		return ""
	}
	return parent + "/" + vars["parentID"] + "/" + vars["table"]
}

func writeJSON(w http.ResponseWriter, status int, value interface{}) {
	payload, err := json.Marshal(value)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Error 4501")
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
