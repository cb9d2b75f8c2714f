package csql

import (
	"database/sql"
	"strings"

	_ "github.com/lib/pq" // load database driver for postgres

	"github.com/relabs-tech/postbase/core/logger"
)

// DB encapsulates a standard sql.DB with a schema. DataSource keeps
// the final connection string so that listeners can open their own
// dedicated connections.
type DB struct {
	*sql.DB
	Schema     string
	DataSource string
}

// ErrNoRows is returned by Scan when QueryRow doesn't return a
// row. In such a case, QueryRow returns a placeholder *Row value that
// defers this error until a Scan.
var ErrNoRows = sql.ErrNoRows

// OpenWithSchema opens a postbase postgres database with a schema.
// The schema gets created if it does not exist yet. If password is
// non-empty, it is added to the connection string.
//
// The returned database has the pgcrypto extension loaded, which
// provides gen_random_uuid() for document identifiers.
func OpenWithSchema(dataSourceName, password, schema string) *DB {
	rlog := logger.Default()
	rlog.Infoln("connecting to postgres database:", dataSourceName)
	if password != "" {
		dataSourceName += " password=" + password
	}
	db, err := sql.Open("postgres", dataSourceName)
	if err != nil {
		panic(err)
	}
	err = db.Ping()
	if err != nil {
		panic(err)
	}
	if len(schema) == 0 {
		schema = "public"
		_, err = db.Exec(`CREATE extension IF NOT EXISTS "pgcrypto";`)
	} else {
		rlog.Infoln("selected database schema:", schema)
		_, err = db.Exec(`CREATE extension IF NOT EXISTS "pgcrypto";
CREATE schema IF NOT EXISTS ` + schema + `;
`)
	}
	if err != nil {
		panic(err)
	}
	return &DB{DB: db, Schema: schema, DataSource: dataSourceName}
}

// ClearSchema clears all the data contained in the database's schema.
// Technically this is done by dropping the schema and then recreating it
func (db *DB) ClearSchema() {
	if db.Schema == "public" {
		panic("refuse to drop public schema")
	}
	_, err := db.Exec(`DROP SCHEMA ` + db.Schema + ` CASCADE;
	CREATE schema IF NOT EXISTS ` + db.Schema + `;`)
	if err != nil {
		logger.Default().Errorln("clear schema error:", db.Schema, err.Error())
	}
}

// Identifier reports whether s is safe to interpolate as a sql
// identifier: letters, digits and underscore, not starting with a
// digit. Table and field names coming from requests must pass this
// check before they reach any query text.
func Identifier(s string) bool {
	if len(s) == 0 {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_':
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// QuoteIdentifier quotes an already validated identifier for use in
// query text.
func QuoteIdentifier(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, ``) + `"`
}
