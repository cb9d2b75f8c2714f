// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package backend

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/postbase/core/csql"
)

// ErrInvalidOperator is returned for a filter operator outside the
// supported set.
var ErrInvalidOperator = errors.New("invalid operator")

// ErrInvalidQuery is returned for a structurally invalid query
// definition. Invalid queries are rejected before any storage access.
var ErrInvalidQuery = errors.New("invalid query")

// Operator is a query filter operator. Filters are compiled to
// parameterized SQL over the JSONB document; identifiers are never
// interpolated from request input.
type Operator string

// all supported filter operators
const (
	OperatorEq            Operator = "=="
	OperatorNeq           Operator = "!="
	OperatorLt            Operator = "<"
	OperatorLte           Operator = "<="
	OperatorGt            Operator = ">"
	OperatorGte           Operator = ">="
	OperatorLike          Operator = "LIKE"
	OperatorILike         Operator = "ILIKE"
	OperatorIn            Operator = "IN"
	OperatorArrayContains Operator = "array-contains"
)

func (op Operator) sql() (string, bool) {
	switch op {
	case OperatorEq:
		return "=", true
	case OperatorNeq:
		return "<>", true
	case OperatorLt, OperatorLte, OperatorGt, OperatorGte, OperatorLike, OperatorILike:
		return string(op), true
	default:
		return "", false
	}
}

// Filter is one predicate over a top-level document field.
type Filter struct {
	Field string      `json:"field"`
	Op    Operator    `json:"op"`
	Value interface{} `json:"value"`
}

// Order is one sort criterion over a top-level document field.
type Order struct {
	Field string `json:"field"`
	Dir   string `json:"dir,omitempty"`
}

// Reference identifies a document in another collection. Clients send
// either {collectionName, id} or {_type:"ref", path}.
type Reference struct {
	CollectionName string `json:"collectionName,omitempty"`
	ID             string `json:"id,omitempty"`
	Path           string `json:"path,omitempty"`
}

// RefPath returns the canonical path of the reference.
func (ref *Reference) RefPath() string {
	if ref.Path != "" {
		return ref.Path
	}
	return ref.CollectionName + "/" + ref.ID
}

// referencePath recognizes document reference values inside filters.
func referencePath(value interface{}) (string, bool) {
	m, ok := value.(map[string]interface{})
	if !ok {
		return "", false
	}
	if t, _ := m["_type"].(string); t == "ref" {
		if path, ok := m["path"].(string); ok && path != "" {
			return path, true
		}
	}
	collection, _ := m["collectionName"].(string)
	id, _ := m["id"].(string)
	if collection == "" || id == "" {
		return "", false
	}
	if path, ok := m["path"].(string); ok && path != "" {
		return path, true
	}
	return collection + "/" + id, true
}

// Query is the client-supplied query definition for collection queries
// and change-feed subscriptions.
type Query struct {
	Filters []Filter   `json:"filters,omitempty"`
	Order   []Order    `json:"order,omitempty"`
	Limit   int        `json:"limit,omitempty"`
	Offset  int        `json:"offset,omitempty"`
	Parent  *Reference `json:"parent,omitempty"`
}

// compileWhere compiles the filters to a parameterized WHERE clause.
// Placeholder numbering starts at $1; the returned clause is empty when
// there are no filters.
func compileWhere(filters []Filter) (string, []interface{}, error) {
	clause := ""
	var params []interface{}
	for _, f := range filters {
		if !csql.Identifier(f.Field) {
			return "", nil, fmt.Errorf("%w: bad field name '%s'", ErrInvalidQuery, f.Field)
		}
		if clause == "" {
			clause = "WHERE "
		} else {
			clause += " AND "
		}
		field := "data->>'" + f.Field + "'"

		if path, isRef := referencePath(f.Value); isRef && f.Op != OperatorArrayContains {
			op, ok := f.Op.sql()
			if !ok {
				return "", nil, fmt.Errorf("%w: %s", ErrInvalidOperator, f.Op)
			}
			params = append(params, path)
			clause += fmt.Sprintf("data->'%s'->>'path' %s $%d", f.Field, op, len(params))
			continue
		}

		switch f.Op {
		case OperatorIn:
			values, ok := f.Value.([]interface{})
			if !ok || len(values) == 0 {
				return "", nil, fmt.Errorf("%w: IN requires a non-empty array", ErrInvalidQuery)
			}
			placeholders := ""
			for i, value := range values {
				if i > 0 {
					placeholders += ","
				}
				params = append(params, value)
				placeholders += "$" + strconv.Itoa(len(params))
			}
			clause += field + " IN (" + placeholders + ")"

		case OperatorArrayContains:
			if path, isRef := referencePath(f.Value); isRef {
				contained, _ := json.Marshal([]map[string]string{{"path": path}})
				params = append(params, string(contained))
				clause += fmt.Sprintf("data->'%s' @> $%d::jsonb", f.Field, len(params))
			} else {
				// the ? operator checks string membership in a jsonb array
				params = append(params, f.Value)
				clause += fmt.Sprintf("(data->'%s') ? $%d", f.Field, len(params))
			}

		default:
			op, ok := f.Op.sql()
			if !ok {
				return "", nil, fmt.Errorf("%w: %s", ErrInvalidOperator, f.Op)
			}
			params = append(params, f.Value)
			clause += fmt.Sprintf("%s %s $%d", field, op, len(params))
		}
	}
	return clause, params, nil
}

// compileOrder compiles the sort criteria to an ORDER BY clause.
func compileOrder(order []Order) (string, error) {
	clause := ""
	for _, o := range order {
		if !csql.Identifier(o.Field) {
			return "", fmt.Errorf("%w: bad order field '%s'", ErrInvalidQuery, o.Field)
		}
		dir := "ASC"
		if o.Dir == "desc" || o.Dir == "DESC" {
			dir = "DESC"
		} else if o.Dir != "" && o.Dir != "asc" && o.Dir != "ASC" {
			return "", fmt.Errorf("%w: order dir must be asc or desc", ErrInvalidQuery)
		}
		if clause == "" {
			clause = "ORDER BY "
		} else {
			clause += ", "
		}
		clause += "data->>'" + o.Field + "' " + dir
	}
	return clause, nil
}

// compileQuery compiles a full query definition. Limit defaults to
// 100; limit and offset become the two final parameters.
func compileQuery(q *Query) (sqlClauses string, params []interface{}, err error) {
	where, params, err := compileWhere(q.Filters)
	if err != nil {
		return "", nil, err
	}
	order, err := compileOrder(q.Order)
	if err != nil {
		return "", nil, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	params = append(params, limit, offset)
	clauses := where
	if order != "" {
		if clauses != "" {
			clauses += " "
		}
		clauses += order
	}
	if clauses != "" {
		clauses += " "
	}
	clauses += fmt.Sprintf("LIMIT $%d OFFSET $%d", len(params)-1, len(params))
	return clauses, params, nil
}
