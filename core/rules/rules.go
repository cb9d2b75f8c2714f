/*Package rules provides the authorization evaluator.

Policy is data, not code: a rule is a small boolean condition tree over
a fixed vocabulary (auth present, auth-id equality against a resource
field or a bound path parameter, field membership checks, and the usual
combinators). Rule sets are declared per table and per tree path
pattern in the backend configuration and interpreted at request time.
Nothing in a rules file is executable.
*/
package rules

import (
	"context"
	"reflect"
	"strings"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/postbase/core"
	"github.com/relabs-tech/postbase/core/access"
)

// Request carries the caller-side facts a rule may look at.
type Request struct {
	Auth   *access.Auth
	Method string
	Path   string
	// Params holds parameters bound while matching a tree path
	// pattern, e.g. "users/$uid" against "users/u1" binds uid=u1.
	Params map[string]string
}

// FieldComparison compares one top-level resource field against a constant.
type FieldComparison struct {
	Field string      `json:"field"`
	Value interface{} `json:"value"`
}

// FieldMembership checks one top-level resource field against a set of constants.
type FieldMembership struct {
	Field  string        `json:"field"`
	Values []interface{} `json:"values"`
}

// Condition is one node of a rule's condition tree. Exactly one of the
// fields should be set; when several are set they all must hold.
// The zero condition holds for nobody.
type Condition struct {
	// Allow decides unconditionally.
	Allow *bool `json:"allow,omitempty"`
	// Auth requires an authenticated (or, with false, an anonymous) caller.
	Auth *bool `json:"auth,omitempty"`
	// AuthMatchesField requires the caller's user id to equal the named resource field.
	AuthMatchesField string `json:"auth_matches_field,omitempty"`
	// AuthMatchesParam requires the caller's user id to equal the named bound path parameter.
	AuthMatchesParam string `json:"auth_matches_param,omitempty"`
	// FieldEquals requires a resource field to equal a constant.
	FieldEquals *FieldComparison `json:"field_equals,omitempty"`
	// FieldIn requires a resource field to be one of a set of constants.
	FieldIn *FieldMembership `json:"field_in,omitempty"`

	All []Condition `json:"all,omitempty"`
	Any []Condition `json:"any,omitempty"`
	Not *Condition  `json:"not,omitempty"`
}

// Holds evaluates the condition tree.
func (c *Condition) Holds(req *Request, resource map[string]interface{}) bool {
	if c == nil {
		return false
	}
	if c.Allow != nil {
		if !*c.Allow {
			return false
		}
	}
	if c.Auth != nil {
		if *c.Auth != (req != nil && req.Auth != nil) {
			return false
		}
	}
	if c.AuthMatchesField != "" {
		if req == nil || req.Auth == nil || resource == nil {
			return false
		}
		field, ok := resource[c.AuthMatchesField].(string)
		if !ok || field != req.Auth.UserID {
			return false
		}
	}
	if c.AuthMatchesParam != "" {
		if req == nil || req.Auth == nil {
			return false
		}
		param, ok := req.Params[c.AuthMatchesParam]
		if !ok || param != req.Auth.UserID {
			return false
		}
	}
	if c.FieldEquals != nil {
		if resource == nil || !looselyEqual(resource[c.FieldEquals.Field], c.FieldEquals.Value) {
			return false
		}
	}
	if c.FieldIn != nil {
		if resource == nil {
			return false
		}
		found := false
		for _, value := range c.FieldIn.Values {
			if looselyEqual(resource[c.FieldIn.Field], value) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for i := range c.All {
		if !c.All[i].Holds(req, resource) {
			return false
		}
	}
	if len(c.Any) > 0 {
		found := false
		for i := range c.Any {
			if c.Any[i].Holds(req, resource) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if c.Not != nil {
		if c.Not.Holds(req, resource) {
			return false
		}
	}
	// a condition with no constraints at all holds for nobody
	return c.Allow != nil || c.Auth != nil || c.AuthMatchesField != "" || c.AuthMatchesParam != "" ||
		c.FieldEquals != nil || c.FieldIn != nil || len(c.All) > 0 || len(c.Any) > 0 || c.Not != nil
}

// looselyEqual compares constants from rule files with values from
// JSON documents. Both sides come through JSON unmarshalling, so
// numbers are float64 and deep equality is the right comparison.
func looselyEqual(a, b interface{}) bool {
	return reflect.DeepEqual(a, b)
}

// OperationRules maps operations to their condition.
type OperationRules map[core.Operation]Condition

// PathRule is one tree rule: a path pattern with per-operation
// conditions. Pattern segments starting with '$' bind parameters.
type PathRule struct {
	Path string `json:"path"`
	OperationRules
}

// UnmarshalJSON reads {"path": "...", "read": {...}, "write": {...}} rule objects.
func (p *PathRule) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.OperationRules = OperationRules{}
	for key, value := range raw {
		if key == "path" {
			if err := json.Unmarshal(value, &p.Path); err != nil {
				return err
			}
			continue
		}
		var op core.Operation
		if err := json.Unmarshal([]byte(`"`+key+`"`), &op); err != nil {
			return err
		}
		var condition Condition
		if err := json.Unmarshal(value, &condition); err != nil {
			return err
		}
		p.OperationRules[op] = condition
	}
	return nil
}

// Config is the declarative rule set of a backend.
type Config struct {
	// Tables holds per-table rules for the generic collections.
	Tables map[string]OperationRules `json:"tables,omitempty"`
	// Paths holds the tree rules, first match wins.
	Paths []PathRule `json:"paths,omitempty"`
	// TableDefault applies to tables without a rule for an operation.
	// Tables are open by default.
	TableDefault *Condition `json:"table_default,omitempty"`
	// PathDefault applies to tree paths without a matching rule.
	// The tree is closed by default.
	PathDefault *Condition `json:"path_default,omitempty"`
}

// Evaluator is the decision function consulted at every operation
// boundary of the generic collections.
type Evaluator interface {
	Evaluate(ctx context.Context, table string, op core.Operation, req *Request, resource map[string]interface{}) (bool, error)
}

// TreeEvaluator is the decision function consulted by the realtime tree.
type TreeEvaluator interface {
	EvaluatePath(ctx context.Context, path string, op core.Operation, req *Request) (bool, error)
}

// Engine interprets a rules Config. It implements both Evaluator and
// TreeEvaluator.
type Engine struct {
	config Config
}

// NewEngine creates an engine for the given rule set.
func NewEngine(config Config) *Engine {
	return &Engine{config: config}
}

// MustParse parses a JSON rule set. It panics on malformed
// configuration, configuration errors are programming errors.
func MustParse(configJSON string) *Engine {
	var config Config
	if err := json.Unmarshal([]byte(configJSON), &config); err != nil {
		panic("parse error in rules configuration: " + err.Error())
	}
	return NewEngine(config)
}

// Evaluate decides a table operation. Unknown tables and operations
// fall to the table default; tables are open unless configured
// otherwise.
func (e *Engine) Evaluate(ctx context.Context, table string, op core.Operation, req *Request, resource map[string]interface{}) (bool, error) {
	if tableRules, ok := e.config.Tables[table]; ok {
		if condition, ok := tableRules[op]; ok {
			return condition.Holds(req, resource), nil
		}
	}
	if e.config.TableDefault != nil {
		return e.config.TableDefault.Holds(req, resource), nil
	}
	return true, nil
}

// EvaluatePath decides a tree operation. The first pattern matching
// the path wins and its bound parameters become visible to the
// condition. Without a match the path default applies; the tree is
// closed unless configured otherwise.
func (e *Engine) EvaluatePath(ctx context.Context, path string, op core.Operation, req *Request) (bool, error) {
	path = core.CleanPath(path)
	for i := range e.config.Paths {
		params, ok := MatchPathPattern(e.config.Paths[i].Path, path)
		if !ok {
			continue
		}
		condition, ok := e.config.Paths[i].OperationRules[op]
		if !ok {
			break
		}
		bound := *req
		bound.Params = params
		return condition.Holds(&bound, nil), nil
	}
	if e.config.PathDefault != nil {
		return e.config.PathDefault.Holds(req, nil), nil
	}
	return false, nil
}

// MatchPathPattern matches a clean path against a pattern like
// "users/$uid" and returns the bound parameters. Patterns match whole
// paths, segment by segment.
func MatchPathPattern(pattern, path string) (map[string]string, bool) {
	patternSegments := strings.Split(core.CleanPath(pattern), "/")
	pathSegments := strings.Split(path, "/")
	if len(patternSegments) != len(pathSegments) {
		return nil, false
	}
	params := map[string]string{}
	for i, p := range patternSegments {
		if strings.HasPrefix(p, "$") {
			params[p[1:]] = pathSegments[i]
		} else if p != pathSegments[i] {
			return nil, false
		}
	}
	return params, true
}
