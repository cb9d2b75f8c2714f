/*Package access provides the caller identity for request handling.

Postbase does not implement an authentication protocol itself. Identity
comes from an external identity provider which maintains the "user" and
"session" tables; this package only resolves tokens to an Auth object
and carries it through the request context. Handlers never look at
tokens, they look at the Auth, and the rules engine decides.
*/
package access

import (
	"context"

	"github.com/goccy/go-json"
)

// contextKey is the type for context keys. Go linter does not like plain strings
type contextKey string

const contextKeyAuth contextKey = "_postbase_auth_"

// Auth is the authenticated identity of a caller. A nil *Auth means an
// anonymous caller; that is not an error, the rules engine decides what
// anonymous callers may do.
type Auth struct {
	UserID    string `json:"id"`
	SessionID string `json:"session_id,omitempty"`
	Email     string `json:"email,omitempty"`
	Name      string `json:"name,omitempty"`
	Token     string `json:"-"`
}

// ContextWithAuth returns a new context with this auth added to it
func (a *Auth) ContextWithAuth(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextKeyAuth, a)
}

// AuthFromContext retrieves the auth from the context, or nil for
// anonymous callers
func AuthFromContext(ctx context.Context) *Auth {
	a, ok := ctx.Value(contextKeyAuth).(*Auth)
	if ok {
		return a
	}
	return nil
}

// AsMap returns the auth as a generic document, the shape the rules
// engine and rtdb rules look at. Nil auths map to nil.
func (a *Auth) AsMap() map[string]interface{} {
	if a == nil {
		return nil
	}
	data, _ := json.Marshal(a)
	var m map[string]interface{}
	json.Unmarshal(data, &m)
	return m
}
