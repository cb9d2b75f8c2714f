package access

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/postbase/core/csql"
	"github.com/relabs-tech/postbase/core/logger"
)

// SessionMiddlewareBuilder is a helper builder for the session middleware
type SessionMiddlewareBuilder struct {
	// DB is the postgres database which holds the identity provider's
	// "user" and "session" tables. This is mandatory.
	DB *csql.DB
	// Cache caches token lookups. This is optional.
	Cache *AuthCache
}

// NewSessionMiddleware returns a middleware handler which resolves
// "Authorization: Bearer" session tokens against the identity
// provider's session table.
//
// Missing, unknown or expired tokens yield an anonymous request; the
// middleware never rejects. Authorization decisions belong to the
// rules engine.
func NewSessionMiddleware(smb *SessionMiddlewareBuilder) mux.MiddlewareFunc {
	if smb.DB == nil {
		panic("DB is missing")
	}
	db := smb.DB
	cache := smb.Cache

	query := `SELECT s.id, s.expires_at, u.id, u.email, u.name
FROM ` + db.Schema + `."session" s JOIN ` + db.Schema + `."user" u ON u.id = s."user_id"
WHERE s.token = $1 LIMIT 1;`

	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				h.ServeHTTP(w, r)
				return
			}
			token := strings.TrimSpace(header[len("Bearer "):])

			if cache != nil {
				if auth := cache.Read(token); auth != nil {
					ctx, _ := logger.ContextWithLoggerIdentity(r.Context(), auth.UserID)
					h.ServeHTTP(w, r.WithContext(auth.ContextWithAuth(ctx)))
					return
				}
			}

			var auth Auth
			var expiresAt time.Time
			err := db.QueryRow(query, token).Scan(&auth.SessionID, &expiresAt, &auth.UserID, &auth.Email, &auth.Name)
			if err != nil {
				if err != csql.ErrNoRows {
					logger.FromContext(r.Context()).WithError(err).Errorln("session lookup")
				}
				h.ServeHTTP(w, r)
				return
			}
			if time.Now().After(expiresAt) {
				h.ServeHTTP(w, r) // expired
				return
			}
			auth.Token = token

			if cache != nil {
				cache.Write(token, &auth)
			}
			ctx, _ := logger.ContextWithLoggerIdentity(r.Context(), auth.UserID)
			h.ServeHTTP(w, r.WithContext(auth.ContextWithAuth(ctx)))
		})
	}
}
