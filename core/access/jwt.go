package access

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/postbase/core/logger"
)

// JwtMiddlewareBuilder is a helper builder for the JWT middleware
type JwtMiddlewareBuilder struct {
	// Key validates token signatures. For HS256 this is the shared
	// secret, for RS256 the *rsa.PublicKey. This is mandatory.
	Key interface{}
	// Issuer is the accepted issuer for the token. This is optional.
	Issuer string
}

// NewJwtMiddleware returns a middleware handler which validates JWT
// bearer tokens and maps their claims to an Auth.
//
// The middleware accepts tokens as "Authorization: Bearer" header. It
// expects the subject claim to carry the user id and optionally
// "email" and "name" claims. Like the session middleware it never
// rejects a request; a bad token simply yields an anonymous caller.
func NewJwtMiddleware(jmb *JwtMiddlewareBuilder) mux.MiddlewareFunc {
	if jmb.Key == nil {
		panic("Key is missing")
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		return jmb.Key, nil
	}

	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				h.ServeHTTP(w, r)
				return
			}
			tokenString := strings.TrimSpace(header[len("Bearer "):])

			claims := jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, keyFunc)
			if err != nil || !token.Valid {
				logger.FromContext(r.Context()).Debugln("invalid bearer token:", err)
				h.ServeHTTP(w, r)
				return
			}
			if jmb.Issuer != "" && !claims.VerifyIssuer(jmb.Issuer, true) {
				h.ServeHTTP(w, r)
				return
			}

			auth := Auth{Token: tokenString}
			if sub, ok := claims["sub"].(string); ok {
				auth.UserID = sub
			}
			if email, ok := claims["email"].(string); ok {
				auth.Email = email
			}
			if name, ok := claims["name"].(string); ok {
				auth.Name = name
			}
			if auth.UserID == "" {
				h.ServeHTTP(w, r)
				return
			}
			ctx, _ := logger.ContextWithLoggerIdentity(r.Context(), auth.UserID)
			h.ServeHTTP(w, r.WithContext(auth.ContextWithAuth(ctx)))
		})
	}
}
