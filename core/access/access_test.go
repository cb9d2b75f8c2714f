// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package access

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
)

func signToken(t *testing.T, key []byte, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func authProbe(t *testing.T, middleware mux.MiddlewareFunc, bearer string) *Auth {
	t.Helper()
	var captured *Auth
	router := mux.NewRouter()
	router.Use(middleware)
	router.HandleFunc("/probe", func(w http.ResponseWriter, r *http.Request) {
		captured = AuthFromContext(r.Context())
	})
	r := httptest.NewRequest(http.MethodGet, "/probe", nil)
	if bearer != "" {
		r.Header.Set("Authorization", "Bearer "+bearer)
	}
	router.ServeHTTP(httptest.NewRecorder(), r)
	return captured
}

func TestJwtMiddleware(t *testing.T) {
	key := []byte("test-secret")
	middleware := NewJwtMiddleware(&JwtMiddlewareBuilder{Key: key})

	token := signToken(t, key, jwt.MapClaims{
		"sub":   "u1",
		"email": "u1@example.com",
		"name":  "User One",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	auth := authProbe(t, middleware, token)
	if auth == nil {
		t.Fatal("expected an authenticated caller")
	}
	assert.Equal(t, "u1", auth.UserID)
	assert.Equal(t, "u1@example.com", auth.Email)
	assert.Equal(t, "User One", auth.Name)
	assert.Equal(t, token, auth.Token)
}

func TestJwtMiddlewareAnonymousFallbacks(t *testing.T) {
	key := []byte("test-secret")
	middleware := NewJwtMiddleware(&JwtMiddlewareBuilder{Key: key})

	// no token at all
	assert.Nil(t, authProbe(t, middleware, ""))

	// garbage token
	assert.Nil(t, authProbe(t, middleware, "not-a-jwt"))

	// wrong signing key
	assert.Nil(t, authProbe(t, middleware,
		signToken(t, []byte("other-secret"), jwt.MapClaims{"sub": "u1"})))

	// expired token
	assert.Nil(t, authProbe(t, middleware,
		signToken(t, key, jwt.MapClaims{"sub": "u1", "exp": time.Now().Add(-time.Hour).Unix()})))

	// token without a subject carries no identity
	assert.Nil(t, authProbe(t, middleware,
		signToken(t, key, jwt.MapClaims{"email": "u1@example.com"})))
}

func TestJwtMiddlewareIssuer(t *testing.T) {
	key := []byte("test-secret")
	middleware := NewJwtMiddleware(&JwtMiddlewareBuilder{Key: key, Issuer: "postbase"})

	assert.Nil(t, authProbe(t, middleware,
		signToken(t, key, jwt.MapClaims{"sub": "u1", "iss": "someone-else"})))

	auth := authProbe(t, middleware,
		signToken(t, key, jwt.MapClaims{"sub": "u1", "iss": "postbase"}))
	if auth == nil {
		t.Fatal("expected an authenticated caller")
	}
	assert.Equal(t, "u1", auth.UserID)
}

func TestAuthCache(t *testing.T) {
	cache := NewAuthCache()
	assert.Nil(t, cache.Read("token"))

	auth := &Auth{UserID: "u1"}
	cache.Write("token", auth)
	assert.Equal(t, auth, cache.Read("token"))
	assert.Nil(t, cache.Read("other"))
}

func TestAuthAsMap(t *testing.T) {
	auth := &Auth{UserID: "u1", Email: "u1@example.com", Token: "secret"}
	m := auth.AsMap()
	assert.Equal(t, "u1", m["id"])
	assert.Equal(t, "u1@example.com", m["email"])
	_, hasToken := m["token"]
	assert.False(t, hasToken, "the raw token never leaks into rule evaluation")

	var nilAuth *Auth
	assert.Nil(t, nilAuth.AsMap())
}
