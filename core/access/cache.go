package access

import "sync"

// AuthCache is an in-memory cache for auth objects. It is used by the
// token middleware implementations to cache lookups for bearer tokens.
// The purpose of the cache is to reduce the number of database queries,
// without the cache the middleware would have to look up the identity
// for every single request.
type AuthCache struct {
	mutex sync.RWMutex
	cache map[string]*Auth
}

// NewAuthCache creates a new auth cache
func NewAuthCache() *AuthCache {
	return &AuthCache{cache: make(map[string]*Auth)}
}

// Read returns an auth from the in-process cache.
// Token should be the temporary token the auth was derived from, not any of the ids.
// This function is go-routine safe
func (a *AuthCache) Read(token string) *Auth {
	a.mutex.RLock()
	auth, ok := a.cache[token]
	a.mutex.RUnlock()
	if ok {
		return auth
	}
	return nil
}

// Write stores an auth in the in-memory cache.
// Token should be the temporary token it was derived from, not any of the ids.
// This function is go-routine safe
func (a *AuthCache) Write(token string, auth *Auth) {
	a.mutex.Lock()
	a.cache[token] = auth
	a.mutex.Unlock()
}
