package lisclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var testKey = []byte("0123456789abcdef") // 16 bytes, AES-128

func newLoginServer(t *testing.T, logins *int32, token string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)

		var creds map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&creds))
		assert.Equal(t, "lab@clinic.example", creds["email"])

		atomic.AddInt32(logins, 1)
		json.NewEncoder(w).Encode(map[string]string{"access_token": token})
	}))
}

func newTestManager(t *testing.T, loginURL string, ttl, margin time.Duration) (*TokenManager, *MemoryCache) {
	t.Helper()
	cache := NewMemoryCache()
	tm, err := NewTokenManager(cache, TokenManagerConfig{
		LoginURL:    loginURL,
		Email:       "lab@clinic.example",
		Password:    "secret",
		TokenTTL:    ttl,
		CacheMargin: margin,
		Key:         testKey,
		Timeout:     5 * time.Second,
		RetryDelay:  time.Millisecond,
	})
	assert.NoError(t, err)
	return tm, cache
}

func Test_Acquire_UsesCache(t *testing.T) {
	var logins int32
	srv := newLoginServer(t, &logins, "tok-1")
	defer srv.Close()

	tm, _ := newTestManager(t, srv.URL, time.Hour, 10*time.Minute)

	token, err := tm.Acquire(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, "tok-1", token)

	// Second acquire within the TTL hits the cache, no second login.
	token, err = tm.Acquire(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, "tok-1", token)
	assert.Equal(t, int32(1), atomic.LoadInt32(&logins))
}

func Test_Acquire_RefreshesAfterExpiry(t *testing.T) {
	var logins int32
	srv := newLoginServer(t, &logins, "tok-1")
	defer srv.Close()

	// Margin >= TTL would be rejected by config validation; here the
	// fallback keeps the cache TTL at the full (tiny) token lifetime.
	tm, _ := newTestManager(t, srv.URL, 30*time.Millisecond, time.Hour)

	_, err := tm.Acquire(context.Background())
	assert.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	_, err = tm.Acquire(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&logins))
}

func Test_Acquire_CacheHoldsCiphertext(t *testing.T) {
	var logins int32
	srv := newLoginServer(t, &logins, "tok-secret")
	defer srv.Close()

	tm, cache := newTestManager(t, srv.URL, time.Hour, 10*time.Minute)

	_, err := tm.Acquire(context.Background())
	assert.NoError(t, err)

	stored, ok, err := cache.Get(context.Background(), TokenCacheKey)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.NotContains(t, string(stored), "tok-secret")

	plain, err := tm.decrypt(stored)
	assert.NoError(t, err)
	assert.Equal(t, "tok-secret", plain)
}

func Test_Acquire_UndecryptableEntryIsAMiss(t *testing.T) {
	var logins int32
	srv := newLoginServer(t, &logins, "tok-1")
	defer srv.Close()

	tm, cache := newTestManager(t, srv.URL, time.Hour, 10*time.Minute)

	// A garbage entry (rotated key, corruption) must trigger a fresh login.
	err := cache.Set(context.Background(), TokenCacheKey, []byte("not-a-ciphertext"), time.Hour)
	assert.NoError(t, err)

	token, err := tm.Acquire(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, "tok-1", token)
	assert.Equal(t, int32(1), atomic.LoadInt32(&logins))
}

func Test_Invalidate(t *testing.T) {
	var logins int32
	srv := newLoginServer(t, &logins, "tok-1")
	defer srv.Close()

	tm, cache := newTestManager(t, srv.URL, time.Hour, 10*time.Minute)

	_, err := tm.Acquire(context.Background())
	assert.NoError(t, err)
	assert.NoError(t, tm.Invalidate(context.Background()))

	_, ok, err := cache.Get(context.Background(), TokenCacheKey)
	assert.NoError(t, err)
	assert.False(t, ok)

	_, err = tm.Acquire(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&logins))
}

func Test_Acquire_LoginRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad credentials", http.StatusUnauthorized)
	}))
	defer srv.Close()

	tm, _ := newTestManager(t, srv.URL, time.Hour, 10*time.Minute)

	_, err := tm.Acquire(context.Background())
	var authErr *AuthError
	assert.ErrorAs(t, err, &authErr)
	assert.Contains(t, authErr.Message, "401")
}

func Test_Acquire_EmptyToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"access_token": ""})
	}))
	defer srv.Close()

	tm, _ := newTestManager(t, srv.URL, time.Hour, 10*time.Minute)

	_, err := tm.Acquire(context.Background())
	var authErr *AuthError
	assert.ErrorAs(t, err, &authErr)
}

func Test_Acquire_MissingCredentials(t *testing.T) {
	cache := NewMemoryCache()
	tm, err := NewTokenManager(cache, TokenManagerConfig{
		LoginURL: "http://localhost:1",
		TokenTTL: time.Hour,
		Key:      testKey,
	})
	assert.NoError(t, err)

	_, err = tm.Acquire(context.Background())
	var authErr *AuthError
	assert.ErrorAs(t, err, &authErr)
}

func Test_NewTokenManager_BadKey(t *testing.T) {
	_, err := NewTokenManager(NewMemoryCache(), TokenManagerConfig{Key: []byte("short")})
	assert.Error(t, err)
}

func Test_MemoryCache_Expiry(t *testing.T) {
	cache := NewMemoryCache()
	ctx := context.Background()

	assert.NoError(t, cache.Set(ctx, "k", []byte("v"), 20*time.Millisecond))

	val, ok, err := cache.Get(ctx, "k")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), val)

	time.Sleep(40 * time.Millisecond)

	_, ok, err = cache.Get(ctx, "k")
	assert.NoError(t, err)
	assert.False(t, ok)
}
