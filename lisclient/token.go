package lisclient

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"
)

// TokenCacheKey is the fixed name under which the bearer token is cached.
const TokenCacheKey = "lis_access_token"

const loginAttempts = 2

// TokenCache is the cluster-shared store for the encrypted token. A Get
// on an expired or missing entry reports ok=false.
type TokenCache interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// AuthError reports a failure to obtain a LIS token.
type AuthError struct {
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth failed: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("auth failed: %s", e.Message)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TokenManagerConfig carries everything the manager needs to log in and
// cache the result.
type TokenManagerConfig struct {
	LoginURL    string
	Email       string
	Password    string
	TokenTTL    time.Duration // real lifetime of a LIS token
	CacheMargin time.Duration // cache TTL = TokenTTL - CacheMargin
	Key         []byte        // AES key, 16/24/32 bytes
	Timeout     time.Duration // per login call
	RetryDelay  time.Duration // between login transport retries
}

// TokenManager obtains a valid bearer token: cached when fresh, freshly
// fetched otherwise. The cached value is AES-GCM encrypted so a shared
// cache never holds a plaintext credential.
type TokenManager struct {
	cache      TokenCache
	httpClient *http.Client
	cfg        TokenManagerConfig
	aead       cipher.AEAD
	group      singleflight.Group
}

// NewTokenManager builds a manager. The key must be a valid AES key.
func NewTokenManager(cache TokenCache, cfg TokenManagerConfig) (*TokenManager, error) {
	block, err := aes.NewCipher(cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("token encryption key: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("token encryption mode: %w", err)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &TokenManager{
		cache:      cache,
		httpClient: &http.Client{Timeout: timeout},
		cfg:        cfg,
		aead:       aead,
	}, nil
}

// Acquire returns a valid token, from cache when possible. Concurrent
// cache misses collapse into a single login call.
func (tm *TokenManager) Acquire(ctx context.Context) (string, error) {
	if ciphertext, ok, err := tm.cache.Get(ctx, TokenCacheKey); err == nil && ok {
		if token, err := tm.decrypt(ciphertext); err == nil {
			return token, nil
		}
		// Undecryptable entries (rotated key, corruption) count as a miss.
	}

	token, err, _ := tm.group.Do(TokenCacheKey, func() (interface{}, error) {
		return tm.fetchNew(ctx)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

// Invalidate clears the cached token. Called after an observed 401.
func (tm *TokenManager) Invalidate(ctx context.Context) error {
	return tm.cache.Delete(ctx, TokenCacheKey)
}

// fetchNew logs in against the LIS and refreshes the cache. The cache TTL
// stays below the token's real lifetime so a cached token is never served
// right at its expiry.
func (tm *TokenManager) fetchNew(ctx context.Context) (string, error) {
	if tm.cfg.Email == "" || tm.cfg.Password == "" {
		return "", &AuthError{Message: "LIS credentials are not configured"}
	}

	body, err := json.Marshal(map[string]string{
		"email":    tm.cfg.Email,
		"password": tm.cfg.Password,
	})
	if err != nil {
		return "", &AuthError{Message: "failed to build login request", Err: err}
	}

	resp, respBody, err := tm.postLogin(ctx, body)
	if err != nil {
		return "", &AuthError{Message: "login request failed", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &AuthError{Message: fmt.Sprintf("login rejected with status %d: %s", resp.StatusCode, string(respBody))}
	}

	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(respBody, &payload); err != nil {
		return "", &AuthError{Message: "failed to parse login response", Err: err}
	}
	if payload.AccessToken == "" {
		return "", &AuthError{Message: "login response contained no token"}
	}

	ttl := tm.cfg.TokenTTL - tm.cfg.CacheMargin
	if ttl <= 0 {
		ttl = tm.cfg.TokenTTL
	}
	ciphertext, err := tm.encrypt(payload.AccessToken)
	if err != nil {
		return "", &AuthError{Message: "failed to encrypt token", Err: err}
	}
	if err := tm.cache.Set(ctx, TokenCacheKey, ciphertext, ttl); err != nil {
		return "", &AuthError{Message: "failed to cache token", Err: err}
	}

	return payload.AccessToken, nil
}

// postLogin performs the login POST with a bounded transport-level retry.
func (tm *TokenManager) postLogin(ctx context.Context, body []byte) (*http.Response, []byte, error) {
	var lastErr error
	for attempt := 1; attempt <= loginAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, tm.cfg.LoginURL, bytes.NewReader(body))
		if err != nil {
			return nil, nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := tm.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if attempt < loginAttempts {
				select {
				case <-ctx.Done():
					return nil, nil, ctx.Err()
				case <-time.After(tm.cfg.RetryDelay):
				}
			}
			continue
		}
		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, nil, err
		}
		return resp, respBody, nil
	}
	return nil, nil, lastErr
}

func (tm *TokenManager) encrypt(token string) ([]byte, error) {
	nonce := make([]byte, tm.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return tm.aead.Seal(nonce, nonce, []byte(token), nil), nil
}

func (tm *TokenManager) decrypt(ciphertext []byte) (string, error) {
	if len(ciphertext) < tm.aead.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := ciphertext[:tm.aead.NonceSize()], ciphertext[tm.aead.NonceSize():]
	plain, err := tm.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
