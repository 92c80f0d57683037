package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrKeyNotFound is returned when a key id is absent even after a refresh.
var ErrKeyNotFound = errors.New("key id not in key set")

type jwksDocument struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type keySnapshot struct {
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

// KeySet caches a remote JWKS document. Readers always see a complete
// snapshot; refreshes replace it with a single atomic store.
type KeySet struct {
	url        string
	ttl        time.Duration
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time

	current atomic.Pointer[keySnapshot]
	group   singleflight.Group
	fetches atomic.Int64
}

// KeySetOption customizes a KeySet.
type KeySetOption func(*KeySet)

// WithHTTPClient overrides the client used to fetch the key set.
func WithHTTPClient(c *http.Client) KeySetOption {
	return func(ks *KeySet) { ks.httpClient = c }
}

// WithKeySetClock overrides the clock used for TTL checks.
func WithKeySetClock(now func() time.Time) KeySetOption {
	return func(ks *KeySet) { ks.now = now }
}

// WithKeySetLogger sets the logger.
func WithKeySetLogger(l *zap.Logger) KeySetOption {
	return func(ks *KeySet) { ks.logger = l }
}

// NewKeySet builds a lazily fetched key set for url.
func NewKeySet(url string, ttl time.Duration, opts ...KeySetOption) *KeySet {
	if ttl <= 0 {
		ttl = time.Hour
	}
	ks := &KeySet{
		url:        url,
		ttl:        ttl,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(ks)
	}
	return ks
}

// Fetches reports how many times the remote key set was downloaded.
func (ks *KeySet) Fetches() int64 {
	return ks.fetches.Load()
}

// Key returns the public key for kid. An unknown kid forces one refresh
// before giving up.
func (ks *KeySet) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	snap, err := ks.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if key, ok := snap.keys[kid]; ok {
		return key, nil
	}

	snap, err = ks.refresh(ctx)
	if err != nil {
		return nil, err
	}
	if key, ok := snap.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
}

// KeyIDs lists the key ids of the current snapshot, fetching it if needed.
func (ks *KeySet) KeyIDs(ctx context.Context) ([]string, error) {
	snap, err := ks.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(snap.keys))
	for kid := range snap.keys {
		ids = append(ids, kid)
	}
	return ids, nil
}

// snapshot returns the cached keys, refreshing them when absent or past the TTL.
// A failed TTL refresh keeps serving the stale snapshot.
func (ks *KeySet) snapshot(ctx context.Context) (*keySnapshot, error) {
	snap := ks.current.Load()
	if snap != nil && ks.now().Sub(snap.fetchedAt) < ks.ttl {
		return snap, nil
	}
	fresh, err := ks.refresh(ctx)
	if err != nil {
		if snap != nil {
			ks.logger.Warn("jwks refresh failed, serving stale keys",
				zap.String("component", "auth"), zap.Error(err))
			return snap, nil
		}
		return nil, err
	}
	return fresh, nil
}

// refresh downloads the key set. Concurrent callers share one request, which
// is detached from the first caller's cancellation and bounded by the HTTP
// client timeout.
func (ks *KeySet) refresh(ctx context.Context) (*keySnapshot, error) {
	fetchCtx := context.WithoutCancel(ctx)
	v, err, _ := ks.group.Do("jwks", func() (interface{}, error) {
		keys, err := ks.fetch(fetchCtx)
		if err != nil {
			jwksRefreshes.WithLabelValues("error").Inc()
			return nil, err
		}
		snap := &keySnapshot{keys: keys, fetchedAt: ks.now()}
		ks.current.Store(snap)
		jwksRefreshes.WithLabelValues("ok").Inc()
		ks.logger.Info("jwks refreshed", zap.String("component", "auth"), zap.Int("keys", len(keys)))
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*keySnapshot), nil
}

func (ks *KeySet) fetch(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	ks.fetches.Add(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ks.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := ks.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jwks fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("jwks fetch failed: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var doc jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode jwks: %w", err)
	}
	return parseKeys(doc)
}

func parseKeys(doc jwksDocument) (map[string]*rsa.PublicKey, error) {
	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, key := range doc.Keys {
		if strings.ToUpper(strings.TrimSpace(key.Kty)) != "RSA" {
			continue
		}
		kid := strings.TrimSpace(key.Kid)
		if kid == "" {
			continue
		}
		nBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(key.N))
		if err != nil {
			return nil, fmt.Errorf("decode jwks n for %s: %w", kid, err)
		}
		eBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(key.E))
		if err != nil {
			return nil, fmt.Errorf("decode jwks e for %s: %w", kid, err)
		}
		eBig := new(big.Int).SetBytes(eBytes)
		if !eBig.IsInt64() || eBig.Int64() <= 1 {
			return nil, fmt.Errorf("invalid jwks exponent for key %s", kid)
		}
		keys[kid] = &rsa.PublicKey{
			N: new(big.Int).SetBytes(nBytes),
			E: int(eBig.Int64()),
		}
	}
	if len(keys) == 0 {
		return nil, errors.New("no RSA keys found in jwks")
	}
	return keys, nil
}
