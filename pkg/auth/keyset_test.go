package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeySet_LazyFetchThenCached(t *testing.T) {
	key := newSigningKey(t, "kid-a")
	srv := newJWKSServer(t, key)
	ks := NewKeySet(srv.URL, time.Hour)

	assert.Zero(t, srv.hits.Load())

	for i := 0; i < 3; i++ {
		got, err := ks.Key(context.Background(), "kid-a")
		require.NoError(t, err)
		assert.Equal(t, key.priv.PublicKey.N, got.N)
	}
	assert.EqualValues(t, 1, srv.hits.Load())
	assert.EqualValues(t, 1, ks.Fetches())
}

func TestKeySet_RefreshesAfterTTL(t *testing.T) {
	key := newSigningKey(t, "kid-a")
	srv := newJWKSServer(t, key)

	var now atomic.Int64
	now.Store(time.Now().UnixNano())
	clock := func() time.Time { return time.Unix(0, now.Load()) }
	ks := NewKeySet(srv.URL, time.Hour, WithKeySetClock(clock))

	_, err := ks.Key(context.Background(), "kid-a")
	require.NoError(t, err)

	now.Add(int64(59 * time.Minute))
	_, err = ks.Key(context.Background(), "kid-a")
	require.NoError(t, err)
	assert.EqualValues(t, 1, srv.hits.Load())

	now.Add(int64(2 * time.Minute))
	_, err = ks.Key(context.Background(), "kid-a")
	require.NoError(t, err)
	assert.EqualValues(t, 2, srv.hits.Load())
}

func TestKeySet_ServesStaleKeysWhenTTLRefreshFails(t *testing.T) {
	key := newSigningKey(t, "kid-a")
	var failing atomic.Bool
	good := newJWKSServer(t, key)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		good.Config.Handler.ServeHTTP(w, r)
	}))
	defer srv.Close()

	var now atomic.Int64
	now.Store(time.Now().UnixNano())
	ks := NewKeySet(srv.URL, time.Minute, WithKeySetClock(func() time.Time { return time.Unix(0, now.Load()) }))

	_, err := ks.Key(context.Background(), "kid-a")
	require.NoError(t, err)

	failing.Store(true)
	now.Add(int64(5 * time.Minute))

	got, err := ks.Key(context.Background(), "kid-a")
	require.NoError(t, err)
	assert.Equal(t, key.priv.PublicKey.E, got.E)
}

func TestKeySet_ConcurrentReadersDuringRotation(t *testing.T) {
	keyA := newSigningKey(t, "kid-a")
	keyB := newSigningKey(t, "kid-b")
	srv := newJWKSServer(t, keyA)
	ks := NewKeySet(srv.URL, time.Hour)

	_, err := ks.Key(context.Background(), "kid-a")
	require.NoError(t, err)
	srv.publish(keyA, keyB)

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := ks.Key(context.Background(), "kid-a")
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, err := ks.Key(context.Background(), "kid-b")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	// One initial fetch plus at most one refresh per miss wave.
	assert.LessOrEqual(t, srv.hits.Load(), int64(21))
	assert.GreaterOrEqual(t, srv.hits.Load(), int64(2))
}

func TestKeySet_KeyIDs(t *testing.T) {
	srv := newJWKSServer(t, newSigningKey(t, "kid-a"), newSigningKey(t, "kid-b"))
	ks := NewKeySet(srv.URL, time.Hour)

	ids, err := ks.KeyIDs(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"kid-a", "kid-b"}, ids)
}

func TestParseKeys_SkipsNonRSAAndRejectsEmpty(t *testing.T) {
	_, err := parseKeys(jwksDocument{Keys: []jwk{{Kty: "EC", Kid: "ec-1"}}})
	assert.Error(t, err)

	_, err = parseKeys(jwksDocument{Keys: []jwk{{Kty: "RSA", Kid: "bad", N: "!!", E: "AQAB"}}})
	assert.Error(t, err)
}

func TestKeySet_FetchSurvivesCallerCancellation(t *testing.T) {
	key := newSigningKey(t, "kid-a")
	srv := newJWKSServer(t, key)
	ks := NewKeySet(srv.URL, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got, err := ks.Key(ctx, "kid-a")
	require.NoError(t, err)
	assert.Equal(t, key.priv.PublicKey.N, got.N)

	// Later callers reuse the snapshot stored by the detached fetch.
	_, err = ks.Key(context.Background(), "kid-a")
	require.NoError(t, err)
	assert.EqualValues(t, 1, srv.hits.Load())
}
