package cacheguard

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/keithlinneman/linnemanlabs-edge/internal/kvstore"
	"github.com/keithlinneman/linnemanlabs-edge/internal/signing"
	"github.com/keithlinneman/linnemanlabs-edge/internal/token"
)

// countingStore is an in-memory kvstore.Store that counts reads so tests can
// assert the cache was never consulted for a rejected request.
type countingStore struct {
	mu   sync.Mutex
	data map[string][]byte
	gets int
	sets int

	failGet error
	failSet error
}

func newCountingStore() *countingStore {
	return &countingStore{data: make(map[string][]byte)}
}

func (s *countingStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if s.failGet != nil {
		return nil, s.failGet
	}
	b, ok := s.data[key]
	if !ok {
		return nil, kvstore.ErrNotFound
	}
	return b, nil
}

func (s *countingStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets++
	if s.failSet != nil {
		return s.failSet
	}
	s.data[key] = value
	return nil
}

func (s *countingStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return false, errors.New("not used")
}

func (s *countingStore) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	return 0, errors.New("not used")
}

func (s *countingStore) Ping(ctx context.Context) error { return nil }

var testSigner = signing.New([]byte("cacheguard-test-secret"))

// signedURL builds a request URL whose query carries a valid token for key.
func signedURL(t *testing.T, key string, expiresAt time.Time) *url.URL {
	t.Helper()
	expires := expiresAt.Unix()
	q := url.Values{}
	q.Set(token.ParamExpires, strconv.FormatInt(expires, 10))
	q.Set(token.ParamSignature, testSigner.SignToken(key, expires))
	return &url.URL{Path: "/og/" + key, RawQuery: q.Encode()}
}

func TestServe_MissRendersThenCaches(t *testing.T) {
	store := newCountingStore()
	g := New(store, testSigner)
	u := signedURL(t, "og/home.png", time.Now().Add(time.Hour))

	var renders int
	produce := func(ctx context.Context) ([]byte, error) {
		renders++
		return []byte("png-bytes"), nil
	}

	body, err := g.Serve(context.Background(), "og/home.png", u, produce)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "png-bytes" {
		t.Fatalf("body = %q", body)
	}
	if renders != 1 || store.sets != 1 {
		t.Fatalf("renders=%d sets=%d, want 1 and 1", renders, store.sets)
	}

	// second request with the same token hits the cache
	body, err = g.Serve(context.Background(), "og/home.png", u, produce)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "png-bytes" {
		t.Fatalf("cached body = %q", body)
	}
	if renders != 1 {
		t.Fatalf("renders = %d after cache hit, want 1", renders)
	}
}

func TestServe_ExpiredTokenNeverTouchesCache(t *testing.T) {
	store := newCountingStore()
	g := New(store, testSigner)

	// warm the cache with a valid token first
	valid := signedURL(t, "og/home.png", time.Now().Add(time.Hour))
	if _, err := g.Serve(context.Background(), "og/home.png", valid, func(ctx context.Context) ([]byte, error) {
		return []byte("cached"), nil
	}); err != nil {
		t.Fatal(err)
	}
	getsBefore := store.gets

	expired := signedURL(t, "og/home.png", time.Now().Add(-time.Minute))
	_, err := g.Serve(context.Background(), "og/home.png", expired, func(ctx context.Context) ([]byte, error) {
		t.Fatal("producer ran for an expired token")
		return nil, nil
	})
	if !errors.Is(err, token.ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
	if store.gets != getsBefore {
		t.Fatal("cache was read for an expired token")
	}
}

func TestServe_BadSignatureNeverTouchesCache(t *testing.T) {
	store := newCountingStore()
	g := New(store, testSigner)

	u := signedURL(t, "og/home.png", time.Now().Add(time.Hour))
	q := u.Query()
	q.Set(token.ParamSignature, "forged")
	u.RawQuery = q.Encode()

	_, err := g.Serve(context.Background(), "og/home.png", u, func(ctx context.Context) ([]byte, error) {
		t.Fatal("producer ran for a forged token")
		return nil, nil
	})
	if !errors.Is(err, token.ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
	if store.gets != 0 {
		t.Fatal("cache was read for a forged token")
	}
}

func TestServe_MissingParamsMalformed(t *testing.T) {
	store := newCountingStore()
	g := New(store, testSigner)

	u := &url.URL{Path: "/og/home.png"}
	_, err := g.Serve(context.Background(), "og/home.png", u, nil)
	if !errors.Is(err, token.ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
	if store.gets != 0 {
		t.Fatal("cache was read for a malformed request")
	}
}

func TestServe_TokensCacheIndependently(t *testing.T) {
	store := newCountingStore()
	g := New(store, testSigner)

	u1 := signedURL(t, "og/home.png", time.Now().Add(time.Hour))
	u2 := signedURL(t, "og/home.png", time.Now().Add(2*time.Hour))

	var renders int
	produce := func(ctx context.Context) ([]byte, error) {
		renders++
		return []byte("x"), nil
	}

	if _, err := g.Serve(context.Background(), "og/home.png", u1, produce); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Serve(context.Background(), "og/home.png", u2, produce); err != nil {
		t.Fatal(err)
	}
	if renders != 2 {
		t.Fatalf("renders = %d, want 2: different tokens must not share entries", renders)
	}
}

func TestServe_EntryTTLCappedAtTokenExpiry(t *testing.T) {
	u := signedURL(t, "og/home.png", time.Now().Add(30*time.Second))

	rec := &ttlRecorder{inner: newCountingStore()}
	g := New(rec, testSigner)
	if _, err := g.Serve(context.Background(), "og/home.png", u, func(ctx context.Context) ([]byte, error) {
		return []byte("x"), nil
	}); err != nil {
		t.Fatal(err)
	}
	if rec.lastTTL <= 0 || rec.lastTTL > 30*time.Second {
		t.Fatalf("cache ttl = %v, want within (0, 30s]", rec.lastTTL)
	}
}

func TestServe_EntryTTLCappedAtMaxTTL(t *testing.T) {
	// token good for a day, guard configured for a one-minute cache
	u := signedURL(t, "og/home.png", time.Now().Add(24*time.Hour))

	rec := &ttlRecorder{inner: newCountingStore()}
	g := New(rec, testSigner)
	g.MaxTTL = time.Minute
	if _, err := g.Serve(context.Background(), "og/home.png", u, func(ctx context.Context) ([]byte, error) {
		return []byte("x"), nil
	}); err != nil {
		t.Fatal(err)
	}
	if rec.lastTTL != time.Minute {
		t.Fatalf("cache ttl = %v, want %v", rec.lastTTL, time.Minute)
	}
}

type ttlRecorder struct {
	inner   kvstore.Store
	lastTTL time.Duration
}

func (r *ttlRecorder) Get(ctx context.Context, key string) ([]byte, error) {
	return r.inner.Get(ctx, key)
}

func (r *ttlRecorder) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	r.lastTTL = ttl
	return r.inner.Set(ctx, key, value, ttl)
}

func (r *ttlRecorder) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return r.inner.SetNX(ctx, key, value, ttl)
}

func (r *ttlRecorder) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	return r.inner.IncrWindow(ctx, key, window)
}

func (r *ttlRecorder) Ping(ctx context.Context) error { return r.inner.Ping(ctx) }

func TestServe_CacheOutageDegradesToRender(t *testing.T) {
	store := newCountingStore()
	store.failGet = errors.New("connection refused")
	store.failSet = errors.New("connection refused")
	g := New(store, testSigner)
	u := signedURL(t, "og/home.png", time.Now().Add(time.Hour))

	body, err := g.Serve(context.Background(), "og/home.png", u, func(ctx context.Context) ([]byte, error) {
		return []byte("rendered"), nil
	})
	if err != nil {
		t.Fatalf("cache outage must not fail the request: %v", err)
	}
	if string(body) != "rendered" {
		t.Fatalf("body = %q", body)
	}
}

func TestServe_ProducerErrorPropagates(t *testing.T) {
	store := newCountingStore()
	g := New(store, testSigner)
	u := signedURL(t, "og/home.png", time.Now().Add(time.Hour))

	boom := errors.New("render failed")
	_, err := g.Serve(context.Background(), "og/home.png", u, func(ctx context.Context) ([]byte, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want producer error", err)
	}
	if store.sets != 0 {
		t.Fatal("failed render was cached")
	}
}

func TestServe_HitMissHooks(t *testing.T) {
	store := newCountingStore()
	g := New(store, testSigner)
	var hits, misses int
	g.OnHit = func() { hits++ }
	g.OnMiss = func() { misses++ }

	u := signedURL(t, "og/home.png", time.Now().Add(time.Hour))
	produce := func(ctx context.Context) ([]byte, error) { return []byte("x"), nil }

	g.Serve(context.Background(), "og/home.png", u, produce)
	g.Serve(context.Background(), "og/home.png", u, produce)

	if misses != 1 || hits != 1 {
		t.Fatalf("hits=%d misses=%d, want 1 and 1", hits, misses)
	}
}
