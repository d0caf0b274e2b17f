package kvstore

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	consulAPI "github.com/hashicorp/consul/api"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"go.universe.tf/distnat/metrics"
)

// testBackend exercises the Backend contract shared by all implementations.
func testBackend(t *testing.T, b Backend) {
	ctx := context.Background()

	v, err := b.Get(ctx, "10.0.0.1:1024")
	require.NoError(t, err)
	require.Nil(t, v)

	all, err := b.List(ctx)
	require.NoError(t, err)
	require.Empty(t, all)

	if b.Capabilities().Has(CapabilityCreateOnly) {
		ok, err := b.CreateOnly(ctx, "10.0.0.1:1024", []byte("10.0.0.5:33333"))
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = b.CreateOnly(ctx, "10.0.0.1:1024", []byte("10.0.0.6:1"))
		require.NoError(t, err)
		require.False(t, ok)
	} else {
		_, err := b.CreateOnly(ctx, "10.0.0.1:1024", []byte("10.0.0.5:33333"))
		require.ErrorIs(t, err, ErrNotSupported)
		require.NoError(t, b.Set(ctx, "10.0.0.1:1024", []byte("10.0.0.5:33333")))
	}

	v, err = b.Get(ctx, "10.0.0.1:1024")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.5:33333", string(v))

	require.NoError(t, b.Set(ctx, "10.0.0.1:1025", []byte("10.0.0.7:80")))
	require.NoError(t, b.Set(ctx, "10.0.0.1:1025", []byte("10.0.0.7:81")))

	all, err = b.List(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string][]byte{
		"10.0.0.1:1024": []byte("10.0.0.5:33333"),
		"10.0.0.1:1025": []byte("10.0.0.7:81"),
	}, all)

	require.NoError(t, b.Delete(ctx, "10.0.0.1:1024"))
	require.NoError(t, b.Delete(ctx, "10.0.0.1:1024"), "deleting an absent key")
	v, err = b.Get(ctx, "10.0.0.1:1024")
	require.NoError(t, err)
	require.Nil(t, v)

	if b.Capabilities().Has(CapabilityCreateOnly) {
		ok, err := b.CreateOnly(ctx, "10.0.0.1:1024", []byte("10.0.0.6:1"))
		require.NoError(t, err)
		require.True(t, ok, "key is free again after delete")
	}

	require.NoError(t, b.Close())
}

func TestMemory(t *testing.T) {
	testBackend(t, NewMemory())
}

func TestMemoryWithoutCreateOnly(t *testing.T) {
	m := NewMemoryWithoutCreateOnly()
	require.False(t, m.Capabilities().Has(CapabilityCreateOnly))
	testBackend(t, m)
}

func TestMemoryCopiesValues(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	buf := []byte("10.0.0.5:1")
	require.NoError(t, m.Set(ctx, "k", buf))
	buf[0] = 'X'
	v, _ := m.Get(ctx, "k")
	require.Equal(t, "10.0.0.5:1", string(v))
}

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	r, err := NewRedis(context.Background(), Config{
		Endpoints: []string{mr.Addr()},
		Key:       DefaultKey,
		Timeout:   time.Second,
	})
	require.NoError(t, err)
	return r, mr
}

func TestRedis(t *testing.T) {
	r, _ := newTestRedis(t)
	testBackend(t, r)
}

func TestRedisUsesNATHash(t *testing.T) {
	r, mr := newTestRedis(t)
	defer r.Close()

	ok, err := r.CreateOnly(context.Background(), "10.0.0.1:1024", []byte("10.0.0.5:33333"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "10.0.0.5:33333", mr.HGet("NAT", "10.0.0.1:1024"))

	// Bindings written by other tools are visible.
	mr.HSet("NAT", "10.0.0.1:2000", "10.0.0.9:53")
	all, err := r.List(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "10.0.0.9:53", string(all["10.0.0.1:2000"]))
}

func TestRedisUnavailable(t *testing.T) {
	r, mr := newTestRedis(t)
	defer r.Close()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := r.Get(ctx, "10.0.0.1:1024")
	require.ErrorIs(t, err, ErrUnavailable)
	_, err = r.CreateOnly(ctx, "10.0.0.1:1024", []byte("x"))
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestNewRedisFailsWithoutServer(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedis(context.Background(), Config{Endpoints: []string{addr}, Timeout: time.Second})
	require.ErrorIs(t, err, ErrUnavailable)
}

// fakeConsul implements the subset of the Consul KV HTTP API the backend
// uses.
type fakeConsul struct {
	mu    sync.Mutex
	index uint64
	kv    map[string]*consulAPI.KVPair
}

func (f *fakeConsul) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key, ok := strings.CutPrefix(r.URL.Path, "/v1/kv/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("X-Consul-Index", "1")
	w.Header().Set("X-Consul-LastContact", "0")
	w.Header().Set("X-Consul-KnownLeader", "true")

	switch r.Method {
	case http.MethodGet:
		var pairs []*consulAPI.KVPair
		if r.URL.Query().Has("recurse") {
			for k, p := range f.kv {
				if strings.HasPrefix(k, key) {
					pairs = append(pairs, p)
				}
			}
		} else if p, ok := f.kv[key]; ok {
			pairs = append(pairs, p)
		}
		if len(pairs) == 0 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(pairs)
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		if r.URL.Query().Get("cas") == "0" {
			if _, exists := f.kv[key]; exists {
				io.WriteString(w, "false")
				return
			}
		}
		f.index++
		f.kv[key] = &consulAPI.KVPair{Key: key, Value: body, ModifyIndex: f.index}
		io.WriteString(w, "true")
	case http.MethodDelete:
		delete(f.kv, key)
		io.WriteString(w, "true")
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func TestConsul(t *testing.T) {
	fake := &fakeConsul{kv: map[string]*consulAPI.KVPair{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c, err := NewConsul(Config{Endpoints: []string{srv.URL}, Prefix: "/test/bindings/"})
	require.NoError(t, err)
	testBackend(t, c)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Contains(t, fake.kv, "test/bindings/10.0.0.1:1024")
}

func TestConsulUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no leader", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := NewConsul(Config{Endpoints: []string{srv.URL}})
	require.NoError(t, err)
	_, err = c.CreateOnly(context.Background(), "10.0.0.1:1024", []byte("x"))
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestNewClient(t *testing.T) {
	b, err := NewClient(context.Background(), Config{Backend: MemoryBackend, QPS: 100})
	require.NoError(t, err)
	require.Equal(t, MemoryBackend, b.Name())
	require.True(t, b.Capabilities().Has(CapabilityCreateOnly))
	testBackend(t, b)

	_, err = NewClient(context.Background(), Config{Backend: "zookeeper"})
	require.Error(t, err)
}

func TestRateLimitHonoursContext(t *testing.T) {
	b := WithRateLimit(NewMemory(), 1)
	ctx := context.Background()
	require.NoError(t, b.Set(ctx, "a", []byte("1")))

	// The single token is spent; the next call cannot get one in time.
	ctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err := b.Get(ctx, "a")
	require.Error(t, err)
}

func TestInstrumentCountsOutcomes(t *testing.T) {
	b := Instrument(NewMemoryWithoutCreateOnly())
	ctx := context.Background()

	okBefore := testutil.ToFloat64(metrics.KVStoreOperations.WithLabelValues(MemoryBackend, "set", "success"))
	failBefore := testutil.ToFloat64(metrics.KVStoreOperations.WithLabelValues(MemoryBackend, "create_only", "failure"))

	require.NoError(t, b.Set(ctx, "a", []byte("1")))
	_, err := b.CreateOnly(ctx, "a", []byte("1"))
	require.ErrorIs(t, err, ErrNotSupported)

	require.Equal(t, okBefore+1, testutil.ToFloat64(metrics.KVStoreOperations.WithLabelValues(MemoryBackend, "set", "success")))
	require.Equal(t, failBefore+1, testutil.ToFloat64(metrics.KVStoreOperations.WithLabelValues(MemoryBackend, "create_only", "failure")))
}
