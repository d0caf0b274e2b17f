package kvstore

import (
	"context"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"
)

func localURL(t *testing.T) url.URL {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return url.URL{Scheme: "http", Host: addr}
}

// startEtcd runs a single member etcd server until the test ends and
// returns its client URL.
func startEtcd(t *testing.T) string {
	t.Helper()
	cfg := embed.NewConfig()
	cfg.Dir = t.TempDir()
	cfg.LogLevel = "error"
	client, peer := localURL(t), localURL(t)
	cfg.ListenClientUrls = []url.URL{client}
	cfg.AdvertiseClientUrls = []url.URL{client}
	cfg.ListenPeerUrls = []url.URL{peer}
	cfg.AdvertisePeerUrls = []url.URL{peer}
	cfg.InitialCluster = cfg.InitialClusterFromName(cfg.Name)

	e, err := embed.StartEtcd(cfg)
	require.NoError(t, err)
	t.Cleanup(e.Close)

	select {
	case <-e.Server.ReadyNotify():
	case <-time.After(30 * time.Second):
		e.Server.Stop()
		t.Fatal("etcd did not become ready")
	}
	return client.String()
}

func newTestEtcd(t *testing.T, endpoint string, leaseTTL time.Duration) *Etcd {
	t.Helper()
	b, err := NewEtcd(context.Background(), Config{
		Endpoints: []string{endpoint},
		Prefix:    "distnat/",
		Timeout:   5 * time.Second,
		LeaseTTL:  leaseTTL,
	})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestEtcd(t *testing.T) {
	endpoint := startEtcd(t)
	testBackend(t, newTestEtcd(t, endpoint, 0))
}

func TestEtcdWithLease(t *testing.T) {
	endpoint := startEtcd(t)
	testBackend(t, newTestEtcd(t, endpoint, 10*time.Second))
}

func leaseOf(t *testing.T, b *Etcd, key string) (value string, lease clientv3.LeaseID) {
	t.Helper()
	resp, err := b.client.Get(context.Background(), b.prefix+key)
	require.NoError(t, err)
	if len(resp.Kvs) == 0 {
		return "", 0
	}
	return string(resp.Kvs[0].Value), clientv3.LeaseID(resp.Kvs[0].Lease)
}

// Losing the lease drops every leased key. The backend grants a new lease
// and writes back the keys nobody else took in the meantime.
func TestEtcdRenewsLostLease(t *testing.T) {
	ctx := context.Background()
	endpoint := startEtcd(t)
	b := newTestEtcd(t, endpoint, 5*time.Second)

	ok, err := b.CreateOnly(ctx, "10.0.0.1:1024", []byte("10.0.0.5:33333@nf-a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, b.Set(ctx, "10.0.0.1:1025", []byte("10.0.0.6:40000@nf-a")))
	require.NoError(t, b.Set(ctx, "10.0.0.1:1026", []byte("10.0.0.7:1@nf-a")))
	require.NoError(t, b.Delete(ctx, "10.0.0.1:1026"))

	old := b.currentLease()
	_, lease := leaseOf(t, b, "10.0.0.1:1024")
	require.Equal(t, old, lease)

	// A peer rebinds one of the ports, then the lease is lost.
	_, err = b.client.Put(ctx, b.prefix+"10.0.0.1:1025", "10.0.0.8:2@nf-b")
	require.NoError(t, err)
	_, err = b.client.Revoke(ctx, old)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		value, lease := leaseOf(t, b, "10.0.0.1:1024")
		return value == "10.0.0.5:33333@nf-a" && lease != 0 && lease != old
	}, 30*time.Second, 50*time.Millisecond)
	_, lease = leaseOf(t, b, "10.0.0.1:1024")
	require.Equal(t, b.currentLease(), lease)

	value, lease := leaseOf(t, b, "10.0.0.1:1025")
	require.Equal(t, "10.0.0.8:2@nf-b", value, "peer keeps its binding")
	require.Zero(t, lease)
	value, _ = leaseOf(t, b, "10.0.0.1:1026")
	require.Empty(t, value, "deleted keys stay deleted")
	require.Equal(t, 1, b.leasedKeys())

	// Writes go through the new lease.
	require.NoError(t, b.Set(ctx, "10.0.0.1:1027", []byte("10.0.0.9:3@nf-a")))
	_, lease = leaseOf(t, b, "10.0.0.1:1027")
	require.Equal(t, b.currentLease(), lease)
}

// A restarted instance finds its own bindings still held by its previous
// lease, and takes them over so they outlive that lease.
func TestEtcdCreateOnlyAdoptsOwnValue(t *testing.T) {
	ctx := context.Background()
	endpoint := startEtcd(t)
	before := newTestEtcd(t, endpoint, 5*time.Second)
	ok, err := before.CreateOnly(ctx, "10.0.0.1:1024", []byte("10.0.0.5:33333@nf-a"))
	require.NoError(t, err)
	require.True(t, ok)

	after := newTestEtcd(t, endpoint, 5*time.Second)
	ok, err = after.CreateOnly(ctx, "10.0.0.1:1024", []byte("10.0.0.5:33333@nf-a"))
	require.NoError(t, err)
	require.False(t, ok)
	_, lease := leaseOf(t, after, "10.0.0.1:1024")
	require.Equal(t, after.currentLease(), lease)

	ok, err = after.CreateOnly(ctx, "10.0.0.1:1024", []byte("10.0.0.6:1@nf-b"))
	require.NoError(t, err)
	require.False(t, ok)
	value, lease := leaseOf(t, after, "10.0.0.1:1024")
	require.Equal(t, "10.0.0.5:33333@nf-a", value)
	require.Equal(t, after.currentLease(), lease)
}
