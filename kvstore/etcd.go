package kvstore

import (
	"bytes"
	"context"
	"maps"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
	"k8s.io/apimachinery/pkg/util/wait"

	"go.universe.tf/distnat/metrics"
)

// Etcd stores one key per binding below a prefix. CreateOnly is a
// transaction conditioned on the key's version being zero.
type Etcd struct {
	client  *clientv3.Client
	prefix  string
	timeout time.Duration
	ttl     int64

	mu    sync.Mutex
	lease clientv3.LeaseID
	// leased holds the keys this client wrote under its lease, with their
	// values, so they can be written again if the lease is lost.
	leased map[string]string

	cancel context.CancelFunc
	done   chan struct{}
}

// NewEtcd connects to the configured endpoints (default
// http://127.0.0.1:2379). With a LeaseTTL, it grants a lease and keeps it
// alive until Close, granting a new one whenever the old one is lost.
func NewEtcd(ctx context.Context, cfg Config) (*Etcd, error) {
	endpoints := cfg.Endpoints
	if len(endpoints) == 0 {
		endpoints = []string{"http://127.0.0.1:2379"}
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: cfg.Timeout,
	})
	if err != nil {
		return nil, unavailable(EtcdBackend, "dial", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	e := &Etcd{
		client:  client,
		prefix:  prefix,
		timeout: timeout,
		leased:  map[string]string{},
		cancel:  func() {},
	}

	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := client.Status(sctx, endpoints[0]); err != nil {
		client.Close()
		return nil, unavailable(EtcdBackend, "status", err)
	}

	if cfg.LeaseTTL > 0 {
		if err := e.keepLease(sctx, int64(cfg.LeaseTTL.Seconds())); err != nil {
			client.Close()
			return nil, err
		}
	}
	return e, nil
}

func (e *Etcd) keepLease(ctx context.Context, ttl int64) error {
	if ttl < 1 {
		ttl = 1
	}
	e.ttl = ttl

	kctx, cancel := context.WithCancel(context.Background())
	ch, err := e.grant(ctx, kctx)
	if err != nil {
		cancel()
		return err
	}
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.maintainLease(kctx, ch)
	logger.WithFields(log.Fields{"lease": int64(e.currentLease()), "ttl": ttl}).Info("Bindings attached to etcd lease")
	return nil
}

// grant obtains a lease kept alive until kctx ends and moves every leased
// key under it.
func (e *Etcd) grant(ctx, kctx context.Context) (<-chan *clientv3.LeaseKeepAliveResponse, error) {
	resp, err := e.client.Grant(ctx, e.ttl)
	if err != nil {
		return nil, unavailable(EtcdBackend, "grant", err)
	}
	ch, err := e.client.KeepAlive(kctx, resp.ID)
	if err != nil {
		e.revoke(resp.ID)
		return nil, unavailable(EtcdBackend, "keepalive", err)
	}

	e.mu.Lock()
	e.lease = resp.ID
	keys := maps.Clone(e.leased)
	e.mu.Unlock()

	for key, value := range keys {
		if err := e.republish(ctx, key, value, resp.ID); err != nil {
			e.revoke(resp.ID)
			return nil, err
		}
	}
	return ch, nil
}

func (e *Etcd) revoke(lease clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()
	if _, err := e.client.Revoke(ctx, lease); err != nil {
		logger.WithError(err).WithField("lease", int64(lease)).Debug("Revoking unused etcd lease")
	}
}

// republish writes key back under lease. A key bound to another value in
// the meantime is no longer ours and is forgotten.
func (e *Etcd) republish(ctx context.Context, key, value string, lease clientv3.LeaseID) error {
	k := e.prefix + key
	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Version(k), "=", 0)).
		Then(clientv3.OpPut(k, value, clientv3.WithLease(lease))).
		Else(clientv3.OpGet(k)).
		Commit()
	if err != nil {
		return unavailable(EtcdBackend, "txn", err)
	}
	if resp.Succeeded {
		return nil
	}
	kvs := resp.Responses[0].GetResponseRange().GetKvs()
	if len(kvs) == 1 && string(kvs[0].Value) == value {
		if _, err := e.client.Put(ctx, k, value, clientv3.WithLease(lease)); err != nil {
			return unavailable(EtcdBackend, "put", err)
		}
		return nil
	}

	e.mu.Lock()
	if e.leased[key] == value {
		delete(e.leased, key)
	}
	e.mu.Unlock()
	logger.WithField("key", key).Warn("Binding taken by another client while the etcd lease was lost")
	return nil
}

// maintainLease waits for the keepalive channel to close and, unless ctx
// ended, replaces the lost lease.
func (e *Etcd) maintainLease(ctx context.Context, ch <-chan *clientv3.LeaseKeepAliveResponse) {
	defer close(e.done)
	for {
		for range ch {
		}
		if ctx.Err() != nil {
			return
		}
		logger.WithField("lease", int64(e.currentLease())).Warn("etcd lease lost, granting a new one")
		metrics.KVStoreLeaseRenewals.Inc()

		err := wait.PollUntilContextCancel(ctx, time.Second, true, func(ctx context.Context) (bool, error) {
			octx, cancel := context.WithTimeout(ctx, e.timeout)
			defer cancel()
			next, err := e.grant(octx, ctx)
			if err != nil {
				logger.WithError(err).Warn("Could not renew etcd lease")
				return false, nil
			}
			ch = next
			return true, nil
		})
		if err != nil {
			return
		}
		logger.WithFields(log.Fields{"lease": int64(e.currentLease()), "keys": e.leasedKeys()}).Info("Bindings attached to new etcd lease")
	}
}

func (e *Etcd) currentLease() clientv3.LeaseID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lease
}

func (e *Etcd) leasedKeys() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.leased)
}

// track records key as written under the lease. Without a lease there is
// nothing to renew.
func (e *Etcd) track(key string, value []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lease != 0 {
		e.leased[key] = string(value)
	}
}

func (e *Etcd) Name() string { return EtcdBackend }

func (e *Etcd) Capabilities() Capabilities { return CapabilityCreateOnly }

func (e *Etcd) putOpts() []clientv3.OpOption {
	lease := e.currentLease()
	if lease == 0 {
		return nil
	}
	return []clientv3.OpOption{clientv3.WithLease(lease)}
}

// CreateOnly reports false when the key exists. If it already holds value,
// it is moved under this client's lease, as left behind by a previous run
// whose lease has not expired yet.
func (e *Etcd) CreateOnly(ctx context.Context, key string, value []byte) (bool, error) {
	k := e.prefix + key
	opts := e.putOpts()
	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Version(k), "=", 0)).
		Then(clientv3.OpPut(k, string(value), opts...)).
		Else(clientv3.OpGet(k)).
		Commit()
	if err != nil {
		return false, unavailable(EtcdBackend, "txn", err)
	}
	if resp.Succeeded {
		e.track(key, value)
		return true, nil
	}

	kvs := resp.Responses[0].GetResponseRange().GetKvs()
	if len(opts) > 0 && len(kvs) == 1 && bytes.Equal(kvs[0].Value, value) && clientv3.LeaseID(kvs[0].Lease) != e.currentLease() {
		if err := e.Set(ctx, key, value); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (e *Etcd) Set(ctx context.Context, key string, value []byte) error {
	if _, err := e.client.Put(ctx, e.prefix+key, string(value), e.putOpts()...); err != nil {
		return unavailable(EtcdBackend, "put", err)
	}
	e.track(key, value)
	return nil
}

func (e *Etcd) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := e.client.Get(ctx, e.prefix+key)
	if err != nil {
		return nil, unavailable(EtcdBackend, "get", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, nil
	}
	return resp.Kvs[0].Value, nil
}

func (e *Etcd) Delete(ctx context.Context, key string) error {
	if _, err := e.client.Delete(ctx, e.prefix+key); err != nil {
		return unavailable(EtcdBackend, "delete", err)
	}
	e.mu.Lock()
	delete(e.leased, key)
	e.mu.Unlock()
	return nil
}

func (e *Etcd) List(ctx context.Context) (map[string][]byte, error) {
	resp, err := e.client.Get(ctx, e.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, unavailable(EtcdBackend, "list", err)
	}
	ret := make(map[string][]byte, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		ret[strings.TrimPrefix(string(kv.Key), e.prefix)] = kv.Value
	}
	return ret, nil
}

// Close stops the lease keepalive, leaving leased keys to expire, and
// closes the client.
func (e *Etcd) Close() error {
	e.cancel()
	if e.done != nil {
		<-e.done
	}
	return e.client.Close()
}
