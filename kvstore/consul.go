package kvstore

import (
	"context"
	"strings"

	consulAPI "github.com/hashicorp/consul/api"
)

// Consul stores one key per binding below a prefix. CreateOnly is a
// check-and-set with index 0, which only succeeds for absent keys.
type Consul struct {
	kv     *consulAPI.KV
	prefix string
}

// NewConsul builds a client for the first endpoint (default
// 127.0.0.1:8500). The Consul client connects lazily, so no request is made
// here.
func NewConsul(cfg Config) (*Consul, error) {
	conf := consulAPI.DefaultConfig()
	conf.Address = firstEndpoint(cfg, conf.Address)
	client, err := consulAPI.NewClient(conf)
	if err != nil {
		return nil, unavailable(ConsulBackend, "client", err)
	}
	prefix := strings.TrimPrefix(cfg.Prefix, "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Consul{kv: client.KV(), prefix: prefix}, nil
}

func (c *Consul) Name() string { return ConsulBackend }

func (c *Consul) Capabilities() Capabilities { return CapabilityCreateOnly }

func (c *Consul) CreateOnly(ctx context.Context, key string, value []byte) (bool, error) {
	pair := &consulAPI.KVPair{Key: c.prefix + key, Value: value, ModifyIndex: 0}
	ok, _, err := c.kv.CAS(pair, (&consulAPI.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return false, unavailable(ConsulBackend, "cas", err)
	}
	return ok, nil
}

func (c *Consul) Set(ctx context.Context, key string, value []byte) error {
	pair := &consulAPI.KVPair{Key: c.prefix + key, Value: value}
	if _, err := c.kv.Put(pair, (&consulAPI.WriteOptions{}).WithContext(ctx)); err != nil {
		return unavailable(ConsulBackend, "put", err)
	}
	return nil
}

func (c *Consul) Get(ctx context.Context, key string) ([]byte, error) {
	pair, _, err := c.kv.Get(c.prefix+key, (&consulAPI.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, unavailable(ConsulBackend, "get", err)
	}
	if pair == nil {
		return nil, nil
	}
	return pair.Value, nil
}

func (c *Consul) Delete(ctx context.Context, key string) error {
	if _, err := c.kv.Delete(c.prefix+key, (&consulAPI.WriteOptions{}).WithContext(ctx)); err != nil {
		return unavailable(ConsulBackend, "delete", err)
	}
	return nil
}

func (c *Consul) List(ctx context.Context) (map[string][]byte, error) {
	pairs, _, err := c.kv.List(c.prefix, (&consulAPI.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, unavailable(ConsulBackend, "list", err)
	}
	ret := make(map[string][]byte, len(pairs))
	for _, p := range pairs {
		ret[strings.TrimPrefix(p.Key, c.prefix)] = p.Value
	}
	return ret, nil
}

func (c *Consul) Close() error { return nil }
