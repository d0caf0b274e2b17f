// Package kvstore abstracts the shared store holding port bindings. All
// backends keep a flat namespace of string keys (one per binding) under a
// backend-specific root: a Redis hash, or a key prefix for etcd and Consul.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

var logger = log.WithField("subsys", "kvstore")

var (
	// ErrUnavailable wraps every transport or server failure. Callers retry
	// on it.
	ErrUnavailable = errors.New("kvstore unavailable")
	// ErrNotSupported is returned by operations a backend lacks, see
	// Capabilities.
	ErrNotSupported = errors.New("operation not supported by backend")
)

// Capabilities is a bitmask of optional backend features.
type Capabilities uint32

const (
	// CapabilityCreateOnly means CreateOnly is atomic on the server.
	CapabilityCreateOnly Capabilities = 1 << iota
)

func (c Capabilities) Has(o Capabilities) bool { return c&o == o }

// Backend is a shared key-value store.
type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string
	Capabilities() Capabilities

	// CreateOnly sets key to value if the key does not exist yet and
	// reports whether it did.
	CreateOnly(ctx context.Context, key string, value []byte) (bool, error)
	Set(ctx context.Context, key string, value []byte) error
	// Get returns nil without error when the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete succeeds when the key does not exist.
	Delete(ctx context.Context, key string) error
	// List returns every key with its value.
	List(ctx context.Context) (map[string][]byte, error)

	Close() error
}

// Backend names accepted by NewClient.
const (
	MemoryBackend = "memory"
	RedisBackend  = "redis"
	EtcdBackend   = "etcd"
	ConsulBackend = "consul"
)

// Backends lists the backend names NewClient knows about.
var Backends = []string{MemoryBackend, RedisBackend, EtcdBackend, ConsulBackend}

// Config selects and parameterizes a backend.
type Config struct {
	Backend   string
	Endpoints []string
	// Key is the Redis hash holding bindings.
	Key string
	// Prefix roots the etcd and Consul keyspaces.
	Prefix string
	// Timeout bounds connection setup.
	Timeout time.Duration
	// QPS caps the operation rate; zero is unlimited.
	QPS float64
	// LeaseTTL attaches etcd keys to a lease kept alive by this client, so
	// the bindings of a dead instance expire. Zero disables leases.
	LeaseTTL time.Duration
}

const (
	DefaultKey     = "NAT"
	DefaultPrefix  = "distnat/bindings/"
	DefaultTimeout = 5 * time.Second
)

// NewClient connects to the configured backend and wraps it with rate
// limiting and instrumentation.
func NewClient(ctx context.Context, cfg Config) (Backend, error) {
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	var (
		b   Backend
		err error
	)
	switch cfg.Backend {
	case MemoryBackend:
		b = NewMemory()
	case RedisBackend:
		b, err = NewRedis(ctx, cfg)
	case EtcdBackend:
		b, err = NewEtcd(ctx, cfg)
	case ConsulBackend:
		b, err = NewConsul(cfg)
	default:
		return nil, fmt.Errorf("unknown kvstore backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	logger.WithFields(log.Fields{
		"backend":   b.Name(),
		"endpoints": cfg.Endpoints,
		"qps":       cfg.QPS,
	}).Info("Connected to kvstore")

	if cfg.QPS > 0 {
		b = WithRateLimit(b, cfg.QPS)
	}
	return Instrument(b), nil
}

func firstEndpoint(cfg Config, def string) string {
	if len(cfg.Endpoints) == 0 {
		return def
	}
	return cfg.Endpoints[0]
}

func unavailable(backend, op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%s %s: %w: %w", backend, op, ErrUnavailable, err)
}
