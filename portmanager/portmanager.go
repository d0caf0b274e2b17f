// Package portmanager coordinates NAT port ownership between instances
// through a shared key-value store.
package portmanager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"k8s.io/apimachinery/pkg/util/wait"

	"go.universe.tf/distnat/flow"
	"go.universe.tf/distnat/kvstore"
	"go.universe.tf/distnat/metrics"
)

var logger = log.WithField("subsys", "portmanager")

// ErrConflict is returned by Claim when the port is bound to a different
// original endpoint.
var ErrConflict = errors.New("port bound to another endpoint")

// Listener receives the outcome of requested claims. Calls come from the
// worker goroutine, or from RequestClaim itself when the queue is full.
type Listener interface {
	Confirmed(natIP uint32, port uint16, original flow.Flow)
	Conflicted(natIP uint32, port uint16, original flow.Flow)
	Unconfirmed(natIP uint32, port uint16, original flow.Flow)
}

type Config struct {
	// Instance names this NAT instance in the bindings it writes. Bindings
	// naming another instance are never treated as ours, even for the same
	// original endpoint.
	Instance string
	// MaxAttempts bounds store attempts per claim or release.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// QueueSize is the capacity of the request queue. Requests beyond it
	// are not queued.
	QueueSize int
	// OpTimeout bounds a single store operation.
	OpTimeout time.Duration
	// ShutdownTimeout bounds the release of owned bindings when Run exits.
	ShutdownTimeout time.Duration
}

const (
	DefaultMaxAttempts     = 5
	DefaultInitialBackoff  = 100 * time.Millisecond
	DefaultMaxBackoff      = 5 * time.Second
	DefaultQueueSize       = 4096
	DefaultOpTimeout       = 2 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
)

func (c *Config) setDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = DefaultOpTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
}

type opKind int

const (
	opClaim opKind = iota
	opRelease
)

type request struct {
	op       opKind
	natIP    uint32
	port     uint16
	original flow.Flow
	owner    flow.Endpoint
}

// claim is the coordinator's view of a binding it asked for.
type claim struct {
	owner     flow.Endpoint
	confirmed bool
}

// Coordinator claims and releases bindings in the shared store. Claim,
// Release and Resync talk to the store directly. RequestClaim and
// RequestRelease queue work for Run and never block.
type Coordinator struct {
	store    kvstore.Backend
	cfg      Config
	listener Listener
	requests chan request

	mu sync.Mutex
	// claims holds every binding requested and not yet released, by key.
	claims map[string]claim
	// pending holds releases that failed or did not fit in the queue, by
	// key. RetryReleases and shutdown try them again.
	pending map[string]request
}

func New(store kvstore.Backend, cfg Config) *Coordinator {
	cfg.setDefaults()
	return &Coordinator{
		store:    store,
		cfg:      cfg,
		requests: make(chan request, cfg.QueueSize),
		claims:   map[string]claim{},
		pending:  map[string]request{},
	}
}

// SetListener must be called before Run.
func (c *Coordinator) SetListener(l Listener) {
	c.listener = l
}

// Claim binds port on natIP to the source endpoint of original. Claiming
// a port this instance already bound to the same endpoint succeeds; a port
// bound to another endpoint, or by another instance, yields ErrConflict.
//
// Backends without an atomic create fall back to read, write, then read
// back. Two instances racing through that sequence can both succeed when
// one writes between the other's write and verification. The loser learns
// of it on its next resync.
func (c *Coordinator) Claim(ctx context.Context, natIP uint32, port uint16, original flow.Flow) error {
	b := Binding{NATIP: natIP, Port: port, Original: original.Src(), Instance: c.cfg.Instance}
	key, value := b.Key(), b.Value()

	if c.store.Capabilities().Has(kvstore.CapabilityCreateOnly) {
		return c.createOnly(ctx, key, value)
	}

	cur, err := c.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("reading binding %s: %w", key, err)
	}
	if cur != nil {
		return matchOwner(key, cur, value)
	}
	if err := c.store.Set(ctx, key, value); err != nil {
		return fmt.Errorf("writing binding %s: %w", key, err)
	}
	cur, err = c.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("verifying binding %s: %w", key, err)
	}
	return matchOwner(key, cur, value)
}

func (c *Coordinator) createOnly(ctx context.Context, key string, value []byte) error {
	// A binding deleted between the create and the read is retried once.
	for i := 0; i < 2; i++ {
		created, err := c.store.CreateOnly(ctx, key, value)
		if err != nil {
			return fmt.Errorf("creating binding %s: %w", key, err)
		}
		if created {
			return nil
		}
		cur, err := c.store.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("reading binding %s: %w", key, err)
		}
		if cur != nil {
			return matchOwner(key, cur, value)
		}
	}
	return fmt.Errorf("binding %s keeps vanishing: %w", key, kvstore.ErrUnavailable)
}

func matchOwner(key string, cur, want []byte) error {
	if bytes.Equal(cur, want) {
		return nil
	}
	return fmt.Errorf("%s is bound to %s: %w", key, cur, ErrConflict)
}

// Release deletes the binding of port on natIP, whoever owns it.
func (c *Coordinator) Release(ctx context.Context, natIP uint32, port uint16) error {
	key := Key(natIP, port)
	c.mu.Lock()
	delete(c.claims, key)
	c.mu.Unlock()
	if err := c.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("deleting binding %s: %w", key, err)
	}
	return nil
}

// releaseOwned deletes the binding only if it still names owner and this
// instance.
func (c *Coordinator) releaseOwned(ctx context.Context, natIP uint32, port uint16, owner flow.Endpoint) error {
	b := Binding{NATIP: natIP, Port: port, Original: owner, Instance: c.cfg.Instance}
	key := b.Key()
	cur, err := c.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("reading binding %s: %w", key, err)
	}
	if !bytes.Equal(cur, b.Value()) {
		return nil
	}
	if err := c.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("deleting binding %s: %w", key, err)
	}
	return nil
}

// Resync returns every binding in the store. Entries that do not parse are
// skipped.
func (c *Coordinator) Resync(ctx context.Context) ([]Binding, error) {
	all, err := c.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing bindings: %w", err)
	}
	ret := make([]Binding, 0, len(all))
	for k, v := range all {
		b, err := ParseBinding(k, v)
		if err != nil {
			logger.WithError(err).Warn("Ignoring malformed binding")
			continue
		}
		ret = append(ret, b)
	}
	return ret, nil
}

// RequestClaim queues a claim of port for original. If the queue is full
// the listener is told the binding is unconfirmed right away.
func (c *Coordinator) RequestClaim(natIP uint32, port uint16, original flow.Flow) {
	key := Key(natIP, port)
	c.mu.Lock()
	c.claims[key] = claim{owner: original.Src()}
	if p, ok := c.pending[key]; ok && p.owner == original.Src() {
		// The binding left behind is the one being claimed again.
		delete(c.pending, key)
	}
	c.mu.Unlock()

	select {
	case c.requests <- request{op: opClaim, natIP: natIP, port: port, original: original}:
	default:
		metrics.Claims.WithLabelValues("overflow").Inc()
		logger.WithField("port", port).Debug("Claim queue full")
		if c.listener != nil {
			c.listener.Unconfirmed(natIP, port, original)
		}
	}
}

// RequestRelease queues the release of port. Ports this coordinator never
// claimed are left alone. A release that does not fit in the queue is kept
// for RetryReleases.
func (c *Coordinator) RequestRelease(natIP uint32, port uint16) {
	key := Key(natIP, port)
	c.mu.Lock()
	cl, ok := c.claims[key]
	delete(c.claims, key)
	c.mu.Unlock()
	if !ok {
		return
	}

	req := request{op: opRelease, natIP: natIP, port: port, owner: cl.owner}
	select {
	case c.requests <- req:
	default:
		metrics.Releases.WithLabelValues("overflow").Inc()
		logger.WithFields(log.Fields{"port": port, "owner": cl.owner}).Warn("Release queue full, will retry")
		c.keepPending(req)
	}
}

// RetryReleases queues again the releases that previously failed or
// overflowed, as far as the queue has room. It returns how many it queued.
func (c *Coordinator) RetryReleases() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	queued := 0
	for key, req := range c.pending {
		select {
		case c.requests <- req:
			delete(c.pending, key)
			queued++
		default:
			return queued
		}
	}
	return queued
}

func (c *Coordinator) keepPending(req request) {
	key := Key(req.natIP, req.port)
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.claims[key]; ok && cl.owner == req.owner {
		return
	}
	c.pending[key] = req
}

func (c *Coordinator) pendingReleases() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// owned lists the bindings the store confirmed to this coordinator.
func (c *Coordinator) owned() []Binding {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ret []Binding
	for key, cl := range c.claims {
		if !cl.confirmed {
			continue
		}
		nat, err := flow.ParseEndpoint(key)
		if err != nil {
			log.Panicf("coordinator holds unparseable key %q", key)
		}
		ret = append(ret, Binding{NATIP: nat.IP, Port: nat.Port, Original: cl.owner, Instance: c.cfg.Instance})
	}
	return ret
}

// Run processes queued requests until ctx is cancelled, then releases
// every binding it still holds.
func (c *Coordinator) Run(ctx context.Context) error {
	logger.WithField("queue", c.cfg.QueueSize).Info("Port coordinator started")
	for {
		select {
		case <-ctx.Done():
			if err := c.shutdown(); err != nil {
				logger.WithError(err).Warn("Some bindings could not be released")
			}
			logger.Info("Port coordinator stopped")
			return nil
		case req := <-c.requests:
			c.handle(ctx, req)
		}
	}
}

func (c *Coordinator) handle(ctx context.Context, req request) {
	switch req.op {
	case opClaim:
		c.handleClaim(ctx, req)
	case opRelease:
		if c.current(Key(req.natIP, req.port), req.owner) {
			// Claimed again by the same endpoint since it was queued.
			return
		}
		err := c.retry(ctx, func(ctx context.Context) error {
			return c.releaseOwned(ctx, req.natIP, req.port, req.owner)
		})
		c.finishRelease(req, err)
	}
}

func (c *Coordinator) handleClaim(ctx context.Context, req request) {
	key := Key(req.natIP, req.port)
	if !c.current(key, req.original.Src()) {
		// Released or reassigned since it was queued.
		return
	}

	err := c.retry(ctx, func(ctx context.Context) error {
		return c.Claim(ctx, req.natIP, req.port, req.original)
	})
	fields := log.Fields{"natIP": flow.FormatIP(req.natIP), "port": req.port, "flow": req.original}
	switch {
	case err == nil:
		c.mu.Lock()
		if cl, ok := c.claims[key]; ok && cl.owner == req.original.Src() {
			cl.confirmed = true
			c.claims[key] = cl
		}
		c.mu.Unlock()
		metrics.Claims.WithLabelValues("confirmed").Inc()
		logger.WithFields(fields).Debug("Binding confirmed")
		c.notify(func(l Listener) { l.Confirmed(req.natIP, req.port, req.original) })
	case errors.Is(err, ErrConflict):
		c.mu.Lock()
		if cl, ok := c.claims[key]; ok && cl.owner == req.original.Src() {
			delete(c.claims, key)
		}
		c.mu.Unlock()
		metrics.Claims.WithLabelValues("conflict").Inc()
		logger.WithFields(fields).WithError(err).Info("Port claimed by another instance")
		c.notify(func(l Listener) { l.Conflicted(req.natIP, req.port, req.original) })
	case ctx.Err() != nil:
	default:
		metrics.Claims.WithLabelValues("unconfirmed").Inc()
		logger.WithFields(fields).WithError(err).Warn("Could not confirm binding, translation stays provisional")
		c.notify(func(l Listener) { l.Unconfirmed(req.natIP, req.port, req.original) })
	}
}

func (c *Coordinator) finishRelease(req request, err error) {
	fields := log.Fields{"natIP": flow.FormatIP(req.natIP), "port": req.port, "owner": req.owner}
	if err != nil {
		metrics.Releases.WithLabelValues("failure").Inc()
		logger.WithFields(fields).WithError(err).Warn("Could not release binding, will retry")
		c.keepPending(req)
		return
	}
	metrics.Releases.WithLabelValues("success").Inc()
	logger.WithFields(fields).Debug("Binding released")
}

func (c *Coordinator) current(key string, owner flow.Endpoint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl, ok := c.claims[key]
	return ok && cl.owner == owner
}

func (c *Coordinator) notify(fn func(Listener)) {
	if c.listener != nil {
		fn(c.listener)
	}
}

// retry runs op with exponential backoff until it succeeds, fails with
// ErrConflict, or runs out of attempts. It returns the last error.
func (c *Coordinator) retry(ctx context.Context, op func(context.Context) error) error {
	backoff := wait.Backoff{
		Duration: c.cfg.InitialBackoff,
		Factor:   2,
		Jitter:   0.1,
		Steps:    c.cfg.MaxAttempts,
		Cap:      c.cfg.MaxBackoff,
	}
	var last error
	attempt := 0
	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		attempt++
		octx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
		defer cancel()
		last = op(octx)
		switch {
		case last == nil:
			return true, nil
		case errors.Is(last, ErrConflict):
			return false, last
		}
		metrics.Claims.WithLabelValues("retry").Inc()
		logger.WithError(last).WithField("attempt", attempt).Debug("Store operation failed, backing off")
		return false, nil
	})
	if err == nil {
		return nil
	}
	if wait.Interrupted(err) && last != nil && ctx.Err() == nil {
		return fmt.Errorf("giving up after %d attempts: %w", attempt, last)
	}
	return err
}

// shutdown runs queued and pending releases, then releases every remaining
// claim whose binding still names this instance.
func (c *Coordinator) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ShutdownTimeout)
	defer cancel()

	var errs error
drain:
	for {
		select {
		case req := <-c.requests:
			if req.op == opRelease {
				errs = multierr.Append(errs, c.releaseOwned(ctx, req.natIP, req.port, req.owner))
			}
		default:
			break drain
		}
	}

	c.mu.Lock()
	claims := c.claims
	c.claims = map[string]claim{}
	pending := c.pending
	c.pending = map[string]request{}
	c.mu.Unlock()

	for _, req := range pending {
		errs = multierr.Append(errs, c.releaseOwned(ctx, req.natIP, req.port, req.owner))
	}

	released := 0
	for key, cl := range claims {
		nat, err := flow.ParseEndpoint(key)
		if err != nil {
			log.Panicf("coordinator holds unparseable key %q", key)
		}
		if err := c.releaseOwned(ctx, nat.IP, nat.Port, cl.owner); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		released++
	}
	logger.WithField("released", released).Info("Released bindings on shutdown")
	return errs
}
