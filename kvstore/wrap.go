package kvstore

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"go.universe.tf/distnat/metrics"
)

type rateLimited struct {
	Backend
	limiter *rate.Limiter
}

// WithRateLimit caps b at qps operations per second, with a burst of one
// second's worth. Callers wait for a token under their own context.
func WithRateLimit(b Backend, qps float64) Backend {
	burst := int(qps)
	if burst < 1 {
		burst = 1
	}
	return &rateLimited{Backend: b, limiter: rate.NewLimiter(rate.Limit(qps), burst)}
}

func (r *rateLimited) CreateOnly(ctx context.Context, key string, value []byte) (bool, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return false, err
	}
	return r.Backend.CreateOnly(ctx, key, value)
}

func (r *rateLimited) Set(ctx context.Context, key string, value []byte) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	return r.Backend.Set(ctx, key, value)
}

func (r *rateLimited) Get(ctx context.Context, key string) ([]byte, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.Backend.Get(ctx, key)
}

func (r *rateLimited) Delete(ctx context.Context, key string) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	return r.Backend.Delete(ctx, key)
}

func (r *rateLimited) List(ctx context.Context) (map[string][]byte, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.Backend.List(ctx)
}

type instrumented struct {
	Backend
}

// Instrument records the count, outcome and latency of every operation on
// b.
func Instrument(b Backend) Backend {
	return &instrumented{Backend: b}
}

func (i *instrumented) observe(op string, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	name := i.Backend.Name()
	metrics.KVStoreOperations.WithLabelValues(name, op, outcome).Inc()
	metrics.KVStoreLatency.WithLabelValues(name, op).Observe(time.Since(start).Seconds())
}

func (i *instrumented) CreateOnly(ctx context.Context, key string, value []byte) (bool, error) {
	start := time.Now()
	ok, err := i.Backend.CreateOnly(ctx, key, value)
	i.observe("create_only", start, err)
	return ok, err
}

func (i *instrumented) Set(ctx context.Context, key string, value []byte) error {
	start := time.Now()
	err := i.Backend.Set(ctx, key, value)
	i.observe("set", start, err)
	return err
}

func (i *instrumented) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	v, err := i.Backend.Get(ctx, key)
	i.observe("get", start, err)
	return v, err
}

func (i *instrumented) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := i.Backend.Delete(ctx, key)
	i.observe("delete", start, err)
	return err
}

func (i *instrumented) List(ctx context.Context) (map[string][]byte, error) {
	start := time.Now()
	v, err := i.Backend.List(ctx)
	i.observe("list", start, err)
	return v, err
}
