// Package config loads the NF configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"go.universe.tf/distnat/acl"
	"go.universe.tf/distnat/flow"
	"go.universe.tf/distnat/kvstore"
	"go.universe.tf/distnat/nat"
	"go.universe.tf/distnat/portmanager"
)

// configFile is the configuration as written, before validation and
// conversion to useful types.
type configFile struct {
	Instance    string   `yaml:"instance"`
	NATIP       string   `yaml:"nat_ip"`
	Rules       []rule   `yaml:"rules"`
	Store       store    `yaml:"store"`
	Queue       queue    `yaml:"queue"`
	Timeouts    timeouts `yaml:"timeouts"`
	Claim       claim    `yaml:"claim"`
	MetricsAddr string   `yaml:"metrics_addr"`
}

type rule struct {
	SrcIP       string  `yaml:"src_ip"`
	DstIP       string  `yaml:"dst_ip"`
	SrcPort     *uint16 `yaml:"src_port"`
	DstPort     *uint16 `yaml:"dst_port"`
	Established *bool   `yaml:"established"`
	Drop        bool    `yaml:"drop"`
}

type store struct {
	Backend   string   `yaml:"backend"`
	Endpoints []string `yaml:"endpoints"`
	Key       string   `yaml:"key"`
	Prefix    string   `yaml:"prefix"`
	Timeout   string   `yaml:"timeout"`
	QPS       *float64 `yaml:"qps"`
	LeaseTTL  string   `yaml:"lease_ttl"`
}

type queue struct {
	Num    *uint16 `yaml:"num"`
	MaxLen *uint32 `yaml:"max_len"`
}

type timeouts struct {
	Idle           string `yaml:"idle"`
	ACLIdle        string `yaml:"acl_idle"`
	Unconfirmed    string `yaml:"unconfirmed"`
	SweepInterval  string `yaml:"sweep_interval"`
	ResyncInterval string `yaml:"resync_interval"`
}

type claim struct {
	MaxAttempts    int    `yaml:"max_attempts"`
	InitialBackoff string `yaml:"initial_backoff"`
	MaxBackoff     string `yaml:"max_backoff"`
	MaxConflicts   int    `yaml:"max_conflicts"`
	QueueSize      int    `yaml:"queue_size"`
}

// Config is a parsed NF configuration.
type Config struct {
	// Instance names this NF in the bindings it writes. Every instance
	// sharing a store needs its own. Defaults to the hostname.
	Instance string
	// NATIP is the public address of the NAT. Required.
	NATIP uint32
	// Rules are evaluated in order; no match drops.
	Rules []acl.Rule
	// Store locates the shared binding store.
	Store    kvstore.Config
	Queue    Queue
	Timeouts Timeouts
	Claim    Claim
	// MetricsAddr is the listen address of the Prometheus endpoint. Empty
	// disables it.
	MetricsAddr string
}

// Queue selects the NFQUEUE the packet loop reads from.
type Queue struct {
	Num    uint16
	MaxLen uint32
}

type Timeouts struct {
	// Idle reclaims translations without traffic.
	Idle time.Duration
	// ACLIdle expires established-flow records.
	ACLIdle time.Duration
	// Unconfirmed reclaims idle translations whose binding could not be
	// confirmed.
	Unconfirmed    time.Duration
	SweepInterval  time.Duration
	ResyncInterval time.Duration
}

type Claim struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxConflicts   int
	QueueSize      int
}

// Default returns the configuration used for everything a file leaves out.
func Default() *Config {
	// An unknown hostname leaves Instance empty, which Validate rejects.
	hostname, _ := os.Hostname()
	return &Config{
		Instance: hostname,
		Store: kvstore.Config{
			Backend: kvstore.RedisBackend,
			Key:     kvstore.DefaultKey,
			Prefix:  kvstore.DefaultPrefix,
			Timeout: kvstore.DefaultTimeout,
		},
		Queue: Queue{Num: 0, MaxLen: 1024},
		Timeouts: Timeouts{
			Idle:           nat.DefaultIdleTimeout,
			ACLIdle:        10 * time.Minute,
			Unconfirmed:    nat.DefaultUnconfirmedTimeout,
			SweepInterval:  10 * time.Second,
			ResyncInterval: time.Minute,
		},
		Claim: Claim{
			MaxAttempts:    portmanager.DefaultMaxAttempts,
			InitialBackoff: portmanager.DefaultInitialBackoff,
			MaxBackoff:     portmanager.DefaultMaxBackoff,
			MaxConflicts:   nat.DefaultMaxConflicts,
			QueueSize:      portmanager.DefaultQueueSize,
		},
		MetricsAddr: ":9469",
	}
}

// Load reads and parses the file at path. An empty path yields the
// defaults, still unvalidated since the NAT IP has no default.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	bs, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	cfg, err := Parse(bs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes bs over the defaults and validates the result.
func Parse(bs []byte) (*Config, error) {
	var raw configFile
	dec := yaml.NewDecoder(bytes.NewReader(bs))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("could not parse config: %w", err)
	}

	cfg := Default()
	if err := cfg.apply(&raw); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) apply(raw *configFile) error {
	if raw.Instance != "" {
		cfg.Instance = raw.Instance
	}
	if raw.NATIP != "" {
		ip, err := flow.ParseIP(raw.NATIP)
		if err != nil {
			return fmt.Errorf("nat_ip: %w", err)
		}
		cfg.NATIP = ip
	}

	for i, r := range raw.Rules {
		parsed, err := parseRule(r)
		if err != nil {
			return fmt.Errorf("rule #%d: %w", i+1, err)
		}
		cfg.Rules = append(cfg.Rules, parsed)
	}

	if err := cfg.applyStore(&raw.Store); err != nil {
		return err
	}

	if raw.Queue.Num != nil {
		cfg.Queue.Num = *raw.Queue.Num
	}
	if raw.Queue.MaxLen != nil {
		cfg.Queue.MaxLen = *raw.Queue.MaxLen
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"timeouts.idle", raw.Timeouts.Idle, &cfg.Timeouts.Idle},
		{"timeouts.acl_idle", raw.Timeouts.ACLIdle, &cfg.Timeouts.ACLIdle},
		{"timeouts.unconfirmed", raw.Timeouts.Unconfirmed, &cfg.Timeouts.Unconfirmed},
		{"timeouts.sweep_interval", raw.Timeouts.SweepInterval, &cfg.Timeouts.SweepInterval},
		{"timeouts.resync_interval", raw.Timeouts.ResyncInterval, &cfg.Timeouts.ResyncInterval},
		{"claim.initial_backoff", raw.Claim.InitialBackoff, &cfg.Claim.InitialBackoff},
		{"claim.max_backoff", raw.Claim.MaxBackoff, &cfg.Claim.MaxBackoff},
	}
	for _, d := range durations {
		if err := parseDuration(d.name, d.raw, d.dst); err != nil {
			return err
		}
	}

	if raw.Claim.MaxAttempts != 0 {
		cfg.Claim.MaxAttempts = raw.Claim.MaxAttempts
	}
	if raw.Claim.MaxConflicts != 0 {
		cfg.Claim.MaxConflicts = raw.Claim.MaxConflicts
	}
	if raw.Claim.QueueSize != 0 {
		cfg.Claim.QueueSize = raw.Claim.QueueSize
	}
	if raw.MetricsAddr != "" {
		cfg.MetricsAddr = raw.MetricsAddr
	}
	return nil
}

func (cfg *Config) applyStore(s *store) error {
	if s.Backend != "" {
		cfg.Store.Backend = s.Backend
	}
	if len(s.Endpoints) > 0 {
		cfg.Store.Endpoints = s.Endpoints
	}
	if s.Key != "" {
		cfg.Store.Key = s.Key
	}
	if s.Prefix != "" {
		cfg.Store.Prefix = s.Prefix
	}
	if s.QPS != nil {
		cfg.Store.QPS = *s.QPS
	}
	if err := parseDuration("store.timeout", s.Timeout, &cfg.Store.Timeout); err != nil {
		return err
	}
	return parseDuration("store.lease_ttl", s.LeaseTTL, &cfg.Store.LeaseTTL)
}

func parseRule(r rule) (acl.Rule, error) {
	ret := acl.Rule{
		SrcPort:     r.SrcPort,
		DstPort:     r.DstPort,
		Established: r.Established,
		Drop:        r.Drop,
	}
	if r.SrcIP != "" {
		p, err := flow.ParsePrefix(r.SrcIP)
		if err != nil {
			return acl.Rule{}, fmt.Errorf("src_ip: %w", err)
		}
		ret.SrcIP = &p
	}
	if r.DstIP != "" {
		p, err := flow.ParsePrefix(r.DstIP)
		if err != nil {
			return acl.Rule{}, fmt.Errorf("dst_ip: %w", err)
		}
		ret.DstIP = &p
	}
	return ret, nil
}

func parseDuration(name, raw string, dst *time.Duration) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	*dst = d
	return nil
}

// Validate checks the configuration after defaults, the file and command
// line overrides are merged.
func (cfg *Config) Validate() error {
	if cfg.NATIP == 0 {
		return errors.New("nat_ip is required")
	}
	if cfg.Instance == "" {
		return errors.New("instance is required")
	}
	if !slices.Contains(kvstore.Backends, cfg.Store.Backend) {
		return fmt.Errorf("unknown store backend %q, want one of %v", cfg.Store.Backend, kvstore.Backends)
	}
	if cfg.Store.QPS < 0 {
		return fmt.Errorf("store.qps must not be negative, got %v", cfg.Store.QPS)
	}
	positive := []struct {
		name string
		d    time.Duration
	}{
		{"store.timeout", cfg.Store.Timeout},
		{"timeouts.idle", cfg.Timeouts.Idle},
		{"timeouts.acl_idle", cfg.Timeouts.ACLIdle},
		{"timeouts.unconfirmed", cfg.Timeouts.Unconfirmed},
		{"timeouts.sweep_interval", cfg.Timeouts.SweepInterval},
		{"timeouts.resync_interval", cfg.Timeouts.ResyncInterval},
		{"claim.initial_backoff", cfg.Claim.InitialBackoff},
		{"claim.max_backoff", cfg.Claim.MaxBackoff},
	}
	for _, p := range positive {
		if p.d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", p.name, p.d)
		}
	}
	if cfg.Store.LeaseTTL < 0 {
		return fmt.Errorf("store.lease_ttl must not be negative, got %s", cfg.Store.LeaseTTL)
	}
	if cfg.Claim.MaxBackoff < cfg.Claim.InitialBackoff {
		return fmt.Errorf("claim.max_backoff (%s) is shorter than claim.initial_backoff (%s)", cfg.Claim.MaxBackoff, cfg.Claim.InitialBackoff)
	}
	if cfg.Claim.MaxAttempts < 1 || cfg.Claim.MaxConflicts < 1 || cfg.Claim.QueueSize < 1 {
		return errors.New("claim.max_attempts, claim.max_conflicts and claim.queue_size must be at least 1")
	}
	return nil
}

// NAT returns the translator settings.
func (cfg *Config) NAT() nat.Config {
	return nat.Config{
		Instance:           cfg.Instance,
		NATIP:              cfg.NATIP,
		IdleTimeout:        cfg.Timeouts.Idle,
		UnconfirmedTimeout: cfg.Timeouts.Unconfirmed,
		MaxConflicts:       cfg.Claim.MaxConflicts,
	}
}

// Coordinator returns the port coordinator settings.
func (cfg *Config) Coordinator() portmanager.Config {
	return portmanager.Config{
		Instance:       cfg.Instance,
		MaxAttempts:    cfg.Claim.MaxAttempts,
		InitialBackoff: cfg.Claim.InitialBackoff,
		MaxBackoff:     cfg.Claim.MaxBackoff,
		QueueSize:      cfg.Claim.QueueSize,
		OpTimeout:      cfg.Store.Timeout,
	}
}
