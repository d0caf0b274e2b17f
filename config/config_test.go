package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.universe.tf/distnat/acl"
	"go.universe.tf/distnat/flow"
	"go.universe.tf/distnat/kvstore"
)

const fullConfig = `
instance: nf-a
nat_ip: 10.0.0.1
rules:
  - dst_port: 80
  - src_ip: 10.0.0.0/8
    dst_ip: 93.184.216.34
    src_port: 5353
    drop: true
  - established: true
store:
  backend: etcd
  endpoints: [http://10.1.0.1:2379, http://10.1.0.2:2379]
  prefix: nat/
  timeout: 3s
  qps: 250
  lease_ttl: 30s
queue:
  num: 7
  max_len: 4096
timeouts:
  idle: 2m
  acl_idle: 4m
  unconfirmed: 20s
  sweep_interval: 5s
  resync_interval: 30s
claim:
  max_attempts: 8
  initial_backoff: 50ms
  max_backoff: 2s
  max_conflicts: 4
  queue_size: 128
metrics_addr: 127.0.0.1:9100
`

func TestParseFull(t *testing.T) {
	cfg, err := Parse([]byte(fullConfig))
	require.NoError(t, err)

	require.Equal(t, flow.IPv4(10, 0, 0, 1), cfg.NATIP)
	require.Equal(t, "nf-a", cfg.Instance)

	require.Len(t, cfg.Rules, 3)
	require.Equal(t, "dport 80 => admit", cfg.Rules[0].String())
	require.NotNil(t, cfg.Rules[1].SrcIP)
	require.Equal(t, flow.Prefix{Address: flow.IPv4(10, 0, 0, 0), Len: 8}, *cfg.Rules[1].SrcIP)
	require.Equal(t, flow.Prefix{Address: flow.IPv4(93, 184, 216, 34), Len: 32}, *cfg.Rules[1].DstIP)
	require.Equal(t, uint16(5353), *cfg.Rules[1].SrcPort)
	require.True(t, cfg.Rules[1].Drop)
	require.True(t, *cfg.Rules[2].Established)

	require.Equal(t, kvstore.Config{
		Backend:   kvstore.EtcdBackend,
		Endpoints: []string{"http://10.1.0.1:2379", "http://10.1.0.2:2379"},
		Key:       kvstore.DefaultKey,
		Prefix:    "nat/",
		Timeout:   3 * time.Second,
		QPS:       250,
		LeaseTTL:  30 * time.Second,
	}, cfg.Store)
	require.Equal(t, Queue{Num: 7, MaxLen: 4096}, cfg.Queue)
	require.Equal(t, Timeouts{
		Idle:           2 * time.Minute,
		ACLIdle:        4 * time.Minute,
		Unconfirmed:    20 * time.Second,
		SweepInterval:  5 * time.Second,
		ResyncInterval: 30 * time.Second,
	}, cfg.Timeouts)
	require.Equal(t, Claim{
		MaxAttempts:    8,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		MaxConflicts:   4,
		QueueSize:      128,
	}, cfg.Claim)
	require.Equal(t, "127.0.0.1:9100", cfg.MetricsAddr)

	n := cfg.NAT()
	require.Equal(t, cfg.NATIP, n.NATIP)
	require.Equal(t, "nf-a", n.Instance)
	require.Equal(t, 2*time.Minute, n.IdleTimeout)
	require.Equal(t, 4, n.MaxConflicts)

	c := cfg.Coordinator()
	require.Equal(t, "nf-a", c.Instance)
	require.Equal(t, 8, c.MaxAttempts)
	require.Equal(t, 128, c.QueueSize)
	require.Equal(t, 3*time.Second, c.OpTimeout)
}

func TestParseMinimal(t *testing.T) {
	cfg, err := Parse([]byte("nat_ip: 192.0.2.1\n"))
	require.NoError(t, err)

	want := Default()
	want.NATIP = flow.IPv4(192, 0, 2, 1)
	require.Equal(t, want, cfg)
	require.Empty(t, cfg.Rules, "no rules means everything is dropped")
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		desc string
		raw  string
	}{
		{"empty", ""},
		{"missing NAT IP", "rules: []\n"},
		{"IPv6 NAT IP", "nat_ip: 2001:db8::1\n"},
		{"bad NAT IP", "nat_ip: 10.0.0\n"},
		{"unknown field", "nat_ip: 10.0.0.1\nbogus: 1\n"},
		{"bad prefix", "nat_ip: 10.0.0.1\nrules:\n  - src_ip: 10.0.0.0/33\n"},
		{"port out of range", "nat_ip: 10.0.0.1\nrules:\n  - dst_port: 70000\n"},
		{"unknown backend", "nat_ip: 10.0.0.1\nstore:\n  backend: zookeeper\n"},
		{"bad duration", "nat_ip: 10.0.0.1\ntimeouts:\n  idle: forever\n"},
		{"zero duration", "nat_ip: 10.0.0.1\ntimeouts:\n  sweep_interval: 0s\n"},
		{"negative qps", "nat_ip: 10.0.0.1\nstore:\n  qps: -1\n"},
		{"backoff inverted", "nat_ip: 10.0.0.1\nclaim:\n  initial_backoff: 10s\n  max_backoff: 1s\n"},
		{"negative attempts", "nat_ip: 10.0.0.1\nclaim:\n  max_attempts: -1\n"},
	}
	for _, test := range tests {
		t.Run(test.desc, func(t *testing.T) {
			_, err := Parse([]byte(test.raw))
			require.Error(t, err)
		})
	}
}

func TestValidateAfterOverrides(t *testing.T) {
	cfg := Default()
	require.Error(t, cfg.Validate())

	cfg.NATIP = flow.IPv4(10, 0, 0, 1)
	cfg.Instance = "nf-a"
	require.NoError(t, cfg.Validate())

	cfg.Store.Backend = kvstore.MemoryBackend
	require.NoError(t, cfg.Validate())

	cfg.Instance = ""
	require.ErrorContains(t, cfg.Validate(), "instance")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "distnat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fullConfig), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, flow.IPv4(10, 0, 0, 1), cfg.NATIP)

	cfg, err = Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestRulesDriveEngine(t *testing.T) {
	cfg, err := Parse([]byte(fullConfig))
	require.NoError(t, err)
	e := acl.NewEngine(cfg.Rules)

	web := flow.Flow{SrcIP: flow.IPv4(10, 0, 0, 5), DstIP: flow.IPv4(93, 184, 216, 34), SrcPort: 33333, DstPort: 80}
	require.Equal(t, acl.VerdictAdmit, e.Evaluate(web))
	require.Equal(t, acl.VerdictAdmit, e.Evaluate(web.Reverse()), "reply passes the established rule")

	mdns := flow.Flow{SrcIP: flow.IPv4(10, 0, 0, 5), DstIP: flow.IPv4(93, 184, 216, 34), SrcPort: 5353, DstPort: 53}
	require.Equal(t, acl.VerdictDrop, e.Evaluate(mdns))
}
