package acl

import (
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"go.universe.tf/distnat/flow"
)

func port(p uint16) *uint16 { return &p }

func boolp(b bool) *bool { return &b }

func prefix(t *testing.T, s string) *flow.Prefix {
	t.Helper()
	p, err := flow.ParsePrefix(s)
	require.NoError(t, err)
	return &p
}

var (
	web = flow.Flow{
		SrcIP:   flow.IPv4(10, 0, 0, 5),
		DstIP:   flow.IPv4(93, 184, 216, 34),
		SrcPort: 33333,
		DstPort: 80,
	}
	ssh = flow.Flow{
		SrcIP:   flow.IPv4(10, 0, 0, 6),
		DstIP:   flow.IPv4(93, 184, 216, 34),
		SrcPort: 40000,
		DstPort: 22,
	}
)

func TestZeroRuleMatchesEverything(t *testing.T) {
	cache := NewConnectionCache()
	r := Rule{}
	require.True(t, r.Matches(web, cache))
	require.True(t, r.Matches(ssh.Reverse(), cache))
	require.True(t, r.Matches(flow.Flow{}, cache))
}

func TestEvaluateFailClosed(t *testing.T) {
	cache := NewConnectionCache()
	require.Equal(t, VerdictDrop, Evaluate(web, nil, cache))
	require.Equal(t, VerdictDrop, Evaluate(web, []Rule{{DstPort: port(443)}}, cache))
	require.Equal(t, 0, cache.Len())
}

func TestEvaluateFirstMatchWins(t *testing.T) {
	rules := []Rule{
		{DstPort: port(22), Drop: true},
		{DstIP: prefix(t, "93.184.216.0/24")},
		{Drop: true},
	}
	cache := NewConnectionCache()
	require.Equal(t, VerdictDrop, Evaluate(ssh, rules, cache))
	require.Equal(t, VerdictAdmit, Evaluate(web, rules, cache))
	require.Equal(t, VerdictDrop, Evaluate(web.Reverse(), rules, cache), "falls through to the catch-all drop")
}

func TestReorderNonOverlappingRules(t *testing.T) {
	a := Rule{DstPort: port(80)}
	b := Rule{DstPort: port(22), Drop: true}
	c := Rule{SrcIP: prefix(t, "172.16.0.0/12")}

	orders := [][]Rule{
		{a, b, c},
		{c, b, a},
		{b, a, c},
		{c, a, b},
	}
	flows := []flow.Flow{web, ssh, {SrcIP: flow.IPv4(172, 16, 1, 1), DstIP: 1, SrcPort: 1, DstPort: 9}}

	for _, f := range flows {
		var want *Verdict
		for _, rules := range orders {
			got := Evaluate(f, rules, NewConnectionCache())
			if want == nil {
				want = &got
				continue
			}
			require.Equal(t, *want, got, "flow %s", f)
		}
	}
}

func TestRuleMatchers(t *testing.T) {
	cache := NewConnectionCache()
	tests := []struct {
		name string
		rule Rule
		want bool
	}{
		{"src prefix hit", Rule{SrcIP: prefix(t, "10.0.0.0/24")}, true},
		{"src prefix miss", Rule{SrcIP: prefix(t, "10.0.1.0/24")}, false},
		{"dst prefix hit", Rule{DstIP: prefix(t, "93.184.216.34")}, true},
		{"src port hit", Rule{SrcPort: port(33333)}, true},
		{"src port miss", Rule{SrcPort: port(33334)}, false},
		{"dst port hit", Rule{DstPort: port(80)}, true},
		{"all set", Rule{SrcIP: prefix(t, "10.0.0.0/8"), DstIP: prefix(t, "93.0.0.0/8"), SrcPort: port(33333), DstPort: port(80)}, true},
		{"one of many misses", Rule{SrcIP: prefix(t, "10.0.0.0/8"), DstPort: port(81)}, false},
		{"not established yet", Rule{Established: boolp(false)}, true},
		{"established wanted", Rule{Established: boolp(true)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.rule.Matches(web, cache))
		})
	}
}

func TestEstablishedSemantics(t *testing.T) {
	rules := []Rule{
		{DstPort: port(80)},
		{Established: boolp(true)},
	}
	cache := NewConnectionCache()

	// The reply direction is not admitted before the outbound flow.
	require.Equal(t, VerdictDrop, Evaluate(web.Reverse(), rules, cache))

	require.Equal(t, VerdictAdmit, Evaluate(web, rules, cache))
	require.True(t, cache.Contains(web))

	require.Equal(t, VerdictAdmit, Evaluate(web.Reverse(), rules, cache))
	require.True(t, cache.Contains(web.Reverse()), "admitted replies are cached too")
}

func TestDropMatchNeverEstablishes(t *testing.T) {
	rules := []Rule{
		{DstPort: port(22), Drop: true},
		{Established: boolp(true)},
	}
	cache := NewConnectionCache()
	require.Equal(t, VerdictDrop, Evaluate(ssh, rules, cache))
	require.False(t, cache.Established(ssh))
	require.Equal(t, VerdictDrop, Evaluate(ssh.Reverse(), rules, cache))
}

func TestCacheExpire(t *testing.T) {
	now := time.Unix(1000, 0)
	cache := NewConnectionCache()
	cache.Now = func() time.Time { return now }

	cache.Insert(web)
	now = now.Add(time.Minute)
	cache.Insert(ssh)

	require.Equal(t, 1, cache.Expire(now.Add(30*time.Second), 45*time.Second))
	require.False(t, cache.Contains(web))
	require.True(t, cache.Contains(ssh))

	// Re-admission refreshes the timestamp.
	now = now.Add(40 * time.Second)
	cache.Insert(ssh)
	require.Equal(t, 0, cache.Expire(now.Add(30*time.Second), 45*time.Second))
}

func TestRuleString(t *testing.T) {
	require.Equal(t, "any => admit", Rule{}.String())
	require.Equal(t, "dst 10.0.0.0/8 dport 80 established=true => drop",
		Rule{DstIP: prefix(t, "10.0.0.0/8"), DstPort: port(80), Established: boolp(true), Drop: true}.String())
}

func udpPacket(t *testing.T, f flow.Flow) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP(flow.FormatIP(f.SrcIP)).To4(),
		DstIP:    net.ParseIP(flow.FormatIP(f.DstIP)).To4(),
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(f.SrcPort), DstPort: layers.UDPPort(f.DstPort)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload("x")))
	return buf.Bytes()
}

func TestEngineFilter(t *testing.T) {
	e := NewEngine([]Rule{{DstPort: port(80)}})

	require.True(t, e.Filter(udpPacket(t, web)))
	require.True(t, e.Established(web.Reverse()))
	require.False(t, e.Filter(udpPacket(t, ssh)))

	// No extractable flow: admitted without touching the cache.
	require.True(t, e.Filter([]byte{0x60, 0, 0, 0}))
	require.True(t, e.Filter(nil))
}

func TestEngineCopiesRules(t *testing.T) {
	rules := []Rule{{DstPort: port(80)}}
	e := NewEngine(rules)
	rules[0].Drop = true
	require.Equal(t, VerdictAdmit, e.Evaluate(web))
}

func TestEngineExpire(t *testing.T) {
	now := time.Unix(5000, 0)
	e := NewEngine([]Rule{{}})
	e.SetClock(func() time.Time { return now })

	require.Equal(t, VerdictAdmit, e.Evaluate(web))
	require.Equal(t, 0, e.Expire(now.Add(time.Second), time.Minute))
	require.Equal(t, 1, e.Expire(now.Add(2*time.Minute), time.Minute))
	require.False(t, e.Established(web))
}

func TestEngineRecord(t *testing.T) {
	e := NewEngine([]Rule{{Established: boolp(true)}})
	translated := flow.Flow{SrcIP: flow.IPv4(10, 0, 0, 1), DstIP: web.DstIP, SrcPort: 1024, DstPort: 80}

	require.Equal(t, VerdictDrop, e.Evaluate(translated.Reverse()))
	e.Record(translated)
	require.Equal(t, VerdictAdmit, e.Evaluate(translated.Reverse()))
}
