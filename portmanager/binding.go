package portmanager

import (
	"fmt"
	"strconv"
	"strings"

	"go.universe.tf/distnat/flow"
)

// A Binding records that Port on NATIP translates flows from Original,
// on behalf of the NAT instance named Instance. In the store it is the
// key "<nat ip>:<nat port>" with the value
// "<original ip>:<original port>@<instance>".
type Binding struct {
	NATIP    uint32
	Port     uint16
	Original flow.Endpoint
	Instance string
}

// Key is the store key for port on natIP.
func Key(natIP uint32, port uint16) string {
	return flow.FormatIP(natIP) + ":" + strconv.Itoa(int(port))
}

func (b Binding) Key() string { return Key(b.NATIP, b.Port) }

func (b Binding) Value() []byte {
	if b.Instance == "" {
		return []byte(b.Original.String())
	}
	return []byte(b.Original.String() + "@" + b.Instance)
}

func (b Binding) String() string {
	if b.Instance == "" {
		return fmt.Sprintf("%s -> %s", b.Key(), b.Original)
	}
	return fmt.Sprintf("%s -> %s (%s)", b.Key(), b.Original, b.Instance)
}

// ParseBinding decodes a store key and value.
func ParseBinding(key string, value []byte) (Binding, error) {
	nat, err := flow.ParseEndpoint(key)
	if err != nil {
		return Binding{}, fmt.Errorf("binding key: %w", err)
	}
	ep, instance, _ := strings.Cut(string(value), "@")
	orig, err := flow.ParseEndpoint(ep)
	if err != nil {
		return Binding{}, fmt.Errorf("binding %s value: %w", key, err)
	}
	return Binding{NATIP: nat.IP, Port: nat.Port, Original: orig, Instance: instance}, nil
}
