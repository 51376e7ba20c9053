// Package policy holds the per-protocol idle timeouts and the TCP state bits
// the agent keeps on each conn.
package policy

import (
	"fmt"
	"time"

	"vsca/pkg/conntab"
)

// TCP state bits stored in conntab.Conn state.
const (
	StateSynSeen uint16 = 1 << 0
	StateClosing uint16 = 1 << 1
)

// Timeouts are the idle timeouts conns are armed with.
type Timeouts struct {
	TCP        time.Duration `yaml:"tcp"`
	TCPClosing time.Duration `yaml:"tcp_closing"`
	UDP        time.Duration `yaml:"udp"`
}

func Default() Timeouts {
	return Timeouts{
		TCP:        60 * time.Second,
		TCPClosing: 10 * time.Second,
		UDP:        30 * time.Second,
	}
}

// ApplyDefaults fills zero fields from Default.
func (t *Timeouts) ApplyDefaults() {
	def := Default()
	if t.TCP == 0 {
		t.TCP = def.TCP
	}
	if t.TCPClosing == 0 {
		t.TCPClosing = def.TCPClosing
	}
	if t.UDP == 0 {
		t.UDP = def.UDP
	}
}

func (t Timeouts) Validate() error {
	if t.TCP < 0 || t.TCPClosing < 0 || t.UDP < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if t.TCPClosing > t.TCP {
		return fmt.Errorf("tcp_closing (%s) exceeds tcp (%s)", t.TCPClosing, t.TCP)
	}
	return nil
}

// Initial returns the timeout a new conn of proto starts with.
func (t Timeouts) Initial(proto conntab.Protocol) time.Duration {
	if proto == conntab.ProtoUDP {
		return t.UDP
	}
	return t.TCP
}

// Transition returns the state and timeout of a conn after a packet. closing
// is set for TCP packets carrying FIN or RST. Once closing, a conn stays on
// the closing timeout.
func (t Timeouts) Transition(proto conntab.Protocol, state uint16, closing bool) (uint16, time.Duration) {
	if proto != conntab.ProtoTCP {
		return state, t.UDP
	}
	if closing {
		state |= StateClosing
	}
	if state&StateClosing != 0 {
		return state, t.TCPClosing
	}
	return state, t.TCP
}
