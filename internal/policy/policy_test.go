package policy

import (
	"testing"
	"time"

	"vsca/pkg/conntab"
)

func TestTransition(t *testing.T) {
	p := Default()

	state, timeout := p.Transition(conntab.ProtoTCP, StateSynSeen, false)
	if state != StateSynSeen || timeout != 60*time.Second {
		t.Fatalf("established = %#x, %v", state, timeout)
	}
	state, timeout = p.Transition(conntab.ProtoTCP, state, true)
	if state&StateClosing == 0 || timeout != 10*time.Second {
		t.Fatalf("closing = %#x, %v", state, timeout)
	}
	// Later packets without FIN keep the closing timeout.
	state, timeout = p.Transition(conntab.ProtoTCP, state, false)
	if state&StateClosing == 0 || timeout != 10*time.Second {
		t.Fatalf("after close = %#x, %v", state, timeout)
	}
	if _, timeout := p.Transition(conntab.ProtoUDP, 0, true); timeout != 30*time.Second {
		t.Fatalf("udp timeout = %v", timeout)
	}
}

func TestApplyDefaultsAndValidate(t *testing.T) {
	p := Timeouts{TCP: 5 * time.Minute}
	p.ApplyDefaults()
	if p.TCP != 5*time.Minute || p.TCPClosing != 10*time.Second || p.UDP != 30*time.Second {
		t.Fatalf("defaults = %+v", p)
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := (Timeouts{TCP: time.Second, TCPClosing: time.Minute}).Validate(); err == nil {
		t.Fatalf("expected error for closing > tcp")
	}
	if got := p.Initial(conntab.ProtoUDP); got != 30*time.Second {
		t.Fatalf("Initial(udp) = %v", got)
	}
}
