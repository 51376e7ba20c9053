// Package flow turns observed packets into connection table operations.
//
// A TCP SYN carrying a TOA option creates a conn keyed by the packet source
// (the director's local address) on the server side and by the TOA address
// on the client side. Every other packet refreshes the conn it belongs to,
// found by its source or destination address in the server index.
package flow

import (
	"errors"
	"log/slog"
	"time"

	"vsca/internal/iputil"
	"vsca/internal/policy"
	"vsca/pkg/conntab"
)

type Outcome int

const (
	OutcomeCreated Outcome = iota
	OutcomeRefreshed
	OutcomeMatched
	OutcomeUntracked
	OutcomeRateLimited
	OutcomeExhausted
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeRefreshed:
		return "refreshed"
	case OutcomeMatched:
		return "matched"
	case OutcomeUntracked:
		return "untracked"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeExhausted:
		return "exhausted"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

type Tracker struct {
	table    *conntab.Table
	timeouts policy.Timeouts
	limiter  *CreateLimiter
	log      *slog.Logger
}

func NewTracker(table *conntab.Table, timeouts policy.Timeouts, limiter *CreateLimiter, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Tracker{table: table, timeouts: timeouts, limiter: limiter, log: log}
}

// Handle parses pkt and observes it.
func (t *Tracker) Handle(pkt []byte) (Outcome, error) {
	f, err := iputil.ParseFlow(pkt)
	if err != nil {
		return OutcomeRejected, err
	}
	return t.Observe(f), nil
}

func (t *Tracker) Observe(f iputil.Flow) Outcome {
	proto := conntab.Protocol(f.Proto)
	if f.HasTOA() && f.SYN() {
		return t.observeSYN(proto, f)
	}
	c, ok := t.table.LookupAddr(proto, f.Src, conntab.DirServer)
	if !ok {
		c, ok = t.table.LookupAddr(proto, f.Dst, conntab.DirServer)
	}
	if !ok {
		return OutcomeUntracked
	}
	t.advance(c, f)
	t.table.Put(c)
	return OutcomeMatched
}

func (t *Tracker) observeSYN(proto conntab.Protocol, f iputil.Flow) Outcome {
	if c, ok := t.table.LookupAddr(proto, f.Src, conntab.DirServer); ok {
		// Retransmitted SYN.
		t.advance(c, f)
		t.table.Put(c)
		return OutcomeRefreshed
	}
	if !t.limiter.Allow(f.TOA.Addr()) {
		return OutcomeRateLimited
	}
	c, err := t.table.Create(proto, f.Src, f.Dst, f.TOA, t.timeouts.Initial(proto))
	if err != nil {
		if errors.Is(err, conntab.ErrResourceExhausted) {
			return OutcomeExhausted
		}
		t.log.Debug("conn create failed", "src", f.Src, "toa", f.TOA, "err", err)
		return OutcomeRejected
	}
	c.SetState(policy.StateSynSeen)
	t.table.Hash(c)
	t.table.Put(c)
	return OutcomeCreated
}

func (t *Tracker) advance(c *conntab.Conn, f iputil.Flow) {
	c.UpdateState(func(state uint16, _ time.Duration) (uint16, time.Duration) {
		return t.timeouts.Transition(c.Protocol(), state, f.Closing())
	})
}
