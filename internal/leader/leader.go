// Package leader implements the phase-2 driver: while a ballot is
// held, it proposes commands into slots and gathers phase-2b acks
// from a quorum. Each in-flight slot is a "commander" tracking its own
// acceptor acks, following the teacher's per-instance bookkeeping in
// consensus.Scope/consensus.Instance (acceptInstanceUnsafe,
// commitInstanceUnsafe) generalized from EPaxos's dependency-graph
// instances to Multi-Paxos's flat, totally-ordered slots.
package leader

import (
	"sync"

	logging "github.com/op/go-logging"

	"github.com/replicant/replicant/internal/ids"
	"github.com/replicant/replicant/internal/scout"
)

var logger = logging.MustGetLogger("leader")

// Nop is the zero-length filler command used to patch gaps in the
// seeded slot range and to pad between accepted proposals.
var Nop = []byte{}

// commander tracks phase-2 acks for one slot under the leader's held
// ballot.
type commander struct {
	pvalue ids.PValue
	acked  map[ids.ServerId]bool
	learned bool
}

// Leader drives phase-2 for a range of slots under a held ballot.
type Leader struct {
	mu sync.Mutex

	ballot    ids.Ballot
	acceptors []ids.ServerId
	quorum    int

	windowStart uint64
	windowLimit uint64

	commanders map[uint64]*commander
	pending    []scout.PendingCommand

	maxSeededSlot uint64
	hasSeeded     bool
}

// FromScout constructs a Leader from a promoted scout: acceptors =
// scout.TakenUp(), quorum = floor(len(acceptors)/2)+1. For each slot in
// the merged pvalues, it seeds a commander with the highest-ballot
// pvalue, relabels it to the leader's own ballot ("pre-empt and
// adopt"), and fills every slot in [max(min_seeded, windowStart),
// max(max_seeded, windowStart)] that has no seeded pvalue with a Nop
// commander. It also records the scout-enqueued pending proposals and
// max_seeded_slot.
func FromScout(s *scout.Scout, windowStart, windowLimit uint64) *Leader {
	acceptors := s.TakenUp()
	l := &Leader{
		ballot:      s.Ballot(),
		acceptors:   acceptors,
		quorum:      len(acceptors)/2 + 1,
		windowStart: windowStart,
		windowLimit: windowLimit,
		commanders:  make(map[uint64]*commander),
	}

	merged := s.MergedPVals()
	var minSlot, maxSlot uint64
	first := true
	bySlot := make(map[uint64]ids.PValue)
	for _, p := range merged {
		existing, ok := bySlot[p.Slot]
		if !ok || existing.Ballot.Less(p.Ballot) {
			bySlot[p.Slot] = p
		}
	}
	for slot, p := range bySlot {
		if first || slot < minSlot {
			minSlot = slot
		}
		if first || slot > maxSlot {
			maxSlot = slot
		}
		first = false
		relabeled := ids.PValue{Ballot: l.ballot, Slot: slot, Command: p.Command}
		l.commanders[slot] = &commander{pvalue: relabeled, acked: make(map[ids.ServerId]bool)}
	}

	if !first {
		// Fill [max(minSlot, windowStart), max(maxSlot, windowStart)],
		// both ends inclusive, with Nop fillers, per the documented
		// edge case in spec.md
		// §9: a Nop filler loop must not skip the highest seeded slot
		// when there are gaps inside the seeded range.
		lo := minSlot
		if windowStart > lo {
			lo = windowStart
		}
		hi := maxSlot
		if windowStart > hi {
			hi = windowStart
		}
		for slot := lo; slot <= hi; slot++ {
			if _, ok := l.commanders[slot]; !ok {
				l.commanders[slot] = &commander{
					pvalue: ids.PValue{Ballot: l.ballot, Slot: slot, Command: Nop},
					acked:  make(map[ids.ServerId]bool),
				}
			}
		}
		l.maxSeededSlot = hi
		l.hasSeeded = true
	} else {
		l.maxSeededSlot = windowStart
		l.hasSeeded = false
	}

	l.pending = s.Pending()
	return l
}

func (l *Leader) Ballot() ids.Ballot { return l.ballot }

func (l *Leader) Acceptors() []ids.ServerId {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ids.ServerId(nil), l.acceptors...)
}

func (l *Leader) Quorum() int { return l.quorum }

// SeededProposals returns the pvalues installed directly from the
// scout (including Nop fillers), which the caller must phase-2a to
// all acceptors immediately after construction.
func (l *Leader) SeededProposals() []ids.PValue {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ids.PValue, 0, len(l.commanders))
	for _, c := range l.commanders {
		out = append(out, c.pvalue)
	}
	return out
}

// DrainPendingProposals consumes the scout-enqueued pending proposals,
// installing commanders for them starting at max_seeded_slot and
// respecting each entry's [start, limit) constraint. It returns the
// newly installed pvalues to be phase-2a'd.
func (l *Leader) DrainPendingProposals() []ids.PValue {
	l.mu.Lock()
	defer l.mu.Unlock()
	var installed []ids.PValue
	cursor := l.maxSeededSlot
	if l.hasSeeded {
		cursor++
	}
	for _, pc := range l.pending {
		slot := l.findSlotLocked(pc.Start, pc.Limit, cursor)
		if slot == noSlot {
			continue
		}
		p := ids.PValue{Ballot: l.ballot, Slot: slot, Command: pc.Command}
		l.commanders[slot] = &commander{pvalue: p, acked: make(map[ids.ServerId]bool)}
		installed = append(installed, p)
		cursor = slot + 1
	}
	l.pending = nil
	return installed
}

const noSlot = ^uint64(0)

func (l *Leader) findSlotLocked(start, limit, floor uint64) uint64 {
	if start < floor {
		start = floor
	}
	for s := start; limit == 0 || s < limit; s++ {
		if _, ok := l.commanders[s]; !ok {
			return s
		}
	}
	return noSlot
}

// Propose finds the lowest unowned slot in [max(start, windowStart),
// limit), installs a new commander and returns its pvalue to be sent
// as phase-2a to all acceptors.
func (l *Leader) Propose(start, limit uint64, cmd []byte) (ids.PValue, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lo := start
	if l.windowStart > lo {
		lo = l.windowStart
	}
	slot := l.findSlotLocked(lo, limit, lo)
	if slot == noSlot {
		return ids.PValue{}, false
	}
	p := ids.PValue{Ballot: l.ballot, Slot: slot, Command: cmd}
	l.commanders[slot] = &commander{pvalue: p, acked: make(map[ids.ServerId]bool)}
	if slot > l.maxSeededSlot || !l.hasSeeded {
		l.maxSeededSlot = slot
		l.hasSeeded = true
	}
	return p, true
}

// Accept records a phase-2b ack; if p matches the commander at
// p.Slot and from is in the acceptor set, the ack is recorded. It
// returns true exactly once, the instant the ack count first reaches
// quorum — the caller then broadcasts Learn(p) to all servers.
func (l *Leader) Accept(from ids.ServerId, p ids.PValue) (ids.PValue, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.inAcceptorSet(from) {
		return ids.PValue{}, false
	}
	c, ok := l.commanders[p.Slot]
	if !ok || c.pvalue.Ballot != p.Ballot || string(c.pvalue.Command) != string(p.Command) {
		return ids.PValue{}, false
	}
	if c.learned {
		return ids.PValue{}, false
	}
	c.acked[from] = true
	if len(c.acked) >= l.quorum {
		c.learned = true
		logger.Debugf("leader %v: slot %d reached quorum (%d acks)", l.ballot, p.Slot, len(c.acked))
		return c.pvalue, true
	}
	return ids.PValue{}, false
}

func (l *Leader) inAcceptorSet(id ids.ServerId) bool {
	for _, a := range l.acceptors {
		if a == id {
			return true
		}
	}
	return false
}

// SetWindow widens the legal slot window. It returns the newly-legal
// pvalues to propose (gaps up to the previous max filled with Nops)
// for the caller to resend as phase-2a.
func (l *Leader) SetWindow(start, limit uint64) []ids.PValue {
	l.mu.Lock()
	defer l.mu.Unlock()
	prevLimit := l.windowLimit
	l.windowStart = start
	l.windowLimit = limit

	var filled []ids.PValue
	if limit > prevLimit {
		lo := prevLimit
		if lo < start {
			lo = start
		}
		for s := lo; s < limit; s++ {
			if _, ok := l.commanders[s]; !ok {
				p := ids.PValue{Ballot: l.ballot, Slot: s, Command: Nop}
				l.commanders[s] = &commander{pvalue: p, acked: make(map[ids.ServerId]bool)}
				filled = append(filled, p)
			}
		}
	}
	return filled
}

// GarbageCollect drops commander entries for slots below the given
// floor; they are permanently decided and no longer need in-memory
// ack tracking.
func (l *Leader) GarbageCollect(below uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for slot := range l.commanders {
		if slot < below {
			delete(l.commanders, slot)
		}
	}
}

// OutstandingProposals returns every pvalue this leader currently
// believes is in flight (has not yet reached quorum), for periodic
// resend of phase-2a (§4.7 periodic_maintain).
func (l *Leader) OutstandingProposals() []ids.PValue {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []ids.PValue
	for _, c := range l.commanders {
		if !c.learned {
			out = append(out, c.pvalue)
		}
	}
	return out
}
