// Package scout drives Paxos phase-1 for a new ballot: send phase-1a
// to a chosen acceptor set, collect phase-1b responses, and decide
// when a majority plus "all missing suspected failed" justifies
// promoting to a leader. The quorum-counting and response-merging
// style is adapted from the teacher's consensus.Manager analysis of
// PrepareResponses (manager_prepare.go), generalized from "highest
// ballot/status wins" to full pvalue-set merging across acceptors.
package scout

import (
	"sort"
	"sync"

	logging "github.com/op/go-logging"

	"github.com/replicant/replicant/internal/ids"
)

var logger = logging.MustGetLogger("scout")

// PendingCommand is a command the leader should propose once elected,
// remembered via Enqueue.
type PendingCommand struct {
	Start   uint64
	Limit   uint64
	Command []byte
}

// Scout collects phase-1b responses from a majority of a chosen
// acceptor set for a single ballot.
type Scout struct {
	mu sync.Mutex

	ballot    ids.Ballot
	acceptors []ids.ServerId
	start     uint64
	limit     uint64

	takenUp map[ids.ServerId]bool
	pvals   map[pvalKey]ids.PValue

	pending []PendingCommand

	frozen   bool
	promoted bool
}

type pvalKey struct {
	ballot ids.Ballot
	slot   uint64
	cmd    string
}

// New constructs a scout for ballot b over the given acceptor set and
// slot window [start, limit).
func New(b ids.Ballot, acceptors []ids.ServerId, start, limit uint64) *Scout {
	return &Scout{
		ballot:    b,
		acceptors: append([]ids.ServerId(nil), acceptors...),
		start:     start,
		limit:     limit,
		takenUp:   make(map[ids.ServerId]bool),
		pvals:     make(map[pvalKey]ids.PValue),
	}
}

func (s *Scout) Ballot() ids.Ballot { return s.ballot }

func (s *Scout) Acceptors() []ids.ServerId {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ids.ServerId(nil), s.acceptors...)
}

// HandlePhase1b records a phase-1b response if from is in the
// configured acceptor set and not already counted, merging its
// pvalues into the scout's deduplicated, sorted view.
func (s *Scout) HandlePhase1b(from ids.ServerId, theirBallot ids.Ballot, theirPvals []ids.PValue) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.inAcceptorSet(from) {
		return
	}
	if s.takenUp[from] {
		return
	}
	if theirBallot.Less(s.ballot) {
		// stale response for an earlier ballot view of the acceptor,
		// still counts toward the quorum (it answered), but carries
		// no new promise information beyond what it has accepted.
	}
	s.takenUp[from] = true
	for _, p := range theirPvals {
		key := pvalKey{ballot: p.Ballot, slot: p.Slot, cmd: string(p.Command)}
		s.pvals[key] = p
	}
	logger.Debugf("scout %v: phase1b from %v (%d/%d)", s.ballot, from, len(s.takenUp), len(s.acceptors))
}

func (s *Scout) inAcceptorSet(id ids.ServerId) bool {
	for _, a := range s.acceptors {
		if a == id {
			return true
		}
	}
	return false
}

// Missing returns A \ taken_up.
func (s *Scout) Missing() []ids.ServerId {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ids.ServerId
	for _, a := range s.acceptors {
		if !s.takenUp[a] {
			out = append(out, a)
		}
	}
	return out
}

// Adopted reports |taken_up| > |A| - |taken_up|, i.e. a strict
// majority of the configured acceptor set has replied.
func (s *Scout) Adopted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	taken := len(s.takenUp)
	return taken > len(s.acceptors)-taken
}

// TakenUp returns the set of acceptors that have replied, used by the
// leader to seed its own acceptor set on promotion.
func (s *Scout) TakenUp() []ids.ServerId {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ids.ServerId
	for id := range s.takenUp {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MergedPVals returns the deduplicated, sorted set of pvalues
// collected so far (stable ordering by slot asc, ballot desc, mirrors
// acceptor.PVals' ordering convention).
func (s *Scout) MergedPVals() []ids.PValue {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ids.PValue, 0, len(s.pvals))
	for _, p := range s.pvals {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Slot != out[j].Slot {
			return out[i].Slot < out[j].Slot
		}
		return out[j].Ballot.Less(out[i].Ballot)
	})
	return out
}

// Enqueue remembers a command the leader should propose once elected.
func (s *Scout) Enqueue(start, limit uint64, cmd []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, PendingCommand{Start: start, Limit: limit, Command: cmd})
}

// Pending returns the commands enqueued while this scout was running.
func (s *Scout) Pending() []PendingCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PendingCommand(nil), s.pending...)
}

// ReadyToPromote reports whether a majority has replied AND every
// missing acceptor is independently suspected failed by suspectFailed
// (the "all missing are suspected" guard against flip-flopping
// leadership across a transient partition, spec.md §4.2).
func (s *Scout) ReadyToPromote(suspectFailed func(ids.ServerId) bool) bool {
	if !s.Adopted() {
		return false
	}
	for _, missing := range s.Missing() {
		if !suspectFailed(missing) {
			return false
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return !s.promoted
	}
	s.frozen = true
	return true
}

// MarkPromoted records that the scout's output has been consumed by a
// leader, so it is not promoted twice.
func (s *Scout) MarkPromoted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.promoted = true
}
