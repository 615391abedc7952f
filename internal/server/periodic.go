package server

import (
	"time"

	"github.com/replicant/replicant/internal/clientproto"
	"github.com/replicant/replicant/internal/ids"
	"github.com/replicant/replicant/internal/replica"
	"github.com/replicant/replicant/internal/scout"
)

// runPeriodic dispatches the single task scheduled for interval
// (spec.md §4.7's periodic task table), counting each run under its
// own statsd bucket.
func (s *Server) runPeriodic(interval time.Duration) {
	switch interval {
	case intervalMaintain:
		s.stats.Inc("server.periodic.maintain", 1, 1)
		s.periodicMaintain()
	case intervalPingServers:
		s.stats.Inc("server.periodic.ping_servers", 1, 1)
		s.periodicPingServers()
	case intervalNonceSequence:
		s.stats.Inc("server.periodic.nonce_sequence", 1, 1)
		s.periodicGenerateNonceSequence()
	case intervalFlushEnqueued:
		s.stats.Inc("server.periodic.flush_enqueued", 1, 1)
		s.periodicFlushEnqueuedCommands()
	case intervalMaintainObjects:
		s.stats.Inc("server.periodic.maintain_objects", 1, 1)
		s.periodicMaintainObjects()
	case intervalTick:
		s.stats.Inc("server.periodic.tick", 1, 1)
		s.periodicTick()
	case intervalWarnScoutStuck:
		s.stats.Inc("server.periodic.warn_scout_stuck", 1, 1)
		s.periodicWarnScoutStuck()
	case intervalCheckAddress:
		s.stats.Inc("server.periodic.check_address", 1, 1)
		s.periodicCheckAddress()
	}
}

// periodicMaintain resends outstanding phase-1a/phase-2a, or attempts
// to start a scout if neither a scout nor a leader is currently
// running (spec.md §4.7, 250ms).
func (s *Server) periodicMaintain() {
	s.mu.Lock()
	sc, ld := s.sc, s.ld
	s.mu.Unlock()

	switch {
	case sc != nil:
		ballot := sc.Ballot()
		for _, id := range sc.Missing() {
			s.send(id, clientproto.PaxosPhase1a{Ballot: ballot})
		}
	case ld != nil:
		for _, p := range ld.OutstandingProposals() {
			s.broadcastPhase2a(p)
		}
	default:
		s.periodicStartScout()
	}
}

// periodicStartScout implements the leader-election trigger: an
// exponential backoff keyed to the server's index in the
// configuration, and the four start conditions of spec.md §4.7.
func (s *Server) periodicStartScout() {
	s.mu.Lock()
	cfg := s.config
	s.mu.Unlock()

	idx := cfg.IndexOf(s.self.Id)
	if idx < 0 {
		return
	}
	backoff := time.Duration(1<<uint(idx)) * intervalMaintain
	if time.Since(s.lastScoutAttempt) < backoff {
		return
	}

	current := s.acceptor.CurrentBallot()
	discontinuous := s.ledgerDiscontinuous()
	noBallot := current.IsZero()
	selfWasLeader := current.Leader == s.self.Id
	leaderSuspected := !noBallot && !selfWasLeader && s.suspectFailed(current.Leader)

	if !discontinuous && !noBallot && !selfWasLeader && !leaderSuspected {
		return
	}

	s.lastScoutAttempt = time.Now()
	s.scoutAttempts++
	s.stats.Inc("server.scouts_started", 1, 1)
	s.startScout()
}

// ledgerDiscontinuous mirrors the original daemon's
// replica::discontinuous(): true when the acceptor holds an accepted
// pvalue at some slot beyond the one the replica is about to execute,
// but nothing is accepted yet for that next slot itself — a hole at
// next, meaning the learn that should have filled it was lost and
// progress is stuck until a new scout repairs it.
func (s *Server) ledgerDiscontinuous() bool {
	next := s.replica.Slot()
	haveNext := false
	lowestPending := uint64(0)
	havePending := false
	for _, p := range s.acceptor.PVals() {
		if p.Slot < next {
			continue
		}
		if p.Slot == next {
			haveNext = true
			continue
		}
		if !havePending || p.Slot < lowestPending {
			lowestPending = p.Slot
			havePending = true
		}
	}
	return !haveNext && havePending
}

func (s *Server) startScout() {
	ballot := s.acceptor.CurrentBallot().Successor(s.self.Id)
	if err := s.acceptor.Adopt(ballot); err != nil {
		logger.Errorf("adopt %v failed: %v", ballot, err)
		return
	}

	start, limit := s.replica.Window(replica.Window)
	acceptors := s.acceptorIdsFromConfig()
	sc := scout.New(ballot, acceptors, start, limit)
	sc.HandlePhase1b(s.self.Id, ballot, s.acceptor.PVals())

	s.mu.Lock()
	s.sc = sc
	s.ld = nil
	s.scoutStartedAt = time.Now()
	s.mu.Unlock()

	for _, id := range acceptors {
		if id == s.self.Id {
			continue
		}
		s.sendWhenAcceptorPersistent(id, clientproto.PaxosPhase1a{Ballot: ballot})
	}
	logger.Infof("started scout for ballot %v", ballot)
}

func (s *Server) acceptorIdsFromConfig() []ids.ServerId {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ids.ServerId, 0, len(s.config.Servers))
	for _, srv := range s.config.Servers {
		out = append(out, srv.Id)
	}
	return out
}

// periodicPingServers sends Ping(current_ballot) to every other
// configured server (spec.md §4.7, 500ms).
func (s *Server) periodicPingServers() {
	ballot := s.acceptor.CurrentBallot()
	for _, srv := range s.peers() {
		if srv.Id == s.self.Id {
			continue
		}
		s.send(srv.Id, clientproto.Ping{Ballot: ballot})
	}
}

// periodicGenerateNonceSequence proposes a fresh IncrementCounter on
// every run (spec.md §4.7, 1000ms). It does not check whether this
// server already holds a usable nonce window.
func (s *Server) periodicGenerateNonceSequence() {
	payload := replica.EncodeIncrementCounter(s.self.Id, ids.RandomToken())
	cmd := replica.EncodeCommand(replica.Command{Type: replica.CmdIncrementCounter, Nonce: ids.RandomToken(), Payload: payload})
	s.submit(cmd)
}

// periodicFlushEnqueuedCommands is a no-op beyond flushDeferred (which
// already runs every loop iteration). It re-sends no queued client
// commands: nothing is ever placed in replica.Replica's
// unordered-command queue.
func (s *Server) periodicFlushEnqueuedCommands() {
	s.flushDeferred()
}

// periodicMaintainObjects drains newly observed object failures and
// turns each into an ObjectFailed proposal (spec.md §4.5, §4.7).
func (s *Server) periodicMaintainObjects() {
	for _, note := range s.objects.PendingFailures() {
		payload := replica.EncodeObjectFailed(s.self.Id, note.Name, note.LastExecutedSlot)
		cmd := replica.EncodeCommand(replica.Command{Type: replica.CmdObjectFailed, Nonce: ids.RandomToken(), Payload: payload})
		s.submit(cmd)
	}
}

// periodicTick proposes Tick(last_tick+1) when this server is leader
// (spec.md §4.4, §4.7).
func (s *Server) periodicTick() {
	s.mu.Lock()
	isLeader := s.ld != nil
	s.mu.Unlock()
	if !isLeader {
		return
	}
	s.lastTick++
	payload := replica.EncodeTick(s.lastTick)
	cmd := replica.EncodeCommand(replica.Command{Type: replica.CmdTick, Nonce: ids.RandomToken(), Payload: payload})
	s.submit(cmd)
}

// periodicWarnScoutStuck logs a warning if a scout has been pending
// for an unreasonably long time without promoting (spec.md §4.7,
// 10000ms).
func (s *Server) periodicWarnScoutStuck() {
	s.mu.Lock()
	sc := s.sc
	startedAt := s.scoutStartedAt
	s.mu.Unlock()
	if sc == nil {
		return
	}
	if time.Since(startedAt) > intervalWarnScoutStuck {
		logger.Warningf("scout for ballot %v stuck: missing %v", sc.Ballot(), sc.Missing())
	}
}

// periodicCheckAddress is a light self-check: nothing to validate
// without a live network-interface enumeration dependency, so this
// only re-announces identity to peers whose address book entry might
// be stale (spec.md §4.7, 10000ms).
func (s *Server) periodicCheckAddress() {
	s.mu.Lock()
	self := s.self
	s.mu.Unlock()
	for _, srv := range s.peers() {
		if srv.Id == self.Id {
			continue
		}
		s.send(srv.Id, clientproto.Identity{Server: self})
	}
}
