package server

import (
	"github.com/replicant/replicant/internal/clientproto"
	"github.com/replicant/replicant/internal/ids"
	"github.com/replicant/replicant/internal/leader"
	"github.com/replicant/replicant/internal/replica"
	"github.com/replicant/replicant/internal/scout"
	"github.com/replicant/replicant/internal/transport"
)

// dispatch routes one inbound envelope to the appropriate handler
// (spec.md §4.7 "Message decode dispatch").
func (s *Server) dispatch(env transport.Envelope) {
	switch m := env.Msg.(type) {
	case clientproto.Bootstrap:
		s.handleBootstrap(env.From, m)
	case clientproto.StateTransferRequest:
		s.handleStateTransfer(env.From, m)
	case clientproto.WhoAreYou:
		s.handleWhoAreYou(env.From)
	case clientproto.Identity:
		s.handleIdentity(env.From, m)
	case clientproto.PaxosPhase1a:
		s.handlePhase1a(env.From, m)
	case clientproto.PaxosPhase1b:
		s.handlePhase1b(env.From, m)
	case clientproto.PaxosPhase2a:
		s.handlePhase2a(env.From, m)
	case clientproto.PaxosPhase2b:
		s.handlePhase2b(env.From, m)
	case clientproto.PaxosLearn:
		s.handleLearn(m)
	case clientproto.PaxosSubmit:
		s.submit(m.Command)
	case clientproto.ServerBecomeMember:
		s.handleServerBecomeMember(env.From, m)
	case clientproto.UniqueNumber:
		s.handleUniqueNumber(env.From, m)
	case clientproto.Poke:
		s.handlePoke(env.From, m)
	case clientproto.Call:
		s.handleCall(env.From, m)
	case clientproto.CallRobust:
		s.handleCallRobust(env.From, m)
	case clientproto.GetRobustParams:
		s.handleGetRobustParams(env.From, m)
	case clientproto.CondWait:
		s.handleCondWait(env.From, m)
	case clientproto.Ping:
		s.handlePing(env.From, m)
	case clientproto.Pong:
		s.handlePong(env.From)
	case clientproto.NopMsg:
		// ignored
	default:
		logger.Warningf("no handler for message type %T", m)
	}
}

func (s *Server) peerIdFromRef(from transport.PeerRef) (ids.ServerId, bool) {
	if from.Known {
		return from.Id, true
	}
	return 0, false
}

func (s *Server) handleBootstrap(from transport.PeerRef, m clientproto.Bootstrap) {
	s.mu.Lock()
	cfg := s.config
	self := s.self
	s.mu.Unlock()
	s.transport.Reply(from, clientproto.Bootstrap{Server: self, Config: cfg})
	s.transport.AddPeer(m.Server.Id, m.Server.BindAddr)
}

func (s *Server) handleStateTransfer(from transport.PeerRef, _ clientproto.StateTransferRequest) {
	slot, snap, ok := s.replica.LatestSnapshot()
	if !ok {
		s.transport.Reply(from, clientproto.NopMsg{})
		return
	}
	s.transport.Reply(from, clientproto.StateTransferRequest{Slot: slot, Snapshot: snap, IsReply: true})
}

func (s *Server) handleWhoAreYou(from transport.PeerRef) {
	s.mu.Lock()
	self := s.self
	s.mu.Unlock()
	s.transport.Reply(from, clientproto.Identity{Server: self})
}

func (s *Server) handleIdentity(from transport.PeerRef, m clientproto.Identity) {
	s.transport.AddPeer(m.Server.Id, m.Server.BindAddr)
	_ = from
}

func (s *Server) handlePhase1a(from transport.PeerRef, m clientproto.PaxosPhase1a) {
	id, ok := s.peerIdFromRef(from)
	if !ok {
		return
	}
	current := s.acceptor.CurrentBallot()
	if m.Ballot.Less(current) || m.Ballot == current {
		return
	}
	if err := s.acceptor.Adopt(m.Ballot); err != nil {
		logger.Errorf("adopt %v failed: %v", m.Ballot, err)
		return
	}
	s.sendWhenAcceptorPersistent(id, clientproto.PaxosPhase1b{Ballot: m.Ballot, PVals: s.acceptor.PVals()})
}

func (s *Server) handlePhase1b(from transport.PeerRef, m clientproto.PaxosPhase1b) {
	id, ok := s.peerIdFromRef(from)
	if !ok {
		return
	}
	s.mu.Lock()
	sc := s.sc
	s.mu.Unlock()
	if sc == nil || sc.Ballot() != m.Ballot {
		return
	}
	sc.HandlePhase1b(id, m.Ballot, m.PVals)
	if sc.ReadyToPromote(s.suspectFailed) {
		s.promote(sc)
	}
}

func (s *Server) suspectFailed(id ids.ServerId) bool {
	return s.failures.SuspectFailed(id, suspectTimeout)
}

func (s *Server) promote(sc *scout.Scout) {
	sc.MarkPromoted()
	start, limit := s.replica.Window(replica.Window)
	ld := leader.FromScout(sc, start, limit)
	s.mu.Lock()
	s.sc = nil
	s.ld = ld
	s.mu.Unlock()

	for _, p := range ld.SeededProposals() {
		s.broadcastPhase2a(p)
	}
	for _, p := range ld.DrainPendingProposals() {
		s.broadcastPhase2a(p)
	}
	logger.Infof("promoted to leader under ballot %v", ld.Ballot())
}

func (s *Server) handlePhase2a(from transport.PeerRef, m clientproto.PaxosPhase2a) {
	id, ok := s.peerIdFromRef(from)
	if !ok {
		return
	}
	current := s.acceptor.CurrentBallot()
	if m.PValue.Ballot.Less(current) {
		return
	}
	if err := s.acceptor.Accept(m.PValue); err != nil {
		logger.Errorf("accept %v failed: %v", m.PValue, err)
		return
	}
	s.sendWhenAcceptorPersistent(id, clientproto.PaxosPhase2b{Ballot: m.PValue.Ballot, PValue: m.PValue})
}

func (s *Server) handlePhase2b(from transport.PeerRef, m clientproto.PaxosPhase2b) {
	id, ok := s.peerIdFromRef(from)
	if !ok {
		return
	}
	s.mu.Lock()
	ld := s.ld
	s.mu.Unlock()
	if ld == nil || ld.Ballot() != m.Ballot {
		return
	}
	if p, learned := ld.Accept(id, m.PValue); learned {
		for _, srv := range s.peers() {
			s.send(srv.Id, clientproto.PaxosLearn{PValue: p})
		}
		s.tryExecute(p)
	}
}

func (s *Server) handleLearn(m clientproto.PaxosLearn) {
	s.tryExecute(m.PValue)
}

// tryExecute applies p's command if it is exactly the next slot to
// execute; out-of-order learns are simply dropped (a state transfer or
// a later learn for the same slot will eventually arrive once the
// replica catches up, matching the relaxed ordering the scout/leader
// already guarantee for contiguous ranges under a stable leader).
func (s *Server) tryExecute(p ids.PValue) {
	if p.Slot != s.replica.Slot() {
		return
	}
	s.replica.Execute(p.Slot, p.Command)

	next := s.replica.ActiveConfiguration()
	s.mu.Lock()
	changed := next.Version != s.config.Version
	s.config = next
	s.mu.Unlock()
	if changed {
		s.failures.AssumeAllAlive(s.acceptorIdsFromConfig())
	}
}

func (s *Server) handleServerBecomeMember(from transport.PeerRef, m clientproto.ServerBecomeMember) {
	cfg := s.replica.ActiveConfiguration()
	if !cfg.Contains(m.Server) {
		payload := encodeServerBecomeMemberCommand(m.Server)
		s.submit(payload)
	}
	s.transport.Reply(from, clientproto.Bootstrap{Server: s.self, Config: cfg})
}
