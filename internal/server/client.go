package server

import (
	"github.com/replicant/replicant/internal/clientproto"
	"github.com/replicant/replicant/internal/ids"
	"github.com/replicant/replicant/internal/replica"
	"github.com/replicant/replicant/internal/transport"
)

// encodeServerBecomeMemberCommand builds the CmdServerBecomeMember
// payload dispatch.go submits when a legacy bootstrap-style join
// request names a server the active configuration doesn't yet carry.
func encodeServerBecomeMemberCommand(srv ids.Server) []byte {
	return replica.EncodeCommand(replica.Command{
		Type:    replica.CmdServerBecomeMember,
		Nonce:   ids.RandomToken(),
		Payload: replica.EncodeServerBecomeMember(srv),
	})
}

// handlePoke submits a diagnostic Poke(text) command keyed on the
// client's nonce; the replica logs it and replies success.
func (s *Server) handlePoke(from transport.PeerRef, m clientproto.Poke) {
	s.registerPending(m.ClientNonce, from, m.ClientNonce)
	payload := replica.EncodePoke("poke")
	cmd := replica.EncodeCommand(replica.Command{Type: replica.CmdPoke, Nonce: m.ClientNonce, Payload: payload})
	s.submit(cmd)
}

// handleCall submits a non-robust Call; a retry with the same
// client_nonce is deduplicated by the replica's nonce window, not
// replayed from robust_history (only CallRobust gets that guarantee).
func (s *Server) handleCall(from transport.PeerRef, m clientproto.Call) {
	s.registerPending(m.ClientNonce, from, m.ClientNonce)
	payload := replica.EncodeCall(string(m.Obj), string(m.Func), m.Input)
	cmd := replica.EncodeCommand(replica.Command{Type: replica.CmdCall, Nonce: m.ClientNonce, Payload: payload})
	s.submit(cmd)
}

// handleCallRobust answers from robust_history immediately when the
// command_nonce has already executed (or is too old to have a
// decided answer — StatusMaybe); otherwise it submits the call keyed
// on command_nonce so a retry after a dropped reply converges on the
// same recorded (status, output) (spec.md §4.4 "Robust replay law").
func (s *Server) handleCallRobust(from transport.PeerRef, m clientproto.CallRobust) {
	if status, output, found := s.replica.HasOutput(m.CommandNonce, m.MinSlot); found || clientproto.Status(status) == clientproto.StatusMaybe {
		s.transport.Reply(from, clientproto.ClientResponse{ClientNonce: m.ClientNonce, Status: clientproto.Status(status), Payload: output})
		return
	}
	s.registerPending(m.CommandNonce, from, m.ClientNonce)
	payload := replica.EncodeCall(string(m.Obj), string(m.Func), m.Input)
	cmd := replica.EncodeCommand(replica.Command{Type: replica.CmdCall, Flags: replica.FlagRobust, Nonce: m.CommandNonce, Payload: payload})
	s.submit(cmd)
}

// handleGetRobustParams hands back a fresh command_nonce (derived
// from a random token, since uniqueness rather than sequencing is all
// CallRobust's dedup key requires) plus the replica's next slot to
// execute as min_slot, for the client to pass back verbatim on
// CallRobust/retries.
func (s *Server) handleGetRobustParams(from transport.PeerRef, m clientproto.GetRobustParams) {
	commandNonce := ids.RandomToken()
	minSlot := s.replica.Slot()
	payload := clientproto.EncodeRobustParamsPayload(commandNonce, minSlot)
	s.transport.Reply(from, clientproto.ClientResponse{ClientNonce: m.ClientNonce, Status: clientproto.StatusSuccess, Payload: payload})
}

// handleCondWait answers immediately if the condition already
// satisfies min_state; otherwise the replica registers a waiter that
// the next matching CondBroadcast will deliver through ClientCallback,
// which finds the reply route this handler registers via
// registerPending.
func (s *Server) handleCondWait(from transport.PeerRef, m clientproto.CondWait) {
	state, data, ready, err := s.replica.CondWait(string(m.Obj), string(m.Cond), m.ClientNonce, m.State)
	if err != nil {
		s.transport.Reply(from, clientproto.ClientResponse{ClientNonce: m.ClientNonce, Status: clientproto.StatusCondNotFound})
		return
	}
	if ready {
		payload := clientproto.EncodeConditionPayload(state, data)
		s.transport.Reply(from, clientproto.ClientResponse{ClientNonce: m.ClientNonce, Status: clientproto.StatusSuccess, Payload: payload})
		return
	}
	s.registerPending(m.ClientNonce, from, m.ClientNonce)
}

// handleUniqueNumber grants server a fresh batch of cluster-wide
// nonces via the normal Paxos pipeline (CmdIncrementCounter), exactly
// like any other replicated command.
func (s *Server) handleUniqueNumber(from transport.PeerRef, m clientproto.UniqueNumber) {
	id, ok := s.peerIdFromRef(from)
	if !ok {
		return
	}
	payload := replica.EncodeIncrementCounter(id, m.ClientNonce)
	cmd := replica.EncodeCommand(replica.Command{Type: replica.CmdIncrementCounter, Nonce: ids.RandomToken(), Payload: payload})
	s.submit(cmd)
}

func (s *Server) handlePing(from transport.PeerRef, m clientproto.Ping) {
	id, ok := s.peerIdFromRef(from)
	if ok {
		s.failures.ProofOfLife(id)
	}
	s.transport.Reply(from, clientproto.Pong{})
}

func (s *Server) handlePong(from transport.PeerRef) {
	id, ok := s.peerIdFromRef(from)
	if ok {
		s.failures.ProofOfLife(id)
	}
}
