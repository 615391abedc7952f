// Package clientproto defines the typed client-facing and
// cluster-internal wire requests/responses spec.md §6.2 requires the
// core to accept and emit. Each type implements transport.Message and
// registers its decoder at init, following the same
// one-type-one-struct style as the teacher's cluster message set
// (ConnectionRequest/ConnectionAcceptedResponse in cluster/message.go),
// generalized to the full Paxos + client surface.
package clientproto

import (
	"io"

	"github.com/replicant/replicant/internal/ids"
	"github.com/replicant/replicant/internal/transport"
	"github.com/replicant/replicant/internal/wire"
)

// Wire type tags, spec.md §6.2.
const (
	TypeNop             transport.Type = 0
	TypeIdentity        transport.Type = 24
	TypeWhoAreYou       transport.Type = 25
	TypeSuggestRejoin   transport.Type = 26
	TypeSilentBootstrap transport.Type = 27
	TypeBootstrap       transport.Type = 28
	TypePing            transport.Type = 29
	TypePong            transport.Type = 30
	TypeStateTransfer   transport.Type = 31
	TypePaxosPhase1a    transport.Type = 32
	TypePaxosPhase1b    transport.Type = 33
	TypePaxosPhase2a    transport.Type = 34
	TypePaxosPhase2b    transport.Type = 35
	TypePaxosLearn      transport.Type = 36
	TypePaxosSubmit     transport.Type = 37
	TypeServerBecomeMember transport.Type = 48
	TypeUniqueNumber    transport.Type = 63
	TypePoke            transport.Type = 64
	TypeCondWait         transport.Type = 69
	TypeCall             transport.Type = 70
	TypeGetRobustParams   transport.Type = 72
	TypeCallRobust        transport.Type = 73
	TypeClientResponse transport.Type = 224
	TypeGarbage        transport.Type = 255
)

// Status codes, the client-visible return codes of spec.md §6.2.
type Status byte

const (
	StatusSuccess Status = iota
	StatusMaybe
	StatusSeeErrno
	StatusClusterJump
	StatusCommFailed
	StatusObjNotFound
	StatusObjExist
	StatusFuncNotFound
	StatusCondNotFound
	StatusCondDestroyed
	StatusServerError
	StatusTimeout
	StatusInterrupted
	StatusNonePending
	StatusInternal
	StatusException
	StatusGarbage
)

func init() {
	transport.Register(TypeBootstrap, decodeBootstrap)
	transport.Register(TypeSilentBootstrap, decodeBootstrap)
	transport.Register(TypePing, decodePing)
	transport.Register(TypePong, decodePong)
	transport.Register(TypeStateTransfer, decodeStateTransferRequest)
	transport.Register(TypeWhoAreYou, decodeWhoAreYou)
	transport.Register(TypeIdentity, decodeIdentity)
	transport.Register(TypeSuggestRejoin, decodeSuggestRejoin)
	transport.Register(TypePaxosPhase1a, decodePhase1a)
	transport.Register(TypePaxosPhase1b, decodePhase1b)
	transport.Register(TypePaxosPhase2a, decodePhase2a)
	transport.Register(TypePaxosPhase2b, decodePhase2b)
	transport.Register(TypePaxosLearn, decodeLearn)
	transport.Register(TypePaxosSubmit, decodeSubmit)
	transport.Register(TypeServerBecomeMember, decodeServerBecomeMember)
	transport.Register(TypeUniqueNumber, decodeUniqueNumber)
	transport.Register(TypePoke, decodePoke)
	transport.Register(TypeCondWait, decodeCondWait)
	transport.Register(TypeCall, decodeCall)
	transport.Register(TypeGetRobustParams, decodeGetRobustParams)
	transport.Register(TypeCallRobust, decodeCallRobust)
	transport.Register(TypeClientResponse, decodeClientResponse)
	transport.Register(TypeNop, decodeNop)
}

// --- Nop -------------------------------------------------------------

type NopMsg struct{}

func (NopMsg) Type() transport.Type        { return TypeNop }
func (NopMsg) Encode(w io.Writer) error    { return nil }
func decodeNop(r io.Reader) (transport.Message, error) { return NopMsg{}, nil }

// --- Bootstrap / SilentBootstrap -------------------------------------

type Bootstrap struct {
	Server ids.Server
	Config ids.Configuration
}

func (Bootstrap) Type() transport.Type { return TypeBootstrap }
func (b Bootstrap) Encode(w io.Writer) error {
	if err := wire.WriteServer(w, b.Server); err != nil {
		return err
	}
	return wire.WriteConfiguration(w, b.Config)
}
func decodeBootstrap(r io.Reader) (transport.Message, error) {
	s, err := wire.ReadServer(r)
	if err != nil {
		return nil, err
	}
	c, err := wire.ReadConfiguration(r)
	if err != nil {
		return nil, err
	}
	return Bootstrap{Server: s, Config: c}, nil
}

// --- WhoAreYou / Identity / SuggestRejoin -----------------------------

type WhoAreYou struct{}

func (WhoAreYou) Type() transport.Type             { return TypeWhoAreYou }
func (WhoAreYou) Encode(w io.Writer) error         { return nil }
func decodeWhoAreYou(r io.Reader) (transport.Message, error) { return WhoAreYou{}, nil }

type Identity struct {
	Server ids.Server
}

func (Identity) Type() transport.Type { return TypeIdentity }
func (i Identity) Encode(w io.Writer) error { return wire.WriteServer(w, i.Server) }
func decodeIdentity(r io.Reader) (transport.Message, error) {
	s, err := wire.ReadServer(r)
	if err != nil {
		return nil, err
	}
	return Identity{Server: s}, nil
}

type SuggestRejoin struct{}

func (SuggestRejoin) Type() transport.Type { return TypeSuggestRejoin }
func (SuggestRejoin) Encode(w io.Writer) error { return nil }
func decodeSuggestRejoin(r io.Reader) (transport.Message, error) { return SuggestRejoin{}, nil }

// --- Ping / Pong -------------------------------------------------------

type Ping struct {
	Ballot ids.Ballot
}

func (Ping) Type() transport.Type { return TypePing }
func (p Ping) Encode(w io.Writer) error { return wire.WriteBallot(w, p.Ballot) }
func decodePing(r io.Reader) (transport.Message, error) {
	b, err := wire.ReadBallot(r)
	if err != nil {
		return nil, err
	}
	return Ping{Ballot: b}, nil
}

type Pong struct{}

func (Pong) Type() transport.Type { return TypePong }
func (Pong) Encode(w io.Writer) error { return nil }
func decodePong(r io.Reader) (transport.Message, error) { return Pong{}, nil }

// --- StateTransfer -------------------------------------------------------

// StateTransferRequest is the empty request; the reply is carried
// back as the same wire type with Slot/Snapshot populated, matching
// spec.md's "request empty; reply u64 slot || bytes snapshot".
type StateTransferRequest struct {
	Slot     uint64
	Snapshot []byte
	IsReply  bool
}

func (StateTransferRequest) Type() transport.Type { return TypeStateTransfer }
func (s StateTransferRequest) Encode(w io.Writer) error {
	if !s.IsReply {
		return nil
	}
	if err := wire.WriteUint64(w, s.Slot); err != nil {
		return err
	}
	return wire.WriteFieldBytes(w, s.Snapshot)
}
func decodeStateTransferRequest(r io.Reader) (transport.Message, error) {
	// A request carries no body; a reply carries slot+snapshot. Since
	// framing doesn't declare length up front, callers that expect a
	// reply use ReadStateTransferReply explicitly instead of the
	// generic decoder. The generic decoder here always yields the
	// (empty) request form so unsolicited StateTransfer messages
	// (i.e. requests) decode cleanly.
	return StateTransferRequest{}, nil
}

// ReadStateTransferReply decodes the populated reply form directly off
// a connection, bypassing the registry (the caller already knows it
// is expecting a reply, not a fresh request).
func ReadStateTransferReply(r io.Reader) (StateTransferRequest, error) {
	slot, err := wire.ReadUint64(r)
	if err != nil {
		return StateTransferRequest{}, err
	}
	snap, err := wire.ReadFieldBytes(r)
	if err != nil {
		return StateTransferRequest{}, err
	}
	return StateTransferRequest{Slot: slot, Snapshot: snap, IsReply: true}, nil
}

// --- Paxos messages -----------------------------------------------------

type PaxosPhase1a struct {
	Ballot ids.Ballot
}

func (PaxosPhase1a) Type() transport.Type { return TypePaxosPhase1a }
func (p PaxosPhase1a) Encode(w io.Writer) error { return wire.WriteBallot(w, p.Ballot) }
func decodePhase1a(r io.Reader) (transport.Message, error) {
	b, err := wire.ReadBallot(r)
	if err != nil {
		return nil, err
	}
	return PaxosPhase1a{Ballot: b}, nil
}

type PaxosPhase1b struct {
	Ballot ids.Ballot
	PVals  []ids.PValue
}

func (PaxosPhase1b) Type() transport.Type { return TypePaxosPhase1b }
func (p PaxosPhase1b) Encode(w io.Writer) error {
	if err := wire.WriteBallot(w, p.Ballot); err != nil {
		return err
	}
	if err := wire.WriteUint32(w, uint32(len(p.PVals))); err != nil {
		return err
	}
	for _, pv := range p.PVals {
		if err := wire.WritePValue(w, pv); err != nil {
			return err
		}
	}
	return nil
}
func decodePhase1b(r io.Reader) (transport.Message, error) {
	b, err := wire.ReadBallot(r)
	if err != nil {
		return nil, err
	}
	n, err := wire.ReadUint32(r)
	if err != nil {
		return nil, err
	}
	pvals := make([]ids.PValue, 0, n)
	for i := uint32(0); i < n; i++ {
		pv, err := wire.ReadPValue(r)
		if err != nil {
			return nil, err
		}
		pvals = append(pvals, pv)
	}
	return PaxosPhase1b{Ballot: b, PVals: pvals}, nil
}

type PaxosPhase2a struct {
	PValue ids.PValue
}

func (PaxosPhase2a) Type() transport.Type { return TypePaxosPhase2a }
func (p PaxosPhase2a) Encode(w io.Writer) error { return wire.WritePValue(w, p.PValue) }
func decodePhase2a(r io.Reader) (transport.Message, error) {
	p, err := wire.ReadPValue(r)
	if err != nil {
		return nil, err
	}
	return PaxosPhase2a{PValue: p}, nil
}

type PaxosPhase2b struct {
	Ballot ids.Ballot
	PValue ids.PValue
}

func (PaxosPhase2b) Type() transport.Type { return TypePaxosPhase2b }
func (p PaxosPhase2b) Encode(w io.Writer) error {
	if err := wire.WriteBallot(w, p.Ballot); err != nil {
		return err
	}
	return wire.WritePValue(w, p.PValue)
}
func decodePhase2b(r io.Reader) (transport.Message, error) {
	b, err := wire.ReadBallot(r)
	if err != nil {
		return nil, err
	}
	p, err := wire.ReadPValue(r)
	if err != nil {
		return nil, err
	}
	return PaxosPhase2b{Ballot: b, PValue: p}, nil
}

type PaxosLearn struct {
	PValue ids.PValue
}

func (PaxosLearn) Type() transport.Type { return TypePaxosLearn }
func (l PaxosLearn) Encode(w io.Writer) error { return wire.WritePValue(w, l.PValue) }
func decodeLearn(r io.Reader) (transport.Message, error) {
	p, err := wire.ReadPValue(r)
	if err != nil {
		return nil, err
	}
	return PaxosLearn{PValue: p}, nil
}

type PaxosSubmit struct {
	SlotStart uint64
	SlotLimit uint64
	Command   []byte
}

func (PaxosSubmit) Type() transport.Type { return TypePaxosSubmit }
func (s PaxosSubmit) Encode(w io.Writer) error {
	if err := wire.WriteUint64(w, s.SlotStart); err != nil {
		return err
	}
	if err := wire.WriteUint64(w, s.SlotLimit); err != nil {
		return err
	}
	return wire.WriteFieldBytes(w, s.Command)
}
func decodeSubmit(r io.Reader) (transport.Message, error) {
	start, err := wire.ReadUint64(r)
	if err != nil {
		return nil, err
	}
	limit, err := wire.ReadUint64(r)
	if err != nil {
		return nil, err
	}
	cmd, err := wire.ReadFieldBytes(r)
	if err != nil {
		return nil, err
	}
	return PaxosSubmit{SlotStart: start, SlotLimit: limit, Command: cmd}, nil
}

type ServerBecomeMember struct {
	Server ids.Server
}

func (ServerBecomeMember) Type() transport.Type { return TypeServerBecomeMember }
func (s ServerBecomeMember) Encode(w io.Writer) error { return wire.WriteServer(w, s.Server) }
func decodeServerBecomeMember(r io.Reader) (transport.Message, error) {
	s, err := wire.ReadServer(r)
	if err != nil {
		return nil, err
	}
	return ServerBecomeMember{Server: s}, nil
}

// --- Client protocol ------------------------------------------------------

type UniqueNumber struct {
	ClientNonce uint64
}

func (UniqueNumber) Type() transport.Type { return TypeUniqueNumber }
func (u UniqueNumber) Encode(w io.Writer) error { return wire.WriteUint64(w, u.ClientNonce) }
func decodeUniqueNumber(r io.Reader) (transport.Message, error) {
	n, err := wire.ReadUint64(r)
	if err != nil {
		return nil, err
	}
	return UniqueNumber{ClientNonce: n}, nil
}

type Poke struct {
	ClientNonce uint64
}

func (Poke) Type() transport.Type { return TypePoke }
func (p Poke) Encode(w io.Writer) error { return wire.WriteUint64(w, p.ClientNonce) }
func decodePoke(r io.Reader) (transport.Message, error) {
	n, err := wire.ReadUint64(r)
	if err != nil {
		return nil, err
	}
	return Poke{ClientNonce: n}, nil
}

type CondWait struct {
	ClientNonce uint64
	Obj         []byte
	Cond        []byte
	State       uint64
}

func (CondWait) Type() transport.Type { return TypeCondWait }
func (c CondWait) Encode(w io.Writer) error {
	if err := wire.WriteUint64(w, c.ClientNonce); err != nil {
		return err
	}
	if err := wire.WriteFieldBytes(w, c.Obj); err != nil {
		return err
	}
	if err := wire.WriteFieldBytes(w, c.Cond); err != nil {
		return err
	}
	return wire.WriteUint64(w, c.State)
}
func decodeCondWait(r io.Reader) (transport.Message, error) {
	nonce, err := wire.ReadUint64(r)
	if err != nil {
		return nil, err
	}
	obj, err := wire.ReadFieldBytes(r)
	if err != nil {
		return nil, err
	}
	cond, err := wire.ReadFieldBytes(r)
	if err != nil {
		return nil, err
	}
	state, err := wire.ReadUint64(r)
	if err != nil {
		return nil, err
	}
	return CondWait{ClientNonce: nonce, Obj: obj, Cond: cond, State: state}, nil
}

type Call struct {
	ClientNonce uint64
	Obj         []byte
	Func        []byte
	Input       []byte
}

func (Call) Type() transport.Type { return TypeCall }
func (c Call) Encode(w io.Writer) error {
	if err := wire.WriteUint64(w, c.ClientNonce); err != nil {
		return err
	}
	if err := wire.WriteFieldBytes(w, c.Obj); err != nil {
		return err
	}
	if err := wire.WriteFieldBytes(w, c.Func); err != nil {
		return err
	}
	return wire.WriteFieldBytes(w, c.Input)
}
func decodeCall(r io.Reader) (transport.Message, error) {
	nonce, err := wire.ReadUint64(r)
	if err != nil {
		return nil, err
	}
	obj, err := wire.ReadFieldBytes(r)
	if err != nil {
		return nil, err
	}
	fn, err := wire.ReadFieldBytes(r)
	if err != nil {
		return nil, err
	}
	input, err := wire.ReadFieldBytes(r)
	if err != nil {
		return nil, err
	}
	return Call{ClientNonce: nonce, Obj: obj, Func: fn, Input: input}, nil
}

type GetRobustParams struct {
	ClientNonce uint64
}

func (GetRobustParams) Type() transport.Type { return TypeGetRobustParams }
func (g GetRobustParams) Encode(w io.Writer) error { return wire.WriteUint64(w, g.ClientNonce) }
func decodeGetRobustParams(r io.Reader) (transport.Message, error) {
	n, err := wire.ReadUint64(r)
	if err != nil {
		return nil, err
	}
	return GetRobustParams{ClientNonce: n}, nil
}

// EncodeRobustParamsPayload builds the payload of the reply to
// GetRobustParams: cluster_nonce then min_slot, 8 bytes each. The reply
// travels as a ClientResponse, whose own header carries client_nonce.
func EncodeRobustParamsPayload(clusterNonce, minSlot uint64) []byte {
	buf := make([]byte, 16)
	putU64(buf[0:8], clusterNonce)
	putU64(buf[8:16], minSlot)
	return buf
}

func DecodeRobustParamsPayload(b []byte) (clusterNonce, minSlot uint64, ok bool) {
	if len(b) != 16 {
		return 0, 0, false
	}
	return getU64(b[0:8]), getU64(b[8:16]), true
}

// EncodeConditionPayload packs a condition's current state ahead of
// its data, the same (state, data) shape the original daemon's
// callback_condition puts on the wire after the status byte — unlike
// a plain Call/Poke reply, a condition wakeup always carries the
// state that satisfied the wait alongside whatever data came with it.
func EncodeConditionPayload(state uint64, data []byte) []byte {
	buf := make([]byte, 8+len(data))
	putU64(buf[0:8], state)
	copy(buf[8:], data)
	return buf
}

func DecodeConditionPayload(b []byte) (state uint64, data []byte, ok bool) {
	if len(b) < 8 {
		return 0, nil, false
	}
	return getU64(b[0:8]), b[8:], true
}

func putU64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

func getU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

type CallRobust struct {
	ClientNonce  uint64
	CommandNonce uint64
	MinSlot      uint64
	Obj          []byte
	Func         []byte
	Input        []byte
}

func (CallRobust) Type() transport.Type { return TypeCallRobust }
func (c CallRobust) Encode(w io.Writer) error {
	for _, v := range []uint64{c.ClientNonce, c.CommandNonce, c.MinSlot} {
		if err := wire.WriteUint64(w, v); err != nil {
			return err
		}
	}
	if err := wire.WriteFieldBytes(w, c.Obj); err != nil {
		return err
	}
	if err := wire.WriteFieldBytes(w, c.Func); err != nil {
		return err
	}
	return wire.WriteFieldBytes(w, c.Input)
}
func decodeCallRobust(r io.Reader) (transport.Message, error) {
	clientNonce, err := wire.ReadUint64(r)
	if err != nil {
		return nil, err
	}
	cmdNonce, err := wire.ReadUint64(r)
	if err != nil {
		return nil, err
	}
	minSlot, err := wire.ReadUint64(r)
	if err != nil {
		return nil, err
	}
	obj, err := wire.ReadFieldBytes(r)
	if err != nil {
		return nil, err
	}
	fn, err := wire.ReadFieldBytes(r)
	if err != nil {
		return nil, err
	}
	input, err := wire.ReadFieldBytes(r)
	if err != nil {
		return nil, err
	}
	return CallRobust{
		ClientNonce: clientNonce, CommandNonce: cmdNonce, MinSlot: minSlot,
		Obj: obj, Func: fn, Input: input,
	}, nil
}

type ClientResponse struct {
	ClientNonce uint64
	Status      Status
	Payload     []byte
}

func (ClientResponse) Type() transport.Type { return TypeClientResponse }
func (c ClientResponse) Encode(w io.Writer) error {
	if err := wire.WriteUint64(w, c.ClientNonce); err != nil {
		return err
	}
	if err := wire.WriteByte(w, byte(c.Status)); err != nil {
		return err
	}
	return wire.WriteFieldBytes(w, c.Payload)
}
func decodeClientResponse(r io.Reader) (transport.Message, error) {
	nonce, err := wire.ReadUint64(r)
	if err != nil {
		return nil, err
	}
	status, err := wire.ReadByte(r)
	if err != nil {
		return nil, err
	}
	payload, err := wire.ReadFieldBytes(r)
	if err != nil {
		return nil, err
	}
	return ClientResponse{ClientNonce: nonce, Status: Status(status), Payload: payload}, nil
}
