package replica

import (
	"fmt"

	"github.com/replicant/replicant/internal/ids"
	"github.com/replicant/replicant/internal/wire"
)

// CommandType is the one-byte discriminant of a slot command body,
// spec.md §4.4.
type CommandType byte

const (
	CmdServerBecomeMember CommandType = iota
	CmdServerSetGcThresh
	CmdIncrementCounter
	CmdObjectFailed
	CmdObjectRepair
	CmdTick
	CmdPoke
	CmdCall
	CmdNop
)

// FlagRobust marks a Call command as robust (flags & 1).
const FlagRobust = 0x1

// Command is a decoded slot command: type|flags|nonce|payload.
type Command struct {
	Type    CommandType
	Flags   byte
	Nonce   uint64
	Payload []byte
}

func (c Command) Robust() bool { return c.Flags&FlagRobust != 0 }

// EncodeCommand serializes a Command to its on-the-wire/on-log form:
// u8 type || u8 flags || u64 nonce || payload (payload already
// self-delimits via the per-type encoders below, so no outer length
// prefix is needed — it always runs to the end of the pvalue command
// bytes).
func EncodeCommand(c Command) []byte {
	buf := make([]byte, 0, 10+len(c.Payload))
	buf = append(buf, byte(c.Type), c.Flags)
	var nonce [8]byte
	for i := 7; i >= 0; i-- {
		nonce[i] = byte(c.Nonce)
		c.Nonce >>= 8
	}
	buf = append(buf, nonce[:]...)
	buf = append(buf, c.Payload...)
	return buf
}

// DecodeCommand is the mirror of EncodeCommand.
func DecodeCommand(b []byte) (Command, error) {
	if len(b) < 10 {
		return Command{}, fmt.Errorf("replica: command too short (%d bytes)", len(b))
	}
	var nonce uint64
	for i := 2; i < 10; i++ {
		nonce = nonce<<8 | uint64(b[i])
	}
	return Command{
		Type:    CommandType(b[0]),
		Flags:   b[1],
		Nonce:   nonce,
		Payload: append([]byte(nil), b[10:]...),
	}, nil
}

// --- per-type payload encodings -----------------------------------------

// EncodeServerBecomeMember builds the payload of CmdServerBecomeMember:
// a single Server record.
func EncodeServerBecomeMember(s ids.Server) []byte {
	var buf byteBuf
	wire.WriteServer(&buf, s)
	return buf.b
}

func DecodeServerBecomeMember(b []byte) (ids.Server, error) {
	return wire.ReadServer(newByteReader(b))
}

// ServerSetGcThresh payload: u64 server_id || u64 threshold.
func EncodeServerSetGcThresh(server ids.ServerId, threshold uint64) []byte {
	var buf byteBuf
	wire.WriteUint64(&buf, uint64(server))
	wire.WriteUint64(&buf, threshold)
	return buf.b
}

func DecodeServerSetGcThresh(b []byte) (server ids.ServerId, threshold uint64, err error) {
	r := newByteReader(b)
	sid, err := wire.ReadUint64(r)
	if err != nil {
		return 0, 0, err
	}
	thresh, err := wire.ReadUint64(r)
	if err != nil {
		return 0, 0, err
	}
	return ids.ServerId(sid), thresh, nil
}

// IncrementCounter payload: u64 server_id || u64 token.
func EncodeIncrementCounter(server ids.ServerId, token uint64) []byte {
	var buf byteBuf
	wire.WriteUint64(&buf, uint64(server))
	wire.WriteUint64(&buf, token)
	return buf.b
}

func DecodeIncrementCounter(b []byte) (server ids.ServerId, token uint64, err error) {
	r := newByteReader(b)
	sid, err := wire.ReadUint64(r)
	if err != nil {
		return 0, 0, err
	}
	tok, err := wire.ReadUint64(r)
	if err != nil {
		return 0, 0, err
	}
	return ids.ServerId(sid), tok, nil
}

// ObjectFailed payload: u64 server_id || bytes name || u64 when.
func EncodeObjectFailed(server ids.ServerId, name string, when uint64) []byte {
	var buf byteBuf
	wire.WriteUint64(&buf, uint64(server))
	wire.WriteFieldBytes(&buf, []byte(name))
	wire.WriteUint64(&buf, when)
	return buf.b
}

func DecodeObjectFailed(b []byte) (server ids.ServerId, name string, when uint64, err error) {
	r := newByteReader(b)
	sid, err := wire.ReadUint64(r)
	if err != nil {
		return 0, "", 0, err
	}
	n, err := wire.ReadFieldBytes(r)
	if err != nil {
		return 0, "", 0, err
	}
	w, err := wire.ReadUint64(r)
	if err != nil {
		return 0, "", 0, err
	}
	return ids.ServerId(sid), string(n), w, nil
}

// ObjectRepair payload: bytes name || u64 when || u64 donor || u64
// donor_slot || bytes state.
func EncodeObjectRepair(name string, when uint64, donor ids.ServerId, donorSlot uint64, state []byte) []byte {
	var buf byteBuf
	wire.WriteFieldBytes(&buf, []byte(name))
	wire.WriteUint64(&buf, when)
	wire.WriteUint64(&buf, uint64(donor))
	wire.WriteUint64(&buf, donorSlot)
	wire.WriteFieldBytes(&buf, state)
	return buf.b
}

func DecodeObjectRepair(b []byte) (name string, when uint64, donor ids.ServerId, donorSlot uint64, state []byte, err error) {
	r := newByteReader(b)
	n, err := wire.ReadFieldBytes(r)
	if err != nil {
		return "", 0, 0, 0, nil, err
	}
	w, err := wire.ReadUint64(r)
	if err != nil {
		return "", 0, 0, 0, nil, err
	}
	d, err := wire.ReadUint64(r)
	if err != nil {
		return "", 0, 0, 0, nil, err
	}
	ds, err := wire.ReadUint64(r)
	if err != nil {
		return "", 0, 0, 0, nil, err
	}
	state, err = wire.ReadFieldBytes(r)
	if err != nil {
		return "", 0, 0, 0, nil, err
	}
	return string(n), w, ids.ServerId(d), ds, state, nil
}

// Tick payload: u64 tick_value.
func EncodeTick(tickValue uint64) []byte {
	var buf byteBuf
	wire.WriteUint64(&buf, tickValue)
	return buf.b
}

func DecodeTick(b []byte) (uint64, error) {
	return wire.ReadUint64(newByteReader(b))
}

// Poke payload: bytes text.
func EncodePoke(text string) []byte {
	var buf byteBuf
	wire.WriteFieldBytes(&buf, []byte(text))
	return buf.b
}

func DecodePoke(b []byte) (string, error) {
	t, err := wire.ReadFieldBytes(newByteReader(b))
	return string(t), err
}

// Call payload: bytes object || bytes function || bytes input.
func EncodeCall(object, function string, input []byte) []byte {
	var buf byteBuf
	wire.WriteFieldBytes(&buf, []byte(object))
	wire.WriteFieldBytes(&buf, []byte(function))
	wire.WriteFieldBytes(&buf, input)
	return buf.b
}

func DecodeCall(b []byte) (object, function string, input []byte, err error) {
	r := newByteReader(b)
	o, err := wire.ReadFieldBytes(r)
	if err != nil {
		return "", "", nil, err
	}
	f, err := wire.ReadFieldBytes(r)
	if err != nil {
		return "", "", nil, err
	}
	in, err := wire.ReadFieldBytes(r)
	if err != nil {
		return "", "", nil, err
	}
	return string(o), string(f), in, nil
}

// byteBuf/byteReader are tiny io.Writer/io.Reader adapters around a
// plain slice, avoiding a bytes.Buffer import for single-shot payload
// construction in the hot command-encode path.
type byteBuf struct{ b []byte }

func (w *byteBuf) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}

type byteReader struct {
	b   []byte
	pos int
}

func newByteReader(b []byte) *byteReader { return &byteReader{b: b} }

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, fmt.Errorf("replica: short payload")
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	if n < len(p) {
		return n, fmt.Errorf("replica: short payload")
	}
	return n, nil
}
