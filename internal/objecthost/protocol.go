// Package objecthost supervises hosted-object child processes: one
// subprocess per replicated object, communicating over a
// length-framed, big-endian binary protocol on a UNIX socketpair
// (spec.md §4.6/§6.3). Nothing in the teacher repo hosts subprocesses
// this way — kickboxerdb's store is in-process — so the process
// lifecycle and framing here are a direct translation of spec.md's
// wire description into Go, using golang.org/x/sys/unix for the
// socketpair/signal primitives the teacher already reaches for in its
// raw-fd style elsewhere (acceptor's LOCK file fcntl).
package objecthost

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Action is a supervisor->object request tag.
type Action byte

const (
	ActionCTOR     Action = 1
	ActionRTOR     Action = 2
	ActionCommand  Action = 3
	ActionSnapshot Action = 4
)

// Response is an object->supervisor reply tag.
type Response byte

const (
	RespLog               Response = 1
	RespCondCreate        Response = 2
	RespCondDestroy       Response = 3
	RespCondBroadcast     Response = 4
	RespCondBroadcastData Response = 5
	RespCondCurrentValue  Response = 6
	RespTickInterval      Response = 7
	RespOutput            Response = 8
)

func writeU32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func writeU64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readU64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func writeU16(w io.Writer, v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readU16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func writeBytes(w io.Writer, b []byte) error {
	if err := writeU32(w, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytes(r io.Reader) ([]byte, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func writeAction(w io.Writer, a Action) error {
	_, err := w.Write([]byte{byte(a)})
	return err
}

func readResponse(r io.Reader) (Response, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return Response(b[0]), nil
}

// writeCtor sends the CTOR action with the object's constructor input.
func writeCtor(w io.Writer, input []byte) error {
	if err := writeAction(w, ActionCTOR); err != nil {
		return err
	}
	return writeBytes(w, input)
}

// writeRtor sends the RTOR action with a restore snapshot.
func writeRtor(w io.Writer, snapshot []byte) error {
	if err := writeAction(w, ActionRTOR); err != nil {
		return err
	}
	return writeBytes(w, snapshot)
}

// writeCommand sends a COMMAND action: func name + input.
func writeCommand(w io.Writer, function string, input []byte) error {
	if err := writeAction(w, ActionCommand); err != nil {
		return err
	}
	if err := writeBytes(w, []byte(function)); err != nil {
		return err
	}
	return writeBytes(w, input)
}

// writeSnapshotRequest sends the SNAPSHOT action.
func writeSnapshotRequest(w io.Writer) error {
	return writeAction(w, ActionSnapshot)
}

// fmtErr wraps protocol-level decode errors uniformly.
func fmtErr(format string, args ...any) error {
	return fmt.Errorf("objecthost: "+format, args...)
}
