// Package wire implements the length-framed binary encodings used
// throughout the acceptor log, the snapshot files and the network
// protocol. It generalizes the teacher's serializer package (which
// only wrote/read a single length-prefixed byte field) to the full
// set of fixed encodings spec.md §6.1/§6.2 require: ballots, pvalues,
// servers and configurations, all big-endian on the wire.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/replicant/replicant/internal/ids"
)

// WriteFieldBytes writes a u32 length followed by the bytes
// themselves, exactly like the teacher's serializer.WriteFieldBytes
// but big-endian to match the rest of the wire format.
func WriteFieldBytes(w io.Writer, b []byte) error {
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(b)))
	if _, err := w.Write(size[:]); err != nil {
		return err
	}
	n, err := w.Write(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return fmt.Errorf("wire: short write, expected %d got %d", len(b), n)
	}
	return nil
}

// ReadFieldBytes is the mirror of WriteFieldBytes.
func ReadFieldBytes(r io.Reader) ([]byte, error) {
	var size [4]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(size[:])
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func WriteUint64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func ReadUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func WriteUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func ReadUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func WriteByte(w io.Writer, v byte) error {
	_, err := w.Write([]byte{v})
	return err
}

func ReadByte(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// WriteBallot writes "u64 number || u64 leader" (spec.md §6.1).
func WriteBallot(w io.Writer, b ids.Ballot) error {
	if err := WriteUint64(w, b.Number); err != nil {
		return err
	}
	return WriteUint64(w, uint64(b.Leader))
}

func ReadBallot(r io.Reader) (ids.Ballot, error) {
	num, err := ReadUint64(r)
	if err != nil {
		return ids.Ballot{}, err
	}
	leader, err := ReadUint64(r)
	if err != nil {
		return ids.Ballot{}, err
	}
	return ids.Ballot{Number: num, Leader: ids.ServerId(leader)}, nil
}

// WritePValue writes "ballot || u64 slot || u32 len || bytes command".
func WritePValue(w io.Writer, p ids.PValue) error {
	if err := WriteBallot(w, p.Ballot); err != nil {
		return err
	}
	if err := WriteUint64(w, p.Slot); err != nil {
		return err
	}
	return WriteFieldBytes(w, p.Command)
}

func ReadPValue(r io.Reader) (ids.PValue, error) {
	b, err := ReadBallot(r)
	if err != nil {
		return ids.PValue{}, err
	}
	slot, err := ReadUint64(r)
	if err != nil {
		return ids.PValue{}, err
	}
	cmd, err := ReadFieldBytes(r)
	if err != nil {
		return ids.PValue{}, err
	}
	return ids.PValue{Ballot: b, Slot: slot, Command: cmd}, nil
}

// WriteServer writes "u64 id || string bind_addr".
func WriteServer(w io.Writer, s ids.Server) error {
	if err := WriteUint64(w, uint64(s.Id)); err != nil {
		return err
	}
	return WriteFieldBytes(w, []byte(s.BindAddr))
}

func ReadServer(r io.Reader) (ids.Server, error) {
	id, err := ReadUint64(r)
	if err != nil {
		return ids.Server{}, err
	}
	addr, err := ReadFieldBytes(r)
	if err != nil {
		return ids.Server{}, err
	}
	return ids.Server{Id: ids.ServerId(id), BindAddr: string(addr)}, nil
}

// WriteConfiguration writes "cluster || version || first_slot || u32 nservers || server...".
func WriteConfiguration(w io.Writer, c ids.Configuration) error {
	if err := WriteUint64(w, uint64(c.Cluster)); err != nil {
		return err
	}
	if err := WriteUint64(w, uint64(c.Version)); err != nil {
		return err
	}
	if err := WriteUint64(w, c.FirstSlot); err != nil {
		return err
	}
	if err := WriteUint32(w, uint32(len(c.Servers))); err != nil {
		return err
	}
	for _, s := range c.Servers {
		if err := WriteServer(w, s); err != nil {
			return err
		}
	}
	return nil
}

func ReadConfiguration(r io.Reader) (ids.Configuration, error) {
	cluster, err := ReadUint64(r)
	if err != nil {
		return ids.Configuration{}, err
	}
	version, err := ReadUint64(r)
	if err != nil {
		return ids.Configuration{}, err
	}
	firstSlot, err := ReadUint64(r)
	if err != nil {
		return ids.Configuration{}, err
	}
	n, err := ReadUint32(r)
	if err != nil {
		return ids.Configuration{}, err
	}
	servers := make([]ids.Server, 0, n)
	for i := uint32(0); i < n; i++ {
		s, err := ReadServer(r)
		if err != nil {
			return ids.Configuration{}, err
		}
		servers = append(servers, s)
	}
	return ids.Configuration{
		Cluster:   ids.ClusterId(cluster),
		Version:   ids.VersionId(version),
		FirstSlot: firstSlot,
		Servers:   servers,
	}, nil
}

// NewBufferedWriter/NewBufferedReader mirror the teacher's use of
// bufio around the raw connection/file for framed I/O.
func NewBufferedWriter(w io.Writer) *bufio.Writer { return bufio.NewWriter(w) }
func NewBufferedReader(r io.Reader) *bufio.Reader { return bufio.NewReader(r) }
