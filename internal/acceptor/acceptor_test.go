package acceptor

import (
	"bytes"
	"testing"

	"github.com/replicant/replicant/internal/ids"
)

func TestCountingWriterTracksActualBytes(t *testing.T) {
	var buf bytes.Buffer
	cw := &countingWriter{w: &buf}
	if _, err := cw.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := cw.Write([]byte("world!")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if cw.n != 11 {
		t.Fatalf("expected 11 bytes counted, got %d", cw.n)
	}
	if buf.String() != "helloworld!" {
		t.Fatalf("unexpected underlying buffer content: %q", buf.String())
	}
}

func TestAppendRecordGrowsSegmentSizeByRecordBytes(t *testing.T) {
	dir := t.TempDir()
	a, _, _, _, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	leader := ids.ServerId(1)
	ballot := ids.Ballot{Number: 1, Leader: leader}
	if err := a.Adopt(ballot); err != nil {
		t.Fatalf("Adopt: %v", err)
	}

	before := a.curSegment.size
	if before <= 1 {
		t.Fatalf("expected the adopt record alone to already exceed the old 1-byte-per-record approximation, got size=%d", before)
	}

	p := ids.PValue{Ballot: ballot, Slot: 1, Command: bytes.Repeat([]byte("x"), 256)}
	if err := a.Accept(p); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	after := a.curSegment.size
	grew := after - before
	if grew < int64(len(p.Command)) {
		t.Fatalf("expected segment size to grow by at least the command payload length (%d), grew by %d", len(p.Command), grew)
	}
}
