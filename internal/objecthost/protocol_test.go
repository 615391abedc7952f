package objecthost

import (
	"bytes"
	"testing"
)

func TestBytesRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := writeBytes(&buf, []byte("hello")); err != nil {
		t.Fatalf("writeBytes: %v", err)
	}
	got, err := readBytes(&buf)
	if err != nil {
		t.Fatalf("readBytes: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want hello", got)
	}
}

func TestU64RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := writeU64(&buf, 0xdeadbeefcafef00d); err != nil {
		t.Fatalf("writeU64: %v", err)
	}
	got, err := readU64(&buf)
	if err != nil {
		t.Fatalf("readU64: %v", err)
	}
	if got != 0xdeadbeefcafef00d {
		t.Fatalf("got %x, want deadbeefcafef00d", got)
	}
}

func TestCommandFraming(t *testing.T) {
	var buf bytes.Buffer
	if err := writeCommand(&buf, "echo", []byte("hi")); err != nil {
		t.Fatalf("writeCommand: %v", err)
	}
	var action [1]byte
	if _, err := buf.Read(action[:]); err != nil {
		t.Fatalf("read action: %v", err)
	}
	if Action(action[0]) != ActionCommand {
		t.Fatalf("expected ActionCommand, got %d", action[0])
	}
	fn, err := readBytes(&buf)
	if err != nil || string(fn) != "echo" {
		t.Fatalf("function name mismatch: %q, err=%v", fn, err)
	}
	input, err := readBytes(&buf)
	if err != nil || string(input) != "hi" {
		t.Fatalf("input mismatch: %q, err=%v", input, err)
	}
}

func TestAckExists(t *testing.T) {
	var buf bytes.Buffer
	if err := ackExists(&buf, true); err != nil {
		t.Fatalf("ackExists: %v", err)
	}
	if buf.Bytes()[0] != 0 {
		t.Fatalf("exists should ack 0, got %d", buf.Bytes()[0])
	}
	buf.Reset()
	if err := ackExists(&buf, false); err != nil {
		t.Fatalf("ackExists: %v", err)
	}
	if buf.Bytes()[0] != 1 {
		t.Fatalf("missing should ack 1, got %d", buf.Bytes()[0])
	}
}
