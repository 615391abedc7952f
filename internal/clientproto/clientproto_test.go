package clientproto

import (
	"bytes"
	"testing"

	"github.com/replicant/replicant/internal/ids"
	"github.com/replicant/replicant/internal/transport"
)

func roundTrip(t *testing.T, m transport.Message) transport.Message {
	t.Helper()
	var buf bytes.Buffer
	if err := transport.WriteMessage(&buf, m); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	got, err := transport.ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	return got
}

func TestBootstrapRoundTrip(t *testing.T) {
	cfg := ids.Configuration{
		Cluster:   ids.ClusterId(1),
		Version:   ids.VersionId(1),
		FirstSlot: 0,
		Servers: []ids.Server{
			{Id: ids.ServerId(1), BindAddr: "127.0.0.1:9001"},
			{Id: ids.ServerId(2), BindAddr: "127.0.0.1:9002"},
		},
	}
	in := Bootstrap{Server: ids.Server{Id: ids.ServerId(1), BindAddr: "127.0.0.1:9001"}, Config: cfg}
	got, ok := roundTrip(t, in).(Bootstrap)
	if !ok {
		t.Fatalf("wrong type back")
	}
	if got.Server.Id != in.Server.Id || got.Server.BindAddr != in.Server.BindAddr {
		t.Fatalf("server mismatch: %+v vs %+v", got.Server, in.Server)
	}
	if len(got.Config.Servers) != 2 || got.Config.Cluster != cfg.Cluster {
		t.Fatalf("config mismatch: %+v", got.Config)
	}
}

func TestPhase1bRoundTrip(t *testing.T) {
	in := PaxosPhase1b{
		Ballot: ids.Ballot{Number: 4, Leader: ids.ServerId(7)},
		PVals: []ids.PValue{
			{Ballot: ids.Ballot{Number: 2, Leader: ids.ServerId(3)}, Slot: 10, Command: []byte("hello")},
			{Ballot: ids.Ballot{Number: 3, Leader: ids.ServerId(4)}, Slot: 11, Command: []byte("")},
		},
	}
	got, ok := roundTrip(t, in).(PaxosPhase1b)
	if !ok {
		t.Fatalf("wrong type back")
	}
	if got.Ballot != in.Ballot {
		t.Fatalf("ballot mismatch: %v vs %v", got.Ballot, in.Ballot)
	}
	if len(got.PVals) != 2 {
		t.Fatalf("expected 2 pvals, got %d", len(got.PVals))
	}
	for i := range in.PVals {
		if !got.PVals[i].Equal(in.PVals[i]) {
			t.Fatalf("pval %d mismatch: %+v vs %+v", i, got.PVals[i], in.PVals[i])
		}
	}
}

func TestCallRoundTrip(t *testing.T) {
	in := Call{ClientNonce: 42, Obj: []byte("counter"), Func: []byte("incr"), Input: []byte{1, 2, 3}}
	got, ok := roundTrip(t, in).(Call)
	if !ok {
		t.Fatalf("wrong type back")
	}
	if got.ClientNonce != in.ClientNonce || string(got.Obj) != string(in.Obj) ||
		string(got.Func) != string(in.Func) || !bytes.Equal(got.Input, in.Input) {
		t.Fatalf("mismatch: %+v vs %+v", got, in)
	}
}

func TestCallRobustRoundTrip(t *testing.T) {
	in := CallRobust{
		ClientNonce: 1, CommandNonce: 2, MinSlot: 3,
		Obj: []byte("o"), Func: []byte("f"), Input: []byte("in"),
	}
	got, ok := roundTrip(t, in).(CallRobust)
	if !ok {
		t.Fatalf("wrong type back")
	}
	if got.ClientNonce != in.ClientNonce || got.CommandNonce != in.CommandNonce ||
		got.MinSlot != in.MinSlot || string(got.Obj) != string(in.Obj) ||
		string(got.Func) != string(in.Func) || string(got.Input) != string(in.Input) {
		t.Fatalf("mismatch: %+v vs %+v", got, in)
	}
}

func TestClientResponseRoundTrip(t *testing.T) {
	in := ClientResponse{ClientNonce: 99, Status: StatusSuccess, Payload: []byte("ok")}
	got, ok := roundTrip(t, in).(ClientResponse)
	if !ok {
		t.Fatalf("wrong type back")
	}
	if got.ClientNonce != in.ClientNonce || got.Status != in.Status || string(got.Payload) != string(in.Payload) {
		t.Fatalf("mismatch: %+v vs %+v", got, in)
	}
}

func TestRobustParamsPayload(t *testing.T) {
	b := EncodeRobustParamsPayload(123, 456)
	cn, ms, ok := DecodeRobustParamsPayload(b)
	if !ok || cn != 123 || ms != 456 {
		t.Fatalf("got (%d,%d,%v), want (123,456,true)", cn, ms, ok)
	}
	if _, _, ok := DecodeRobustParamsPayload([]byte{1, 2, 3}); ok {
		t.Fatalf("expected malformed payload to be rejected")
	}
}

func TestPingPongNop(t *testing.T) {
	p := roundTrip(t, Ping{Ballot: ids.Ballot{Number: 1, Leader: ids.ServerId(1)}})
	if _, ok := p.(Ping); !ok {
		t.Fatalf("wrong type for ping")
	}
	if _, ok := roundTrip(t, Pong{}).(Pong); !ok {
		t.Fatalf("wrong type for pong")
	}
	if _, ok := roundTrip(t, NopMsg{}).(NopMsg); !ok {
		t.Fatalf("wrong type for nop")
	}
}
