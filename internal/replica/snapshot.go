package replica

import (
	"fmt"

	"github.com/replicant/replicant/internal/ids"
	"github.com/replicant/replicant/internal/wire"
)

// Snapshot captures replica bookkeeping plus every hosted object's own
// snapshot at the current slot boundary, per the Testable Properties
// invariant: "a published snapshot at slot S reflects the state AFTER
// applying all slots < S and BEFORE applying any slot >= S." The
// caller (the server loop) is responsible for calling Snapshot only
// between Execute calls, never concurrently with one.
func (r *Replica) Snapshot() ([]byte, error) {
	r.mu.Lock()
	slot := r.slot
	configs := append([]ids.Configuration(nil), r.configs...)
	counter := r.counter
	nonces := append([]uint64(nil), r.commandNonceOrder...)
	gc := make(map[ids.ServerId]uint64, len(r.gcThresholds))
	for k, v := range r.gcThresholds {
		gc[k] = v
	}
	failAt := make(map[string]uint64, len(r.failAtSlot))
	for k, v := range r.failAtSlot {
		failAt[k] = v
	}
	objectNames := r.objects.ListObjects()
	r.mu.Unlock()

	r.robustMu.Lock()
	robust := append([]robustEntry(nil), r.robustHistory...)
	r.robustMu.Unlock()

	var buf byteBuf
	wire.WriteUint64(&buf, slot)

	wire.WriteUint32(&buf, uint32(len(configs)))
	for _, c := range configs {
		wire.WriteConfiguration(&buf, c)
	}

	wire.WriteUint64(&buf, counter)

	wire.WriteUint32(&buf, uint32(len(nonces)))
	for _, n := range nonces {
		wire.WriteUint64(&buf, n)
	}

	wire.WriteUint32(&buf, uint32(len(gc)))
	for sid, thresh := range gc {
		wire.WriteUint64(&buf, uint64(sid))
		wire.WriteUint64(&buf, thresh)
	}

	wire.WriteUint32(&buf, uint32(len(failAt)))
	for name, when := range failAt {
		wire.WriteFieldBytes(&buf, []byte(name))
		wire.WriteUint64(&buf, when)
	}

	wire.WriteUint32(&buf, uint32(len(robust)))
	for _, e := range robust {
		wire.WriteUint64(&buf, e.slot)
		wire.WriteUint64(&buf, e.nonce)
		wire.WriteByte(&buf, e.status)
		wire.WriteFieldBytes(&buf, e.output)
	}

	wire.WriteUint32(&buf, uint32(len(objectNames)))
	for _, name := range objectNames {
		objSnap, err := r.objects.Snapshot(name)
		if err != nil {
			return nil, fmt.Errorf("replica: snapshot of object %q: %w", name, err)
		}
		wire.WriteFieldBytes(&buf, []byte(name))
		wire.WriteFieldBytes(&buf, objSnap)
	}

	r.snapshotsMu.Lock()
	r.latestSnapshotSlot = slot
	r.latestSnapshot = append([]byte(nil), buf.b...)
	r.snapshotsMu.Unlock()

	return buf.b, nil
}

// LatestSnapshot returns the most recently captured snapshot and the
// slot boundary it represents, for StateTransfer replies.
func (r *Replica) LatestSnapshot() (slot uint64, snapshot []byte, ok bool) {
	r.snapshotsMu.Lock()
	defer r.snapshotsMu.Unlock()
	if r.latestSnapshot == nil {
		return 0, nil, false
	}
	return r.latestSnapshotSlot, append([]byte(nil), r.latestSnapshot...), true
}

// Restore replaces the replica state that Snapshot captures (including
// every hosted object named in the snapshot) from a snapshot produced
// by Snapshot, used both at startup (restart mode) and after a
// StateTransfer from a peer. Conditions, pending failure reports and
// objects not named in the snapshot are left as they were.
func (r *Replica) Restore(snapshot []byte) error {
	br := newByteReader(snapshot)

	slot, err := wire.ReadUint64(br)
	if err != nil {
		return fmt.Errorf("replica: restore: %w", err)
	}

	nConfigs, err := wire.ReadUint32(br)
	if err != nil {
		return fmt.Errorf("replica: restore: %w", err)
	}
	configs := make([]ids.Configuration, 0, nConfigs)
	for i := uint32(0); i < nConfigs; i++ {
		c, err := wire.ReadConfiguration(br)
		if err != nil {
			return fmt.Errorf("replica: restore: %w", err)
		}
		configs = append(configs, c)
	}

	counter, err := wire.ReadUint64(br)
	if err != nil {
		return fmt.Errorf("replica: restore: %w", err)
	}

	nNonces, err := wire.ReadUint32(br)
	if err != nil {
		return fmt.Errorf("replica: restore: %w", err)
	}
	nonceOrder := make([]uint64, 0, nNonces)
	nonceSet := make(map[uint64]struct{}, nNonces)
	for i := uint32(0); i < nNonces; i++ {
		n, err := wire.ReadUint64(br)
		if err != nil {
			return fmt.Errorf("replica: restore: %w", err)
		}
		nonceOrder = append(nonceOrder, n)
		nonceSet[n] = struct{}{}
	}

	nGc, err := wire.ReadUint32(br)
	if err != nil {
		return fmt.Errorf("replica: restore: %w", err)
	}
	gc := make(map[ids.ServerId]uint64, nGc)
	for i := uint32(0); i < nGc; i++ {
		sid, err := wire.ReadUint64(br)
		if err != nil {
			return fmt.Errorf("replica: restore: %w", err)
		}
		thresh, err := wire.ReadUint64(br)
		if err != nil {
			return fmt.Errorf("replica: restore: %w", err)
		}
		gc[ids.ServerId(sid)] = thresh
	}

	nFail, err := wire.ReadUint32(br)
	if err != nil {
		return fmt.Errorf("replica: restore: %w", err)
	}
	failAt := make(map[string]uint64, nFail)
	for i := uint32(0); i < nFail; i++ {
		name, err := wire.ReadFieldBytes(br)
		if err != nil {
			return fmt.Errorf("replica: restore: %w", err)
		}
		when, err := wire.ReadUint64(br)
		if err != nil {
			return fmt.Errorf("replica: restore: %w", err)
		}
		failAt[string(name)] = when
	}

	nRobust, err := wire.ReadUint32(br)
	if err != nil {
		return fmt.Errorf("replica: restore: %w", err)
	}
	robust := make([]robustEntry, 0, nRobust)
	for i := uint32(0); i < nRobust; i++ {
		s, err := wire.ReadUint64(br)
		if err != nil {
			return fmt.Errorf("replica: restore: %w", err)
		}
		nonce, err := wire.ReadUint64(br)
		if err != nil {
			return fmt.Errorf("replica: restore: %w", err)
		}
		status, err := wire.ReadByte(br)
		if err != nil {
			return fmt.Errorf("replica: restore: %w", err)
		}
		output, err := wire.ReadFieldBytes(br)
		if err != nil {
			return fmt.Errorf("replica: restore: %w", err)
		}
		robust = append(robust, robustEntry{slot: s, nonce: nonce, status: status, output: output})
	}

	nObjects, err := wire.ReadUint32(br)
	if err != nil {
		return fmt.Errorf("replica: restore: %w", err)
	}
	type objState struct {
		name  string
		state []byte
	}
	objStates := make([]objState, 0, nObjects)
	for i := uint32(0); i < nObjects; i++ {
		name, err := wire.ReadFieldBytes(br)
		if err != nil {
			return fmt.Errorf("replica: restore: %w", err)
		}
		state, err := wire.ReadFieldBytes(br)
		if err != nil {
			return fmt.Errorf("replica: restore: %w", err)
		}
		objStates = append(objStates, objState{name: string(name), state: state})
	}

	for _, os := range objStates {
		if err := r.objects.Restore(os.name, os.state); err != nil {
			return fmt.Errorf("replica: restore: object %q: %w", os.name, err)
		}
	}

	r.mu.Lock()
	r.slot = slot
	r.configs = configs
	r.counter = counter
	r.commandNonceOrder = nonceOrder
	r.commandNonces = nonceSet
	r.gcThresholds = gc
	r.failAtSlot = failAt
	r.mu.Unlock()

	r.robustMu.Lock()
	r.robustHistory = robust
	r.robustMu.Unlock()

	r.snapshotsMu.Lock()
	r.latestSnapshotSlot = slot
	r.latestSnapshot = append([]byte(nil), snapshot...)
	r.snapshotsMu.Unlock()

	return nil
}
