package replica

import (
	"bytes"
	"fmt"

	"github.com/replicant/replicant/internal/clientproto"
	"github.com/replicant/replicant/internal/ids"
	"github.com/replicant/replicant/internal/wire"
)

// Special functions on the pseudo-object named "replicant" (spec.md
// §4.4): object lifecycle management and cluster membership, routed
// here instead of to the object-host subsystem since they mutate
// replica-level bookkeeping rather than any single object's state.

func splitNUL(b []byte) ([]byte, []byte) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return b, nil
	}
	return b[:i], b[i+1:]
}

func (r *Replica) execSpecialFunction(slot uint64, function string, input []byte) (status byte, output []byte) {
	switch function {
	case "new_object":
		name, ctorInput := splitNUL(input)
		if len(r.objects.ListObjects()) > 0 {
			for _, existing := range r.objects.ListObjects() {
				if existing == string(name) {
					return byte(clientproto.StatusObjExist), nil
				}
			}
		}
		if err := r.objects.EnsureObject(string(name), ctorInput); err != nil {
			logger.Errorf("new_object(%s) failed: %v", name, err)
			return byte(clientproto.StatusServerError), []byte(err.Error())
		}
		return byte(clientproto.StatusSuccess), nil

	case "del_object":
		name := string(input)
		if err := r.objects.DeleteObject(name); err != nil {
			return byte(clientproto.StatusObjNotFound), nil
		}
		return byte(clientproto.StatusSuccess), nil

	case "backup_object":
		name := string(input)
		snap, err := r.objects.Snapshot(name)
		if err != nil {
			return byte(clientproto.StatusObjNotFound), nil
		}
		return byte(clientproto.StatusSuccess), snap

	case "restore_object":
		name, state := splitNUL(input)
		if err := r.objects.Restore(string(name), state); err != nil {
			logger.Errorf("restore_object(%s) failed: %v", name, err)
			return byte(clientproto.StatusServerError), []byte(err.Error())
		}
		return byte(clientproto.StatusSuccess), nil

	case "kill_object":
		name := string(input)
		if err := r.objects.KillObject(name); err != nil {
			return byte(clientproto.StatusObjNotFound), nil
		}
		return byte(clientproto.StatusSuccess), nil

	case "list_objects":
		names := r.objects.ListObjects()
		var buf byteBuf
		wire.WriteUint32(&buf, uint32(len(names)))
		for _, n := range names {
			wire.WriteFieldBytes(&buf, []byte(n))
		}
		return byte(clientproto.StatusSuccess), buf.b

	case "kill_server":
		if len(input) != 8 {
			return byte(clientproto.StatusInternal), nil
		}
		var token uint64
		for _, b := range input {
			token = token<<8 | uint64(b)
		}
		r.scheduleKillServer(slot, ids.ServerId(token))
		return byte(clientproto.StatusSuccess), nil

	case "add_server":
		server, err := wire.ReadServer(newByteReader(input))
		if err != nil {
			return byte(clientproto.StatusInternal), nil
		}
		r.scheduleAddServer(slot, server)
		return byte(clientproto.StatusSuccess), nil

	default:
		return byte(clientproto.StatusFuncNotFound), nil
	}
}

func (r *Replica) scheduleAddServer(slot uint64, server ids.Server) {
	r.mu.Lock()
	active := r.configs[len(r.configs)-1]
	already := active.Contains(server)
	r.mu.Unlock()
	if already {
		return
	}
	if r.Propose == nil {
		return
	}
	payload := EncodeServerBecomeMember(server)
	r.Propose(EncodeCommand(Command{Type: CmdServerBecomeMember, Nonce: ids.RandomToken(), Payload: payload}))
}

// scheduleKillServer schedules a successor configuration with the
// named server removed, taking effect Window slots out, by appending
// it to configs directly rather than proposing it. Nothing is
// scheduled when Propose is nil.
func (r *Replica) scheduleKillServer(slot uint64, victim ids.ServerId) {
	r.mu.Lock()
	active := r.configs[len(r.configs)-1]
	servers := make([]ids.Server, 0, len(active.Servers))
	for _, s := range active.Servers {
		if s.Id != victim {
			servers = append(servers, s)
		}
	}
	removed := len(servers) != len(active.Servers)
	next := ids.Configuration{
		Cluster:   active.Cluster,
		Version:   active.Version + 1,
		FirstSlot: slot + Window,
		Servers:   servers,
	}
	r.mu.Unlock()

	if !removed || len(servers) == 0 || r.Propose == nil {
		return
	}
	r.applyKillServerConfigLocked(next)
}

func (r *Replica) applyKillServerConfigLocked(next ids.Configuration) {
	r.mu.Lock()
	r.configs = append(r.configs, next)
	r.mu.Unlock()
	logger.Infof("scheduled configuration v%d (kill server) at slot %d", next.Version, next.FirstSlot)
}

// CondWait services a client's CondWait request: returns immediately
// if the named condition's state already satisfies minState, else
// registers a waiter that will be satisfied by a later broadcast (the
// caller is responsible for not replying until notified).
func (r *Replica) CondWait(object, cond string, clientNonce, minState uint64) (state uint64, data []byte, ready bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byName, ok := r.conditions[object]
	if !ok {
		return 0, nil, false, fmt.Errorf("replica: no conditions registered for object %q", object)
	}
	c, ok := byName[cond]
	if !ok {
		return 0, nil, false, fmt.Errorf("replica: condition %q not found on %q", cond, object)
	}
	s, d, satisfied := c.wait(clientNonce, minState)
	return s, d, satisfied, nil
}

// broadcastCondition fires a condition (creating it if new), waking
// any waiters whose minState is now satisfied via ClientCallback.
func (r *Replica) broadcastCondition(object, cond string, state uint64, data []byte) {
	r.mu.Lock()
	byName, ok := r.conditions[object]
	if !ok {
		byName = make(map[string]*condition)
		r.conditions[object] = byName
	}
	c, ok := byName[cond]
	if !ok {
		c = newCondition()
		byName[cond] = c
	}
	woken := c.broadcast(state, data)
	r.mu.Unlock()

	if r.ClientCallback != nil {
		payload := clientproto.EncodeConditionPayload(state, data)
		for _, w := range woken {
			r.ClientCallback(w.clientNonce, byte(clientproto.StatusSuccess), payload)
		}
	}
}

// CreateCondition installs an empty condition (COND_CREATE response
// from the object host).
func (r *Replica) CreateCondition(object, cond string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byName, ok := r.conditions[object]
	if !ok {
		byName = make(map[string]*condition)
		r.conditions[object] = byName
	}
	if _, exists := byName[cond]; !exists {
		byName[cond] = newCondition()
	}
}

// DestroyCondition removes a condition (COND_DESTROY), waking any
// remaining waiters with COND_DESTROYED.
func (r *Replica) DestroyCondition(object, cond string) {
	r.mu.Lock()
	byName, ok := r.conditions[object]
	var woken []condWaiter
	if ok {
		if c, exists := byName[cond]; exists {
			woken = c.destroy()
			delete(byName, cond)
		}
	}
	r.mu.Unlock()

	if r.ClientCallback != nil {
		for _, w := range woken {
			r.ClientCallback(w.clientNonce, byte(clientproto.StatusCondDestroyed), nil)
		}
	}
}

// CondCreated satisfies objecthost.Hooks: a COND_CREATE response from
// the object host.
func (r *Replica) CondCreated(object, cond string) { r.CreateCondition(object, cond) }

// CondDestroyed satisfies objecthost.Hooks.
func (r *Replica) CondDestroyed(object, cond string) { r.DestroyCondition(object, cond) }

// CondBroadcast satisfies objecthost.Hooks: COND_BROADCAST/
// COND_BROADCAST_DATA carry no explicit state on the wire, so the
// replica is the source of the monotonic counter, bumping it by one
// per broadcast.
func (r *Replica) CondBroadcast(object, cond string, data []byte) (exists bool) {
	r.mu.Lock()
	byName, ok := r.conditions[object]
	if !ok {
		r.mu.Unlock()
		return false
	}
	c, ok := byName[cond]
	if !ok {
		r.mu.Unlock()
		return false
	}
	newState := c.state + 1
	woken := c.broadcast(newState, data)
	r.mu.Unlock()

	if r.ClientCallback != nil {
		payload := clientproto.EncodeConditionPayload(newState, data)
		for _, w := range woken {
			r.ClientCallback(w.clientNonce, byte(clientproto.StatusSuccess), payload)
		}
	}
	return true
}

// CondCurrentValue satisfies objecthost.Hooks: answers a
// COND_CURRENT_VALUE query from the object host.
func (r *Replica) CondCurrentValue(object, cond string) (state uint64, data []byte, exists bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byName, ok := r.conditions[object]
	if !ok {
		return 0, nil, false
	}
	c, ok := byName[cond]
	if !ok {
		return 0, nil, false
	}
	return c.state, c.data, true
}

// BroadcastCondition is the exported entry point the object-host
// supervisor uses to forward a COND_BROADCAST/COND_BROADCAST_DATA
// response into the replica.
func (r *Replica) BroadcastCondition(object, cond string, state uint64, data []byte) {
	r.broadcastCondition(object, cond, state, data)
}
