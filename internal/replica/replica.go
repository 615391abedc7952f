// Package replica implements the replicated state machine: given
// learned pvalues in arbitrary arrival order, it executes their
// commands in strict slot order, driving configuration changes,
// condition variables, hosted objects, snapshots and client replies
// (spec.md §4.4). The ordered-execution and dedup style is adapted
// from the teacher's consensus.Scope instance-execution bookkeeping
// (scope.go's per-instance status machine), generalized from
// dependency-graph replay to a flat, totally-ordered slot log.
package replica

import (
	"fmt"
	"sync"

	"github.com/cactus/go-statsd-client/v5/statsd"
	logging "github.com/op/go-logging"

	"github.com/replicant/replicant/internal/clientproto"
	"github.com/replicant/replicant/internal/ids"
)

var logger = logging.MustGetLogger("replica")

const (
	// History bounds the robust_history FIFO (spec.md §4.4).
	History = 4096
	// CommandNonceWindow bounds the recent-nonce dedup set.
	CommandNonceWindow = 65536
	// Batch is how many nonces one IncrementCounter grant advances the
	// counter by.
	Batch = 1024
	// Window is the default proposal window width ahead of the next
	// slot to execute (spec.md §4.4 window()).
	Window = 256
)

type robustEntry struct {
	slot    uint64
	nonce   uint64
	status  byte
	output  []byte
}

type nonceWaiter struct {
	clientNonce uint64
}

// Replica is the per-server deterministic state machine.
type Replica struct {
	self ids.ServerId

	// mu guards everything the main thread alone mutates: slot,
	// configs, conditions, failure reports, the pending config
	// schedule and the counter/nonce-sequence bookkeeping.
	mu sync.Mutex

	slot    uint64 // next slot to execute
	configs []ids.Configuration

	conditions map[string]map[string]*condition

	objects ObjectManager

	commandNonces      map[uint64]struct{}
	commandNonceOrder  []uint64

	// robustMu protects robust_history, which Execute appends to and
	// HasOutput reads; this state gets its own lock, separate from mu,
	// per spec.md §5.
	robustMu      sync.Mutex
	robustHistory []robustEntry

	// snapshotsMu protects the latest-snapshot cache; snapshot capture
	// can be requested concurrently with command execution continuing
	// for objects not yet snapshotted.
	snapshotsMu        sync.Mutex
	latestSnapshotSlot uint64
	latestSnapshot     []byte

	// unorderedMu protects commands queued because no cluster nonce was
	// available yet when the client's request arrived.
	unorderedMu sync.Mutex
	unordered   []pendingCommand

	counter       uint64
	gcThresholds  map[ids.ServerId]uint64
	nonceWaiters  map[ids.ServerId][]nonceWaiter

	failureReports map[string]map[ids.ServerId]uint64
	failAtSlot     map[string]uint64
	repairProposed map[string]bool

	// ClientCallback delivers (status, output) for a non-robust call
	// back to the client that submitted client_nonce. The server loop
	// wires this to the transport.
	ClientCallback func(clientNonce uint64, status byte, output []byte)

	// Propose submits a new command to be assigned a future slot (used
	// for scheduled configuration changes and ObjectRepair proposals).
	// The server loop wires this to the leader/PaxosSubmit path.
	Propose func(cmd []byte)

	Stats statsd.Statter
}

type pendingCommand struct {
	clientNonce uint64
	obj         string
	function    string
	input       []byte
	robust      bool
}

// New constructs a Replica whose next slot to execute is 1 (nothing
// executed yet) seeded with the given initial configuration.
func New(self ids.ServerId, initial ids.Configuration, objects ObjectManager) *Replica {
	stats, _ := statsd.NewNoopClient()
	return &Replica{
		self:           self,
		slot:           1,
		configs:        []ids.Configuration{initial},
		conditions:     make(map[string]map[string]*condition),
		objects:        objects,
		commandNonces:  make(map[uint64]struct{}),
		gcThresholds:   make(map[ids.ServerId]uint64),
		nonceWaiters:   make(map[ids.ServerId][]nonceWaiter),
		failureReports: make(map[string]map[ids.ServerId]uint64),
		failAtSlot:     make(map[string]uint64),
		repairProposed: make(map[string]bool),
		Stats:          stats,
	}
}

// SetObjectManager installs the object host supervisor after
// construction, breaking the construction cycle between Replica
// (which implements objecthost.Hooks) and the supervisor (which
// implements ObjectManager and needs a Hooks at its own construction
// time).
func (r *Replica) SetObjectManager(om ObjectManager) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objects = om
}

// Slot returns the next slot to be executed (i.e. 1 + the highest
// executed slot).
func (r *Replica) Slot() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slot
}

// ActiveConfiguration returns configs[0], the configuration governing
// the current slot.
func (r *Replica) ActiveConfiguration() ids.Configuration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.configs[0]
}

// Window returns [slot, slot+width) intersected with the next
// configuration's first_slot, so proposals never race past a pending
// config change (spec.md §4.4 invariant).
func (r *Replica) Window(width uint64) (start, limit uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	start = r.slot
	limit = start + width
	if len(r.configs) > 1 {
		next := r.configs[1].FirstSlot
		if next < limit {
			limit = next
		}
	}
	if limit < start {
		limit = start
	}
	return start, limit
}

// ReportGcThreshold records server's self-reported GC-safe floor.
func (r *Replica) ReportGcThreshold(server ids.ServerId, threshold uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.gcThresholds[server]; !ok || threshold > cur {
		r.gcThresholds[server] = threshold
	}
}

// GcUpTo returns the minimum reported GC floor across every server
// named in the active configuration; a server that has never reported
// holds the floor at 0.
func (r *Replica) GcUpTo() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	min := ^uint64(0)
	for _, s := range r.configs[0].Servers {
		t := r.gcThresholds[s.Id]
		if t < min {
			min = t
		}
	}
	if min == ^uint64(0) {
		return 0
	}
	return min
}

// Execute applies the command at the given pvalue slot. Invariant:
// called exactly once per slot, in strict increasing order; any
// violation is a programming-error assertion and is fatal (spec.md
// §7).
func (r *Replica) Execute(slot uint64, cmdBytes []byte) {
	r.mu.Lock()
	if slot != r.slot {
		r.mu.Unlock()
		panic(fmt.Sprintf("replica: execute called out of order: got slot %d, expected %d", slot, r.slot))
	}
	r.mu.Unlock()

	cmd, err := DecodeCommand(cmdBytes)
	if err != nil {
		// A malformed command can only originate from a programming
		// error elsewhere in the pipeline (the log/wire layers
		// validate framing); treat as fatal rather than silently
		// diverge.
		panic(fmt.Sprintf("replica: slot %d: malformed command: %v", slot, err))
	}

	r.dispatch(slot, cmd)

	r.mu.Lock()
	r.promoteConfigurationsLocked(slot)
	r.slot = slot + 1
	r.mu.Unlock()

	r.Stats.Inc("replica.executed_slots", 1, 1)
}

func (r *Replica) promoteConfigurationsLocked(slot uint64) {
	for len(r.configs) > 1 && slot+1 >= r.configs[1].FirstSlot {
		logger.Infof("promoting configuration version %v at slot %d", r.configs[1].Version, slot+1)
		r.configs = r.configs[1:]
	}
}

func (r *Replica) dispatch(slot uint64, cmd Command) {
	if r.seenNonce(cmd.Nonce) {
		// A duplicate arrival of an already-decided nonce: resend the
		// recorded result without re-appending to robust_history,
		// since the entry there already carries the slot where this
		// nonce was originally decided.
		if cmd.Robust() {
			if status, output, ok := r.HasOutput(cmd.Nonce, 0); ok && r.ClientCallback != nil {
				r.ClientCallback(cmd.Nonce, status, output)
			}
		}
		return
	}
	r.markNonceSeen(cmd.Nonce)

	switch cmd.Type {
	case CmdServerBecomeMember:
		r.execServerBecomeMember(slot, cmd)
	case CmdServerSetGcThresh:
		r.execServerSetGcThresh(cmd)
	case CmdIncrementCounter:
		r.execIncrementCounter(cmd)
	case CmdObjectFailed:
		r.execObjectFailed(cmd)
	case CmdObjectRepair:
		r.execObjectRepair(cmd)
	case CmdTick:
		r.execTick(cmd)
	case CmdPoke:
		r.execPoke(slot, cmd)
	case CmdCall:
		r.execCall(slot, cmd)
	case CmdNop:
		// filler; nothing to do.
	default:
		logger.Warningf("slot %d: unknown command type %d, treating as nop", slot, cmd.Type)
	}
}

func (r *Replica) seenNonce(nonce uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.commandNonces[nonce]
	return ok
}

func (r *Replica) markNonceSeen(nonce uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commandNonces[nonce] = struct{}{}
	r.commandNonceOrder = append(r.commandNonceOrder, nonce)
	if len(r.commandNonceOrder) > CommandNonceWindow {
		oldest := r.commandNonceOrder[0]
		r.commandNonceOrder = r.commandNonceOrder[1:]
		delete(r.commandNonces, oldest)
	}
}

func (r *Replica) deliver(slot, clientNonce uint64, status byte, output []byte, robust bool) {
	if robust {
		r.appendRobustHistory(slot, clientNonce, status, output)
	}
	if r.ClientCallback != nil {
		r.ClientCallback(clientNonce, status, output)
	}
}

func (r *Replica) appendRobustHistory(slot, nonce uint64, status byte, output []byte) {
	r.robustMu.Lock()
	defer r.robustMu.Unlock()
	r.robustHistory = append(r.robustHistory, robustEntry{slot: slot, nonce: nonce, status: status, output: output})
	if len(r.robustHistory) > History {
		r.robustHistory = r.robustHistory[len(r.robustHistory)-History:]
	}
}

// HasOutput implements the robust replay query: found=true with the
// recorded (status, output) if nonce is in the retained window; found
// false with status=MAYBE if minSlot predates the retained history
// (spec.md §4.4, Testable Properties "Robust replay law").
func (r *Replica) HasOutput(nonce, minSlot uint64) (status byte, output []byte, found bool) {
	r.robustMu.Lock()
	defer r.robustMu.Unlock()
	for _, e := range r.robustHistory {
		if e.nonce == nonce {
			return e.status, e.output, true
		}
	}
	if len(r.robustHistory) > 0 && r.robustHistory[0].slot > minSlot {
		return byte(clientproto.StatusMaybe), nil, false
	}
	return byte(clientproto.StatusNonePending), nil, false
}

// --- command handlers -----------------------------------------------------

func (r *Replica) execServerBecomeMember(slot uint64, cmd Command) {
	server, err := DecodeServerBecomeMember(cmd.Payload)
	if err != nil {
		logger.Warningf("slot %d: bad ServerBecomeMember payload: %v", slot, err)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	active := r.configs[len(r.configs)-1]
	if active.Contains(server) {
		return
	}
	next := ids.Configuration{
		Cluster:   active.Cluster,
		Version:   active.Version + 1,
		FirstSlot: slot + Window,
		Servers:   append(append([]ids.Server(nil), active.Servers...), server),
	}
	r.configs = append(r.configs, next)
	logger.Infof("scheduled configuration v%d (add %v) at slot %d", next.Version, server.Id, next.FirstSlot)
}

func (r *Replica) execServerSetGcThresh(cmd Command) {
	server, threshold, err := DecodeServerSetGcThresh(cmd.Payload)
	if err != nil {
		logger.Warningf("bad ServerSetGcThresh payload: %v", err)
		return
	}
	r.ReportGcThreshold(server, threshold)
}

func (r *Replica) execIncrementCounter(cmd Command) {
	server, token, err := DecodeIncrementCounter(cmd.Payload)
	if err != nil {
		logger.Warningf("bad IncrementCounter payload: %v", err)
		return
	}
	r.mu.Lock()
	r.counter += Batch
	granted := r.counter
	r.mu.Unlock()
	r.callbackNonceSequence(server, token, granted)
}

// callbackNonceSequence clears the nonce waiters recorded for server
// and logs the granted window. It sends no replies and does not touch
// the unordered-commands queue.
func (r *Replica) callbackNonceSequence(server ids.ServerId, token, counter uint64) {
	_ = token
	r.mu.Lock()
	r.nonceWaiters[server] = nil
	r.mu.Unlock()
	logger.Debugf("server %v granted nonce window up to %d", server, counter)
}

func (r *Replica) execObjectFailed(cmd Command) {
	server, name, when, err := DecodeObjectFailed(cmd.Payload)
	if err != nil {
		logger.Warningf("bad ObjectFailed payload: %v", err)
		return
	}
	r.Stats.Inc("replica.object_failure_reports", 1, 1)
	r.mu.Lock()
	if _, ok := r.failureReports[name]; !ok {
		r.failureReports[name] = make(map[ids.ServerId]uint64)
	}
	r.failureReports[name][server] = when
	if _, ok := r.failAtSlot[name]; !ok {
		r.failAtSlot[name] = when
	}
	active := r.configs[0]
	allReported := len(r.failureReports[name]) >= len(active.Servers)
	var furthest ids.ServerId
	var furthestSlot uint64
	isDonor := false
	if allReported && !r.repairProposed[name] {
		first := true
		for sid, slot := range r.failureReports[name] {
			if first || slot > furthestSlot {
				furthest = sid
				furthestSlot = slot
				first = false
			}
		}
		if furthest == r.self {
			isDonor = true
			r.repairProposed[name] = true
		}
	}
	r.mu.Unlock()

	if isDonor && r.Propose != nil {
		snap, err := r.objects.Snapshot(name)
		if err != nil {
			logger.Errorf("donor snapshot of %s failed: %v", name, err)
			return
		}
		payload := EncodeObjectRepair(name, when, r.self, furthestSlot, snap)
		r.Propose(EncodeCommand(Command{Type: CmdObjectRepair, Nonce: ids.RandomToken(), Payload: payload}))
	}
}

func (r *Replica) execObjectRepair(cmd Command) {
	name, _, _, _, state, err := DecodeObjectRepair(cmd.Payload)
	if err != nil {
		logger.Warningf("bad ObjectRepair payload: %v", err)
		return
	}
	if err := r.objects.Restore(name, state); err != nil {
		logger.Errorf("restoring %s from repair snapshot failed: %v", name, err)
		return
	}
	r.objects.ClearFailed(name)
	r.mu.Lock()
	delete(r.failureReports, name)
	delete(r.failAtSlot, name)
	delete(r.repairProposed, name)
	r.mu.Unlock()
}

func (r *Replica) execTick(cmd Command) {
	tickValue, err := DecodeTick(cmd.Payload)
	if err != nil {
		logger.Warningf("bad Tick payload: %v", err)
		return
	}
	r.broadcastCondition("replicant", "tick", tickValue, nil)
	r.objects.Tick(tickValue)
}

func (r *Replica) execPoke(slot uint64, cmd Command) {
	text, err := DecodePoke(cmd.Payload)
	if err != nil {
		logger.Warningf("bad Poke payload: %v", err)
		return
	}
	logger.Infof("poke: %s", text)
	r.deliver(slot, cmd.Nonce, byte(clientproto.StatusSuccess), nil, cmd.Robust())
}

func (r *Replica) execCall(slot uint64, cmd Command) {
	object, function, input, err := DecodeCall(cmd.Payload)
	if err != nil {
		logger.Warningf("slot %d: bad Call payload: %v", slot, err)
		return
	}

	if object == "replicant" {
		status, output := r.execSpecialFunction(slot, function, input)
		r.deliver(slot, cmd.Nonce, status, output, cmd.Robust())
		return
	}

	r.mu.Lock()
	failedAt, failed := r.failAtSlot[object]
	r.mu.Unlock()
	if failed {
		_ = failedAt
		r.deliver(slot, cmd.Nonce, byte(clientproto.StatusMaybe), nil, cmd.Robust())
		return
	}

	status, output, ok := r.objects.Call(object, function, input)
	if !ok {
		r.deliver(slot, cmd.Nonce, byte(clientproto.StatusMaybe), nil, cmd.Robust())
		return
	}
	r.deliver(slot, cmd.Nonce, status, output, cmd.Robust())
}
