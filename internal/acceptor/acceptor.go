// Package acceptor implements the durable, append-only Paxos log
// described in spec.md §4.1: a per-segment record stream of adopted
// ballots, accepted pvalues and garbage-collect markers, plus atomic
// snapshot files and an identity file. The on-disk layout and the
// write-temp/fsync/rename atomic-write discipline are adapted from the
// teacher's consensus.Scope.Persist / store.Store patterns, generalized
// from a single triply-nested hash table to a real segment log.
package acceptor

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cactus/go-statsd-client/v5/statsd"
	"github.com/google/renameio/v2"
	logging "github.com/op/go-logging"
	"golang.org/x/sys/unix"

	"github.com/replicant/replicant/internal/ids"
	"github.com/replicant/replicant/internal/wire"
)

var logger = logging.MustGetLogger("acceptor")

const (
	recordAdopt         = byte('A')
	recordAccept        = byte('B')
	recordGC            = byte('G')
	segmentRotateSize   = 64 << 20 // ~64 MiB
	minRetainedSegments = 2
	minRetainedSnapshots = 6
)

// Bootstrap describes how this server first joined the cluster; it is
// persisted alongside the server identity so a restart can tell a
// fresh-cluster bootstrap from a join-existing bootstrap apart.
type Bootstrap struct {
	// Existing is the connection string of the peer used to join, or
	// empty for a server that founded the cluster.
	Existing string
}

// Acceptor is the durable subsystem that remembers ballots and
// pvalues. Reads never fail (replay failures are fatal at Open time
// only); writes may mark the acceptor permanently failed.
type Acceptor struct {
	dir    string
	lockFd int

	mu                  sync.Mutex
	currentBallot       ids.Ballot
	pvals               map[uint64]ids.PValue
	lowestAcceptableSlot uint64

	us        ids.Server
	bootstrap Bootstrap

	segMu       sync.Mutex
	curSegment  *segment
	segments    []*segmentMeta
	nextSegNum  int

	opCounter uint64 // monotonic, bumped on every durable-log write
	synced    uint64 // highest op counter known durable

	syncMu      sync.Mutex
	syncPending bool

	failed int32 // atomic bool

	gcSignal chan struct{}
	gcFloor  func() uint64 // supplied by caller; nil means "never gc"
	closeOnce sync.Once
	done      chan struct{}

	stats statsd.Statter
}

type segment struct {
	num  int
	f    *os.File
	w    *bufio.Writer
	size int64
}

type segmentMeta struct {
	num       int
	highestSlot uint64
}

// Open creates dir if missing, acquires the exclusive LOCK, replays
// all log.* segments to rebuild (current_ballot, pvals,
// lowest_acceptable_slot), and opens a new segment one past the
// highest seen. It returns whether state was found on disk and the
// saved identity, if any.
func Open(dir string, stats statsd.Statter) (a *Acceptor, saved bool, savedUs ids.Server, savedBootstrap Bootstrap, err error) {
	if stats == nil {
		stats, _ = statsd.NewNoopClient()
	}
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return nil, false, ids.Server{}, Bootstrap{}, err
	}

	lockPath := filepath.Join(dir, "LOCK")
	lockFd, err := unix.Open(lockPath, unix.O_CREAT|unix.O_RDWR, 0o644)
	if err != nil {
		return nil, false, ids.Server{}, Bootstrap{}, fmt.Errorf("acceptor: open LOCK: %w", err)
	}
	if err = unix.Flock(lockFd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(lockFd)
		return nil, false, ids.Server{}, Bootstrap{}, fmt.Errorf("acceptor: data directory %s is locked by another process: %w", dir, err)
	}

	a = &Acceptor{
		dir:      dir,
		lockFd:   lockFd,
		pvals:    make(map[uint64]ids.PValue),
		gcSignal: make(chan struct{}, 1),
		done:     make(chan struct{}),
		stats:    stats,
	}

	identPath := filepath.Join(dir, "IDENTITY")
	identBytes, identErr := os.ReadFile(identPath)
	hasIdentity := identErr == nil

	segNums, err := a.scanSegments()
	if err != nil {
		unix.Close(lockFd)
		return nil, false, ids.Server{}, Bootstrap{}, err
	}
	hasLog := len(segNums) > 0

	if hasIdentity != hasLog && hasLog {
		// Missing IDENTITY but existing state is fatal (tampering);
		// existing IDENTITY with no state is legal (a server that
		// saved identity but crashed before slot 0 was ever accepted).
		unix.Close(lockFd)
		return nil, false, ids.Server{}, Bootstrap{}, fmt.Errorf("acceptor: log segments present but IDENTITY missing in %s", dir)
	}

	if hasIdentity {
		savedUs, savedBootstrap, err = parseIdentity(identBytes)
		if err != nil {
			unix.Close(lockFd)
			return nil, false, ids.Server{}, Bootstrap{}, fmt.Errorf("acceptor: corrupt IDENTITY: %w", err)
		}
		a.us = savedUs
		a.bootstrap = savedBootstrap
		saved = true
	}

	for _, num := range segNums {
		if err = a.replaySegment(num); err != nil {
			unix.Close(lockFd)
			return nil, false, ids.Server{}, Bootstrap{}, fmt.Errorf("acceptor: replay log.%d: %w", num, err)
		}
	}

	nextNum := 0
	if hasLog {
		nextNum = segNums[len(segNums)-1] + 1
	}
	if err = a.openNewSegment(nextNum); err != nil {
		unix.Close(lockFd)
		return nil, false, ids.Server{}, Bootstrap{}, err
	}

	go a.garbageCollector()

	return a, saved, savedUs, savedBootstrap, nil
}

func (a *Acceptor) scanSegments() ([]int, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return nil, err
	}
	var nums []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if n, ok := strings.CutPrefix(e.Name(), "log."); ok {
			v, convErr := strconv.Atoi(n)
			if convErr != nil {
				continue
			}
			nums = append(nums, v)
			a.segments = append(a.segments, &segmentMeta{num: v})
		}
	}
	sort.Ints(nums)
	return nums, nil
}

func (a *Acceptor) replaySegment(num int) error {
	path := filepath.Join(a.dir, fmt.Sprintf("log.%d", num))
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	r := bufio.NewReader(f)
	var highest uint64
	for {
		kind, err := wire.ReadByte(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("record header: %w", err)
		}
		switch kind {
		case recordAdopt:
			b, err := wire.ReadBallot(r)
			if err != nil {
				return fmt.Errorf("adopt record: %w", err)
			}
			a.currentBallot = b
		case recordAccept:
			p, err := wire.ReadPValue(r)
			if err != nil {
				return fmt.Errorf("accept record: %w", err)
			}
			a.applyAccept(p)
			if p.Slot > highest {
				highest = p.Slot
			}
		case recordGC:
			below, err := wire.ReadUint64(r)
			if err != nil {
				return fmt.Errorf("gc record: %w", err)
			}
			if below > a.lowestAcceptableSlot {
				a.lowestAcceptableSlot = below
			}
			a.compactBelow(a.lowestAcceptableSlot)
		default:
			return fmt.Errorf("unknown record kind %q", kind)
		}
	}
	for _, sm := range a.segments {
		if sm.num == num {
			sm.highestSlot = highest
		}
	}
	return nil
}

func (a *Acceptor) applyAccept(p ids.PValue) {
	if existing, ok := a.pvals[p.Slot]; ok && !existing.Ballot.Less(p.Ballot) {
		return
	}
	a.pvals[p.Slot] = p
}

func (a *Acceptor) compactBelow(floor uint64) {
	for slot := range a.pvals {
		if slot < floor {
			delete(a.pvals, slot)
		}
	}
}

func parseIdentity(b []byte) (ids.Server, Bootstrap, error) {
	lines := strings.SplitN(string(b), "\n", 3)
	if len(lines) < 2 {
		return ids.Server{}, Bootstrap{}, fmt.Errorf("expected 2 lines, got %d", len(lines))
	}
	var id uint64
	var addr string
	if _, err := fmt.Sscanf(lines[0], "server(id=%d, bind_to=%s", &id, &addr); err != nil {
		return ids.Server{}, Bootstrap{}, err
	}
	addr = strings.TrimSuffix(addr, ")")
	return ids.Server{Id: ids.ServerId(id), BindAddr: addr}, Bootstrap{Existing: lines[1]}, nil
}

func formatIdentity(us ids.Server, bs Bootstrap) []byte {
	return []byte(fmt.Sprintf("server(id=%d, bind_to=%s)\n%s\n", uint64(us.Id), us.BindAddr, bs.Existing))
}

// Save atomically writes IDENTITY (write temp + fsync + rename + fsync
// dir) via renameio, the pack's atomic-file-write library.
func (a *Acceptor) Save(us ids.Server, bs Bootstrap) error {
	a.mu.Lock()
	a.us = us
	a.bootstrap = bs
	a.mu.Unlock()
	path := filepath.Join(a.dir, "IDENTITY")
	t, err := renameio.TempFile(a.dir, path)
	if err != nil {
		return err
	}
	defer t.Cleanup()
	if _, err := t.Write(formatIdentity(us, bs)); err != nil {
		return err
	}
	return t.CloseAtomicallyReplace()
}

// CurrentBallot returns the highest ballot ever adopted.
func (a *Acceptor) CurrentBallot() ids.Ballot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentBallot
}

// PVals returns the compacted pvalues: for each slot >=
// lowest_acceptable_slot, only the highest-ballot entry, ordered by
// (slot asc, ballot desc).
func (a *Acceptor) PVals() []ids.PValue {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ids.PValue, 0, len(a.pvals))
	for slot, p := range a.pvals {
		if slot < a.lowestAcceptableSlot {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Slot != out[j].Slot {
			return out[i].Slot < out[j].Slot
		}
		return out[j].Ballot.Less(out[i].Ballot)
	})
	return out
}

func (a *Acceptor) LowestAcceptableSlot() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lowestAcceptableSlot
}

// Failed reports whether a durable-storage write has ever failed; the
// server loop observes this and exits (spec.md §4.1, §7).
func (a *Acceptor) Failed() bool {
	return atomic.LoadInt32(&a.failed) != 0
}

func (a *Acceptor) fail(err error) error {
	atomic.StoreInt32(&a.failed, 1)
	logger.Errorf("acceptor permanently failed: %v", err)
	return err
}

// Adopt appends an A record for b; precondition b > current_ballot.
func (a *Acceptor) Adopt(b ids.Ballot) error {
	if a.Failed() {
		return fmt.Errorf("acceptor: permanently failed")
	}
	a.mu.Lock()
	if !a.currentBallot.Less(b) {
		a.mu.Unlock()
		return fmt.Errorf("acceptor: adopt(%v) is not greater than current ballot %v", b, a.currentBallot)
	}
	a.currentBallot = b
	a.mu.Unlock()

	return a.appendRecord(func(w io.Writer) error {
		if err := wire.WriteByte(w, recordAdopt); err != nil {
			return err
		}
		return wire.WriteBallot(w, b)
	})
}

// Accept appends a B record for p; precondition p.Ballot ==
// current_ballot and p.Slot >= lowest_acceptable_slot.
func (a *Acceptor) Accept(p ids.PValue) error {
	if a.Failed() {
		return fmt.Errorf("acceptor: permanently failed")
	}
	a.mu.Lock()
	if p.Ballot != a.currentBallot {
		a.mu.Unlock()
		return fmt.Errorf("acceptor: accept ballot %v does not match current ballot %v", p.Ballot, a.currentBallot)
	}
	if p.Slot < a.lowestAcceptableSlot {
		a.mu.Unlock()
		return fmt.Errorf("acceptor: accept slot %d is below lowest acceptable slot %d", p.Slot, a.lowestAcceptableSlot)
	}
	a.applyAccept(p)
	a.mu.Unlock()

	return a.appendRecord(func(w io.Writer) error {
		for _, sm := range a.segments {
			if sm.num == a.curSegment.num && p.Slot > sm.highestSlot {
				sm.highestSlot = p.Slot
			}
		}
		if err := wire.WriteByte(w, recordAccept); err != nil {
			return err
		}
		return wire.WritePValue(w, p)
	})
}

// GarbageCollect appends a G record raising lowest_acceptable_slot to
// max(current, below).
func (a *Acceptor) GarbageCollect(below uint64) error {
	if a.Failed() {
		return fmt.Errorf("acceptor: permanently failed")
	}
	a.mu.Lock()
	if below > a.lowestAcceptableSlot {
		a.lowestAcceptableSlot = below
	}
	floor := a.lowestAcceptableSlot
	a.compactBelow(floor)
	a.mu.Unlock()

	if err := a.appendRecord(func(w io.Writer) error {
		if err := wire.WriteByte(w, recordGC); err != nil {
			return err
		}
		return wire.WriteUint64(w, floor)
	}); err != nil {
		return err
	}
	select {
	case a.gcSignal <- struct{}{}:
	default:
	}
	return nil
}

// SetGCFloorFunc installs the cluster-wide gc floor function the
// background collector consults before deleting a segment.
func (a *Acceptor) SetGCFloorFunc(f func() uint64) {
	a.mu.Lock()
	a.gcFloor = f
	a.mu.Unlock()
}

// countingWriter tallies bytes passed through Write so appendRecord can
// grow curSegment.size by the exact record length instead of guessing.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func (a *Acceptor) appendRecord(write func(io.Writer) error) error {
	a.segMu.Lock()
	defer a.segMu.Unlock()
	cw := &countingWriter{w: a.curSegment.w}
	if err := write(cw); err != nil {
		return a.fail(err)
	}
	a.opCounter++
	op := a.opCounter
	a.curSegment.size += cw.n
	if err := a.curSegment.w.Flush(); err != nil {
		return a.fail(err)
	}
	if a.curSegment.size > segmentRotateSize {
		if err := a.rotateLocked(); err != nil {
			return a.fail(err)
		}
	}
	_ = op
	go a.syncCycle()
	return nil
}

func (a *Acceptor) rotateLocked() error {
	next := a.nextSegForRotation()
	if err := a.openNewSegmentLocked(next); err != nil {
		return err
	}
	a.stats.Inc("acceptor.segment_rotations", 1, 1)
	return nil
}

func (a *Acceptor) nextSegForRotation() int {
	max := -1
	for _, sm := range a.segments {
		if sm.num > max {
			max = sm.num
		}
	}
	if a.curSegment != nil && a.curSegment.num > max {
		max = a.curSegment.num
	}
	return max + 1
}

func (a *Acceptor) openNewSegment(num int) error {
	a.segMu.Lock()
	defer a.segMu.Unlock()
	return a.openNewSegmentLocked(num)
}

func (a *Acceptor) openNewSegmentLocked(num int) error {
	path := filepath.Join(a.dir, fmt.Sprintf("log.%d", num))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("acceptor: open %s: %w", path, err)
	}
	a.curSegment = &segment{num: num, f: f, w: bufio.NewWriter(f)}
	a.segments = append(a.segments, &segmentMeta{num: num})
	a.nextSegNum = num + 1
	return nil
}

// syncCycle issues an fsync when there is unsynced data and not
// already in progress (asynchronous fsync, spec.md §4.1).
func (a *Acceptor) syncCycle() {
	a.syncMu.Lock()
	if a.syncPending {
		a.syncMu.Unlock()
		return
	}
	a.syncPending = true
	a.syncMu.Unlock()

	a.segMu.Lock()
	f := a.curSegment.f
	target := a.opCounter
	a.segMu.Unlock()

	err := f.Sync()

	a.syncMu.Lock()
	a.syncPending = false
	a.syncMu.Unlock()

	if err != nil {
		a.fail(fmt.Errorf("fsync: %w", err))
		return
	}
	atomic.StoreUint64(&a.synced, target)
	a.stats.Inc("acceptor.fsync", 1, 1)
}

// SyncCut returns the op-counter value at or below which every
// previously-buffered write is durable.
func (a *Acceptor) SyncCut() uint64 {
	return atomic.LoadUint64(&a.synced)
}

// OpCounter returns the current op counter, used by callers to record
// "durable once SyncCut() reaches this" watermarks (send_when_acceptor_persistent).
func (a *Acceptor) OpCounter() uint64 {
	a.segMu.Lock()
	defer a.segMu.Unlock()
	return a.opCounter
}

// RecordSnapshot atomically writes replica.<slot>.
func (a *Acceptor) RecordSnapshot(slot uint64, data []byte) error {
	path := filepath.Join(a.dir, fmt.Sprintf("replica.%d", slot))
	t, err := renameio.TempFile(a.dir, path)
	if err != nil {
		return err
	}
	defer t.Cleanup()
	if _, err := t.Write(data); err != nil {
		return err
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return err
	}
	select {
	case a.gcSignal <- struct{}{}:
	default:
	}
	return nil
}

// LoadLatestSnapshot scans for the highest-slot replica.* file and
// returns its contents.
func (a *Acceptor) LoadLatestSnapshot() (slot uint64, data []byte, ok bool, err error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return 0, nil, false, err
	}
	best := int64(-1)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if n, found := strings.CutPrefix(e.Name(), "replica."); found {
			v, convErr := strconv.ParseInt(n, 10, 64)
			if convErr != nil {
				continue
			}
			if v > best {
				best = v
			}
		}
	}
	if best < 0 {
		return 0, nil, false, nil
	}
	data, err = os.ReadFile(filepath.Join(a.dir, fmt.Sprintf("replica.%d", best)))
	if err != nil {
		return 0, nil, false, err
	}
	return uint64(best), data, true, nil
}

// garbageCollector is the background thread that, when signaled,
// scans segment files and snapshots on disk and unlinks those wholly
// below the cluster gc floor, keeping at least two segments and at
// least six snapshots (spec.md §4.1, §5).
func (a *Acceptor) garbageCollector() {
	for {
		select {
		case <-a.done:
			return
		case <-a.gcSignal:
			a.runGC()
		case <-time.After(5 * time.Second):
			a.runGC()
		}
	}
}

func (a *Acceptor) runGC() {
	a.mu.Lock()
	gcFloorFn := a.gcFloor
	a.mu.Unlock()
	if gcFloorFn == nil {
		return
	}
	floor := gcFloorFn()

	a.segMu.Lock()
	segs := make([]*segmentMeta, len(a.segments))
	copy(segs, a.segments)
	a.segMu.Unlock()

	sort.Slice(segs, func(i, j int) bool { return segs[i].num < segs[j].num })
	deletable := len(segs) - minRetainedSegments
	for i := 0; i < deletable && i < len(segs); i++ {
		sm := segs[i]
		if sm.highestSlot >= floor {
			break
		}
		path := filepath.Join(a.dir, fmt.Sprintf("log.%d", sm.num))
		if err := os.Remove(path); err == nil {
			logger.Debugf("removed obsolete segment %s (highest slot %d < floor %d)", path, sm.highestSlot, floor)
		}
	}

	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return
	}
	type snap struct {
		slot int64
		name string
	}
	var snaps []snap
	for _, e := range entries {
		if n, found := strings.CutPrefix(e.Name(), "replica."); found {
			v, convErr := strconv.ParseInt(n, 10, 64)
			if convErr == nil {
				snaps = append(snaps, snap{slot: v, name: e.Name()})
			}
		}
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].slot < snaps[j].slot })
	keep := len(snaps) - minRetainedSnapshots
	for i := 0; i < keep && i < len(snaps); i++ {
		if uint64(snaps[i].slot) >= floor {
			break
		}
		os.Remove(filepath.Join(a.dir, snaps[i].name))
	}
}

// Close releases the exclusive lock and stops the background
// collector.
func (a *Acceptor) Close() error {
	a.closeOnce.Do(func() {
		close(a.done)
		unix.Close(a.lockFd)
	})
	return nil
}
