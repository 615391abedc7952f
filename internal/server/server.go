// Package server implements the main event loop and message dispatcher
// that binds the acceptor, scout, leader, replica and transport into a
// running cluster member (spec.md §4.7). As the teacher has no direct
// analogue to a Paxos server loop, the loop shape — a single-threaded
// dispatcher driven by a timed receive plus a periodic-task schedule —
// is adapted from the structure of the teacher's node.Node (the
// closest thing it has to a long-lived per-server driver), generalized
// from node.go's connection-accept loop to a full recv/dispatch/
// periodic-maintenance cycle.
package server

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cactus/go-statsd-client/v5/statsd"
	logging "github.com/op/go-logging"

	"github.com/replicant/replicant/internal/acceptor"
	"github.com/replicant/replicant/internal/clientproto"
	"github.com/replicant/replicant/internal/failuretracker"
	"github.com/replicant/replicant/internal/ids"
	"github.com/replicant/replicant/internal/leader"
	"github.com/replicant/replicant/internal/objecthost"
	"github.com/replicant/replicant/internal/replica"
	"github.com/replicant/replicant/internal/scout"
	"github.com/replicant/replicant/internal/transport"
)

var logger = logging.MustGetLogger("server")

const (
	intervalMaintain        = 250 * time.Millisecond
	intervalPingServers     = 500 * time.Millisecond
	intervalNonceSequence   = 1000 * time.Millisecond
	intervalFlushEnqueued   = 1000 * time.Millisecond
	intervalMaintainObjects = 1000 * time.Millisecond
	intervalTick            = 1000 * time.Millisecond
	intervalWarnScoutStuck  = 10000 * time.Millisecond
	intervalCheckAddress    = 10000 * time.Millisecond

	suspectTimeout = 2 * time.Second
	recvTimeout    = time.Millisecond
)

// deferredSend is one (acceptor_op_counter_at_enqueue, peer, msg)
// entry in the "send once durable" queue (spec.md §4.7
// send_when_acceptor_persistent).
type deferredSend struct {
	opCounter uint64
	to        ids.ServerId
	msg       transport.Message
}

// pendingReply is one client request awaiting a replica-delivered
// result: peer is where to send it, replyNonce is the nonce value the
// client itself used to correlate the response (which, for
// CallRobust, differs from the command_nonce the reply is keyed on).
type pendingReply struct {
	peer       transport.PeerRef
	replyNonce uint64
}

// Server is one running cluster member: the single-threaded main loop
// owns the scout/leader/acceptor/replica and dispatches every inbound
// message.
type Server struct {
	self    ids.Server
	cluster ids.ClusterId

	transport transport.Transport
	acceptor  *acceptor.Acceptor
	replica   *replica.Replica
	objects   *objecthost.Manager
	failures  *failuretracker.Tracker
	stats     statsd.Statter

	mu     sync.Mutex
	sc     *scout.Scout
	ld     *leader.Leader
	config ids.Configuration

	deferred []deferredSend

	pendingRepliesMu sync.Mutex
	// pendingReplies maps the nonce a Command is keyed on (client_nonce
	// for Poke/Call, command_nonce for CallRobust) to where the reply
	// should go and which nonce the client expects to see in it.
	pendingReplies map[uint64]pendingReply

	lastTick uint64

	scoutStartedAt   time.Time
	scoutAttempts    int
	lastScoutAttempt time.Time

	stop chan struct{}
	done chan struct{}
}

// New wires a Server from already-open collaborators; cmd/replicantd
// is responsible for startup-mode selection (fresh/join/restart) and
// passes in an acceptor/replica already in the right initial state.
func New(self ids.Server, cluster ids.ClusterId, tr transport.Transport, acc *acceptor.Acceptor, rep *replica.Replica, objs *objecthost.Manager, stats statsd.Statter) *Server {
	if stats == nil {
		stats, _ = statsd.NewNoopClient()
	}
	s := &Server{
		self:      self,
		cluster:   cluster,
		transport: tr,
		acceptor:  acc,
		replica:   rep,
		objects:   objs,
		failures:  failuretracker.New(),
		stats:     stats,
		config:         rep.ActiveConfiguration(),
		pendingReplies: make(map[uint64]pendingReply),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
	rep.ClientCallback = s.callbackClient
	rep.Propose = s.proposeFromReplica
	rep.Stats = stats
	acc.SetGCFloorFunc(rep.GcUpTo)
	return s
}

// Run is the single-threaded main loop; it blocks until Stop is
// called or the acceptor permanently fails.
func (s *Server) Run() {
	defer close(s.done)

	tickers := map[time.Duration]time.Time{
		intervalMaintain:        time.Now(),
		intervalPingServers:     time.Now(),
		intervalNonceSequence:   time.Now(),
		intervalFlushEnqueued:   time.Now(),
		intervalMaintainObjects: time.Now(),
		intervalTick:            time.Now(),
		intervalWarnScoutStuck:  time.Now(),
		intervalCheckAddress:    time.Now(),
	}

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		if s.acceptor.Failed() {
			logger.Errorf("acceptor permanently failed, exiting main loop")
			return
		}

		env, err := s.transport.Recv(recvTimeout)
		if err == nil {
			s.dispatch(env)
		}

		now := time.Now()
		for interval, last := range tickers {
			if now.Sub(last) >= interval {
				tickers[interval] = now
				s.runPeriodic(interval)
			}
		}

		s.flushDeferred()
	}
}

// Stop signals the main loop to exit and waits for it to finish.
func (s *Server) Stop() {
	close(s.stop)
	<-s.done
}

// --- outbound helpers (spec.md §4.7) -------------------------------------

// send is fire-and-forget; Disrupted is tolerated.
func (s *Server) send(to ids.ServerId, m transport.Message) {
	if err := s.transport.Send(to, m); err != nil {
		logger.Debugf("send to %v disrupted: %v", to, err)
	}
}

// sendWhenAcceptorPersistent buffers a message keyed to the acceptor's
// op counter at enqueue time; flushDeferred releases it once
// sync_cut() has advanced past that op, preserving the "durability
// before promise" invariant for Phase1B/Phase2B.
func (s *Server) sendWhenAcceptorPersistent(to ids.ServerId, m transport.Message) {
	s.mu.Lock()
	s.deferred = append(s.deferred, deferredSend{opCounter: s.acceptor.OpCounter(), to: to, msg: m})
	s.mu.Unlock()
}

func (s *Server) flushDeferred() {
	cut := s.acceptor.SyncCut()
	s.mu.Lock()
	var remaining []deferredSend
	var ready []deferredSend
	for _, d := range s.deferred {
		if d.opCounter <= cut {
			ready = append(ready, d)
		} else {
			remaining = append(remaining, d)
		}
	}
	s.deferred = remaining
	s.mu.Unlock()

	for _, d := range ready {
		s.send(d.to, d.msg)
	}
}

// sendFromNonMainThread is the entry point object-host goroutines use
// to reach the transport; the transport's Send is already safe for
// concurrent callers, so this only exists to document the boundary
// spec.md §5 draws (object thread -> transport directly, replica
// bookkeeping only via the dedicated mutexes).
func (s *Server) sendFromNonMainThread(to ids.ServerId, m transport.Message) {
	s.send(to, m)
}

// registerPending records that a reply keyed on nonce (the command's
// dedup nonce) should go to peer once the replica delivers a result,
// using replyNonce as the value the client itself will see.
func (s *Server) registerPending(nonce uint64, peer transport.PeerRef, replyNonce uint64) {
	s.pendingRepliesMu.Lock()
	s.pendingReplies[nonce] = pendingReply{peer: peer, replyNonce: replyNonce}
	s.pendingRepliesMu.Unlock()
}

func (s *Server) callbackClient(nonce uint64, status byte, output []byte) {
	s.pendingRepliesMu.Lock()
	p, ok := s.pendingReplies[nonce]
	if ok {
		delete(s.pendingReplies, nonce)
	}
	s.pendingRepliesMu.Unlock()
	if !ok {
		return
	}
	s.transport.Reply(p.peer, clientproto.ClientResponse{ClientNonce: p.replyNonce, Status: clientproto.Status(status), Payload: output})
}

// proposeFromReplica feeds a replica-originated command (ObjectRepair,
// scheduled configuration changes) into the normal Paxos pipeline as
// though it were a client submission.
func (s *Server) proposeFromReplica(cmd []byte) {
	s.submit(cmd)
}

func (s *Server) submit(cmd []byte) {
	s.mu.Lock()
	ld := s.ld
	s.mu.Unlock()
	start, limit := s.replica.Window(replica.Window)
	if ld == nil {
		// No leader yet locally known; broadcast PaxosSubmit so
		// whichever server currently holds the ballot can pick it up.
		for _, srv := range s.peers() {
			if srv.Id == s.self.Id {
				continue
			}
			s.send(srv.Id, clientproto.PaxosSubmit{SlotStart: start, SlotLimit: limit, Command: cmd})
		}
		return
	}
	p, ok := ld.Propose(start, limit, cmd)
	if !ok {
		return
	}
	s.broadcastPhase2a(p)
}

func (s *Server) broadcastPhase2a(p ids.PValue) {
	for _, srv := range s.acceptorSet() {
		s.send(srv, clientproto.PaxosPhase2a{PValue: p})
	}
}

func (s *Server) peers() []ids.Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ids.Server(nil), s.config.Servers...)
}

func (s *Server) acceptorSet() []ids.ServerId {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ld != nil {
		return s.ld.Acceptors()
	}
	out := make([]ids.ServerId, 0, len(s.config.Servers))
	for _, srv := range s.config.Servers {
		out = append(out, srv.Id)
	}
	return out
}

// DebugDump writes a one-screen snapshot of this server's consensus
// state, the handler for SIGUSR1 (spec.md §6.4).
func (s *Server) DebugDump(w io.Writer) {
	s.mu.Lock()
	cfg := s.config
	hasScout := s.sc != nil
	hasLeader := s.ld != nil
	s.mu.Unlock()
	fmt.Fprintf(w, "server %v (cluster %v): slot=%d ballot=%v scout=%v leader=%v config_version=%d members=%d\n",
		s.self.Id, s.cluster, s.replica.Slot(), s.acceptor.CurrentBallot(), hasScout, hasLeader, cfg.Version, len(cfg.Servers))
}

// --- misc ------------------------------------------------------------------

func randomToken() uint64 { return ids.RandomToken() }
