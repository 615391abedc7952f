// Command replicantd is the process entry point: flag/config parsing,
// startup-mode selection (fresh cluster / join existing / restart),
// signal handling, and wiring the collaborators together before
// handing off to server.Server's main loop. Everything protocol-level
// lives in internal/server; this file is construction only, in the
// spirit of spec.md §1's note that CLI wrappers and daemonization are
// the caller's concern, not the library's (carried here as the
// ambient entry point SPEC_FULL.md adds around that library).
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cactus/go-statsd-client/v5/statsd"

	"github.com/replicant/replicant/internal/acceptor"
	"github.com/replicant/replicant/internal/clientproto"
	"github.com/replicant/replicant/internal/config"
	"github.com/replicant/replicant/internal/ids"
	"github.com/replicant/replicant/internal/logging"
	"github.com/replicant/replicant/internal/objecthost"
	"github.com/replicant/replicant/internal/replica"
	"github.com/replicant/replicant/internal/server"
	"github.com/replicant/replicant/internal/transport"
	"github.com/replicant/replicant/internal/wire"
)

var logger = logging.Get("replicantd")

const dialTimeout = 5 * time.Second

func main() {
	var (
		configPath   = flag.String("config", "", "path to a replicant.toml bootstrap file")
		dataDir      = flag.String("data", "", "data directory (overrides config's data_dir)")
		listenAddr   = flag.String("listen", "", "bind address host:port (overrides config's listen_addr)")
		connect      = flag.String("connect", "", "contact address of an existing cluster member (join mode)")
		objectHelper = flag.String("object-helper", "", "hosted-object executable (overrides config's object_helper)")
		initObj      = flag.String("init-obj", "", "name of one object to create on a fresh bootstrap")
		initLib      = flag.String("init-lib", "", "path to --init-obj's library (recorded in the config; the object is started with --object-helper)")
		initStr      = flag.String("init-str", "", "literal constructor input for --init-obj")
		statsdAddr   = flag.String("statsd", "", "statsd collector address (empty disables metrics)")
		verbose      = flag.Bool("verbose", false, "start at DEBUG log level")
	)
	flag.Parse()

	if *verbose {
		logging.SetVerbose(true)
	}

	cfg, err := resolveConfig(*configPath, *dataDir, *listenAddr, *connect, *objectHelper, *initObj, *initLib, *initStr)
	if err != nil {
		logger.Fatalf("config: %v", err)
	}

	stats := newStatter(*statsdAddr)

	a, saved, savedUs, savedBootstrap, err := acceptor.Open(cfg.DataDir, stats)
	if err != nil {
		logger.Fatalf("acceptor: %v", err)
	}

	tr, err := transport.Listen(cfg.ListenAddr)
	if err != nil {
		logger.Fatalf("listen %s: %v", cfg.ListenAddr, err)
	}

	var (
		self ids.Server
		rep  *replica.Replica
		objs *objecthost.Manager
	)
	switch {
	case !saved && len(cfg.Existing) == 0:
		self, rep, objs, err = bootstrapFresh(a, cfg)
	case !saved:
		self, rep, objs, err = bootstrapJoin(a, cfg, tr)
	default:
		self, rep, objs, err = bootstrapRestart(a, cfg, savedUs, savedBootstrap)
	}
	if err != nil {
		logger.Fatalf("startup: %v", err)
	}

	for _, id := range rep.ActiveConfiguration().Servers {
		if id.Id != self.Id {
			tr.AddPeer(id.Id, id.BindAddr)
		}
	}

	srv := server.New(self, rep.ActiveConfiguration().Cluster, tr, a, rep, objs, stats)
	logging.RegisterDumper(srv.DebugDump)

	go srv.Run()
	logger.Infof("replicantd running: server=%v listen=%s data=%s", self.Id, cfg.ListenAddr, cfg.DataDir)

	waitForSignal(srv)

	if err := tr.Close(); err != nil {
		logger.Warningf("transport close: %v", err)
	}
	if err := a.Close(); err != nil {
		logger.Warningf("acceptor close: %v", err)
	}
}

func waitForSignal(srv *server.Server) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT, syscall.SIGUSR1, syscall.SIGUSR2)
	verbose := false
	for sig := range sigs {
		switch sig {
		case syscall.SIGUSR1:
			logging.Dump(os.Stderr)
		case syscall.SIGUSR2:
			verbose = !verbose
			logging.SetVerbose(verbose)
			logger.Infof("verbose logging set to %v", verbose)
		default:
			logger.Infof("received %v, shutting down", sig)
			srv.Stop()
			return
		}
	}
}

func newStatter(addr string) statsd.Statter {
	if addr == "" {
		s, _ := statsd.NewNoopClient()
		return s
	}
	s, err := statsd.NewClient(addr, "replicant")
	if err != nil {
		logger.Warningf("statsd %s unreachable, falling back to noop: %v", addr, err)
		s, _ := statsd.NewNoopClient()
		return s
	}
	return s
}

// resolveConfig layers command-line flags over an optional TOML file:
// the file (if any) supplies the base, and any flag the caller set
// explicitly wins.
func resolveConfig(configPath, dataDir, listenAddr, connect, objectHelper, initObj, initLib, initStr string) (config.Config, error) {
	var cfg config.Config
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if connect != "" {
		cfg.Existing = []string{connect}
	}
	if objectHelper != "" {
		cfg.ObjectHelper = objectHelper
	}
	if initObj != "" {
		cfg.Objects = append(cfg.Objects, config.ObjectDef{Name: initObj, Lib: initLib, InitString: initStr})
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// bootstrapFresh founds a brand-new cluster: a fresh ServerId and
// ClusterId, a (1, us) ballot, a slot-0 ServerBecomeMember(us) accept,
// and a freshly-constructed replica already seeded with that
// membership (spec.md §4.7 startup mode 1).
func bootstrapFresh(a *acceptor.Acceptor, cfg config.Config) (ids.Server, *replica.Replica, *objecthost.Manager, error) {
	self := ids.Server{Id: ids.NewServerId(), BindAddr: cfg.ListenAddr}
	cluster := ids.NewClusterId()

	if err := a.Save(self, acceptor.Bootstrap{}); err != nil {
		return ids.Server{}, nil, nil, fmt.Errorf("save identity: %w", err)
	}

	ballot := ids.Ballot{}.Successor(self.Id)
	if err := a.Adopt(ballot); err != nil {
		return ids.Server{}, nil, nil, fmt.Errorf("adopt founding ballot: %w", err)
	}

	initial := ids.Configuration{Cluster: cluster, Version: 1, FirstSlot: 0, Servers: []ids.Server{self}}
	cmd := replica.EncodeCommand(replica.Command{
		Type:    replica.CmdServerBecomeMember,
		Nonce:   ids.RandomToken(),
		Payload: replica.EncodeServerBecomeMember(self),
	})
	if err := a.Accept(ids.PValue{Ballot: ballot, Slot: 0, Command: cmd}); err != nil {
		return ids.Server{}, nil, nil, fmt.Errorf("accept founding command: %w", err)
	}

	rep := replica.New(self.Id, initial, nil)
	objs := objecthost.NewManager(cfg.ObjectHelper, rep)
	rep.SetObjectManager(objs)

	for _, obj := range cfg.Objects {
		initInput := []byte(obj.InitString)
		if obj.InitFile != "" {
			data, err := os.ReadFile(obj.InitFile)
			if err != nil {
				return ids.Server{}, nil, nil, fmt.Errorf("read %s: %w", obj.InitFile, err)
			}
			initInput = data
		}
		if err := objs.EnsureObject(obj.Name, initInput); err != nil {
			return ids.Server{}, nil, nil, fmt.Errorf("create object %q: %w", obj.Name, err)
		}
	}

	snap, err := rep.Snapshot()
	if err != nil {
		return ids.Server{}, nil, nil, fmt.Errorf("initial snapshot: %w", err)
	}
	if err := a.RecordSnapshot(rep.Slot(), snap); err != nil {
		return ids.Server{}, nil, nil, fmt.Errorf("record initial snapshot: %w", err)
	}
	return self, rep, objs, nil
}

// bootstrapJoin joins an already-running cluster (spec.md §4.7 startup
// mode 2): a fresh ServerId, a raw dial to the contact for the initial
// Bootstrap handshake and a StateTransfer snapshot, then repeated
// ServerBecomeMember requests until the replicated configuration
// contains this server. The handshake happens over a one-off
// net.Dial rather than through transport.Transport: at this point the
// contact's ServerId is not yet known, and Transport.Send requires an
// already-registered peer.
func bootstrapJoin(a *acceptor.Acceptor, cfg config.Config, tr transport.Transport) (ids.Server, *replica.Replica, *objecthost.Manager, error) {
	self := ids.Server{Id: ids.NewServerId(), BindAddr: cfg.ListenAddr}
	contact := cfg.Existing[0]

	reply, err := dialRequest(contact, clientproto.Bootstrap{Server: self})
	if err != nil {
		return ids.Server{}, nil, nil, fmt.Errorf("bootstrap handshake with %s: %w", contact, err)
	}
	bootstrapped, ok := reply.(clientproto.Bootstrap)
	if !ok {
		return ids.Server{}, nil, nil, fmt.Errorf("bootstrap handshake with %s: unexpected reply %T", contact, reply)
	}

	if err := a.Save(self, acceptor.Bootstrap{Existing: contact}); err != nil {
		return ids.Server{}, nil, nil, fmt.Errorf("save identity: %w", err)
	}

	_, snap, err := dialStateTransfer(contact)
	if err != nil {
		return ids.Server{}, nil, nil, fmt.Errorf("state transfer from %s: %w", contact, err)
	}

	rep := replica.New(self.Id, bootstrapped.Config, nil)
	objs := objecthost.NewManager(cfg.ObjectHelper, rep)
	rep.SetObjectManager(objs)
	if len(snap) > 0 {
		if err := rep.Restore(snap); err != nil {
			return ids.Server{}, nil, nil, fmt.Errorf("restore snapshot: %w", err)
		}
	}

	for _, srv := range rep.ActiveConfiguration().Servers {
		if srv.Id != self.Id {
			tr.AddPeer(srv.Id, srv.BindAddr)
		}
	}

	// Retry add_server against the contact until ITS reply says our
	// configuration membership has committed. rep's own replica is not
	// running yet (server.Run starts only after this function returns),
	// so convergence is judged from the reply, not from local state;
	// once committed, the local replica catches up through ordinary
	// PaxosLearn traffic once the main loop starts.
	backoff := 100 * time.Millisecond
	joined := false
	for attempt := 0; attempt < 50 && !joined; attempt++ {
		reply, err := dialRequest(contact, clientproto.ServerBecomeMember{Server: self})
		if err != nil {
			logger.Warningf("add_server attempt %d to %s failed: %v", attempt, contact, err)
		} else if b, ok := reply.(clientproto.Bootstrap); ok && b.Config.Contains(self) {
			joined = true
			break
		}
		time.Sleep(backoff)
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	if !joined {
		return ids.Server{}, nil, nil, fmt.Errorf("add_server to %s did not converge", contact)
	}

	return self, rep, objs, nil
}

// bootstrapRestart re-enters a cluster this server was already a
// member of: the acceptor has already replayed its durable log, so
// only the replica's snapshot needs reloading (spec.md §4.7 startup
// mode 3).
func bootstrapRestart(a *acceptor.Acceptor, cfg config.Config, savedUs ids.Server, savedBootstrap acceptor.Bootstrap) (ids.Server, *replica.Replica, *objecthost.Manager, error) {
	_ = savedBootstrap
	slot, snap, ok, err := a.LoadLatestSnapshot()
	if err != nil {
		return ids.Server{}, nil, nil, fmt.Errorf("load snapshot: %w", err)
	}
	rep := replica.New(savedUs.Id, ids.Configuration{}, nil)
	objs := objecthost.NewManager(cfg.ObjectHelper, rep)
	rep.SetObjectManager(objs)
	if ok {
		if err := rep.Restore(snap); err != nil {
			return ids.Server{}, nil, nil, fmt.Errorf("restore snapshot at slot %d: %w", slot, err)
		}
	}
	return savedUs, rep, objs, nil
}

// dialRequest opens a short-lived connection to addr, writes req, and
// returns the single reply message. Used only for the join-existing
// bootstrap exchange, before the remote's ServerId is known to
// transport.Transport.
func dialRequest(addr string, req transport.Message) (transport.Message, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(dialTimeout))
	if err := transport.WriteMessage(conn, req); err != nil {
		return nil, err
	}
	return transport.ReadMessage(conn)
}

// dialStateTransfer performs the StateTransfer request/reply by hand:
// the registered wire decoder for clientproto.StateTransferRequest
// always yields the empty request form (a reply is only ever expected
// by a caller that already knows it asked for one), so the reply body
// is read directly via clientproto.ReadStateTransferReply instead of
// the generic dispatch.
func dialStateTransfer(addr string) (slot uint64, snapshot []byte, err error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return 0, nil, err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(dialTimeout))
	if err := transport.WriteMessage(conn, clientproto.StateTransferRequest{}); err != nil {
		return 0, nil, err
	}
	t, err := wire.ReadByte(conn)
	if err != nil {
		return 0, nil, err
	}
	if transport.Type(t) != clientproto.TypeStateTransfer {
		return 0, nil, fmt.Errorf("unexpected reply type %d", t)
	}
	reply, err := clientproto.ReadStateTransferReply(conn)
	if err != nil {
		return 0, nil, err
	}
	return reply.Slot, reply.Snapshot, nil
}
