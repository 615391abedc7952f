// Package transport specifies and partially implements the low-level
// messaging collaborator spec.md §1 puts deliberately out of scope:
// "a reliable-when-connected, message-oriented transport with
// per-peer identification by a 64-bit id, an address book mutable at
// runtime, and explicit Disrupted delivery failures." The Transport
// interface is the contract the server loop depends on; tcpTransport
// is one concrete, minimal implementation, grounded on the teacher's
// cluster.ConnectionPool / cluster.RemoteNode dial-and-handshake
// pattern and message.WriteMessage/ReadMessage framing, generalized
// from the teacher's single fixed ConnectionRequest/Accepted
// handshake to the full typed message registry of spec.md §6.2.
package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	logging "github.com/op/go-logging"

	"github.com/replicant/replicant/internal/ids"
	"github.com/replicant/replicant/internal/wire"
)

var logger = logging.MustGetLogger("transport")

// ErrDisrupted is returned for any send/receive failure attributable
// to the network rather than a protocol error; callers tolerate it.
var ErrDisrupted = errors.New("transport: disrupted")

// ErrTimeout is returned by Recv when no message arrives before the
// deadline.
var ErrTimeout = errors.New("transport: timeout")

// Type is the 1-byte wire message type tag (spec.md §6.2).
type Type byte

// Message is anything the wire protocol can carry: a type tag plus
// a self-describing binary encoding.
type Message interface {
	Type() Type
	Encode(w io.Writer) error
}

// Decoder reads one message body of a given type from the wire and
// returns the decoded Message; registered per type by callers
// (clientproto, the paxos message set) at init time.
type Decoder func(r io.Reader) (Message, error)

var (
	registryMu sync.Mutex
	registry   = make(map[Type]Decoder)
)

// Register installs the decoder for a wire type. Call from an init()
// in the package defining that message.
func Register(t Type, d Decoder) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[t] = d
}

func decode(t Type, r io.Reader) (Message, error) {
	registryMu.Lock()
	d, ok := registry[t]
	registryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("transport: no decoder registered for type %d", t)
	}
	return d(r)
}

// WriteMessage frames and writes m: 1-byte type, then m's own
// encoding (each field already self-length-prefixes via the wire
// package), matching the teacher's message.WriteMessage framing.
func WriteMessage(w io.Writer, m Message) error {
	bw := bufio.NewWriter(w)
	if err := wire.WriteByte(bw, byte(m.Type())); err != nil {
		return err
	}
	if err := m.Encode(bw); err != nil {
		return err
	}
	return bw.Flush()
}

// ReadMessage reads the type byte and dispatches to the registered
// decoder.
func ReadMessage(r io.Reader) (Message, error) {
	t, err := wire.ReadByte(r)
	if err != nil {
		return nil, err
	}
	return decode(Type(t), r)
}

// PeerRef identifies where an inbound message came from: either a
// known cluster peer (Known=true, Id populated) or an ephemeral
// client connection (Known=false, handle only valid for Reply).
type PeerRef struct {
	Known bool
	Id    ids.ServerId
	conn  *clientConn
}

// Envelope is one received message plus where it came from.
type Envelope struct {
	From PeerRef
	Msg  Message
}

// Transport is the interface the server loop depends on. AddAux and
// AddPeer mutate the runtime address book; Send is fire-and-forget
// (ErrDisrupted tolerated); Recv blocks up to timeout.
type Transport interface {
	// AddPeer associates a ServerId with a dial address, replacing any
	// previous address (the address book is mutable at runtime: peers
	// can move).
	AddPeer(id ids.ServerId, addr string)
	// AddAux registers a bootstrap contact address without yet
	// knowing its ServerId; used by the bootstrap thread.
	AddAux(addr string)
	// RemovePeer drops a peer from the address book and closes any
	// pooled connection.
	RemovePeer(id ids.ServerId)

	// Send delivers m to peer id, dialing if necessary. Returns
	// ErrDisrupted on any failure; never blocks longer than a short
	// dial timeout.
	Send(id ids.ServerId, m Message) error

	// Reply sends m back over the connection an inbound Envelope's
	// PeerRef was received on (used for client responses and
	// handshake replies).
	Reply(to PeerRef, m Message) error

	// Recv blocks up to timeout for the next inbound message from
	// any peer or client connection.
	Recv(timeout time.Duration) (Envelope, error)

	// LocalAddr returns the address this transport listens on.
	LocalAddr() string

	Close() error
}

// clientConn wraps one inbound TCP connection (peer or client) with
// the bufio reader/writer the framing needs.
type clientConn struct {
	conn net.Conn
	mu   sync.Mutex
}

func (c *clientConn) send(m Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := WriteMessage(c.conn, m); err != nil {
		return fmt.Errorf("%w: %v", ErrDisrupted, err)
	}
	return nil
}

// peerConn is a pooled outbound connection to a known peer, grounded
// on the teacher's cluster.Connection/ConnectionPool (dial once, reuse
// across sends, redial lazily on failure).
type peerConn struct {
	mu   sync.Mutex
	addr string
	conn net.Conn
}

func (p *peerConn) ensure(dialTimeout time.Duration) (net.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		return p.conn, nil
	}
	c, err := net.DialTimeout("tcp", p.addr, dialTimeout)
	if err != nil {
		return nil, err
	}
	p.conn = c
	return c, nil
}

func (p *peerConn) invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

// tcpTransport is the reference implementation: one listener accepts
// both peer and client connections; outbound sends to known peers use
// a small dial pool.
type tcpTransport struct {
	listener net.Listener
	addr     string

	mu    sync.Mutex
	peers map[ids.ServerId]*peerConn
	aux   map[string]bool

	inbox     chan Envelope
	closeOnce sync.Once
	done      chan struct{}

	dialTimeout time.Duration
}

// Listen starts a tcpTransport bound to addr.
func Listen(addr string) (Transport, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	t := &tcpTransport{
		listener:    l,
		addr:        l.Addr().String(),
		peers:       make(map[ids.ServerId]*peerConn),
		aux:         make(map[string]bool),
		inbox:       make(chan Envelope, 256),
		done:        make(chan struct{}),
		dialTimeout: time.Second,
	}
	go t.acceptLoop()
	return t, nil
}

func (t *tcpTransport) LocalAddr() string { return t.addr }

func (t *tcpTransport) acceptLoop() {
	for {
		c, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
				logger.Warningf("accept error: %v", err)
				return
			}
		}
		go t.serveConn(c)
	}
}

func (t *tcpTransport) serveConn(c net.Conn) {
	cc := &clientConn{conn: c}
	for {
		msg, err := ReadMessage(c)
		if err != nil {
			if err != io.EOF {
				logger.Warningf("garbled message from %v dropped: %v", c.RemoteAddr(), err)
			}
			c.Close()
			return
		}
		select {
		case t.inbox <- Envelope{From: PeerRef{Known: false, conn: cc}, Msg: msg}:
		case <-t.done:
			c.Close()
			return
		}
	}
}

func (t *tcpTransport) AddPeer(id ids.ServerId, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.peers[id]; ok {
		if existing.addr == addr {
			return
		}
		existing.invalidate()
	}
	t.peers[id] = &peerConn{addr: addr}
}

func (t *tcpTransport) AddAux(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.aux[addr] = true
}

func (t *tcpTransport) RemovePeer(id ids.ServerId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[id]; ok {
		p.invalidate()
		delete(t.peers, id)
	}
}

func (t *tcpTransport) Send(id ids.ServerId, m Message) error {
	t.mu.Lock()
	p, ok := t.peers[id]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: unknown peer %v", ErrDisrupted, id)
	}
	conn, err := p.ensure(t.dialTimeout)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDisrupted, err)
	}
	if err := WriteMessage(conn, m); err != nil {
		p.invalidate()
		return fmt.Errorf("%w: %v", ErrDisrupted, err)
	}
	return nil
}

func (t *tcpTransport) Reply(to PeerRef, m Message) error {
	if to.Known || to.conn == nil {
		return t.Send(to.Id, m)
	}
	return to.conn.send(m)
}

func (t *tcpTransport) Recv(timeout time.Duration) (Envelope, error) {
	select {
	case e := <-t.inbox:
		return e, nil
	case <-time.After(timeout):
		return Envelope{}, ErrTimeout
	case <-t.done:
		return Envelope{}, ErrDisrupted
	}
}

func (t *tcpTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.listener.Close()
		t.mu.Lock()
		for _, p := range t.peers {
			p.invalidate()
		}
		t.mu.Unlock()
	})
	return nil
}
