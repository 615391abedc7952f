package objecthost

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	logging "github.com/op/go-logging"
	"golang.org/x/sys/unix"
)

var logger = logging.MustGetLogger("objecthost")

// Hooks lets the object's background thread reach back into the
// replica for condition bookkeeping without objecthost importing the
// replica package (satisfied implicitly by *replica.Replica).
type Hooks interface {
	CondCreated(object, name string)
	CondDestroyed(object, name string)
	// CondBroadcast bumps the named condition's state by one and
	// reports whether it existed; the wire protocol carries no
	// explicit state for COND_BROADCAST/COND_BROADCAST_DATA; the
	// supervisor side is the source of the monotonic counter.
	CondBroadcast(object, name string, data []byte) (exists bool)
	// CondCurrentValue returns the condition's current state for a
	// COND_CURRENT_VALUE query.
	CondCurrentValue(object, name string) (state uint64, data []byte, exists bool)
}

type state int

const (
	stateRunning state = iota
	stateFailed
)

type callRequest struct {
	function string
	input    []byte
	result   chan callResult
}

type callResult struct {
	status byte
	output []byte
	ok     bool
}

type snapshotRequest struct {
	result chan snapshotResult
}

type snapshotResult struct {
	data []byte
	err  error
}

// object supervises one hosted object's child process: the socket
// connection, its current lifecycle state, and the single background
// goroutine that serializes all interaction with it (spec.md §4.6 "per
// object background thread").
type object struct {
	name       string
	helperPath string

	mu     sync.Mutex
	st     state
	conn   *os.File
	cmd    *exec.Cmd
	failAt uint64 // last_executed_slot at time of failure, for ObjectFailed

	calls     chan callRequest
	snapshots chan snapshotRequest
	quit      chan struct{}

	hooks Hooks
}

func newObject(name, helperPath string, hooks Hooks) *object {
	return &object{
		name:       name,
		helperPath: helperPath,
		calls:      make(chan callRequest, 4096), // bounded queue: up to 4096 pending calls
		snapshots:  make(chan snapshotRequest, 16),
		quit:       make(chan struct{}),
		hooks:      hooks,
	}
}

// start forks the helper process and wires its socket end, sending
// either CTOR (ctorInput != nil) or RTOR (restoreState != nil).
func (o *object) start(ctorInput, restoreState []byte) error {
	parent, child, err := socketpairFiles()
	if err != nil {
		return fmt.Errorf("objecthost: socketpair for %q: %w", o.name, err)
	}

	cmd := exec.Command(o.helperPath, o.name)
	cmd.ExtraFiles = []*os.File{child}
	cmd.Env = append(os.Environ(), "FD=3")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		parent.Close()
		child.Close()
		return fmt.Errorf("objecthost: start %q: %w", o.name, err)
	}
	child.Close() // parent no longer needs its copy of the child's fd

	o.mu.Lock()
	o.conn = parent
	o.cmd = cmd
	o.st = stateRunning
	o.mu.Unlock()

	if restoreState != nil {
		if err := writeRtor(parent, restoreState); err != nil {
			o.fail(err)
			return err
		}
	} else {
		if err := writeCtor(parent, ctorInput); err != nil {
			o.fail(err)
			return err
		}
	}

	go o.run()
	return nil
}

// socketpairFiles creates an AF_UNIX SOCK_STREAM pair and wraps both
// ends as *os.File so the parent side can be used with plain
// io.Reader/io.Writer and the child side can be handed to exec.Cmd.
func socketpairFiles() (parent, child *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, err
	}
	return os.NewFile(uintptr(fds[0]), "objecthost-parent"),
		os.NewFile(uintptr(fds[1]), "objecthost-child"), nil
}

// run is the per-object background thread: it services calls in slot
// order and handles snapshot requests between calls, per spec.md
// §4.6/§5.
func (o *object) run() {
	for {
		select {
		case <-o.quit:
			return
		case req := <-o.snapshots:
			o.handleSnapshot(req)
		case req := <-o.calls:
			o.handleCall(req)
		}
	}
}

func (o *object) handleCall(req callRequest) {
	o.mu.Lock()
	conn := o.conn
	failed := o.st == stateFailed
	o.mu.Unlock()
	if failed || conn == nil {
		req.result <- callResult{ok: false}
		return
	}

	if err := writeCommand(conn, req.function, req.input); err != nil {
		o.fail(err)
		req.result <- callResult{ok: false}
		return
	}

	for {
		resp, err := readResponse(conn)
		if err != nil {
			o.fail(err)
			req.result <- callResult{ok: false}
			return
		}
		switch resp {
		case RespLog:
			line, err := readBytes(conn)
			if err != nil {
				o.fail(err)
				req.result <- callResult{ok: false}
				return
			}
			logger.Infof("%s: %s", o.name, line)

		case RespCondCreate:
			name, err := readBytes(conn)
			if err != nil {
				o.fail(err)
				req.result <- callResult{ok: false}
				return
			}
			o.hooks.CondCreated(o.name, string(name))

		case RespCondDestroy:
			name, err := readBytes(conn)
			if err != nil {
				o.fail(err)
				req.result <- callResult{ok: false}
				return
			}
			o.hooks.CondDestroyed(o.name, string(name))

		case RespCondBroadcast:
			name, err := readBytes(conn)
			if err != nil {
				o.fail(err)
				req.result <- callResult{ok: false}
				return
			}
			exists := o.hooks.CondBroadcast(o.name, string(name), nil)
			if err := ackExists(conn, exists); err != nil {
				o.fail(err)
				req.result <- callResult{ok: false}
				return
			}

		case RespCondBroadcastData:
			name, err := readBytes(conn)
			if err != nil {
				o.fail(err)
				req.result <- callResult{ok: false}
				return
			}
			data, err := readBytes(conn)
			if err != nil {
				o.fail(err)
				req.result <- callResult{ok: false}
				return
			}
			exists := o.hooks.CondBroadcast(o.name, string(name), data)
			if err := ackExists(conn, exists); err != nil {
				o.fail(err)
				req.result <- callResult{ok: false}
				return
			}

		case RespCondCurrentValue:
			name, err := readBytes(conn)
			if err != nil {
				o.fail(err)
				req.result <- callResult{ok: false}
				return
			}
			state, data, exists := o.hooks.CondCurrentValue(o.name, string(name))
			if !exists {
				if _, err := conn.Write([]byte{1}); err != nil {
					o.fail(err)
					req.result <- callResult{ok: false}
					return
				}
				continue
			}
			if _, err := conn.Write([]byte{0}); err != nil {
				o.fail(err)
				req.result <- callResult{ok: false}
				return
			}
			if err := writeU64(conn, state); err != nil {
				o.fail(err)
				req.result <- callResult{ok: false}
				return
			}
			if err := writeBytes(conn, data); err != nil {
				o.fail(err)
				req.result <- callResult{ok: false}
				return
			}

		case RespTickInterval:
			_, err := readBytes(conn) // func name; periodic ticks are driven centrally by replica's Tick command, not replayed here
			if err != nil {
				o.fail(err)
				req.result <- callResult{ok: false}
				return
			}
			if _, err := readU64(conn); err != nil {
				o.fail(err)
				req.result <- callResult{ok: false}
				return
			}

		case RespOutput:
			status, err := readU16(conn)
			if err != nil {
				o.fail(err)
				req.result <- callResult{ok: false}
				return
			}
			output, err := readBytes(conn)
			if err != nil {
				o.fail(err)
				req.result <- callResult{ok: false}
				return
			}
			req.result <- callResult{status: byte(status), output: output, ok: true}
			return

		default:
			o.fail(fmtErr("unknown response tag %d from %q", resp, o.name))
			req.result <- callResult{ok: false}
			return
		}
	}
}

func ackExists(w interface{ Write([]byte) (int, error) }, exists bool) error {
	b := byte(1)
	if exists {
		b = 0
	}
	_, err := w.Write([]byte{b})
	return err
}

func (o *object) handleSnapshot(req snapshotRequest) {
	o.mu.Lock()
	conn := o.conn
	failed := o.st == stateFailed
	o.mu.Unlock()
	if failed || conn == nil {
		req.result <- snapshotResult{err: fmtErr("object %q failed", o.name)}
		return
	}
	if err := writeSnapshotRequest(conn); err != nil {
		o.fail(err)
		req.result <- snapshotResult{err: err}
		return
	}
	data, err := readBytes(conn)
	if err != nil {
		o.fail(err)
		req.result <- snapshotResult{err: err}
		return
	}
	req.result <- snapshotResult{data: data}
}

// fail transitions the object to FAILED and force-kills the child
// (spec.md §4.6: SIGKILL after a best-effort non-blocking reap).
func (o *object) fail(cause error) {
	o.mu.Lock()
	if o.st == stateFailed {
		o.mu.Unlock()
		return
	}
	o.st = stateFailed
	cmd := o.cmd
	conn := o.conn
	o.mu.Unlock()

	logger.Errorf("object %q failed: %v", o.name, cause)

	if conn != nil {
		conn.Close()
	}
	if cmd != nil && cmd.Process != nil {
		if exited, _ := waitNonBlocking(cmd); !exited {
			cmd.Process.Kill()
		}
		go cmd.Wait()
	}
}

// waitNonBlocking does a best-effort check for whether the child has
// already exited, using WNOHANG so a live child is never blocked on.
func waitNonBlocking(cmd *exec.Cmd) (exited bool, err error) {
	if cmd.Process == nil {
		return true, nil
	}
	var ws unix.WaitStatus
	pid, err := unix.Wait4(cmd.Process.Pid, &ws, unix.WNOHANG, nil)
	if err != nil {
		return false, err
	}
	return pid == cmd.Process.Pid, nil
}

func (o *object) isFailed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.st == stateFailed
}

func (o *object) kill() {
	o.fail(fmtErr("killed by operator request"))
}

func (o *object) stop() {
	close(o.quit)
	o.mu.Lock()
	conn := o.conn
	cmd := o.cmd
	o.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	if cmd != nil && cmd.Process != nil {
		cmd.Process.Kill()
		go cmd.Wait()
	}
}

func (o *object) call(function string, input []byte, timeout time.Duration) (status byte, output []byte, ok bool) {
	result := make(chan callResult, 1)
	select {
	case o.calls <- callRequest{function: function, input: input, result: result}:
	case <-time.After(timeout):
		return 0, nil, false
	}
	select {
	case r := <-result:
		return r.status, r.output, r.ok
	case <-time.After(timeout):
		return 0, nil, false
	}
}

func (o *object) snapshot(timeout time.Duration) ([]byte, error) {
	result := make(chan snapshotResult, 1)
	select {
	case o.snapshots <- snapshotRequest{result: result}:
	case <-time.After(timeout):
		return nil, fmtErr("snapshot request to %q timed out", o.name)
	}
	select {
	case r := <-result:
		return r.data, r.err
	case <-time.After(timeout):
		return nil, fmtErr("snapshot of %q timed out", o.name)
	}
}
