package replica

// ObjectManager is the replica's view of the hosted-object subsystem
// (spec.md §4.6), implemented by internal/objecthost.Manager. Kept as
// an interface here so the replicated state machine can be built,
// adapted and tested independently of the subprocess supervisor.
type ObjectManager interface {
	// EnsureObject creates the named object (via its CTOR action) if it
	// does not already exist; a no-op if it does.
	EnsureObject(name string, ctorInput []byte) error

	// Call dispatches function(input) to the named object and blocks
	// for its terminating OUTPUT. Failure (I/O error, crash) is
	// reported via ok=false; the caller must treat it as MAYBE.
	Call(name, function string, input []byte) (status byte, output []byte, ok bool)

	// Snapshot requests a point-in-time snapshot of the named object.
	Snapshot(name string) ([]byte, error)

	// Restore replaces the named object's state from a previously
	// captured snapshot (RTOR action), creating it if absent.
	Restore(name string, state []byte) error

	// DeleteObject tears down and forgets the named object.
	DeleteObject(name string) error

	// KillObject forcibly terminates the named object's child process
	// without removing its bookkeeping (it can be restored later).
	KillObject(name string) error

	// ListObjects returns the names of every currently hosted object.
	ListObjects() []string

	// IsFailed reports whether the named object is currently in the
	// FAILED state (child crashed, not yet repaired).
	IsFailed(name string) bool

	// ClearFailed clears FAILED status after a successful repair.
	ClearFailed(name string)

	// Tick dispatches a __tick__ call to every hosted object.
	Tick(tickValue uint64)
}
