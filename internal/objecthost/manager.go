package objecthost

import (
	"fmt"
	"sync"
	"time"
)

const defaultTimeout = 5 * time.Second

// FailureNote is one still-unreported object crash, polled by the
// server loop's periodic_maintain_objects to drive the repair
// protocol (spec.md §4.5).
type FailureNote struct {
	Name             string
	LastExecutedSlot uint64
}

// Manager supervises every hosted object's child process for one
// server. It implements replica.ObjectManager structurally (no import
// needed in either direction).
type Manager struct {
	helperPath string
	hooks      Hooks
	timeout    time.Duration

	mu      sync.Mutex
	objects map[string]*object
	// lastExecuted counts the calls each object has completed since it
	// was created or last restored; it is not a slot number. This count
	// is what populates ObjectFailed(last_executed_slot) when a crash is
	// first observed.
	lastExecuted map[string]uint64
	pendingFails map[string]bool
}

// NewManager constructs a Manager that launches objects via
// helperPath (a fixed executable receiving the object name as argv[1]
// and its socket fd via the FD env var, per spec.md §4.6).
func NewManager(helperPath string, hooks Hooks) *Manager {
	return &Manager{
		helperPath:   helperPath,
		hooks:        hooks,
		timeout:      defaultTimeout,
		objects:      make(map[string]*object),
		lastExecuted: make(map[string]uint64),
		pendingFails: make(map[string]bool),
	}
}

func (m *Manager) EnsureObject(name string, ctorInput []byte) error {
	m.mu.Lock()
	if _, ok := m.objects[name]; ok {
		m.mu.Unlock()
		return nil
	}
	o := newObject(name, m.helperPath, m.hooks)
	m.objects[name] = o
	m.mu.Unlock()

	if err := o.start(ctorInput, nil); err != nil {
		m.mu.Lock()
		delete(m.objects, name)
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *Manager) get(name string) (*object, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[name]
	return o, ok
}

func (m *Manager) Call(name, function string, input []byte) (status byte, output []byte, ok bool) {
	o, exists := m.get(name)
	if !exists {
		return 0, nil, false
	}
	status, output, ok = o.call(function, input, m.timeout)
	if !ok {
		m.noteFailure(name, o)
		return 0, nil, false
	}
	m.mu.Lock()
	m.lastExecuted[name]++
	m.mu.Unlock()
	return status, output, true
}

func (m *Manager) noteFailure(name string, o *object) {
	if !o.isFailed() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.pendingFails[name] {
		m.pendingFails[name] = true
	}
}

// PendingFailures drains and returns the set of objects observed
// failed since the last call, for periodic_maintain_objects to turn
// into ObjectFailed proposals.
func (m *Manager) PendingFailures() []FailureNote {
	m.mu.Lock()
	defer m.mu.Unlock()
	var notes []FailureNote
	for name := range m.pendingFails {
		notes = append(notes, FailureNote{Name: name, LastExecutedSlot: m.lastExecuted[name]})
	}
	m.pendingFails = make(map[string]bool)
	return notes
}

func (m *Manager) Snapshot(name string) ([]byte, error) {
	o, exists := m.get(name)
	if !exists {
		return nil, fmt.Errorf("objecthost: no such object %q", name)
	}
	return o.snapshot(m.timeout)
}

func (m *Manager) Restore(name string, state []byte) error {
	m.mu.Lock()
	old, existed := m.objects[name]
	m.mu.Unlock()
	if existed {
		old.stop()
	}

	o := newObject(name, m.helperPath, m.hooks)
	m.mu.Lock()
	m.objects[name] = o
	delete(m.pendingFails, name)
	m.lastExecuted[name] = 0
	m.mu.Unlock()

	return o.start(nil, state)
}

func (m *Manager) DeleteObject(name string) error {
	m.mu.Lock()
	o, exists := m.objects[name]
	if exists {
		delete(m.objects, name)
		delete(m.lastExecuted, name)
		delete(m.pendingFails, name)
	}
	m.mu.Unlock()
	if !exists {
		return fmt.Errorf("objecthost: no such object %q", name)
	}
	o.stop()
	return nil
}

func (m *Manager) KillObject(name string) error {
	o, exists := m.get(name)
	if !exists {
		return fmt.Errorf("objecthost: no such object %q", name)
	}
	o.kill()
	m.noteFailure(name, o)
	return nil
}

func (m *Manager) ListObjects() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.objects))
	for n := range m.objects {
		names = append(names, n)
	}
	return names
}

func (m *Manager) IsFailed(name string) bool {
	o, exists := m.get(name)
	return exists && o.isFailed()
}

func (m *Manager) ClearFailed(name string) {
	m.mu.Lock()
	delete(m.pendingFails, name)
	m.mu.Unlock()
}

// Tick dispatches a __tick__ call to every hosted, non-failed object,
// ignoring the result (spec.md §4.4 Tick handling).
func (m *Manager) Tick(tickValue uint64) {
	var buf [8]byte
	v := tickValue
	for i := 7; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
	for _, name := range m.ListObjects() {
		o, exists := m.get(name)
		if !exists || o.isFailed() {
			continue
		}
		go func(o *object, name string) {
			if _, _, ok := o.call("__tick__", buf[:], m.timeout); !ok {
				m.noteFailure(name, o)
			}
		}(o, name)
	}
}

// Shutdown stops every hosted object's child process.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	objects := make([]*object, 0, len(m.objects))
	for _, o := range m.objects {
		objects = append(objects, o)
	}
	m.mu.Unlock()
	for _, o := range objects {
		o.stop()
	}
}
