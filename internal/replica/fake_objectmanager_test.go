package replica

import "fmt"

// fakeObjectManager is a minimal in-memory ObjectManager for testing
// the replica without a real subprocess supervisor, in the style of
// the teacher's testing_mocks.go hand-rolled fakes.
type fakeObjectManager struct {
	objects map[string][]byte
	failed  map[string]bool
	ticks   []uint64
}

func newFakeObjectManager() *fakeObjectManager {
	return &fakeObjectManager{
		objects: make(map[string][]byte),
		failed:  make(map[string]bool),
	}
}

func (f *fakeObjectManager) EnsureObject(name string, ctorInput []byte) error {
	if _, ok := f.objects[name]; ok {
		return nil
	}
	f.objects[name] = append([]byte(nil), ctorInput...)
	return nil
}

func (f *fakeObjectManager) Call(name, function string, input []byte) (status byte, output []byte, ok bool) {
	if f.failed[name] {
		return 0, nil, false
	}
	if _, exists := f.objects[name]; !exists {
		return 0, nil, false
	}
	if function == "echo" {
		return 0, append([]byte(nil), input...), true
	}
	if function == "incr" {
		v := len(f.objects[name])
		f.objects[name] = append(f.objects[name], input...)
		return byte(v), nil, true
	}
	return 1, []byte(fmt.Sprintf("no such function %s", function)), true
}

func (f *fakeObjectManager) Snapshot(name string) ([]byte, error) {
	state, ok := f.objects[name]
	if !ok {
		return nil, fmt.Errorf("no such object %q", name)
	}
	return append([]byte(nil), state...), nil
}

func (f *fakeObjectManager) Restore(name string, state []byte) error {
	f.objects[name] = append([]byte(nil), state...)
	delete(f.failed, name)
	return nil
}

func (f *fakeObjectManager) DeleteObject(name string) error {
	if _, ok := f.objects[name]; !ok {
		return fmt.Errorf("no such object %q", name)
	}
	delete(f.objects, name)
	return nil
}

func (f *fakeObjectManager) KillObject(name string) error {
	if _, ok := f.objects[name]; !ok {
		return fmt.Errorf("no such object %q", name)
	}
	f.failed[name] = true
	return nil
}

func (f *fakeObjectManager) ListObjects() []string {
	names := make([]string, 0, len(f.objects))
	for n := range f.objects {
		names = append(names, n)
	}
	return names
}

func (f *fakeObjectManager) IsFailed(name string) bool { return f.failed[name] }

func (f *fakeObjectManager) ClearFailed(name string) { delete(f.failed, name) }

func (f *fakeObjectManager) Tick(tickValue uint64) { f.ticks = append(f.ticks, tickValue) }
