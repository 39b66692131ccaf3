package hook

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Table is an in-process branch table implementing Interposer.
//
// Native entry points are declared with Define; a host shim then routes
// every native call through Call. Interpose swaps the target atomically, so
// concurrent Calls see either the old or the new implementation.
type Table struct {
	mu    sync.RWMutex
	slots map[uintptr]*slot
}

type slot struct {
	kind    Kind
	native  Func
	current atomic.Pointer[Func]
}

var _ Interposer = (*Table)(nil)

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{slots: make(map[uintptr]*slot)}
}

// Define registers the native implementation living at addr.
func (t *Table) Define(addr uintptr, kind Kind, native Func) {
	s := &slot{kind: kind, native: native}
	s.current.Store(&native)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.slots[addr] = s
}

// Interpose implements Interposer.
func (t *Table) Interpose(addr uintptr, kind Kind, replacement Func) (Func, error) {
	t.mu.RLock()
	s, ok := t.slots[addr]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: 0x%x", ErrNoEntryPoint, addr)
	}
	if s.kind != kind {
		return nil, fmt.Errorf("%w: 0x%x is %s, not %s", ErrNoEntryPoint, addr, s.kind, kind)
	}
	s.current.Store(&replacement)
	return s.native, nil
}

// Call dispatches req to whatever implementation is installed at addr.
func (t *Table) Call(addr uintptr, req *Request) Response {
	t.mu.RLock()
	s, ok := t.slots[addr]
	t.mu.RUnlock()
	if !ok {
		return Response{Err: fmt.Errorf("%w: 0x%x", ErrNoEntryPoint, addr)}
	}
	if req.Kind == 0 {
		req.Kind = s.kind
	}
	return (*s.current.Load())(req)
}
