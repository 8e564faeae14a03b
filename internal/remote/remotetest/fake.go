// Package remotetest provides an in-memory remote.Process for tests.
package remotetest

import (
	"sync"

	"github.com/pkg/errors"

	"MedusaLoader/internal/remote"
)

// Module is one entry of the fake module list.
type Module struct {
	Base remote.Address
	Path string
	// PathErr makes ModulePath fail for this module.
	PathErr error
}

// ThreadCall records one CreateThread invocation.
type ThreadCall struct {
	Entry remote.Address
	Param remote.Address
}

// Process is a scriptable fake target.
type Process struct {
	PID     uint32
	Modules []Module
	Dead    bool

	AllocErr  error
	WriteErr  error
	ThreadErr error
	WaitErr   error
	IdleErr   error
	// NotImage makes IsImage report false.
	NotImage bool
	// ThreadExit is the exit code reported for every thread.
	ThreadExit uint32

	// EnumErrs are returned by successive ModuleHandles calls before the
	// real list is served.
	EnumErrs []error
	// OnThread runs inside CreateThread, e.g. to make LoadLibraryW "load"
	// a module.
	OnThread func(p *Process, call ThreadCall)

	mu       sync.Mutex
	next     remote.Address
	memory   map[remote.Address][]byte
	allocs   int
	threads  []ThreadCall
	enums    int
	closed   bool
	pathHits map[remote.Address]int
}

var _ remote.Process = (*Process)(nil)

func (p *Process) Pid() uint32 { return p.PID }

func (p *Process) Alloc(size, align uintptr) (remote.Address, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.AllocErr != nil {
		return 0, p.AllocErr
	}
	if p.next == 0 {
		p.next = 0x10000000
	}
	base := p.next
	p.next += remote.Address(remote.AllocationGranularity)
	p.allocs++
	return base, nil
}

func (p *Process) Write(addr remote.Address, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.WriteErr != nil {
		return p.WriteErr
	}
	if p.memory == nil {
		p.memory = make(map[remote.Address][]byte)
	}
	p.memory[addr] = append([]byte(nil), data...)
	return nil
}

func (p *Process) CreateThread(entry, param remote.Address) (remote.ThreadHandle, error) {
	p.mu.Lock()
	if p.ThreadErr != nil {
		p.mu.Unlock()
		return nil, p.ThreadErr
	}
	call := ThreadCall{Entry: entry, Param: param}
	p.threads = append(p.threads, call)
	hook := p.OnThread
	p.mu.Unlock()

	if hook != nil {
		hook(p, call)
	}
	return thread{p: p}, nil
}

func (p *Process) ModuleHandles(buf []remote.Address) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.enums < len(p.EnumErrs) {
		err := p.EnumErrs[p.enums]
		p.enums++
		return 0, err
	}
	p.enums++
	for i, m := range p.Modules {
		if i < len(buf) {
			buf[i] = m.Base
		}
	}
	return len(p.Modules), nil
}

func (p *Process) ModulePath(module remote.Address) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pathHits == nil {
		p.pathHits = make(map[remote.Address]int)
	}
	p.pathHits[module]++
	for _, m := range p.Modules {
		if m.Base == module {
			if m.PathErr != nil {
				return "", m.PathErr
			}
			return m.Path, nil
		}
	}
	return "", errors.Errorf("no module at %v", module)
}

func (p *Process) IsImage(remote.Address) (bool, error) { return !p.NotImage, nil }

func (p *Process) Alive() bool { return !p.Dead }

func (p *Process) WaitInputIdle() error { return p.IdleErr }

func (p *Process) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// AddModule appends a module, as LoadLibraryW would.
func (p *Process) AddModule(m Module) {
	p.mu.Lock()
	p.Modules = append(p.Modules, m)
	p.mu.Unlock()
}

// Memory returns what was written at addr.
func (p *Process) Memory(addr remote.Address) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.memory[addr]
	return b, ok
}

// Allocations is the number of successful Alloc calls.
func (p *Process) Allocations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocs
}

// Writes is the number of regions written.
func (p *Process) Writes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.memory)
}

// Threads returns the recorded CreateThread calls.
func (p *Process) Threads() []ThreadCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ThreadCall(nil), p.threads...)
}

// Enumerations is the number of ModuleHandles calls.
func (p *Process) Enumerations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enums
}

// PathLookups is the number of ModulePath calls for module.
func (p *Process) PathLookups(module remote.Address) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pathHits[module]
}

// Closed reports whether Close was called.
func (p *Process) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type thread struct{ p *Process }

func (t thread) Wait() error { return t.p.WaitErr }

func (t thread) ExitCode() (uint32, error) { return t.p.ThreadExit, nil }
