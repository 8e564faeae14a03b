// Package remote wraps the handful of operations the loader performs
// against a foreign process: allocating and writing memory, enumerating
// loaded modules and starting threads.
//
// Everything that touches a foreign address space goes through the Process
// interface. The Win32 backend lives in process_windows.go; the rest of the
// package is portable so the policy around those calls can be tested.
package remote

import (
	"fmt"
	"unicode/utf16"

	"github.com/pkg/errors"
)

// Address is a virtual address inside the target process.
type Address uintptr

func (a Address) String() string { return fmt.Sprintf("%#x", uintptr(a)) }

const (
	// PageSize is the unit remote allocations are rounded up to.
	PageSize = 4096
	// AllocationGranularity is the alignment every fresh remote
	// allocation is guaranteed to have.
	AllocationGranularity = 64 << 10
)

// Process is an open handle on a target process (the TargetHandle). It is
// owned by one injection attempt or one enumeration call and closed at the
// end of it.
type Process interface {
	Pid() uint32
	// Alloc reserves and commits size bytes of read-write memory.
	Alloc(size, align uintptr) (Address, error)
	Write(addr Address, data []byte) error
	CreateThread(entry, param Address) (ThreadHandle, error)
	// ModuleHandles fills buf with module bases and returns how many
	// entries the full list needs.
	ModuleHandles(buf []Address) (needed int, err error)
	ModulePath(module Address) (string, error)
	// IsImage reports whether addr lies in a committed image mapping.
	IsImage(addr Address) (bool, error)
	Alive() bool
	WaitInputIdle() error
	Close() error
}

// ThreadHandle is the OS side of a thread started in a target process.
type ThreadHandle interface {
	Wait() error
	ExitCode() (uint32, error)
}

// Opener opens a Process by PID.
type Opener func(pid uint32) (Process, error)

var (
	// ErrPartialCopy is the "only part of a ReadProcessMemory or
	// WriteProcessMemory request was completed" class of failure.
	ErrPartialCopy = errors.New("partial copy")
	// ErrUnsupported is returned by the backend on platforms without one.
	ErrUnsupported = errors.New("remote process access is not supported on this platform")
	// ErrAbandoned reports a wait that ended on an abandoned object.
	ErrAbandoned = errors.New("wait ended on an abandoned object")
)

// Kind classifies an Error.
type Kind int

const (
	OpenFailed Kind = iota + 1
	AllocationFailed
	WriteFailed
	EnumerationFailed
	ThreadCreateFailed
	WaitFailed
	ModuleNotFound
)

func (k Kind) String() string {
	switch k {
	case OpenFailed:
		return "open failed"
	case AllocationFailed:
		return "allocation failed"
	case WriteFailed:
		return "write failed"
	case EnumerationFailed:
		return "enumeration failed"
	case ThreadCreateFailed:
		return "thread creation failed"
	case WaitFailed:
		return "wait failed"
	case ModuleNotFound:
		return "module not found"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the typed failure of a remote operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err carries an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var re *Error
	return errors.As(err, &re) && re.Kind == kind
}

// Allocation is a region of target memory written by WriteIn.
//
// It belongs to the target process, not to this one: it stays mapped until
// the target exits because the loaded module or a remote thread may still
// read it.
type Allocation struct {
	Base  Address
	Size  uintptr
	Align uintptr
}

// Release is a no-op. The region is reclaimed by the OS with the target.
func (a *Allocation) Release() {}

// WriteIn copies data into a fresh allocation inside p. align is the
// alignment the start address must satisfy; it must be a power of two.
func WriteIn(p Process, data []byte, align uintptr) (*Allocation, error) {
	if align == 0 {
		align = 1
	}
	if align&(align-1) != 0 {
		panic(fmt.Sprintf("remote: alignment %d is not a power of two", align))
	}
	if align > AllocationGranularity {
		return nil, &Error{Kind: AllocationFailed, Op: "VirtualAllocEx",
			Err: errors.Errorf("alignment %d exceeds allocation granularity", align)}
	}
	size := roundUp(uintptr(len(data)), PageSize)
	base, err := p.Alloc(size, align)
	if err != nil {
		return nil, &Error{Kind: AllocationFailed, Op: "VirtualAllocEx", Err: err}
	}
	if uintptr(base)%align != 0 {
		panic(fmt.Sprintf("remote: allocation %v violates alignment %d", base, align))
	}
	if len(data) > 0 {
		if err := p.Write(base, data); err != nil {
			return nil, &Error{Kind: WriteFailed, Op: "WriteProcessMemory", Err: err}
		}
	}
	return &Allocation{Base: base, Size: size, Align: align}, nil
}

func roundUp(n, unit uintptr) uintptr {
	if n == 0 {
		return unit
	}
	return (n + unit - 1) &^ (unit - 1)
}

// Thread is a thread started inside a target process.
type Thread struct {
	Entry Address
	Param Address

	handle ThreadHandle
}

// StartThread creates one thread in p at entry with param as its only
// argument. A zero param passes NULL.
func StartThread(p Process, entry, param Address) (*Thread, error) {
	h, err := p.CreateThread(entry, param)
	if err != nil {
		return nil, &Error{Kind: ThreadCreateFailed, Op: "CreateRemoteThread", Err: err}
	}
	return &Thread{Entry: entry, Param: param, handle: h}, nil
}

// Wait blocks until the thread exits. There is no timeout.
func (t *Thread) Wait() error {
	if err := t.handle.Wait(); err != nil {
		return &Error{Kind: WaitFailed, Op: "WaitForSingleObject", Err: err}
	}
	return nil
}

// ExitCode returns the thread's exit code once it terminated.
func (t *Thread) ExitCode() (uint32, error) {
	return t.handle.ExitCode()
}

// Close is a no-op. Closing the handle would not stop the remote thread;
// the handle stays open until the loader exits.
func (t *Thread) Close() {}

// EncodeWidePath returns path as NUL-terminated little-endian UTF-16 bytes.
func EncodeWidePath(path string) []byte {
	u := utf16.Encode([]rune(path))
	out := make([]byte, 0, 2*len(u)+2)
	for _, c := range u {
		out = append(out, byte(c), byte(c>>8))
	}
	return append(out, 0, 0)
}
