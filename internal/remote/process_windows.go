//go:build windows

package remote

import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"

	"MedusaLoader/internal/retry"
)

const (
	memImage    = 0x1000000
	stillActive = 259
	seDebugName = "SeDebugPrivilege"

	accessRights = windows.PROCESS_CREATE_THREAD |
		windows.PROCESS_QUERY_INFORMATION |
		windows.PROCESS_VM_OPERATION |
		windows.PROCESS_VM_WRITE |
		windows.PROCESS_VM_READ
)

var (
	modKernel32 = windows.NewLazySystemDLL("kernel32.dll")
	modUser32   = windows.NewLazySystemDLL("user32.dll")
	modPsapi    = windows.NewLazySystemDLL("psapi.dll")

	procVirtualAllocEx       = modKernel32.NewProc("VirtualAllocEx")
	procCreateRemoteThread   = modKernel32.NewProc("CreateRemoteThread")
	procGetExitCodeThread    = modKernel32.NewProc("GetExitCodeThread")
	procLoadLibraryW         = modKernel32.NewProc("LoadLibraryW")
	procWaitForInputIdle     = modUser32.NewProc("WaitForInputIdle")
	procGetModuleFileNameExW = modPsapi.NewProc("GetModuleFileNameExW")

	debugOnce sync.Once
)

type process struct {
	pid    uint32
	handle windows.Handle
	policy retry.Policy
}

// Open acquires a handle on pid with the rights an injection needs.
func Open(pid uint32) (Process, error) {
	debugOnce.Do(func() { _ = enableSeDebugPrivilege() })

	h, err := windows.OpenProcess(accessRights, false, pid)
	if err != nil {
		return nil, &Error{Kind: OpenFailed, Op: "OpenProcess", Err: err}
	}
	if err := sameArchitecture(h); err != nil {
		windows.CloseHandle(h)
		return nil, &Error{Kind: OpenFailed, Op: "IsWow64Process", Err: err}
	}
	return &process{pid: pid, handle: h, policy: retry.Default()}, nil
}

// LoadLibraryEntry returns the address of kernel32!LoadLibraryW. kernel32
// is mapped at the same base in every process of a boot session.
func LoadLibraryEntry() (Address, error) {
	if err := procLoadLibraryW.Find(); err != nil {
		return 0, errors.Wrap(err, "resolve LoadLibraryW")
	}
	return Address(procLoadLibraryW.Addr()), nil
}

func sameArchitecture(h windows.Handle) error {
	var self, target bool
	if err := windows.IsWow64Process(windows.CurrentProcess(), &self); err != nil {
		return err
	}
	if err := windows.IsWow64Process(h, &target); err != nil {
		return err
	}
	if self != target {
		return errors.New("target architecture differs from the loader's")
	}
	return nil
}

func (p *process) Pid() uint32 { return p.pid }

func (p *process) Alloc(size, _ uintptr) (Address, error) {
	r1, _, e := procVirtualAllocEx.Call(uintptr(p.handle), 0, size,
		windows.MEM_RESERVE|windows.MEM_COMMIT, windows.PAGE_READWRITE)
	if r1 == 0 {
		return 0, e
	}
	return Address(r1), nil
}

func (p *process) Write(addr Address, data []byte) error {
	var written uintptr
	err := windows.WriteProcessMemory(p.handle, uintptr(addr), &data[0], uintptr(len(data)), &written)
	if err != nil {
		return translate(err)
	}
	if written != uintptr(len(data)) {
		return errors.Wrapf(ErrPartialCopy, "wrote %d of %d bytes", written, len(data))
	}
	return nil
}

func (p *process) CreateThread(entry, param Address) (ThreadHandle, error) {
	th, _, e := procCreateRemoteThread.Call(uintptr(p.handle), 0, 0, uintptr(entry), uintptr(param), 0, 0)
	if th == 0 {
		return nil, e
	}
	return thread(th), nil
}

func (p *process) ModuleHandles(buf []Address) (int, error) {
	var needed uint32
	size := uint32(len(buf)) * uint32(unsafe.Sizeof(windows.Handle(0)))
	err := windows.EnumProcessModulesEx(p.handle, (*windows.Handle)(unsafe.Pointer(&buf[0])), size, &needed, windows.LIST_MODULES_ALL)
	if err != nil {
		return 0, translate(err)
	}
	return int(needed / uint32(unsafe.Sizeof(windows.Handle(0)))), nil
}

func (p *process) ModulePath(module Address) (string, error) {
	var buf []uint16
	n, err := p.policy.Grow(windows.MAX_PATH, func(n int) (int, error) {
		buf = make([]uint16, n)
		r1, _, e := procGetModuleFileNameExW.Call(uintptr(p.handle), uintptr(module),
			uintptr(unsafe.Pointer(&buf[0])), uintptr(n))
		if r1 == 0 {
			return 0, e
		}
		// A full buffer means the name was truncated.
		if int(r1) >= n {
			return 2 * n, nil
		}
		return int(r1), nil
	})
	if err != nil {
		return "", err
	}
	return windows.UTF16ToString(buf[:n]), nil
}

func (p *process) IsImage(addr Address) (bool, error) {
	var mbi windows.MemoryBasicInformation
	if err := windows.VirtualQueryEx(p.handle, uintptr(addr), &mbi, unsafe.Sizeof(mbi)); err != nil {
		return false, err
	}
	return mbi.State == windows.MEM_COMMIT && mbi.Type == memImage, nil
}

func (p *process) Alive() bool {
	var code uint32
	if err := windows.GetExitCodeProcess(p.handle, &code); err != nil {
		return false
	}
	return code == stillActive
}

func (p *process) WaitInputIdle() error {
	r1, _, e := procWaitForInputIdle.Call(uintptr(p.handle), uintptr(windows.INFINITE))
	switch uint32(r1) {
	case 0:
		return nil
	case uint32(windows.WAIT_TIMEOUT):
		return errors.New("WaitForInputIdle timed out")
	}
	return errors.Wrap(e, "WaitForInputIdle")
}

func (p *process) Close() error {
	return windows.CloseHandle(p.handle)
}

type thread windows.Handle

func (t thread) Wait() error {
	ev, err := windows.WaitForSingleObject(windows.Handle(t), windows.INFINITE)
	switch ev {
	case windows.WAIT_OBJECT_0:
		return nil
	case windows.WAIT_ABANDONED:
		return ErrAbandoned
	}
	if err == nil {
		err = errors.Errorf("unexpected wait result %#x", ev)
	}
	return err
}

func (t thread) ExitCode() (uint32, error) {
	var code uint32
	ok, _, e := procGetExitCodeThread.Call(uintptr(t), uintptr(unsafe.Pointer(&code)))
	if ok == 0 {
		return 0, e
	}
	return code, nil
}

func translate(err error) error {
	if errors.Is(err, windows.ERROR_PARTIAL_COPY) {
		return errors.Wrap(ErrPartialCopy, err.Error())
	}
	return err
}

// Best effort; without the privilege only same-user targets can be opened.
func enableSeDebugPrivilege() error {
	var tok windows.Token
	if err := windows.OpenProcessToken(windows.CurrentProcess(), windows.TOKEN_ADJUST_PRIVILEGES|windows.TOKEN_QUERY, &tok); err != nil {
		return err
	}
	defer tok.Close()

	var luid windows.LUID
	if err := windows.LookupPrivilegeValue(nil, windows.StringToUTF16Ptr(seDebugName), &luid); err != nil {
		return err
	}
	tp := windows.Tokenprivileges{
		PrivilegeCount: 1,
		Privileges: [1]windows.LUIDAndAttributes{{
			Luid:       luid,
			Attributes: windows.SE_PRIVILEGE_ENABLED,
		}},
	}
	return windows.AdjustTokenPrivileges(tok, false, &tp, 0, nil, nil)
}
