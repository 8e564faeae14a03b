//go:build windows

package instance

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

// Lock is a held named mutex.
type Lock struct {
	h windows.Handle
}

// Acquire creates the named mutex name.
func Acquire(name string) (*Lock, error) {
	p, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, err
	}
	h, err := windows.CreateMutex(nil, true, p)
	if errors.Is(err, windows.ERROR_ALREADY_EXISTS) {
		if h != 0 {
			windows.CloseHandle(h)
		}
		return nil, errors.Wrap(ErrAlreadyRunning, name)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "create mutex %s", name)
	}
	return &Lock{h: h}, nil
}

// Release gives up the mutex.
func (l *Lock) Release() error {
	_ = windows.ReleaseMutex(l.h)
	return windows.CloseHandle(l.h)
}
