//go:build windows

package watcher

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/windows"

	"MedusaLoader/internal/retry"
)

func imagePath(pid uint32, policy retry.Policy) (string, error) {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, pid)
	if err != nil {
		return "", errors.Wrapf(err, "open process %d", pid)
	}
	defer windows.CloseHandle(h)

	var buf []uint16
	n, err := policy.Grow(windows.MAX_PATH, func(n int) (int, error) {
		buf = make([]uint16, n)
		size := uint32(n)
		err := windows.QueryFullProcessImageName(h, 0, &buf[0], &size)
		if errors.Is(err, windows.ERROR_INSUFFICIENT_BUFFER) {
			return 2 * n, nil
		}
		if err != nil {
			return 0, err
		}
		return int(size), nil
	})
	if err != nil {
		return "", errors.Wrapf(err, "query image of %d", pid)
	}
	return windows.UTF16ToString(buf[:n]), nil
}
