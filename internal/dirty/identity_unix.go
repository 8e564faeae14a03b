//go:build unix

package dirty

import (
	"os"
	"syscall"

	"github.com/pkg/errors"
)

// Identify returns the device and inode of path.
func Identify(path string) (Identity, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return Identity{}, err
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return Identity{}, errors.Errorf("no stat data for %s", path)
	}
	return Identity{Volume: uint64(st.Dev), File: uint64(st.Ino)}, nil
}
