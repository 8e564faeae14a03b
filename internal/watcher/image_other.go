//go:build !windows

package watcher

import (
	"os"
	"strconv"

	"github.com/pkg/errors"

	"MedusaLoader/internal/retry"
)

func imagePath(pid uint32, _ retry.Policy) (string, error) {
	path, err := os.Readlink("/proc/" + strconv.FormatUint(uint64(pid), 10) + "/exe")
	if err != nil {
		return "", errors.Wrapf(err, "query image of %d", pid)
	}
	return path, nil
}
