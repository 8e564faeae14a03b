//go:build !unix && !windows

package dirty

import "github.com/pkg/errors"

// Identify is not available on this platform.
func Identify(path string) (Identity, error) {
	return Identity{}, errors.Errorf("cannot identify %s on this platform", path)
}
