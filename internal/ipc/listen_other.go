//go:build !windows

package ipc

import (
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// PipePath is the socket file used for name.
func PipePath(name string) string { return filepath.Join(os.TempDir(), name+".sock") }

// Listen binds a unix socket for name. A live listener on the same path is
// an instance conflict; a stale socket file is replaced.
func Listen(name string) (net.Listener, error) {
	path := PipePath(name)
	if conn, err := net.DialTimeout("unix", path, time.Second); err == nil {
		conn.Close()
		return nil, errors.Errorf("listen on %s: address already in use", path)
	}
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", path)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, errors.Wrapf(err, "restrict %s", path)
	}
	return ln, nil
}

func dial(name string) (net.Conn, error) {
	return net.DialTimeout("unix", PipePath(name), 2*time.Second)
}
