//go:build windows

package ipc

import (
	"net"
	"time"

	"github.com/Microsoft/go-winio"
	"github.com/pkg/errors"
)

// SYSTEM, administrators and interactive users.
const pipeSDDL = "D:P(A;;GA;;;SY)(A;;GA;;;BA)(A;;GA;;;IU)"

// PipePath is the full name of the pipe called name.
func PipePath(name string) string { return `\\.\pipe\` + name }

// Listen claims the named pipe. Failing to create the first instance
// means another loader owns the name.
func Listen(name string) (net.Listener, error) {
	ln, err := winio.ListenPipe(PipePath(name), &winio.PipeConfig{
		SecurityDescriptor: pipeSDDL,
		InputBufferSize:    64 << 10,
		OutputBufferSize:   64 << 10,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", PipePath(name))
	}
	return ln, nil
}

func dial(name string) (net.Conn, error) {
	timeout := 2 * time.Second
	return winio.DialPipe(PipePath(name), &timeout)
}
