// Package session holds the one piece of state shared between the
// injector and the IPC server: the PID of the current target and the
// single-use auth code published for it.
package session

import (
	"crypto/rand"
	"encoding/binary"

	"go.uber.org/atomic"
)

// Session is safe for concurrent use. The injector writes the code, the
// watcher writes the PID and the IPC server consumes both.
type Session struct {
	pid  atomic.Uint32
	code atomic.Uint64
}

// New returns a session with no target and a random code.
func New() *Session {
	s := &Session{}
	s.code.Store(randomCode())
	return s
}

// SetTarget records the PID of the process being injected.
func (s *Session) SetTarget(pid uint32) { s.pid.Store(pid) }

// Target is the last recorded PID.
func (s *Session) Target() uint32 { return s.pid.Load() }

// Rotate publishes a fresh code and returns it.
func (s *Session) Rotate() uint64 {
	c := randomCode()
	s.code.Store(c)
	return c
}

// Authenticate consumes the current code. The code is replaced before the
// comparison, so a given code can succeed at most once.
func (s *Session) Authenticate(pid uint32, code uint64) bool {
	current := s.code.Swap(randomCode())
	return pid == s.pid.Load() && code == current
}

func randomCode() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("session: crypto/rand failed: " + err.Error())
	}
	return binary.LittleEndian.Uint64(b[:])
}
