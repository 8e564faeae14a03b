// Package instance makes sure only one loader runs per session.
package instance

import "github.com/pkg/errors"

// ErrAlreadyRunning is returned by Acquire when another instance holds the lock.
var ErrAlreadyRunning = errors.New("another instance is already running")
