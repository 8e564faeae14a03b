// Package watcher polls the process list for target executables.
package watcher

import (
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Source enumerates processes.
type Source interface {
	PIDs() ([]uint32, error)
	ImagePath(pid uint32) (string, error)
}

// EventKind tells a match from a timeout.
type EventKind int

const (
	Matched EventKind = iota + 1
	Timeout
)

func (k EventKind) String() string {
	switch k {
	case Matched:
		return "matched"
	case Timeout:
		return "timeout"
	}
	return "unknown"
}

// Event is passed to the watch callback.
type Event struct {
	Kind  EventKind
	PID   uint32
	Image string
}

// Options configure a watcher run.
type Options struct {
	// Targets are full executable paths, compared case-insensitively.
	Targets         []string
	PollingInterval time.Duration
	// Timeout ends the watch with a Timeout event; zero disables it.
	Timeout time.Duration
	// Oneshot stops the watch after the first match.
	Oneshot bool
	Source  Source
	Log     *logrus.Entry
}

// Watcher turns Options into runs.
type Watcher struct {
	opts    Options
	targets map[string]struct{}
}

// New builds a watcher. A nil Source means SystemSource.
func New(opts Options) *Watcher {
	if opts.Source == nil {
		opts.Source = NewSystemSource()
	}
	if opts.PollingInterval <= 0 {
		opts.PollingInterval = time.Second
	}
	if opts.Log == nil {
		opts.Log = logrus.WithField("component", "watcher")
	}
	w := &Watcher{opts: opts, targets: make(map[string]struct{}, len(opts.Targets))}
	for _, t := range opts.Targets {
		w.targets[strings.ToLower(t)] = struct{}{}
	}
	return w
}

// StopToken asks a run to end. Stop may be called any number of times.
type StopToken struct {
	once sync.Once
	ch   chan struct{}
}

func newStopToken() *StopToken { return &StopToken{ch: make(chan struct{})} }

func (s *StopToken) Stop() { s.once.Do(func() { close(s.ch) }) }

// Done is closed once Stop was called.
func (s *StopToken) Done() <-chan struct{} { return s.ch }

func (s *StopToken) stopped() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// gate serializes callbacks. Once a terminal event went out nothing else
// is delivered.
type gate struct {
	mu   sync.Mutex
	done bool
}

// emit calls cb with ev unless a terminal event was already delivered.
func (g *gate) emit(cb func(Event), ev Event, terminal bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done {
		return false
	}
	g.done = terminal
	cb(ev)
	return true
}

// Waiter joins a run.
type Waiter struct {
	wg sync.WaitGroup
}

// Wait blocks until the poll loop and the timeout timer have exited.
func (w *Waiter) Wait() { w.wg.Wait() }

// Run starts polling in the background. cb is called from the poll
// goroutine for matches and from the timer goroutine for a timeout, never
// concurrently. A timeout is terminal, as is a match in oneshot mode.
//
// An in-flight callback is never interrupted; Stop takes effect once it
// returned.
func (w *Watcher) Run(cb func(Event)) (*Waiter, *StopToken) {
	waiter := &Waiter{}
	stop := newStopToken()
	g := &gate{}

	waiter.wg.Add(1)
	go func() {
		defer waiter.wg.Done()
		w.poll(cb, stop, g)
	}()

	if w.opts.Timeout > 0 {
		waiter.wg.Add(1)
		go func() {
			defer waiter.wg.Done()
			t := time.NewTimer(w.opts.Timeout)
			defer t.Stop()
			select {
			case <-t.C:
				stop.Stop()
				if g.emit(cb, Event{Kind: Timeout}, true) {
					w.opts.Log.Infof("no target process within %v", w.opts.Timeout)
				}
			case <-stop.Done():
			}
		}()
	}
	return waiter, stop
}

func (w *Watcher) poll(cb func(Event), stop *StopToken, g *gate) {
	log := w.opts.Log
	seen := map[uint32]struct{}{}
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-stop.Done():
			return
		case <-timer.C:
		}

		pids, err := w.opts.Source.PIDs()
		if err != nil {
			log.Warnf("enumerate processes: %v", err)
			timer.Reset(w.opts.PollingInterval)
			continue
		}

		current := make(map[uint32]struct{}, len(pids))
		for _, pid := range pids {
			current[pid] = struct{}{}
		}
		for _, pid := range pids {
			if _, ok := seen[pid]; ok {
				continue
			}
			if stop.stopped() {
				return
			}
			image, err := w.opts.Source.ImagePath(pid)
			if err != nil {
				log.WithField("pid", pid).Tracef("image path: %v", err)
				continue
			}
			if _, ok := w.targets[strings.ToLower(image)]; !ok {
				continue
			}

			log.WithField("pid", pid).Infof("found %s", image)
			if !g.emit(cb, Event{Kind: Matched, PID: pid, Image: image}, w.opts.Oneshot) {
				return
			}
			if w.opts.Oneshot {
				stop.Stop()
				return
			}
		}
		seen = current

		timer.Reset(w.opts.PollingInterval)
	}
}
