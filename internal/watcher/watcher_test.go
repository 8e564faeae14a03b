package watcher

import (
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

const target = `C:\Game\game.exe`

// scriptSource serves snapshots in order and repeats the last one.
type scriptSource struct {
	mu        sync.Mutex
	snapshots [][]uint32
	errs      map[int]error
	images    map[uint32]string
	calls     int
	polled    chan int
}

func (s *scriptSource) PIDs() ([]uint32, error) {
	s.mu.Lock()
	i := s.calls
	s.calls++
	var snap []uint32
	if len(s.snapshots) > 0 {
		snap = s.snapshots[min(i, len(s.snapshots)-1)]
	}
	err := s.errs[i]
	s.mu.Unlock()

	if s.polled != nil {
		select {
		case s.polled <- i:
		default:
		}
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *scriptSource) ImagePath(pid uint32) (string, error) {
	if img, ok := s.images[pid]; ok {
		return img, nil
	}
	return "", errors.New("access denied")
}

func (s *scriptSource) waitCalls(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		c := s.calls
		s.mu.Unlock()
		if c >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("source polled fewer than %d times", n)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) add(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) get() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func quietLog() *logrus.Entry {
	logger, _ := test.NewNullLogger()
	return logrus.NewEntry(logger)
}

func TestDebounce(t *testing.T) {
	src := &scriptSource{
		snapshots: [][]uint32{
			{1, 2, 50},
			{1, 2, 3, 50},
			{1, 3, 50},
			{1, 2, 3, 50},
		},
		images: map[uint32]string{1: target, 2: target, 3: `c:\GAME\Game.EXE`, 50: `C:\Windows\explorer.exe`},
	}
	rec := &recorder{}
	w := New(Options{Targets: []string{target}, PollingInterval: time.Millisecond, Source: src, Log: quietLog()})
	waiter, stop := w.Run(rec.add)
	src.waitCalls(t, 8)
	stop.Stop()
	waiter.Wait()

	var pids []uint32
	for _, ev := range rec.get() {
		if ev.Kind != Matched {
			t.Fatalf("unexpected event %+v", ev)
		}
		pids = append(pids, ev.PID)
	}
	want := []uint32{1, 2, 3, 2}
	if len(pids) != len(want) {
		t.Fatalf("matched %v, want %v", pids, want)
	}
	for i := range want {
		if pids[i] != want[i] {
			t.Fatalf("matched %v, want %v", pids, want)
		}
	}
}

func TestEnumerationErrorSkipsCycle(t *testing.T) {
	src := &scriptSource{
		snapshots: [][]uint32{{7}, {7}, {7}},
		errs:      map[int]error{1: errors.New("snapshot failed")},
		images:    map[uint32]string{7: target},
	}
	rec := &recorder{}
	w := New(Options{Targets: []string{target}, PollingInterval: time.Millisecond, Source: src, Log: quietLog()})
	waiter, stop := w.Run(rec.add)
	src.waitCalls(t, 4)
	stop.Stop()
	waiter.Wait()

	if got := rec.get(); len(got) != 1 || got[0].PID != 7 {
		t.Fatalf("events = %+v, want a single match for 7", got)
	}
}

func TestContinuesAfterEachMatch(t *testing.T) {
	src := &scriptSource{
		snapshots: [][]uint32{{10}, {10, 11}},
		images:    map[uint32]string{10: target, 11: target},
	}
	rec := &recorder{}
	w := New(Options{Targets: []string{target}, PollingInterval: time.Millisecond, Source: src, Log: quietLog()})
	waiter, stop := w.Run(func(ev Event) {
		// The callback's outcome does not matter to the loop.
		rec.add(ev)
	})
	src.waitCalls(t, 3)
	stop.Stop()
	waiter.Wait()
	if got := rec.get(); len(got) != 2 || got[1].PID != 11 {
		t.Fatalf("events = %+v", got)
	}
}

func TestOneshotStopsAfterMatch(t *testing.T) {
	src := &scriptSource{
		snapshots: [][]uint32{{1}, {1, 2, 3}},
		images:    map[uint32]string{2: target, 3: target},
	}
	rec := &recorder{}
	w := New(Options{Targets: []string{target}, PollingInterval: time.Millisecond, Oneshot: true, Source: src, Log: quietLog()})
	waiter, _ := w.Run(rec.add)

	done := make(chan struct{})
	go func() { waiter.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("oneshot watcher did not stop by itself")
	}
	if got := rec.get(); len(got) != 1 || got[0].PID != 2 {
		t.Fatalf("events = %+v, want one match for 2", got)
	}
}

func TestOneshotTimeout(t *testing.T) {
	src := &scriptSource{snapshots: [][]uint32{{1}}, images: map[uint32]string{1: `C:\other.exe`}}
	rec := &recorder{}
	w := New(Options{
		Targets: []string{target}, PollingInterval: time.Millisecond,
		Timeout: 20 * time.Millisecond, Oneshot: true, Source: src, Log: quietLog(),
	})
	waiter, _ := w.Run(rec.add)
	waiter.Wait()
	if got := rec.get(); len(got) != 1 || got[0].Kind != Timeout {
		t.Fatalf("events = %+v, want a single timeout", got)
	}
}

// raceSource makes the target appear right around the deadline.
type raceSource struct {
	start time.Time
	after time.Duration
}

func (s *raceSource) PIDs() ([]uint32, error) {
	if time.Since(s.start) >= s.after {
		return []uint32{99}, nil
	}
	return nil, nil
}

func (s *raceSource) ImagePath(uint32) (string, error) { return target, nil }

func TestOneshotTimeoutRace(t *testing.T) {
	const d = 3 * time.Millisecond
	for i := 0; i < 50; i++ {
		rec := &recorder{}
		w := New(Options{
			Targets: []string{target}, PollingInterval: time.Millisecond,
			Timeout: d, Oneshot: true, Source: &raceSource{start: time.Now(), after: d}, Log: quietLog(),
		})
		waiter, stop := w.Run(rec.add)
		waiter.Wait()
		stop.Stop()
		if got := rec.get(); len(got) != 1 {
			t.Fatalf("run %d: %d terminal events %+v, want exactly one", i, len(got), got)
		}
	}
}

func TestStopDuringPollingInterval(t *testing.T) {
	src := &scriptSource{snapshots: [][]uint32{{1}}, polled: make(chan int, 1)}
	w := New(Options{Targets: []string{target}, PollingInterval: time.Hour, Source: src, Log: quietLog()})
	waiter, stop := w.Run(func(Event) {})
	<-src.polled

	start := time.Now()
	stop.Stop()
	stop.Stop()
	waiter.Wait()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("stop took %v", elapsed)
	}
}

func TestSystemSourceSeesSelf(t *testing.T) {
	pids, err := NewSystemSource().PIDs()
	if err != nil {
		t.Fatalf("PIDs: %v", err)
	}
	self := uint32(os.Getpid())
	for _, p := range pids {
		if p == self {
			return
		}
	}
	t.Fatalf("own pid %d not listed", self)
}

// slowSource resolves every image only after a delay.
type slowSource struct{ delay time.Duration }

func (s *slowSource) PIDs() ([]uint32, error) { return []uint32{77}, nil }

func (s *slowSource) ImagePath(uint32) (string, error) {
	time.Sleep(s.delay)
	return target, nil
}

func TestNoMatchAfterTimeout(t *testing.T) {
	rec := &recorder{}
	w := New(Options{
		Targets: []string{target}, PollingInterval: time.Millisecond,
		Timeout: 10 * time.Millisecond, Source: &slowSource{delay: 40 * time.Millisecond}, Log: quietLog(),
	})
	waiter, _ := w.Run(rec.add)
	waiter.Wait()
	if got := rec.get(); len(got) != 1 || got[0].Kind != Timeout {
		t.Fatalf("events = %+v, want only the timeout", got)
	}
}
