package inject

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"golang.org/x/crypto/blake2b"

	"MedusaLoader/internal/config"
	"MedusaLoader/internal/dirty"
	"MedusaLoader/internal/loaderpe"
	"MedusaLoader/internal/remote"
	"MedusaLoader/internal/remote/remotetest"
	"MedusaLoader/internal/retry"
	"MedusaLoader/internal/session"
	"MedusaLoader/internal/store"
	"MedusaLoader/internal/telemetry"
)

const (
	loadLibrary remote.Address = 0x7ffb0000a000
	loaderBase  remote.Address = 0x7ff900000000
	initRVA                    = 0x1a40
	targetPID                  = 4242
	gameImage                  = `C:\Game\game.exe`
)

type recordedNote struct{ level, msg string }

type fakeNotifier struct {
	mu    sync.Mutex
	notes []recordedNote
}

func (n *fakeNotifier) add(level, msg string) {
	n.mu.Lock()
	n.notes = append(n.notes, recordedNote{level, msg})
	n.mu.Unlock()
}

func (n *fakeNotifier) Info(_, msg string)  { n.add("info", msg) }
func (n *fakeNotifier) Warn(_, msg string)  { n.add("warn", msg) }
func (n *fakeNotifier) Fatal(_, msg string) { n.add("fatal", msg) }

type fakeLedger struct{ rows []store.Attempt }

func (l *fakeLedger) RecordAttempt(_ context.Context, a store.Attempt) (int64, error) {
	l.rows = append(l.rows, a)
	return int64(len(l.rows)), nil
}

type fakeEvents struct{ events []telemetry.Event }

func (e *fakeEvents) Publish(ev telemetry.Event) { e.events = append(e.events, ev) }

type fixture struct {
	proc    *remotetest.Process
	inj     *Injector
	cfg     *config.Config
	sess    *session.Session
	notes   *fakeNotifier
	ledger  *fakeLedger
	events  *fakeEvents
	loader  string
	plugins string
	opens   int
	logs    *test.Hook
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		loader:  filepath.Join(root, "medusa_loader.dll"),
		plugins: filepath.Join(root, "plugins"),
		cfg:     config.Default(),
		sess:    session.New(),
		notes:   &fakeNotifier{},
		ledger:  &fakeLedger{},
		events:  &fakeEvents{},
	}
	if err := os.MkdirAll(f.plugins, 0o755); err != nil {
		t.Fatal(err)
	}
	content := []byte("MZ loader image")
	if err := os.WriteFile(f.loader, content, 0o644); err != nil {
		t.Fatal(err)
	}

	f.proc = &remotetest.Process{
		PID:        targetPID,
		Modules:    []remotetest.Module{{Base: 0x140000000, Path: gameImage}},
		ThreadExit: 1,
	}
	f.proc.OnThread = func(p *remotetest.Process, call remotetest.ThreadCall) {
		if call.Entry == loadLibrary {
			p.AddModule(remotetest.Module{Base: loaderBase, Path: f.loader})
		}
	}

	fast := retry.Policy{MaxDuration: 20 * time.Millisecond, Backoff: time.Millisecond}
	checker := dirty.New(f.plugins)
	checker.Policy = fast

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	f.logs = hook

	f.inj = &Injector{
		Config: f.cfg,
		Open: func(pid uint32) (remote.Process, error) {
			f.opens++
			return f.proc, nil
		},
		Loader: &loaderpe.Module{
			Path:   f.loader,
			Export: "medusa_init",
			RVA:    initRVA,
			Digest: blake2b.Sum256(content),
		},
		Taint:       checker,
		Session:     f.sess,
		LoadLibrary: loadLibrary,
		Options:     Options{LogLevel: LevelDebug, ShowTarget: true},
		Policy:      fast,
		Notifier:    f.notes,
		Ledger:      f.ledger,
		Events:      f.events,
		Metrics:     telemetry.NewMetrics(),
		ImagePath:   func(uint32) (string, error) { return gameImage, nil },
		Log:         logrus.NewEntry(logger),
		newID:       func() string { return "attempt-1" },
	}
	return f
}

func TestRunCleanInjection(t *testing.T) {
	f := newFixture(t)
	out := f.inj.Run(targetPID)

	if !out.OK() || out.Final != Detached || out.Reached != Detached {
		t.Fatalf("outcome = %+v", out)
	}
	if out.ID != "attempt-1" || out.PID != targetPID {
		t.Errorf("outcome identity = %q/%d", out.ID, out.PID)
	}

	calls := f.proc.Threads()
	if len(calls) != 2 {
		t.Fatalf("threads = %+v, want loader and init", calls)
	}
	if calls[0].Entry != loadLibrary {
		t.Errorf("loader thread entry = %v", calls[0].Entry)
	}
	path, ok := f.proc.Memory(calls[0].Param)
	if !ok || !bytes.Equal(path, remote.EncodeWidePath(f.loader)) {
		t.Errorf("loader thread argument is not the wide loader path")
	}

	if calls[1].Entry != loaderBase+initRVA {
		t.Errorf("init entry = %v, want %v", calls[1].Entry, loaderBase+initRVA)
	}
	raw, ok := f.proc.Memory(calls[1].Param)
	if !ok {
		t.Fatal("init argument not written")
	}
	if uintptr(calls[1].Param)%PayloadAlign != 0 {
		t.Errorf("payload at %v is misaligned", calls[1].Param)
	}
	p, ok := DecodePayload(raw)
	if !ok || p.LogLevel != LevelDebug || !p.ShowTarget {
		t.Fatalf("payload = %+v", p)
	}
	if f.sess.Target() != targetPID {
		t.Errorf("session target = %d", f.sess.Target())
	}
	if !f.sess.Authenticate(targetPID, p.AuthCode) {
		t.Error("published code does not authenticate")
	}
	if !f.proc.Closed() {
		t.Error("process handle left open")
	}
}

func TestRunWaitsForInit(t *testing.T) {
	f := newFixture(t)
	f.inj.Options.WaitInit = true
	out := f.inj.Run(targetPID)
	if out.Final != InitThreadCompleted {
		t.Fatalf("Final = %v, want InitThreadCompleted", out.Final)
	}

	f = newFixture(t)
	f.inj.Options.WaitInit = true
	f.proc.WaitErr = remote.ErrAbandoned
	out = f.inj.Run(targetPID)
	if out.Final != Aborted || out.Step != LoaderThreadCompleted {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestRunAborts(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(f *fixture)
		step    State
		reached State
		reason  string
		kind    remote.Kind
	}{
		{
			name: "cannot open",
			setup: func(f *fixture) {
				f.inj.Open = func(uint32) (remote.Process, error) {
					return nil, &remote.Error{Kind: remote.OpenFailed, Op: "OpenProcess", Err: errors.New("access denied")}
				}
			},
			step: Opened, reached: Idle, reason: "cannot open process", kind: remote.OpenFailed,
		},
		{
			name: "process exited before idle",
			setup: func(f *fixture) {
				f.proc.IdleErr = errors.New("invalid handle")
				f.proc.Dead = true
			},
			step: WaitedIdle, reached: Opened, reason: "process exited",
		},
		{
			name: "allocation failure",
			setup: func(f *fixture) {
				f.proc.AllocErr = errors.New("not enough memory")
			},
			step: PathWritten, reached: DirtyChecked, reason: "cannot write loader path", kind: remote.AllocationFailed,
		},
		{
			name: "write failure",
			setup: func(f *fixture) {
				f.proc.WriteErr = errors.New("denied")
			},
			step: PathWritten, reached: DirtyChecked, reason: "cannot write loader path", kind: remote.WriteFailed,
		},
		{
			name: "thread creation failure",
			setup: func(f *fixture) {
				f.proc.ThreadErr = errors.New("denied")
			},
			step: LoaderThreadStarted, reached: PathWritten, reason: "cannot start loader thread", kind: remote.ThreadCreateFailed,
		},
		{
			name: "loader wait failure",
			setup: func(f *fixture) {
				f.proc.WaitErr = remote.ErrAbandoned
			},
			step: LoaderThreadCompleted, reached: LoaderThreadStarted, reason: "loader thread did not finish", kind: remote.WaitFailed,
		},
		{
			name: "module not loaded",
			setup: func(f *fixture) {
				f.proc.OnThread = nil
			},
			step: ModuleLocated, reached: LoaderThreadCompleted, reason: "loader module not found after load", kind: remote.ModuleNotFound,
		},
		{
			name: "base is not an image",
			setup: func(f *fixture) {
				f.proc.NotImage = true
			},
			step: ModuleLocated, reached: LoaderThreadCompleted, reason: "loader module not found after load",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(f)
			out := f.inj.Run(targetPID)
			if out.Final != Aborted {
				t.Fatalf("Final = %v, want Aborted", out.Final)
			}
			if out.Step != tt.step || out.Reached != tt.reached {
				t.Errorf("Step/Reached = %v/%v, want %v/%v", out.Step, out.Reached, tt.step, tt.reached)
			}
			if out.Reason != tt.reason {
				t.Errorf("Reason = %q, want %q", out.Reason, tt.reason)
			}
			if tt.kind != 0 && !remote.IsKind(out.Err, tt.kind) {
				t.Errorf("Err = %v, want kind %v", out.Err, tt.kind)
			}
			if out.Fatal {
				t.Error("per-attempt failure marked fatal")
			}
		})
	}
}

func TestRunIdleFailureIsTolerated(t *testing.T) {
	f := newFixture(t)
	f.proc.IdleErr = errors.New("not a GUI process")
	if out := f.inj.Run(targetPID); out.Final != Detached {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestRunAlreadyPatched(t *testing.T) {
	f := newFixture(t)
	f.proc.AddModule(remotetest.Module{Base: 0x180000000, Path: filepath.Join(f.plugins, "fps_unlock.dll")})

	if err := f.inj.RunLoader(targetPID); err != nil {
		t.Fatalf("RunLoader: %v", err)
	}
	if f.proc.Allocations() != 0 || f.proc.Writes() != 0 || len(f.proc.Threads()) != 0 {
		t.Fatalf("touched target memory: allocs=%d writes=%d threads=%d",
			f.proc.Allocations(), f.proc.Writes(), len(f.proc.Threads()))
	}
	if len(f.ledger.rows) != 1 {
		t.Fatalf("ledger = %+v", f.ledger.rows)
	}
	row := f.ledger.rows[0]
	if row.Final != "Aborted" || row.Reached != "WaitedIdle" || row.Reason != "already patched" {
		t.Errorf("ledger row = %+v", row)
	}
	if len(f.notes.notes) != 1 || f.notes.notes[0].level != "info" {
		t.Errorf("notes = %+v, want one informational notice", f.notes.notes)
	}
}

func TestAlreadyPatchedNoticeWithoutImage(t *testing.T) {
	f := newFixture(t)
	f.proc.AddModule(remotetest.Module{Base: 0x180000000, Path: filepath.Join(f.plugins, "fps_unlock.dll")})
	f.inj.ImagePath = func(uint32) (string, error) { return "", errors.New("process exited") }

	if err := f.inj.RunLoader(targetPID); err != nil {
		t.Fatalf("RunLoader: %v", err)
	}
	want := "Process with PID 4242 is already patched, skipping injection."
	if len(f.notes.notes) != 1 || f.notes.notes[0].msg != want {
		t.Fatalf("notes = %+v, want %q", f.notes.notes, want)
	}
}

func TestRunLoaderReportsAndContinues(t *testing.T) {
	f := newFixture(t)
	f.proc.AllocErr = errors.New("not enough memory")
	if err := f.inj.RunLoader(targetPID); err != nil {
		t.Fatalf("RunLoader returned %v for a per-attempt failure", err)
	}
	if len(f.notes.notes) != 1 || f.notes.notes[0].level != "warn" {
		t.Errorf("notes = %+v", f.notes.notes)
	}
	if len(f.events.events) != 1 || f.events.events[0].State != "Aborted" || f.events.events[0].Image != gameImage {
		t.Errorf("events = %+v", f.events.events)
	}

	// The next process is injected normally.
	f.proc = &remotetest.Process{PID: targetPID + 1, ThreadExit: 1}
	f.proc.OnThread = func(p *remotetest.Process, call remotetest.ThreadCall) {
		if call.Entry == loadLibrary {
			p.AddModule(remotetest.Module{Base: loaderBase, Path: f.loader})
		}
	}
	if err := f.inj.RunLoader(targetPID + 1); err != nil {
		t.Fatalf("second RunLoader: %v", err)
	}
	if len(f.ledger.rows) != 2 || f.ledger.rows[1].Final != "Detached" {
		t.Fatalf("ledger = %+v", f.ledger.rows)
	}
	if f.inj.Metrics.LastInjection().IsZero() {
		t.Error("successful attempt not reflected in metrics")
	}
}

func TestRunLoaderDisabled(t *testing.T) {
	f := newFixture(t)
	f.cfg.Enabled = false
	if err := f.inj.RunLoader(targetPID); err != nil {
		t.Fatalf("RunLoader: %v", err)
	}
	if f.opens != 0 || len(f.ledger.rows) != 0 || len(f.events.events) != 0 {
		t.Fatalf("disabled injection did work: opens=%d ledger=%d events=%d",
			f.opens, len(f.ledger.rows), len(f.events.events))
	}
}

func TestRunLoaderIntegrityIsFatal(t *testing.T) {
	f := newFixture(t)
	if err := os.WriteFile(f.loader, []byte("swapped"), 0o644); err != nil {
		t.Fatal(err)
	}
	err := f.inj.RunLoader(targetPID)
	if !errors.Is(err, loaderpe.ErrIntegrity) {
		t.Fatalf("RunLoader = %v, want ErrIntegrity", err)
	}
	if f.proc.Writes() != 0 {
		t.Fatal("wrote into the target with a tampered loader")
	}
	for _, n := range f.notes.notes {
		if n.level == "warn" {
			t.Errorf("fatal failure surfaced as a warning: %+v", n)
		}
	}
}

func TestRunLoaderListsPlugins(t *testing.T) {
	f := newFixture(t)
	f.inj.PluginsDir = f.plugins
	f.cfg.DisabledPlugins = []string{"noclip"}
	for _, name := range []string{"noclip.dll", "camera.dll"} {
		if err := os.WriteFile(filepath.Join(f.plugins, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.inj.RunLoader(targetPID); err != nil {
		t.Fatalf("RunLoader: %v", err)
	}
	found := false
	for _, e := range f.logs.AllEntries() {
		if e.Message == "1 of 2 plugins enabled" {
			found = true
		}
	}
	if !found {
		t.Error("plugin summary not logged")
	}
}

func TestPayloadLayout(t *testing.T) {
	b := Payload{AuthCode: 0x0102030405060708, LogLevel: LevelTrace, ShowTarget: true}.Bytes()
	want := []byte{8, 7, 6, 5, 4, 3, 2, 1, 5, 1, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(b, want) {
		t.Fatalf("Bytes = %v, want %v", b, want)
	}
	if _, ok := DecodePayload(b[:10]); ok {
		t.Fatal("short payload decoded")
	}
}

func TestParseLogLevel(t *testing.T) {
	for in, want := range map[string]LogLevel{
		"off": LevelOff, "ERROR": LevelError, "warn": LevelWarn,
		"info": LevelInfo, "debug": LevelDebug, "trace": LevelTrace, "bogus": LevelInfo,
	} {
		if got := ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestStateTerminal(t *testing.T) {
	for s := Idle; s <= Aborted; s++ {
		_, hasStep := machine[s]
		if s.Terminal() == hasStep {
			t.Errorf("%v: terminal=%v but transition defined=%v", s, s.Terminal(), hasStep)
		}
	}
}
