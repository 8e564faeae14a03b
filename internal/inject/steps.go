package inject

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"MedusaLoader/internal/remote"
)

// Attempt carries what the steps of one injection hand to each other.
type Attempt struct {
	ID    string
	PID   uint32
	State State

	proc    remote.Process
	path    *remote.Allocation
	loader  *remote.Thread
	base    remote.Address
	payload *remote.Allocation
	init    *remote.Thread
}

// close drops the local view of the attempt. Allocations and threads stay
// with the target.
func (a *Attempt) close() {
	for _, alloc := range []*remote.Allocation{a.path, a.payload} {
		if alloc != nil {
			alloc.Release()
		}
	}
	for _, th := range []*remote.Thread{a.loader, a.init} {
		if th != nil {
			th.Close()
		}
	}
	if a.proc != nil {
		_ = a.proc.Close()
	}
}

type abort struct {
	reason string
	err    error
	fatal  bool
}

func (a *abort) Error() string {
	if a.err == nil {
		return a.reason
	}
	return fmt.Sprintf("%s: %v", a.reason, a.err)
}

func (a *abort) Unwrap() error { return a.err }

func fail(reason string, err error) error { return &abort{reason: reason, err: err} }

type step struct {
	// to is the state the step enters on success.
	to  State
	run func(in *Injector, a *Attempt, log *logrus.Entry) (State, error)
}

var machine = map[State]step{
	Idle:                  {Opened, (*Injector).open},
	Opened:                {WaitedIdle, (*Injector).waitIdle},
	WaitedIdle:            {DirtyChecked, (*Injector).checkDirty},
	DirtyChecked:          {PathWritten, (*Injector).writePath},
	PathWritten:           {LoaderThreadStarted, (*Injector).startLoader},
	LoaderThreadStarted:   {LoaderThreadCompleted, (*Injector).awaitLoader},
	LoaderThreadCompleted: {ModuleLocated, (*Injector).locateModule},
	ModuleLocated:         {PayloadWritten, (*Injector).writePayload},
	PayloadWritten:        {InitThreadStarted, (*Injector).startInit},
	InitThreadStarted:     {InitThreadCompleted, (*Injector).finish},
}

func (in *Injector) open(a *Attempt, _ *logrus.Entry) (State, error) {
	p, err := in.Open(a.PID)
	if err != nil {
		return Aborted, fail("cannot open process", err)
	}
	a.proc = p
	return Opened, nil
}

// waitIdle tolerates a failed wait as long as the target is still running.
func (in *Injector) waitIdle(a *Attempt, log *logrus.Entry) (State, error) {
	if err := a.proc.WaitInputIdle(); err != nil {
		if !a.proc.Alive() {
			return Aborted, fail("process exited", err)
		}
		log.Warnf("wait for input idle: %v", err)
	}
	return WaitedIdle, nil
}

func (in *Injector) checkDirty(a *Attempt, _ *logrus.Entry) (State, error) {
	dirty, err := in.Taint.IsDirty(a.proc, in.Loader.Path)
	if err != nil {
		return Aborted, fail("dirty check failed", err)
	}
	if dirty {
		return Aborted, &abort{reason: "already patched"}
	}
	return DirtyChecked, nil
}

func (in *Injector) writePath(a *Attempt, log *logrus.Entry) (State, error) {
	if err := in.Loader.Verify(); err != nil {
		return Aborted, &abort{reason: "loader integrity check failed", err: err, fatal: true}
	}
	alloc, err := remote.WriteIn(a.proc, remote.EncodeWidePath(in.Loader.Path), 2)
	if err != nil {
		return Aborted, fail("cannot write loader path", err)
	}
	a.path = alloc
	log.WithField("addr", alloc.Base).Debugf("loader path written (%s)", humanize.IBytes(uint64(alloc.Size)))
	return PathWritten, nil
}

func (in *Injector) startLoader(a *Attempt, _ *logrus.Entry) (State, error) {
	th, err := remote.StartThread(a.proc, in.LoadLibrary, a.path.Base)
	if err != nil {
		return Aborted, fail("cannot start loader thread", err)
	}
	a.loader = th
	return LoaderThreadStarted, nil
}

func (in *Injector) awaitLoader(a *Attempt, log *logrus.Entry) (State, error) {
	if err := a.loader.Wait(); err != nil {
		return Aborted, fail("loader thread did not finish", err)
	}
	// The exit code is the low half of the HMODULE, so zero is not proof
	// of failure. The module lookup that follows decides.
	if code, err := a.loader.ExitCode(); err == nil && code == 0 {
		log.Warn("LoadLibraryW returned zero, looking for the module anyway")
	}
	return LoaderThreadCompleted, nil
}

func (in *Injector) locateModule(a *Attempt, log *logrus.Entry) (State, error) {
	base, err := remote.FindModule(a.proc, in.Policy, in.Loader.Path)
	if err != nil {
		return Aborted, fail("loader module not found after load", err)
	}
	image, err := a.proc.IsImage(base)
	if err == nil && !image {
		err = errors.Errorf("%v is not a committed image mapping", base)
	}
	if err != nil {
		return Aborted, fail("loader module not found after load", err)
	}
	a.base = base
	log.WithField("addr", base).Debug("loader module located")
	return ModuleLocated, nil
}

func (in *Injector) writePayload(a *Attempt, _ *logrus.Entry) (State, error) {
	in.Session.SetTarget(a.PID)
	p := Payload{
		AuthCode:   in.Session.Rotate(),
		LogLevel:   in.Options.LogLevel,
		ShowTarget: in.Options.ShowTarget,
	}
	alloc, err := remote.WriteIn(a.proc, p.Bytes(), PayloadAlign)
	if err != nil {
		return Aborted, fail("cannot write init payload", err)
	}
	a.payload = alloc
	return PayloadWritten, nil
}

func (in *Injector) startInit(a *Attempt, log *logrus.Entry) (State, error) {
	entry := in.Loader.EntryAt(a.base)
	th, err := remote.StartThread(a.proc, entry, a.payload.Base)
	if err != nil {
		return Aborted, fail("cannot start init thread", err)
	}
	a.init = th
	log.WithField("addr", entry).Debugf("%s started", in.Loader.Export)
	return InitThreadStarted, nil
}

// finish waits for the init export to return when asked to. The wait is
// unbounded: the loaded plugins may take as long as they need.
func (in *Injector) finish(a *Attempt, log *logrus.Entry) (State, error) {
	if !in.Options.WaitInit {
		return Detached, nil
	}
	if err := a.init.Wait(); err != nil {
		return Aborted, fail("init thread did not finish", err)
	}
	if code, err := a.init.ExitCode(); err == nil {
		log.Debugf("%s returned %d", in.Loader.Export, code)
	}
	return InitThreadCompleted, nil
}
