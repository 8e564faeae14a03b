// Package inject sequences one injection attempt as an explicit state
// machine: open, wait idle, dirty check, write the loader path, load it,
// locate it, write the init payload and call the init export.
//
// An attempt that fails at any step ends in Aborted and is reported; only a
// loader integrity failure is returned to the caller.
package inject

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"MedusaLoader/internal/config"
	"MedusaLoader/internal/loaderpe"
	"MedusaLoader/internal/notify"
	"MedusaLoader/internal/plugins"
	"MedusaLoader/internal/remote"
	"MedusaLoader/internal/retry"
	"MedusaLoader/internal/session"
	"MedusaLoader/internal/store"
	"MedusaLoader/internal/telemetry"
)

// TaintChecker decides whether a process was injected before.
type TaintChecker interface {
	IsDirty(p remote.Process, loaderPath string) (bool, error)
}

// Ledger persists attempt outcomes.
type Ledger interface {
	RecordAttempt(ctx context.Context, a store.Attempt) (int64, error)
}

// Options shape the payload and the end of an attempt.
type Options struct {
	// WaitInit blocks until the init thread returned instead of detaching.
	WaitInit   bool
	LogLevel   LogLevel
	ShowTarget bool
}

// Injector runs attempts against target processes. Open, Loader, Taint and
// Session are required; the reporting fields may be left nil.
type Injector struct {
	Config  config.Provider
	Open    remote.Opener
	Loader  *loaderpe.Module
	Taint   TaintChecker
	Session *session.Session
	// LoadLibrary is the LoadLibraryW entry point in the target.
	LoadLibrary remote.Address
	Options     Options
	Policy      retry.Policy

	Notifier notify.Notifier
	Ledger   Ledger
	Events   telemetry.Publisher
	Metrics  *telemetry.Metrics
	// ImagePath labels ledger rows and events.
	ImagePath func(pid uint32) (string, error)
	// PluginsDir is listed before each attempt.
	PluginsDir string
	Log        *logrus.Entry

	newID func() string
	now   func() time.Time
}

// Outcome is the result of one attempt.
type Outcome struct {
	ID  string
	PID uint32
	// Reached is the last state the attempt entered.
	Reached State
	// Step is the state whose transition aborted, or Final.
	Step  State
	Final State
	// Reason is the short, user-facing cause of an abort.
	Reason string
	Err    error
	// Fatal is set when the program cannot go on injecting.
	Fatal   bool
	Elapsed time.Duration
}

// OK reports whether the init thread was started.
func (o Outcome) OK() bool { return o.Final != Aborted }

// RunLoader injects into pid unless injection is disabled. Per-attempt
// failures are reported and swallowed; the returned error is non-nil only
// when the loader module failed its integrity check.
func (in *Injector) RunLoader(pid uint32) error {
	log := in.logger().WithField("pid", pid)
	if in.Config != nil && !in.Config.InjectionEnabled() {
		log.Info("injection disabled, skipping")
		return nil
	}
	in.listPlugins(log)

	if o := in.Inject(pid); o.Fatal {
		return o.Err
	}
	return nil
}

// Inject runs one attempt and reports its outcome.
func (in *Injector) Inject(pid uint32) Outcome {
	o := in.Run(pid)
	in.report(o)
	return o
}

// Run drives one attempt to a terminal state. It never reports.
func (in *Injector) Run(pid uint32) Outcome {
	start := in.clock()
	a := &Attempt{ID: in.id(), PID: pid, State: Idle}
	defer a.close()
	log := in.logger().WithFields(logrus.Fields{"pid": pid, "attempt": a.ID})

	out := Outcome{ID: a.ID, PID: pid}
	for !a.State.Terminal() {
		st, ok := machine[a.State]
		if !ok {
			panic("inject: no transition from " + a.State.String())
		}
		next, err := st.run(in, a, log)
		if err != nil {
			out.Reached, out.Step, out.Final = a.State, st.to, Aborted
			var ab *abort
			if errors.As(err, &ab) {
				out.Reason, out.Err, out.Fatal = ab.reason, ab.err, ab.fatal
			} else {
				out.Reason, out.Err = err.Error(), err
			}
			a.State = Aborted
			break
		}
		log.WithField("state", next).Debug("transition")
		a.State = next
	}
	if a.State != Aborted {
		out.Reached, out.Step, out.Final = a.State, a.State, a.State
	}
	out.Elapsed = in.clock().Sub(start)
	return out
}

func (in *Injector) report(o Outcome) {
	log := in.logger().WithFields(logrus.Fields{"pid": o.PID, "attempt": o.ID, "state": o.Step})
	image := ""
	if in.ImagePath != nil {
		image, _ = in.ImagePath(o.PID)
	}

	switch {
	case o.OK():
		log.WithField("elapsed", o.Elapsed).Infof("injection finished in state %s", o.Final)
	case o.Fatal:
		log.WithError(o.Err).Error(o.Reason)
	case o.Err == nil:
		log.Warn(o.Reason)
		if in.Notifier != nil {
			label := image
			if label == "" {
				label = fmt.Sprintf("with PID %d", o.PID)
			}
			in.Notifier.Info("Medusa Loader", "Process "+label+" is "+o.Reason+", skipping injection.")
		}
	default:
		log.WithError(o.Err).Warn(o.Reason)
		if in.Notifier != nil {
			in.Notifier.Warn("Medusa Loader", hint(o))
		}
	}

	if in.Ledger != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err := in.Ledger.RecordAttempt(ctx, store.Attempt{
			AttemptID: o.ID,
			Image:     image,
			PID:       o.PID,
			Reached:   o.Reached.String(),
			Final:     o.Final.String(),
			Reason:    o.Reason,
		})
		cancel()
		if err != nil {
			log.Warnf("record attempt: %v", err)
		}
	}
	if in.Events != nil {
		in.Events.Publish(telemetry.Event{
			Type:      telemetry.EvtAttempt,
			ProcessID: o.PID,
			Attempt:   o.ID,
			Image:     image,
			Reached:   o.Reached.String(),
			State:     o.Final.String(),
			Reason:    o.Reason,
		})
	}
	in.Metrics.ObserveAttempt(o.Final.String(), o.OK(), in.clock())
}

func hint(o Outcome) string {
	msg := "Injection failed: " + o.Reason + "."
	switch o.Step {
	case Opened:
		msg += " Try running the loader as administrator."
	case ModuleLocated:
		msg += " Check that the loader module sits next to the executable."
	}
	return msg
}

func (in *Injector) listPlugins(log *logrus.Entry) {
	if in.PluginsDir == "" {
		return
	}
	var disabled []string
	if in.Config != nil {
		disabled = in.Config.DisabledPluginNames()
	}
	all, err := plugins.Scan(in.PluginsDir, disabled)
	if err != nil {
		log.Debugf("list plugins: %v", err)
		return
	}
	enabled := plugins.Enabled(all)
	log.Infof("%d of %d plugins enabled", len(enabled), len(all))
	for _, p := range enabled {
		log.WithField("module", p.Name).Debugf("plugin %s (%s)", p.Path, humanize.IBytes(uint64(p.Size)))
	}
}

func (in *Injector) logger() *logrus.Entry {
	if in.Log == nil {
		return logrus.WithField("component", "inject")
	}
	return in.Log
}

func (in *Injector) id() string {
	if in.newID != nil {
		return in.newID()
	}
	return uuid.NewString()
}

func (in *Injector) clock() time.Time {
	if in.now != nil {
		return in.now()
	}
	return time.Now()
}
