package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"MedusaLoader/internal/instance"
	"MedusaLoader/internal/ipc"
	"MedusaLoader/internal/loaderpe"
	"MedusaLoader/internal/session"
	"MedusaLoader/internal/telemetry"
	"MedusaLoader/internal/watcher"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Wait for a target process and inject into it",
	RunE:  runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	cfg := a.cfg
	if err := cfg.Validate(); err != nil {
		return a.fatal("The configuration is invalid.", err)
	}

	lock, err := instance.Acquire(cfg.InstanceName)
	if err != nil {
		if errors.Is(err, instance.ErrAlreadyRunning) {
			return a.fatal("Medusa Loader is already running.", err)
		}
		return a.fatal("Cannot create the instance lock.", err)
	}
	defer lock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := telemetry.NewMetrics()
	if cfg.MetricsAddr != "" {
		go func() {
			if err := telemetry.Serve(ctx, cfg.MetricsAddr, metrics); err != nil {
				logrus.Warnf("metrics endpoint: %v", err)
			}
		}()
	}
	var events telemetry.Publisher = telemetry.Discard
	if cfg.MonitorURL != "" {
		fwd := telemetry.NewForwarder(cfg.MonitorURL)
		defer fwd.Close()
		events = fwd
	}

	ledger := a.openLedger()
	if ledger != nil {
		defer ledger.Close()
	}

	sess := session.New()
	inj, err := a.newInjector(injectorDeps{session: sess, ledger: ledger, events: events, metrics: metrics})
	if err != nil {
		return err
	}
	ln, err := ipc.Listen(cfg.PipeName)
	if err != nil {
		return a.fatal("Cannot open the log pipe "+ipc.PipePath(cfg.PipeName)+".", err)
	}
	ipcDone := serveIPC(ctx, ln, sess, events, metrics)

	w := watcher.New(watcher.Options{
		Targets:         cfg.Targets,
		PollingInterval: cfg.PollingInterval,
		Timeout:         cfg.Timeout,
		Oneshot:         cfg.Oneshot,
		Log:             logrus.WithField("component", "watcher"),
	})
	fatal := make(chan error, 1)
	waiter, token := w.Run(func(ev watcher.Event) {
		log := logrus.WithFields(logrus.Fields{"pid": ev.PID, "event": ev.Kind})
		switch ev.Kind {
		case watcher.Timeout:
			log.Warn("no target process appeared in time")
			events.Publish(telemetry.Event{Type: telemetry.EvtTimeout})
			a.notifier.Info(title, "Process not found. Start the game before the timeout runs out.")
		case watcher.Matched:
			log.WithField("image", ev.Image).Info("target process started")
			metrics.ObserveMatch()
			events.Publish(telemetry.Event{Type: telemetry.EvtMatch, ProcessID: ev.PID, Image: ev.Image})
			if err := inj.RunLoader(ev.PID); err != nil {
				select {
				case fatal <- err:
				default:
				}
			}
		}
	})
	logrus.WithField("targets", len(cfg.Targets)).Infof("watching every %s", cfg.PollingInterval)

	finished := make(chan struct{})
	go func() { waiter.Wait(); close(finished) }()

	select {
	case <-ctx.Done():
		logrus.Info("interrupted, shutting down")
	case err = <-fatal:
	case <-finished:
	}
	token.Stop()
	<-finished
	stop()
	<-ipcDone

	if err != nil {
		if errors.Is(err, loaderpe.ErrIntegrity) {
			return a.fatal("The loader module changed on disk. Reinstall Medusa.", err)
		}
		return err
	}
	return nil
}

// serveIPC forwards authenticated log records until ctx is done. The
// returned channel closes once the listener is shut.
func serveIPC(ctx context.Context, ln net.Listener, sess *session.Session, events telemetry.Publisher, metrics *telemetry.Metrics) <-chan struct{} {
	log := logrus.WithField("component", "remote")
	check := ipc.SessionAuth(sess)
	auth := func(cred ipc.Auth) bool {
		ok := check(cred)
		metrics.ObserveAuth(ok)
		events.Publish(telemetry.Event{Type: telemetry.EvtAuth, ProcessID: cred.PID, OK: telemetry.Bool(ok)})
		if !ok {
			logrus.WithField("pid", cred.PID).Warn("rejected log connection")
		}
		return ok
	}
	records := func(rec ipc.Record) {
		metrics.ObserveRecord()
		ipc.ForwardRecord(log, rec)
		events.Publish(telemetry.Event{Type: telemetry.EvtRemoteLog, Level: rec.Level, Message: rec.Message()})
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		err := ipc.NewServer(ln).RecvAll(ctx, records, auth)
		if err != nil && !errors.Is(err, context.Canceled) {
			logrus.Warnf("log pipe stopped: %v", err)
		}
	}()
	return done
}
