package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"MedusaLoader/internal/ipc"
	"MedusaLoader/internal/session"
	"MedusaLoader/internal/telemetry"
)

var (
	injectCmd = &cobra.Command{
		Use:   "inject",
		Short: "Inject once into a running process and wait for init",
		RunE:  runInject,
	}

	injectPID uint32
)

func init() {
	injectCmd.Flags().Uint32VarP(&injectPID, "pid", "p", 0, "target process id")
	_ = injectCmd.MarkFlagRequired("pid")
}

func runInject(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	if injectPID == 0 {
		return errors.New("--pid must be a process id")
	}
	if !a.cfg.InjectionEnabled() {
		logrus.Warn("injection is disabled in the configuration, injecting anyway because --pid was given")
	}

	ledger := a.openLedger()
	if ledger != nil {
		defer ledger.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess := session.New()
	// The pipe is optional here: the module logs locally when it is taken.
	var ipcDone <-chan struct{}
	if ln, err := ipc.Listen(a.cfg.PipeName); err != nil {
		logrus.Warnf("log pipe unavailable: %v", err)
	} else {
		ipcDone = serveIPC(ctx, ln, sess, telemetry.Discard, nil)
	}

	inj, err := a.newInjector(injectorDeps{session: sess, ledger: ledger, events: telemetry.Discard})
	if err != nil {
		return err
	}
	inj.Options.WaitInit = true

	o := inj.Inject(injectPID)
	cancel()
	if ipcDone != nil {
		<-ipcDone
	}

	fmt.Fprintf(cmd.OutOrStdout(), "attempt %s: %s after %s\n", o.ID, o.Final, o.Elapsed.Round(time.Millisecond))
	switch {
	case o.OK():
	case o.Err == nil:
		return errors.Errorf("%s (at %s)", o.Reason, o.Step)
	default:
		return errors.Wrapf(o.Err, "%s (at %s)", o.Reason, o.Step)
	}
	return nil
}
