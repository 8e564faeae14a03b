// Command medusa-monitor collects telemetry from loaders pointed at it with
// monitor_url and logs a per-image summary.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"MedusaLoader/internal/logging"
	"MedusaLoader/internal/monitor"
)

var (
	rootCmd = &cobra.Command{
		Use:          "medusa-monitor",
		Short:        "Receive and summarise Medusa Loader telemetry",
		SilenceUsage: true,
		RunE:         run,
	}

	addrFlag     string
	pathFlag     string
	bufferFlag   int
	logLevelFlag string
)

func init() {
	rootCmd.Flags().StringVarP(&addrFlag, "addr", "a", "127.0.0.1:8080", "listen address")
	rootCmd.Flags().StringVar(&pathFlag, "path", "/ws", "websocket path")
	rootCmd.Flags().IntVar(&bufferFlag, "buffer", 1024, "event queue length")
	rootCmd.Flags().StringVar(&logLevelFlag, "log-level", "info", "off, error, warn, info, debug, trace")
}

func run(cmd *cobra.Command, args []string) error {
	if err := logging.Setup(logLevelFlag, os.Stderr); err != nil {
		return err
	}

	srv := monitor.NewServer(addrFlag, pathFlag, bufferFlag)
	if err := srv.Start(); err != nil {
		return err
	}
	logrus.Infof("listening on ws://%s%s", srv.ListenAddr(), pathFlag)

	tracker := monitor.NewTracker(srv.Recv)
	go tracker.Start()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	select {
	case <-ctx.Done():
	case <-srv.Done():
	}
	_ = srv.Close()

	for _, t := range tracker.Tallies() {
		logrus.WithField("image", t.Image).Infof("%d injected, %d failed, last %s",
			t.Success, t.Failures, humanize.Time(t.Last.Time()))
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}
