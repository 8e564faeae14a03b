package main

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"MedusaLoader/internal/config"
	"MedusaLoader/internal/dirty"
	"MedusaLoader/internal/inject"
	"MedusaLoader/internal/loaderpe"
	"MedusaLoader/internal/logging"
	"MedusaLoader/internal/notify"
	"MedusaLoader/internal/plugins"
	"MedusaLoader/internal/remote"
	"MedusaLoader/internal/retry"
	"MedusaLoader/internal/session"
	"MedusaLoader/internal/store"
	"MedusaLoader/internal/telemetry"
	"MedusaLoader/internal/watcher"
)

const title = "Medusa Loader"

type app struct {
	cfg      *config.Config
	notifier notify.Notifier
}

// loadApp reads the configuration and sets up logging.
func loadApp() (*app, error) {
	base := "."
	if exe, err := os.Executable(); err == nil {
		base = filepath.Dir(exe)
	}
	path := configFlag
	if path == "" {
		path = filepath.Join(base, config.FileName)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if logLevelFlag != "" {
		cfg.LogLevel = logLevelFlag
	}
	cfg.Resolve(base)
	if err := logging.Setup(cfg.LogLevel, os.Stderr); err != nil {
		return nil, err
	}
	return &app{cfg: cfg, notifier: notify.System()}, nil
}

// fatal shows err to the user and returns it for cobra.
func (a *app) fatal(msg string, err error) error {
	a.notifier.Fatal(title, msg+"\n\n"+err.Error())
	return errors.Wrap(err, msg)
}

// openLedger is best effort: without it attempts are only logged.
func (a *app) openLedger() *store.DB {
	db, err := store.Open(a.cfg.DBPath)
	if err != nil {
		logrus.Warnf("attempt history unavailable: %v", err)
		return nil
	}
	return db
}

type injectorDeps struct {
	session *session.Session
	ledger  *store.DB
	events  telemetry.Publisher
	metrics *telemetry.Metrics
}

// newInjector resolves everything an injection needs once. Its errors are
// setup failures.
func (a *app) newInjector(d injectorDeps) (*inject.Injector, error) {
	dir, created, err := plugins.ResolveDir(a.cfg.PluginsDir)
	if err != nil {
		return nil, a.fatal("Cannot resolve the plugins folder.", err)
	}
	if created {
		a.notifier.Info(title, "Created an empty plugins folder at "+dir+".")
	}

	loader, err := loaderpe.Resolve(a.cfg.LoaderPath, a.cfg.InitExport, a.cfg.LoaderDigest)
	if err != nil {
		return nil, a.fatal("The loader module is missing or damaged. Reinstall Medusa.", err)
	}
	if a.cfg.LoaderDigest == "" {
		logrus.WithField("module", loader.Path).Warnf("loader_digest not set, pinned %s for this run", loader.DigestHex())
	}
	loadLibrary, err := remote.LoadLibraryEntry()
	if err != nil {
		return nil, a.fatal("Cannot resolve LoadLibraryW.", err)
	}

	inj := &inject.Injector{
		Config:      a.cfg,
		Open:        remote.Open,
		Loader:      loader,
		Taint:       dirty.New(dir),
		Session:     d.session,
		LoadLibrary: loadLibrary,
		Options: inject.Options{
			WaitInit:   a.cfg.WaitInit,
			LogLevel:   inject.ParseLogLevel(a.cfg.LogLevel),
			ShowTarget: a.cfg.ShowTarget,
		},
		Policy:     retry.Default(),
		Notifier:   a.notifier,
		Events:     d.events,
		Metrics:    d.metrics,
		ImagePath:  watcher.NewSystemSource().ImagePath,
		PluginsDir: dir,
		Log:        logrus.WithField("component", "inject"),
	}
	if d.ledger != nil {
		inj.Ledger = d.ledger
	}
	return inj, nil
}
