// Package dirty decides whether a target process already carries modules
// from the plugins folder, i.e. whether it has been injected before.
package dirty

import (
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"MedusaLoader/internal/remote"
	"MedusaLoader/internal/retry"
)

// Identity names a directory independently of how its path is spelled.
type Identity struct {
	Volume uint64
	File   uint64
}

// Checker runs the dirty check for one plugins directory.
type Checker struct {
	PluginsDir string
	// Identify defaults to the platform Identify.
	Identify func(path string) (Identity, error)
	Policy   retry.Policy
	Log      *logrus.Entry
}

// New returns a Checker using the platform identity lookup.
func New(pluginsDir string) *Checker {
	return &Checker{
		PluginsDir: pluginsDir,
		Identify:   Identify,
		Policy:     retry.Default(),
		Log:        logrus.WithField("component", "dirty"),
	}
}

// IsDirty reports whether p has loaderPath loaded, or any module whose
// parent directory is the plugins directory.
//
// Failing to identify the plugins directory is an error. A module whose path
// or parent directory cannot be resolved is skipped.
func (c *Checker) IsDirty(p remote.Process, loaderPath string) (bool, error) {
	identify := c.Identify
	if identify == nil {
		identify = Identify
	}
	log := c.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	plugins, err := identify(c.PluginsDir)
	if err != nil {
		return false, errors.Wrapf(err, "identify plugins directory %s", c.PluginsDir)
	}

	cache := map[string]Identity{}
	dirty := false
	err = remote.EnumerateModules(p, c.Policy, func(m remote.Address) (bool, error) {
		path, err := p.ModulePath(m)
		if err != nil {
			log.WithField("module", m).Debugf("skipping module: %v", err)
			return true, nil
		}
		if strings.EqualFold(path, loaderPath) {
			log.WithField("module", path).Debug("loader already present")
			dirty = true
			return false, nil
		}

		parent := filepath.Dir(path)
		id, ok := cache[parent]
		if !ok {
			id, err = identify(parent)
			if err != nil {
				log.WithField("module", path).Debugf("cannot identify parent directory: %v", err)
				return true, nil
			}
			cache[parent] = id
		}
		if id == plugins {
			log.WithField("module", path).Debug("plugin module present")
			dirty = true
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return dirty, nil
}
