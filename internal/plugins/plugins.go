// Package plugins resolves the plugins folder and applies the disabled list.
package plugins

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Plugin is one module found in the plugins folder.
type Plugin struct {
	Name    string
	Path    string
	Size    int64
	Enabled bool
}

// ResolveDir returns the absolute plugins folder, creating it when missing.
func ResolveDir(path string) (dir string, created bool, err error) {
	dir, err = filepath.Abs(path)
	if err != nil {
		return "", false, errors.Wrapf(err, "resolve %s", path)
	}
	fi, err := os.Stat(dir)
	switch {
	case err == nil && fi.IsDir():
		return dir, false, nil
	case err == nil:
		return "", false, errors.Errorf("%s is not a directory", dir)
	case !errors.Is(err, os.ErrNotExist):
		return "", false, errors.Wrapf(err, "stat %s", dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", false, errors.Wrapf(err, "create %s", dir)
	}
	return dir, true, nil
}

// Scan lists the *.dll files of dir sorted by name. A plugin is disabled
// when its name without extension appears in disabled, ignoring case.
func Scan(dir string, disabled []string) ([]Plugin, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", dir)
	}
	off := make(map[string]struct{}, len(disabled))
	for _, d := range disabled {
		off[normalize(d)] = struct{}{}
	}

	var out []Plugin
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".dll") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		name := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		_, isOff := off[normalize(name)]
		out = append(out, Plugin{
			Name:    name,
			Path:    filepath.Join(dir, e.Name()),
			Size:    info.Size(),
			Enabled: !isOff,
		})
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name) })
	return out, nil
}

// Enabled filters plugins down to the enabled ones.
func Enabled(all []Plugin) []Plugin {
	var out []Plugin
	for _, p := range all {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

func normalize(name string) string {
	name = strings.TrimSpace(name)
	if strings.EqualFold(filepath.Ext(name), ".dll") {
		name = strings.TrimSuffix(name, filepath.Ext(name))
	}
	return strings.ToLower(name)
}
