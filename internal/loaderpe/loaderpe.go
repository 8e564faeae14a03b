// Package loaderpe resolves the loader module's init export once at startup
// and pins the file's digest so a swapped or tampered loader is refused.
//
// Module.EntryAt is the only way the rest of the program obtains a remote
// entry point inside the loader.
package loaderpe

import (
	"bytes"
	"crypto/subtle"
	"encoding/hex"
	"os"
	"strings"

	"github.com/Binject/debug/pe"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"

	"MedusaLoader/internal/remote"
)

var (
	// ErrIntegrity means the loader on disk no longer matches its pin.
	ErrIntegrity = errors.New("loader module integrity check failed")
	// ErrExportNotFound means the init export is missing from the loader.
	ErrExportNotFound = errors.New("init export not found")
)

// Export is one named entry of a PE export table.
type Export struct {
	Name string
	RVA  uint32
}

// readExports is replaced in tests.
var readExports = peExports

// Module is a verified loader image and the RVA of its init export.
type Module struct {
	Path   string
	Export string
	RVA    uint32
	Digest [blake2b.Size256]byte
}

// Resolve reads the loader at path, checks it against expectedDigest (hex
// blake2b-256, empty to pin whatever is on disk now) and looks up export.
func Resolve(path, export, expectedDigest string) (*Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read loader module")
	}
	sum := blake2b.Sum256(data)

	if expectedDigest != "" {
		want, err := hex.DecodeString(strings.TrimSpace(expectedDigest))
		if err != nil || len(want) != blake2b.Size256 {
			return nil, errors.Errorf("malformed loader digest %q", expectedDigest)
		}
		if subtle.ConstantTimeCompare(want, sum[:]) != 1 {
			return nil, errors.Wrapf(ErrIntegrity, "%s has digest %x", path, sum)
		}
	}

	exports, err := readExports(data)
	if err != nil {
		return nil, errors.Wrapf(err, "parse exports of %s", path)
	}
	for _, e := range exports {
		if e.Name == export {
			if e.RVA == 0 {
				break
			}
			return &Module{Path: path, Export: export, RVA: e.RVA, Digest: sum}, nil
		}
	}
	return nil, errors.Wrapf(ErrExportNotFound, "%s in %s", export, path)
}

// Verify rehashes the loader on disk against the pinned digest.
func (m *Module) Verify() error {
	data, err := os.ReadFile(m.Path)
	if err != nil {
		return errors.Wrapf(ErrIntegrity, "read %s: %v", m.Path, err)
	}
	sum := blake2b.Sum256(data)
	if subtle.ConstantTimeCompare(sum[:], m.Digest[:]) != 1 {
		return errors.Wrapf(ErrIntegrity, "%s changed on disk", m.Path)
	}
	return nil
}

// EntryAt is the init entry point for a loader mapped at base.
func (m *Module) EntryAt(base remote.Address) remote.Address {
	return base + remote.Address(m.RVA)
}

// DigestHex is the pinned digest as printed in the configuration.
func (m *Module) DigestHex() string { return hex.EncodeToString(m.Digest[:]) }

func peExports(data []byte) ([]Export, error) {
	f, err := pe.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	list, err := f.Exports()
	if err != nil {
		return nil, err
	}
	out := make([]Export, 0, len(list))
	for _, e := range list {
		if e.Name == "" {
			continue
		}
		out = append(out, Export{Name: e.Name, RVA: e.VirtualAddress})
	}
	return out, nil
}
