package remote

import (
	"strings"

	"github.com/pkg/errors"

	"MedusaLoader/internal/retry"
)

// initialModules is the first guess for the module buffer.
const initialModules = 256

// EnumerateModules calls visit for every module currently loaded in p. The
// list is a snapshot taken for this call only.
//
// visit returning false stops early; an error from visit is returned as is.
// A partial copy while the target is still alive means the module list
// changed under us and is retried within policy; anything else ends the
// call with EnumerationFailed.
func EnumerateModules(p Process, policy retry.Policy, visit func(Address) (bool, error)) error {
	buf := make([]Address, initialModules)
	var count int

	err := policy.Run(func(int) error {
		needed, err := p.ModuleHandles(buf)
		if err != nil {
			if errors.Is(err, ErrPartialCopy) && p.Alive() {
				return retry.Transient(err)
			}
			return err
		}
		if needed > len(buf) {
			buf = make([]Address, needed+needed/2)
			return retry.Transient(errors.Errorf("module list grew to %d", needed))
		}
		count = needed
		return nil
	})
	if err != nil {
		return &Error{Kind: EnumerationFailed, Op: "EnumProcessModulesEx", Err: err}
	}

	for _, m := range buf[:count] {
		more, err := visit(m)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

// FindModule re-enumerates p and returns the base of the module loaded from
// exactly path. Comparison is on the full path, case-insensitively.
func FindModule(p Process, policy retry.Policy, path string) (Address, error) {
	var found Address
	err := EnumerateModules(p, policy, func(m Address) (bool, error) {
		mp, err := p.ModulePath(m)
		if err != nil {
			return true, nil
		}
		if strings.EqualFold(mp, path) {
			found = m
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	if found == 0 {
		return 0, &Error{Kind: ModuleNotFound, Op: "FindModule", Err: errors.Errorf("%s is not loaded", path)}
	}
	return found, nil
}
