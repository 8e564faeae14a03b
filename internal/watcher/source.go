package watcher

import (
	"github.com/mitchellh/go-ps"
	"github.com/pkg/errors"

	"MedusaLoader/internal/retry"
)

// SystemSource reads the live process table.
type SystemSource struct {
	// Policy bounds the image path buffer growth.
	Policy retry.Policy
}

func NewSystemSource() *SystemSource {
	return &SystemSource{Policy: retry.Default()}
}

// PIDs lists every running process.
func (s *SystemSource) PIDs() ([]uint32, error) {
	procs, err := ps.Processes()
	if err != nil {
		return nil, errors.Wrap(err, "list processes")
	}
	out := make([]uint32, 0, len(procs))
	for _, p := range procs {
		if p.Pid() <= 0 {
			continue
		}
		out = append(out, uint32(p.Pid()))
	}
	return out, nil
}

// ImagePath is the full path of the executable pid runs.
func (s *SystemSource) ImagePath(pid uint32) (string, error) {
	return imagePath(pid, s.Policy)
}
