package inject

import "fmt"

// State is a step of one injection attempt.
type State int

const (
	Idle State = iota
	Opened
	WaitedIdle
	DirtyChecked
	PathWritten
	LoaderThreadStarted
	LoaderThreadCompleted
	ModuleLocated
	PayloadWritten
	InitThreadStarted
	InitThreadCompleted
	Detached
	Aborted
)

var stateNames = [...]string{
	Idle:                  "Idle",
	Opened:                "Opened",
	WaitedIdle:            "WaitedIdle",
	DirtyChecked:          "DirtyChecked",
	PathWritten:           "PathWritten",
	LoaderThreadStarted:   "LoaderThreadStarted",
	LoaderThreadCompleted: "LoaderThreadCompleted",
	ModuleLocated:         "ModuleLocated",
	PayloadWritten:        "PayloadWritten",
	InitThreadStarted:     "InitThreadStarted",
	InitThreadCompleted:   "InitThreadCompleted",
	Detached:              "Detached",
	Aborted:               "Aborted",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == InitThreadCompleted || s == Detached || s == Aborted
}
