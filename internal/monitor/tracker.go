package monitor

import (
	"sort"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"MedusaLoader/internal/telemetry"
)

// Tally counts attempt results for one image.
type Tally struct {
	Image    string
	Success  int
	Failures int
	Last     telemetry.Event
}

// Tracker logs the first sighting of every (image, final state) pair and
// keeps per-image tallies.
type Tracker struct {
	events <-chan telemetry.Event
	log    *logrus.Entry

	mu      sync.Mutex
	seen    map[string]struct{} // key: image|state
	tallies map[string]*Tally
}

func NewTracker(events <-chan telemetry.Event) *Tracker {
	return &Tracker{
		events:  events,
		log:     logrus.WithField("component", "tracker"),
		seen:    make(map[string]struct{}, 64),
		tallies: make(map[string]*Tally),
	}
}

// WithLogger replaces the tracker logger.
func (t *Tracker) WithLogger(log *logrus.Entry) *Tracker { t.log = log; return t }

// Start consumes events until the channel is closed.
func (t *Tracker) Start() {
	for ev := range t.events {
		t.Observe(ev)
	}
}

// Observe records one event.
func (t *Tracker) Observe(ev telemetry.Event) {
	switch ev.Type {
	case telemetry.EvtAttempt:
	case telemetry.EvtRemoteLog:
		t.log.WithFields(logrus.Fields{"pid": ev.ProcessID, "level": ev.Level}).Info(ev.Message)
		return
	default:
		t.log.WithFields(logrus.Fields{"pid": ev.ProcessID, "image": ev.Image}).Debug(ev.Type)
		return
	}

	image := ev.Image
	if image == "" {
		image = "<unknown>"
	}

	t.mu.Lock()
	tl, ok := t.tallies[image]
	if !ok {
		tl = &Tally{Image: image}
		t.tallies[image] = tl
	}
	if ev.State == "Aborted" {
		tl.Failures++
	} else {
		tl.Success++
	}
	tl.Last = ev
	key := image + "|" + ev.State
	_, known := t.seen[key]
	t.seen[key] = struct{}{}
	t.mu.Unlock()

	if known {
		return
	}
	t.log.WithFields(logrus.Fields{
		"image":   image,
		"pid":     ev.ProcessID,
		"state":   ev.State,
		"reached": ev.Reached,
		"reason":  ev.Reason,
		"when":    humanize.Time(ev.Time()),
	}).Info("first sighting")
}

// Tallies returns a snapshot sorted by image.
func (t *Tracker) Tallies() []Tally {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Tally, 0, len(t.tallies))
	for _, tl := range t.tallies {
		out = append(out, *tl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Image < out[j].Image })
	return out
}
