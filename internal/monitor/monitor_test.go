package monitor

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"MedusaLoader/internal/telemetry"
)

func TestServerReceivesForwardedEvents(t *testing.T) {
	srv := NewServer("127.0.0.1:0", "/ws", 8)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Close()

	f := telemetry.NewForwarder("ws://" + srv.ListenAddr() + "/ws")
	defer f.Close()
	f.Publish(telemetry.Event{Type: telemetry.EvtAttempt, ProcessID: 9, Image: "game.exe", State: "Detached"})

	select {
	case ev := <-srv.Recv:
		if ev.ProcessID != 9 || ev.State != "Detached" {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("event not received")
	}
}

func TestTracker(t *testing.T) {
	logger, hook := test.NewNullLogger()
	tr := NewTracker(nil).WithLogger(logrus.NewEntry(logger))

	events := []telemetry.Event{
		{Type: telemetry.EvtAttempt, Image: "game.exe", State: "Detached"},
		{Type: telemetry.EvtAttempt, Image: "game.exe", State: "Detached"},
		{Type: telemetry.EvtAttempt, Image: "game.exe", State: "Aborted", Reason: "already patched"},
		{Type: telemetry.EvtAttempt, State: "Aborted"},
		{Type: telemetry.EvtMatch, Image: "game.exe"},
	}
	for _, ev := range events {
		tr.Observe(ev)
	}

	firsts := 0
	for _, e := range hook.AllEntries() {
		if e.Message == "first sighting" {
			firsts++
		}
	}
	if firsts != 3 {
		t.Errorf("first sightings = %d, want 3", firsts)
	}

	tallies := tr.Tallies()
	if len(tallies) != 2 {
		t.Fatalf("tallies = %+v", tallies)
	}
	if tallies[0].Image != "<unknown>" || tallies[0].Failures != 1 {
		t.Errorf("unknown tally = %+v", tallies[0])
	}
	if tallies[1].Image != "game.exe" || tallies[1].Success != 2 || tallies[1].Failures != 1 {
		t.Errorf("game tally = %+v", tallies[1])
	}
}

func TestTrackerStartDrains(t *testing.T) {
	ch := make(chan telemetry.Event, 2)
	logger, _ := test.NewNullLogger()
	tr := NewTracker(ch).WithLogger(logrus.NewEntry(logger))
	ch <- telemetry.Event{Type: telemetry.EvtAttempt, Image: "a.exe", State: "Detached"}
	close(ch)
	tr.Start()
	if got := tr.Tallies(); len(got) != 1 || got[0].Success != 1 {
		t.Fatalf("tallies = %+v", got)
	}
}
