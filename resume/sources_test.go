package resume

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"outreachflow/killswitch"
	"outreachflow/metrics"
)

func TestKillSwitchStops(t *testing.T) {
	ctx := context.Background()
	sw := killswitch.NewSwitch(filepath.Join(t.TempDir(), "killswitch.json"), nil)
	src := &KillSwitchStops{Switch: sw}

	// Never stopped.
	stop, err := src.LastStop(ctx)
	if err != nil || stop != nil {
		t.Fatalf("expected no stop, got %v err=%v", stop, err)
	}

	if err := sw.Enable("bounce spike", "auto-stop", killswitch.SourceAutomatic); err != nil {
		t.Fatalf("enable: %v", err)
	}
	stop, err = src.LastStop(ctx)
	if err != nil {
		t.Fatalf("last stop: %v", err)
	}
	if stop == nil || !stop.Automatic {
		t.Fatalf("expected automatic stop, got %+v", stop)
	}

	// Releasing the switch keeps the stop visible.
	if err := sw.Disable("resolved", "alex"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	stop, err = src.LastStop(ctx)
	if err != nil || stop == nil || !stop.Automatic {
		t.Fatalf("stop attribution must survive disable, got %+v err=%v", stop, err)
	}
}

type countingStore struct {
	counts map[metrics.EventType]int
}

func (c *countingStore) Append(ctx context.Context, ev metrics.Event) error { return nil }

func (c *countingStore) CountSince(ctx context.Context, eventType metrics.EventType, since time.Time) (int, error) {
	return c.counts[eventType], nil
}

func TestEventReplyRates(t *testing.T) {
	ctx := context.Background()

	// 2 replies over 20 sends = 10%.
	src := NewEventReplyRates(&countingStore{counts: map[metrics.EventType]int{
		metrics.EventSendSuccess:   20,
		metrics.EventReplyReceived: 2,
	}}, time.Hour, 0.05)
	rate, floor, err := src.ReplyRate(ctx)
	if err != nil {
		t.Fatalf("reply rate: %v", err)
	}
	if rate != 0.1 || floor != 0.05 {
		t.Fatalf("unexpected rate=%v floor=%v", rate, floor)
	}

	// No sends in the window: nothing to judge, passes at the floor.
	src = NewEventReplyRates(&countingStore{counts: map[metrics.EventType]int{}}, time.Hour, 0.05)
	rate, floor, err = src.ReplyRate(ctx)
	if err != nil {
		t.Fatalf("reply rate: %v", err)
	}
	if rate < floor {
		t.Fatalf("empty window must not warn, rate=%v floor=%v", rate, floor)
	}
}
