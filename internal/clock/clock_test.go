package clock_test

import (
	"testing"
	"time"

	"pkt.systems/amid/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
}

func TestManualFiresDueTimersOnly(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	clk := clock.NewManual(start)
	short := clk.After(time.Second)
	long := clk.After(time.Minute)
	if clk.Pending() != 2 {
		t.Fatalf("pending %d", clk.Pending())
	}
	if got := clk.Advance(2 * time.Second); !got.Equal(start.Add(2 * time.Second)) {
		t.Fatalf("advance returned %v", got)
	}
	select {
	case <-short:
	default:
		t.Fatal("due timer did not fire")
	}
	select {
	case <-long:
		t.Fatal("future timer fired early")
	default:
	}
	if clk.Pending() != 1 {
		t.Fatalf("pending %d after advance", clk.Pending())
	}
	select {
	case <-clk.After(0):
	default:
		t.Fatal("zero duration must fire immediately")
	}
}

func TestManualSetFiresInDeadlineOrder(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	clk := clock.NewManual(start)
	late := clk.After(3 * time.Second)
	early := clk.After(time.Second)
	clk.Set(start.Add(-time.Hour))
	if !clk.Now().Equal(start) {
		t.Fatalf("clock moved backwards to %v", clk.Now())
	}
	target := start.Add(5 * time.Second)
	clk.Set(target)
	for name, ch := range map[string]<-chan time.Time{"early": early, "late": late} {
		select {
		case got := <-ch:
			if !got.Equal(target) {
				t.Fatalf("%s fired with %v", name, got)
			}
		default:
			t.Fatalf("%s did not fire", name)
		}
	}
	if clk.Pending() != 0 {
		t.Fatalf("pending %d", clk.Pending())
	}
}
