package congestion

import (
	"testing"
	"time"
)

func TestStartsAtFull(t *testing.T) {
	c := NewController()
	if c.Level() != LevelFull {
		t.Fatalf("Level() = %v, want Full", c.Level())
	}
}

func TestNoDegradeBeforeSustain(t *testing.T) {
	c := NewController()
	c.Sample(0.06, 50, 0) // crosses LevelReducedFPS's 5% trigger
	if lvl := c.Sample(0.06, 50, DegradeSustain-time.Millisecond); lvl != LevelFull {
		t.Fatalf("Level just before sustain = %v, want Full", lvl)
	}
}

func TestDegradesOneRungAtATimeEvenWhenWorseLevelsAlsoTrigger(t *testing.T) {
	c := NewController()
	// 12% loss satisfies the triggers for levels 1, 2, and 3 but not 4;
	// the controller steps through 1, then 2, then 3 one DegradeSustain
	// window at a time rather than jumping straight to 3 (spec.md S5).
	now := time.Duration(0)
	c.Sample(0.12, 50, now)
	now += DegradeSustain
	if lvl := c.Sample(0.12, 50, now); lvl != LevelReducedBitrate {
		t.Fatalf("Level after first sustain window = %v, want ReducedBitrate", lvl)
	}
	now += DegradeSustain
	if lvl := c.Sample(0.12, 50, now); lvl != LevelReducedFPS {
		t.Fatalf("Level after second sustain window = %v, want ReducedFPS", lvl)
	}
	now += DegradeSustain
	if lvl := c.Sample(0.12, 50, now); lvl != LevelReduced360p {
		t.Fatalf("Level after third sustain window = %v, want Reduced360p", lvl)
	}
}

func TestRTTAloneTriggersLevel1(t *testing.T) {
	c := NewController()
	c.Sample(0.0, 200, 0)
	lvl := c.Sample(0.0, 200, DegradeSustain)
	if lvl != LevelReducedBitrate {
		t.Fatalf("Level after sustained high RTT = %v, want ReducedBitrate", lvl)
	}
}

func TestBriefBlipDoesNotDegrade(t *testing.T) {
	c := NewController()
	c.Sample(0.06, 50, 0)
	c.Sample(0.0, 50, 500*time.Millisecond) // recovers before the 2s sustain elapses
	lvl := c.Sample(0.06, 50, DegradeSustain)
	if lvl != LevelFull {
		t.Fatalf("Level after interrupted bad streak = %v, want Full", lvl)
	}
}

func TestRecoversOneLevelAtATime(t *testing.T) {
	c := NewController()
	// 12% loss satisfies triggers through Reduced360p; walk the one-rung-at-a-
	// time degrade path three DegradeSustain windows to get there before
	// testing recovery.
	now := time.Duration(0)
	c.Sample(0.12, 50, now)
	now += DegradeSustain
	c.Sample(0.12, 50, now)
	now += DegradeSustain
	c.Sample(0.12, 50, now)
	now += DegradeSustain
	if lvl := c.Sample(0.12, 50, now); lvl != LevelReduced360p {
		t.Fatalf("Level after degrade = %v, want Reduced360p", lvl)
	}

	// Conditions now satisfy nothing (0% loss, low RTT) so every level's
	// own trigger is false; recovery must still step down only one rung
	// per RecoverSustain window, not jump straight back to Full. Each
	// window needs one sample to start the good-streak clock and a second
	// RecoverSustain later to confirm it held.
	c.Sample(0.0, 20, now) // starts the good streak
	now += RecoverSustain
	lvl := c.Sample(0.0, 20, now)
	if lvl != LevelReducedFPS {
		t.Fatalf("Level after first recovery window = %v, want ReducedFPS", lvl)
	}
	c.Sample(0.0, 20, now) // starts the next good streak
	now += RecoverSustain
	lvl = c.Sample(0.0, 20, now)
	if lvl != LevelReducedBitrate {
		t.Fatalf("Level after second recovery window = %v, want ReducedBitrate", lvl)
	}
}

func TestNeverDegradesBelowAudioOnly(t *testing.T) {
	c := NewController()
	now := time.Duration(0)
	for i := 0; i < 5; i++ {
		now += DegradeSustain
		c.Sample(0.9, 300, now)
	}
	if c.Level() != LevelAudioOnly {
		t.Fatalf("Level = %v, want AudioOnly", c.Level())
	}
}

func TestNeverRecoversAboveFull(t *testing.T) {
	c := NewController()
	now := time.Duration(0)
	for i := 0; i < 5; i++ {
		now += RecoverSustain
		c.Sample(0.0, 10, now)
	}
	if c.Level() != LevelFull {
		t.Fatalf("Level = %v, want Full", c.Level())
	}
}

func TestReset(t *testing.T) {
	c := NewController()
	c.Sample(0.12, 50, 0)
	c.Sample(0.12, 50, DegradeSustain)
	if c.Level() == LevelFull {
		t.Fatal("precondition: expected degraded level before Reset")
	}
	c.Reset()
	if c.Level() != LevelFull {
		t.Fatalf("Level() after Reset = %v, want Full", c.Level())
	}
}
