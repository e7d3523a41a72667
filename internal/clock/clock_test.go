package clock

import (
	"testing"
	"time"
)

func TestNowMsAdvances(t *testing.T) {
	c := New()
	time.Sleep(5 * time.Millisecond)
	if c.NowMs() == 0 {
		t.Errorf("NowMs() = 0 after sleeping, want > 0")
	}
}

func TestRecordingDirNameFormat(t *testing.T) {
	c := New()
	name := c.RecordingDirName()
	if len(name) != len("2006-01-02_15-04-05") {
		t.Errorf("RecordingDirName() = %q, unexpected length", name)
	}
}

func TestWallStartIsUTC(t *testing.T) {
	c := New()
	if c.WallStart().Location() != time.UTC {
		t.Errorf("WallStart() location = %v, want UTC", c.WallStart().Location())
	}
}
