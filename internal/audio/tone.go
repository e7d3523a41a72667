package audio

import "math"

const (
	toneFreqHz     = 1000.0
	toneDurationMs = 200.0
	toneAmplitude  = 0.25
)

// ToneInjector synthesizes the short 1 kHz A/V sync tone (spec.md §4.I) and
// hands out the samples due for a given session-clock instant. The same
// instance feeds both the local recording ring and the playback mixer so
// the tone lands in the same frame on both paths, resolving the Open
// Question in SPEC_FULL.md §5 ("sync tone mixed directly into the
// recording") without letting the recording and playback copies drift.
type ToneInjector struct {
	armed      bool
	deadlineMs uint32
	startMs    uint32
}

// NewToneInjector returns an injector with no tone scheduled.
func NewToneInjector() *ToneInjector { return &ToneInjector{} }

// ScheduleAt arms the tone to begin at localDeadlineMs on the shared
// session clock.
func (t *ToneInjector) ScheduleAt(localDeadlineMs uint32) {
	t.armed = true
	t.deadlineMs = localDeadlineMs
	t.startMs = 0
}

// Samples returns the tone samples covering [nowMs, nowMs+frameMs) or nil
// if the tone is unarmed, not yet due, or already finished. frameSamples
// is the frame size in samples at the engine's fixed sample rate.
func (t *ToneInjector) Samples(nowMs uint32, frameSamples int) []float32 {
	if !t.armed || nowMs < t.deadlineMs {
		return nil
	}
	elapsedMs := float64(nowMs - t.deadlineMs)
	if elapsedMs >= toneDurationMs {
		t.armed = false
		return nil
	}

	out := make([]float32, frameSamples)
	startSec := elapsedMs / 1000.0
	for i := range out {
		tSec := startSec + float64(i)/float64(sampleRate)
		if tSec*1000.0 >= toneDurationMs {
			break
		}
		out[i] = float32(toneAmplitude * math.Sin(2*math.Pi*toneFreqHz*tSec))
	}
	return out
}

// Active reports whether the tone is currently armed (scheduled or
// in-progress).
func (t *ToneInjector) Active() bool { return t.armed }
