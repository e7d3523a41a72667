package jitteraudio

import (
	"testing"
	"time"
)

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func primeBuffer(b *Buffer, startSeq uint16, t0 time.Duration) {
	frames := depthToFrames(b.currentDepthMs)
	for i := 0; i < frames; i++ {
		b.Push(startSeq+uint16(i), []int16{1, 2, 3}, t0+ms(i*nominalFrameMsInt()))
	}
}

func nominalFrameMsInt() int { return int(nominalFrameMs) }

func TestNewStartsAtInitialDepth(t *testing.T) {
	b := New()
	if b.TargetDepthMs() != initDepthMs {
		t.Fatalf("TargetDepthMs() = %v, want %v", b.TargetDepthMs(), initDepthMs)
	}
}

func TestPopBeforePrimedReturnsNothing(t *testing.T) {
	b := New()
	if _, ok := b.Pop(0); ok {
		t.Fatal("Pop before priming: want ok=false")
	}
}

func TestPushThenPopInOrder(t *testing.T) {
	b := New()
	primeBuffer(b, 100, 0)
	now := ms(1000)
	res, ok := b.Pop(now)
	if !ok {
		t.Fatal("Pop after priming: want ok=true")
	}
	if res.Seq != 100 || res.Missing {
		t.Fatalf("Pop() = %+v, want Seq=100, Missing=false", res)
	}
}

func TestPopDiscardsOlderThanPlayHead(t *testing.T) {
	b := New()
	primeBuffer(b, 0, 0)
	now := ms(1000)
	b.Pop(now) // consumes seq 0, play head -> 1
	// Pushing seq 0 again (older than play head) must be a no-op, not a
	// crash or a regression of the play head.
	b.Push(0, []int16{9}, now)
	res, ok := b.Pop(now)
	if !ok || res.Seq != 1 {
		t.Fatalf("Pop() after stale push = (%+v, %v), want Seq=1", res, ok)
	}
}

func TestPopReportsMissingOnGap(t *testing.T) {
	b := New()
	primeBuffer(b, 0, 0)
	frames := depthToFrames(b.currentDepthMs)
	now := ms(1000)
	for i := 0; i < frames; i++ {
		b.Pop(now)
	}
	// Skip straight to the gap: push seq frames+1, never frames.
	b.Push(uint16(frames+1), []int16{1}, now)
	res, ok := b.Pop(now + ms(1000))
	if !ok {
		t.Fatal("Pop at the gap: want ok=true")
	}
	if !res.Missing {
		t.Fatalf("Pop() = %+v, want Missing=true", res)
	}
}

func TestLossGrowsTargetDepth(t *testing.T) {
	b := New()
	primeBuffer(b, 0, 0)
	now := time.Duration(0)
	for i := 0; i < 20; i++ {
		now += adaptInterval
		b.RecordLoss(now)
		b.maybeAdapt(now)
	}
	if b.TargetDepthMs() <= initDepthMs {
		t.Fatalf("TargetDepthMs() = %v after sustained loss, want > %v", b.TargetDepthMs(), initDepthMs)
	}
}

func TestTargetDepthNeverExceedsMax(t *testing.T) {
	b := New()
	now := time.Duration(0)
	for i := 0; i < 50; i++ {
		now += adaptInterval
		b.RecordLoss(now)
		b.maybeAdapt(now)
	}
	if b.TargetDepthMs() > maxDepthMs {
		t.Fatalf("TargetDepthMs() = %v, want <= %v", b.TargetDepthMs(), maxDepthMs)
	}
}

func TestTargetDepthNeverBelowMin(t *testing.T) {
	b := New()
	now := time.Duration(0)
	for i := 0; i < 200; i++ {
		now += adaptInterval
		b.maybeAdapt(now)
	}
	if b.TargetDepthMs() < minDepthMs {
		t.Fatalf("TargetDepthMs() = %v, want >= %v", b.TargetDepthMs(), minDepthMs)
	}
}

func TestReset(t *testing.T) {
	b := New()
	primeBuffer(b, 0, 0)
	b.Pop(ms(1000))
	b.Reset()
	if b.TargetDepthMs() != initDepthMs {
		t.Fatalf("TargetDepthMs() after Reset = %v, want %v", b.TargetDepthMs(), initDepthMs)
	}
	if _, ok := b.Pop(0); ok {
		t.Fatal("Pop after Reset: want ok=false (not primed)")
	}
}
