package video

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/jaronchong/hyperzoom/internal/congestion"
	"github.com/jaronchong/hyperzoom/internal/wire"
)

func TestFragmentizeSingleFragment(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 500)
	frags, err := Fragmentize(wire.TypeVideoDelta, payload, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(frags) != 1 {
		t.Fatalf("expected 1 fragment, got %d", len(frags))
	}
	if frags[0].FragmentTotal != 1 || frags[0].FragmentID != 0 {
		t.Fatalf("unexpected fragment header: %+v", frags[0])
	}
}

func TestFragmentizeSplitsAtMTU(t *testing.T) {
	payload := bytes.Repeat([]byte{0x01}, wire.PayloadMTU*2+37)
	frags, err := Fragmentize(wire.TypeVideoKeyframe, payload, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(frags) != 3 {
		t.Fatalf("expected 3 fragments, got %d", len(frags))
	}
	for i, f := range frags {
		if int(f.FragmentID) != i {
			t.Fatalf("fragment %d has id %d", i, f.FragmentID)
		}
		if f.FragmentTotal != 3 {
			t.Fatalf("fragment %d has total %d, want 3", i, f.FragmentTotal)
		}
		if len(f.Payload) > wire.PayloadMTU {
			t.Fatalf("fragment %d payload %d exceeds MTU", i, len(f.Payload))
		}
	}
	var reassembled []byte
	for _, f := range frags {
		reassembled = append(reassembled, f.Payload...)
	}
	if !bytes.Equal(reassembled, payload) {
		t.Fatal("reassembled payload does not match original")
	}
}

func TestFragmentizeRejectsEmptyPayload(t *testing.T) {
	if _, err := Fragmentize(wire.TypeVideoDelta, nil, 0); err == nil {
		t.Fatal("expected error for empty payload")
	}
}

func TestKeyframeCacheEvictsOldest(t *testing.T) {
	c := NewKeyframeCache()
	c.Store(1*time.Millisecond, []byte("a"))
	c.Store(2*time.Millisecond, []byte("b"))
	c.Store(3*time.Millisecond, []byte("c"))

	if _, ok := c.Lookup(1 * time.Millisecond); ok {
		t.Fatal("expected oldest keyframe evicted")
	}
	if data, ok := c.Lookup(3 * time.Millisecond); !ok || string(data) != "c" {
		t.Fatal("expected most recent keyframe retained")
	}
}

func mkHeader(seq uint16, typ wire.Type, fragID, fragTotal uint8) wire.Header {
	return wire.Header{
		Type:          typ,
		ParticipantID: 1,
		Sequence:      seq,
		FragmentID:    fragID,
		FragmentTotal: fragTotal,
	}
}

func TestReassemblerCompletesOnAllFragments(t *testing.T) {
	r := NewReassembler()
	h := mkHeader(5, wire.TypeVideoDelta, 0, 2)
	out := r.Accept(h, []byte("AAAA"), 0)
	if out.Complete {
		t.Fatal("expected incomplete after first fragment")
	}
	h.FragmentID = 1
	out = r.Accept(h, []byte("BBBB"), 1*time.Millisecond)
	if !out.Complete {
		t.Fatal("expected complete after both fragments")
	}
	if string(out.Frame) != "AAAABBBB" {
		t.Fatalf("unexpected reassembled frame: %q", out.Frame)
	}
}

func TestReassemblerIgnoresDuplicateFragment(t *testing.T) {
	r := NewReassembler()
	h := mkHeader(5, wire.TypeVideoDelta, 0, 2)
	r.Accept(h, []byte("AAAA"), 0)
	out := r.Accept(h, []byte("ZZZZ"), 1*time.Millisecond) // duplicate fragment id 0
	if out.Complete {
		t.Fatal("expected still incomplete, duplicate fragment should not complete frame")
	}
}

func TestReassemblerEvictsStaleFrame(t *testing.T) {
	r := NewReassembler()
	h := mkHeader(7, wire.TypeVideoDelta, 0, 2)
	r.Accept(h, []byte("AAAA"), 0)

	// Second fragment arrives after the 500ms staleness window: the first
	// fragment's frame should have been evicted, so this starts a fresh one.
	h.FragmentID = 1
	out := r.Accept(h, []byte("BBBB"), 600*time.Millisecond)
	if out.Complete {
		t.Fatal("expected incomplete: the original frame was evicted as stale")
	}
}

func TestReassemblerTriggersNackForMissingKeyframeFragment(t *testing.T) {
	r := NewReassembler()
	h := mkHeader(9, wire.TypeVideoKeyframe, 0, 3)
	r.Accept(h, []byte("A"), 0)

	out := r.Accept(h, []byte("A"), 60*time.Millisecond) // same fragment id, re-seen after 1 RTT
	if !out.NeedNack {
		t.Fatal("expected NACK trigger for a keyframe missing a fragment past 1 RTT")
	}
}

func TestReassemblerNeverNacksDeltaFrames(t *testing.T) {
	r := NewReassembler()
	h := mkHeader(11, wire.TypeVideoDelta, 0, 3)
	r.Accept(h, []byte("A"), 0)
	out := r.Accept(h, []byte("A"), 60*time.Millisecond)
	if out.NeedNack {
		t.Fatal("delta frames must never be NACKed")
	}
}

func TestReassemblerDedupsNackWithinWindow(t *testing.T) {
	r := NewReassembler()
	h := mkHeader(13, wire.TypeVideoKeyframe, 0, 3)
	r.Accept(h, []byte("A"), 0)
	first := r.Accept(h, []byte("A"), 60*time.Millisecond)
	if !first.NeedNack {
		t.Fatal("expected first NACK trigger")
	}
	second := r.Accept(h, []byte("A"), 100*time.Millisecond)
	if second.NeedNack {
		t.Fatal("expected NACK suppressed within the dedup window")
	}
}

type stubEncoder struct {
	bitrate int
	fps     int
	width   int
	height  int
}

func (s *stubEncoder) Encode(frame Frame, forceKeyframe bool) ([]byte, bool, error) {
	return []byte{1, 2, 3}, forceKeyframe, nil
}
func (s *stubEncoder) SetBitrate(bps int) error   { s.bitrate = bps; return nil }
func (s *stubEncoder) SetFrameRate(fps int) error { s.fps = fps; return nil }
func (s *stubEncoder) SetResolution(width, height int) error {
	s.width, s.height = width, height
	return nil
}

func TestEncodePipelineEncodeFrameStoresKeyframeInCache(t *testing.T) {
	enc := &stubEncoder{}
	cache := NewKeyframeCache()
	p := NewEncodePipeline(nil, enc, cache)

	frags, err := p.EncodeFrame(Frame{Timestamp: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(frags) != 1 {
		t.Fatalf("expected 1 fragment, got %d", len(frags))
	}
	if frags[0].Type != wire.TypeVideoKeyframe {
		t.Fatalf("expected first frame to force a keyframe, got %v", frags[0].Type)
	}
	if _, ok := cache.Lookup(5 * time.Millisecond); !ok {
		t.Fatal("expected keyframe stored in cache")
	}
}

func TestEncodePipelineStopsEncodingAtAudioOnlyLevel(t *testing.T) {
	enc := &stubEncoder{}
	p := NewEncodePipeline(nil, enc, NewKeyframeCache())
	ladder := congestion.NewController()
	// loss=25% satisfies every level's trigger, but the ladder steps one
	// rung per sustain window; five windows is enough to walk it all the
	// way down to LevelAudioOnly.
	now := time.Duration(0)
	for i := 0; i < 5; i++ {
		ladder.Sample(0.25, 20, now)
		now += congestion.DegradeSustain
	}
	if ladder.Level() != congestion.LevelAudioOnly {
		t.Fatalf("expected ladder at LevelAudioOnly, got %v", ladder.Level())
	}
	p.SetLadder(ladder)

	frags, err := p.EncodeFrame(Frame{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if frags != nil {
		t.Fatal("expected no fragments once the ladder reaches audio-only")
	}
}

func TestEncodePipelineApplyLevelConfiguresEncoder(t *testing.T) {
	enc := &stubEncoder{}
	p := NewEncodePipeline(nil, enc, NewKeyframeCache())
	p.ApplyLevel(congestion.LevelReducedFPS)
	if enc.fps != 15 {
		t.Fatalf("expected 15 fps at LevelReducedFPS, got %d", enc.fps)
	}
}

func TestEncodePipelineHandleNackRetransmitsFromCache(t *testing.T) {
	enc := &stubEncoder{}
	cache := NewKeyframeCache()
	cache.Store(2*time.Millisecond, []byte{9, 9, 9})
	p := NewEncodePipeline(nil, enc, cache)
	p.NoteSent(100, 2*time.Millisecond)

	frags, err := p.HandleNack(100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(frags) != 1 || !bytes.Equal(frags[0].Payload, []byte{9, 9, 9}) {
		t.Fatalf("expected retransmitted cached keyframe, got %+v", frags)
	}
}

func TestEncodePipelineHandleNackForcesKeyframeWhenNotCached(t *testing.T) {
	enc := &stubEncoder{}
	p := NewEncodePipeline(nil, enc, NewKeyframeCache())
	p.frameCounter = 10
	p.NoteSent(200, 99*time.Millisecond)

	frags, err := p.HandleNack(200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if frags != nil {
		t.Fatal("expected no immediate retransmission when not cached")
	}
	if p.frameCounter != 0 {
		t.Fatal("expected ForceKeyframe to reset the frame counter")
	}
}

func TestEncodePipelineHandleNackUnknownSeqForcesKeyframe(t *testing.T) {
	enc := &stubEncoder{}
	cache := NewKeyframeCache()
	cache.Store(2*time.Millisecond, []byte{9, 9, 9})
	p := NewEncodePipeline(nil, enc, cache)
	p.frameCounter = 10

	frags, err := p.HandleNack(999)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if frags != nil {
		t.Fatal("expected no retransmission for a sequence never sent")
	}
	if p.frameCounter != 0 {
		t.Fatal("expected ForceKeyframe to reset the frame counter")
	}
}

var errEncode = errors.New("boom")

type failingEncoder struct{}

func (failingEncoder) Encode(frame Frame, forceKeyframe bool) ([]byte, bool, error) {
	return nil, false, errEncode
}
func (failingEncoder) SetBitrate(bps int) error { return nil }

func (failingEncoder) SetFrameRate(fps int) error { return nil }

func (failingEncoder) SetResolution(width, height int) error { return nil }

func TestEncodePipelinePropagatesEncodeError(t *testing.T) {
	p := NewEncodePipeline(nil, failingEncoder{}, NewKeyframeCache())
	if _, err := p.EncodeFrame(Frame{}); err == nil {
		t.Fatal("expected encode error to propagate")
	}
}
