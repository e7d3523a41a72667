package recorder

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
)

type stubVideoEncoder struct {
	nalus   chan EncodedNALU
	submits int
}

func newStubVideoEncoder() *stubVideoEncoder {
	return &stubVideoEncoder{nalus: make(chan EncodedNALU, 64)}
}

func (s *stubVideoEncoder) SubmitFrame(data []byte, ts time.Duration) error {
	s.submits++
	s.nalus <- EncodedNALU{Data: data, Timestamp: ts, IsKeyframe: s.submits == 1}
	return nil
}
func (s *stubVideoEncoder) NALUs() <-chan EncodedNALU { return s.nalus }
func (s *stubVideoEncoder) SPSPPS() ([]byte, []byte)  { return []byte{0x67}, []byte{0x68} }
func (s *stubVideoEncoder) close()                    { close(s.nalus) }

type stubAudioEncoder struct{}

func (stubAudioEncoder) EncodeAAC(pcm []int16) ([]byte, error) {
	return []byte{0xAA, 0xBB}, nil
}
func (stubAudioEncoder) AudioSpecificConfig() mpeg4audio.AudioSpecificConfig {
	return mpeg4audio.AudioSpecificConfig{Type: mpeg4audio.ObjectTypeAACLC, SampleRate: 48000, ChannelCount: 1}
}

func TestRecorderStartWritesInitSegment(t *testing.T) {
	dir := t.TempDir()
	venc := newStubVideoEncoder()
	r := New(dir, "session.mp4", venc, stubAudioEncoder{})
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer venc.close()
	defer r.Stop()

	fi, err := os.Stat(filepath.Join(dir, "session.mp4"))
	if err != nil {
		t.Fatalf("stat recording file: %v", err)
	}
	if fi.Size() == 0 {
		t.Fatal("expected non-empty init segment written immediately")
	}
}

func TestRecorderSubmitVideoFrameSynthesizesOnGap(t *testing.T) {
	dir := t.TempDir()
	venc := newStubVideoEncoder()
	r := New(dir, "session.mp4", venc, stubAudioEncoder{})
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer venc.close()
	defer r.Stop()

	r.SubmitVideoFrame([]byte{1, 2, 3}, 0)
	r.SubmitVideoFrame([]byte{1, 2, 3}, 100*time.Millisecond) // large gap vs 33.33ms cadence

	stats := r.Stop()
	if stats.SynthesizedFrames == 0 {
		t.Fatal("expected a synthesized frame to fill the capture gap")
	}
}

func TestRecorderSubmitVideoFrameDropsOnBurst(t *testing.T) {
	dir := t.TempDir()
	venc := newStubVideoEncoder()
	r := New(dir, "session.mp4", venc, stubAudioEncoder{})
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer venc.close()
	defer r.Stop()

	r.SubmitVideoFrame([]byte{1}, 0)
	r.SubmitVideoFrame([]byte{2}, 2*time.Millisecond) // well under the 33.33ms cadence: a burst

	stats := r.Stop()
	if stats.DroppedFrames == 0 {
		t.Fatal("expected the burst frame to be counted as a drop")
	}
}

func TestRecorderSubmitAudioFrameNeverDrops(t *testing.T) {
	dir := t.TempDir()
	venc := newStubVideoEncoder()
	r := New(dir, "session.mp4", venc, stubAudioEncoder{})
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer venc.close()
	defer r.Stop()

	for i := 0; i < 10; i++ {
		r.SubmitAudioFrame([]int16{1, 2, 3}, time.Duration(i)*5*time.Millisecond)
	}
	stats := r.Stop()
	if stats.AudioFrames != 10 {
		t.Fatalf("expected 10 audio frames recorded, got %d", stats.AudioFrames)
	}
}

func TestRecorderStopWritesFinalizeTrailer(t *testing.T) {
	dir := t.TempDir()
	venc := newStubVideoEncoder()
	r := New(dir, "session.mp4", venc, stubAudioEncoder{})
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer venc.close()

	r.SubmitVideoFrame([]byte{1, 2, 3}, 0)
	for i := 0; i < 5; i++ {
		r.SubmitAudioFrame([]int16{1, 2, 3}, time.Duration(i)*5*time.Millisecond)
	}
	preStop, err := os.Stat(filepath.Join(dir, "session.mp4"))
	if err != nil {
		t.Fatalf("stat before stop: %v", err)
	}

	r.Stop()
	if err := r.FinalizeErr(); err != nil {
		t.Fatalf("expected clean finalize, got %v", err)
	}

	postStop, err := os.Stat(filepath.Join(dir, "session.mp4"))
	if err != nil {
		t.Fatalf("stat after stop: %v", err)
	}
	if postStop.Size() <= preStop.Size() {
		t.Fatal("expected Stop to append a finalize trailer, growing the file")
	}
}

func TestRecorderStopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	venc := newStubVideoEncoder()
	r := New(dir, "session.mp4", venc, stubAudioEncoder{})
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer venc.close()

	first := r.Stop()
	second := r.Stop()
	if first != second {
		t.Fatalf("expected idempotent Stop to return the same stats, got %+v and %+v", first, second)
	}
}
