// Package recorder implements the local recording half of the media
// pipeline (spec.md §4.F): CFR enforcement on the video branch, AAC/H.264
// submission behind narrow encoder interfaces, and fragmented-MP4 muxing
// with crash-safe periodic flush and a finalize-or-fallback clean stop.
//
// Grounded on rustyguts-bken's server/recording.go ChannelRecorder/
// oggWriter: one file, one mutex, a monotonically increasing fragment
// counter, Stop() that is safe to call more than once and always closes
// the file. The actual ISO-BMFF box tree is delegated to
// bluenviron/mediacommon's fmp4 package (itself built on
// github.com/abema/go-mp4), the same stack babelcloud-gbox's
// fmp4_writer.go uses for exactly this init-segment + timed-fragment
// pattern. AAC/H.264 hardware encoders are narrow interfaces with no
// concrete binding, the same external-collaborator boundary the teacher
// draws around Opus in client/audio.go.
package recorder

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
)

const (
	videoTimescale = 90000
	audioTimescale = 48000

	videoTrackID = 1
	audioTrackID = 2

	// frameIntervalMs is the expected video capture cadence (spec.md §4.F).
	frameIntervalMs = 1000.0 / 30.0
	// gapThresholdMs triggers frame synthesis once a capture gap reaches
	// 1.5 frame intervals.
	gapThresholdMs = 1.5 * frameIntervalMs

	// fragmentInterval is how often a moof/mdat pair is emitted.
	fragmentInterval = 1 * time.Second
)

// AudioEncoder abstracts the AAC-LC hardware/software encoder (spec.md
// §4.F: "48 kHz mono 192 kbps CBR"). A narrow external-collaborator
// interface, same shape as internal/audio's opusEncoder.
type AudioEncoder interface {
	EncodeAAC(pcm []int16) ([]byte, error)
	AudioSpecificConfig() mpeg4audio.AudioSpecificConfig
}

// VideoEncoder abstracts the platform hardware H.264 encoder (spec.md
// §4.F: "High Profile, Level 4.1, 15-20 Mbps VBR, CFR 30 fps, GOP=30").
// Asynchronous: SubmitFrame queues a frame, NALUs arrive later via the
// channel returned by NALUs().
type VideoEncoder interface {
	SubmitFrame(data []byte, timestamp time.Duration) error
	NALUs() <-chan EncodedNALU
	SPSPPS() (sps, pps []byte)
}

// EncodedNALU is one H.264 access unit produced asynchronously by the
// hardware encoder.
type EncodedNALU struct {
	Data       []byte
	Timestamp  time.Duration
	IsKeyframe bool
}

// Stats reports the recorder's frame accounting (spec.md §4.F).
type Stats struct {
	VideoFrames       uint64
	SynthesizedFrames uint64
	DroppedFrames     uint64
	AudioFrames       uint64
	Fragments         uint64
}

// Recorder owns one fMP4 recording file for the session.
type Recorder struct {
	mu sync.Mutex

	file   *os.File
	bw     *bufio.Writer
	path   string
	closed bool

	videoEnc VideoEncoder
	audioEnc AudioEncoder

	videoTrack *trackState
	audioTrack *trackState

	lastCaptureAt time.Duration
	haveCapture   bool
	lastFrameData []byte

	pendingVideo []*fmp4.Sample
	pendingAudio []*fmp4.Sample
	seqNum       uint32
	initWritten  bool

	// fileOffset tracks how many bytes have been written so far, so the
	// finalize trailer can index each fragment's moof by absolute offset.
	fileOffset       int64
	videoSampleCount uint32
	audioSampleCount uint32
	videoFragRefs    []fragRef
	audioFragRefs    []fragRef

	stats Stats

	// pendingNALUs counts frames submitted to the asynchronous hardware
	// encoder that have not yet produced a NALU callback, so Stop can wait
	// for the encoder to drain before finalizing.
	pendingNALUs atomic.Int64

	flushStop chan struct{}
	flushDone chan struct{}

	finalizeErr error
}

type trackState struct {
	firstDTS int64
	lastDTS  int64
}

// fragRef indexes one flushed fragment for a single track, the unit a
// trailing tfra entry (ISO/IEC 14496-12 §8.8.10) records: the fragment's
// base media time, the byte offset of its moof, and the 1-based number of
// the first sample it carries.
type fragRef struct {
	time         uint32
	moofOffset   uint32
	sampleNumber uint32
}

// New creates (but does not yet open) a Recorder writing into
// filepath.Join(dir, filename).
func New(dir, filename string, videoEnc VideoEncoder, audioEnc AudioEncoder) *Recorder {
	return &Recorder{
		path:       filepath.Join(dir, filename),
		videoEnc:   videoEnc,
		audioEnc:   audioEnc,
		videoTrack: &trackState{},
		audioTrack: &trackState{},
	}
}

// Start opens the file, writes the fMP4 init segment (ftyp + moov), and
// begins the 1s fragment-flush timer plus the async NALU drain loop.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("recorder: create recording dir: %w", err)
	}
	f, err := os.Create(r.path)
	if err != nil {
		return fmt.Errorf("recorder: create recording file: %w", err)
	}
	r.file = f
	r.bw = bufio.NewWriterSize(f, 256*1024)

	sps, pps := r.videoEnc.SPSPPS()
	init := &fmp4.Init{
		Tracks: []*fmp4.InitTrack{
			{
				ID:        videoTrackID,
				TimeScale: videoTimescale,
				Codec:     &mp4.CodecH264{SPS: sps, PPS: pps},
			},
			{
				ID:        audioTrackID,
				TimeScale: audioTimescale,
				Codec:     &mp4.CodecMPEG4Audio{Config: r.audioEnc.AudioSpecificConfig()},
			},
		},
	}
	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		f.Close()
		return fmt.Errorf("recorder: marshal init segment: %w", err)
	}
	if _, err := r.bw.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("recorder: write init segment: %w", err)
	}
	if err := r.bw.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("recorder: flush init segment: %w", err)
	}
	r.initWritten = true
	r.fileOffset = int64(len(buf.Bytes()))

	r.flushStop = make(chan struct{})
	r.flushDone = make(chan struct{})
	go r.flushLoop()
	go r.naluDrainLoop()

	slog.Info("recorder started", "file", r.path)
	return nil
}

// SubmitVideoFrame is called once per captured frame, off the camera
// thread, to drive CFR enforcement (spec.md §4.F).
func (r *Recorder) SubmitVideoFrame(data []byte, captureAt time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.haveCapture {
		gapMs := float64((captureAt - r.lastCaptureAt).Milliseconds())
		if gapMs >= gapThresholdMs && r.lastFrameData != nil {
			// Re-submit the previous frame once per missing frame interval
			// until the remaining gap is below the synthesis threshold.
			interval := time.Duration(frameIntervalMs * float64(time.Millisecond))
			for synthAt := r.lastCaptureAt; float64((captureAt-synthAt).Milliseconds()) >= gapThresholdMs; {
				synthAt += interval
				synth := make([]byte, len(r.lastFrameData))
				copy(synth, r.lastFrameData)
				if err := r.videoEnc.SubmitFrame(synth, synthAt); err != nil {
					break
				}
				r.stats.SynthesizedFrames++
				r.pendingNALUs.Add(1)
			}
		} else if gapMs < frameIntervalMs/2 && gapMs >= 0 {
			// A burst: frames arriving faster than CFR cadence are the
			// only allowed drop point (spec.md §4.F).
			r.stats.DroppedFrames++
			slog.Warn("video frame burst, dropping frame", "gap_ms", gapMs)
			return
		}
	}

	if err := r.videoEnc.SubmitFrame(data, captureAt); err != nil {
		slog.Error("submit video frame", "err", err)
		return
	}
	r.pendingNALUs.Add(1)
	r.lastCaptureAt = captureAt
	r.lastFrameData = data
	r.haveCapture = true
}

// SubmitAudioFrame AAC-encodes one PCM frame from audio_rec. Samples are
// never dropped (spec.md §4.F).
func (r *Recorder) SubmitAudioFrame(pcm []int16, captureAt time.Duration) {
	encoded, err := r.audioEnc.EncodeAAC(pcm)
	if err != nil {
		slog.Error("encode AAC", "err", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	dts := captureAt.Milliseconds() * audioTimescale / 1000
	if r.audioTrack.firstDTS == 0 {
		r.audioTrack.firstDTS = dts
	}
	sample := &fmp4.Sample{Payload: encoded, Duration: durationSince(r.audioTrack, dts, 1024)}
	r.audioTrack.lastDTS = dts
	r.pendingAudio = append(r.pendingAudio, sample)
	r.stats.AudioFrames++
}

func (r *Recorder) naluDrainLoop() {
	for nalu := range r.videoEnc.NALUs() {
		r.mu.Lock()
		dts := nalu.Timestamp.Milliseconds() * videoTimescale / 1000
		if r.videoTrack.firstDTS == 0 {
			r.videoTrack.firstDTS = dts
		}
		sample := &fmp4.Sample{
			Payload:         nalu.Data,
			IsNonSyncSample: !nalu.IsKeyframe,
			Duration:        durationSince(r.videoTrack, dts, videoTimescale/30),
		}
		r.videoTrack.lastDTS = dts
		r.pendingVideo = append(r.pendingVideo, sample)
		r.stats.VideoFrames++
		r.mu.Unlock()
		r.pendingNALUs.Add(-1)
	}
}

func durationSince(ts *trackState, dts int64, fallback int64) uint32 {
	if ts.lastDTS != 0 && dts > ts.lastDTS {
		return uint32(dts - ts.lastDTS)
	}
	return uint32(fallback)
}

// flushLoop emits one moof+mdat pair per fragmentInterval, off the
// encoder threads, so disk I/O never stalls capture (spec.md §4.F).
func (r *Recorder) flushLoop() {
	defer close(r.flushDone)
	ticker := time.NewTicker(fragmentInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.flushStop:
			r.flushFragment()
			return
		case <-ticker.C:
			r.flushFragment()
		}
	}
}

func (r *Recorder) flushFragment() {
	r.mu.Lock()
	if len(r.pendingVideo) == 0 && len(r.pendingAudio) == 0 {
		r.mu.Unlock()
		return
	}
	part := &fmp4.Part{SequenceNumber: r.seqNum}
	haveVideo := len(r.pendingVideo) > 0
	haveAudio := len(r.pendingAudio) > 0
	var videoCount, audioCount, videoBaseTime, audioBaseTime uint32
	if haveVideo {
		videoCount = uint32(len(r.pendingVideo))
		videoBaseTime = uint32(r.videoTrack.lastDTS - r.videoTrack.firstDTS)
		part.Tracks = append(part.Tracks, &fmp4.PartTrack{
			ID:       videoTrackID,
			BaseTime: uint64(videoBaseTime),
			Samples:  r.pendingVideo,
		})
	}
	if haveAudio {
		audioCount = uint32(len(r.pendingAudio))
		audioBaseTime = uint32(r.audioTrack.lastDTS - r.audioTrack.firstDTS)
		part.Tracks = append(part.Tracks, &fmp4.PartTrack{
			ID:       audioTrackID,
			BaseTime: uint64(audioBaseTime),
			Samples:  r.pendingAudio,
		})
	}
	r.pendingVideo = nil
	r.pendingAudio = nil
	r.seqNum++
	r.mu.Unlock()

	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		slog.Error("marshal fragment", "err", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	moofOffset := uint32(r.fileOffset)
	if _, err := r.bw.Write(buf.Bytes()); err != nil {
		slog.Error("write fragment", "err", err)
		return
	}
	// Flushed to the OS immediately so a crash truncates cleanly after the
	// last complete moof/mdat pair (spec.md §4.F).
	if err := r.bw.Flush(); err != nil {
		slog.Error("flush fragment", "err", err)
		return
	}
	r.fileOffset += int64(len(buf.Bytes()))
	r.stats.Fragments++

	if haveVideo {
		r.videoFragRefs = append(r.videoFragRefs, fragRef{
			time: videoBaseTime, moofOffset: moofOffset, sampleNumber: r.videoSampleCount + 1,
		})
		r.videoSampleCount += videoCount
	}
	if haveAudio {
		r.audioFragRefs = append(r.audioFragRefs, fragRef{
			time: audioBaseTime, moofOffset: moofOffset, sampleNumber: r.audioSampleCount + 1,
		})
		r.audioSampleCount += audioCount
	}
}

// Stop flushes any remaining samples, writes the finalize trailer, and
// closes the file. The fragmented stream already on disk is valid,
// playable fMP4 regardless of finalize's outcome: on finalize failure the
// file is left exactly as the fragment writer left it and the failure is
// only recorded via FinalizeErr (spec.md §4.F's finalize-or-fallback
// contract).
func (r *Recorder) Stop() Stats {
	r.mu.Lock()
	if r.closed {
		stats := r.stats
		r.mu.Unlock()
		return stats
	}
	r.mu.Unlock()

	close(r.flushStop)
	<-r.flushDone

	// The hardware encoder is asynchronous (spec.md §4.F): give it a grace
	// period to deliver NALUs for frames already submitted before the
	// final fragment is written, so a clean stop never silently drops the
	// last few frames of video.
	deadline := time.Now().Add(2 * time.Second)
	for r.pendingNALUs.Load() > 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	r.flushFragment()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true

	trailer := r.buildFinalizeTrailer()
	if _, err := r.bw.Write(trailer); err != nil {
		r.finalizeErr = fmt.Errorf("recorder: write finalize trailer: %w", err)
		slog.Error("finalize recording", "err", r.finalizeErr)
	}

	if err := r.bw.Flush(); err != nil {
		if r.finalizeErr == nil {
			r.finalizeErr = fmt.Errorf("recorder: flush finalize trailer: %w", err)
		}
		slog.Error("final flush", "err", err)
	}
	if err := r.file.Close(); err != nil {
		slog.Error("close file", "err", err)
	}

	slog.Info("recorder stopped",
		"video_frames", r.stats.VideoFrames,
		"synthesized_frames", r.stats.SynthesizedFrames,
		"dropped_frames", r.stats.DroppedFrames,
		"audio_frames", r.stats.AudioFrames,
		"fragments", r.stats.Fragments,
		"finalize_err", r.finalizeErr,
	)

	return r.stats
}

// buildFinalizeTrailer returns the standards-compliant box written at the
// end of a cleanly stopped recording: a top-level mfra containing one tfra
// per track (ISO/IEC 14496-12 §8.8.10), each indexing every fragment this
// track appears in by moof byte offset, followed by an mfro (§8.8.11)
// giving the mfra's total size so a reader can locate it by seeking back
// from EOF. Its presence is exactly what a crash truncates away, matching
// spec.md's "no trailing moov after a crash" signature. Caller must hold
// r.mu.
func (r *Recorder) buildFinalizeTrailer() []byte {
	var mfra bytes.Buffer
	writeTfra(&mfra, videoTrackID, r.videoFragRefs)
	writeTfra(&mfra, audioTrackID, r.audioFragRefs)

	var out bytes.Buffer
	writeISOBox(&out, "mfra", mfra.Bytes())

	mfro := make([]byte, 8)
	binary.BigEndian.PutUint32(mfro[4:8], uint32(out.Len()))
	writeISOBox(&out, "mfro", mfro)

	return out.Bytes()
}

// writeTfra appends one track fragment random access box. All three
// per-entry number fields (traf_number, trun_number, sample_number) are
// encoded 4 bytes wide regardless of how small their values are, trading
// a few bytes of padding for not having to special-case overflow.
func writeTfra(dst *bytes.Buffer, trackID int, refs []fragRef) {
	var body bytes.Buffer
	head := make([]byte, 16)
	// head[0:4] is the FullBox version(0)+flags(0) prefix, left zeroed.
	binary.BigEndian.PutUint32(head[4:8], uint32(trackID))
	binary.BigEndian.PutUint32(head[8:12], 0x3F) // traf/trun/sample_number are all 4 bytes wide
	binary.BigEndian.PutUint32(head[12:16], uint32(len(refs)))
	body.Write(head)

	for _, ref := range refs {
		// Each fragment has exactly one traf with one trun, so those two
		// reference numbers are always 1.
		entry := make([]byte, 20)
		binary.BigEndian.PutUint32(entry[0:4], ref.time)
		binary.BigEndian.PutUint32(entry[4:8], ref.moofOffset)
		binary.BigEndian.PutUint32(entry[8:12], 1)
		binary.BigEndian.PutUint32(entry[12:16], 1)
		binary.BigEndian.PutUint32(entry[16:20], ref.sampleNumber)
		body.Write(entry)
	}
	writeISOBox(dst, "tfra", body.Bytes())
}

// writeISOBox appends a box with the given four-character type and
// already-encoded content (the caller includes any FullBox version/flags
// prefix itself), in the same manual big-endian style as internal/wire's
// packet header codec.
func writeISOBox(dst *bytes.Buffer, boxType string, content []byte) {
	size := make([]byte, 4)
	binary.BigEndian.PutUint32(size, uint32(8+len(content)))
	dst.Write(size)
	dst.WriteString(boxType)
	dst.Write(content)
}

// FinalizeErr returns the error from the last finalize attempt, or nil if
// finalize succeeded (spec.md §4.F: a finalize failure must be recorded
// in session_metadata.json, not treated as data loss). It is only
// meaningful after Stop has returned.
func (r *Recorder) FinalizeErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finalizeErr
}

// FilePath returns the recording's on-disk path.
func (r *Recorder) FilePath() string { return r.path }
