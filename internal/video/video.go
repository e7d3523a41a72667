// Package video implements the live video capture/encode half and the
// per-peer fragment reassembly/NACK half of the media pipeline (spec.md
// §4.C, §4.E).
//
// Camera access and the VP8 codec are both narrow collaborator interfaces
// (CameraSource, Encoder, Decoder), the same boundary shape the teacher
// uses for opusEncoder/opusDecoder in client/audio.go. Neither has a
// concrete binding in this repo: camera access is an external, OS-specific
// collaborator outside spec.md's scope (§1), and no VP8 encoder library in
// the retrieved example pack exposes a plain encode API matching this
// interface (see DESIGN.md).
//
// Fragmentation/reassembly and the sequence-gap NACK trigger are grounded
// on rustyguts-bken's client/transport.go StartReceiving loop (forward-
// progress tracking, maxNACKGap-style dedup window), generalized from
// single-datagram audio loss detection to multi-fragment frame
// completeness tracking. The bounded keyframe cache is grounded on
// server/room.go's insertion-ordered bounded eviction maps.
package video

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jaronchong/hyperzoom/internal/congestion"
	"github.com/jaronchong/hyperzoom/internal/ring"
	"github.com/jaronchong/hyperzoom/internal/wire"
)

const (
	// CaptureFPS is the native pull rate from the camera (spec.md §4.C).
	CaptureFPS = 30
	// EncodeFPS is the live-path encode rate at full quality (spec.md §4.E).
	EncodeFPS = 24
	// EncodeWidth/EncodeHeight is the downscale target for the live path.
	EncodeWidth  = 854
	EncodeHeight = 480

	// KeyframeIntervalFrames is 2s at EncodeFPS.
	KeyframeIntervalFrames = 48

	defaultBitrateBps = 400_000
	minBitrateBps     = 200_000
	maxBitrateBps     = 500_000

	// reassemblyTimeout drops an in-progress frame if any fragment is
	// older than this.
	reassemblyTimeout = 500 * time.Millisecond
	// minRTTMs is the floor used for the keyframe-missing-fragment NACK
	// trigger (spec.md §4.E: "1 RTT (minimum 50 ms)").
	minRTTMs = 50 * time.Millisecond
	// nackDedupWindow suppresses repeat NACKs for the same (participant,
	// sequence) pair.
	nackDedupWindow = 500 * time.Millisecond

	// Resolution360Width/Height is the congestion ladder's Level 3 target
	// (spec.md §4.J: "resolution -> 360p").
	Resolution360Width  = 640
	Resolution360Height = 360

	// keyframeCacheSize is the number of recent keyframes retained per
	// peer for NACK retransmission (spec.md §4.E: "last 2 keyframes").
	keyframeCacheSize = 2

	// sentSeqHistory bounds the seq->timestamp bridge HandleNack uses to
	// resolve an inbound Nack (which identifies a frame by wire sequence,
	// spec.md §6) back to a KeyframeCache entry (keyed by timestamp).
	sentSeqHistory = 64

	ringFrames = 8 // video_live/video_rec hold a handful of raw frames
)

// Frame is one captured frame in the canonical pixel format chosen once at
// startup (spec.md §4.C).
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Timestamp time.Duration
}

// CameraSource abstracts camera access so internal/video never assumes a
// concrete OS binding.
type CameraSource interface {
	Read() (Frame, error)
	Close() error
}

// Encoder abstracts the VP8 encoder.
type Encoder interface {
	Encode(frame Frame, forceKeyframe bool) (data []byte, isKeyframe bool, err error)
	SetBitrate(bps int) error
	SetFrameRate(fps int) error
	// SetResolution reconfigures the encoder's output frame size, used by
	// the congestion ladder's Level 3 action (spec.md §4.J: "resolution ->
	// 360p").
	SetResolution(width, height int) error
}

// Decoder abstracts the VP8 decoder.
type Decoder interface {
	Decode(data []byte, isKeyframe bool) (Frame, error)
	Conceal() (Frame, error)
}

// Capture pulls frames from the camera and fans them out to the live and
// local-recording rings (spec.md §4.C).
type Capture struct {
	mu      sync.Mutex
	source  CameraSource
	cameraOn bool

	LiveOut *ring.Ring[Frame]
	RecOut  *ring.Ring[Frame]

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCapture returns a Capture reading from source.
func NewCapture(source CameraSource) *Capture {
	return &Capture{
		source:   source,
		cameraOn: true,
		LiveOut:  ring.New[Frame](ringFrames),
		RecOut:   ring.New[Frame](ringFrames),
		stopCh:   make(chan struct{}),
	}
}

// SetCameraOn toggles outgoing video without affecting local recording:
// video_rec always receives while the camera is physically active
// (spec.md §4.C).
func (c *Capture) SetCameraOn(on bool) {
	c.mu.Lock()
	c.cameraOn = on
	c.mu.Unlock()
}

// Run pulls frames until Stop is called.
func (c *Capture) Run() {
	c.wg.Add(1)
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}
		frame, err := c.source.Read()
		if err != nil {
			log.Printf("[video] capture read: %v", err)
			return
		}

		if c.RecOut.Push(frame) == ring.Full {
			log.Printf("[video] video_rec ring full, frame dropped")
		}

		c.mu.Lock()
		on := c.cameraOn
		c.mu.Unlock()
		if on {
			c.LiveOut.PushOverwrite(frame)
		}
	}
}

// Stop halts the capture loop and closes the camera source.
func (c *Capture) Stop() {
	close(c.stopCh)
	c.wg.Wait()
	if err := c.source.Close(); err != nil {
		log.Printf("[video] close camera: %v", err)
	}
}

// EncodePipeline consumes Capture.LiveOut, downscales, VP8-encodes and
// fragments each frame for Transport (spec.md §4.E).
type EncodePipeline struct {
	mu     sync.Mutex
	in     *ring.Ring[Frame]
	enc    Encoder
	ladder *congestion.Controller
	cache  *KeyframeCache

	frameCounter int
	bitrateBps   int

	sentSeq  map[uint16]time.Duration
	seqOrder []uint16

	Out chan Fragment

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Fragment is one wire-ready video fragment, still missing sequence
// issuance (assigned by internal/transport).
type Fragment struct {
	Type          wire.Type // TypeVideoKeyframe or TypeVideoDelta
	Payload       []byte
	FragmentID    uint8
	FragmentTotal uint8
	// FrameTimestamp ties fragments of the same frame together before the
	// shared wire sequence is assigned.
	FrameTimestamp time.Duration
}

// NewEncodePipeline returns a pipeline reading frame from in, encoding with
// enc, tracking keyframes in cache for later NACK retransmission.
func NewEncodePipeline(in *ring.Ring[Frame], enc Encoder, cache *KeyframeCache) *EncodePipeline {
	return &EncodePipeline{
		in:         in,
		enc:        enc,
		cache:      cache,
		bitrateBps: defaultBitrateBps,
		sentSeq:    make(map[uint16]time.Duration),
		Out:        make(chan Fragment, 32),
		stopCh:     make(chan struct{}),
	}
}

// Run pumps frames from in, encoding and fragmenting each one onto Out,
// until Stop is called. Left unstarted when in is nil — EncodeFrame can
// still be driven directly by a caller, as the tests in this package do.
func (p *EncodePipeline) Run() {
	if p.in == nil {
		return
	}
	p.wg.Add(1)
	defer p.wg.Done()
	ticker := time.NewTicker(time.Second / EncodeFPS)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
		}
		frame, ok := p.in.Pop()
		if !ok {
			continue
		}
		frags, err := p.EncodeFrame(frame)
		if err != nil {
			log.Printf("[video] encode frame: %v", err)
			continue
		}
		for _, frag := range frags {
			select {
			case p.Out <- frag:
			default:
				log.Printf("[video] fragment queue full, dropping fragment for frame %s", frag.FrameTimestamp)
			}
		}
	}
}

// Stop halts Run, if started.
func (p *EncodePipeline) Stop() {
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
	p.wg.Wait()
}

// SetLadder attaches the per-peer (or, for a single outgoing stream,
// session-wide) congestion controller whose level drives bitrate/fps/
// resolution and whether outgoing video is stopped entirely.
func (p *EncodePipeline) SetLadder(c *congestion.Controller) {
	p.mu.Lock()
	p.ladder = c
	p.mu.Unlock()
}

// ApplyLevel reconfigures the encoder for the given congestion level
// (spec.md §4.J's bitrate/fps/resolution table).
func (p *EncodePipeline) ApplyLevel(level congestion.Level) {
	bps, fps := defaultBitrateBps, EncodeFPS
	width, height := EncodeWidth, EncodeHeight
	switch level {
	case congestion.LevelFull:
	case congestion.LevelReducedBitrate:
		bps = 200_000
	case congestion.LevelReducedFPS:
		bps, fps = 200_000, 15
	case congestion.LevelReduced360p, congestion.LevelAudioOnly:
		bps, fps = 150_000, 15
		width, height = Resolution360Width, Resolution360Height
	}
	p.mu.Lock()
	p.bitrateBps = bps
	p.mu.Unlock()
	if err := p.enc.SetBitrate(bps); err != nil {
		log.Printf("[video] set bitrate: %v", err)
	}
	if err := p.enc.SetFrameRate(fps); err != nil {
		log.Printf("[video] set frame rate: %v", err)
	}
	if err := p.enc.SetResolution(width, height); err != nil {
		log.Printf("[video] set resolution: %v", err)
	}
}

// ForceKeyframe requests the next encoded frame be a keyframe, used when a
// NACK misses the keyframe cache entirely (spec.md §4.E).
func (p *EncodePipeline) ForceKeyframe() {
	p.mu.Lock()
	p.frameCounter = 0
	p.mu.Unlock()
}

// NoteSent records the wire sequence Transport assigned to a frame's first
// fragment, keyed against that frame's timestamp. A Nack identifies the
// missing fragment by sequence (spec.md §6), but KeyframeCache is keyed by
// timestamp, so this is the bridge HandleNack needs to resolve one into the
// other. Callers sending a fragment stream call this once per frame, right
// after Transport.SendVideoFragment returns the assigned sequence.
func (p *EncodePipeline) NoteSent(seq uint16, frameTs time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sentSeq[seq] = frameTs
	p.seqOrder = append(p.seqOrder, seq)
	if len(p.seqOrder) > sentSeqHistory {
		delete(p.sentSeq, p.seqOrder[0])
		p.seqOrder = p.seqOrder[1:]
	}
}

// HandleNack answers a keyframe NACK for the frame sent under seq: if the
// frame is still in the cache, its fragments are retransmitted verbatim;
// otherwise the encoder is asked to force-emit a fresh keyframe on its
// next frame (spec.md §4.E: "If not in cache, force-emit a fresh
// keyframe").
func (p *EncodePipeline) HandleNack(seq uint16) ([]Fragment, error) {
	p.mu.Lock()
	frameTs, ok := p.sentSeq[seq]
	p.mu.Unlock()
	if ok && p.cache != nil {
		if data, cok := p.cache.Lookup(frameTs); cok {
			return Fragmentize(wire.TypeVideoKeyframe, data, frameTs)
		}
	}
	p.ForceKeyframe()
	return nil, nil
}

// EncodeFrame encodes one captured frame (downscale is assumed already
// applied by the camera-specific source, or performed by enc itself) and
// splits the payload into ≤1200-byte fragments.
func (p *EncodePipeline) EncodeFrame(frame Frame) ([]Fragment, error) {
	p.mu.Lock()
	forceKey := p.frameCounter%KeyframeIntervalFrames == 0
	p.frameCounter++
	stopped := p.ladder != nil && p.ladder.Level() == congestion.LevelAudioOnly
	p.mu.Unlock()

	if stopped {
		return nil, nil
	}

	data, isKeyframe, err := p.enc.Encode(frame, forceKey)
	if err != nil {
		return nil, fmt.Errorf("video: encode: %w", err)
	}

	typ := wire.TypeVideoDelta
	if isKeyframe {
		typ = wire.TypeVideoKeyframe
		if p.cache != nil {
			p.cache.Store(frame.Timestamp, data)
		}
	}

	return Fragmentize(typ, data, frame.Timestamp)
}

// Fragmentize splits payload into ≤wire.PayloadMTU-byte fragments, all
// sharing frameTs so the sender can keep one frame's fragments together
// before Transport issues their shared sequence number (spec.md §4.E:
// "fragment id 0 is emitted first").
func Fragmentize(typ wire.Type, payload []byte, frameTs time.Duration) ([]Fragment, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("video: empty encoded payload")
	}
	total := (len(payload) + wire.PayloadMTU - 1) / wire.PayloadMTU
	if total > 255 {
		return nil, fmt.Errorf("video: encoded frame needs %d fragments, max 255", total)
	}
	frags := make([]Fragment, 0, total)
	for i := 0; i < total; i++ {
		start := i * wire.PayloadMTU
		end := start + wire.PayloadMTU
		if end > len(payload) {
			end = len(payload)
		}
		frags = append(frags, Fragment{
			Type:           typ,
			Payload:        payload[start:end],
			FragmentID:     uint8(i),
			FragmentTotal:  uint8(total),
			FrameTimestamp: frameTs,
		})
	}
	return frags, nil
}

// KeyframeCache retains the last keyframeCacheSize encoded keyframes so a
// NACK can be served without a fresh encode (spec.md §4.E).
type KeyframeCache struct {
	mu      sync.Mutex
	entries []keyframeEntry
}

type keyframeEntry struct {
	timestamp time.Duration
	data      []byte
}

// NewKeyframeCache returns an empty cache.
func NewKeyframeCache() *KeyframeCache { return &KeyframeCache{} }

// Store records a new keyframe, evicting the oldest once the cache is full.
func (c *KeyframeCache) Store(ts time.Duration, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.entries = append(c.entries, keyframeEntry{timestamp: ts, data: cp})
	if len(c.entries) > keyframeCacheSize {
		c.entries = c.entries[len(c.entries)-keyframeCacheSize:]
	}
}

// Lookup returns the cached keyframe payload for ts, if still held.
func (c *KeyframeCache) Lookup(ts time.Duration) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.entries) - 1; i >= 0; i-- {
		if c.entries[i].timestamp == ts {
			return c.entries[i].data, true
		}
	}
	return nil, false
}

// pendingFrame tracks in-progress reassembly for one (participant,
// sequence) video frame.
type pendingFrame struct {
	fragTotal  uint8
	haveCount  uint8
	have       []bool
	data       [][]byte
	isKeyframe bool
	firstSeen  time.Duration
	nackedAt   time.Duration
	nacked     bool
}

// ReassemblyOutcome reports what Reassembler.Accept decided for one
// fragment.
type ReassemblyOutcome struct {
	Complete bool
	Frame    []byte
	// NeedNack is set when a keyframe fragment has been missing long
	// enough to warrant a NACK to the sender. Seq and FragmentID identify
	// exactly which fragment to ask for (spec.md §6: "Nack(VideoKeyframe,
	// 100, 0)").
	NeedNack   bool
	Seq        uint16
	FragmentID uint8
}

// Reassembler reassembles fragmented video frames from one sending
// participant, tracks the keyframe-missing-fragment NACK trigger, and
// drops stale in-progress frames (spec.md §4.E).
type Reassembler struct {
	mu       sync.Mutex
	pending  map[uint16]*pendingFrame
	lastNack map[uint16]time.Duration
}

// NewReassembler returns an empty Reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{
		pending:  make(map[uint16]*pendingFrame),
		lastNack: make(map[uint16]time.Duration),
	}
}

// Accept ingests one fragment arriving at now. h.Sequence identifies the
// frame (all fragments of one frame share a sequence); h.FragmentID/Total
// identify its place within the frame.
func (r *Reassembler) Accept(h wire.Header, payload []byte, now time.Duration) ReassemblyOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.evictStale(now)

	pf, ok := r.pending[h.Sequence]
	if !ok {
		pf = &pendingFrame{
			fragTotal:  h.FragmentTotal,
			have:       make([]bool, h.FragmentTotal),
			data:       make([][]byte, h.FragmentTotal),
			isKeyframe: h.Type == wire.TypeVideoKeyframe,
			firstSeen:  now,
		}
		r.pending[h.Sequence] = pf
	}

	if int(h.FragmentID) < len(pf.have) && !pf.have[h.FragmentID] {
		pf.have[h.FragmentID] = true
		cp := make([]byte, len(payload))
		copy(cp, payload)
		pf.data[h.FragmentID] = cp
		pf.haveCount++
	}

	outcome := ReassemblyOutcome{Seq: h.Sequence}

	if pf.haveCount == pf.fragTotal {
		frame := make([]byte, 0, int(pf.fragTotal)*wire.PayloadMTU)
		for _, chunk := range pf.data {
			frame = append(frame, chunk...)
		}
		delete(r.pending, h.Sequence)
		outcome.Complete = true
		outcome.Frame = frame
		return outcome
	}

	if pf.isKeyframe && now-pf.firstSeen > minRTTMs {
		last, nacked := r.lastNack[h.Sequence]
		if !nacked || now-last >= nackDedupWindow {
			r.lastNack[h.Sequence] = now
			outcome.NeedNack = true
			for i, have := range pf.have {
				if !have {
					outcome.FragmentID = uint8(i)
					break
				}
			}
		}
	}

	return outcome
}

// evictStale drops any in-progress frame older than reassemblyTimeout.
// Caller must hold r.mu.
func (r *Reassembler) evictStale(now time.Duration) {
	for seq, pf := range r.pending {
		if now-pf.firstSeen > reassemblyTimeout {
			delete(r.pending, seq)
		}
	}
	for seq, ts := range r.lastNack {
		if now-ts > nackDedupWindow {
			delete(r.lastNack, seq)
		}
	}
}
