// Package audio implements the live audio capture/encode and decode/
// playback halves of the media pipeline (spec.md §4.B live half, §4.D),
// fanning captured microphone PCM out to both the live-send path and the
// local-recording ring, and mixing every participant's decoded jitter-
// buffer output down to one playback buffer.
//
// Grounded on rustyguts-bken's client/audio.go: the paStream/opusEncoder/
// opusDecoder test-seam interfaces, the Start/Stop device lifecycle and
// its stop-before-close ordering, the capture loop's gate->AGC->VAD
// processing chain (AEC is dropped: echo cancellation is an explicit
// spec.md Non-goal), and the playback loop's per-sender decoder map with
// periodic pruning. Buffering is adapted from a single PlaybackIn channel
// plus teacher jitter.Buffer to spec.md's dual audio_live/audio_rec ring
// fan-out (internal/ring) and the millisecond-denominated jitteraudio
// buffer (internal/jitteraudio), and Opus frame size is changed from the
// teacher's 960-sample/20ms to spec.md's 240-sample/5ms.
package audio

import (
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
	opus "gopkg.in/hraban/opus.v2"

	"github.com/jaronchong/hyperzoom/internal/audio/agc"
	"github.com/jaronchong/hyperzoom/internal/audio/noisegate"
	"github.com/jaronchong/hyperzoom/internal/audio/vad"
	"github.com/jaronchong/hyperzoom/internal/clock"
	"github.com/jaronchong/hyperzoom/internal/jitteraudio"
	"github.com/jaronchong/hyperzoom/internal/ring"
)

const (
	sampleRate = 48000
	channels   = 1
	// FrameSize is 5 ms at 48 kHz mono (spec.md §4.D: "accumulates 240
	// samples").
	FrameSize = 240

	// defaultBitrate sits in the middle of spec.md's 24-32 kbps CBR range.
	defaultBitrate = 28000
	minBitrate     = 24000
	maxBitrate     = 32000

	opusMaxPacketBytes = 1275 // RFC 6716 max Opus packet size

	// ringFrames sizes audio_live/audio_rec at roughly 200 ms of PCM
	// (spec.md §3: "audio rings ~= 200 ms of PCM").
	ringFrames = 40 // 40 * 5ms = 200ms

	captureChannelBuf  = 60
	playbackChannelBuf = 60

	// decoderPruneEvery controls how often per-sender decoders are pruned
	// for senders with no active jitter buffer stream (every N playback
	// ticks; N*5ms ~= 10s).
	decoderPruneEvery = 2000
)

// Device describes one available audio device.
type Device struct {
	ID   int
	Name string
}

// paStream abstracts a PortAudio stream for testing.
type paStream interface {
	Start() error
	Stop() error
	Close() error
	Read() error
	Write() error
}

// opusEncoder abstracts Opus encoding for testing.
type opusEncoder interface {
	Encode(pcm []int16, data []byte) (int, error)
	SetBitrate(bitrate int) error
	SetDTX(dtx bool) error
	SetInBandFEC(fec bool) error
	SetPacketLossPerc(lossPerc int) error
}

// opusDecoder abstracts Opus decoding for testing.
type opusDecoder interface {
	Decode(data []byte, pcm []int16) (int, error)
}

// TaggedAudio is one decoded-ready Opus frame received from the network,
// already demultiplexed to a single participant by internal/transport.
type TaggedAudio struct {
	ParticipantID uint8
	Seq           uint16
	OpusData      []byte
}

// Engine owns microphone capture, Opus encode, network decode, and the
// local mixer. Exactly one Engine exists per session.
type Engine struct {
	mu sync.Mutex

	clock *clock.Session

	inputDeviceID  int
	outputDeviceID int
	volume         float64

	encoder opusEncoder
	decoder map[uint8]opusDecoder

	captureStream  paStream
	playbackStream paStream

	gateProc *noisegate.Gate
	agcProc  *agc.AGC
	vadProc  *vad.VAD

	jitterBufs map[uint8]*jitteraudio.Buffer

	tone *ToneInjector

	// LiveOut carries raw capture PCM for the live encode path. LiveOut
	// uses PushOverwrite: live is disposable.
	LiveOut *ring.Ring[[]int16]
	// RecOut carries raw capture PCM for the local recorder. RecOut uses
	// Push and must never observe Full under normal load: local is sacred.
	RecOut *ring.Ring[[]int16]

	// CaptureOut carries encoded Opus frames ready for Transport with
	// send priority High (spec.md §4.D).
	CaptureOut chan []byte
	// PlaybackIn carries decoded-ready Opus frames tagged by participant,
	// fed by cmd/hyperzoom's receive-side demux loop.
	PlaybackIn chan TaggedAudio

	UserVolumeFunc func(participantID uint8) float64

	running  atomic.Bool
	muted    atomic.Bool
	deafened atomic.Bool
	pttMode  atomic.Bool
	pttActive atomic.Bool

	currentBitrate atomic.Int32

	captureDropped  atomic.Uint64
	recOverflowed   atomic.Uint64
	playbackDropped atomic.Uint64

	inputLevel atomic.Uint32

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New returns an Engine bound to the given session clock, used for
// session-relative timestamps handed to the jitter buffers and tone
// injector.
func New(sess *clock.Session) *Engine {
	e := &Engine{
		clock:          sess,
		inputDeviceID:  -1,
		outputDeviceID: -1,
		volume:         1.0,
		decoder:        make(map[uint8]opusDecoder),
		jitterBufs:     make(map[uint8]*jitteraudio.Buffer),
		gateProc:       noisegate.New(),
		agcProc:        agc.New(),
		vadProc:        vad.New(),
		tone:           NewToneInjector(),
		LiveOut:        ring.New[[]int16](ringFrames),
		RecOut:         ring.New[[]int16](ringFrames),
		CaptureOut:     make(chan []byte, captureChannelBuf),
		PlaybackIn:     make(chan TaggedAudio, playbackChannelBuf),
		stopCh:         make(chan struct{}),
	}
	e.currentBitrate.Store(defaultBitrate / 1000)
	return e
}

// ListInputDevices returns available audio input devices.
func ListInputDevices() []Device {
	return listDevices(func(d *portaudio.DeviceInfo) bool { return d.MaxInputChannels > 0 })
}

// ListOutputDevices returns available audio output devices.
func ListOutputDevices() []Device {
	return listDevices(func(d *portaudio.DeviceInfo) bool { return d.MaxOutputChannels > 0 })
}

func listDevices(match func(*portaudio.DeviceInfo) bool) []Device {
	devices, err := portaudio.Devices()
	if err != nil {
		log.Printf("[audio] list devices: %v", err)
		return nil
	}
	var out []Device
	for i, d := range devices {
		if match(d) {
			out = append(out, Device{ID: i, Name: d.Name})
		}
	}
	return out
}

// SetInputDevice sets the capture device by index.
func (e *Engine) SetInputDevice(id int) {
	e.mu.Lock()
	e.inputDeviceID = id
	e.mu.Unlock()
}

// SetOutputDevice sets the playback device by index.
func (e *Engine) SetOutputDevice(id int) {
	e.mu.Lock()
	e.outputDeviceID = id
	e.mu.Unlock()
}

// SetVolume sets the playback volume in [0.0, 1.0].
func (e *Engine) SetVolume(vol float64) {
	if vol < 0 {
		vol = 0
	}
	if vol > 1 {
		vol = 1
	}
	e.mu.Lock()
	e.volume = vol
	e.mu.Unlock()
}

// SetMuted mutes or unmutes the microphone (stops sending, not capturing).
func (e *Engine) SetMuted(muted bool) { e.muted.Store(muted) }

// SetDeafened enables or disables audio playback.
func (e *Engine) SetDeafened(deafened bool) { e.deafened.Store(deafened) }

// SetPTTMode enables or disables push-to-talk; PTT takes precedence over VAD.
func (e *Engine) SetPTTMode(enabled bool) {
	e.pttMode.Store(enabled)
	if !enabled {
		e.pttActive.Store(false)
	}
}

// SetPTTActive sets whether the push-to-talk key is currently held.
func (e *Engine) SetPTTActive(active bool) { e.pttActive.Store(active) }

// InputLevel returns the most recent pre-gate RMS mic input level.
func (e *Engine) InputLevel() float32 { return math.Float32frombits(e.inputLevel.Load()) }

// CurrentBitrate returns the Opus encoder's current target bitrate in kbps.
func (e *Engine) CurrentBitrate() int { return int(e.currentBitrate.Load()) }

// SetBitrate changes the Opus target bitrate, clamped to spec.md §4.D's
// 24-32 kbps CBR range.
func (e *Engine) SetBitrate(kbps int) {
	if kbps < minBitrate/1000 {
		kbps = minBitrate / 1000
	}
	if kbps > maxBitrate/1000 {
		kbps = maxBitrate / 1000
	}
	e.mu.Lock()
	if e.encoder != nil {
		if err := e.encoder.SetBitrate(kbps * 1000); err != nil {
			log.Printf("[audio] SetBitrate %d kbps: %v", kbps, err)
		}
	}
	e.mu.Unlock()
	e.currentBitrate.Store(int32(kbps))
}

// ScheduleTone arms the sync tone (spec.md §4.I) to start at the given
// session-clock deadline, local to this participant.
func (e *Engine) ScheduleTone(localDeadlineMs uint32) {
	e.tone.ScheduleAt(localDeadlineMs)
}

// DroppedFrames returns and resets the capture/playback drop counters and
// the audio_rec overflow counter (spec.md §3: audio_rec overflow is a
// critical-log event, never a silent drop).
func (e *Engine) DroppedFrames() (captureDropped, playbackDropped, recOverflowed uint64) {
	return e.captureDropped.Swap(0), e.playbackDropped.Swap(0), e.recOverflowed.Swap(0)
}

// Start opens the Opus codec and the capture/playback device streams.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running.Load() {
		return nil
	}

	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppRestrictedLowdelay)
	if err != nil {
		return fmt.Errorf("audio: new encoder: %w", err)
	}
	enc.SetBitrate(defaultBitrate)
	enc.SetDTX(true)
	enc.SetInBandFEC(true)
	enc.SetPacketLossPerc(5)
	e.encoder = enc
	e.currentBitrate.Store(defaultBitrate / 1000)

	devices, err := portaudio.Devices()
	if err != nil {
		return fmt.Errorf("audio: list devices: %w", err)
	}
	inputDev, err := resolveDevice(devices, e.inputDeviceID, portaudio.DefaultInputDevice)
	if err != nil {
		return fmt.Errorf("audio: resolve input device: %w", err)
	}
	outputDev, err := resolveDevice(devices, e.outputDeviceID, portaudio.DefaultOutputDevice)
	if err != nil {
		return fmt.Errorf("audio: resolve output device: %w", err)
	}

	captureBuf := make([]float32, FrameSize)
	captureStream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   inputDev,
			Channels: channels,
			Latency:  inputDev.DefaultLowInputLatency,
		},
		SampleRate:      sampleRate,
		FramesPerBuffer: FrameSize,
	}, captureBuf)
	if err != nil {
		return fmt.Errorf("audio: open capture stream: %w", err)
	}

	playbackBuf := make([]float32, FrameSize)
	playbackStream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   outputDev,
			Channels: channels,
			Latency:  outputDev.DefaultLowOutputLatency,
		},
		SampleRate:      sampleRate,
		FramesPerBuffer: FrameSize,
	}, playbackBuf)
	if err != nil {
		captureStream.Close()
		return fmt.Errorf("audio: open playback stream: %w", err)
	}

	if err := captureStream.Start(); err != nil {
		captureStream.Close()
		playbackStream.Close()
		return fmt.Errorf("audio: start capture: %w", err)
	}
	if err := playbackStream.Start(); err != nil {
		captureStream.Stop()
		captureStream.Close()
		playbackStream.Close()
		return fmt.Errorf("audio: start playback: %w", err)
	}

	e.captureStream = captureStream
	e.playbackStream = playbackStream
	e.stopCh = make(chan struct{})
	e.running.Store(true)

	e.wg.Add(2)
	go func() { defer e.wg.Done(); e.captureLoop(captureBuf) }()
	go func() { defer e.wg.Done(); e.playbackLoop(playbackBuf) }()

	log.Printf("[audio] started capture=%s playback=%s", inputDev.Name, outputDev.Name)
	return nil
}

func resolveDevice(devices []*portaudio.DeviceInfo, idx int, fallback func() (*portaudio.DeviceInfo, error)) (*portaudio.DeviceInfo, error) {
	if idx >= 0 && idx < len(devices) {
		return devices[idx], nil
	}
	return fallback()
}

// Stop halts capture and playback. Streams are stopped (unblocking any
// in-flight Read/Write) before the goroutines are joined, and joined
// before the streams are closed, mirroring the teacher's ordering to
// avoid freeing a native stream object a goroutine is still touching.
func (e *Engine) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	close(e.stopCh)

	e.mu.Lock()
	if e.captureStream != nil {
		e.captureStream.Stop()
	}
	if e.playbackStream != nil {
		e.playbackStream.Stop()
	}
	e.mu.Unlock()

	e.wg.Wait()

	e.mu.Lock()
	if e.captureStream != nil {
		e.captureStream.Close()
		e.captureStream = nil
	}
	if e.playbackStream != nil {
		e.playbackStream.Close()
		e.playbackStream = nil
	}
	e.mu.Unlock()

	log.Println("[audio] stopped")
}

func zeroFloat32(buf []float32) {
	for i := range buf {
		buf[i] = 0
	}
}

func clampFloat32(v float32) float32 {
	if v > 1.0 {
		return 1.0
	}
	if v < -1.0 {
		return -1.0
	}
	return v
}

func (e *Engine) captureLoop(buf []float32) {
	pcm := make([]int16, FrameSize)
	opusBuf := make([]byte, opusMaxPacketBytes)
	var seq uint16

	for e.running.Load() {
		if err := e.captureStream.Read(); err != nil {
			if e.running.Load() {
				log.Printf("[audio] capture read: %v", err)
			}
			return
		}

		nowMs := e.clock.NowMs()

		// Noise gate first: zeroes frames below threshold, reports
		// pre-gate RMS for the input level meter.
		preGateRMS := e.gateProc.Process(buf)
		e.inputLevel.Store(math.Float32bits(preGateRMS))

		// AGC brings the gated signal toward the target loudness before
		// VAD judges whether to transmit.
		e.agcProc.Process(buf)

		// Mix in the sync tone, if armed for this instant, before fan-out
		// so it reaches both audio_rec and the live encode path in the
		// same frame (spec.md §4.I: "added to both audio_rec and playback
		// mix in the same frame").
		if toneFrame := e.tone.Samples(nowMs, FrameSize); toneFrame != nil {
			for i := range buf {
				buf[i] = clampFloat32(buf[i] + toneFrame[i])
			}
		}

		for i, s := range buf {
			pcm[i] = int16(clampFloat32(s) * 32767)
		}
		recPCM := make([]int16, FrameSize)
		copy(recPCM, pcm)
		if e.RecOut.Push(recPCM) == ring.Full {
			// spec.md §3: audio_rec Full is a critical event, never a
			// silent drop; the local recording ring is sized generously
			// specifically so this should never happen in practice.
			e.recOverflowed.Add(1)
			log.Printf("[audio] CRITICAL audio_rec overflow, frame dropped")
		}

		livePCM := make([]int16, FrameSize)
		copy(livePCM, pcm)
		e.LiveOut.PushOverwrite(livePCM)

		if e.pttMode.Load() && !e.pttActive.Load() {
			continue
		}
		if !e.pttMode.Load() && !e.vadProc.ShouldSend(vad.RMS(buf)) {
			continue
		}

		n, err := e.encoder.Encode(pcm, opusBuf)
		if err != nil {
			log.Printf("[audio] encode: %v", err)
			continue
		}
		encoded := make([]byte, n)
		copy(encoded, opusBuf[:n])
		seq++

		if !e.muted.Load() {
			select {
			case e.CaptureOut <- encoded:
			default:
				e.captureDropped.Add(1)
			}
		}
	}
}

func (e *Engine) playbackLoop(buf []float32) {
	pcm := make([]int16, FrameSize)
	var pruneCounter int

	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

	drain:
		for {
			select {
			case tagged := <-e.PlaybackIn:
				jb := e.jitterBufferFor(tagged.ParticipantID)
				jb.Push(tagged.Seq, decodeFrame(e.decoderFor(tagged.ParticipantID), tagged.OpusData, pcm), e.clock.Now())
			default:
				break drain
			}
		}

		zeroFloat32(buf)
		nowMs := e.clock.NowMs()

		if !e.deafened.Load() {
			e.mu.Lock()
			vol := e.volume
			ufn := e.UserVolumeFunc
			e.mu.Unlock()
			scale := float32(vol)

			for pid, jb := range e.jitterBufs {
				res, ok := jb.Pop(e.clock.Now())
				if !ok {
					continue
				}
				var framePCM []int16
				if res.Missing {
					jb.RecordLoss(e.clock.Now())
					framePCM = decodeFrame(e.decoderFor(pid), nil, pcm) // Opus PLC
				} else {
					framePCM = res.PCM
				}
				userScale := scale
				if ufn != nil {
					userScale = scale * float32(ufn(pid))
				}
				for i := 0; i < len(framePCM) && i < len(buf); i++ {
					buf[i] += float32(framePCM[i]) / 32768.0 * userScale
				}
			}

			if toneFrame := e.tone.Samples(nowMs, FrameSize); toneFrame != nil {
				for i := range buf {
					buf[i] += toneFrame[i]
				}
			}

			for i := range buf {
				buf[i] = clampFloat32(buf[i])
			}
		}

		pruneCounter++
		if pruneCounter >= decoderPruneEvery {
			pruneCounter = 0
			e.pruneStaleDecoders()
		}

		if err := e.playbackStream.Write(); err != nil {
			if e.running.Load() {
				log.Printf("[audio] playback write: %v", err)
			}
			return
		}
	}
}

// decodeFrame decodes data into a fresh int16 slice using scratch as the
// working buffer, or nil if decode failed. data == nil requests Opus PLC.
func decodeFrame(dec opusDecoder, data []byte, scratch []int16) []int16 {
	n, err := dec.Decode(data, scratch)
	if err != nil {
		log.Printf("[audio] decode: %v", err)
		return nil
	}
	out := make([]int16, n)
	copy(out, scratch[:n])
	return out
}

func (e *Engine) decoderFor(participantID uint8) opusDecoder {
	e.mu.Lock()
	defer e.mu.Unlock()
	if d, ok := e.decoder[participantID]; ok {
		return d
	}
	d, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		log.Printf("[audio] create decoder for participant %d: %v", participantID, err)
		return noopDecoder{}
	}
	e.decoder[participantID] = d
	return d
}

func (e *Engine) jitterBufferFor(participantID uint8) *jitteraudio.Buffer {
	e.mu.Lock()
	defer e.mu.Unlock()
	jb, ok := e.jitterBufs[participantID]
	if !ok {
		jb = jitteraudio.New()
		e.jitterBufs[participantID] = jb
	}
	return jb
}

func (e *Engine) pruneStaleDecoders() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for pid := range e.decoder {
		if _, ok := e.jitterBufs[pid]; !ok {
			delete(e.decoder, pid)
		}
	}
}

// RemoveParticipant drops all decode/jitter state for a participant who
// has left the session.
func (e *Engine) RemoveParticipant(participantID uint8) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.jitterBufs, participantID)
	delete(e.decoder, participantID)
}

// noopDecoder is used if Opus decoder construction fails, so a bad
// participant never panics the playback loop.
type noopDecoder struct{}

func (noopDecoder) Decode(data []byte, pcm []int16) (int, error) {
	for i := range pcm {
		pcm[i] = 0
	}
	return len(pcm), nil
}
