// Command hyperzoom is the HyperZoom process entry point: flag parsing
// layered over internal/config, session bring-up in either host or guest
// role, the central Transport.In demux that fans Control/Bye to
// internal/session and Audio/Video to internal/audio and internal/video,
// and the exit codes spec.md §6 defines.
//
// Grounded on rustyguts-bken's server/cli.go (os.Exit-coded error
// reporting to stderr) merged with client/main.go's device/session
// bring-up, collapsed into one non-GUI binary since spec.md §1 excludes
// the GUI shell the teacher's client wraps around the same pipeline.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jaronchong/hyperzoom/internal/audio"
	"github.com/jaronchong/hyperzoom/internal/clock"
	"github.com/jaronchong/hyperzoom/internal/config"
	"github.com/jaronchong/hyperzoom/internal/congestion"
	"github.com/jaronchong/hyperzoom/internal/session"
	"github.com/jaronchong/hyperzoom/internal/syncengine"
	"github.com/jaronchong/hyperzoom/internal/transport"
	"github.com/jaronchong/hyperzoom/internal/video"
	"github.com/jaronchong/hyperzoom/internal/wire"
)

// Exit codes (spec.md §6).
const (
	exitClean       = 0
	exitFatalInit   = 1
	exitJoinTimeout = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var f config.Flags
	fs := flag.NewFlagSet("hyperzoom", flag.ContinueOnError)
	fs.IntVar(&f.BindPort, "bind-port", 0, "local UDP port (0 = ephemeral)")
	fs.StringVar(&f.DisplayName, "display-name", "", "display name shown to peers")
	fs.IntVar(&f.AudioInputDevice, "audio-in", -1, "audio input device index (-1 = system default)")
	fs.IntVar(&f.AudioOutputDevice, "audio-out", -1, "audio output device index (-1 = system default)")
	fs.IntVar(&f.CameraDevice, "camera", -1, "camera device index (-1 = system default)")
	fs.StringVar(&f.RecordingRoot, "recording-root", "", "directory local recordings are written under")
	join := fs.String("join", "", "host:port to join as a guest; omit to host")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return exitFatalInit
	}
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "bind-port":
			f.MarkBindPortSet()
		case "display-name":
			f.MarkDisplayNameSet()
		case "audio-in":
			f.MarkAudioInputDeviceSet()
		case "audio-out":
			f.MarkAudioOutputDeviceSet()
		case "camera":
			f.MarkCameraDeviceSet()
		case "recording-root":
			f.MarkRecordingRootSet()
		}
	})

	cfg := f.Overlay(config.Load())
	if cfg.DisplayName == "" {
		cfg.DisplayName = defaultDisplayName()
	}

	var hostAddr *net.UDPAddr
	if *join != "" {
		addr, err := net.ResolveUDPAddr("udp", *join)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: resolve -join address: %v\n", err)
			return exitFatalInit
		}
		hostAddr = addr
	}

	clk := clock.New()
	tr, err := transport.New(cfg.BindPort, clk)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitFatalInit
	}
	defer tr.Stop()
	tr.Start()

	isHost := hostAddr == nil
	var sess *session.Session
	if isHost {
		sess = session.NewHost(cfg.DisplayName, tr, clk)
		log.Printf("[hyperzoom] hosting on %s", tr.LocalAddr())
	} else {
		sess = session.NewGuest(cfg.DisplayName, tr, clk)
	}
	sess.Run()
	defer sess.Close()

	audioEngine := audio.New(clk)
	audioEngine.SetInputDevice(cfg.AudioInputDevice)
	audioEngine.SetOutputDevice(cfg.AudioOutputDevice)
	if err := audioEngine.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "error: start audio engine: %v\n", err)
		return exitFatalInit
	}
	defer audioEngine.Stop()

	d := newDemux(tr, sess, audioEngine, clk)
	go d.run()

	events := newEventLoop(sess, tr, clk, audioEngine, isHost)
	go events.run()

	ladders := newLadderMonitor(tr, sess, clk)
	go ladders.run()

	if !isHost {
		if err := sess.Join(hostAddr); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			if errors.Is(err, session.ErrJoinTimeout) {
				return exitJoinTimeout
			}
			return exitFatalInit
		}
		log.Printf("[hyperzoom] joined as participant %d", sess.SelfID())
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Printf("[hyperzoom] shutting down")
	case <-events.fatalJoinTimeout:
		return exitJoinTimeout
	}

	sess.EndCall()
	return exitClean
}

func defaultDisplayName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "HyperZoom User"
	}
	return host
}

// demux is the single reader of Transport.In (spec.md §4.G/§4.H): Control
// and Bye packets go to Session.Dispatch, Audio to the audio engine's
// PlaybackIn, and Video to a per-sender reassembler, the latter answering
// keyframe-missing NACKs straight back over Transport.
type demux struct {
	tr    *transport.Transport
	sess  *session.Session
	audio *audio.Engine
	clk   *clock.Session

	reassemblers map[uint8]*video.Reassembler
}

func newDemux(tr *transport.Transport, sess *session.Session, a *audio.Engine, clk *clock.Session) *demux {
	return &demux{
		tr:           tr,
		sess:         sess,
		audio:        a,
		clk:          clk,
		reassemblers: make(map[uint8]*video.Reassembler),
	}
}

func (d *demux) run() {
	for in := range d.tr.In {
		switch in.Header.Type {
		case wire.TypeControl, wire.TypeBye:
			d.sess.Dispatch(in)
		case wire.TypeAudio:
			d.handleAudio(in)
		case wire.TypeVideoKeyframe, wire.TypeVideoDelta:
			d.handleVideo(in)
		}
	}
}

func (d *demux) handleAudio(in transport.Inbound) {
	tagged := audio.TaggedAudio{
		ParticipantID: in.Header.ParticipantID,
		Seq:           in.Header.Sequence,
		OpusData:      in.Payload,
	}
	select {
	case d.audio.PlaybackIn <- tagged:
	default:
		log.Printf("[hyperzoom] playback queue full, dropping audio from participant %d", in.Header.ParticipantID)
	}
}

func (d *demux) handleVideo(in transport.Inbound) {
	r, ok := d.reassemblers[in.Header.ParticipantID]
	if !ok {
		r = video.NewReassembler()
		d.reassemblers[in.Header.ParticipantID] = r
	}
	outcome := r.Accept(in.Header, in.Payload, d.clk.Now())
	if outcome.NeedNack {
		nack := wire.Nack{StreamType: wire.TypeVideoKeyframe, Sequence: outcome.Seq, FragmentID: outcome.FragmentID}
		if err := d.tr.SendControl(in.Header.ParticipantID, nack.Marshal()); err != nil {
			log.Printf("[hyperzoom] send nack to participant %d: %v", in.Header.ParticipantID, err)
		}
	}
	if outcome.Complete {
		// No concrete VP8 decoder/renderer is bound in this
		// build (spec.md §1 excludes GUI rendering); completed frames are
		// only acknowledged here, matching the external-collaborator
		// boundary internal/video.Decoder already draws.
		_ = outcome.Frame
	}
}

// toneLeadMs is how far into the future the host schedules PlayTone's
// deadline, giving every guest's translated local instant time to still
// be in the future once its Control packet arrives (spec.md §4.I).
const toneLeadMs = 500

// eventLoop is the single consumer of Session.Events: it answers the
// host's side of the clock-sync exchange (spec.md §4.I), drives each
// guest's 8-round syncengine.Exchange once every expected peer has
// connected, broadcasts the host's PlayTone once every guest has reported
// back, and surfaces a JoinTimeoutEvent to main's shutdown select.
type eventLoop struct {
	sess   *session.Session
	tr     *transport.Transport
	clk    *clock.Session
	audio  *audio.Engine
	isHost bool

	fatalJoinTimeout chan struct{}
	pongCh           chan wire.SyncPong
	selfOffsetMs     atomic.Int32

	syncReported map[uint8]bool
	toneArmed    bool

	// video is the local outgoing pipeline a NackEvent retransmits from.
	// Camera capture is an external collaborator not bound in this build
	// (see DESIGN.md), so this stays nil and handleNack is a no-op; a
	// future build wires it by setting this field after NewEncodePipeline.
	video *video.EncodePipeline
}

func newEventLoop(sess *session.Session, tr *transport.Transport, clk *clock.Session, a *audio.Engine, isHost bool) *eventLoop {
	return &eventLoop{
		sess:             sess,
		tr:               tr,
		clk:              clk,
		audio:            a,
		isHost:           isHost,
		fatalJoinTimeout: make(chan struct{}, 1),
		pongCh:           make(chan wire.SyncPong, syncengine.SampleCount),
	}
}

func (e *eventLoop) run() {
	for ev := range e.sess.Events {
		switch v := ev.(type) {
		case session.JoinTimeoutEvent:
			select {
			case e.fatalJoinTimeout <- struct{}{}:
			default:
			}
		case session.AllConnectedEvent:
			if !e.isHost {
				go e.runGuestExchange()
			}
		case session.SyncPingEvent:
			if e.isHost {
				e.answerPing(v)
			}
		case session.SyncPongEvent:
			select {
			case e.pongCh <- v.Pong:
			default:
			}
		case session.SyncReportEvent:
			if e.isHost {
				e.handleSyncReport(v)
			}
		case session.NackEvent:
			e.handleNack(v)
		case session.PlayToneEvent:
			local := v.DeadlineMs
			if !e.isHost {
				local = syncengine.TranslateToLocal(v.DeadlineMs, e.selfOffsetMs.Load())
			}
			log.Printf("[hyperzoom] sync tone armed, deadline=%dms", local)
			e.audio.ScheduleTone(local)
		default:
		}
	}
}

func (e *eventLoop) answerPing(v session.SyncPingEvent) {
	var responder syncengine.Responder
	pong := responder.HandlePing(v.Ping, e.clk.NowMs(), e.clk.NowMs())
	if err := e.tr.SendControl(v.From, pong.Marshal()); err != nil {
		log.Printf("[hyperzoom] send sync pong to participant %d: %v", v.From, err)
	}
}

// handleSyncReport tracks which connected guests have completed their
// sync exchange and, once every one of them has, broadcasts a single
// PlayTone deadline so the sync tone sounds at the same session-clock
// instant for everyone (spec.md §4.I).
func (e *eventLoop) handleSyncReport(v session.SyncReportEvent) {
	if e.syncReported == nil {
		e.syncReported = make(map[uint8]bool)
	}
	e.syncReported[v.From] = true
	if e.toneArmed {
		return
	}

	expected := 0
	for _, p := range e.sess.Snapshot() {
		if p.ID != 0 && p.State == session.StateConnected {
			expected++
		}
	}
	if expected == 0 || len(e.syncReported) < expected {
		return
	}
	e.toneArmed = true

	deadline := e.clk.NowMs() + toneLeadMs
	tone := wire.PlayTone{DeadlineMs: deadline}
	for _, p := range e.sess.Snapshot() {
		if p.ID == 0 {
			continue
		}
		if err := e.tr.SendControl(p.ID, tone.Marshal()); err != nil {
			log.Printf("[hyperzoom] send PlayTone to %d: %v", p.ID, err)
		}
	}
	e.audio.ScheduleTone(deadline)
}

// handleNack answers an inbound keyframe NACK (spec.md §4.E) by
// retransmitting the requested frame from the local outgoing pipeline, or
// forcing a fresh keyframe if it has already fallen out of cache.
func (e *eventLoop) handleNack(v session.NackEvent) {
	if e.video == nil {
		return
	}
	frags, err := e.video.HandleNack(v.Nack.Sequence)
	if err != nil {
		log.Printf("[hyperzoom] handle nack: %v", err)
		return
	}
	var seq uint16
	for i, frag := range frags {
		s, err := e.tr.SendVideoFragment(v.From, frag.Type, frag.Payload, frag.FragmentID, frag.FragmentTotal, seq, i > 0)
		if err != nil {
			log.Printf("[hyperzoom] retransmit fragment to %d: %v", v.From, err)
			continue
		}
		if i == 0 {
			seq = s
			e.video.NoteSent(seq, frag.FrameTimestamp)
		}
	}
}

// runGuestExchange drives this guest's 8-round clock-sync exchange:
// NextPing/SendControl pace the rounds, pongs routed in from run() via
// pongCh resolve each round's sample, and the final report (with this
// guest's own offset saved for later PlayTone translation) is sent back
// to the host.
func (e *eventLoop) runGuestExchange() {
	ex := syncengine.NewExchange()
	for !ex.Done() {
		ping, ok := ex.NextPing(e.clk.NowMs())
		if !ok {
			break
		}
		if err := e.tr.SendControl(0, ping.Marshal()); err != nil {
			log.Printf("[hyperzoom] sync ping: %v", err)
			return
		}
		select {
		case pong := <-e.pongCh:
			ex.HandlePong(pong, e.clk.NowMs())
		case <-time.After(200 * time.Millisecond):
		}
	}
	report, err := ex.Report()
	if err != nil {
		log.Printf("[hyperzoom] sync exchange incomplete: %v", err)
		return
	}
	e.selfOffsetMs.Store(report.OffsetMs)
	// report.OffsetMs is already hostClock-guestClock from this guest's own
	// vantage point, the same sign internal/transport.SetPeerOffset wants
	// for the host's pq entry (spec.md §4.J's rtt_mean feed).
	e.tr.SetPeerOffset(0, report.OffsetMs)
	e.tr.SeedPeerRTT(0, float64(report.MinRTTMs))
	if err := e.tr.SendControl(0, report.Marshal()); err != nil {
		log.Printf("[hyperzoom] send sync report: %v", err)
	}
}

// ladderMonitor periodically samples each peer's loss rate and RTT from
// internal/transport and feeds internal/congestion's per-peer ladder
// (spec.md §4.J); no video encoder is wired in this build, so the level
// transition is logged rather than applied to a live encode pipeline.
type ladderMonitor struct {
	tr   *transport.Transport
	sess *session.Session
	clk  *clock.Session

	controllers map[uint8]*congestion.Controller
}

func newLadderMonitor(tr *transport.Transport, sess *session.Session, clk *clock.Session) *ladderMonitor {
	return &ladderMonitor{tr: tr, sess: sess, clk: clk, controllers: make(map[uint8]*congestion.Controller)}
}

func (l *ladderMonitor) run() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		for _, p := range l.sess.Snapshot() {
			stats, ok := l.tr.Stats(p.ID)
			if !ok {
				continue
			}
			c, ok := l.controllers[p.ID]
			if !ok {
				c = congestion.NewController()
				l.controllers[p.ID] = c
			}
			before := c.Level()
			after := c.Sample(stats.LossRate, stats.RTTMs, l.clk.Now())
			if after != before {
				log.Printf("[hyperzoom] congestion level for participant %d: %s -> %s", p.ID, before, after)
			}
		}
	}
}
