// Package session implements the peer table and the per-peer state machine
// (spec.md §4.H): the Hello/Welcome handshake, host-assigned participant
// IDs, heartbeats, BYE, and the 5 s silence timeout. It is the only thing
// in the process allowed to mutate the participant table; every other
// package learns about peers through the Events channel.
//
// Grounded on rustyguts-bken's server/room.go (the mutex-protected client
// map, atomic ID allocation, add/remove bookkeeping) and server/client.go
// (per-client lifecycle), re-pointed from "one process hosts many remote
// clients over WebTransport" to "every process is symmetric and holds a
// peer table of at most three others, reachable over internal/transport's
// single UDP socket."
package session

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jaronchong/hyperzoom/internal/clock"
	"github.com/jaronchong/hyperzoom/internal/transport"
	"github.com/jaronchong/hyperzoom/internal/wire"
)

// MaxParticipants is the mesh size cap: IDs 0-3, host included (spec.md
// §4.I Open Question, resolved as a fixed 4-way mesh).
const MaxParticipants = 4

const (
	heartbeatInterval = 1 * time.Second
	silenceTimeout    = 5 * time.Second
	byeRepeats        = 3
	byeSpacing        = 50 * time.Millisecond
	joinRetryInterval = 1 * time.Second
	joinRetries       = 3
	tickInterval      = 200 * time.Millisecond
)

// State is a peer's position in the per-peer state machine (spec.md §4.H).
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// Participant is one entry in the session's peer table.
type Participant struct {
	ID          uint8
	DisplayName string
	Addr        *net.UDPAddr
	State       State
	LastSeen    time.Duration // session-clock reading at last received packet
	OffsetMs    int32         // this peer's clock offset, reported via SyncReport (host only)
}

// Role distinguishes the participant that assigns IDs and resolves
// SessionFull from everyone else.
type Role int

const (
	RoleHost Role = iota
	RoleGuest
)

// Event is the one-way notification stream from Session to the rest of
// the process. Concrete types below.
type Event interface{ isSessionEvent() }

type PeerJoinedEvent struct{ Peer Participant }
type PeerStateChangedEvent struct {
	ID    uint8
	State State
}
type PeerLeftEvent struct{ ID uint8 }
type ConnectedEvent struct {
	SelfID    uint8
	SessionID uint64
}
type SessionFullEvent struct{}
type JoinTimeoutEvent struct{}
type AllConnectedEvent struct{} // every expected peer reached Connected; sync engine's cue
type NackEvent struct {
	From uint8
	Nack wire.Nack
}
type SyncPingEvent struct {
	From uint8
	Ping wire.SyncPing
}
type SyncPongEvent struct {
	From uint8
	Pong wire.SyncPong
}
type SyncReportEvent struct {
	From   uint8
	Report wire.SyncReport
}
type PlayToneEvent struct{ DeadlineMs uint32 }

func (PeerJoinedEvent) isSessionEvent()       {}
func (PeerStateChangedEvent) isSessionEvent() {}
func (PeerLeftEvent) isSessionEvent()         {}
func (ConnectedEvent) isSessionEvent()        {}
func (SessionFullEvent) isSessionEvent()      {}
func (JoinTimeoutEvent) isSessionEvent()      {}
func (AllConnectedEvent) isSessionEvent()     {}
func (NackEvent) isSessionEvent()             {}
func (SyncPingEvent) isSessionEvent()         {}
func (SyncPongEvent) isSessionEvent()         {}
func (SyncReportEvent) isSessionEvent()       {}
func (PlayToneEvent) isSessionEvent()         {}

// Session owns the participant table (spec.md: "map of participant ID ->
// Participant... exclusively mutated by the Session task") plus the
// handshake, heartbeat, and BYE state machine built on top of it.
type Session struct {
	mu           sync.RWMutex
	participants map[uint8]*Participant

	selfID      uint8
	displayName string
	role        Role
	sessionID   uint64
	expectedN   int // participants expected once fully joined (host: unknown upfront; guest: len(Welcome.Peers)+1)

	tr  *transport.Transport
	clk *clock.Session

	Events chan Event

	stopCh chan struct{}
	wg     sync.WaitGroup

	allConnectedFired bool
	joinCh            chan Event
}

// ErrSessionFull and ErrJoinTimeout are the two failure modes of Join,
// distinguishable by the caller (spec.md exit code 2 is JoinTimeout only).
var (
	ErrSessionFull = fmt.Errorf("host rejected join: session full")
	ErrJoinTimeout = fmt.Errorf("no Welcome received after retries")
)

// NewHost creates a session in the Host role, with a freshly generated
// 64-bit session ID (spec.md §4.B: "session ID (64-bit random,
// host-generated)"). The host always holds participant ID 0.
func NewHost(displayName string, tr *transport.Transport, clk *clock.Session) *Session {
	return &Session{
		participants: make(map[uint8]*Participant),
		selfID:       0,
		displayName:  displayName,
		role:         RoleHost,
		sessionID:    randomSessionID(),
		tr:           tr,
		clk:          clk,
		Events:       make(chan Event, 64),
		stopCh:       make(chan struct{}),
	}
}

// NewGuest creates a session in the Guest role. The participant ID and
// session ID are not known until Welcome arrives.
func NewGuest(displayName string, tr *transport.Transport, clk *clock.Session) *Session {
	return &Session{
		participants: make(map[uint8]*Participant),
		displayName:  displayName,
		role:         RoleGuest,
		tr:           tr,
		clk:          clk,
		Events:       make(chan Event, 64),
		stopCh:       make(chan struct{}),
	}
}

// randomSessionID derives the 64-bit session identifier from a fresh
// random UUID's first 8 bytes, matching the teacher's own pull of
// google/uuid for unguessable identifiers.
func randomSessionID() uint64 {
	id := uuid.New()
	return binary.BigEndian.Uint64(id[:8])
}

// SelfID returns this process's assigned participant ID.
func (s *Session) SelfID() uint8 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selfID
}

// SessionID returns the session's 64-bit identifier.
func (s *Session) SessionID() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

// Snapshot returns a copy of every known remote participant (self is not
// represented as an entry in the table).
func (s *Session) Snapshot() []Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, *p)
	}
	return out
}

// Get returns a copy of one participant's state.
func (s *Session) Get(id uint8) (Participant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[id]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

// Run starts the heartbeat/timeout ticker; inbound packets reach the
// session through Dispatch. Stop via Close.
func (s *Session) Run() {
	s.wg.Add(1)
	go s.dispatchLoop()
}

// Close stops the session's goroutines without sending BYE; use EndCall
// for a graceful shutdown.
func (s *Session) Close() {
	close(s.stopCh)
	s.wg.Wait()
}

// dispatchLoop drives the heartbeat/silence-timeout ticker. Inbound packet
// routing happens via Dispatch, called by the process's central demux
// loop (cmd/hyperzoom), not here — Transport.In has exactly one consumer,
// shared across Control/Bye (handled here) and Audio/Video (handled by
// internal/audio and internal/video), so ownership of the channel lives
// one level up from Session.
func (s *Session) dispatchLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	lastHeartbeat := s.clk.Now()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			now := s.clk.Now()
			if now-lastHeartbeat >= heartbeatInterval {
				lastHeartbeat = now
				s.sendHeartbeats()
			}
			s.checkSilence()
		}
	}
}

// Dispatch demuxes one received Control/Bye packet by wire type, updating
// last-seen and routing Control subtypes to their handlers. The caller
// (cmd/hyperzoom's demux loop) is responsible for routing Audio/Video
// packets elsewhere and not passing them here.
func (s *Session) Dispatch(in transport.Inbound) {
	s.touchLastSeen(in.Header.ParticipantID, in.Header.Type)

	switch in.Header.Type {
	case wire.TypeControl:
		s.handleControl(in)
	case wire.TypeBye:
		s.handleBye(in.Header.ParticipantID)
	}
	// Audio/Video packets only refresh last-seen; internal/audio and
	// internal/video consume them via their own demux, not here.
}

func (s *Session) touchLastSeen(id uint8, typ wire.Type) {
	s.mu.Lock()
	p, ok := s.participants[id]
	if ok {
		p.LastSeen = s.clk.Now()
		if p.State == StateDisconnected && typ != wire.TypeBye {
			// A packet from a peer we'd marked Disconnected: spec.md's
			// state diagram has no edge back in, so this is treated as a
			// fresh rejoin attempt by the caller (Hello), not silently
			// resurrected here.
		}
	}
	s.mu.Unlock()
}

func (s *Session) handleControl(in transport.Inbound) {
	ct, err := wire.PeekControlType(in.Payload)
	if err != nil {
		slog.Debug("malformed control payload", "from", in.From, "err", err)
		return
	}

	switch ct {
	case wire.ControlHello:
		hello, err := wire.UnmarshalHello(in.Payload)
		if err != nil {
			slog.Debug("bad Hello", "from", in.From, "err", err)
			return
		}
		s.handleHello(in.From, hello)

	case wire.ControlWelcome:
		welcome, err := wire.UnmarshalWelcome(in.Payload)
		if err != nil {
			slog.Debug("bad Welcome", "from", in.From, "err", err)
			return
		}
		s.handleWelcome(in.From, welcome)

	case wire.ControlSessionFull:
		s.emit(SessionFullEvent{})
		s.mu.Lock()
		if s.joinCh != nil {
			select {
			case s.joinCh <- SessionFullEvent{}:
			default:
			}
		}
		s.mu.Unlock()

	case wire.ControlPeerJoined:
		pj, err := wire.UnmarshalPeerJoined(in.Payload)
		if err != nil {
			slog.Debug("bad PeerJoined", "from", in.From, "err", err)
			return
		}
		s.handlePeerJoined(pj)

	case wire.ControlHeartbeat:
		// touchLastSeen above already recorded arrival; nothing else to do.

	case wire.ControlNack:
		nack, err := wire.UnmarshalNack(in.Payload)
		if err != nil {
			slog.Debug("bad Nack", "from", in.From, "err", err)
			return
		}
		s.emit(NackEvent{From: in.Header.ParticipantID, Nack: nack})

	case wire.ControlSyncPing:
		ping, err := wire.UnmarshalSyncPing(in.Payload)
		if err != nil {
			slog.Debug("bad SyncPing", "from", in.From, "err", err)
			return
		}
		s.emit(SyncPingEvent{From: in.Header.ParticipantID, Ping: ping})

	case wire.ControlSyncPong:
		pong, err := wire.UnmarshalSyncPong(in.Payload)
		if err != nil {
			slog.Debug("bad SyncPong", "from", in.From, "err", err)
			return
		}
		s.emit(SyncPongEvent{From: in.Header.ParticipantID, Pong: pong})

	case wire.ControlSyncReport:
		report, err := wire.UnmarshalSyncReport(in.Payload)
		if err != nil {
			slog.Debug("bad SyncReport", "from", in.From, "err", err)
			return
		}
		s.mu.Lock()
		if p, ok := s.participants[in.Header.ParticipantID]; ok {
			p.OffsetMs = report.OffsetMs
		}
		s.mu.Unlock()
		// report.OffsetMs is hostClock-guestClock as the guest measured it;
		// from the host's pq entry for that guest the sign is reversed
		// (spec.md §4.J's rtt_mean feed, internal/transport.SetPeerOffset).
		s.tr.SetPeerOffset(in.Header.ParticipantID, -report.OffsetMs)
		s.tr.SeedPeerRTT(in.Header.ParticipantID, float64(report.MinRTTMs))
		s.emit(SyncReportEvent{From: in.Header.ParticipantID, Report: report})

	case wire.ControlPlayTone:
		tone, err := wire.UnmarshalPlayTone(in.Payload)
		if err != nil {
			slog.Debug("bad PlayTone", "from", in.From, "err", err)
			return
		}
		s.emit(PlayToneEvent{DeadlineMs: tone.DeadlineMs})

	default:
		slog.Debug("unhandled control type", "type", ct, "from", in.From)
	}
}

func (s *Session) emit(ev Event) {
	select {
	case s.Events <- ev:
	default:
		slog.Warn("events channel full, dropping event", "type", fmt.Sprintf("%T", ev))
	}
}

// --- Host-side Hello handling ---------------------------------------

func (s *Session) handleHello(from *net.UDPAddr, hello wire.Hello) {
	if s.role != RoleHost {
		s.handleGuestHello(from, hello)
		return
	}

	s.mu.Lock()
	id, ok := s.nextFreeIDLocked()
	if !ok {
		s.mu.Unlock()
		full := wire.SessionFull{}
		if err := s.tr.SendRaw(from, wire.TypeControl, full.Marshal()); err != nil {
			slog.Debug("send SessionFull", "to", from, "err", err)
		}
		return
	}

	existing := make([]wire.PeerInfo, 0, len(s.participants))
	roster := make([]wire.PeerInfo, 0, len(s.participants)+1)
	roster = append(roster, wire.PeerInfo{ParticipantID: 0, DisplayName: s.displayName})
	for _, p := range s.participants {
		pi := peerInfo(p)
		existing = append(existing, pi)
		roster = append(roster, pi)
	}

	p := &Participant{
		ID:          id,
		DisplayName: hello.DisplayName,
		Addr:        from,
		State:       StateConnected,
		LastSeen:    s.clk.Now(),
	}
	s.participants[id] = p
	s.mu.Unlock()

	s.tr.AddPeer(id, from)

	welcome := wire.Welcome{SessionID: s.sessionID, ParticipantID: id, Peers: roster}
	if err := s.tr.SendControl(id, welcome.Marshal()); err != nil {
		slog.Debug("send Welcome", "to", id, "err", err)
	}

	joined := wire.PeerJoined{Peer: peerInfo(p)}
	for _, other := range existing {
		if err := s.tr.SendControl(other.ParticipantID, joined.Marshal()); err != nil {
			slog.Debug("broadcast PeerJoined", "to", other.ParticipantID, "err", err)
		}
	}

	s.emit(PeerJoinedEvent{Peer: *p})
	s.emit(PeerStateChangedEvent{ID: id, State: StateConnected})
	s.maybeFireAllConnected()
}

// handleGuestHello is a guest receiving a direct Hello from another guest,
// sent for full-mesh symmetry after both learned of each other via the
// host's Welcome/PeerJoined. The sender's ID and address are already known
// from that roster; this just confirms the direct path is live.
func (s *Session) handleGuestHello(from *net.UDPAddr, hello wire.Hello) {
	s.mu.Lock()
	for _, p := range s.participants {
		if p.Addr != nil && p.Addr.String() == from.String() {
			p.State = StateConnected
			p.LastSeen = s.clk.Now()
			s.mu.Unlock()
			s.emit(PeerStateChangedEvent{ID: p.ID, State: StateConnected})
			s.maybeFireAllConnected()
			return
		}
	}
	s.mu.Unlock()
	slog.Debug("Hello from unrecognized peer, ignoring", "from", from, "display_name", hello.DisplayName)
}

// nextFreeIDLocked returns the lowest unused participant ID in [1,3], or
// false if the mesh is already at MaxParticipants (host included).
func (s *Session) nextFreeIDLocked() (uint8, bool) {
	if len(s.participants)+1 >= MaxParticipants {
		return 0, false
	}
	for id := uint8(1); id < MaxParticipants; id++ {
		if _, taken := s.participants[id]; !taken {
			return id, true
		}
	}
	return 0, false
}

func peerInfo(p *Participant) wire.PeerInfo {
	pi := wire.PeerInfo{ParticipantID: p.ID, DisplayName: p.DisplayName}
	if p.Addr != nil {
		if ip4 := p.Addr.IP.To4(); ip4 != nil {
			copy(pi.IP[:], ip4)
		}
		pi.Port = uint16(p.Addr.Port)
	}
	return pi
}

func peerInfoAddr(pi wire.PeerInfo) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(pi.IP[0], pi.IP[1], pi.IP[2], pi.IP[3]), Port: int(pi.Port)}
}

// --- Guest-side Welcome/PeerJoined handling ---------------------------

// Join sends Hello to the host and blocks until Welcome, SessionFull, or a
// retry-exhausted JoinTimeout, per spec.md §4.H: 3 retries at 1 s
// intervals, then JoinTimeout. Welcome and SessionFull are resolved by
// Dispatch, so inbound Control packets must already be routed to Dispatch
// while Join blocks.
func (s *Session) Join(hostAddr *net.UDPAddr) error {
	s.tr.AddPeer(0, hostAddr)
	hello := wire.Hello{DisplayName: s.displayName}
	payload := hello.Marshal()

	for attempt := 0; attempt <= joinRetries; attempt++ {
		if err := s.tr.SendControl(0, payload); err != nil {
			return fmt.Errorf("session: send Hello: %w", err)
		}
		select {
		case ev := <-s.joinResult():
			switch ev.(type) {
			case ConnectedEvent:
				return nil
			case SessionFullEvent:
				return fmt.Errorf("session: %w", ErrSessionFull)
			}
		case <-time.After(joinRetryInterval):
			continue
		case <-s.stopCh:
			return fmt.Errorf("session: stopped before join completed")
		}
	}
	s.emit(JoinTimeoutEvent{})
	return fmt.Errorf("session: %w", ErrJoinTimeout)
}

// joinResult is a private one-shot relay: Dispatch's handlers push Connected/
// SessionFull onto it during the join window so Join can block on a
// single channel without racing the public Events consumer.
func (s *Session) joinResult() <-chan Event {
	s.mu.Lock()
	if s.joinCh == nil {
		s.joinCh = make(chan Event, 1)
	}
	ch := s.joinCh
	s.mu.Unlock()
	return ch
}

// handleWelcome completes the guest's admission: records self ID and
// session ID, populates the peer table from the roster, and opens direct
// contact with every listed peer for full-mesh symmetry.
func (s *Session) handleWelcome(from *net.UDPAddr, welcome wire.Welcome) {
	s.mu.Lock()
	if s.selfID != 0 || len(s.participants) > 0 {
		// Already admitted; a retried Hello raced a Welcome reply.
		s.mu.Unlock()
		return
	}
	s.selfID = welcome.ParticipantID
	s.sessionID = welcome.SessionID
	s.expectedN = len(welcome.Peers) + 1 // welcome.Peers already includes the host; +1 for self

	host := &Participant{ID: 0, Addr: from, State: StateConnected, LastSeen: s.clk.Now()}
	s.participants[0] = host
	for _, pi := range welcome.Peers {
		if pi.ParticipantID == 0 {
			host.DisplayName = pi.DisplayName
			continue
		}
		s.participants[pi.ParticipantID] = &Participant{
			ID:          pi.ParticipantID,
			DisplayName: pi.DisplayName,
			Addr:        peerInfoAddr(pi),
			State:       StateConnecting,
		}
	}
	peers := welcome.Peers
	s.mu.Unlock()

	hello := wire.Hello{DisplayName: s.displayName}
	for _, pi := range peers {
		if pi.ParticipantID == 0 {
			continue
		}
		addr := peerInfoAddr(pi)
		s.tr.AddPeer(pi.ParticipantID, addr)
		if err := s.tr.SendControl(pi.ParticipantID, hello.Marshal()); err != nil {
			slog.Debug("direct Hello", "to", pi.ParticipantID, "err", err)
		}
	}

	s.emit(ConnectedEvent{SelfID: s.selfID, SessionID: s.sessionID})
	s.mu.Lock()
	if s.joinCh != nil {
		select {
		case s.joinCh <- ConnectedEvent{SelfID: s.selfID, SessionID: s.sessionID}:
		default:
		}
	}
	s.mu.Unlock()
	s.maybeFireAllConnected()
}

// handlePeerJoined admits a peer that joined after this guest did, and
// opens direct contact with it (spec.md §4.H full-mesh symmetry).
func (s *Session) handlePeerJoined(pj wire.PeerJoined) {
	s.mu.Lock()
	if _, already := s.participants[pj.Peer.ParticipantID]; already {
		s.mu.Unlock()
		return
	}
	p := &Participant{
		ID:          pj.Peer.ParticipantID,
		DisplayName: pj.Peer.DisplayName,
		Addr:        peerInfoAddr(pj.Peer),
		State:       StateConnecting,
	}
	s.participants[p.ID] = p
	s.mu.Unlock()

	s.tr.AddPeer(p.ID, p.Addr)
	hello := wire.Hello{DisplayName: s.displayName}
	if err := s.tr.SendControl(p.ID, hello.Marshal()); err != nil {
		slog.Debug("direct Hello to newly joined peer", "to", p.ID, "err", err)
	}
	s.emit(PeerJoinedEvent{Peer: *p})
}

// handleBye immediately moves a peer to Disconnected (spec.md §4.H: "On
// Bye receipt, immediately move peer to Disconnected").
func (s *Session) handleBye(id uint8) {
	s.mu.Lock()
	p, ok := s.participants[id]
	if !ok || p.State == StateDisconnected {
		s.mu.Unlock()
		return
	}
	p.State = StateDisconnected
	s.mu.Unlock()
	s.tr.RemovePeer(id)
	s.emit(PeerStateChangedEvent{ID: id, State: StateDisconnected})
	s.emit(PeerLeftEvent{ID: id})
}

// maybeFireAllConnected is meaningful on the guest side only: expectedN is
// set once Welcome arrives, and AllConnectedEvent is the cue a guest's
// syncengine.Exchange waits on before starting its 8-round clock sync
// (spec.md §4.I: "after all expected peers are Connected"). The host has
// no fixed peer count to wait for — it only ever responds to sync rounds
// via syncengine.Responder — so expectedN stays 0 and this is a no-op
// there.
func (s *Session) maybeFireAllConnected() {
	s.mu.Lock()
	if s.allConnectedFired || s.expectedN == 0 {
		s.mu.Unlock()
		return
	}
	connected := 1 // self
	for _, p := range s.participants {
		if p.State == StateConnected {
			connected++
		}
	}
	if connected >= s.expectedN {
		s.allConnectedFired = true
		s.mu.Unlock()
		s.emit(AllConnectedEvent{})
		return
	}
	s.mu.Unlock()
}

// --- Heartbeat / silence timeout --------------------------------------

func (s *Session) sendHeartbeats() {
	hb := wire.Heartbeat{}.Marshal()
	s.mu.RLock()
	ids := make([]uint8, 0, len(s.participants))
	for id, p := range s.participants {
		if p.State == StateConnected {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()
	for _, id := range ids {
		if err := s.tr.SendControl(id, hb); err != nil {
			slog.Debug("heartbeat", "to", id, "err", err)
		}
	}
}

// checkSilence moves any Connected peer with no received packet in the
// last 5 s to Disconnected (spec.md §4.H state diagram).
func (s *Session) checkSilence() {
	now := s.clk.Now()
	s.mu.Lock()
	var timedOut []uint8
	for id, p := range s.participants {
		if p.State == StateConnected && now-p.LastSeen > silenceTimeout {
			p.State = StateDisconnected
			timedOut = append(timedOut, id)
		}
	}
	s.mu.Unlock()

	for _, id := range timedOut {
		s.tr.RemovePeer(id)
		s.emit(PeerStateChangedEvent{ID: id, State: StateDisconnected})
		s.emit(PeerLeftEvent{ID: id})
	}
}

// --- Graceful shutdown -------------------------------------------------

// EndCall sends Bye 3 times at 50 ms intervals to every known peer, then
// stops the session's goroutines (spec.md §4.H).
func (s *Session) EndCall() {
	s.mu.RLock()
	ids := make([]uint8, 0, len(s.participants))
	for id := range s.participants {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for i := 0; i < byeRepeats; i++ {
		for _, id := range ids {
			if err := s.tr.SendBye(id); err != nil {
				slog.Debug("bye", "to", id, "err", err)
			}
		}
		if i < byeRepeats-1 {
			time.Sleep(byeSpacing)
		}
	}
	s.Close()
}
