// Package transport implements the single-UDP-socket send/receive seam
// (spec.md §4.G): per-peer high/low priority send queues, MTU discipline,
// sequence/timestamp issuance, and receive-side demux by (type,
// participant).
//
// Grounded on rustyguts-bken's client/transport.go, re-pointed from one
// QUIC session per process to one net.UDPConn shared by up to three
// peers: the dgramPool sync.Pool buffer reuse on the send hot path, the
// atomic RTT/loss/jitter EWMA accounting fields, and the sequence-gap
// loss-accounting loop in StartReceiving are kept in spirit, generalized
// from "one session, one peer" to "one socket, N peers," and from a
// single datagram stream to the explicit high/low send queues spec.md
// §4.G requires ("audio before video" is enforced at this seam only).
package transport

import (
	"fmt"
	"log"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jaronchong/hyperzoom/internal/clock"
	"github.com/jaronchong/hyperzoom/internal/wire"
)

const (
	sendQueueDepth = 64
	recvBufferSize = wire.MaxPacket

	// rttWindow is how many heartbeat RTT samples PeerStats.RTTMs averages
	// over (spec.md §4.J: "mean of last 10 heartbeat RTTs").
	rttWindow = 10
)

// dgramPool reuses outgoing packet buffers, matching the teacher's send
// hot path (voice packets go out dozens of times per second per peer).
var dgramPool = sync.Pool{
	New: func() any {
		b := make([]byte, wire.MaxPacket)
		return &b
	},
}

// Outbound is one packet queued for one peer.
type Outbound struct {
	Header  wire.Header
	Payload []byte
}

// Inbound is one packet received and parsed, ready for demux.
type Inbound struct {
	From    *net.UDPAddr
	Header  wire.Header
	Payload []byte
}

// peerQueues holds the two send priority queues for one peer (spec.md
// §4.G: "two send queues per peer — high (Audio, Control, Bye) and low
// (Video)").
type peerQueues struct {
	addr *net.UDPAddr
	high chan Outbound
	low  chan Outbound

	seqAudio   atomic.Uint32
	seqVideo   atomic.Uint32
	seqControl atomic.Uint32
	seqBye     atomic.Uint32

	bytesSent atomic.Uint64

	lostPackets     atomic.Uint64
	expectedPackets atomic.Uint64
	smoothedJitter  atomic.Uint64 // float64 bits, ms
	lastArrival     atomic.Int64  // ns since session start
	lastSeq         atomic.Uint32 // valid once hasLastSeq is set
	hasLastSeq      atomic.Bool

	// offsetMs is this peer's clock reading minus ours, as established by
	// the sync engine's one-time NTP-style exchange (spec.md §4.I). It lets
	// sampleHeartbeatRTT translate the peer's own send timestamp into our clock
	// without a dedicated heartbeat-ack wire message.
	offsetMs atomic.Int32
	haveSeed atomic.Bool

	rttMu      sync.Mutex
	rttSamples [rttWindow]float64
	rttCount   int
	rttNext    int
}

// Transport owns the single UDP socket for the process and the per-peer
// send queues that feed it.
type Transport struct {
	conn  *net.UDPConn
	clock *clock.Session

	mu    sync.RWMutex
	peers map[uint8]*peerQueues

	In chan Inbound

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New binds a UDP socket on the given local port (0 picks an ephemeral
// port) and returns a Transport ready for Start.
func New(localPort int, sess *clock.Session) (*Transport, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: localPort})
	if err != nil {
		return nil, fmt.Errorf("transport: listen udp: %w", err)
	}
	return &Transport{
		conn:   conn,
		clock:  sess,
		peers:  make(map[uint8]*peerQueues),
		In:     make(chan Inbound, 128),
		stopCh: make(chan struct{}),
	}, nil
}

// LocalAddr returns the bound local address.
func (t *Transport) LocalAddr() net.Addr { return t.conn.LocalAddr() }

// AddPeer registers a peer's address and starts its send-drain goroutine.
func (t *Transport) AddPeer(participantID uint8, addr *net.UDPAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[participantID]; ok {
		return
	}
	pq := &peerQueues{
		addr: addr,
		high: make(chan Outbound, sendQueueDepth),
		low:  make(chan Outbound, sendQueueDepth),
	}
	t.peers[participantID] = pq
	t.wg.Add(1)
	go t.drainLoop(participantID, pq)
}

// RemovePeer stops sending to a departed peer.
func (t *Transport) RemovePeer(participantID uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, participantID)
}

// SetPeerOffset records peer's clock offset (peerClock - ourClock) as
// established by the sync engine exchange (spec.md §4.I), so subsequent
// heartbeats from that peer can be converted into our own clock to sample
// a round trip. Callers pass the negated value on the host side, since
// SyncReport.OffsetMs is reported relative to the guest that measured it.
func (t *Transport) SetPeerOffset(participantID uint8, offsetMs int32) {
	t.mu.RLock()
	pq, ok := t.peers[participantID]
	t.mu.RUnlock()
	if !ok {
		return
	}
	pq.offsetMs.Store(offsetMs)
	pq.haveSeed.Store(true)
}

// SeedPeerRTT primes a peer's heartbeat RTT window with an RTT already
// measured by a more precise exchange (the sync engine's minimum over 8
// round trips), so the congestion ladder has a usable rtt_mean before the
// first post-sync heartbeat round trip completes.
func (t *Transport) SeedPeerRTT(participantID uint8, rttMs float64) {
	t.mu.RLock()
	pq, ok := t.peers[participantID]
	t.mu.RUnlock()
	if !ok {
		return
	}
	pq.rttMu.Lock()
	defer pq.rttMu.Unlock()
	pq.rttSamples[pq.rttNext%rttWindow] = rttMs
	pq.rttNext++
	if pq.rttCount < rttWindow {
		pq.rttCount++
	}
}

// Start begins the receive loop.
func (t *Transport) Start() {
	t.wg.Add(1)
	go t.recvLoop()
}

// Stop closes the socket and joins all goroutines.
func (t *Transport) Stop() {
	close(t.stopCh)
	t.conn.Close()
	t.wg.Wait()
}

// SendRaw writes one packet directly to addr, bypassing the per-peer queue
// and sequence counters. Used only for pre-admission control exchanges
// where no peer entry exists yet — namely the host's SessionFull
// rejection of a Hello it cannot admit.
func (t *Transport) SendRaw(addr *net.UDPAddr, typ wire.Type, payload []byte) error {
	total := wire.HeaderLen + len(payload)
	if total > wire.MaxPacket {
		return fmt.Errorf("transport: raw packet %d bytes exceeds MTU %d", total, wire.MaxPacket)
	}
	h := wire.Header{Type: typ, TimestampMs: t.clock.NowMs(), PayloadLen: uint16(len(payload)), FragmentTotal: 1}
	buf := make([]byte, total)
	h.Encode(buf)
	copy(buf[wire.HeaderLen:], payload)
	_, err := t.conn.WriteToUDP(buf, addr)
	return err
}

// SendAudio queues an Opus payload to peer with send priority High and a
// fresh sequence/timestamp (spec.md §4.D/§4.G).
func (t *Transport) SendAudio(participantID uint8, payload []byte) error {
	return t.enqueue(participantID, wire.TypeAudio, payload, 0, 1, true)
}

// SendControl queues a Control payload with send priority High.
func (t *Transport) SendControl(participantID uint8, payload []byte) error {
	return t.enqueue(participantID, wire.TypeControl, payload, 0, 1, true)
}

// SendBye queues a Bye packet with send priority High.
func (t *Transport) SendBye(participantID uint8) error {
	return t.enqueue(participantID, wire.TypeBye, nil, 0, 1, true)
}

// SendVideoFragment queues one video fragment with send priority Low
// (spec.md §4.E/§4.G). All fragments of one frame must be sent with the
// same sequence: the first call (useSharedSeq false) issues a new sequence
// and returns it, and the caller passes it back as sharedSeq with
// useSharedSeq true for the frame's remaining fragments.
func (t *Transport) SendVideoFragment(participantID uint8, typ wire.Type, payload []byte, fragmentID, fragmentTotal uint8, sharedSeq uint16, useSharedSeq bool) (uint16, error) {
	seq := sharedSeq
	if !useSharedSeq {
		t.mu.RLock()
		pq, ok := t.peers[participantID]
		t.mu.RUnlock()
		if !ok {
			return 0, fmt.Errorf("transport: unknown peer %d", participantID)
		}
		seq = uint16(pq.seqVideo.Add(1))
	}
	return seq, t.enqueueVideo(participantID, typ, payload, seq, fragmentID, fragmentTotal)
}

func (t *Transport) enqueueVideo(participantID uint8, typ wire.Type, payload []byte, seq uint16, fragmentID, fragmentTotal uint8) error {
	t.mu.RLock()
	pq, ok := t.peers[participantID]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("transport: unknown peer %d", participantID)
	}
	h := wire.Header{
		Type:          typ,
		ParticipantID: participantID,
		Sequence:      seq,
		TimestampMs:   t.clock.NowMs(),
		PayloadLen:    uint16(len(payload)),
		FragmentID:    fragmentID,
		FragmentTotal: fragmentTotal,
	}
	ob := Outbound{Header: h, Payload: payload}
	select {
	case pq.low <- ob:
		return nil
	default:
		return fmt.Errorf("transport: low-priority queue full for peer %d", participantID)
	}
}

// enqueue assigns a sequence, builds the header, and queues to high or low.
func (t *Transport) enqueue(participantID uint8, typ wire.Type, payload []byte, fragmentID, fragmentTotal uint8, highPriority bool) error {
	t.mu.RLock()
	pq, ok := t.peers[participantID]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("transport: unknown peer %d", participantID)
	}

	var seq uint32
	switch typ {
	case wire.TypeAudio:
		seq = pq.seqAudio.Add(1)
	case wire.TypeControl:
		seq = pq.seqControl.Add(1)
	case wire.TypeBye:
		seq = pq.seqBye.Add(1)
	default:
		seq = pq.seqVideo.Add(1)
	}

	h := wire.Header{
		Type:          typ,
		ParticipantID: participantID,
		Sequence:      uint16(seq),
		TimestampMs:   t.clock.NowMs(),
		PayloadLen:    uint16(len(payload)),
		FragmentID:    fragmentID,
		FragmentTotal: fragmentTotal,
	}
	ob := Outbound{Header: h, Payload: payload}

	q := pq.low
	if highPriority {
		q = pq.high
	}
	select {
	case q <- ob:
		return nil
	default:
		return fmt.Errorf("transport: send queue full for peer %d", participantID)
	}
}

// drainLoop sends queued packets to one peer, draining high before low
// (spec.md §4.G: "the audio before video invariant is enforced at this
// seam and nowhere else").
func (t *Transport) drainLoop(participantID uint8, pq *peerQueues) {
	defer t.wg.Done()
	for {
		select {
		case <-t.stopCh:
			return
		case ob := <-pq.high:
			t.send(pq, ob)
		default:
			select {
			case <-t.stopCh:
				return
			case ob := <-pq.high:
				t.send(pq, ob)
			case ob := <-pq.low:
				t.send(pq, ob)
			}
		}
	}
}

func (t *Transport) send(pq *peerQueues, ob Outbound) {
	total := wire.HeaderLen + len(ob.Payload)
	if total > wire.MaxPacket {
		log.Printf("[transport] CRITICAL: outgoing packet %d bytes exceeds MTU %d", total, wire.MaxPacket)
		return
	}

	bp := dgramPool.Get().(*[]byte)
	defer dgramPool.Put(bp)
	buf := (*bp)[:total]
	ob.Header.Encode(buf)
	copy(buf[wire.HeaderLen:], ob.Payload)

	n, err := t.conn.WriteToUDP(buf, pq.addr)
	if err != nil {
		log.Printf("[transport] write to %s: %v", pq.addr, err)
		return
	}
	pq.bytesSent.Add(uint64(n))
}

// recvLoop polls the socket, parses the header, and dispatches by (type,
// participant) onto In.
func (t *Transport) recvLoop() {
	defer t.wg.Done()
	buf := make([]byte, recvBufferSize)
	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.stopCh:
				return
			default:
				log.Printf("[transport] read: %v", err)
				return
			}
		}

		h, payload, err := wire.SplitPacket(buf[:n])
		if err != nil {
			log.Printf("[transport] malformed packet from %s: %v", addr, err)
			continue
		}

		t.accountArrival(h, payload)

		cp := make([]byte, len(payload))
		copy(cp, payload)

		select {
		case t.In <- Inbound{From: addr, Header: h, Payload: cp}:
		default:
			log.Printf("[transport] inbound queue full, dropping packet type=%s from participant=%d", h.Type, h.ParticipantID)
		}
	}
}

// accountArrival updates per-peer loss/jitter EWMA accounting via
// sequence-gap detection, grounded on the teacher's StartReceiving loop.
// It also samples heartbeat RTT (spec.md §4.J) when payload is a Heartbeat
// Control packet and the peer's clock offset has been established.
func (t *Transport) accountArrival(h wire.Header, payload []byte) {
	t.mu.RLock()
	pq, ok := t.peers[h.ParticipantID]
	t.mu.RUnlock()
	if !ok {
		return
	}

	if h.Type == wire.TypeControl && len(payload) >= 1 && wire.ControlType(payload[0]) == wire.ControlHeartbeat {
		t.sampleHeartbeatRTT(pq, h.TimestampMs)
	}

	now := t.clock.Now()
	pq.expectedPackets.Add(1)

	if pq.hasLastSeq.Load() {
		last := uint16(pq.lastSeq.Load())
		if wire.SeqGreater(h.Sequence, last) {
			gap := wire.SeqDelta(h.Sequence, last)
			if gap > 1 {
				pq.lostPackets.Add(uint64(gap - 1))
			}
			pq.lastSeq.Store(uint32(h.Sequence))
		}
	} else {
		pq.lastSeq.Store(uint32(h.Sequence))
		pq.hasLastSeq.Store(true)
	}

	lastNs := pq.lastArrival.Swap(int64(now))
	if lastNs != 0 {
		gapMs := float64(int64(now)-lastNs) / float64(time.Millisecond)
		dev := gapMs - nominalGapMs(h.Type)
		if dev < 0 {
			dev = -dev
		}
		const alpha = 0.1
		prev := bitsToFloat(pq.smoothedJitter.Load())
		next := alpha*dev + (1-alpha)*prev
		pq.smoothedJitter.Store(floatToBits(next))
	}
}

// sampleHeartbeatRTT converts a peer's heartbeat send timestamp into our
// own clock via the established offset and records 2x the implied
// one-way delay as an RTT sample. Skipped until SetPeerOffset has run,
// since without it the one-way figure is meaningless.
func (t *Transport) sampleHeartbeatRTT(pq *peerQueues, senderTimestampMs uint32) {
	if !pq.haveSeed.Load() {
		return
	}
	offset := float64(pq.offsetMs.Load())
	ourEquivalent := float64(senderTimestampMs) - offset
	oneWay := float64(t.clock.NowMs()) - ourEquivalent
	if oneWay < 0 {
		oneWay = 0
	}
	rtt := 2 * oneWay

	pq.rttMu.Lock()
	defer pq.rttMu.Unlock()
	pq.rttSamples[pq.rttNext%rttWindow] = rtt
	pq.rttNext++
	if pq.rttCount < rttWindow {
		pq.rttCount++
	}
}

func nominalGapMs(t wire.Type) float64 {
	if t == wire.TypeAudio {
		return 5.0
	}
	return 1000.0 / 24.0
}

// PeerStats reports one peer's current loss/jitter estimate, consumed by
// internal/congestion.
type PeerStats struct {
	LossRate  float64
	JitterMs  float64
	RTTMs     float64
	BytesSent uint64
}

// Stats returns the current loss/jitter snapshot for a peer.
func (t *Transport) Stats(participantID uint8) (PeerStats, bool) {
	t.mu.RLock()
	pq, ok := t.peers[participantID]
	t.mu.RUnlock()
	if !ok {
		return PeerStats{}, false
	}

	expected := pq.expectedPackets.Load()
	lost := pq.lostPackets.Load()
	var loss float64
	if expected > 0 {
		loss = float64(lost) / float64(expected+lost)
		if loss > 1 {
			loss = 1
		}
	}

	pq.rttMu.Lock()
	var rttMean float64
	if pq.rttCount > 0 {
		var sum float64
		for _, s := range pq.rttSamples[:pq.rttCount] {
			sum += s
		}
		rttMean = sum / float64(pq.rttCount)
	}
	pq.rttMu.Unlock()

	return PeerStats{
		LossRate:  loss,
		JitterMs:  bitsToFloat(pq.smoothedJitter.Load()),
		RTTMs:     rttMean,
		BytesSent: pq.bytesSent.Load(),
	}, true
}

func bitsToFloat(bits uint64) float64 { return math.Float64frombits(bits) }

func floatToBits(f float64) uint64 { return math.Float64bits(f) }
