package transport

import (
	"net"
	"testing"

	"github.com/jaronchong/hyperzoom/internal/clock"
	"github.com/jaronchong/hyperzoom/internal/wire"
)

func newTestTransport(t *testing.T) *Transport {
	t.Helper()
	tr, err := New(0, clock.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tr.AddPeer(1, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9999})
	t.Cleanup(func() { tr.RemovePeer(1) })
	return tr
}

func heartbeatHeader(participantID uint8, ts uint32) wire.Header {
	return wire.Header{
		Type:          wire.TypeControl,
		ParticipantID: participantID,
		TimestampMs:   ts,
		PayloadLen:    1,
		FragmentTotal: 1,
	}
}

func TestHeartbeatRTTIgnoredBeforeOffsetSeeded(t *testing.T) {
	tr := newTestTransport(t)
	tr.accountArrival(heartbeatHeader(1, tr.clock.NowMs()), wire.Heartbeat{}.Marshal())

	stats, ok := tr.Stats(1)
	if !ok {
		t.Fatal("expected peer stats")
	}
	if stats.RTTMs != 0 {
		t.Fatalf("expected RTTMs 0 before SetPeerOffset, got %v", stats.RTTMs)
	}
}

func TestHeartbeatRTTSampledAfterOffsetSeeded(t *testing.T) {
	tr := newTestTransport(t)
	// Peer's clock runs 50ms ahead of ours; a heartbeat sent "now" in the
	// peer's frame corresponds to our now+50, so with zero network delay
	// the translated one-way/RTT should come out near zero.
	tr.SetPeerOffset(1, 50)
	senderTs := tr.clock.NowMs() + 50
	tr.accountArrival(heartbeatHeader(1, senderTs), wire.Heartbeat{}.Marshal())

	stats, ok := tr.Stats(1)
	if !ok {
		t.Fatal("expected peer stats")
	}
	if stats.RTTMs < 0 || stats.RTTMs > 5 {
		t.Fatalf("expected near-zero RTT for a same-instant heartbeat, got %v", stats.RTTMs)
	}
}

func TestHeartbeatRTTAveragesOverWindow(t *testing.T) {
	tr := newTestTransport(t)
	tr.SetPeerOffset(1, 0)

	for i := 0; i < rttWindow; i++ {
		tr.SeedPeerRTT(1, 100)
	}
	tr.SeedPeerRTT(1, 200) // evicts the oldest 100ms sample

	stats, ok := tr.Stats(1)
	if !ok {
		t.Fatal("expected peer stats")
	}
	want := (float64(rttWindow-1)*100 + 200) / float64(rttWindow)
	if stats.RTTMs != want {
		t.Fatalf("RTTMs = %v, want %v", stats.RTTMs, want)
	}
}

func TestNonHeartbeatControlDoesNotSampleRTT(t *testing.T) {
	tr := newTestTransport(t)
	tr.SetPeerOffset(1, 0)

	hello := wire.Hello{DisplayName: "x"}
	tr.accountArrival(heartbeatHeader(1, tr.clock.NowMs()), hello.Marshal())

	stats, ok := tr.Stats(1)
	if !ok {
		t.Fatal("expected peer stats")
	}
	if stats.RTTMs != 0 {
		t.Fatalf("expected RTTMs 0 for a non-heartbeat control packet, got %v", stats.RTTMs)
	}
}
