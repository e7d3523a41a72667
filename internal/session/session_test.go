package session

import (
	"net"
	"testing"
	"time"

	"github.com/jaronchong/hyperzoom/internal/clock"
	"github.com/jaronchong/hyperzoom/internal/transport"
	"github.com/jaronchong/hyperzoom/internal/wire"
)

func newTestTransport(t *testing.T) (*transport.Transport, *clock.Session) {
	t.Helper()
	clk := clock.New()
	tr, err := transport.New(0, clk)
	if err != nil {
		t.Fatalf("transport.New: %v", err)
	}
	tr.Start()
	t.Cleanup(tr.Stop)
	return tr, clk
}

func udpAddr(t *testing.T, a net.Addr) *net.UDPAddr {
	t.Helper()
	ua, ok := a.(*net.UDPAddr)
	if !ok {
		t.Fatalf("not a *net.UDPAddr: %v", a)
	}
	return ua
}

// runDemux stands in for cmd/hyperzoom's central inbound loop: Session no
// longer drains Transport.In itself, since Audio/Video packets on that same
// channel belong to internal/audio and internal/video. Tests only exercise
// Control/Bye traffic, so forwarding everything to Dispatch is sufficient.
func runDemux(tr *transport.Transport, s *Session) {
	go func() {
		for in := range tr.In {
			s.Dispatch(in)
		}
	}()
}

func TestHostAdmitsGuestHello(t *testing.T) {
	hostTr, hostClk := newTestTransport(t)
	host := NewHost("Host", hostTr, hostClk)
	host.Run()
	runDemux(hostTr, host)
	t.Cleanup(host.Close)

	guestTr, guestClk := newTestTransport(t)
	guest := NewGuest("Guest", guestTr, guestClk)
	guest.Run()
	runDemux(guestTr, guest)
	t.Cleanup(guest.Close)

	if err := guest.Join(udpAddr(t, hostTr.LocalAddr())); err != nil {
		t.Fatalf("Join: %v", err)
	}

	if guest.SelfID() == 0 {
		t.Fatal("expected guest to be assigned a non-zero participant ID")
	}

	deadline := time.After(2 * time.Second)
	for {
		p, ok := host.Get(guest.SelfID())
		if ok && p.State == StateConnected {
			break
		}
		select {
		case <-deadline:
			t.Fatal("host never observed guest as Connected")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestHostRejectsFourthGuest(t *testing.T) {
	hostTr, hostClk := newTestTransport(t)
	host := NewHost("Host", hostTr, hostClk)
	host.Run()
	runDemux(hostTr, host)
	t.Cleanup(host.Close)

	for i := 0; i < 3; i++ {
		gTr, gClk := newTestTransport(t)
		g := NewGuest("Guest", gTr, gClk)
		g.Run()
		runDemux(gTr, g)
		t.Cleanup(g.Close)
		if err := g.Join(udpAddr(t, hostTr.LocalAddr())); err != nil {
			t.Fatalf("guest %d Join: %v", i, err)
		}
	}

	gTr, gClk := newTestTransport(t)
	g := NewGuest("Overflow", gTr, gClk)
	g.Run()
	runDemux(gTr, g)
	t.Cleanup(g.Close)

	err := g.Join(udpAddr(t, hostTr.LocalAddr()))
	if err == nil {
		t.Fatal("expected the fourth guest to be rejected")
	}
}

func TestHeartbeatRefreshesLastSeen(t *testing.T) {
	hostTr, hostClk := newTestTransport(t)
	host := NewHost("Host", hostTr, hostClk)
	host.Run()
	runDemux(hostTr, host)
	t.Cleanup(host.Close)

	guestTr, guestClk := newTestTransport(t)
	guest := NewGuest("Guest", guestTr, guestClk)
	guest.Run()
	runDemux(guestTr, guest)
	t.Cleanup(guest.Close)

	if err := guest.Join(udpAddr(t, hostTr.LocalAddr())); err != nil {
		t.Fatalf("Join: %v", err)
	}

	if err := hostTr.SendControl(guest.SelfID(), wire.Heartbeat{}.Marshal()); err != nil {
		t.Fatalf("SendControl heartbeat: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	p, ok := host.Get(guest.SelfID())
	if !ok {
		t.Fatal("expected guest present in host's participant table")
	}
	if p.LastSeen <= 0 {
		t.Fatal("expected LastSeen to have advanced past zero")
	}
}

func TestEndCallSendsBye(t *testing.T) {
	hostTr, hostClk := newTestTransport(t)
	host := NewHost("Host", hostTr, hostClk)
	host.Run()
	runDemux(hostTr, host)

	guestTr, guestClk := newTestTransport(t)
	guest := NewGuest("Guest", guestTr, guestClk)
	guest.Run()
	runDemux(guestTr, guest)

	if err := guest.Join(udpAddr(t, hostTr.LocalAddr())); err != nil {
		t.Fatalf("Join: %v", err)
	}
	guestID := guest.SelfID()

	deadline := time.After(2 * time.Second)
	for {
		if p, ok := host.Get(guestID); ok && p.State == StateConnected {
			break
		}
		select {
		case <-deadline:
			t.Fatal("host never saw guest Connected before EndCall")
		case <-time.After(10 * time.Millisecond):
		}
	}

	guest.EndCall()

	deadline = time.After(2 * time.Second)
	for {
		p, ok := host.Get(guestID)
		if ok && p.State == StateDisconnected {
			break
		}
		select {
		case <-deadline:
			t.Fatal("host never observed guest Disconnected after Bye")
		case <-time.After(10 * time.Millisecond):
		}
	}
	host.Close()
}

func TestNextFreeIDLockedSkipsGaps(t *testing.T) {
	hostTr, hostClk := newTestTransport(t)
	host := NewHost("Host", hostTr, hostClk)
	host.participants[1] = &Participant{ID: 1}
	host.participants[3] = &Participant{ID: 3}

	id, ok := host.nextFreeIDLocked()
	if !ok || id != 2 {
		t.Fatalf("expected free ID 2, got %d ok=%v", id, ok)
	}
}

func TestPeerInfoRoundTripsAddress(t *testing.T) {
	p := &Participant{ID: 2, DisplayName: "X", Addr: &net.UDPAddr{IP: net.IPv4(10, 1, 2, 3), Port: 5000}}
	pi := peerInfo(p)
	addr := peerInfoAddr(pi)
	if addr.IP.String() != "10.1.2.3" || addr.Port != 5000 {
		t.Fatalf("round trip mismatch: %+v", addr)
	}
}
