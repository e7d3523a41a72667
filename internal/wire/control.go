package wire

import (
	"encoding/binary"
	"fmt"
)

// ControlType is the first byte of a TypeControl packet's payload.
type ControlType uint8

const (
	ControlHello       ControlType = 0x01
	ControlWelcome     ControlType = 0x02
	ControlPeerJoined  ControlType = 0x03
	ControlHeartbeat   ControlType = 0x04
	ControlNack        ControlType = 0x05
	ControlSyncPing    ControlType = 0x06
	ControlSyncPong    ControlType = 0x07
	ControlSyncReport  ControlType = 0x08
	ControlPlayTone    ControlType = 0x09
	ControlSessionFull ControlType = 0x0A
)

func (c ControlType) String() string {
	switch c {
	case ControlHello:
		return "Hello"
	case ControlWelcome:
		return "Welcome"
	case ControlPeerJoined:
		return "PeerJoined"
	case ControlHeartbeat:
		return "Heartbeat"
	case ControlNack:
		return "Nack"
	case ControlSyncPing:
		return "SyncPing"
	case ControlSyncPong:
		return "SyncPong"
	case ControlSyncReport:
		return "SyncReport"
	case ControlPlayTone:
		return "PlayTone"
	case ControlSessionFull:
		return "SessionFull"
	default:
		return fmt.Sprintf("ControlType(%#x)", uint8(c))
	}
}

const maxDisplayNameLen = 64

// Hello is sent by a Guest to the Host immediately after the first packet
// exchange, requesting admission to the session.
type Hello struct {
	DisplayName string
}

func (m Hello) Marshal() []byte {
	name := truncateName(m.DisplayName)
	buf := make([]byte, 2+1+len(name))
	buf[0] = byte(ControlHello)
	buf[1] = byte(len(name))
	copy(buf[2:], name)
	return buf
}

func UnmarshalHello(p []byte) (Hello, error) {
	if len(p) < 2 {
		return Hello{}, fmt.Errorf("wire: Hello payload too short")
	}
	n := int(p[1])
	if len(p) < 2+n {
		return Hello{}, fmt.Errorf("wire: Hello display_name truncated")
	}
	return Hello{DisplayName: string(p[2 : 2+n])}, nil
}

// Welcome is the Host's reply granting admission: the session identifier,
// the Guest's assigned participant ID, and the roster of participants
// already present.
type Welcome struct {
	SessionID     uint64
	ParticipantID uint8
	Peers         []PeerInfo
}

// PeerInfo describes one existing participant, used in Welcome and
// PeerJoined: enough to both display the peer and open direct contact
// with it for full-mesh symmetry (spec.md §4.H: "open direct sockets to
// each listed peer").
type PeerInfo struct {
	ParticipantID uint8
	IP            [4]byte
	Port          uint16
	DisplayName   string
}

func (m Welcome) Marshal() []byte {
	buf := make([]byte, 11)
	buf[0] = byte(ControlWelcome)
	binary.BigEndian.PutUint64(buf[1:9], m.SessionID)
	buf[9] = m.ParticipantID
	buf[10] = byte(len(m.Peers))
	for _, p := range m.Peers {
		name := truncateName(p.DisplayName)
		buf = append(buf, p.ParticipantID)
		buf = append(buf, p.IP[:]...)
		portBuf := make([]byte, 2)
		binary.BigEndian.PutUint16(portBuf, p.Port)
		buf = append(buf, portBuf...)
		buf = append(buf, byte(len(name)))
		buf = append(buf, name...)
	}
	return buf
}

func UnmarshalWelcome(p []byte) (Welcome, error) {
	if len(p) < 11 {
		return Welcome{}, fmt.Errorf("wire: Welcome payload too short")
	}
	m := Welcome{SessionID: binary.BigEndian.Uint64(p[1:9]), ParticipantID: p[9]}
	count := int(p[10])
	off := 11
	for i := 0; i < count; i++ {
		if off+8 > len(p) {
			return Welcome{}, fmt.Errorf("wire: Welcome peer entry %d truncated", i)
		}
		pid := p[off]
		var ip [4]byte
		copy(ip[:], p[off+1:off+5])
		port := binary.BigEndian.Uint16(p[off+5 : off+7])
		n := int(p[off+7])
		off += 8
		if off+n > len(p) {
			return Welcome{}, fmt.Errorf("wire: Welcome peer %d display_name truncated", i)
		}
		m.Peers = append(m.Peers, PeerInfo{ParticipantID: pid, IP: ip, Port: port, DisplayName: string(p[off : off+n])})
		off += n
	}
	return m, nil
}

// PeerJoined is broadcast by the Host to every existing participant when a
// new Guest is admitted.
type PeerJoined struct {
	Peer PeerInfo
}

func (m PeerJoined) Marshal() []byte {
	name := truncateName(m.Peer.DisplayName)
	buf := make([]byte, 9, 9+len(name))
	buf[0] = byte(ControlPeerJoined)
	buf[1] = m.Peer.ParticipantID
	copy(buf[2:6], m.Peer.IP[:])
	binary.BigEndian.PutUint16(buf[6:8], m.Peer.Port)
	buf[8] = byte(len(name))
	buf = append(buf, name...)
	return buf
}

func UnmarshalPeerJoined(p []byte) (PeerJoined, error) {
	if len(p) < 9 {
		return PeerJoined{}, fmt.Errorf("wire: PeerJoined payload too short")
	}
	var ip [4]byte
	copy(ip[:], p[2:6])
	port := binary.BigEndian.Uint16(p[6:8])
	n := int(p[8])
	if len(p) < 9+n {
		return PeerJoined{}, fmt.Errorf("wire: PeerJoined display_name truncated")
	}
	return PeerJoined{Peer: PeerInfo{ParticipantID: p[1], IP: ip, Port: port, DisplayName: string(p[9 : 9+n])}}, nil
}

// Heartbeat carries no payload beyond the subtype byte; it exists purely to
// reset the peer's silence timeout.
type Heartbeat struct{}

func (Heartbeat) Marshal() []byte { return []byte{byte(ControlHeartbeat)} }

func UnmarshalHeartbeat(p []byte) (Heartbeat, error) {
	if len(p) < 1 {
		return Heartbeat{}, fmt.Errorf("wire: Heartbeat payload empty")
	}
	return Heartbeat{}, nil
}

// Nack requests retransmission of one fragment: which stream it belongs to,
// the sequence number of the frame, and the specific fragment within that
// frame (spec.md §6, e.g. "Nack(VideoKeyframe,100,0)").
type Nack struct {
	StreamType Type
	Sequence   uint16
	FragmentID uint8
}

func (m Nack) Marshal() []byte {
	buf := make([]byte, 5)
	buf[0] = byte(ControlNack)
	buf[1] = byte(m.StreamType)
	binary.BigEndian.PutUint16(buf[2:4], m.Sequence)
	buf[4] = m.FragmentID
	return buf
}

func UnmarshalNack(p []byte) (Nack, error) {
	if len(p) < 5 {
		return Nack{}, fmt.Errorf("wire: Nack payload too short")
	}
	return Nack{
		StreamType: Type(p[1]),
		Sequence:   binary.BigEndian.Uint16(p[2:4]),
		FragmentID: p[4],
	}, nil
}

// SyncPing is the initiator's half of one clock-sync exchange round
// (spec.md §4.J): ClientSendMs is this participant's session-clock reading
// at the moment of send.
type SyncPing struct {
	RoundID      uint8
	ClientSendMs uint32
}

func (m SyncPing) Marshal() []byte {
	buf := make([]byte, 6)
	buf[0] = byte(ControlSyncPing)
	buf[1] = m.RoundID
	binary.BigEndian.PutUint32(buf[2:6], m.ClientSendMs)
	return buf
}

func UnmarshalSyncPing(p []byte) (SyncPing, error) {
	if len(p) < 6 {
		return SyncPing{}, fmt.Errorf("wire: SyncPing payload too short")
	}
	return SyncPing{RoundID: p[1], ClientSendMs: binary.BigEndian.Uint32(p[2:6])}, nil
}

// SyncPong is the responder's reply, echoing ClientSendMs and reporting its
// own receive/send timestamps so the initiator can estimate RTT and offset.
type SyncPong struct {
	RoundID      uint8
	ClientSendMs uint32
	ServerRecvMs uint32
	ServerSendMs uint32
}

func (m SyncPong) Marshal() []byte {
	buf := make([]byte, 14)
	buf[0] = byte(ControlSyncPong)
	buf[1] = m.RoundID
	binary.BigEndian.PutUint32(buf[2:6], m.ClientSendMs)
	binary.BigEndian.PutUint32(buf[6:10], m.ServerRecvMs)
	binary.BigEndian.PutUint32(buf[10:14], m.ServerSendMs)
	return buf
}

func UnmarshalSyncPong(p []byte) (SyncPong, error) {
	if len(p) < 14 {
		return SyncPong{}, fmt.Errorf("wire: SyncPong payload too short")
	}
	return SyncPong{
		RoundID:      p[1],
		ClientSendMs: binary.BigEndian.Uint32(p[2:6]),
		ServerRecvMs: binary.BigEndian.Uint32(p[6:10]),
		ServerSendMs: binary.BigEndian.Uint32(p[10:14]),
	}, nil
}

// SyncReport is the initiator's final estimate after its 8-sample exchange:
// the median clock offset (signed, remote minus this peer) and the minimum
// observed RTT, both in milliseconds.
type SyncReport struct {
	OffsetMs int32
	MinRTTMs uint32
}

func (m SyncReport) Marshal() []byte {
	buf := make([]byte, 9)
	buf[0] = byte(ControlSyncReport)
	binary.BigEndian.PutUint32(buf[1:5], uint32(m.OffsetMs))
	binary.BigEndian.PutUint32(buf[5:9], m.MinRTTMs)
	return buf
}

func UnmarshalSyncReport(p []byte) (SyncReport, error) {
	if len(p) < 9 {
		return SyncReport{}, fmt.Errorf("wire: SyncReport payload too short")
	}
	return SyncReport{
		OffsetMs: int32(binary.BigEndian.Uint32(p[1:5])),
		MinRTTMs: binary.BigEndian.Uint32(p[5:9]),
	}, nil
}

// PlayTone instructs every participant to play the alignment tone at the
// given session-clock deadline, so all speakers emit it close enough to
// simultaneously for a recording-sync clap (spec.md §4.J Open Question).
type PlayTone struct {
	DeadlineMs uint32
}

func (m PlayTone) Marshal() []byte {
	buf := make([]byte, 5)
	buf[0] = byte(ControlPlayTone)
	binary.BigEndian.PutUint32(buf[1:5], m.DeadlineMs)
	return buf
}

func UnmarshalPlayTone(p []byte) (PlayTone, error) {
	if len(p) < 5 {
		return PlayTone{}, fmt.Errorf("wire: PlayTone payload too short")
	}
	return PlayTone{DeadlineMs: binary.BigEndian.Uint32(p[1:5])}, nil
}

// SessionFull rejects a Hello because the Host already has 3 guests
// (spec.md §4.I: participant IDs 0-3, host inclusive).
type SessionFull struct{}

func (SessionFull) Marshal() []byte { return []byte{byte(ControlSessionFull)} }

func UnmarshalSessionFull(p []byte) (SessionFull, error) {
	if len(p) < 1 {
		return SessionFull{}, fmt.Errorf("wire: SessionFull payload empty")
	}
	return SessionFull{}, nil
}

// PeekControlType reads the subtype byte without fully decoding the message,
// so a dispatcher can route to the right Unmarshal* function.
func PeekControlType(p []byte) (ControlType, error) {
	if len(p) < 1 {
		return 0, fmt.Errorf("wire: empty control payload")
	}
	return ControlType(p[0]), nil
}

func truncateName(name string) string {
	if len(name) > maxDisplayNameLen {
		return name[:maxDisplayNameLen]
	}
	return name
}
