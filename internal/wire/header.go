// Package wire implements the 12-byte packet header and Control subtype
// codec described in spec.md §6. It has no knowledge of sockets, peers, or
// sessions — just the fixed-width binary framing, matching the teacher's
// own "transport just marshals/parses bytes" split (rustyguts-bken's
// client/transport.go MarshalDatagram/ParseDatagram).
package wire

import (
	"encoding/binary"
	"fmt"
)

// Type is the packet's type field (header byte 0, bits 4..0).
type Type uint8

const (
	TypeAudio        Type = 1
	TypeVideoKeyframe Type = 2
	TypeVideoDelta   Type = 3
	TypeControl      Type = 4
	TypeBye          Type = 5
)

func (t Type) String() string {
	switch t {
	case TypeAudio:
		return "Audio"
	case TypeVideoKeyframe:
		return "VideoKeyframe"
	case TypeVideoDelta:
		return "VideoDelta"
	case TypeControl:
		return "Control"
	case TypeBye:
		return "Bye"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// Version is the only wire version this implementation speaks.
const Version = 1

// HeaderLen is the fixed header size in bytes.
const HeaderLen = 12

// PayloadMTU is the maximum payload size; HeaderLen+PayloadMTU must never
// exceed MaxPacket.
const PayloadMTU = 1200

// MaxPacket is the hard ceiling on an emitted packet's size.
const MaxPacket = HeaderLen + PayloadMTU // 1212

// Header is the decoded 12-byte packet header (spec.md §6).
type Header struct {
	Type           Type
	ParticipantID  uint8
	Sequence       uint16
	TimestampMs    uint32
	PayloadLen     uint16
	FragmentID     uint8
	FragmentTotal  uint8
}

// Validate checks the invariants spec.md §3 places on the wire header.
func (h Header) Validate() error {
	if h.FragmentTotal < 1 {
		return fmt.Errorf("wire: fragment_total must be >= 1, got %d", h.FragmentTotal)
	}
	if h.FragmentID >= h.FragmentTotal {
		return fmt.Errorf("wire: fragment_id %d >= fragment_total %d", h.FragmentID, h.FragmentTotal)
	}
	switch h.Type {
	case TypeAudio, TypeControl, TypeBye:
		if h.FragmentTotal != 1 {
			return fmt.Errorf("wire: type %s must have fragment_total=1, got %d", h.Type, h.FragmentTotal)
		}
	}
	if h.PayloadLen > PayloadMTU {
		return fmt.Errorf("wire: payload_len %d exceeds MTU %d", h.PayloadLen, PayloadMTU)
	}
	return nil
}

// Encode writes the header into the first HeaderLen bytes of dst, which
// must be at least HeaderLen long.
func (h Header) Encode(dst []byte) {
	_ = dst[HeaderLen-1] // bounds check hint, mirrors teacher's fixed-header style
	dst[0] = byte(Version<<6) | (byte(h.Type) & 0x1F)
	dst[1] = h.ParticipantID
	binary.BigEndian.PutUint16(dst[2:4], h.Sequence)
	binary.BigEndian.PutUint32(dst[4:8], h.TimestampMs)
	binary.BigEndian.PutUint16(dst[8:10], h.PayloadLen)
	dst[10] = h.FragmentID
	dst[11] = h.FragmentTotal
}

// DecodeHeader parses the first HeaderLen bytes of src.
func DecodeHeader(src []byte) (Header, error) {
	if len(src) < HeaderLen {
		return Header{}, fmt.Errorf("wire: short packet, got %d bytes, want >= %d", len(src), HeaderLen)
	}
	version := src[0] >> 6
	if version != Version {
		return Header{}, fmt.Errorf("wire: unsupported version %d", version)
	}
	h := Header{
		Type:          Type(src[0] & 0x1F),
		ParticipantID: src[1],
		Sequence:      binary.BigEndian.Uint16(src[2:4]),
		TimestampMs:   binary.BigEndian.Uint32(src[4:8]),
		PayloadLen:    binary.BigEndian.Uint16(src[8:10]),
		FragmentID:    src[10],
		FragmentTotal: src[11],
	}
	return h, nil
}

// BuildPacket encodes header+payload into a single buffer ready to send.
// payload's length must equal header.PayloadLen.
func BuildPacket(h Header, payload []byte) ([]byte, error) {
	h.PayloadLen = uint16(len(payload))
	if err := h.Validate(); err != nil {
		return nil, err
	}
	buf := make([]byte, HeaderLen+len(payload))
	h.Encode(buf)
	copy(buf[HeaderLen:], payload)
	return buf, nil
}

// SplitPacket decodes a full wire packet into its header and payload slice.
// The returned payload aliases pkt — copy it if it must outlive pkt's buffer.
func SplitPacket(pkt []byte) (Header, []byte, error) {
	h, err := DecodeHeader(pkt)
	if err != nil {
		return Header{}, nil, err
	}
	if err := h.Validate(); err != nil {
		return Header{}, nil, err
	}
	rest := pkt[HeaderLen:]
	if len(rest) != int(h.PayloadLen) {
		return Header{}, nil, fmt.Errorf("wire: payload_len %d does not match actual %d bytes", h.PayloadLen, len(rest))
	}
	return h, rest, nil
}

// SeqGreater reports whether a is "newer" than b under 16-bit wraparound
// (spec.md §3, §8 property 9): signed delta comparison.
func SeqGreater(a, b uint16) bool {
	return int16(a-b) > 0
}

// SeqDelta returns the signed distance a-b under 16-bit wraparound.
func SeqDelta(a, b uint16) int16 {
	return int16(a - b)
}
