// Package syncengine implements the clock-synchronization exchange between
// each guest and the host (spec.md §4.I): an 8-round NTP-style ping/pong,
// a median offset and minimum RTT estimate, and translation of the host's
// PlayTone deadline into each guest's local session-clock time.
//
// Grounded on rustyguts-bken's client/transport.go pingLoop/readControl
// ping-pong pair — same t0/t1/t2/t3 timestamp exchange shape — generalized
// from a single continuously-smoothed RTT EWMA to spec.md's 8-sample batch
// with median offset and minimum RTT, since spec.md §4.I asks for a
// one-shot calibration exchange rather than an ongoing smoothed estimate.
package syncengine

import (
	"fmt"
	"sort"

	"github.com/jaronchong/hyperzoom/internal/wire"
)

// SampleCount is the number of round trips the exchange performs before
// computing its report (spec.md §4.I: "8 round-trip SyncPing").
const SampleCount = 8

// sample is one round's three derived timestamps, following spec.md's
// notation: t0 = guest send, t1 = host recv, t2 = host send, t3 = guest recv.
type sample struct {
	offsetMs float64 // ((t1-t0)+(t2-t3))/2, host clock minus guest clock
	rttMs    float64 // (t3-t0)-(t2-t1)
}

// Exchange runs the guest side of one sync exchange with the host. Not
// concurrency-safe; confine a single Exchange to the goroutine driving the
// sync handshake.
type Exchange struct {
	nextRound uint8
	pending   map[uint8]uint32 // round -> t0 (guest send time, ms)
	samples   []sample
}

// NewExchange starts a fresh exchange.
func NewExchange() *Exchange {
	return &Exchange{pending: make(map[uint8]uint32)}
}

// Done reports whether SampleCount samples have been collected.
func (e *Exchange) Done() bool { return len(e.samples) >= SampleCount }

// NextPing builds the next SyncPing to send, recording its send time (t0,
// guest session-clock ms) so the matching SyncPong can be resolved.
// Returns ok=false once the exchange already has SampleCount samples.
func (e *Exchange) NextPing(guestSendMs uint32) (wire.SyncPing, bool) {
	if e.Done() {
		return wire.SyncPing{}, false
	}
	round := e.nextRound
	e.nextRound++
	e.pending[round] = guestSendMs
	return wire.SyncPing{RoundID: round, ClientSendMs: guestSendMs}, true
}

// HandlePong folds one SyncPong into the sample set. guestRecvMs is t3,
// this guest's session-clock reading at the moment the pong arrived.
// Pongs for an unknown or already-resolved round are ignored (duplicate or
// stray delivery).
func (e *Exchange) HandlePong(p wire.SyncPong, guestRecvMs uint32) {
	t0, ok := e.pending[p.RoundID]
	if !ok {
		return
	}
	delete(e.pending, p.RoundID)

	t0f, t1f, t2f, t3f := float64(t0), float64(p.ServerRecvMs), float64(p.ServerSendMs), float64(guestRecvMs)
	e.samples = append(e.samples, sample{
		offsetMs: ((t1f - t0f) + (t2f - t3f)) / 2,
		rttMs:    (t3f - t0f) - (t2f - t1f),
	})
}

// Report computes the final SyncReport once Done: the median offset across
// all samples and the minimum observed RTT (spec.md §4.I).
func (e *Exchange) Report() (wire.SyncReport, error) {
	if !e.Done() {
		return wire.SyncReport{}, fmt.Errorf("syncengine: exchange has %d/%d samples", len(e.samples), SampleCount)
	}
	offsets := make([]float64, len(e.samples))
	minRTT := e.samples[0].rttMs
	for i, s := range e.samples {
		offsets[i] = s.offsetMs
		if s.rttMs < minRTT {
			minRTT = s.rttMs
		}
	}
	sort.Float64s(offsets)
	return wire.SyncReport{
		OffsetMs: int32(median(offsets)),
		MinRTTMs: uint32(minRTT),
	}, nil
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// Responder is the host side: it answers each SyncPing with a SyncPong
// carrying its own receive/send timestamps. Stateless — a Responder value
// needs no fields — but kept as a type for symmetry with Exchange and so
// the session layer has one call site per direction.
type Responder struct{}

// HandlePing builds the SyncPong reply. hostRecvMs and hostSendMs are the
// host's own session-clock readings, taken as close as possible to the
// packet's actual receive and send instants.
func (Responder) HandlePing(p wire.SyncPing, hostRecvMs, hostSendMs uint32) wire.SyncPong {
	return wire.SyncPong{
		RoundID:      p.RoundID,
		ClientSendMs: p.ClientSendMs,
		ServerRecvMs: hostRecvMs,
		ServerSendMs: hostSendMs,
	}
}

// TranslateToLocal converts a host session-clock instant (e.g. PlayTone's
// deadline) into this guest's local session-clock instant, using the
// offset from a completed Exchange's Report (spec.md §4.I: "Each guest
// translates T_play via its offset").
func TranslateToLocal(hostMs uint32, offsetMs int32) uint32 {
	return uint32(int64(hostMs) - int64(offsetMs))
}
