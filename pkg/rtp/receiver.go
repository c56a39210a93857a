// Package rtp decodes inbound RTP packets (RFC 3550 §5) and keeps the
// per-SSRC sequence/jitter bookkeeping the RTCP exchange needs to build
// Receiver Reports. Wire parsing is delegated to github.com/pion/rtp.
package rtp

import (
	"errors"
	"fmt"
	"sync"
	"time"

	pionrtp "github.com/pion/rtp"
)

// ErrMalformed is returned for a packet that fails basic validation before
// it is even handed to the pion/rtp decoder (wrong version, short buffer),
// and wraps any error the pion/rtp decoder itself returns.
var ErrMalformed = errors.New("rtp: malformed packet")

const (
	rtpSeqMod     = 1 << 16
	maxDropout    = 3000 // RFC 3550 Appendix A.1
	maxMisorder   = 100
	minSequential = 2
)

// DecodedPacket is the consumer-facing view of one inbound RTP packet.
// Payload is a view into the original read buffer, not a copy.
type DecodedPacket struct {
	Seq         uint16
	PT          uint8
	TS          uint32
	SSRC        uint32
	Marker      bool
	CSRC        []uint32
	Payload     []byte
	ArrivalTime time.Time
}

// SourceStats is the RFC 3550 Appendix A bookkeeping for one SSRC. It is
// only written under the owning Receiver's lock; Snapshot returns a copy
// safe for concurrent readers.
type SourceStats struct {
	SSRC uint32

	maxSeq       uint16 // highest raw 16-bit seq seen
	cycles       uint32 // wrap count * rtpSeqMod
	baseSeq      uint16
	baseExtended uint32 // extended value of baseSeq, fixed at init time
	badSeq       uint32
	probation    int

	Received   uint64
	Reordered  uint64
	Duplicate  uint64
	Dropped    uint64 // packets discarded by the large-jump (bad_seq) check

	expectedPrior uint64
	receivedPrior uint64

	Jitter float64 // RFC 3550 §A.8, in RTP timestamp units

	haveLast     bool
	lastArrival  uint32 // wallclock expressed in RTP timestamp units
	lastRTPTS    uint32

	// RTCP SR linkage, updated by the RTCP exchange on inbound SR.
	LastSRNTPMiddle32 uint32
	LastSRLocalArrival time.Time
}

// ExtendedMax returns s_max: the 32-bit extended highest sequence number.
func (s *SourceStats) ExtendedMax() uint32 { return s.cycles + uint32(s.maxSeq) }

// Expected returns exp = s_max - s_base + 1.
func (s *SourceStats) Expected() uint64 {
	return uint64(s.ExtendedMax()-s.baseExtended) + 1
}

// CumulativeLost returns exp - rcv, clamped to the signed 24-bit range the
// RTCP RR wire format uses.
func (s *SourceStats) CumulativeLost() int32 {
	lost := int64(s.Expected()) - int64(s.Received)
	const maxI24 = 1<<23 - 1
	const minI24 = -(1 << 23)
	if lost > maxI24 {
		return maxI24
	}
	if lost < minI24 {
		return minI24
	}
	return int32(lost)
}

// FractionLost returns the 8-bit fraction lost since the previous report,
// per RFC 3550 §6.4.1.
func (s *SourceStats) FractionLost() uint8 {
	expectedInterval := s.Expected() - s.expectedPrior
	receivedInterval := s.Received - s.receivedPrior
	s.expectedPrior = s.Expected()
	s.receivedPrior = s.Received
	if expectedInterval == 0 || receivedInterval > expectedInterval {
		return 0
	}
	lostInterval := expectedInterval - receivedInterval
	return uint8((lostInterval << 8) / expectedInterval)
}

// Receiver tracks RTP reception state across possibly many SSRCs on a
// single track (one Receiver per SETUP'd track).
type Receiver struct {
	mu        sync.RWMutex
	sources   map[uint32]*SourceStats
	clockRate uint32
}

// NewReceiver creates a Receiver for a track with the given RTP clock rate
// (from the SDP a=rtpmap line; see pkg/sdp).
func NewReceiver(clockRate uint32) *Receiver {
	if clockRate == 0 {
		clockRate = 90000
	}
	return &Receiver{sources: make(map[uint32]*SourceStats), clockRate: clockRate}
}

// Handle parses raw as an RTP packet arriving at wallclock "now", updates
// sequence/jitter stats, and returns the decoded view. Malformed packets are
// returned as an error and are not counted; callers must drop them, never
// treat them as fatal.
func (r *Receiver) Handle(raw []byte, now time.Time) (*DecodedPacket, error) {
	if len(raw) < 12 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(raw))
	}
	if raw[0]>>6 != 2 {
		return nil, fmt.Errorf("%w: version %d", ErrMalformed, raw[0]>>6)
	}

	var pkt pionrtp.Packet
	if err := pkt.Unmarshal(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	r.mu.Lock()
	s, ok := r.sources[pkt.SSRC]
	if !ok {
		s = &SourceStats{SSRC: pkt.SSRC}
		r.sources[pkt.SSRC] = s
		s.initSeq(pkt.SequenceNumber)
		s.probation = minSequential - 1
	} else {
		s.updateSeq(pkt.SequenceNumber)
	}
	s.updateJitter(pkt.Timestamp, now, r.clockRate)
	r.mu.Unlock()

	return &DecodedPacket{
		Seq:         pkt.SequenceNumber,
		PT:          pkt.PayloadType,
		TS:          pkt.Timestamp,
		SSRC:        pkt.SSRC,
		Marker:      pkt.Marker,
		CSRC:        pkt.CSRC,
		Payload:     pkt.Payload,
		ArrivalTime: now,
	}, nil
}

// Snapshot returns a copy of the stats for ssrc, for application-facing
// metrics. It does not advance the fraction-lost interval counters; use
// ReportBlock for that.
func (r *Receiver) Snapshot(ssrc uint32) (SourceStats, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[ssrc]
	if !ok {
		return SourceStats{}, false
	}
	return *s, true
}

// ReportBlock computes one RTCP RR report block's worth of fields for ssrc
// and advances that source's fraction-lost interval counters. Returns ok =
// false if ssrc is not tracked.
func (r *Receiver) ReportBlock(ssrc uint32) (fractionLost uint8, cumulativeLost int32, extendedMax uint32, jitter uint32, lsr uint32, dlsr uint32, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, found := r.sources[ssrc]
	if !found {
		return 0, 0, 0, 0, 0, 0, false
	}

	fractionLost = s.FractionLost()
	cumulativeLost = s.CumulativeLost()
	extendedMax = s.ExtendedMax()
	jitter = uint32(s.Jitter)

	if !s.LastSRLocalArrival.IsZero() {
		lsr = s.LastSRNTPMiddle32
		dlsr = uint32(time.Since(s.LastSRLocalArrival).Seconds() * 65536)
	}
	return fractionLost, cumulativeLost, extendedMax, jitter, lsr, dlsr, true
}

// SSRCs returns all SSRCs currently tracked, for iterating RR blocks.
func (r *Receiver) SSRCs() []uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]uint32, 0, len(r.sources))
	for ssrc := range r.sources {
		out = append(out, ssrc)
	}
	return out
}

// ObserveSenderReport records SR linkage (LSR/arrival) for DLSR computation
// by the RTCP exchange, creating the SSRC's stats if this is the first
// thing ever seen from it.
func (r *Receiver) ObserveSenderReport(ssrc, ntpMiddle32 uint32, arrival time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sources[ssrc]
	if !ok {
		s = &SourceStats{SSRC: ssrc, probation: minSequential}
		r.sources[ssrc] = s
	}
	s.LastSRNTPMiddle32 = ntpMiddle32
	s.LastSRLocalArrival = arrival
}

// Forget removes an SSRC's stats, called on RTCP BYE.
func (r *Receiver) Forget(ssrc uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sources, ssrc)
}

func (s *SourceStats) initSeq(seq uint16) {
	s.baseSeq = seq
	s.maxSeq = seq
	s.badSeq = rtpSeqMod + 1
	s.cycles = 0
	s.baseExtended = uint32(seq)
	s.Received = 0
	s.receivedPrior = 0
	s.expectedPrior = 0
}

// updateSeq implements RFC 3550 Appendix A.1's update_seq, grounded in the
// same probation/maxDropout/badSeq resync heuristic used by wernerd-GoRTP's
// stream.go.
func (s *SourceStats) updateSeq(seq uint16) {
	udelta := seq - s.maxSeq

	switch {
	case s.probation > 0:
		if seq == s.maxSeq+1 {
			s.probation--
			s.maxSeq = seq
			if s.probation == 0 {
				s.initSeq(seq)
				s.Received++
				return
			}
		} else {
			s.probation = minSequential - 1
			s.maxSeq = seq
		}
		return

	case udelta == 0:
		// Duplicate of the highest packet seen: it still counts toward rcv,
		// but maxSeq/cycles don't move.
		s.Duplicate++

	case udelta < maxDropout:
		if seq < s.maxSeq {
			s.cycles += rtpSeqMod
		}
		s.maxSeq = seq

	case udelta <= rtpSeqMod-maxMisorder:
		if uint32(seq) == s.badSeq {
			s.initSeq(seq)
		} else {
			s.badSeq = (uint32(seq) + 1) & (rtpSeqMod - 1)
			s.Dropped++
			return
		}

	default:
		// Reordered (or a repeat of an earlier, non-highest packet): still a
		// packet from this source, so it still counts toward rcv even though
		// maxSeq/cycles don't advance.
		s.Reordered++
	}

	s.Received++
}

// updateJitter implements RFC 3550 Appendix A.8.
func (s *SourceStats) updateJitter(ts uint32, arrival time.Time, clockRate uint32) {
	arrivalRTP := uint32(arrival.UnixNano() / 1000 * int64(clockRate) / 1000000)

	if !s.haveLast {
		s.haveLast = true
		s.lastArrival = arrivalRTP
		s.lastRTPTS = ts
		return
	}

	d := float64(int64(arrivalRTP)-int64(s.lastArrival)) - float64(int64(ts)-int64(s.lastRTPTS))
	if d < 0 {
		d = -d
	}
	s.Jitter += (d - s.Jitter) / 16

	s.lastArrival = arrivalRTP
	s.lastRTPTS = ts
}
