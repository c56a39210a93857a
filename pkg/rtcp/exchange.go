// Package rtcp schedules outbound Receiver Reports and applies inbound
// Sender Report / Goodbye bookkeeping against a pkg/rtp Receiver. Wire
// encoding and decoding is delegated to github.com/pion/rtcp.
package rtcp

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	pionrtcp "github.com/pion/rtcp"

	"rtsptap/pkg/rtp"
)

// reportInterval is RFC 3550 §6.2's fixed minimum interval: this module
// doesn't implement the full bandwidth-fraction algorithm, just the
// randomized [0.5T,1.5T] jitter around a fixed T the RFC allows for a
// single, low-rate RTSP client.
const reportInterval = 5 * time.Second

// Sink is where an Exchange writes outbound compound RTCP packets; the
// transport layer supplies one per track (a UDP socket or the RTSP TCP
// connection's interleaved RTCP channel).
type Sink interface {
	WriteRTCP(payload []byte) error
}

// Exchange owns one track's RTCP traffic: it turns the track's Receiver
// into periodic RR+SDES reports and folds inbound SR/SDES/BYE into that
// same Receiver.
type Exchange struct {
	receiver *rtp.Receiver
	sink     Sink
	cname    string
	localSSRC uint32

	rng *rand.Rand
}

// New creates an Exchange. cname identifies this client in outbound SDES
// (RFC 3550 §6.5.1); localSSRC is this client's own synchronization source,
// used as the RR/SDES packet's sender field even though the client itself
// sends no RTP.
func New(receiver *rtp.Receiver, sink Sink, cname string, localSSRC uint32) *Exchange {
	return &Exchange{
		receiver:  receiver,
		sink:      sink,
		cname:     cname,
		localSSRC: localSSRC,
		rng:       rand.New(rand.NewSource(int64(localSSRC))),
	}
}

// Run blocks, emitting a compound RR+SDES report on a jittered timer until
// ctx is cancelled. Callers run one Run per track in its own goroutine.
func (e *Exchange) Run(ctx context.Context) {
	for {
		wait := e.nextInterval()
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			if err := e.sendReport(); err != nil {
				// A write failure here means the transport is going down;
				// the caller's read loop will observe that independently.
				return
			}
		}
	}
}

func (e *Exchange) nextInterval() time.Duration {
	factor := 0.5 + e.rng.Float64()
	return time.Duration(float64(reportInterval) * factor)
}

func (e *Exchange) sendReport() error {
	ssrcs := e.receiver.SSRCs()
	reports := make([]pionrtcp.ReceptionReport, 0, len(ssrcs))
	for _, ssrc := range ssrcs {
		fraction, cumLost, extMax, jitter, lsr, dlsr, ok := e.receiver.ReportBlock(ssrc)
		if !ok {
			continue
		}
		reports = append(reports, pionrtcp.ReceptionReport{
			SSRC:               ssrc,
			FractionLost:       fraction,
			TotalLost:          encodeCumulativeLost(cumLost),
			LastSequenceNumber: extMax,
			Jitter:             jitter,
			LastSenderReport:   lsr,
			Delay:              dlsr,
		})
	}

	rr := &pionrtcp.ReceiverReport{SSRC: e.localSSRC, Reports: reports}
	sdes := &pionrtcp.SourceDescription{Chunks: []pionrtcp.SourceDescriptionChunk{{
		Source: e.localSSRC,
		Items: []pionrtcp.SourceDescriptionItem{{
			Type: pionrtcp.SDESCNAME,
			Text: e.cname,
		}},
	}}}

	payload, err := pionrtcp.Marshal([]pionrtcp.Packet{rr, sdes})
	if err != nil {
		return fmt.Errorf("rtcp: marshal report: %w", err)
	}
	return e.sink.WriteRTCP(payload)
}

// encodeCumulativeLost packs a CumulativeLost (already clamped to the signed
// 24-bit range, and negative on duplicate-heavy streams per RFC 3550) into
// the RR's 24-bit TotalLost field as two's complement.
func encodeCumulativeLost(lost int32) uint32 {
	return uint32(lost) & 0xFFFFFF
}

// Handle decodes an inbound RTCP compound packet (received on a UDP RTCP
// socket or the RTSP interleaved channel) and applies SR/BYE bookkeeping to
// the Receiver. SDES and APP packets are accepted but otherwise ignored.
func (e *Exchange) Handle(raw []byte, now time.Time) error {
	packets, err := pionrtcp.Unmarshal(raw)
	if err != nil {
		return fmt.Errorf("rtcp: unmarshal: %w", err)
	}
	for _, p := range packets {
		switch pkt := p.(type) {
		case *pionrtcp.SenderReport:
			e.receiver.ObserveSenderReport(pkt.SSRC, ntpMiddle32(pkt.NTPTime), now)
		case *pionrtcp.Goodbye:
			for _, ssrc := range pkt.Sources {
				e.receiver.Forget(ssrc)
			}
		}
	}
	return nil
}

// ntpMiddle32 extracts the middle 32 bits of a 64-bit NTP timestamp, the
// form RFC 3550 §6.4.1 requires for the RR's LSR field.
func ntpMiddle32(ntp uint64) uint32 {
	return uint32(ntp >> 16)
}
