package rtp

import (
	"encoding/binary"
	"testing"
	"time"
)

func buildPacket(seq uint16, ts uint32, ssrc uint32) []byte {
	buf := make([]byte, 12)
	buf[0] = 0x80 // V=2
	buf[1] = 96
	binary.BigEndian.PutUint16(buf[2:4], seq)
	binary.BigEndian.PutUint32(buf[4:8], ts)
	binary.BigEndian.PutUint32(buf[8:12], ssrc)
	return buf
}

func TestReceiverSequenceExtensionAcrossWrap(t *testing.T) {
	r := NewReceiver(90000)
	const ssrc = 0xAABBCCDD
	base := time.Now()

	seqs := []uint16{65533, 65534, 65535, 0, 1, 2}
	for i, seq := range seqs {
		pkt := buildPacket(seq, uint32(i*3000), ssrc)
		if _, err := r.Handle(pkt, base.Add(time.Duration(i)*33*time.Millisecond)); err != nil {
			t.Fatalf("Handle(seq=%d): %v", seq, err)
		}
	}

	snap, ok := r.Snapshot(ssrc)
	if !ok {
		t.Fatalf("no stats for ssrc")
	}
	want := uint32(1)<<16 | 2 // one wrap, final raw seq = 2
	if snap.ExtendedMax() != want {
		t.Fatalf("ExtendedMax = %#x, want %#x", snap.ExtendedMax(), want)
	}
}

func TestReceiverRejectsShortOrWrongVersion(t *testing.T) {
	r := NewReceiver(90000)
	if _, err := r.Handle([]byte{1, 2, 3}, time.Now()); err == nil {
		t.Fatalf("expected error for short packet")
	}
	bad := buildPacket(1, 0, 1)
	bad[0] = 0x40 // V=1
	if _, err := r.Handle(bad, time.Now()); err == nil {
		t.Fatalf("expected error for wrong version")
	}
}

func TestReceiverCountsReorderedPacketAsReceived(t *testing.T) {
	r := NewReceiver(90000)
	const ssrc = 7
	base := time.Now()

	// 0,1,2,4,3,5: packet 3 arrives late, after 4, so updateSeq sees it
	// through the reordered/duplicate branch rather than advancing maxSeq.
	seqs := []uint16{0, 1, 2, 4, 3, 5}
	for i, seq := range seqs {
		if _, err := r.Handle(buildPacket(seq, uint32(i*3000), ssrc), base.Add(time.Duration(i)*33*time.Millisecond)); err != nil {
			t.Fatalf("Handle(seq=%d): %v", seq, err)
		}
	}

	snap, ok := r.Snapshot(ssrc)
	if !ok {
		t.Fatalf("no stats for ssrc")
	}
	if snap.Reordered != 1 {
		t.Fatalf("Reordered = %d, want 1", snap.Reordered)
	}
	// Every packet but the very first (which only establishes the base
	// sequence, per initSeq) should count toward Received, including the
	// reordered one.
	if snap.Received != uint64(len(seqs)-1) {
		t.Fatalf("Received = %d, want %d", snap.Received, len(seqs)-1)
	}
	if snap.CumulativeLost() != 0 {
		t.Fatalf("CumulativeLost = %d, want 0: packet 3 did arrive, just late", snap.CumulativeLost())
	}
}

func TestReceiverCountsDuplicatePacketAsReceived(t *testing.T) {
	r := NewReceiver(90000)
	const ssrc = 8
	base := time.Now()

	seqs := []uint16{0, 1, 2, 2, 3} // seq 2 repeated
	for i, seq := range seqs {
		if _, err := r.Handle(buildPacket(seq, uint32(i*3000), ssrc), base.Add(time.Duration(i)*33*time.Millisecond)); err != nil {
			t.Fatalf("Handle(seq=%d): %v", seq, err)
		}
	}

	snap, ok := r.Snapshot(ssrc)
	if !ok {
		t.Fatalf("no stats for ssrc")
	}
	// Received counts every packet, including the duplicate, the same way
	// RFC 3550 Appendix A.1's reference update_seq does: a duplicate still
	// increments the received counter even though maxSeq doesn't move.
	if snap.Received != uint64(len(seqs)-1) {
		t.Fatalf("Received = %d, want %d", snap.Received, len(seqs)-1)
	}
	if snap.CumulativeLost() >= 0 {
		t.Fatalf("CumulativeLost = %d, want negative: a duplicate pushes rcv past exp", snap.CumulativeLost())
	}
}

func TestReceiverCountsLossInReportBlock(t *testing.T) {
	r := NewReceiver(90000)
	const ssrc = 42
	base := time.Now()

	// Seed with an in-order packet to clear probation, then skip 9 seqs.
	_, _ = r.Handle(buildPacket(0, 0, ssrc), base)
	_, _ = r.Handle(buildPacket(1, 3000, ssrc), base.Add(33*time.Millisecond))
	_, _ = r.Handle(buildPacket(11, 33000, ssrc), base.Add(66*time.Millisecond))

	fraction, cumLost, extMax, _, _, _, ok := r.ReportBlock(ssrc)
	if !ok {
		t.Fatalf("ReportBlock: ssrc not found")
	}
	if extMax != 11 {
		t.Fatalf("extMax = %d, want 11", extMax)
	}
	if cumLost != 9 {
		t.Fatalf("cumLost = %d, want 9", cumLost)
	}
	if fraction == 0 {
		t.Fatalf("fraction lost should be nonzero after 9/11 losses")
	}
}
