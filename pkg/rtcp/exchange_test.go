package rtcp

import (
	"encoding/binary"
	"testing"
	"time"

	pionrtcp "github.com/pion/rtcp"

	"rtsptap/pkg/rtp"
)

type recordingSink struct {
	payloads [][]byte
}

func (s *recordingSink) WriteRTCP(payload []byte) error {
	s.payloads = append(s.payloads, payload)
	return nil
}

func buildRTPPacket(seq uint16, ssrc uint32) []byte {
	buf := make([]byte, 12)
	buf[0] = 0x80
	buf[1] = 96
	binary.BigEndian.PutUint16(buf[2:4], seq)
	binary.BigEndian.PutUint32(buf[4:8], 0)
	binary.BigEndian.PutUint32(buf[8:12], ssrc)
	return buf
}

func TestSendReportIncludesReceptionReport(t *testing.T) {
	receiver := rtp.NewReceiver(90000)
	const ssrc = 0x1234
	now := time.Now()
	if _, err := receiver.Handle(buildRTPPacket(0, ssrc), now); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if _, err := receiver.Handle(buildRTPPacket(1, ssrc), now.Add(33*time.Millisecond)); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	sink := &recordingSink{}
	ex := New(receiver, sink, "rtsptap@client", 0xAABBCCDD)

	if err := ex.sendReport(); err != nil {
		t.Fatalf("sendReport: %v", err)
	}
	if len(sink.payloads) != 1 {
		t.Fatalf("got %d payloads, want 1", len(sink.payloads))
	}

	packets, err := pionrtcp.Unmarshal(sink.payloads[0])
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(packets) != 2 {
		t.Fatalf("got %d packets, want 2 (RR + SDES)", len(packets))
	}

	rr, ok := packets[0].(*pionrtcp.ReceiverReport)
	if !ok {
		t.Fatalf("packets[0] = %T, want *ReceiverReport", packets[0])
	}
	if rr.SSRC != 0xAABBCCDD {
		t.Fatalf("rr.SSRC = %#x, want %#x", rr.SSRC, 0xAABBCCDD)
	}
	if len(rr.Reports) != 1 || rr.Reports[0].SSRC != ssrc {
		t.Fatalf("rr.Reports = %+v, want one block for ssrc %#x", rr.Reports, ssrc)
	}

	sdes, ok := packets[1].(*pionrtcp.SourceDescription)
	if !ok {
		t.Fatalf("packets[1] = %T, want *SourceDescription", packets[1])
	}
	if len(sdes.Chunks) != 1 || sdes.Chunks[0].Items[0].Text != "rtsptap@client" {
		t.Fatalf("sdes chunks = %+v", sdes.Chunks)
	}
}

func TestHandleSenderReportAndGoodbye(t *testing.T) {
	receiver := rtp.NewReceiver(90000)
	const ssrc = 0x55
	now := time.Now()
	if _, err := receiver.Handle(buildRTPPacket(0, ssrc), now); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	ex := New(receiver, &recordingSink{}, "c", 1)

	sr := &pionrtcp.SenderReport{SSRC: ssrc, NTPTime: 0x0102030405060708, RTPTime: 1000}
	payload, err := pionrtcp.Marshal([]pionrtcp.Packet{sr})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := ex.Handle(payload, now); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	snap, ok := receiver.Snapshot(ssrc)
	if !ok {
		t.Fatalf("snapshot missing ssrc after SR")
	}
	if snap.LastSRNTPMiddle32 != uint32(sr.NTPTime>>16) {
		t.Fatalf("LastSRNTPMiddle32 = %#x, want %#x", snap.LastSRNTPMiddle32, uint32(sr.NTPTime>>16))
	}

	bye := &pionrtcp.Goodbye{Sources: []uint32{ssrc}}
	byePayload, err := bye.Marshal()
	if err != nil {
		t.Fatalf("Marshal goodbye: %v", err)
	}
	if err := ex.Handle(byePayload, now); err != nil {
		t.Fatalf("Handle(bye): %v", err)
	}
	if _, ok := receiver.Snapshot(ssrc); ok {
		t.Fatalf("ssrc should be forgotten after BYE")
	}
}
