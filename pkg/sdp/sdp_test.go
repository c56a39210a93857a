package sdp

import "testing"

const sampleSDP = "v=0\r\n" +
	"o=- 0 0 IN IP4 127.0.0.1\r\n" +
	"s=video\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"t=0 0\r\n" +
	"a=control:*\r\n" +
	"m=video 0 RTP/AVP 96\r\n" +
	"a=rtpmap:96 H264/90000\r\n" +
	"a=control:trackID=0\r\n"

func TestParseAndSetupURL(t *testing.T) {
	desc, err := Parse([]byte(sampleSDP))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(desc.Media) != 1 {
		t.Fatalf("got %d media entries, want 1", len(desc.Media))
	}
	m := desc.Media[0]
	if m.Type != "video" {
		t.Fatalf("media type = %q, want video", m.Type)
	}
	if m.PayloadType != 96 {
		t.Fatalf("payload type = %d, want 96", m.PayloadType)
	}
	if m.ClockRate != 90000 {
		t.Fatalf("clock rate = %d, want 90000", m.ClockRate)
	}

	url := desc.SetupURL("rtsp://cam/video.sdp", &m)
	const want = "rtsp://cam/video.sdp/trackID=0"
	if url != want {
		t.Fatalf("SetupURL = %q, want %q", url, want)
	}
}

func TestMixURLControlAbsolute(t *testing.T) {
	got := MixURLControl("rtsp://cam/video.sdp", "rtsp://other/track1")
	if got != "rtsp://other/track1" {
		t.Fatalf("MixURLControl = %q", got)
	}
}
