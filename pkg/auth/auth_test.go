package auth

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"testing"
)

// Vector captured from a real Axis camera challenge: no qop offered, so the
// legacy RFC 2069 response form applies.
func TestDigestHeader_NoQop(t *testing.T) {
	a := New("root", "admin123")
	if err := a.SetChallenge(`Digest realm="AXIS_ACCC8E000AA9", nonce="0024e47aY398109708de9ccd8056c58a068a59540a99d3"`); err != nil {
		t.Fatalf("SetChallenge: %v", err)
	}

	header, err := a.Authorize("DESCRIBE", "rtsp://cam/axis-media/media.amp")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}

	const wantResponse = "7daaf0f4e40fdff42cff28260f37914d"
	if !strings.Contains(header, `response="`+wantResponse+`"`) {
		t.Fatalf("header %q does not contain expected response %q", header, wantResponse)
	}
	if strings.Contains(header, "qop=") {
		t.Fatalf("header %q should not carry qop when none was challenged", header)
	}
}

func TestDigestHeader_QopAuth(t *testing.T) {
	a := New("test", "test123")
	a.cnonceFunc = func() string { return "0a4f113b" }

	if err := a.SetChallenge(`Digest realm="media@genetec.com", nonce="900fa9ee25fb4d5e919fa17c2cd032f7", qop="auth", algorithm="MD5"`); err != nil {
		t.Fatalf("SetChallenge: %v", err)
	}

	const method = "DESCRIBE"
	const uri = "rtsp://recorder:654/00000001-0000-babe-0000-accc8e000aa7/live"

	header, err := a.Authorize(method, uri)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}

	want := DigestResponse("test", "media@genetec.com", "test123", method, uri,
		"900fa9ee25fb4d5e919fa17c2cd032f7", "auth", "00000001", "0a4f113b")
	if !strings.Contains(header, `response="`+want+`"`) {
		t.Fatalf("header %q does not contain expected response %q", header, want)
	}
	if !strings.Contains(header, "nc=00000001") {
		t.Fatalf("header %q missing nc=00000001", header)
	}

	header2, err := a.Authorize(method, uri)
	if err != nil {
		t.Fatalf("Authorize (2nd): %v", err)
	}
	if !strings.Contains(header2, "nc=00000002") {
		t.Fatalf("second Authorize should bump nc: %q", header2)
	}
}

func TestAuthenticationInfoRotatesNonce(t *testing.T) {
	a := New("test", "test123")
	if err := a.SetChallenge(`Digest realm="media@genetec.com", nonce="abc", qop="auth"`); err != nil {
		t.Fatalf("SetChallenge: %v", err)
	}
	if _, err := a.Authorize("DESCRIBE", "rtsp://x/y"); err != nil {
		t.Fatalf("Authorize: %v", err)
	}

	a.ObserveAuthenticationInfo(`qop="auth", nextnonce="deadb00b"`)
	if a.nonce != "deadb00b" {
		t.Fatalf("nonce = %q, want deadb00b", a.nonce)
	}
	if a.nc != 0 {
		t.Fatalf("nc = %d, want reset to 0", a.nc)
	}
}

func TestBasicHeader(t *testing.T) {
	a := New("root", "admin123")
	if err := a.SetChallenge(`Basic realm="AXIS_ACCC8E000AA9"`); err != nil {
		t.Fatalf("SetChallenge: %v", err)
	}
	header, err := a.Authorize("DESCRIBE", "rtsp://cam/axis-media/media.amp")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	const want = "Basic cm9vdDphZG1pbjEyMw=="
	if header != want {
		t.Fatalf("header = %q, want %q", header, want)
	}
}

func mustMD5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestDigestResponseFormula(t *testing.T) {
	ha1 := mustMD5Hex("user:realm:pass")
	ha2 := mustMD5Hex("DESCRIBE:rtsp://x/y")
	want := mustMD5Hex(fmt.Sprintf("%s:%s:%s:%s:%s:%s", ha1, "nonce1", "00000001", "cnonce1", "auth", ha2))

	got := DigestResponse("user", "realm", "pass", "DESCRIBE", "rtsp://x/y", "nonce1", "auth", "00000001", "cnonce1")
	if got != want {
		t.Fatalf("DigestResponse = %q, want %q", got, want)
	}
}
