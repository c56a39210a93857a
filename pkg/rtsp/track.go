package rtsp

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// TransportKind selects the RTP delivery mode offered at SETUP.
type TransportKind int

const (
	TransportUDPKind TransportKind = iota
	TransportTCPKind
)

// TransportDescriptor is the negotiated delivery mode for one track, fixed
// once SETUP's response is parsed.
type TransportDescriptor struct {
	Kind TransportKind

	// UDP fields.
	ClientRTPPort  int
	ClientRTCPPort int
	ServerRTPPort  int
	ServerRTCPPort int

	// TCP-interleaved fields.
	RTPChannel  byte
	RTCPChannel byte

	SSRC    uint32
	HaveSSRC bool
}

// Track is one selected SDP media entry, plus the sockets or channels SETUP
// negotiated for it.
type Track struct {
	MediaType   string
	PayloadType uint8
	ClockRate   uint32
	ControlURL  string

	Transport TransportDescriptor

	rtpConn  *net.UDPConn // nil for TCP-interleaved
	rtcpConn *net.UDPConn
	rtcpPeer *net.UDPAddr // server_port RTCP address, else the first inbound RTCP packet's source
}

// bindUDPPair binds two consecutive local UDP ports (even RTP, odd RTCP),
// the same pre-bind-before-offer approach any RTSP client needs since the
// Transport header must name real ports before the server can accept them.
func bindUDPPair() (rtp, rtcp *net.UDPConn, err error) {
	for attempt := 0; attempt < 20; attempt++ {
		c1, err := net.ListenUDP("udp", &net.UDPAddr{})
		if err != nil {
			return nil, nil, err
		}
		port := c1.LocalAddr().(*net.UDPAddr).Port
		if port%2 != 0 {
			c1.Close()
			continue
		}
		c2, err := net.ListenUDP("udp", &net.UDPAddr{Port: port + 1})
		if err != nil {
			c1.Close()
			continue
		}
		return c1, c2, nil
	}
	return nil, nil, fmt.Errorf("rtsp: could not bind a consecutive UDP port pair")
}

// buildTransportHeaderUDP renders the offer for a UDP track.
func buildTransportHeaderUDP(clientRTP, clientRTCP int) string {
	return fmt.Sprintf("%s;%s;client_port=%d-%d", TransportRTPUDP, TransportUnicast, clientRTP, clientRTCP)
}

// buildTransportHeaderTCP renders the offer for a TCP-interleaved track.
func buildTransportHeaderTCP(rtpCh, rtcpCh byte) string {
	return fmt.Sprintf("%s;%s;interleaved=%d-%d", TransportRTPTCP, TransportUnicast, rtpCh, rtcpCh)
}

// parseTransportResponse parses the server's Transport header from a SETUP
// 200 response into a descriptor, preserving the offer's kind (the server
// is not expected to switch delivery mode on us).
func parseTransportResponse(header string, offered TransportKind) (TransportDescriptor, error) {
	desc := TransportDescriptor{Kind: offered}
	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		key, val, hasVal := strings.Cut(part, "=")
		key = strings.ToLower(strings.TrimSpace(key))
		switch key {
		case "client_port":
			lo, hi, ok := splitPortRange(val)
			if ok {
				desc.ClientRTPPort, desc.ClientRTCPPort = lo, hi
			}
		case "server_port":
			lo, hi, ok := splitPortRange(val)
			if ok {
				desc.ServerRTPPort, desc.ServerRTCPPort = lo, hi
			}
		case "interleaved":
			lo, hi, ok := splitPortRange(val)
			if ok {
				desc.RTPChannel, desc.RTCPChannel = byte(lo), byte(hi)
			}
		case "ssrc":
			if hasVal {
				if n, err := strconv.ParseUint(val, 16, 32); err == nil {
					desc.SSRC = uint32(n)
					desc.HaveSSRC = true
				}
			}
		}
	}
	return desc, nil
}

func splitPortRange(s string) (lo, hi int, ok bool) {
	a, b, found := strings.Cut(s, "-")
	if !found {
		n, err := strconv.Atoi(a)
		if err != nil {
			return 0, 0, false
		}
		return n, n, true
	}
	lo, err1 := strconv.Atoi(a)
	hi, err2 := strconv.Atoi(b)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return lo, hi, true
}
