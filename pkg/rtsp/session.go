package rtsp

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	neturl "net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	clientauth "rtsptap/pkg/auth"
	rtcpexchange "rtsptap/pkg/rtcp"
	rtpreceiver "rtsptap/pkg/rtp"
	sessiondescription "rtsptap/pkg/sdp"
)

// SessionState is the RTSP method-level state machine a Session walks
// through, independent of the underlying Transport's connection state.
type SessionState int

const (
	SessionInit SessionState = iota
	SessionDescribed
	SessionReady
	SessionPlaying
	SessionPaused
	SessionEnded
	SessionErrored
)

func (s SessionState) String() string {
	switch s {
	case SessionInit:
		return "init"
	case SessionDescribed:
		return "described"
	case SessionReady:
		return "ready"
	case SessionPlaying:
		return "playing"
	case SessionPaused:
		return "paused"
	case SessionEnded:
		return "ended"
	case SessionErrored:
		return "errored"
	default:
		return "unknown"
	}
}

const maxRedirects = 1

// Session drives one RTSP client negotiation: OPTIONS, DESCRIBE, per-track
// SETUP, PLAY/PAUSE, keep-alive, and TEARDOWN, over a single Transport.
type Session struct {
	baseURL *URL
	auth    *clientauth.ClientAuth
	prefer  TransportKind

	mu    sync.Mutex
	state SessionState

	transport    *Transport
	sessionToken string
	timeout      time.Duration

	publicMethods map[string]bool
	description   *sessiondescription.Description
	contentBase   string // Content-Base/-Location from DESCRIBE; "" falls back to the request URL

	tracks    []*Track
	receivers []*rtpreceiver.Receiver
	exchanges []*rtcpexchange.Exchange

	packets chan rtpreceiver.DecodedPacket

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	nextChan  byte
	redirects int
	cname     string
	logger    *slog.Logger
}

// SessionOption configures a Session at construction time.
type SessionOption func(*Session)

// WithLogger overrides the logger a Session (and the Transport it owns)
// emits diagnostics through. Without this option a Session logs through
// slog.Default().
func WithLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) { s.logger = logger }
}

// NewSession creates a Session targeting rawURL. prefer selects UDP or
// TCP-interleaved delivery for every SETUP this session issues.
func NewSession(rawURL, username, password string, prefer TransportKind, opts ...SessionOption) (*Session, error) {
	url, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())

	var a *clientauth.ClientAuth
	if username != "" || password != "" {
		a = clientauth.New(username, password)
	}

	s := &Session{
		baseURL:       url,
		auth:          a,
		prefer:        prefer,
		state:         SessionInit,
		timeout:       DefaultTimeout * time.Second,
		publicMethods: make(map[string]bool),
		packets:       make(chan rtpreceiver.DecodedPacket, 256),
		ctx:           ctx,
		cancel:        cancel,
		cname:         "rtsptap@" + randomHex(6),
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Packets returns the channel the application reads decoded RTP packets
// from. It is never closed while the session is open; Close stops feeding
// it but does not close it, so a range-select on it must also watch ctx.
func (s *Session) Packets() <-chan rtpreceiver.DecodedPacket { return s.packets }

// State returns the session's current method-state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Connect opens the transport. Must be called before Describe.
func (s *Session) Connect(ctx context.Context) error {
	s.transport = NewTransport(s.baseURL, s.auth, WithTransportLogger(s.logger))
	if err := s.transport.Connect(ctx); err != nil {
		s.setState(SessionErrored)
		return err
	}
	return nil
}

// Options issues a best-effort OPTIONS to learn the server's supported
// methods. Parse failure is not fatal: per §4.5, callers fall back to
// assuming every method is supported.
func (s *Session) Options(ctx context.Context) {
	req := NewRequest(MethodOptions, s.baseURL.String())
	s.applySessionHeader(req)

	resp, err := s.transport.Do(ctx, req)
	if err != nil {
		s.logger.Debug("rtsp: OPTIONS failed, assuming full method support", "err", err)
		return
	}
	if resp.StatusCode != StatusOK {
		return
	}
	for _, m := range strings.Split(resp.GetHeader(HeaderPublic), ",") {
		m = strings.ToUpper(strings.TrimSpace(m))
		if m != "" {
			s.publicMethods[m] = true
		}
	}
}

// Describe issues DESCRIBE and parses the SDP body, following at most one
// 3xx redirect (§4.5 point 8).
func (s *Session) Describe(ctx context.Context) error {
	if s.State() != SessionInit {
		return fmt.Errorf("%w: DESCRIBE", ErrWrongState)
	}

	resp, err := s.describeOnce(ctx)
	if err != nil {
		s.setState(SessionErrored)
		return err
	}

	if resp.StatusCode >= StatusMultipleChoices && resp.StatusCode < StatusBadRequest {
		location := resp.GetHeader(HeaderLocation)
		if location == "" || s.redirects >= maxRedirects {
			s.setState(SessionErrored)
			return &ProtocolError{Method: MethodDescribe, StatusCode: resp.StatusCode, StatusText: resp.StatusText}
		}
		newURL, err := ParseURL(location)
		if err != nil {
			s.setState(SessionErrored)
			return fmt.Errorf("rtsp: redirect target: %w", err)
		}
		s.redirects++
		s.baseURL = newURL
		_ = s.transport.Close()
		if err := s.Connect(ctx); err != nil {
			return err
		}
		s.Options(ctx)
		return s.Describe(ctx)
	}

	if resp.StatusCode != StatusOK {
		s.setState(SessionErrored)
		return &ProtocolError{Method: MethodDescribe, StatusCode: resp.StatusCode, StatusText: resp.StatusText}
	}

	desc, err := sessiondescription.Parse(resp.Body)
	if err != nil {
		s.setState(SessionErrored)
		return fmt.Errorf("rtsp: parse sdp: %w", err)
	}
	s.description = desc
	s.contentBase = s.resolveContentBase(resp)
	s.setState(SessionDescribed)
	return nil
}

// resolveContentBase picks the base URL SETUP control URLs resolve against:
// Content-Base if the response set one, else Content-Location, else the
// DESCRIBE request URL. Both headers may be relative to the request URL.
func (s *Session) resolveContentBase(resp *Response) string {
	for _, header := range []string{HeaderContentBase, HeaderContentLocation} {
		if v := strings.TrimSpace(resp.GetHeader(header)); v != "" {
			return resolveURLReference(s.baseURL.String(), v)
		}
	}
	return s.baseURL.String()
}

// resolveURLReference resolves ref against base, returning ref unresolved if
// either fails to parse as a URL (callers still get a usable, if unrelative,
// string rather than an error).
func resolveURLReference(base, ref string) string {
	baseURL, err := neturl.Parse(base)
	if err != nil {
		return ref
	}
	refURL, err := neturl.Parse(ref)
	if err != nil {
		return ref
	}
	return baseURL.ResolveReference(refURL).String()
}

func (s *Session) describeOnce(ctx context.Context) (*Response, error) {
	req := NewRequest(MethodDescribe, s.baseURL.String())
	req.SetHeader(HeaderAccept, "application/sdp")
	return s.transport.Do(ctx, req)
}

// SetupAll issues SETUP for every media entry in the parsed SDP, in order.
func (s *Session) SetupAll(ctx context.Context) error {
	if s.State() != SessionDescribed {
		return fmt.Errorf("%w: SETUP", ErrWrongState)
	}
	for i := range s.description.Media {
		if err := s.setupTrack(ctx, &s.description.Media[i]); err != nil {
			s.setState(SessionErrored)
			return err
		}
	}
	s.setState(SessionReady)
	return nil
}

func (s *Session) setupTrack(ctx context.Context, media *sessiondescription.Media) error {
	controlURL := s.description.SetupURL(s.contentBase, media)

	track := &Track{
		MediaType:   media.Type,
		PayloadType: media.PayloadType,
		ClockRate:   media.ClockRate,
		ControlURL:  controlURL,
	}

	req := NewRequest(MethodSetup, controlURL)
	s.applySessionHeader(req)

	switch s.prefer {
	case TransportTCPKind:
		rtpCh, rtcpCh := s.nextChan, s.nextChan+1
		s.nextChan += 2
		req.SetHeader(HeaderTransport, buildTransportHeaderTCP(rtpCh, rtcpCh))
		track.Transport = TransportDescriptor{Kind: TransportTCPKind, RTPChannel: rtpCh, RTCPChannel: rtcpCh}
	default:
		rtpConn, rtcpConn, err := bindUDPPair()
		if err != nil {
			return fmt.Errorf("rtsp: setup %s: %w", media.Type, err)
		}
		track.rtpConn = rtpConn
		track.rtcpConn = rtcpConn
		clientRTP := rtpConn.LocalAddr().(*net.UDPAddr).Port
		clientRTCP := rtcpConn.LocalAddr().(*net.UDPAddr).Port
		req.SetHeader(HeaderTransport, buildTransportHeaderUDP(clientRTP, clientRTCP))
		track.Transport = TransportDescriptor{Kind: TransportUDPKind, ClientRTPPort: clientRTP, ClientRTCPPort: clientRTCP}
	}

	resp, err := s.transport.Do(ctx, req)
	if err != nil {
		return err
	}
	if resp.StatusCode != StatusOK {
		return &ProtocolError{Method: MethodSetup, StatusCode: resp.StatusCode, StatusText: resp.StatusText}
	}

	if sessionHeader := resp.GetHeader(HeaderSession); sessionHeader != "" && s.sessionToken == "" {
		s.sessionToken, s.timeout = parseSessionHeader(sessionHeader)
	}

	if th := resp.GetHeader(HeaderTransport); th != "" {
		desc, _ := parseTransportResponse(th, track.Transport.Kind)
		if track.Transport.Kind == TransportUDPKind {
			desc.ClientRTPPort = track.Transport.ClientRTPPort
			desc.ClientRTCPPort = track.Transport.ClientRTCPPort
			if desc.ServerRTCPPort != 0 {
				if ip := s.remoteIP(); ip != nil {
					track.rtcpPeer = &net.UDPAddr{IP: ip, Port: desc.ServerRTCPPort}
				}
			}
		} else {
			desc.RTPChannel = track.Transport.RTPChannel
			desc.RTCPChannel = track.Transport.RTCPChannel
		}
		track.Transport = desc
	}

	receiver := rtpreceiver.NewReceiver(track.ClockRate)
	trackIndex := len(s.tracks)
	s.tracks = append(s.tracks, track)
	s.receivers = append(s.receivers, receiver)

	sink := s.rtcpSinkFor(track)
	localSSRC := randomSSRC()
	exchange := rtcpexchange.New(receiver, sink, s.cname, localSSRC)
	s.exchanges = append(s.exchanges, exchange)

	s.wireTrackIO(trackIndex)
	return nil
}

// remoteIP returns the connected server's IP, resolved from the live TCP/TLS
// connection rather than the configured URL, since the URL's host is often a
// bare hostname (e.g. "rtsp://cam/video.sdp") rather than a literal IP.
func (s *Session) remoteIP() net.IP {
	addr := s.transport.RemoteAddr()
	if addr == nil {
		return nil
	}
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		return tcpAddr.IP
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

// rtcpSinkFor returns the Sink an Exchange writes outbound RR/SDES through,
// per the track's negotiated delivery mode.
func (s *Session) rtcpSinkFor(track *Track) rtcpexchange.Sink {
	if track.Transport.Kind == TransportTCPKind {
		return &interleavedRTCPSink{transport: s.transport, channel: track.Transport.RTCPChannel}
	}
	return &udpRTCPSink{track: track}
}

type interleavedRTCPSink struct {
	transport *Transport
	channel   byte
}

func (sink *interleavedRTCPSink) WriteRTCP(payload []byte) error {
	return sink.transport.WriteFrame(sink.channel, payload)
}

// udpRTCPSink writes to the track's RTCP peer: the server_port RTCP address
// from the SETUP response if it carried one, else the source of the first
// inbound RTCP packet. Until a peer is known, reports are discarded.
type udpRTCPSink struct {
	track *Track
}

func (sink *udpRTCPSink) WriteRTCP(payload []byte) error {
	if sink.track.rtcpPeer == nil {
		return nil
	}
	_, err := sink.track.rtcpConn.WriteToUDP(payload, sink.track.rtcpPeer)
	return err
}

// wireTrackIO starts the goroutines that feed RTP into s.packets and inbound
// RTCP into the track's Exchange, matching the negotiated delivery mode.
func (s *Session) wireTrackIO(trackIndex int) {
	track := s.tracks[trackIndex]
	receiver := s.receivers[trackIndex]
	exchange := s.exchanges[trackIndex]

	if track.Transport.Kind == TransportTCPKind {
		s.transport.OnFrame(track.Transport.RTPChannel, func(frame *Frame) {
			pkt, err := receiver.Handle(frame.Payload, time.Now())
			if err != nil {
				return
			}
			s.deliver(*pkt)
		})
		s.transport.OnFrame(track.Transport.RTCPChannel, func(frame *Frame) {
			_ = exchange.Handle(frame.Payload, time.Now())
		})
	} else {
		s.wg.Add(2)
		go s.readUDPRTP(track, receiver)
		go s.readUDPRTCP(track, exchange)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		exchange.Run(s.ctx)
	}()
}

func (s *Session) readUDPRTP(track *Track, receiver *rtpreceiver.Receiver) {
	defer s.wg.Done()
	buf := make([]byte, 2048)
	for {
		n, _, err := track.rtpConn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		pkt, err := receiver.Handle(buf[:n], time.Now())
		if err != nil {
			continue
		}
		cp := *pkt
		cp.Payload = append([]byte(nil), pkt.Payload...)
		s.deliver(cp)
	}
}

func (s *Session) readUDPRTCP(track *Track, exchange *rtcpexchange.Exchange) {
	defer s.wg.Done()
	buf := make([]byte, 2048)
	for {
		n, addr, err := track.rtcpConn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if track.rtcpPeer == nil {
			track.rtcpPeer = addr
		}
		_ = exchange.Handle(buf[:n], time.Now())
	}
}

func (s *Session) deliver(pkt rtpreceiver.DecodedPacket) {
	select {
	case s.packets <- pkt:
	case <-s.ctx.Done():
	default:
		// Consumer too slow: drop the oldest queued packet rather than block
		// the read loop, per the bounded-channel backpressure rule for RTP
		// delivery, then queue this one.
		select {
		case <-s.packets:
		default:
		}
		select {
		case s.packets <- pkt:
		default:
		}
	}
}

// Play starts (or resumes, from PAUSED) media delivery.
func (s *Session) Play(ctx context.Context) error {
	switch s.State() {
	case SessionReady, SessionPaused:
	default:
		return fmt.Errorf("%w: PLAY", ErrWrongState)
	}

	req := NewRequest(MethodPlay, s.baseURL.String())
	s.applySessionHeader(req)
	req.SetHeader(HeaderRange, "npt=0.000-")

	resp, err := s.transport.Do(ctx, req)
	if err != nil {
		s.setState(SessionErrored)
		return err
	}
	if resp.StatusCode != StatusOK {
		s.setState(SessionErrored)
		return &ProtocolError{Method: MethodPlay, StatusCode: resp.StatusCode, StatusText: resp.StatusText}
	}

	wasPaused := s.State() == SessionPaused
	s.setState(SessionPlaying)
	if !wasPaused {
		s.wg.Add(1)
		go s.keepAliveLoop()
	}
	return nil
}

// Pause moves a PLAYING session to PAUSED without tearing SETUP down.
func (s *Session) Pause(ctx context.Context) error {
	if s.State() != SessionPlaying {
		return fmt.Errorf("%w: PAUSE", ErrWrongState)
	}
	req := NewRequest(MethodPause, s.baseURL.String())
	s.applySessionHeader(req)

	resp, err := s.transport.Do(ctx, req)
	if err != nil {
		s.setState(SessionErrored)
		return err
	}
	if resp.StatusCode != StatusOK {
		s.setState(SessionErrored)
		return &ProtocolError{Method: MethodPause, StatusCode: resp.StatusCode, StatusText: resp.StatusText}
	}
	s.setState(SessionPaused)
	return nil
}

// keepAliveLoop fires GET_PARAMETER (or OPTIONS, if the server didn't
// advertise GET_PARAMETER) at min(timeout/2, 30s) intervals as long as the
// session stays in PLAYING or PAUSED (PAUSE still needs keep-alive to hold
// the Session token open).
func (s *Session) keepAliveLoop() {
	defer s.wg.Done()

	interval := s.timeout / 2
	if interval > MaxKeepAliveInterval*time.Second {
		interval = MaxKeepAliveInterval * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	method := MethodOptions
	if s.publicMethods[MethodGetParam] {
		method = MethodGetParam
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			switch s.State() {
			case SessionPlaying, SessionPaused:
			default:
				return
			}
			req := NewRequest(method, s.baseURL.String())
			s.applySessionHeader(req)

			ctx, cancel := context.WithTimeout(s.ctx, DefaultRequestTimeout*time.Second)
			resp, err := s.transport.Do(ctx, req)
			cancel()
			if err != nil || !keepAliveAlive(method, resp.StatusCode) {
				s.logger.Warn("rtsp: keep-alive failed, session errored", "method", method, "err", err)
				s.setState(SessionErrored)
				return
			}
		}
	}
}

// keepAliveAlive reports whether resp proves the server is still there.
// OPTIONS is special-cased: some cameras answer it with 501 Not Implemented
// yet are otherwise fully alive, so a 501 to OPTIONS still counts.
func keepAliveAlive(method string, statusCode int) bool {
	if statusCode == StatusOK {
		return true
	}
	return method == MethodOptions && statusCode == StatusNotImplemented
}

// Teardown issues TEARDOWN best-effort; it is always attempted on close,
// even from ERRORED, and its failure does not block resource release.
func (s *Session) Teardown(ctx context.Context) {
	if s.transport == nil || s.transport.State() != StateOpen {
		return
	}
	req := NewRequest(MethodTeardown, s.baseURL.String())
	s.applySessionHeader(req)

	tctx, cancel := context.WithTimeout(ctx, DefaultTeardownTimeout*time.Second)
	defer cancel()
	if _, err := s.transport.Do(tctx, req); err != nil {
		s.logger.Debug("rtsp: TEARDOWN failed (best-effort)", "err", err)
	}
	s.setState(SessionEnded)
}

// Close tears the session and transport down and releases every UDP port,
// in the reverse order of acquisition.
func (s *Session) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTeardownTimeout*time.Second)
	defer cancel()
	s.Teardown(ctx)

	s.cancel()

	// UDP reader goroutines only unblock on a closed socket, not on ctx;
	// close the sockets before Wait so they can't deadlock the shutdown.
	for i := len(s.tracks) - 1; i >= 0; i-- {
		t := s.tracks[i]
		if t.rtcpConn != nil {
			t.rtcpConn.Close()
		}
		if t.rtpConn != nil {
			t.rtpConn.Close()
		}
	}
	s.wg.Wait()

	if s.transport != nil {
		return s.transport.Close()
	}
	return nil
}

func (s *Session) applySessionHeader(req *Request) {
	if s.sessionToken != "" {
		req.SetHeader(HeaderSession, s.sessionToken)
	}
}

// parseSessionHeader splits "<token>;timeout=<n>" into its parts, defaulting
// to DefaultTimeout when no timeout parameter is present.
func parseSessionHeader(header string) (token string, timeout time.Duration) {
	parts := strings.Split(header, ";")
	token = strings.TrimSpace(parts[0])
	timeout = DefaultTimeout * time.Second
	for _, p := range parts[1:] {
		p = strings.TrimSpace(p)
		if n, ok := strings.CutPrefix(p, "timeout="); ok {
			if secs, err := strconv.Atoi(n); err == nil && secs > 0 {
				timeout = time.Duration(secs) * time.Second
			}
		}
	}
	return token, timeout
}

func randomHex(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	const hex = "0123456789abcdef"
	out := make([]byte, n*2)
	for i, b := range buf {
		out[i*2] = hex[b>>4]
		out[i*2+1] = hex[b&0xF]
	}
	return string(out)
}

func randomSSRC() uint32 {
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	return binary.BigEndian.Uint32(buf[:])
}
