package rtsp

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"rtsptap/pkg/auth"
)

// State is the connection-level lifecycle, distinct from Session's
// RTSP-method state machine above it.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// FrameHandler receives interleaved RTP/RTCP frames demultiplexed off the
// connection, keyed by the channel number assigned at SETUP.
type FrameHandler func(frame *Frame)

// pendingCall is one in-flight request awaiting its final response.
type pendingCall struct {
	resp chan *Response
	err  chan error
}

// Transport owns one persistent RTSP connection: the read loop, the
// CSeq-keyed pending-request table, and the single write path every
// outbound request and interleaved frame funnels through. One Transport
// backs one Session.
type Transport struct {
	url  *URL
	auth *auth.ClientAuth

	mu    sync.Mutex
	state State
	conn  net.Conn
	rd    *MessageReader
	wr    *MessageWriter

	writeMu sync.Mutex

	cseq    atomic.Int64
	pending sync.Map // int (cseq) -> *pendingCall

	frameMu  sync.RWMutex
	frameSinks map[byte]FrameHandler

	closeOnce sync.Once
	closed    chan struct{}

	requestTimeout time.Duration
	logger         *slog.Logger
}

// TransportOption configures a Transport at construction time.
type TransportOption func(*Transport)

// WithTransportLogger overrides the logger a Transport emits connection and
// read-loop diagnostics through. Without this option a Transport logs
// through slog.Default().
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(t *Transport) { t.logger = logger }
}

// NewTransport creates a Transport for url, not yet connected.
func NewTransport(url *URL, credentials *auth.ClientAuth, opts ...TransportOption) *Transport {
	t := &Transport{
		url:            url,
		auth:           credentials,
		state:          StateIdle,
		frameSinks:     make(map[byte]FrameHandler),
		closed:         make(chan struct{}),
		requestTimeout: DefaultRequestTimeout * time.Second,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Connect dials the server and starts the read loop. ctx bounds the dial
// and TLS handshake only; once open the read loop runs until Close.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state != StateIdle {
		t.mu.Unlock()
		return fmt.Errorf("rtsp transport: Connect called in state %s", t.state)
	}
	t.state = StateConnecting
	t.mu.Unlock()

	dialer := &net.Dialer{Timeout: DefaultConnectTimeout * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", t.url.HostPort())
	if err != nil {
		t.setState(StateClosed)
		return &TransportError{Op: "dial", Err: err}
	}

	if t.url.TLS {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: t.url.Host})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			t.setState(StateClosed)
			return &TransportError{Op: "tls handshake", Err: err}
		}
		conn = tlsConn
	}

	t.mu.Lock()
	t.conn = conn
	t.rd = NewMessageReader(conn)
	t.wr = NewMessageWriter(conn)
	t.state = StateOpen
	t.mu.Unlock()

	go t.readLoop()
	t.logger.Debug("rtsp transport connected", "addr", t.url.Redacted())
	return nil
}

func (t *Transport) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// RemoteAddr returns the connected peer's address, or nil before Connect
// succeeds. Callers that need the server's IP (e.g. to target a UDP RTCP
// peer before any packet has arrived from it) use this instead of
// resolving the configured hostname themselves, since the hostname may not
// be a literal IP.
func (t *Transport) RemoteAddr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.RemoteAddr()
}

// OnFrame registers handler as the sink for interleaved frames on channel.
// A frame arriving on an unregistered channel is dropped.
func (t *Transport) OnFrame(channel byte, handler FrameHandler) {
	t.frameMu.Lock()
	defer t.frameMu.Unlock()
	t.frameSinks[channel] = handler
}

// readLoop demultiplexes the connection until it fails, delivering
// responses to their pending caller and frames to their registered sink.
func (t *Transport) readLoop() {
	for {
		resp, frame, err := t.rd.ReadNext()
		if err != nil {
			t.setState(StateClosing)
			t.failAllPending(&TransportError{Op: "read", Err: err})
			t.setState(StateClosed)
			t.closeOnce.Do(func() { close(t.closed) })
			return
		}

		if frame != nil {
			t.frameMu.RLock()
			handler := t.frameSinks[frame.Channel]
			t.frameMu.RUnlock()
			if handler != nil {
				handler(frame)
			}
			continue
		}

		if !resp.IsFinal() {
			continue // 1xx: informational, no pending call completes on it
		}

		v, ok := t.pending.Load(resp.CSeq)
		if !ok {
			t.logger.Debug("rtsp transport: response for unknown cseq", "cseq", resp.CSeq)
			continue
		}
		call := v.(*pendingCall)
		t.pending.Delete(resp.CSeq)
		call.resp <- resp
	}
}

func (t *Transport) failAllPending(err error) {
	t.pending.Range(func(key, value any) bool {
		call := value.(*pendingCall)
		t.pending.Delete(key)
		call.err <- err
		return true
	})
}

// Do sends req and waits for its final response, transparently retrying
// once with an Authorization header if the server challenges with 401.
// Do assigns CSeq itself; callers must not set it beforehand.
func (t *Transport) Do(ctx context.Context, req *Request) (*Response, error) {
	resp, err := t.doOnce(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != StatusUnauthorized {
		t.observeAuthInfo(resp)
		return resp, nil
	}
	if t.auth == nil {
		return resp, nil
	}

	challenge := resp.GetHeader(HeaderWWWAuthenticate)
	if challenge == "" {
		return resp, nil
	}
	if err := t.auth.SetChallenge(challenge); err != nil {
		return resp, nil
	}

	retry := NewRequest(req.Method, req.URI)
	retry.Headers = req.Headers.Clone()
	retry.Headers.Del(HeaderCSeq)
	retry.Headers.Del(HeaderAuthorization)
	retry.Body = req.Body

	resp2, err := t.doOnce(ctx, retry)
	if err != nil {
		return nil, err
	}
	if resp2.StatusCode == StatusUnauthorized {
		return nil, &AuthError{Reason: "server rejected credentials after retry"}
	}
	t.observeAuthInfo(resp2)
	return resp2, nil
}

// observeAuthInfo rotates the stored nonce from Authentication-Info on any
// successful response, not just the one following a 401 retry; qop=auth
// servers commonly rotate the nonce on ordinary 2xx responses too.
func (t *Transport) observeAuthInfo(resp *Response) {
	if t.auth == nil {
		return
	}
	if info := resp.GetHeader(HeaderAuthInfo); info != "" {
		t.auth.ObserveAuthenticationInfo(info)
	}
}

func (t *Transport) doOnce(ctx context.Context, req *Request) (*Response, error) {
	if t.State() != StateOpen {
		return nil, fmt.Errorf("%w", ErrClosed)
	}

	cseq := int(t.cseq.Add(1))
	req.SetCSeq(cseq)
	req.SetHeader(HeaderUserAgent, "rtsptap")

	if t.auth != nil && t.auth.HasChallenge() {
		if header, err := t.auth.Authorize(req.Method, req.URI); err == nil && header != "" {
			req.SetHeader(HeaderAuthorization, header)
		}
	}

	call := &pendingCall{resp: make(chan *Response, 1), err: make(chan error, 1)}
	t.pending.Store(cseq, call)

	if err := t.write(req); err != nil {
		t.pending.Delete(cseq)
		return nil, &TransportError{Op: "write", Err: err}
	}

	reqCtx, cancel := context.WithTimeout(ctx, t.requestTimeout)
	defer cancel()

	select {
	case resp := <-call.resp:
		return resp, nil
	case err := <-call.err:
		return nil, err
	case <-reqCtx.Done():
		t.pending.Delete(cseq)
		return nil, fmt.Errorf("%w: %s %s", ErrTimeout, req.Method, t.url.Redacted())
	case <-t.closed:
		return nil, fmt.Errorf("%w", ErrClosed)
	}
}

func (t *Transport) write(req *Request) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.mu.Lock()
	wr := t.wr
	t.mu.Unlock()
	if wr == nil {
		return fmt.Errorf("%w", ErrClosed)
	}
	return wr.WriteRequest(req)
}

// WriteFrame sends an interleaved RTP/RTCP frame, used when a track's RTCP
// is carried on the RTSP connection rather than a separate UDP socket.
func (t *Transport) WriteFrame(channel byte, payload []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.mu.Lock()
	wr := t.wr
	t.mu.Unlock()
	if wr == nil {
		return fmt.Errorf("%w", ErrClosed)
	}
	return wr.WriteFrame(channel, payload)
}

// Close tears the connection down, failing any pending calls with
// ErrClosed. Safe to call more than once.
func (t *Transport) Close() error {
	t.setState(StateClosing)
	t.closeOnce.Do(func() { close(t.closed) })
	t.failAllPending(fmt.Errorf("%w", ErrClosed))

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	t.setState(StateClosed)
	return err
}
