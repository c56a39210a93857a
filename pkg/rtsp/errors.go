package rtsp

import (
	"errors"
	"fmt"
)

// Sentinel errors for the taxonomy a caller may want to branch on via
// errors.Is. Transport/Protocol/Auth wrap one of these.
var (
	ErrTransport    = errors.New("rtsp: transport error")
	ErrProtocol     = errors.New("rtsp: protocol error")
	ErrAuth         = errors.New("rtsp: authentication failed")
	ErrTimeout      = errors.New("rtsp: timeout")
	ErrClosed       = errors.New("rtsp: transport closed")
	ErrWrongState   = errors.New("rtsp: method not valid in current state")
)

// TransportError wraps a fatal connection-level failure: connect failure,
// unexpected EOF, malformed frame.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("rtsp transport: %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return errors.Join(ErrTransport, e.Err) }

// ProtocolError wraps a non-401 status >= 400, or a response parse failure.
type ProtocolError struct {
	Method     string
	StatusCode int
	StatusText string
}

func (e *ProtocolError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("rtsp protocol: %s: malformed response", e.Method)
	}
	return fmt.Sprintf("rtsp protocol: %s: %d %s", e.Method, e.StatusCode, e.StatusText)
}
func (e *ProtocolError) Unwrap() error { return ErrProtocol }

// AuthError wraps a fatal authentication failure: the request retried with
// credentials after a 401 challenge was answered with another 401.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return fmt.Sprintf("rtsp auth: %s", e.Reason) }
func (e *AuthError) Unwrap() error { return ErrAuth }
