package rtsp

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// URL is a parsed rtsp:// or rtsps:// URL. Credentials are kept separate
// from the host so that they never leak into a log line by accident.
type URL struct {
	TLS      bool
	Username string
	Password string
	Host     string
	Port     int
	Path     string
	Query    string
}

// ParseURL parses an rtsp:// or rtsps:// URL.
func ParseURL(raw string) (*URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse rtsp url: %w", err)
	}

	var tls bool
	switch u.Scheme {
	case "rtsp":
		tls = false
	case "rtsps":
		tls = true
	default:
		return nil, fmt.Errorf("parse rtsp url: unsupported scheme %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("parse rtsp url: missing host")
	}

	port := DefaultRTSPPort
	if tls {
		port = DefaultRTSPSPort
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("parse rtsp url: bad port %q", p)
		}
		port = n
	}

	out := &URL{
		TLS:   tls,
		Host:  host,
		Port:  port,
		Path:  u.Path,
		Query: u.RawQuery,
	}
	if u.User != nil {
		out.Username = u.User.Username()
		out.Password, _ = u.User.Password()
	}
	return out, nil
}

// HostPort returns "host:port" suitable for net.Dial.
func (u *URL) HostPort() string {
	return fmt.Sprintf("%s:%d", u.Host, u.Port)
}

// String renders the URL including credentials, for use on the wire.
func (u *URL) String() string {
	scheme := "rtsp"
	if u.TLS {
		scheme = "rtsps"
	}
	var cred strings.Builder
	if u.Username != "" {
		cred.WriteString(url.User(u.Username).String())
		if u.Password != "" {
			cred.Reset()
			cred.WriteString(url.UserPassword(u.Username, u.Password).String())
		}
		cred.WriteString("@")
	}
	s := fmt.Sprintf("%s://%s%s", scheme, cred.String(), u.HostPort())
	if u.Path != "" {
		s += u.Path
	} else {
		s += "/"
	}
	if u.Query != "" {
		s += "?" + u.Query
	}
	return s
}

// Redacted renders the URL with credentials stripped, safe for logs and
// error messages.
func (u *URL) Redacted() string {
	scheme := "rtsp"
	if u.TLS {
		scheme = "rtsps"
	}
	s := fmt.Sprintf("%s://%s", scheme, u.HostPort())
	if u.Path != "" {
		s += u.Path
	} else {
		s += "/"
	}
	if u.Query != "" {
		s += "?" + u.Query
	}
	return s
}

// WithPath returns a copy of the URL with a different path and no query.
func (u *URL) WithPath(path string) *URL {
	out := *u
	out.Path = path
	out.Query = ""
	return &out
}
