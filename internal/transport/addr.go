// Package transport carries framed wire messages between the engine and its
// scheduler over tcp, unix or vsock sockets.
package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/mdlayher/vsock"
)

// Address schemes accepted by Listen and Dial.
const (
	SchemeTCP   = "tcp"
	SchemeUnix  = "unix"
	SchemeVsock = "vsock"
)

// Addr is a parsed listen or dial address.
type Addr struct {
	Scheme string
	// Host is host:port for tcp and the socket path for unix.
	Host string
	// CID and Port are set for vsock. CID is only used when dialing.
	CID  uint32
	Port uint32
}

func (a Addr) String() string {
	switch a.Scheme {
	case SchemeVsock:
		if a.CID != 0 {
			return fmt.Sprintf("vsock://%d:%d", a.CID, a.Port)
		}
		return fmt.Sprintf("vsock://%d", a.Port)
	default:
		return a.Scheme + "://" + a.Host
	}
}

// ParseAddr parses tcp://host:port, unix:///path, vsock://port,
// vsock://cid:port, or a bare host:port meaning tcp.
func ParseAddr(s string) (Addr, error) {
	scheme, rest, found := strings.Cut(s, "://")
	if !found {
		scheme, rest = SchemeTCP, s
	}
	if rest == "" {
		return Addr{}, fmt.Errorf("address %q: missing host", s)
	}

	switch scheme {
	case SchemeTCP:
		if _, _, err := net.SplitHostPort(rest); err != nil {
			return Addr{}, fmt.Errorf("address %q: %w", s, err)
		}
		return Addr{Scheme: SchemeTCP, Host: rest}, nil
	case SchemeUnix:
		return Addr{Scheme: SchemeUnix, Host: rest}, nil
	case SchemeVsock:
		a := Addr{Scheme: SchemeVsock}
		portStr := rest
		if cidStr, p, ok := strings.Cut(rest, ":"); ok {
			cid, err := strconv.ParseUint(cidStr, 10, 32)
			if err != nil {
				return Addr{}, fmt.Errorf("address %q: invalid vsock cid: %w", s, err)
			}
			a.CID, portStr = uint32(cid), p
		}
		port, err := strconv.ParseUint(portStr, 10, 32)
		if err != nil {
			return Addr{}, fmt.Errorf("address %q: invalid vsock port: %w", s, err)
		}
		a.Port = uint32(port)
		return a, nil
	default:
		return Addr{}, fmt.Errorf("address %q: unsupported scheme %q", s, scheme)
	}
}

// Listen opens a listener for addr.
func Listen(addr string) (net.Listener, error) {
	a, err := ParseAddr(addr)
	if err != nil {
		return nil, err
	}

	switch a.Scheme {
	case SchemeVsock:
		l, err := vsock.Listen(a.Port, nil)
		if err != nil {
			return nil, fmt.Errorf("vsock listen on port %d: %w", a.Port, err)
		}
		return l, nil
	default:
		l, err := net.Listen(a.Scheme, a.Host)
		if err != nil {
			return nil, fmt.Errorf("listen on %s: %w", a, err)
		}
		return l, nil
	}
}

// Dial connects to addr and wraps the connection.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	a, err := ParseAddr(addr)
	if err != nil {
		return nil, err
	}

	var c net.Conn
	switch a.Scheme {
	case SchemeVsock:
		c, err = vsock.Dial(a.CID, a.Port, nil)
	default:
		var d net.Dialer
		c, err = d.DialContext(ctx, a.Scheme, a.Host)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", a, err)
	}
	return NewConn(c), nil
}
