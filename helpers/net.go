package helpers

import (
	"errors"
	"net"
	"net/url"
	"strings"
)

// ParseURL splits "tcp://host:port" or "unix:///path" into scheme and address.
func ParseURL(s string) (scheme, addr string, err error) {
	u, err := url.ParseRequestURI(s)
	if err != nil {
		return "", "", err
	}
	if u.Scheme == "unix" {
		return u.Scheme, u.Path, nil
	}
	return u.Scheme, u.Host, nil
}

func AddrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

// IsClosedConn reports error from operation on connection or listener we closed ourselves.
func IsClosedConn(e error) bool {
	if e == nil {
		return false
	}
	return errors.Is(e, net.ErrClosed) || strings.HasSuffix(e.Error(), "use of closed network connection")
}
