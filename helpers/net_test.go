package helpers

import (
	"net"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURL(t *testing.T) {
	t.Parallel()
	cases := []struct {
		input  string
		scheme string
		addr   string
		err    bool
	}{
		{"tcp://127.0.0.1:8080", "tcp", "127.0.0.1:8080", false},
		{"tls://sensors.example:8443", "tls", "sensors.example:8443", false},
		{"unix:///run/envtele.sock", "unix", "/run/envtele.sock", false},
		{"127.0.0.1:8080", "", "", true},
	}
	for _, c := range cases {
		c := c
		t.Run(c.input, func(t *testing.T) {
			t.Parallel()
			scheme, addr, err := ParseURL(c.input)
			if c.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.scheme, scheme)
			assert.Equal(t, c.addr, addr)
		})
	}
}

func TestIsClosedConn(t *testing.T) {
	t.Parallel()
	ll, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, ll.Close())
	_, err = ll.Accept()
	assert.True(t, IsClosedConn(err))
	assert.True(t, IsClosedConn(errors.Annotate(err, "accept")))
	assert.False(t, IsClosedConn(nil))
	assert.False(t, IsClosedConn(errors.New("connection reset by peer")))
	assert.Equal(t, "", AddrString(nil))
}
