package telenet

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/envtele/helpers"
	"github.com/temoto/envtele/log2"
	"github.com/temoto/envtele/reading"
)

const (
	DefaultURL            = "tcp://127.0.0.1:8080"
	DefaultIdleTimeout    = 10 * time.Second
	DefaultNetworkTimeout = 30 * time.Second
	DefaultResponseLimit  = 1023

	ReplyOK      = "OK"
	ReplyInvalid = "FIRMA INVALIDA"
)

var (
	ErrClosing   = fmt.Errorf("closing")
	errFrameSize = fmt.Errorf("frame size")
)

type ConnOptions struct {
	Log *log2.Log
	TLS *tls.Config

	NetworkTimeout time.Duration
}

func dialContext(ctx context.Context, dialer net.Dialer, url string, opt ConnOptions, stat *SessionStat) (*streamConn, error) {
	if dialer.Timeout == 0 {
		dialer.Timeout = opt.NetworkTimeout
	}
	if deadline, _ := ctx.Deadline(); !deadline.IsZero() {
		if timeout := time.Until(deadline); timeout > 0 && timeout < dialer.Timeout {
			dialer.Timeout = timeout
		} else if timeout < 0 {
			return nil, context.Canceled
		}
	}

	scheme, hostport, err := helpers.ParseURL(url)
	if err != nil {
		return nil, err
	}

	var conn net.Conn
	switch scheme {
	case "tcp":
		conn, err = dialer.DialContext(ctx, "tcp", hostport)

	case "tls":
		config := opt.TLS
		if config == nil {
			config = &tls.Config{}
		}
		if config.ServerName == "" {
			config = config.Clone()
			if config.ServerName, _, err = net.SplitHostPort(hostport); err != nil {
				return nil, err
			}
		}
		conn, err = dialer.DialContext(ctx, "tcp", hostport)
		if err == nil {
			conn = tls.Client(conn, config)
		}

	default:
		err = fmt.Errorf("unknown protocol=%s", scheme)
	}
	if err != nil {
		return nil, err
	}
	return newStreamConn(conn, opt, stat), nil
}

// One exchange over net.Conn with byte accounting.
type streamConn struct {
	err  helpers.AtomicError
	net  net.Conn
	opt  ConnOptions
	stat *SessionStat
	r    io.Reader
	w    io.Writer
}

func newStreamConn(netConn net.Conn, opt ConnOptions, stat *SessionStat) *streamConn {
	c := &streamConn{
		net:  netConn,
		opt:  opt,
		stat: stat,
	}
	if tcp, ok := c.net.(*net.TCPConn); ok {
		_ = tcp.SetKeepAlive(false)
		_ = tcp.SetNoDelay(true)
	}
	const tcpOverhead = 40
	c.r = &helpers.CountedReader{R: c.net, Counter: &c.stat.Recv.Size, Overhead: tcpOverhead}
	c.w = &helpers.CountedWriter{W: c.net, Counter: &c.stat.Send.Size, Overhead: tcpOverhead}
	return c
}

func (c *streamConn) Close() error { return c.die(ErrClosing) }

// ReadFrame waits for exactly one frame. Timeout is counted from start, not per read.
func (c *streamConn) ReadFrame(timeout time.Duration) ([]byte, error) {
	if err := c.net.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, errors.Annotate(err, "SetReadDeadline")
	}
	var buf [reading.FrameSize + 1]byte
	n, err := readFrame(c.r, buf[:])
	if n != reading.FrameSize {
		if err == nil || err == io.EOF {
			err = errFrameSize
		}
		return nil, errors.Annotatef(err, "length=%d", n)
	}
	c.stat.Recv.Count.Add(1)
	return buf[:n], nil
}

// readFrame reads until at least FrameSize bytes or error.
// len(buf) must be > FrameSize so that oversized input arriving together is visible as n > FrameSize.
func readFrame(r io.Reader, buf []byte) (int, error) {
	n := 0
	for n < reading.FrameSize {
		nn, err := r.Read(buf[n:])
		n += nn
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// ReadResponse reads opaque status line until EOF or limit.
func (c *streamConn) ReadResponse(limit int) ([]byte, error) {
	if err := c.net.SetReadDeadline(time.Now().Add(c.opt.NetworkTimeout)); err != nil {
		return nil, errors.Annotate(err, "SetReadDeadline")
	}
	b, err := io.ReadAll(io.LimitReader(c.r, int64(limit)))
	if err != nil {
		return b, errors.Annotate(err, "receive")
	}
	c.stat.Recv.Count.Add(1)
	return b, nil
}

func (c *streamConn) Write(b []byte) error {
	if err := c.net.SetWriteDeadline(time.Now().Add(c.opt.NetworkTimeout)); err != nil {
		return errors.Annotate(err, "SetWriteDeadline")
	}
	if err := helpers.WriteAll(c.w, b); err != nil {
		return errors.Annotate(err, "send")
	}
	c.stat.Send.Count.Add(1)
	return nil
}

func (c *streamConn) RemoteAddr() net.Addr { return c.net.RemoteAddr() }

func (c *streamConn) String() string {
	return fmt.Sprintf("(local=%s remote=%s)", helpers.AddrString(c.net.LocalAddr()), helpers.AddrString(c.RemoteAddr()))
}

func (c *streamConn) die(e error) error {
	if err, found := c.err.StoreOnce(e); found {
		return err
	}
	_ = c.net.Close()
	if e == ErrClosing {
		return e
	}

	// reformat some well known errors for easier log reading
	estr := e.Error()
	if neterr, ok := errors.Cause(e).(net.Error); ok && neterr.Timeout() {
		estr = "timeout"
	} else if strings.HasSuffix(estr, "i/o timeout") {
		estr = "timeout"
	} else if strings.HasSuffix(estr, "connection reset by peer") {
		estr = "closed by remote"
	}
	c.opt.Log.Debugf("die +close conn=%s e=%s", c.String(), estr)
	return e
}
