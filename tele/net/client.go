package telenet

import (
	"context"
	"net"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/envtele/helpers"
	"github.com/temoto/envtele/reading"
	"github.com/temoto/envtele/sensor"
	teleauth "github.com/temoto/envtele/tele/auth"
)

const (
	DefaultInterval   = 1 * time.Second
	DefaultRetryDelay = 1 * time.Second
)

// Device side of reading transport.
// Sequential: sense, sign, dial, send, read reply, close, sleep.
type Client struct {
	backoff *helpers.Backoff
	dialer  net.Dialer
	opt     *ClientOptions
	stat    SessionStat
}

type ClientOptions struct {
	ConnOptions
	URL      string
	Signer   teleauth.Signer
	Source   sensor.Source
	SensorID int32

	// Delay between cycles, not corrected for cycle duration.
	Interval time.Duration
	// Consecutive connect failures tolerated before Run returns error. 0 means stop on first.
	// Send and receive errors on established connection never stop Run.
	ConnectRetry int
	RetryDelay   time.Duration
	// Response bytes kept, rest discarded.
	ResponseLimit int
	// Local wall clock for reading timestamps.
	Now func() time.Time
	// Called after every successful exchange.
	OnResponse func(reading.SensorReading, string)
}

func NewClient(opt *ClientOptions) (*Client, error) {
	if opt.Signer == nil {
		return nil, errors.NotValidf("code error ClientOptions.Signer=nil")
	}
	if opt.URL == "" {
		opt.URL = DefaultURL
	}
	if _, _, err := helpers.ParseURL(opt.URL); err != nil {
		return nil, errors.Annotatef(err, "config error client url=%s", opt.URL)
	}
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.Interval == 0 {
		opt.Interval = DefaultInterval
	}
	if opt.RetryDelay == 0 {
		opt.RetryDelay = DefaultRetryDelay
	}
	if opt.ResponseLimit == 0 {
		opt.ResponseLimit = DefaultResponseLimit
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	c := &Client{
		backoff: &helpers.Backoff{
			Min: opt.RetryDelay,
			Max: 10 * opt.RetryDelay,
			K:   2,
		},
		dialer: net.Dialer{Timeout: opt.NetworkTimeout},
		opt:    opt,
	}
	return c, nil
}

func (c *Client) Stat() *SessionStat { return &c.stat }

// ConnectError is returned by Exchange when socket could not be opened.
type ConnectError struct {
	URL string
	Err error
}

func (e *ConnectError) Error() string { return "connect url=" + e.URL + ": " + e.Err.Error() }
func (e *ConnectError) Unwrap() error { return e.Err }

// Run loops until ctx is done (returns nil) or connect fails more than ConnectRetry times in a row.
func (c *Client) Run(ctx context.Context) error {
	if c.opt.Source == nil {
		return errors.NotValidf("code error ClientOptions.Source=nil")
	}
	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		r, err := c.Sense(ctx)
		if err != nil {
			return errors.Annotate(err, "sense")
		}
		_, err = c.Exchange(ctx, r)
		delay := c.opt.Interval
		switch {
		case err == nil:
			failures = 0
			c.backoff.Reset()
		case ctx.Err() != nil:
			return nil
		case !isConnectError(err):
			failures = 0
			c.backoff.Reset()
			c.opt.Log.Errorf("client exchange err=%v", err)
		default:
			failures++
			if failures > c.opt.ConnectRetry {
				c.opt.Log.Errorf("client stop after failures=%d err=%v", failures, err)
				return err
			}
			delay = c.backoff.DelayAfter(false)
			c.opt.Log.Errorf("client failure=%d/%d retry in %s err=%v", failures, c.opt.ConnectRetry, delay, err)
		}
		if err = sleepCtx(ctx, delay); err != nil {
			return nil
		}
	}
}

// Sense takes one measurement and stamps it with local time.
func (c *Client) Sense(ctx context.Context) (reading.SensorReading, error) {
	v, err := c.opt.Source.Sense(ctx)
	if err != nil {
		return reading.SensorReading{}, err
	}
	return reading.New(c.opt.SensorID, c.opt.Now(), v.Temperature, v.Pressure, v.Humidity), nil
}

// Exchange performs one full cycle over a fresh connection and returns server response as is.
func (c *Client) Exchange(ctx context.Context, r reading.SensorReading) (string, error) {
	frame, err := teleauth.SignFrame(c.opt.Signer, r)
	if err != nil {
		return "", err
	}
	conn, err := dialContext(ctx, c.dialer, c.opt.URL, c.opt.ConnOptions, &c.stat)
	if err != nil {
		return "", &ConnectError{URL: c.opt.URL, Err: err}
	}
	defer conn.Close()
	c.stat.Conn.Add(1)

	if err = conn.Write(frame[:]); err != nil {
		_ = conn.die(err)
		return "", err
	}
	c.opt.Log.Debugf("sent reading=%s", r.String())
	b, err := conn.ReadResponse(c.opt.ResponseLimit)
	if err != nil {
		_ = conn.die(err)
		return string(b), err
	}
	response := string(b)
	c.opt.Log.Infof("server response=%q", response)
	if c.opt.OnResponse != nil {
		c.opt.OnResponse(r, response)
	}
	return response, nil
}

func isConnectError(err error) bool {
	_, ok := errors.Cause(err).(*ConnectError)
	return ok
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
