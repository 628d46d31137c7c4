package telenet_test

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/envtele/log2"
	"github.com/temoto/envtele/reading"
	"github.com/temoto/envtele/sensor"
	teleauth "github.com/temoto/envtele/tele/auth"
	telenet "github.com/temoto/envtele/tele/net"
)

func testClientOptions(t testing.TB, url string, signer teleauth.Signer) *telenet.ClientOptions {
	return &telenet.ClientOptions{
		ConnOptions: telenet.ConnOptions{
			Log:            log2.NewTest(t, log2.LDebug),
			NetworkTimeout: time.Second,
		},
		URL:      url,
		Signer:   signer,
		Source:   sensor.Fixed{Temperature: 25, Pressure: 1010, Humidity: 45},
		SensorID: 1,
		Interval: 10 * time.Millisecond,
		Now: func() time.Time {
			return time.Date(2024, 1, 1, 0, 0, 0, 0, time.Local)
		},
	}
}

func TestClientServerRoundTrip(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, telenet.ListenOptions{})
	opt := testClientOptions(t, "tcp://"+env.addr, env.signer)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var count int32
	opt.OnResponse = func(r reading.SensorReading, response string) {
		assert.Equal(t, telenet.ReplyOK, response)
		if atomic.AddInt32(&count, 1) == 3 {
			cancel()
		}
	}
	c, err := telenet.NewClient(opt)
	require.NoError(t, err)

	assert.NoError(t, c.Run(ctx))
	rs := env.rec.Readings()
	require.Equal(t, 3, len(rs))
	for _, r := range rs {
		assert.Equal(t, testReading, r)
	}
	assert.Equal(t, int64(3), c.Stat().Conn.Value())
	assert.Equal(t, int64(3), c.Stat().Send.Count.Value())
}

func TestClientWrongKey(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, telenet.ListenOptions{})
	other, err := teleauth.NewSigner(teleauth.Key{Scheme: teleauth.SchemeHMAC, Bytes: []byte("another secret of enough length")})
	require.NoError(t, err)
	c, err := telenet.NewClient(testClientOptions(t, "tcp://"+env.addr, other))
	require.NoError(t, err)

	r, err := c.Sense(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testReading, r)
	response, err := c.Exchange(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, telenet.ReplyInvalid, response)
	assert.Equal(t, 0, len(env.rec.Readings()))
}

func freeAddr(t testing.TB) string {
	ll, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ll.Addr().String()
	require.NoError(t, ll.Close())
	return addr
}

func TestClientFailStop(t *testing.T) {
	t.Parallel()
	sg, err := teleauth.NewSigner(testKey)
	require.NoError(t, err)
	c, err := telenet.NewClient(testClientOptions(t, "tcp://"+freeAddr(t), sg))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()
	select {
	case err = <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connect")
		var ce *telenet.ConnectError
		assert.ErrorAs(t, err, &ce)
	case <-time.After(5 * time.Second):
		t.Fatal("client must stop on connect error")
	}
}

// Server reads full frame and resets connection without reply.
func resetServer(t testing.TB, accepted chan<- struct{}) string {
	ll, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ll.Close() })
	go func() {
		for {
			conn, err := ll.Accept()
			if err != nil {
				return
			}
			buf := make([]byte, reading.FrameSize)
			_ = conn.SetReadDeadline(time.Now().Add(time.Second))
			_, _ = io.ReadFull(conn, buf)
			_ = conn.(*net.TCPConn).SetLinger(0)
			_ = conn.Close()
			select {
			case accepted <- struct{}{}:
			default:
			}
		}
	}()
	return ll.Addr().String()
}

func TestClientReceiveErrorContinues(t *testing.T) {
	t.Parallel()
	sg, err := teleauth.NewSigner(testKey)
	require.NoError(t, err)
	accepted := make(chan struct{}, 8)
	opt := testClientOptions(t, "tcp://"+resetServer(t, accepted), sg)
	c, err := telenet.NewClient(opt)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	for i := 0; i < 3; i++ {
		select {
		case <-accepted:
		case err = <-done:
			t.Fatalf("client stopped after connected exchange err=%v", err)
		case <-time.After(5 * time.Second):
			t.Fatal("timeout")
		}
	}
	cancel()
	assert.NoError(t, <-done)
	assert.GreaterOrEqual(t, c.Stat().Conn.Value(), int64(3))
}

func TestClientConnectRetry(t *testing.T) {
	t.Parallel()
	sg, err := teleauth.NewSigner(testKey)
	require.NoError(t, err)
	opt := testClientOptions(t, "tcp://"+freeAddr(t), sg)
	opt.ConnectRetry = 2
	opt.RetryDelay = time.Millisecond
	c, err := telenet.NewClient(opt)
	require.NoError(t, err)

	begin := time.Now()
	err = c.Run(context.Background())
	require.Error(t, err)
	assert.Less(t, int64(time.Since(begin)), int64(5*time.Second))
}

func TestClientCancelWhileSleeping(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, telenet.ListenOptions{})
	opt := testClientOptions(t, "tcp://"+env.addr, env.signer)
	opt.Interval = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	opt.OnResponse = func(reading.SensorReading, string) { cancel() }
	c, err := telenet.NewClient(opt)
	require.NoError(t, err)
	assert.NoError(t, c.Run(ctx))
	assert.Equal(t, 1, len(env.rec.Readings()))
}

func TestNewClientValidate(t *testing.T) {
	t.Parallel()
	_, err := telenet.NewClient(&telenet.ClientOptions{})
	assert.Error(t, err)
	sg, err := teleauth.NewSigner(testKey)
	require.NoError(t, err)
	_, err = telenet.NewClient(&telenet.ClientOptions{Signer: sg, URL: "no-scheme"})
	assert.Error(t, err)
	opt := &telenet.ClientOptions{Signer: sg}
	_, err = telenet.NewClient(opt)
	require.NoError(t, err)
	assert.Equal(t, telenet.DefaultURL, opt.URL)
	assert.Equal(t, telenet.DefaultInterval, opt.Interval)
}
