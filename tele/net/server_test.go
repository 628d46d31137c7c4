package telenet_test

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/envtele/log2"
	"github.com/temoto/envtele/publish"
	"github.com/temoto/envtele/reading"
	teleauth "github.com/temoto/envtele/tele/auth"
	telenet "github.com/temoto/envtele/tele/net"
)

var testKey = teleauth.Key{Scheme: teleauth.SchemeHMAC, Bytes: []byte("0123456789abcdef0123456789abcdef")}

var testReading = reading.SensorReading{SensorID: 1, Timestamp: "2024-01-01 00:00:00", Temperature: 25, Pressure: 1010, Humidity: 45}

type recorder struct {
	sync.Mutex
	rs []reading.SensorReading
}

func (r *recorder) Publish(ctx context.Context, x reading.SensorReading) error {
	r.Lock()
	r.rs = append(r.rs, x)
	r.Unlock()
	return nil
}

func (r *recorder) Readings() []reading.SensorReading {
	r.Lock()
	defer r.Unlock()
	return append([]reading.SensorReading(nil), r.rs...)
}

type testEnv struct {
	addr    string
	metrics *telenet.Metrics
	rec     *recorder
	server  *telenet.Server
	signer  teleauth.Signer
}

func newTestEnv(t testing.TB, lopt telenet.ListenOptions) *testEnv {
	log := log2.NewTest(t, log2.LDebug)
	v, err := teleauth.NewVerifier(testKey)
	require.NoError(t, err)
	sg, err := teleauth.NewSigner(testKey)
	require.NoError(t, err)
	env := &testEnv{
		metrics: telenet.NewMetrics(prometheus.NewRegistry()),
		rec:     &recorder{},
		signer:  sg,
	}
	env.server, err = telenet.NewServer(telenet.ServerOptions{
		Log:       log,
		Verifier:  v,
		Publisher: env.rec,
		Metrics:   env.metrics,
	})
	require.NoError(t, err)
	if lopt.URL == "" {
		lopt.URL = "tcp://127.0.0.1:0"
	}
	require.NoError(t, env.server.Listen(context.Background(), []telenet.ListenOptions{lopt}))
	addrs := env.server.Addrs()
	require.Equal(t, 1, len(addrs))
	env.addr = addrs[0]
	t.Cleanup(func() { _ = env.server.Close() })
	return env
}

// raw exchange: write b, optionally half-close, read everything until server closes
func rawExchange(t testing.TB, addr string, b []byte, halfClose bool) string {
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	if len(b) != 0 {
		_, err = conn.Write(b)
		require.NoError(t, err)
	}
	if halfClose {
		require.NoError(t, conn.(*net.TCPConn).CloseWrite())
	}
	response, err := io.ReadAll(conn)
	if err != nil {
		// connection reset is acceptable for dropped frames
		return string(response)
	}
	return string(response)
}

func TestServerAccept(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, telenet.ListenOptions{})
	frame, err := teleauth.SignFrame(env.signer, testReading)
	require.NoError(t, err)

	assert.Equal(t, telenet.ReplyOK, rawExchange(t, env.addr, frame[:], false))
	rs := env.rec.Readings()
	require.Equal(t, 1, len(rs))
	assert.Equal(t, testReading, rs[0])
	assert.Equal(t, int64(1), env.server.Stat().Accepted.Value())
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.Frames.WithLabelValues("accepted")))
}

func TestServerReject(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, telenet.ListenOptions{})
	frame, err := teleauth.SignFrame(env.signer, testReading)
	require.NoError(t, err)
	frame[reading.ReadingSize+reading.TagHalfSize] ^= 0x01 // s[0]

	assert.Equal(t, telenet.ReplyInvalid, rawExchange(t, env.addr, frame[:], false))
	assert.Equal(t, 0, len(env.rec.Readings()))
	assert.Equal(t, int64(1), env.server.Stat().Rejected.Value())
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.Frames.WithLabelValues("rejected")))
}

func TestServerDropWrongSize(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, telenet.ListenOptions{})
	frame, err := teleauth.SignFrame(env.signer, testReading)
	require.NoError(t, err)

	cases := []struct {
		name string
		b    []byte
	}{
		{"empty", nil},
		{"reading-only", frame[:reading.ReadingSize]},
		{"one-short", frame[:reading.FrameSize-1]},
		{"oversize", append(frame[:], frame[:50]...)},
	}
	for _, c := range cases {
		assert.Equal(t, "", rawExchange(t, env.addr, c.b, true), c.name)
	}
	assert.Equal(t, 0, len(env.rec.Readings()))
	require.Eventually(t, func() bool { return env.server.Stat().Dropped.Value() == int64(len(cases)) },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, float64(len(cases)), testutil.ToFloat64(env.metrics.Frames.WithLabelValues("dropped")))
}

type syncBuffer struct {
	sync.Mutex
	b []byte
}

func (sb *syncBuffer) Write(p []byte) (int, error) {
	sb.Lock()
	sb.b = append(sb.b, p...)
	sb.Unlock()
	return len(p), nil
}

func (sb *syncBuffer) String() string {
	sb.Lock()
	defer sb.Unlock()
	return string(sb.b)
}

func TestServerDropNoLog(t *testing.T) {
	t.Parallel()
	var buf syncBuffer
	v, err := teleauth.NewVerifier(testKey)
	require.NoError(t, err)
	s, err := telenet.NewServer(telenet.ServerOptions{Log: log2.NewWriter(&buf, log2.LDebug), Verifier: v})
	require.NoError(t, err)
	require.NoError(t, s.Listen(context.Background(), []telenet.ListenOptions{{URL: "tcp://127.0.0.1:0"}}))
	addr := s.Addrs()[0]
	before := buf.String()

	assert.Equal(t, "", rawExchange(t, addr, make([]byte, 36), true))
	assert.Equal(t, "", rawExchange(t, addr, make([]byte, 150), true))
	require.Eventually(t, func() bool { return s.Stat().Dropped.Value() == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Close())
	assert.Equal(t, before, buf.String())
}

func TestServerIdleTimeout(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, telenet.ListenOptions{IdleTimeout: 50 * time.Millisecond})
	frame, err := teleauth.SignFrame(env.signer, testReading)
	require.NoError(t, err)

	// partial frame without half-close: server must give up by itself
	begin := time.Now()
	assert.Equal(t, "", rawExchange(t, env.addr, frame[:10], false))
	assert.Less(t, int64(time.Since(begin)), int64(3*time.Second))
	assert.Equal(t, 0, len(env.rec.Readings()))
}

func TestServerConcurrent(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, telenet.ListenOptions{})
	const N = 20
	wg := sync.WaitGroup{}
	wg.Add(N)
	for i := 0; i < N; i++ {
		go func(i int) {
			defer wg.Done()
			r := testReading
			r.SensorID = int32(i)
			frame, err := teleauth.SignFrame(env.signer, r)
			assert.NoError(t, err)
			assert.Equal(t, telenet.ReplyOK, rawExchange(t, env.addr, frame[:], false))
		}(i)
	}
	wg.Wait()
	seen := make(map[int32]bool)
	for _, r := range env.rec.Readings() {
		seen[r.SensorID] = true
	}
	assert.Equal(t, N, len(seen))
}

func TestServerRunShutdown(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, telenet.ListenOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.server.Run(ctx) }()

	// in-flight connection holding half a frame
	conn, err := net.Dial("tcp", env.addr)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(make([]byte, 10))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return env.server.Stat().Conn.Value() == 1 }, time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
		t.Fatal("Run returned before in-flight connection finished")
	case <-time.After(50 * time.Millisecond):
	}
	_ = conn.(*net.TCPConn).CloseWrite()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	_, err = net.DialTimeout("tcp", env.addr, 100*time.Millisecond)
	assert.Error(t, err, "listener must be closed")
}

func TestServerPublishErrorStillOK(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	metrics := telenet.NewMetrics(nil)
	log.SetErrorFunc(metrics.LogError)
	v, err := teleauth.NewVerifier(testKey)
	require.NoError(t, err)
	server, err := telenet.NewServer(telenet.ServerOptions{
		Log:      log,
		Verifier: v,
		Publisher: publish.Func(func(context.Context, reading.SensorReading) error {
			return io.ErrClosedPipe
		}),
		Metrics: metrics,
	})
	require.NoError(t, err)
	require.NoError(t, server.Listen(context.Background(), []telenet.ListenOptions{{URL: "tcp://127.0.0.1:0"}}))
	defer server.Close()

	sg, err := teleauth.NewSigner(testKey)
	require.NoError(t, err)
	frame, err := teleauth.SignFrame(sg, testReading)
	require.NoError(t, err)
	assert.Equal(t, telenet.ReplyOK, rawExchange(t, server.Addrs()[0], frame[:], false))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PublishErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.LogErrors))
}

func TestNewServerRequiresVerifier(t *testing.T) {
	t.Parallel()
	_, err := telenet.NewServer(telenet.ServerOptions{})
	assert.Error(t, err)
}
