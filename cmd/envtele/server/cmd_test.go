package server_test

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/simonvetter/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/envtele/cmd/envtele/client"
	"github.com/temoto/envtele/cmd/envtele/server"
	"github.com/temoto/envtele/log2"
	"github.com/temoto/envtele/publish"
	"github.com/temoto/envtele/reading"
	"github.com/temoto/envtele/state"
	"github.com/temoto/envtele/store"
	telenet "github.com/temoto/envtele/tele/net"
)

const testSecret = "hmac-sha512:000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func newGlobal(t testing.TB, config string) (context.Context, *state.Global) {
	log := log2.NewTest(t, log2.LDebug)
	ctx, g := state.NewContext(log)
	g.Getenv = func(string) string { return "" }
	cfg, err := state.ReadConfig(log, state.NewMockFullReader(map[string]string{"test-inline": config}), "test-inline")
	require.NoError(t, err)
	require.NoError(t, g.Init(ctx, cfg))
	t.Cleanup(func() { _ = g.Close() })
	return ctx, g
}

// startServer returns listen address and a func that stops server and waits for Serve.
func startServer(t testing.TB, ctx context.Context, g *state.Global) (string, func() error) {
	ctx, cancel := context.WithCancel(ctx)
	addrCh := make(chan string, 1)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(ctx, g, func(s *telenet.Server) { addrCh <- s.Addrs()[0] })
	}()
	stop := func() error {
		cancel()
		select {
		case err := <-serveErr:
			return err
		case <-time.After(5 * time.Second):
			return errors.New("server did not stop")
		}
	}
	select {
	case addr := <-addrCh:
		return addr, stop
	case err := <-serveErr:
		cancel()
		t.Fatalf("server.Serve err=%v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("server did not start")
	}
	return "", nil
}

// Client and server subcommands against each other over loopback.
func TestClientServer(t *testing.T) {
	t.Parallel()

	sctx, sg := newGlobal(t, `
key { key = "`+testSecret+`" }
server {
	listen "tcp://127.0.0.1:0" {}
	publish { store = true }
}
store { memory = true }
`)
	addr, stop := startServer(t, sctx, sg)

	cctx, cg := newGlobal(t, `
key { key = "`+testSecret+`" }
client { url = "tcp://`+addr+`" sensor_id = 7 interval_sec = 1 }
`)
	cctx, cancel := context.WithTimeout(cctx, 10*time.Second)
	defer cancel()
	var mu sync.Mutex
	responses := []string{}
	err := client.Run(cctx, cg, func(r reading.SensorReading, response string) {
		mu.Lock()
		responses = append(responses, response)
		mu.Unlock()
		assert.Equal(t, int32(7), r.SensorID)
		cancel()
	})
	require.NoError(t, err)
	mu.Lock()
	assert.Equal(t, []string{telenet.ReplyOK}, responses)
	mu.Unlock()

	st, err := sg.Store(sctx)
	require.NoError(t, err)
	records, err := st.List(context.Background(), store.Filter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int32(7), records[0].SensorID)

	assert.NoError(t, stop())
}

func TestServeModbusMirror(t *testing.T) {
	t.Parallel()
	ll, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	modbusAddr := ll.Addr().String()
	require.NoError(t, ll.Close())

	sctx, sg := newGlobal(t, `
key { key = "`+testSecret+`" }
server {
	listen "tcp://127.0.0.1:0" {}
	modbus { listen = "tcp://`+modbusAddr+`" }
}
`)
	addr, stop := startServer(t, sctx, sg)

	cctx, cg := newGlobal(t, `
key { key = "`+testSecret+`" }
client { url = "tcp://`+addr+`" sensor_id = 7 }
`)
	cctx, cancel := context.WithTimeout(cctx, 10*time.Second)
	defer cancel()
	var sent reading.SensorReading
	require.NoError(t, client.Run(cctx, cg, func(r reading.SensorReading, _ string) {
		sent = r
		cancel()
	}))

	mc, err := modbus.NewClient(&modbus.ClientConfiguration{URL: "tcp://" + modbusAddr, Timeout: time.Second})
	require.NoError(t, err)
	require.NoError(t, mc.Open())
	defer mc.Close()
	require.NoError(t, mc.SetUnitId(7))
	temp, err := mc.ReadFloat32(publish.RegTemperature, modbus.HOLDING_REGISTER)
	require.NoError(t, err)
	assert.Equal(t, sent.Temperature, temp)
	hum, err := mc.ReadFloat32(publish.RegHumidity, modbus.HOLDING_REGISTER)
	require.NoError(t, err)
	assert.Equal(t, sent.Humidity, hum)

	assert.NoError(t, stop())
}

func TestClientWrongKey(t *testing.T) {
	t.Parallel()

	sctx, sg := newGlobal(t, `
key { key = "`+testSecret+`" }
server { listen "tcp://127.0.0.1:0" {} }
`)
	addr, stop := startServer(t, sctx, sg)

	cctx, cg := newGlobal(t, `
key { key = "hmac-sha512:`+strings.Repeat("ff", 32)+`" }
client { url = "tcp://`+addr+`" sensor_id = 2 }
`)
	cctx, cancel := context.WithTimeout(cctx, 10*time.Second)
	defer cancel()
	var response string
	err := client.Run(cctx, cg, func(_ reading.SensorReading, r string) {
		response = r
		cancel()
	})
	require.NoError(t, err)
	assert.Equal(t, telenet.ReplyInvalid, response)
	assert.NoError(t, stop())
}

func TestServeNoKey(t *testing.T) {
	t.Parallel()
	ctx, g := newGlobal(t, `server { listen "tcp://127.0.0.1:0" {} }`)
	err := server.Serve(ctx, g, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}
