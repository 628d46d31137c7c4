package storeapi_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/envtele/cmd/envtele/storeapi"
	"github.com/temoto/envtele/log2"
	"github.com/temoto/envtele/publish"
	"github.com/temoto/envtele/reading"
	"github.com/temoto/envtele/state"
)

func init() { gin.SetMode(gin.TestMode) }

// Server HTTP sink posting into store API.
func TestServePublishHTTP(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	ctx, g := state.NewContext(log)
	g.Getenv = func(string) string { return "" }
	cfg, err := state.ReadConfig(log, state.NewMockFullReader(map[string]string{
		"test-inline": `store { listen = "127.0.0.1:0" memory = true }`,
	}), "test-inline")
	require.NoError(t, err)
	require.NoError(t, g.Init(ctx, cfg))
	defer g.Close()

	ctx, cancel := context.WithCancel(ctx)
	addrCh := make(chan net.Addr, 1)
	serveErr := make(chan error, 1)
	go func() { serveErr <- storeapi.Serve(ctx, g, func(a net.Addr) { addrCh <- a }) }()
	var base string
	select {
	case a := <-addrCh:
		base = "http://" + a.String()
	case err = <-serveErr:
		t.Fatalf("Serve err=%v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("store api did not start")
	}

	sink := &publish.HTTP{Client: &http.Client{}, URL: base + "/readings"}
	r := reading.SensorReading{SensorID: 7, Timestamp: "2024-05-01 10:00:00", Temperature: 21.5, Pressure: 1001, Humidity: 40}
	require.NoError(t, sink.Publish(ctx, r))

	resp, err := http.Get(base + "/readings/7")
	require.NoError(t, err)
	var list []map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, list, 1)
	assert.Equal(t, float64(7), list[0]["sensor_id"])
	assert.Equal(t, "2024-05-01 10:00:00", list[0]["timestamp"])
	assert.Equal(t, 21.5, list[0]["temperature"])

	cancel()
	select {
	case err = <-serveErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("store api did not stop")
	}
}

func TestServeBadListen(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	ctx, g := state.NewContext(log)
	g.Getenv = func(string) string { return "" }
	cfg, err := state.ReadConfig(log, state.NewMockFullReader(map[string]string{
		"test-inline": `store { listen = "127.0.0.1:-1" memory = true }`,
	}), "test-inline")
	require.NoError(t, err)
	require.NoError(t, g.Init(ctx, cfg))
	defer g.Close()
	err = storeapi.Serve(ctx, g, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store listen=127.0.0.1:-1")
}
