// Receiving side: verify frames, publish readings to configured sinks.
package server

import (
	"context"
	"expvar"
	"net"
	"net/http"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/temoto/envtele/cmd/envtele/subcmd"
	"github.com/temoto/envtele/log2"
	"github.com/temoto/envtele/state"
	telenet "github.com/temoto/envtele/tele/net"
)

var Mod = subcmd.Mod{Name: "server", Usage: "receive and verify sensor frames", Main: Main}

func Main(ctx context.Context, config *state.Config, args []string) error {
	g := state.GetGlobal(ctx)
	g.MustInit(ctx, config)
	if !g.Config.Server.LogDebug {
		g.Log.SetLevel(log2.LInfo)
	}
	return Serve(ctx, g, func(*telenet.Server) {
		subcmd.SdNotify(daemon.SdNotifyReady)
	})
}

// Serve blocks until ctx is done. ready is called once all listeners are up.
func Serve(ctx context.Context, g *state.Global, ready func(*telenet.Server)) error {
	verifier, err := g.Verifier()
	if err != nil {
		return errors.Annotate(err, "server")
	}
	metrics, registry := g.Metrics()

	publisher, err := g.Publisher(ctx)
	if err != nil {
		return errors.Annotate(err, "server")
	}
	if _, err = g.TagServer(); err != nil {
		return errors.Annotate(err, "server")
	}
	if _, err = g.ModbusServer(); err != nil {
		return errors.Annotate(err, "server")
	}

	srv, err := telenet.NewServer(telenet.ServerOptions{
		Log:       g.Log,
		Verifier:  verifier,
		Publisher: publisher,
		Ranges:    &g.Config.Server.Ranges,
		Metrics:   metrics,
	})
	if err != nil {
		return errors.Annotate(err, "server")
	}
	lopts, err := g.ServerListenOptions()
	if err != nil {
		return err
	}
	if err = srv.Listen(ctx, lopts); err != nil {
		_ = srv.Close()
		return errors.Annotate(err, "server")
	}

	if addr := g.Config.Server.Metrics.Listen; addr != "" {
		stop, err := serveMetrics(g, addr, srv, registry)
		if err != nil {
			_ = srv.Close()
			return err
		}
		defer stop()
	}

	g.Log.Infof("server listening %v", srv.Addrs())
	if ready != nil {
		ready(srv)
	}
	err = srv.Run(ctx)
	g.Log.Infof("server stopped stat=%s", srv.Stat().String())
	return err
}

var expvarSession = new(expvar.Map)

func init() { expvar.Publish("envtele", expvarSession) }

// /metrics for prometheus, /debug/vars for expvar.
func serveMetrics(g *state.Global, addr string, srv *telenet.Server, registry prometheus.Gatherer) (func(), error) {
	expvarSession.Set("session", srv.Stat())
	if ts, _ := g.TagServer(); ts != nil {
		expvarSession.Set("tagserver", expvar.Func(func() interface{} {
			st := ts.Stat()
			return map[string]int64{"clients": st.Clients.Value(), "delivered": st.Delivered.Value(), "dropped": st.Dropped.Value()}
		}))
	}

	if ms, _ := g.ModbusServer(); ms != nil {
		expvarSession.Set("modbus", expvar.Func(func() interface{} {
			st := ms.Stat()
			return map[string]int64{"requests": st.Requests.Value(), "errors": st.Errors.Value()}
		}))
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", telenet.Handler(registry))
	mux.Handle("/debug/vars", expvar.Handler())
	ll, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Annotatef(err, "metrics listen=%s", addr)
	}
	hs := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := hs.Serve(ll); err != nil && err != http.ErrServerClosed {
			g.Log.Errorf("metrics serve: %v", err)
		}
	}()
	g.Log.Debugf("metrics listen=%s", ll.Addr())
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = hs.Shutdown(ctx)
	}, nil
}
