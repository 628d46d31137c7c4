// REST API over reading store.
package storeapi

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/gin-gonic/gin"
	"github.com/juju/errors"
	"github.com/temoto/envtele/cmd/envtele/subcmd"
	"github.com/temoto/envtele/log2"
	"github.com/temoto/envtele/state"
	"github.com/temoto/envtele/store"
)

const DefaultListen = "127.0.0.1:5000"

var Mod = subcmd.Mod{Name: "store", Usage: "serve stored readings over HTTP", Main: Main}

func Main(ctx context.Context, config *state.Config, args []string) error {
	g := state.GetGlobal(ctx)
	g.MustInit(ctx, config)
	if !g.Config.Store.LogDebug {
		g.Log.SetLevel(log2.LInfo)
		gin.SetMode(gin.ReleaseMode)
	}
	return Serve(ctx, g, func(net.Addr) {
		subcmd.SdNotify(daemon.SdNotifyReady)
	})
}

// Serve blocks until ctx is done, then shuts down HTTP server gracefully.
func Serve(ctx context.Context, g *state.Global, ready func(net.Addr)) error {
	st, err := g.Store(ctx)
	if err != nil {
		return errors.Annotate(err, "store")
	}
	addr := g.Config.Store.Listen
	if addr == "" {
		addr = DefaultListen
	}
	ll, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Annotatef(err, "store listen=%s", addr)
	}
	hs := &http.Server{
		Handler:           store.NewRouter(&store.API{Log: g.Log, Store: st}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errch := make(chan error, 1)
	go func() { errch <- hs.Serve(ll) }()
	g.Log.Infof("store api listen=%s", ll.Addr())
	if ready != nil {
		ready(ll.Addr())
	}

	select {
	case err = <-errch:
		return errors.Annotate(err, "store serve")
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err = hs.Shutdown(sctx); err != nil {
		return errors.Annotate(err, "store shutdown")
	}
	return nil
}
