// Device side: sense, sign and send one reading per connection.
package client

import (
	"context"
	"io"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/envtele/cmd/envtele/subcmd"
	"github.com/temoto/envtele/log2"
	"github.com/temoto/envtele/reading"
	"github.com/temoto/envtele/state"
	telenet "github.com/temoto/envtele/tele/net"
)

var Mod = subcmd.Mod{Name: "client", Usage: "send signed readings to server", Main: Main}

func Main(ctx context.Context, config *state.Config, args []string) error {
	g := state.GetGlobal(ctx)
	g.MustInit(ctx, config)
	if !g.Config.Client.LogDebug {
		g.Log.SetLevel(log2.LInfo)
	}
	subcmd.SdNotify(daemon.SdNotifyReady)
	return Run(ctx, g, nil)
}

// Run returns nil when ctx is done, error after retries are exhausted.
func Run(ctx context.Context, g *state.Global, onResponse func(reading.SensorReading, string)) error {
	source, err := g.Source()
	if err != nil {
		return errors.Annotate(err, "client source")
	}
	if c, ok := source.(io.Closer); ok {
		defer c.Close()
	}
	opt, err := g.ClientOptions(source)
	if err != nil {
		return err
	}
	opt.OnResponse = func(r reading.SensorReading, response string) {
		if response != telenet.ReplyOK {
			g.Log.Errorf("server rejected reading=%s response=%q", r.String(), response)
		}
		if onResponse != nil {
			onResponse(r, response)
		}
	}
	c, err := telenet.NewClient(opt)
	if err != nil {
		return err
	}
	g.Log.Infof("client url=%s sensor=%d interval=%s", opt.URL, opt.SensorID, opt.Interval)
	err = c.Run(ctx)
	g.Log.Infof("client stopped stat=%s", c.Stat().String())
	return err
}
