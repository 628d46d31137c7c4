package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/envtele/helpers"
	"github.com/temoto/envtele/log2"
	"github.com/temoto/envtele/publish"
	"github.com/temoto/envtele/reading"
	"github.com/temoto/envtele/store"
	teleauth "github.com/temoto/envtele/tele/auth"
	telemodbus "github.com/temoto/envtele/tele/modbus"
	telemqtt "github.com/temoto/envtele/tele/mqtt"
	telenet "github.com/temoto/envtele/tele/net"
)

const (
	DefaultRelayPath = "./tmp-envtele-relay"
	DefaultMqttID    = "envtele-server"
)

// Global owns components built from Config. Each one is created on first use
// and closed by Close in reverse order.
type Global struct {
	Alive  *alive.Alive
	Config *Config
	Getenv func(string) string
	Log    *log2.Log

	lk        sync.Mutex
	closers   []func() error
	metrics   *telenet.Metrics
	publisher publish.Publisher
	registry  *prometheus.Registry
	store     store.Store
	tags      *publish.Tags
	tagServer *telemqtt.Server
	modbus    *telemodbus.Server
}

const ContextKey = "run/state-global"

func NewContext(log *log2.Log) (context.Context, *Global) {
	if log == nil {
		panic("code error NewContext() log=nil")
	}
	g := &Global{
		Alive:  alive.NewAlive(),
		Getenv: os.Getenv,
		Log:    log,
	}
	ctx := context.Background()
	ctx = context.WithValue(ctx, log2.ContextKey, log)
	ctx = context.WithValue(ctx, ContextKey, g)
	return ctx, g
}

func GetGlobal(ctx context.Context) *Global {
	v := ctx.Value(ContextKey)
	if v == nil {
		panic(fmt.Sprintf("context['%s'] is nil", ContextKey))
	}
	if g, ok := v.(*Global); ok {
		return g
	}
	panic(fmt.Sprintf("context['%s'] expected type *Global actual=%#v", ContextKey, v))
}

// If `Init` fails, consider `Global` is in broken state.
func (g *Global) Init(ctx context.Context, cfg *Config) error {
	g.Config = cfg
	if g.Getenv != nil {
		cfg.ApplyEnv(g.Getenv)
	}

	errs := make([]error, 0)

	cfg.Server.Ranges = cfg.Server.Ranges.WithDefaults(reading.DefaultRanges)
	for name, r := range map[string]reading.Range{
		"temperature": cfg.Server.Ranges.Temperature,
		"pressure":    cfg.Server.Ranges.Pressure,
		"humidity":    cfg.Server.Ranges.Humidity,
	} {
		if r.Min > r.Max {
			errs = append(errs, errors.NotValidf("config: server.ranges.%s min=%v > max=%v", name, r.Min, r.Max))
		}
	}
	if len(cfg.Server.Listen) == 0 {
		cfg.Server.Listen = []*ListenConfig{{URL: telenet.DefaultURL}}
	}

	p := &cfg.Server.Publish
	if (p.Http.Relay || p.Mqtt.Relay) && p.Relay.Path == "" {
		p.Relay.Path = DefaultRelayPath
		g.Log.Errorf("config: server.publish.relay.path=empty changed=%s", p.Relay.Path)
	}
	if (p.Http.Relay && p.Http.URL == "") || (p.Mqtt.Relay && p.Mqtt.Broker == "") {
		errs = append(errs, errors.NotValidf("config: relay enabled for publisher without address"))
	}
	if p.Mqtt.ClientID == "" {
		p.Mqtt.ClientID = DefaultMqttID
	}

	for _, u := range cfg.Server.Tags.Users {
		switch telemqtt.Role(u.Role) {
		case telemqtt.RoleAdmin, telemqtt.RoleMonitor:
		default:
			errs = append(errs, errors.NotValidf("config: tagserver user=%s role=%q", u.Name, u.Role))
		}
	}

	switch cfg.Client.Source {
	case "":
		cfg.Client.Source = SourceSynthetic
	case SourceSynthetic, SourceBME280:
	default:
		errs = append(errs, errors.NotValidf("config: client.source=%q", cfg.Client.Source))
	}
	if cfg.Client.ConnectRetry < 0 {
		errs = append(errs, errors.NotValidf("config: client.connect_retry < 0"))
	}
	if cfg.Client.AnomalyRate < 0 || cfg.Client.AnomalyRate > 1 {
		errs = append(errs, errors.NotValidf("config: client.anomaly_rate=%v", cfg.Client.AnomalyRate))
	}

	if cfg.Key.Dir != "" {
		cfg.Key.Dir = filepath.Clean(cfg.Key.Dir)
	}

	return helpers.FoldErrors(errs)
}

func (g *Global) MustInit(ctx context.Context, cfg *Config) {
	err := g.Init(ctx, cfg)
	if err != nil {
		g.Log.Fatal(errors.ErrorStack(err))
	}
}

func (g *Global) Error(err error, args ...interface{}) {
	if err != nil {
		if len(args) != 0 {
			msg := args[0].(string)
			args = args[1:]
			err = errors.Annotatef(err, msg, args...)
		}
		g.Log.Errorf("%s", errors.ErrorStack(err))
	}
}

// Close stops everything built by Global, last built first.
func (g *Global) Close() error {
	g.lk.Lock()
	closers := g.closers
	g.closers = nil
	g.lk.Unlock()

	errs := make([]error, 0)
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return helpers.FoldErrors(errs)
}

// must hold g.lk
func (g *Global) onClose(f func() error) { g.closers = append(g.closers, f) }

// Key: config text (or ENVTELE_SECRET) first, then key directory.
// Device side uses "device." files, server side "server.".
func (g *Global) Key(device bool) (teleauth.Key, error) {
	if g.Config.Key.Key != "" {
		k, err := teleauth.ParseKey(g.Config.Key.Key)
		return k, errors.Annotate(err, "config key")
	}
	if g.Config.Key.Dir == "" {
		return teleauth.Key{}, errors.NotFoundf("key (config key.key, env %s, key.dir)", EnvSecret)
	}
	return g.KeyStore(device).Load()
}

func (g *Global) KeyStore(device bool) teleauth.KeyStore {
	prefix := "server."
	if device {
		prefix = "device."
	}
	return teleauth.KeyStore{Dir: g.Config.Key.Dir, Prefix: prefix}
}

func (g *Global) Signer() (teleauth.Signer, error) {
	k, err := g.Key(true)
	if err != nil {
		return nil, err
	}
	return teleauth.NewSigner(k)
}

func (g *Global) Verifier() (teleauth.Verifier, error) {
	k, err := g.Key(false)
	if err != nil {
		return nil, err
	}
	return teleauth.NewVerifier(k)
}

// Metrics registry with process collectors, log errors are counted.
func (g *Global) Metrics() (*telenet.Metrics, *prometheus.Registry) {
	g.lk.Lock()
	defer g.lk.Unlock()
	if g.metrics == nil {
		g.registry = prometheus.NewRegistry()
		g.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		g.metrics = telenet.NewMetrics(g.registry)
		g.Log.SetErrorFunc(g.metrics.LogError)
	}
	return g.metrics, g.registry
}

func (g *Global) Tags() *publish.Tags {
	g.lk.Lock()
	defer g.lk.Unlock()
	if g.tags == nil {
		g.tags = publish.NewTags(g.Config.Server.Ranges)
	}
	return g.tags
}
