package state

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"os"
	"path/filepath"

	"github.com/juju/errors"
	"github.com/temoto/envtele/helpers"
	"github.com/temoto/envtele/publish"
	"github.com/temoto/envtele/sensor"
	"github.com/temoto/envtele/store"
	telemodbus "github.com/temoto/envtele/tele/modbus"
	telemqtt "github.com/temoto/envtele/tele/mqtt"
	telenet "github.com/temoto/envtele/tele/net"
)

const (
	SourceSynthetic = "synthetic"
	SourceBME280    = "bme280"
)

// Publisher is fan-out of all configured sinks. Tag store is always included.
func (g *Global) Publisher(ctx context.Context) (publish.Publisher, error) {
	g.lk.Lock()
	built := g.publisher
	g.lk.Unlock()
	if built != nil {
		return built, nil
	}

	cfg := &g.Config.Server.Publish
	multi := publish.Multi{g.Tags()}
	var err error

	if cfg.Store {
		var st store.Store
		if st, err = g.Store(ctx); err != nil {
			return nil, errors.Annotate(err, "publish store")
		}
		multi = append(multi, store.Publisher{S: st})
	}

	if cfg.Http.URL != "" {
		var p publish.Publisher = &publish.HTTP{
			Client:  &http.Client{},
			URL:     cfg.Http.URL,
			Timeout: helpers.IntSecondDefault(cfg.Http.TimeoutSec, publish.DefaultHTTPTimeout),
		}
		if cfg.Http.Relay {
			if p, err = g.relay("http", p); err != nil {
				return nil, err
			}
		}
		multi = append(multi, p)
	}

	if cfg.Mqtt.Broker != "" {
		var p publish.Publisher
		if p, err = g.mqtt(); err != nil {
			return nil, err
		}
		if cfg.Mqtt.Relay {
			if p, err = g.relay("mqtt", p); err != nil {
				return nil, err
			}
		}
		multi = append(multi, p)
	}

	if cfg.Influx.Database != "" {
		influx, err := publish.NewInflux(publish.InfluxOptions{
			Addr:     cfg.Influx.Addr,
			Username: cfg.Influx.Username,
			Password: cfg.Influx.Password,
			Database: cfg.Influx.Database,
			Timeout:  helpers.IntSecondDefault(cfg.Influx.TimeoutSec, publish.DefaultHTTPTimeout),
		})
		if err != nil {
			return nil, err
		}
		g.lk.Lock()
		g.onClose(influx.Close)
		g.lk.Unlock()
		multi = append(multi, influx)
	}

	g.lk.Lock()
	g.publisher = multi
	g.lk.Unlock()
	g.Log.Debugf("publish sinks=%d", len(multi))
	return multi, nil
}

func (g *Global) mqtt() (*publish.Mqtt, error) {
	cfg := &g.Config.Server.Publish.Mqtt
	opt := publish.MqttOptions{
		Log:       g.Log.With("mqtt"),
		BrokerURL: cfg.Broker,
		ClientID:  cfg.ClientID,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Prefix:    cfg.Prefix,
		Ranges:    &g.Config.Server.Ranges,
		Timeout:   helpers.IntSecondDefault(cfg.TimeoutSec, publish.DefaultMqttTimeout),
		KeepAlive: helpers.IntSecondDefault(cfg.KeepaliveSec, 0),
	}
	if cfg.TlsCaFile != "" {
		tlsconf, err := tlsClientConfig(cfg.TlsCaFile)
		if err != nil {
			return nil, errors.Annotate(err, "publish mqtt")
		}
		opt.TLS = tlsconf
	}
	m, err := publish.NewMqtt(opt)
	if err != nil {
		return nil, err
	}
	g.lk.Lock()
	g.onClose(func() error { m.Close(); return nil })
	g.lk.Unlock()
	return m, nil
}

func (g *Global) relay(name string, target publish.Publisher) (*publish.Relay, error) {
	cfg := &g.Config.Server.Publish.Relay
	path := filepath.Join(cfg.Path, name)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, errors.Annotatef(err, "relay %s", name)
	}
	r, err := publish.NewRelay(publish.RelayOptions{
		Log:      g.Log.With("relay " + name),
		Path:     path,
		Target:   target,
		RetryMin: helpers.IntSecondDefault(cfg.RetryMinSec, publish.DefaultRelayRetryMin),
		RetryMax: helpers.IntSecondDefault(cfg.RetryMaxSec, publish.DefaultRelayRetryMax),
		Timeout:  helpers.IntSecondDefault(cfg.TimeoutSec, publish.DefaultRelayTimeout),
	})
	if err != nil {
		return nil, errors.Annotatef(err, "relay %s", name)
	}
	g.lk.Lock()
	g.onClose(r.Close)
	g.lk.Unlock()
	return r, nil
}

// Store opens configured reading store once: memory or postgres.
func (g *Global) Store(ctx context.Context) (store.Store, error) {
	g.lk.Lock()
	defer g.lk.Unlock()
	if g.store != nil {
		return g.store, nil
	}
	cfg := &g.Config.Store
	if cfg.Memory {
		g.store = store.NewMemory()
	} else {
		if cfg.DatabaseURL == "" {
			return nil, errors.NotValidf("config: empty store.database_url (env %s) with store.memory=false", EnvDatabaseURL)
		}
		pg, err := store.OpenPostgres(ctx, store.PostgresOptions{
			Log:     g.Log.With("postgres"),
			URL:     cfg.DatabaseURL,
			Timeout: helpers.IntSecondDefault(cfg.TimeoutSec, store.DefaultPostgresTimeout),
			Migrate: cfg.Migrate,
		})
		if err != nil {
			return nil, err
		}
		g.store = pg
	}
	g.onClose(g.store.Close)
	return g.store, nil
}

// TagServer is nil when no tagserver listeners are configured.
// Once started it mirrors every tag store update.
func (g *Global) TagServer() (*telemqtt.Server, error) {
	g.lk.Lock()
	s := g.tagServer
	g.lk.Unlock()
	if s != nil || len(g.Config.Server.Tags.Listen) == 0 {
		return s, nil
	}

	users := make(map[string]telemqtt.User, len(g.Config.Server.Tags.Users))
	for _, u := range g.Config.Server.Tags.Users {
		users[u.Name] = telemqtt.User{Password: u.Password, Role: telemqtt.Role(u.Role)}
	}
	lopts := make([]*telemqtt.ListenOptions, 0, len(g.Config.Server.Tags.Listen))
	for _, l := range g.Config.Server.Tags.Listen {
		tlsconf, err := tlsServerConfig(l)
		if err != nil {
			return nil, errors.Annotatef(err, "tagserver listen=%s", l.URL)
		}
		lopts = append(lopts, &telemqtt.ListenOptions{
			URL:            l.URL,
			TLS:            tlsconf,
			AllowRoles:     l.AllowRoles,
			NetworkTimeout: helpers.IntSecondDefault(l.TimeoutSec, telemqtt.DefaultNetworkTimeout),
		})
	}
	log := g.Log.With("tagserver")
	s = telemqtt.NewServer(telemqtt.ServerOptions{
		Log:   log,
		Users: users,
		OnClose: func(clientID string, e error) {
			log.Debugf("client=%s closed e=%v", clientID, e)
		},
	})
	if err := s.Listen(lopts); err != nil {
		_ = s.Close()
		return nil, errors.Annotate(err, "tagserver")
	}
	g.Tags().OnUpdate(s.OnTag)

	g.lk.Lock()
	g.tagServer = s
	g.onClose(s.Close)
	g.lk.Unlock()
	return s, nil
}

// ModbusServer is nil when server.modbus.listen is empty.
func (g *Global) ModbusServer() (*telemodbus.Server, error) {
	g.lk.Lock()
	s := g.modbus
	g.lk.Unlock()
	cfg := &g.Config.Server.Modbus
	if s != nil || cfg.Listen == "" {
		return s, nil
	}
	if cfg.MaxClients < 0 {
		return nil, errors.NotValidf("config: server.modbus.max_clients < 0")
	}

	s, err := telemodbus.NewServer(telemodbus.ServerOptions{
		Log:        g.Log.With("modbus"),
		Tags:       g.Tags(),
		URL:        cfg.Listen,
		Timeout:    helpers.IntSecondDefault(cfg.TimeoutSec, telemodbus.DefaultTimeout),
		MaxClients: uint(cfg.MaxClients),
	})
	if err != nil {
		return nil, err
	}
	if err = s.Start(); err != nil {
		return nil, err
	}

	g.lk.Lock()
	g.modbus = s
	g.onClose(s.Close)
	g.lk.Unlock()
	return s, nil
}

func (g *Global) ServerListenOptions() ([]telenet.ListenOptions, error) {
	out := make([]telenet.ListenOptions, 0, len(g.Config.Server.Listen))
	for _, l := range g.Config.Server.Listen {
		tlsconf, err := tlsServerConfig(l)
		if err != nil {
			return nil, errors.Annotatef(err, "server listen=%s", l.URL)
		}
		out = append(out, telenet.ListenOptions{
			URL:            l.URL,
			TLS:            tlsconf,
			IdleTimeout:    helpers.IntSecondDefault(l.IdleTimeoutSec, telenet.DefaultIdleTimeout),
			NetworkTimeout: helpers.IntSecondDefault(l.TimeoutSec, telenet.DefaultNetworkTimeout),
		})
	}
	return out, nil
}

func (g *Global) ClientOptions(source sensor.Source) (*telenet.ClientOptions, error) {
	cfg := &g.Config.Client
	signer, err := g.Signer()
	if err != nil {
		return nil, errors.Annotate(err, "client")
	}
	opt := &telenet.ClientOptions{
		URL:          cfg.URL,
		Signer:       signer,
		Source:       source,
		SensorID:     int32(cfg.SensorID),
		Interval:     helpers.IntSecondDefault(cfg.IntervalSec, telenet.DefaultInterval),
		ConnectRetry: cfg.ConnectRetry,
		RetryDelay:   helpers.IntSecondDefault(cfg.RetryDelaySec, telenet.DefaultRetryDelay),
	}
	opt.Log = g.Log
	opt.NetworkTimeout = helpers.IntSecondDefault(cfg.NetworkTimeoutSec, telenet.DefaultNetworkTimeout)
	if cfg.TlsCaFile != "" {
		if opt.TLS, err = tlsClientConfig(cfg.TlsCaFile); err != nil {
			return nil, errors.Annotate(err, "client")
		}
	}
	return opt, nil
}

// Source builds configured sensor, caller closes it if it is io.Closer.
func (g *Global) Source() (sensor.Source, error) {
	cfg := &g.Config.Client
	switch cfg.Source {
	case SourceBME280:
		dev, err := sensor.NewBME280(cfg.I2CBus, uint16(cfg.I2CAddr))
		if err != nil {
			return nil, err
		}
		return dev, nil
	case SourceSynthetic, "":
		rate := cfg.AnomalyRate
		if rate == 0 {
			rate = sensor.DefaultAnomalyRate
		}
		return sensor.NewSynthetic(nil, rate), nil
	}
	return nil, errors.NotValidf("client.source=%q", cfg.Source)
}

// nil config for plain listeners
func tlsServerConfig(l *ListenConfig) (*tls.Config, error) {
	if l.TlsCertFile == "" && l.TlsKeyFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(l.TlsCertFile, l.TlsKeyFile)
	if err != nil {
		return nil, errors.Annotate(err, "tls keypair")
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

func tlsClientConfig(caFile string) (*tls.Config, error) {
	cabytes, err := os.ReadFile(caFile)
	if err != nil {
		return nil, errors.Annotatef(err, "tls ca file=%s", caFile)
	}
	tlsconf := &tls.Config{RootCAs: x509.NewCertPool(), MinVersion: tls.VersionTLS12}
	if !tlsconf.RootCAs.AppendCertsFromPEM(cabytes) {
		return nil, errors.NotValidf("tls ca file=%s no certificates", caFile)
	}
	return tlsconf, nil
}
