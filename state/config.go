package state

import (
	"path/filepath"
	"sync"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/envtele/helpers"
	"github.com/temoto/envtele/log2"
	"github.com/temoto/envtele/reading"
)

const (
	EnvSecret       = "ENVTELE_SECRET"
	EnvDatabaseURL  = "ENVTELE_DATABASE_URL"
	EnvMqttPassword = "ENVTELE_MQTT_PASSWORD"
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	Key struct {
		// "scheme:hex", bare hex is hmac-sha512; secret
		Key string `hcl:"key"`
		// extremofile directory, used when key is empty
		Dir string `hcl:"dir"`
	}

	Server struct {
		LogDebug bool            `hcl:"log_debug"`
		Listen   []*ListenConfig `hcl:"listen"`
		Ranges   reading.Ranges  `hcl:"ranges"`
		Publish  PublishConfig   `hcl:"publish"`
		Tags     TagServerConfig `hcl:"tagserver"`
		Modbus   struct {
			// empty disables, e.g. "tcp://0.0.0.0:1502"
			Listen     string `hcl:"listen"`
			TimeoutSec int    `hcl:"timeout_sec"`
			MaxClients int    `hcl:"max_clients"`
		}
		Metrics struct {
			Listen string `hcl:"listen"`
		}
	}

	Client struct {
		LogDebug          bool    `hcl:"log_debug"`
		URL               string  `hcl:"url"`
		SensorID          int     `hcl:"sensor_id"`
		IntervalSec       int     `hcl:"interval_sec"`
		ConnectRetry      int     `hcl:"connect_retry"`
		RetryDelaySec     int     `hcl:"retry_delay_sec"`
		NetworkTimeoutSec int     `hcl:"network_timeout_sec"`
		TlsCaFile         string  `hcl:"tls_ca_file"`
		Source            string  `hcl:"source"` // synthetic | bme280
		AnomalyRate       float64 `hcl:"anomaly_rate"`
		I2CBus            string  `hcl:"i2c_bus"`
		I2CAddr           int     `hcl:"i2c_addr"`
	}

	Store struct {
		LogDebug    bool   `hcl:"log_debug"`
		Listen      string `hcl:"listen"`
		DatabaseURL string `hcl:"database_url"` // secret
		Memory      bool   `hcl:"memory"`
		Migrate     bool   `hcl:"migrate"`
		TimeoutSec  int    `hcl:"timeout_sec"`
	}

	_copy_guard sync.Mutex //nolint:unused
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

type ListenConfig struct {
	URL            string   `hcl:"url,key"`
	IdleTimeoutSec int      `hcl:"idle_timeout_sec"`
	TimeoutSec     int      `hcl:"network_timeout_sec"`
	TlsCertFile    string   `hcl:"tls_cert_file"`
	TlsKeyFile     string   `hcl:"tls_key_file"`
	AllowRoles     []string `hcl:"allow_roles"` // tag server only
}

type PublishConfig struct {
	Store bool `hcl:"store"`
	Http  struct {
		URL        string `hcl:"url"`
		TimeoutSec int    `hcl:"timeout_sec"`
		Relay      bool   `hcl:"relay"`
	}
	Mqtt struct {
		Broker       string `hcl:"broker"`
		ClientID     string `hcl:"client_id"`
		Username     string `hcl:"username"`
		Password     string `hcl:"password"` // secret
		Prefix       string `hcl:"prefix"`
		TlsCaFile    string `hcl:"tls_ca_file"`
		KeepaliveSec int    `hcl:"keepalive_sec"`
		TimeoutSec   int    `hcl:"timeout_sec"`
		Relay        bool   `hcl:"relay"`
	}
	Influx struct {
		Addr       string `hcl:"addr"`
		Username   string `hcl:"username"`
		Password   string `hcl:"password"` // secret
		Database   string `hcl:"database"`
		TimeoutSec int    `hcl:"timeout_sec"`
	}
	Relay struct {
		// queue directory root, each relayed sink gets own subdirectory
		Path        string `hcl:"path"`
		RetryMinSec int    `hcl:"retry_min_sec"`
		RetryMaxSec int    `hcl:"retry_max_sec"`
		TimeoutSec  int    `hcl:"timeout_sec"`
	}
}

type TagServerConfig struct {
	Listen []*ListenConfig `hcl:"listen"`
	Users  []*UserConfig   `hcl:"user"`
}

type UserConfig struct {
	Name     string `hcl:"name,key"`
	Password string `hcl:"password"` // secret
	Role     string `hcl:"role"`
}

// ApplyEnv overrides secrets from environment, empty values are ignored.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvSecret); v != "" {
		c.Key.Key = v
	}
	if v := getenv(EnvDatabaseURL); v != "" {
		c.Store.DatabaseURL = v
	}
	if v := getenv(EnvMqttPassword); v != "" {
		c.Server.Publish.Mqtt.Password = v
	}
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	// content is not logged, it may contain secrets
	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s", source.Name)
		*errs = append(*errs, err)
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		log.Fatal("code error [Must]ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
