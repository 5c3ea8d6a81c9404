package main

import (
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/Zereker/msgsock"
)

// config is the CLI configuration, read from TOML.
type config struct {
	Addr           string        `toml:"addr"`
	AcceptTimeout  time.Duration `toml:"accept_timeout"`
	ReadTimeout    time.Duration `toml:"read_timeout"`
	WriteTimeout   time.Duration `toml:"write_timeout"`
	MaxMessageSize int           `toml:"max_message_size"`
	Codec          string        `toml:"codec"`
	Log            logConfig     `toml:"log"`
	Metrics        metricsConfig `toml:"metrics"`
}

type logConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type metricsConfig struct {
	Addr      string `toml:"addr"`
	Namespace string `toml:"namespace"`
}

func defaultConfig() config {
	return config{
		Addr:           "127.0.0.1:31775",
		AcceptTimeout:  10 * time.Second,
		MaxMessageSize: 1024 * 1024,
		Codec:          "msgpack",
		Log: logConfig{
			Level:  "info",
			Format: "console",
		},
		Metrics: metricsConfig{
			Namespace: "msgsock",
		},
	}
}

// loadConfig reads a TOML file over the defaults. An empty path yields the
// defaults.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return config{}, errors.Wrapf(err, "config load failed (%s)", path)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return config{}, errors.Wrapf(err, "config parse failed (%s)", path)
		}
	}
	if err := validateConfig(cfg); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func validateConfig(cfg config) error {
	if strings.TrimSpace(cfg.Addr) == "" {
		return errors.New("config missing addr")
	}
	if cfg.AcceptTimeout <= 0 {
		return errors.New("accept_timeout must be positive")
	}
	if cfg.ReadTimeout < 0 || cfg.WriteTimeout < 0 {
		return errors.New("read_timeout and write_timeout must not be negative")
	}
	if cfg.MaxMessageSize <= 0 {
		return errors.New("max_message_size must be positive")
	}
	if _, err := codecByName(cfg.Codec); err != nil {
		return err
	}
	if _, ok := parseLevel(cfg.Log.Level); !ok {
		return errors.Errorf("unknown log level %q", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "console", "json":
	default:
		return errors.Errorf("unknown log format %q", cfg.Log.Format)
	}
	return nil
}

func codecByName(name string) (msgsock.Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "msgpack":
		return msgsock.MsgpackCodec{}, nil
	case "struct", "protobuf":
		return msgsock.StructCodec{}, nil
	default:
		return nil, errors.Errorf("unknown codec %q", name)
	}
}

// connOptions translates the config into connection options.
func (cfg config) connOptions(logger msgsock.Logger) []msgsock.Option {
	codec, _ := codecByName(cfg.Codec)
	return []msgsock.Option{
		msgsock.CustomCodecOption(codec),
		msgsock.MessageMaxSize(cfg.MaxMessageSize),
		msgsock.ReadTimeoutOption(cfg.ReadTimeout),
		msgsock.WriteTimeoutOption(cfg.WriteTimeout),
		msgsock.LoggerOption(logger),
	}
}
