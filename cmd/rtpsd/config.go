package main

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ryandielhenn/zephyrrtps/pkg/participant"
	"github.com/ryandielhenn/zephyrrtps/pkg/qos"
	"github.com/ryandielhenn/zephyrrtps/pkg/transport"
)

type Config struct {
	Participant participant.Config `mapstructure:"participant"`
	Ports       transport.PortParams `mapstructure:"ports"`

	ParticipantID uint32 `mapstructure:"participant-id"`
	// Host is the address user traffic binds to when Listen is empty.
	Host   string `mapstructure:"host"`
	Listen string `mapstructure:"listen"`
	HTTP   string `mapstructure:"http"`

	Etcd        []string      `mapstructure:"etcd"`
	DialTimeout time.Duration `mapstructure:"dial-timeout"`
	LeaseTTL    int64         `mapstructure:"lease-ttl"`
	Linger      time.Duration `mapstructure:"linger"`

	Writers []string `mapstructure:"writers"`
	Readers []string `mapstructure:"readers"`

	LogLevel   string `mapstructure:"log-level"`
	LogEncoder string `mapstructure:"log-encoder"`
}

func DefaultConfig() Config {
	return Config{
		Participant: participant.DefaultConfig(),
		Ports:       transport.DefaultPortParams(),
		Host:        "127.0.0.1",
		HTTP:        ":8080",
		Etcd:        []string{"http://etcd:2379"},
		DialTimeout: 5 * time.Second,
		LeaseTTL:    10,
		Linger:      2 * time.Second,
		LogLevel:    "info",
		LogEncoder:  "json",
	}
}

// flagKeys maps command line flags to their configuration keys.
var flagKeys = map[string]string{
	"domain":         "participant.domain-id",
	"participant-id": "participant-id",
	"host":           "host",
	"listen":         "listen",
	"http":           "http",
	"etcd":           "etcd",
	"lease-ttl":      "lease-ttl",
	"linger":         "linger",
	"writer":         "writers",
	"reader":         "readers",
	"log-level":      "log-level",
	"log-encoder":    "log-encoder",
}

func addFlags(fs *pflag.FlagSet) {
	d := DefaultConfig()
	fs.String("config", "", "config file (yaml, toml or json)")
	fs.Uint32("domain", d.Participant.DomainID, "domain id")
	fs.Uint32("participant-id", d.ParticipantID, "participant id within the domain, selects the user port")
	fs.String("host", d.Host, "address user traffic binds to")
	fs.String("listen", d.Listen, "explicit udp host:port, overrides host and participant-id")
	fs.String("http", d.HTTP, "http api address")
	fs.StringSlice("etcd", d.Etcd, "etcd endpoints; empty disables discovery")
	fs.Int64("lease-ttl", d.LeaseTTL, "discovery lease ttl in seconds")
	fs.Duration("linger", d.Linger, "time reliable writers get to be acknowledged on shutdown")
	fs.StringSlice("writer", nil, "writer endpoints as topic or topic:best-effort")
	fs.StringSlice("reader", nil, "reader endpoints as topic or topic:best-effort")
	fs.String("log-level", d.LogLevel, "debug, info, warn or error")
	fs.String("log-encoder", d.LogEncoder, "json or console")
}

// loadConfig layers the defaults, an optional config file, ZEPHYR_*
// environment variables and the command line, in increasing precedence.
func loadConfig(fs *pflag.FlagSet) (Config, error) {
	cfg := DefaultConfig()
	v := viper.New()
	v.SetEnvPrefix("ZEPHYR")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	for flag, key := range flagKeys {
		f := fs.Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return cfg, err
		}
		// env vars are only consulted for keys viper knows about
		if err := v.BindEnv(key); err != nil {
			return cfg, err
		}
	}

	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return cfg, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// listenAddr is the udp address to bind: Listen if set, else the user
// unicast port of this participant on Host.
func (c Config) listenAddr() (string, error) {
	if c.Listen != "" {
		return c.Listen, nil
	}
	addr, err := netip.ParseAddr(c.Host)
	if err != nil {
		return "", fmt.Errorf("host %q: %w", c.Host, err)
	}
	loc, err := c.Ports.UserLocator(addr, c.Participant.DomainID, c.ParticipantID)
	if err != nil {
		return "", err
	}
	return loc.String(), nil
}

// endpointSpec is a --writer or --reader value.
type endpointSpec struct {
	topic    string
	reliable bool
}

func parseEndpoint(s string) (endpointSpec, error) {
	topic, mode, _ := strings.Cut(s, ":")
	if topic == "" {
		return endpointSpec{}, fmt.Errorf("endpoint %q: empty topic", s)
	}
	switch mode {
	case "", "reliable":
		return endpointSpec{topic: topic, reliable: true}, nil
	case "best-effort":
		return endpointSpec{topic: topic}, nil
	}
	return endpointSpec{}, fmt.Errorf("endpoint %q: unknown mode %q", s, mode)
}

func (e endpointSpec) writerQoS() qos.Endpoint {
	q := qos.DefaultWriter()
	q.History = qos.History{Kind: qos.KeepAll}
	if !e.reliable {
		q.Reliability = qos.Reliability{Kind: qos.BestEffort}
	}
	return q
}

func (e endpointSpec) readerQoS() qos.Endpoint {
	q := qos.DefaultReader()
	q.History = qos.History{Kind: qos.KeepAll}
	if e.reliable {
		q.Reliability.Kind = qos.Reliable
	}
	return q
}

func newLogger(cfg Config) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if cfg.LogEncoder == "console" {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zc.Level = level
	return zc.Build()
}
