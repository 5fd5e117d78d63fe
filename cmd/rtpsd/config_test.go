package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrrtps/pkg/qos"
)

func flags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("rtpsd", pflag.ContinueOnError)
	addFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		in       string
		topic    string
		reliable bool
		err      bool
	}{
		{in: "chat", topic: "chat", reliable: true},
		{in: "chat:reliable", topic: "chat", reliable: true},
		{in: "chat:best-effort", topic: "chat"},
		{in: ":reliable", err: true},
		{in: "chat:sometimes", err: true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			spec, err := parseEndpoint(tc.in)
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.topic, spec.topic)
			require.Equal(t, tc.reliable, spec.reliable)

			// the endpoints a spec produces always match each other
			ok, reason := qos.Compatible(spec.writerQoS(), spec.readerQoS())
			require.True(t, ok, reason)
		})
	}
}

func TestListenAddr(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Participant.DomainID = 1
	cfg.ParticipantID = 2
	addr, err := cfg.listenAddr()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:7665", addr)

	cfg.Listen = "0.0.0.0:9000"
	addr, err = cfg.listenAddr()
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9000", addr)

	cfg.Listen = ""
	cfg.Host = "localhost"
	_, err = cfg.listenAddr()
	require.Error(t, err)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(flags(t))
	require.NoError(t, err)
	d := DefaultConfig()
	require.Equal(t, d.Participant, cfg.Participant)
	require.Equal(t, d.Ports, cfg.Ports)
	require.Equal(t, d.Etcd, cfg.Etcd)
	require.Equal(t, d.Linger, cfg.Linger)
	require.Equal(t, d.HTTP, cfg.HTTP)
	require.Empty(t, cfg.Writers)
	require.Empty(t, cfg.Readers)
}

func TestLoadConfigLayers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rtpsd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http: ":9090"
linger: 5s
participant:
  writer:
    heartbeat-period: 250ms
  reader:
    ordered-delivery: false
`), 0o600))
	t.Setenv("ZEPHYR_LOG_LEVEL", "debug")
	t.Setenv("ZEPHYR_HTTP", ":9191")

	cfg, err := loadConfig(flags(t,
		"--config", path,
		"--domain", "3",
		"--writer", "chat,metrics:best-effort",
		"--linger", "1s",
	))
	require.NoError(t, err)
	require.Equal(t, uint32(3), cfg.Participant.DomainID)
	require.Equal(t, []string{"chat", "metrics:best-effort"}, cfg.Writers)
	require.Equal(t, time.Second, cfg.Linger, "flag beats file")
	require.Equal(t, ":9191", cfg.HTTP, "env beats file")
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, 250*time.Millisecond, cfg.Participant.Writer.HeartbeatPeriod)
	require.False(t, cfg.Participant.Reader.OrderedDelivery)
	// untouched nested values keep their defaults
	require.Equal(t, DefaultConfig().Participant.Writer.NackResponseDelay, cfg.Participant.Writer.NackResponseDelay)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := loadConfig(flags(t, "--config", filepath.Join(t.TempDir(), "absent.yaml")))
	require.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogEncoder = "console"
	cfg.LogLevel = "warn"
	logger, err := newLogger(cfg)
	require.NoError(t, err)
	require.False(t, logger.Core().Enabled(zap.DebugLevel))

	cfg.LogLevel = "loud"
	_, err = newLogger(cfg)
	require.Error(t, err)
}

func TestNewGuidPrefix(t *testing.T) {
	a, err := newGuidPrefix()
	require.NoError(t, err)
	b, err := newGuidPrefix()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
	require.Equal(t, a[:2], b[:2])
}
