package participant

import (
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrrtps/pkg/liveliness"
	"github.com/ryandielhenn/zephyrrtps/pkg/reader"
	"github.com/ryandielhenn/zephyrrtps/pkg/rtps"
	"github.com/ryandielhenn/zephyrrtps/pkg/writer"
)

type Config struct {
	DomainID   uint32            `mapstructure:"domain-id"`
	Writer     writer.Config     `mapstructure:"writer"`
	Reader     reader.Config     `mapstructure:"reader"`
	Liveliness liveliness.Config `mapstructure:"liveliness"`
	// SampleBufferBytes caps the payload kept for the topic API.
	SampleBufferBytes int           `mapstructure:"sample-buffer-bytes"`
	SampleTTL         time.Duration `mapstructure:"sample-ttl"`
	// MaxPayload bounds a sample posted over HTTP.
	MaxPayload int64 `mapstructure:"max-payload"`
}

func DefaultConfig() Config {
	return Config{
		Writer:            writer.DefaultConfig(),
		Reader:            reader.DefaultConfig(),
		Liveliness:        liveliness.DefaultConfig(),
		SampleBufferBytes: 16 << 20,
		SampleTTL:         10 * time.Minute,
		MaxPayload:        1 << 20,
	}
}

// SampleFunc is told about every sample a local reader delivers.
type SampleFunc func(topic string, c *rtps.CacheChange)

type options struct {
	cfg      Config
	logger   *zap.Logger
	clock    clockwork.Clock
	listener SampleFunc
}

type Opt func(*options)

func WithConfig(cfg Config) Opt {
	return func(o *options) {
		o.cfg = cfg
	}
}

func WithLogger(l *zap.Logger) Opt {
	return func(o *options) {
		o.logger = l
	}
}

func WithClock(c clockwork.Clock) Opt {
	return func(o *options) {
		o.clock = c
	}
}

func WithSampleListener(fn SampleFunc) Opt {
	return func(o *options) {
		o.listener = fn
	}
}
