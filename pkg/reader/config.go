package reader

import (
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrrtps/pkg/history"
	"github.com/ryandielhenn/zephyrrtps/pkg/liveliness"
	"github.com/ryandielhenn/zephyrrtps/pkg/rtps"
)

type Config struct {
	// HeartbeatResponseDelay coalesces the AckNacks triggered by heartbeats.
	HeartbeatResponseDelay time.Duration `mapstructure:"heartbeat-response-delay"`
	// HeartbeatSuppressionDelay ignores heartbeats arriving this soon after
	// an AckNack was sent to the same writer.
	HeartbeatSuppressionDelay time.Duration `mapstructure:"heartbeat-suppression-delay"`
	ExpectsInlineQos          bool          `mapstructure:"expects-inline-qos"`
	// OrderedDelivery holds samples back until every earlier sequence number
	// of the same writer was received or declared unavailable.
	OrderedDelivery bool `mapstructure:"ordered-delivery"`
	// MaxPendingFragments bounds the samples being reassembled at once.
	MaxPendingFragments int `mapstructure:"max-pending-fragments"`
	// MaxSampleSize bounds the announced size of a fragmented sample.
	// Larger samples are protocol violations; zero disables the bound.
	MaxSampleSize uint32 `mapstructure:"max-sample-size"`
	// MaxTrackedWriters bounds the writers a stateless reader remembers for
	// duplicate suppression.
	MaxTrackedWriters int `mapstructure:"max-tracked-writers"`
}

func DefaultConfig() Config {
	return Config{
		HeartbeatResponseDelay:    500 * time.Millisecond,
		HeartbeatSuppressionDelay: 0,
		ExpectsInlineQos:          false,
		OrderedDelivery:           true,
		MaxPendingFragments:       64,
		MaxSampleSize:             16 << 20,
		MaxTrackedWriters:         1024,
	}
}

// SampleFunc is told about every change that becomes available to the
// application. It runs without the reader lock held.
type SampleFunc func(c *rtps.CacheChange)

type options struct {
	cfg      Config
	logger   *zap.Logger
	clock    clockwork.Clock
	observer liveliness.Observer
	listener SampleFunc
	cache    history.Cache
}

func defaultOptions() options {
	return options{
		cfg:    DefaultConfig(),
		logger: zap.NewNop(),
		clock:  clockwork.NewRealClock(),
	}
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

func WithListener(fn SampleFunc) Opt {
	return func(o *options) {
		o.listener = fn
	}
}

// WithLiveliness reports every writer heard from to obs.
func WithLiveliness(obs liveliness.Observer) Opt {
	return func(o *options) {
		o.observer = obs
	}
}

// WithCache replaces the history store built from the endpoint QoS.
func WithCache(c history.Cache) Opt {
	return func(o *options) {
		o.cache = c
	}
}
