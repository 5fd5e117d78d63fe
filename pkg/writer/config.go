package writer

import (
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrrtps/pkg/history"
	"github.com/ryandielhenn/zephyrrtps/pkg/liveliness"
)

type Config struct {
	// PushMode sends new changes to matched readers right away. Without it
	// readers learn about changes from heartbeats and request them.
	PushMode        bool          `mapstructure:"push-mode"`
	HeartbeatPeriod time.Duration `mapstructure:"heartbeat-period"`
	// NackResponseDelay coalesces retransmissions requested by AckNacks.
	NackResponseDelay time.Duration `mapstructure:"nack-response-delay"`
	// NackSuppressionDelay ignores requests for a change resent more
	// recently than this.
	NackSuppressionDelay time.Duration `mapstructure:"nack-suppression-delay"`
	// FragmentSize above zero splits larger payloads into DataFrag.
	FragmentSize int `mapstructure:"fragment-size"`
	// MaxBlockingTime bounds a write blocked on a full KeepAll history when
	// the reliability QoS carries no value of its own.
	MaxBlockingTime time.Duration `mapstructure:"max-blocking-time"`

	// Stateless writers only.
	ResendPeriod time.Duration `mapstructure:"resend-period"`
	ResendCount  int           `mapstructure:"resend-count"`
}

func DefaultConfig() Config {
	return Config{
		PushMode:             true,
		HeartbeatPeriod:      3 * time.Second,
		NackResponseDelay:    200 * time.Millisecond,
		NackSuppressionDelay: 0,
		FragmentSize:         0,
		MaxBlockingTime:      100 * time.Millisecond,
		ResendPeriod:         time.Second,
		ResendCount:          0,
	}
}

type options struct {
	cfg      Config
	logger   *zap.Logger
	clock    clockwork.Clock
	observer liveliness.Observer
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

// WithLiveliness reports every AckNack and NackFrag sender to obs.
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
