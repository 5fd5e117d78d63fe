// Package qos holds the effective QoS values the protocol engine consumes
// and the offered/requested compatibility gate applied when endpoints match.
package qos

import (
	"errors"
	"fmt"
	"time"
)

// LengthUnlimited disables a resource limit.
const LengthUnlimited = -1

type ReliabilityKind int

const (
	BestEffort ReliabilityKind = 1
	Reliable   ReliabilityKind = 2
)

func (k ReliabilityKind) String() string {
	switch k {
	case BestEffort:
		return "best_effort"
	case Reliable:
		return "reliable"
	}
	return fmt.Sprintf("ReliabilityKind(%d)", int(k))
}

type Reliability struct {
	Kind            ReliabilityKind `mapstructure:"kind" json:"kind"`
	MaxBlockingTime time.Duration   `mapstructure:"max-blocking-time" json:"max_blocking_time"`
}

type DurabilityKind int

const (
	Volatile DurabilityKind = iota
	TransientLocal
)

func (k DurabilityKind) String() string {
	switch k {
	case Volatile:
		return "volatile"
	case TransientLocal:
		return "transient_local"
	}
	return fmt.Sprintf("DurabilityKind(%d)", int(k))
}

type Durability struct {
	Kind DurabilityKind `mapstructure:"kind" json:"kind"`
}

type HistoryKind int

const (
	KeepLast HistoryKind = iota
	KeepAll
)

func (k HistoryKind) String() string {
	switch k {
	case KeepLast:
		return "keep_last"
	case KeepAll:
		return "keep_all"
	}
	return fmt.Sprintf("HistoryKind(%d)", int(k))
}

type History struct {
	Kind  HistoryKind `mapstructure:"kind" json:"kind"`
	Depth int         `mapstructure:"depth" json:"depth"`
}

type ResourceLimits struct {
	MaxSamples            int `mapstructure:"max-samples" json:"max_samples"`
	MaxInstances          int `mapstructure:"max-instances" json:"max_instances"`
	MaxSamplesPerInstance int `mapstructure:"max-samples-per-instance" json:"max_samples_per_instance"`
}

func UnlimitedResources() ResourceLimits {
	return ResourceLimits{
		MaxSamples:            LengthUnlimited,
		MaxInstances:          LengthUnlimited,
		MaxSamplesPerInstance: LengthUnlimited,
	}
}

// Endpoint bundles the negotiated values handed to a writer or reader.
type Endpoint struct {
	Reliability    Reliability    `mapstructure:"reliability" json:"reliability"`
	Durability     Durability     `mapstructure:"durability" json:"durability"`
	History        History        `mapstructure:"history" json:"history"`
	ResourceLimits ResourceLimits `mapstructure:"resource-limits" json:"resource_limits"`
}

// DefaultWriter mirrors the DDS DataWriter defaults.
func DefaultWriter() Endpoint {
	return Endpoint{
		Reliability:    Reliability{Kind: Reliable, MaxBlockingTime: 100 * time.Millisecond},
		Durability:     Durability{Kind: Volatile},
		History:        History{Kind: KeepLast, Depth: 1},
		ResourceLimits: UnlimitedResources(),
	}
}

// DefaultReader mirrors the DDS DataReader defaults.
func DefaultReader() Endpoint {
	return Endpoint{
		Reliability:    Reliability{Kind: BestEffort},
		Durability:     Durability{Kind: Volatile},
		History:        History{Kind: KeepLast, Depth: 1},
		ResourceLimits: UnlimitedResources(),
	}
}

var errInconsistent = errors.New("inconsistent qos")

// Validate rejects self-contradictory history and resource limit settings.
func (e Endpoint) Validate() error {
	h, rl := e.History, e.ResourceLimits
	if h.Kind == KeepLast && h.Depth <= 0 {
		return fmt.Errorf("%w: keep_last depth %d", errInconsistent, h.Depth)
	}
	for name, v := range map[string]int{
		"max_samples":              rl.MaxSamples,
		"max_instances":            rl.MaxInstances,
		"max_samples_per_instance": rl.MaxSamplesPerInstance,
	} {
		if v != LengthUnlimited && v <= 0 {
			return fmt.Errorf("%w: %s %d", errInconsistent, name, v)
		}
	}
	if h.Kind == KeepLast && rl.MaxSamplesPerInstance != LengthUnlimited && h.Depth > rl.MaxSamplesPerInstance {
		return fmt.Errorf("%w: depth %d exceeds max_samples_per_instance %d", errInconsistent, h.Depth, rl.MaxSamplesPerInstance)
	}
	if rl.MaxSamples != LengthUnlimited && rl.MaxSamplesPerInstance != LengthUnlimited && rl.MaxSamples < rl.MaxSamplesPerInstance {
		return fmt.Errorf("%w: max_samples %d below max_samples_per_instance %d", errInconsistent, rl.MaxSamples, rl.MaxSamplesPerInstance)
	}
	return nil
}
