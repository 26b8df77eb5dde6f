// Package chaos provides fault injection for link-layer interfaces.
//
// A FaultInjector decides, per message, whether to drop or fail it. Wrap
// places an injector between a controller and its interfaces so the rest of
// the stack sees a lossy link without any change to the interface itself.
package chaos

import (
	"fmt"
	"math/rand/v2"
	"sync"
)

// FaultType represents the type of fault to inject.
type FaultType int

const (
	// FaultNone means no fault was selected.
	FaultNone FaultType = iota - 1
	// FaultDropSend silently discards an outbound message.
	FaultDropSend
	// FaultErrorSend makes SendMessage return an error.
	FaultErrorSend
	// FaultDropReceive discards an inbound message before the controller
	// sees it.
	FaultDropReceive
)

// String returns the fault name.
func (t FaultType) String() string {
	switch t {
	case FaultNone:
		return "none"
	case FaultDropSend:
		return "drop_send"
	case FaultErrorSend:
		return "error_send"
	case FaultDropReceive:
		return "drop_receive"
	default:
		return fmt.Sprintf("fault(%d)", int(t))
	}
}

// FaultConfig configures fault injection behavior.
type FaultConfig struct {
	// Probability is the chance of fault injection (0.0 to 1.0).
	Probability float64

	// Type is the type of fault to inject.
	Type FaultType

	// Err is returned for FaultErrorSend. Defaults to
	// wire.ErrLinkLimitExceeded.
	Err error
}

// FaultInjector injects faults into a system.
type FaultInjector struct {
	configs   []FaultConfig
	enabled   bool
	mu        sync.Mutex
	rng       *rand.Rand
	faultHits map[FaultType]int64
}

// NewFaultInjector creates a new fault injector.
func NewFaultInjector(configs ...FaultConfig) *FaultInjector {
	return NewSeededFaultInjector(rand.Uint64(), configs...)
}

// NewSeededFaultInjector creates a fault injector with a fixed random
// sequence, for reproducible runs.
func NewSeededFaultInjector(seed uint64, configs ...FaultConfig) *FaultInjector {
	return &FaultInjector{
		configs:   configs,
		enabled:   true,
		rng:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		faultHits: make(map[FaultType]int64),
	}
}

// Enable enables fault injection.
func (f *FaultInjector) Enable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = true
}

// Disable disables fault injection.
func (f *FaultInjector) Disable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = false
}

// IsEnabled returns whether fault injection is enabled.
func (f *FaultInjector) IsEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

// MaybeInject returns the first configured fault of one of the given types
// whose dice roll hits, along with its config. It returns FaultNone when
// nothing should be injected.
func (f *FaultInjector) MaybeInject(types ...FaultType) (FaultType, FaultConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.enabled {
		return FaultNone, FaultConfig{}
	}

	for _, cfg := range f.configs {
		if !contains(types, cfg.Type) {
			continue
		}
		if f.rng.Float64() < cfg.Probability {
			f.faultHits[cfg.Type]++
			return cfg.Type, cfg
		}
	}

	return FaultNone, FaultConfig{}
}

// GetStats returns the fault injection statistics.
func (f *FaultInjector) GetStats() map[FaultType]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := make(map[FaultType]int64, len(f.faultHits))
	for k, v := range f.faultHits {
		stats[k] = v
	}
	return stats
}

// Reset resets the fault injection statistics.
func (f *FaultInjector) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faultHits = make(map[FaultType]int64)
}

func contains(types []FaultType, t FaultType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}
