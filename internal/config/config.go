// Package config holds the scheduler and listener tunables and a
// file-backed store that hot-reloads them on change.
package config

import "time"

// SchedulerConfig configures the process scheduler and its worker pool.
type SchedulerConfig struct {
	// Workers is the fixed size of the cooperative worker pool.
	Workers int `json:"workers"`
	// ReadyQueueCapacity bounds the buffered ready-queue channel and the
	// semaphore gating it.
	ReadyQueueCapacity int `json:"ready_queue_capacity"`
	// MaxPID and MaxRID bound the identifier allocators (Open Question (c):
	// configurable, default 30000 as in the original).
	MaxPID uint64 `json:"max_pid"`
	MaxRID uint64 `json:"max_rid"`
	// PollPeriod bounds how long next-execute waits on the ready-queue
	// semaphore before re-scanning the timer heap (spec: "≤ ~3 seconds").
	PollPeriod time.Duration `json:"poll_period"`
}

// DefaultSchedulerConfig returns the scheduler tunables the original used.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Workers:            8,
		ReadyQueueCapacity: 1024,
		MaxPID:             30000,
		MaxRID:             30000,
		PollPeriod:         3 * time.Second,
	}
}

// ListenerConfig configures the network listener accepting user sessions.
type ListenerConfig struct {
	Address string `json:"address"`
	// IdleWarn and IdleDisconnect are how long an agent waits for command
	// text, counted from the last command, before warning and before
	// disconnecting (supplemented from original_source's connection
	// lifecycle manager).
	IdleWarn       time.Duration `json:"idle_warn"`
	IdleDisconnect time.Duration `json:"idle_disconnect"`
	// CommandRateLimit and CommandBurst bound how fast a session may submit
	// commands, mirroring the teacher's per-IP token-bucket rate limiter.
	CommandRateLimit float64 `json:"command_rate_limit"`
	CommandBurst     int     `json:"command_burst"`
}

// DefaultListenerConfig returns reasonable defaults for the demo server.
func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		Address:          ":4201",
		IdleWarn:         5 * time.Minute,
		IdleDisconnect:   10 * time.Minute,
		CommandRateLimit: 10,
		CommandBurst:     20,
	}
}

// CapabilityRefreshInterval is how often an agent refreshes its cached
// security context, per spec 4.6 ("≈180 seconds of real time").
const CapabilityRefreshInterval = 180 * time.Second

// Config is the full set of hot-reloadable tunables.
type Config struct {
	Version   int             `json:"version"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Listener  ListenerConfig  `json:"listener"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Version:   1,
		Scheduler: DefaultSchedulerConfig(),
		Listener:  DefaultListenerConfig(),
	}
}

// Store loads and saves the hot-reloadable configuration.
type Store interface {
	Load() (Config, error)
	Save(Config) error
}
