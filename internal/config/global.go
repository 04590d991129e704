package config

import "sync/atomic"

var cfg atomic.Pointer[Config]

// Init installs the default configuration. It must run before Load.
func Init() error {
	c, err := defaultConfig()
	if err != nil {
		return err
	}

	cfg.Store(&c)
	return nil
}

// Load returns the current config (treat as read-only). If Init has not run
// yet, the defaults are installed first.
func Load() *Config {
	if c := cfg.Load(); c != nil {
		return c
	}

	c, _ := defaultConfig()
	cfg.CompareAndSwap(nil, &c)
	return cfg.Load()
}

// Update applies a mutation on a copy and swaps it atomically.
func Update(mut func(*Config)) *Config {
	next := *Load()
	mut(&next)
	cfg.Store(&next)
	return &next
}

// Swap replaces the global config atomically with the provided value.
func Swap(next Config) *Config {
	cfg.Store(&next)
	return &next
}
