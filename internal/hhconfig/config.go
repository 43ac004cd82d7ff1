// Package hhconfig loads the Hinted Handoff Manager's configuration via
// viper, grounded on the teacher's internal/config package: the same
// env-prefix-override convention (HHM_ in place of BD_/BEADS_), the same
// yaml-file fallback for reads that bypass the viper singleton, and an
// fsnotify-driven watch that re-parses the file whenever it changes.
package hhconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Keys recognized by the manager, named exactly as spec §6 lists them.
const (
	KeyMaxHintThreads            = "max_hint_threads"
	KeyMaxHintTTLSeconds         = "max_hint_ttl_seconds"
	KeyThrottleKB                = "hinted_handoff_throttle_kb"
	KeyInMemoryCompactionLimit   = "in_memory_compaction_limit"
	KeyTombstoneWarnThreshold    = "tombstone_warn_threshold"
	KeyRingDelayMillis           = "ring_delay_ms"
	KeySchemaAgreementPollMillis = "schema_agreement_poll_interval_ms"
)

// Config is the resolved, typed configuration the rest of the manager
// consumes; viper is kept behind this package.
type Config struct {
	MaxHintThreads          int
	MaxHintTTL              time.Duration
	GlobalThrottleKB        int
	InMemoryCompactionLimit int
	TombstoneWarnThreshold  int
	RingDelay               time.Duration
	SchemaAgreementPoll     time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyMaxHintThreads, 2)
	// "effectively unbounded" per spec §6's default for the TTL cap.
	v.SetDefault(KeyMaxHintTTLSeconds, int((30 * 24 * time.Hour).Seconds()))
	v.SetDefault(KeyThrottleKB, 0)
	v.SetDefault(KeyInMemoryCompactionLimit, 64*1024*1024)
	v.SetDefault(KeyTombstoneWarnThreshold, 100000)
	v.SetDefault(KeyRingDelayMillis, 30000)
	v.SetDefault(KeySchemaAgreementPollMillis, 1000)
}

// Load reads hhm.yaml from path (if it exists) and applies HHM_-prefixed
// environment variable overrides, mirroring the teacher's
// Initialize()/BD_ override convention.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("HHM")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("hhconfig: read %s: %w", path, err)
			}
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		MaxHintThreads:          v.GetInt(KeyMaxHintThreads),
		MaxHintTTL:              time.Duration(v.GetInt(KeyMaxHintTTLSeconds)) * time.Second,
		GlobalThrottleKB:        v.GetInt(KeyThrottleKB),
		InMemoryCompactionLimit: v.GetInt(KeyInMemoryCompactionLimit),
		TombstoneWarnThreshold:  v.GetInt(KeyTombstoneWarnThreshold),
		RingDelay:               time.Duration(v.GetInt(KeyRingDelayMillis)) * time.Millisecond,
		SchemaAgreementPoll:     time.Duration(v.GetInt(KeySchemaAgreementPollMillis)) * time.Millisecond,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects a non-positive global TTL ceiling at startup — fail
// fast, rather than per-insert, for the global cap (per-insert rejection
// of a non-positive *computed* TTL is still enforced in
// hhcodec.TTLFor).
func (c *Config) Validate() error {
	if c.MaxHintTTL <= 0 {
		return fmt.Errorf("hhconfig: %s must be positive", KeyMaxHintTTLSeconds)
	}
	if c.MaxHintThreads < 1 {
		return fmt.Errorf("hhconfig: %s must be at least 1", KeyMaxHintThreads)
	}
	return nil
}

// WatchFile re-runs Load on path whenever it changes on disk and invokes
// onChange with the newly parsed Config; it does not apply the new values
// to anything itself. Reload errors are reported to onError.
func WatchFile(path string, onChange func(*Config), onError func(error)) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("hhconfig: new watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("hhconfig: watch %s: %w", path, err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					if onError != nil {
						onError(err)
					}
					continue
				}
				if onChange != nil {
					onChange(cfg)
				}
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(werr)
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		_ = watcher.Close()
	}, nil
}
