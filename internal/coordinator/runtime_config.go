package coordinator

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"
)

// Runtime flag keys accepted by confset / confget.
const (
	KeyAutoFailover     = "auto_failover"
	KeyAutoRecoverTable = "auto_recover_table"
)

// RuntimeFlags is an immutable snapshot of the mutable runtime flags.
type RuntimeFlags struct {
	AutoFailover     bool
	AutoRecoverTable bool
}

// FlagStore persists runtime flags.
type FlagStore interface {
	SaveFlag(ctx context.Context, key, value string) error
}

// RuntimeConfig is the Config Store. The failover controller reads a fresh
// RuntimeFlags snapshot on every evaluation.
type RuntimeConfig struct {
	store FlagStore
	flags RuntimeFlags
	mu    sync.RWMutex
}

// NewRuntimeConfig creates a config store with initial flag values. A nil
// store keeps flags in memory only.
func NewRuntimeConfig(initial RuntimeFlags, store FlagStore) *RuntimeConfig {
	return &RuntimeConfig{flags: initial, store: store}
}

// Flags returns the current flag snapshot.
func (c *RuntimeConfig) Flags() RuntimeFlags {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.flags
}

// Set parses value as a boolean and stores it under key.
func (c *RuntimeConfig) Set(ctx context.Context, key, value string) error {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("invalid value %q for %s: %w", value, key, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.flags
	if err := setFlag(&next, key, b); err != nil {
		return err
	}
	if c.store != nil {
		if err := c.store.SaveFlag(ctx, key, strconv.FormatBool(b)); err != nil {
			return fmt.Errorf("persisting %s: %w", key, err)
		}
	}
	c.flags = next
	log.Info().Str("key", key).Bool("value", b).Msg("runtime flag updated")
	return nil
}

// Get returns the textual value of one flag.
func (c *RuntimeConfig) Get(key string) (string, error) {
	all := c.All()
	v, ok := all[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownConfKey, key)
	}
	return v, nil
}

// All returns every flag as text keyed by name.
func (c *RuntimeConfig) All() map[string]string {
	f := c.Flags()
	return map[string]string{
		KeyAutoFailover:     strconv.FormatBool(f.AutoFailover),
		KeyAutoRecoverTable: strconv.FormatBool(f.AutoRecoverTable),
	}
}

// Keys returns the known flag names in order.
func (*RuntimeConfig) Keys() []string {
	return []string{KeyAutoFailover, KeyAutoRecoverTable}
}

// Load overlays persisted values onto the current flags. Unknown keys and
// unparsable values are skipped with a warning.
func (c *RuntimeConfig) Load(values map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range values {
		b, err := strconv.ParseBool(v)
		if err == nil {
			err = setFlag(&c.flags, k, b)
		}
		if err != nil {
			log.Warn().Err(err).Str("key", k).Str("value", v).Msg("ignoring persisted runtime flag")
		}
	}
}

func setFlag(f *RuntimeFlags, key string, v bool) error {
	switch key {
	case KeyAutoFailover:
		f.AutoFailover = v
	case KeyAutoRecoverTable:
		f.AutoRecoverTable = v
	default:
		return fmt.Errorf("%w: %s", ErrUnknownConfKey, key)
	}
	return nil
}
