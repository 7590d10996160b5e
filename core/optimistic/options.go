package optimistic

import (
	"time"

	"github.com/trezcool/clinica/core"
)

const (
	defaultMaxRetries        = 3
	defaultRetryDelay        = time.Second
	defaultAutoRollbackDelay = 5 * time.Second
	defaultEvictionDelay     = time.Second
)

// Options configures a Tracker. Start from DefaultOptions.
type Options struct {
	// MaxRetries is the number of retries allowed per update before it is rolled back.
	MaxRetries int
	// RetryDelay is the base retry delay; attempt n waits n*RetryDelay.
	RetryDelay time.Duration
	// AutoRollbackDelay is the time after Apply at which a still pending update is rolled back.
	AutoRollbackDelay   time.Duration
	AutoRollbackEnabled bool
	// PersistFailedUpdates keeps rolled back updates until Clear.
	PersistFailedUpdates bool
	// EvictionDelay is the grace delay before confirmed and rolled back updates are evicted.
	EvictionDelay time.Duration

	Logger core.Logger // optional
}

func DefaultOptions() Options {
	return Options{
		MaxRetries:          defaultMaxRetries,
		RetryDelay:          defaultRetryDelay,
		AutoRollbackDelay:   defaultAutoRollbackDelay,
		AutoRollbackEnabled: true,
		EvictionDelay:       defaultEvictionDelay,
	}
}

// OptionsFromConfig builds tracker Options from the app config.
func OptionsFromConfig(conf core.OptimisticConfig, logger core.Logger) Options {
	return Options{
		MaxRetries:           conf.MaxRetries,
		RetryDelay:           conf.RetryDelay,
		AutoRollbackDelay:    conf.AutoRollbackDelay,
		AutoRollbackEnabled:  conf.AutoRollbackEnabled,
		PersistFailedUpdates: conf.PersistFailedUpdates,
		EvictionDelay:        conf.EvictionDelay,
		Logger:               logger,
	}
}

func (o Options) withDefaults() Options {
	if o.MaxRetries < 0 {
		o.MaxRetries = defaultMaxRetries
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = defaultRetryDelay
	}
	if o.AutoRollbackDelay <= 0 {
		o.AutoRollbackDelay = defaultAutoRollbackDelay
	}
	if o.EvictionDelay <= 0 {
		o.EvictionDelay = defaultEvictionDelay
	}
	return o
}
