package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// EnvPrefix is prepended to every tunable's environment variable.
const EnvPrefix = "RELAY_"

// Tunables holds runtime knobs that are not part of the cluster file.
type Tunables struct {
	// QueueSize is the capacity of the listener -> broadcaster queue
	QueueSize int `env:"QUEUE_SIZE,default=1024"`

	// SubmitTimeout bounds how long the listener waits on a full queue
	SubmitTimeout time.Duration `env:"SUBMIT_TIMEOUT,default=50ms"`

	// Reconnect backoff for peer sessions
	BackoffBase   time.Duration `env:"BACKOFF_BASE,default=100ms"`
	BackoffMax    time.Duration `env:"BACKOFF_MAX,default=30s"`
	BackoffJitter float64       `env:"BACKOFF_JITTER,default=0.2"`

	// MetricsAddr enables the metrics endpoint when non-empty
	MetricsAddr string `env:"METRICS_ADDR"`

	LogLevel string `env:"LOG_LEVEL,default=info"`
}

// DefaultTunables returns the values used when no environment overrides exist.
func DefaultTunables() Tunables {
	return Tunables{
		QueueSize:     1024,
		SubmitTimeout: 50 * time.Millisecond,
		BackoffBase:   100 * time.Millisecond,
		BackoffMax:    30 * time.Second,
		BackoffJitter: 0.2,
		LogLevel:      "info",
	}
}

// LoadTunables reads RELAY_* variables from the process environment.
func LoadTunables(ctx context.Context) (Tunables, error) {
	return LoadTunablesFrom(ctx, envconfig.OsLookuper())
}

// LoadTunablesFrom reads tunables through l, applying EnvPrefix.
func LoadTunablesFrom(ctx context.Context, l envconfig.Lookuper) (Tunables, error) {
	var t Tunables
	if err := envconfig.ProcessWith(ctx, &t, envconfig.PrefixLookuper(EnvPrefix, l)); err != nil {
		return Tunables{}, fmt.Errorf("failed to read environment: %w", err)
	}
	if err := t.Validate(); err != nil {
		return Tunables{}, err
	}
	return t, nil
}

// Validate rejects values the runtime cannot work with.
func (t Tunables) Validate() error {
	var errs []error
	if t.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("queue size must be positive, got %d", t.QueueSize))
	}
	if t.SubmitTimeout < 0 {
		errs = append(errs, fmt.Errorf("submit timeout must not be negative, got %v", t.SubmitTimeout))
	}
	if t.BackoffBase <= 0 {
		errs = append(errs, fmt.Errorf("backoff base must be positive, got %v", t.BackoffBase))
	}
	if t.BackoffMax < t.BackoffBase {
		errs = append(errs, fmt.Errorf("backoff max %v is below base %v", t.BackoffMax, t.BackoffBase))
	}
	if t.BackoffJitter < 0 || t.BackoffJitter >= 1 {
		errs = append(errs, fmt.Errorf("backoff jitter must be in [0, 1), got %v", t.BackoffJitter))
	}
	return errors.Join(errs...)
}
