// Package background drives periodic mailbox processing: a scheduler with
// per-account gating, bounded parallelism and retry backoff, a retention
// compactor, and a message-passing control plane.
package background

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"
)

// Config holds the scheduler and retry knobs, populated from the
// BACKGROUND_* environment variables.
type Config struct {
	Enabled               bool
	GlobalInterval        time.Duration
	PerAccountInterval    time.Duration
	MaxConcurrentAccounts int

	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	RetryMultiplier   float64

	MaxEmailsPerRun   int
	MaxProcessingTime time.Duration
	MaxEmailAge       time.Duration

	RetentionInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Enabled:               true,
		GlobalInterval:        15 * time.Minute,
		PerAccountInterval:    30 * time.Minute,
		MaxConcurrentAccounts: 3,
		RetryMaxAttempts:      3,
		RetryInitialDelay:     30 * time.Second,
		RetryMaxDelay:         300 * time.Second,
		RetryMultiplier:       2.0,
		MaxEmailsPerRun:       100,
		MaxProcessingTime:     300 * time.Second,
		MaxEmailAge:           7 * 24 * time.Hour,
		RetentionInterval:     24 * time.Hour,
	}
}

// ConfigFromEnv reads the recognized BACKGROUND_* variables on top of the
// defaults. A set-but-unparseable variable is an error; configuration typos
// should refuse startup instead of silently running with defaults.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	var err error

	if cfg.Enabled, err = envBool("BACKGROUND_PROCESSING_ENABLED", cfg.Enabled); err != nil {
		return cfg, err
	}
	if cfg.GlobalInterval, err = envMinutes("BACKGROUND_GLOBAL_INTERVAL_MINUTES", cfg.GlobalInterval); err != nil {
		return cfg, err
	}
	if cfg.PerAccountInterval, err = envMinutes("BACKGROUND_PER_ACCOUNT_INTERVAL_MINUTES", cfg.PerAccountInterval); err != nil {
		return cfg, err
	}
	if cfg.MaxConcurrentAccounts, err = envInt("BACKGROUND_MAX_CONCURRENT_ACCOUNTS", cfg.MaxConcurrentAccounts); err != nil {
		return cfg, err
	}
	if cfg.RetryMaxAttempts, err = envInt("BACKGROUND_RETRY_MAX_ATTEMPTS", cfg.RetryMaxAttempts); err != nil {
		return cfg, err
	}
	if cfg.RetryInitialDelay, err = envSeconds("BACKGROUND_RETRY_INITIAL_DELAY_SECONDS", cfg.RetryInitialDelay); err != nil {
		return cfg, err
	}
	if cfg.MaxEmailsPerRun, err = envInt("BACKGROUND_MAX_EMAILS_PER_RUN", cfg.MaxEmailsPerRun); err != nil {
		return cfg, err
	}
	if cfg.MaxProcessingTime, err = envSeconds("BACKGROUND_MAX_PROCESSING_TIME_SECONDS", cfg.MaxProcessingTime); err != nil {
		return cfg, err
	}
	if days, err := envInt("BACKGROUND_MAX_EMAIL_AGE_DAYS", int(cfg.MaxEmailAge/(24*time.Hour))); err != nil {
		return cfg, err
	} else {
		cfg.MaxEmailAge = time.Duration(days) * 24 * time.Hour
	}
	return cfg, nil
}

// Validate refuses configurations the scheduler cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.GlobalInterval <= 0 {
		errs = append(errs, errors.New("global interval must be greater than zero"))
	}
	if c.PerAccountInterval <= 0 {
		errs = append(errs, errors.New("per-account interval must be greater than zero"))
	}
	if c.MaxConcurrentAccounts <= 0 {
		errs = append(errs, errors.New("max concurrent accounts must be greater than zero"))
	}
	if c.RetryMaxAttempts < 1 {
		errs = append(errs, errors.New("retry max attempts must be at least 1"))
	}
	if c.RetryInitialDelay <= 0 {
		errs = append(errs, errors.New("retry initial delay must be greater than zero"))
	}
	if c.RetryMaxDelay < c.RetryInitialDelay {
		errs = append(errs, errors.New("retry max delay must not be below the initial delay"))
	}
	if c.RetryMultiplier <= 1 {
		errs = append(errs, errors.New("retry backoff multiplier must be greater than 1"))
	}
	if c.MaxEmailsPerRun <= 0 {
		errs = append(errs, errors.New("max emails per run must be greater than zero"))
	}
	if c.MaxProcessingTime <= 0 {
		errs = append(errs, errors.New("max processing time must be greater than zero"))
	}
	return errors.Join(errs...)
}

// Backoff returns the delay before retry number retry (0-based), capped at
// RetryMaxDelay.
func (c *Config) Backoff(retry int) time.Duration {
	d := time.Duration(float64(c.RetryInitialDelay) * math.Pow(c.RetryMultiplier, float64(retry)))
	if d > c.RetryMaxDelay || d <= 0 {
		d = c.RetryMaxDelay
	}
	return d
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return n, nil
}

func envBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("%s: invalid boolean %q", key, v)
	}
	return b, nil
}

func envMinutes(key string, def time.Duration) (time.Duration, error) {
	n, err := envInt(key, int(def/time.Minute))
	return time.Duration(n) * time.Minute, err
}

func envSeconds(key string, def time.Duration) (time.Duration, error) {
	n, err := envInt(key, int(def/time.Second))
	return time.Duration(n) * time.Second, err
}
