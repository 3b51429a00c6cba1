/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package dispatch

import (
	"errors"
	"fmt"
	"time"

	"github.com/acronis/go-appkit/config"
	"github.com/acronis/go-appkit/retry"

	"github.com/acronis/go-fetchkit/ratelimit"
	"github.com/acronis/go-fetchkit/retrypolicy"
)

// Default parameter values for Config.
const (
	DefaultRateLimit             = 5
	DefaultRateLimitInterval     = time.Second
	DefaultMaxConcurrentRequests = 1
	DefaultTimeout               = 10 * time.Second
	DefaultErrorStrategy         = ErrorStrategyLogAndContinue
)

// Configuration properties.
const (
	cfgKeyRateLimitLimit         = "rateLimit.limit"
	cfgKeyRateLimitInterval      = "rateLimit.interval"
	cfgKeyRateLimitAlg           = "rateLimit.alg"
	cfgKeyRateLimitBurst         = "rateLimit.burst"
	cfgKeyRateLimitMaxKeys       = "rateLimit.maxKeys"
	cfgKeyMaxConcurrentRequests  = "maxConcurrentRequests"
	cfgKeyTimeout                = "timeout"
	cfgKeyRetriesMaxAttempts     = "retries.maxAttempts"
	cfgKeyRetriesInitialInterval = "retries.backoffInitialInterval"
	cfgKeyRetriesMaxInterval     = "retries.backoffMaxInterval"
	cfgKeyRetriesMultiplier      = "retries.backoffMultiplier"
	cfgKeyErrorStrategy          = "errorStrategy"
)

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// RateLimitConfig represents configuration options for the dispatch rate limit.
type RateLimitConfig struct {
	// Limit is the maximum number of attempts that may start per Interval. Must be positive.
	Limit int `mapstructure:"limit"`

	// Interval is the length of the rate limiting window.
	Interval time.Duration `mapstructure:"interval"`

	// Alg is a rate limiting algorithm: [fixed_window, token_bucket, sliding_window, leaky_bucket].
	// Empty means fixed_window.
	Alg string `mapstructure:"alg"`

	// Burst allows temporary spikes in request rate (token_bucket and leaky_bucket only).
	Burst int `mapstructure:"burst"`

	// MaxKeys is the maximum number of per-key limiter states kept when requests are
	// rate-limited per key (e.g. per API key or per host). Zero means a single shared state.
	MaxKeys int `mapstructure:"maxKeys"`
}

// Set is part of config interface implementation.
func (c *RateLimitConfig) Set(dp config.DataProvider) error {
	limit, err := dp.GetInt(cfgKeyRateLimitLimit)
	if err != nil {
		return err
	}
	if limit <= 0 {
		return errors.New("rate limit must be positive")
	}
	c.Limit = limit

	interval, err := dp.GetDuration(cfgKeyRateLimitInterval)
	if err != nil {
		return err
	}
	if interval <= 0 {
		return errors.New("rate limit interval must be positive")
	}
	c.Interval = interval

	alg, err := dp.GetString(cfgKeyRateLimitAlg)
	if err != nil {
		return err
	}
	switch alg {
	case "", ratelimit.AlgFixedWindow, ratelimit.AlgTokenBucket, ratelimit.AlgSlidingWindow, ratelimit.AlgLeakyBucket:
	default:
		return fmt.Errorf("unknown rate limit alg %q, should be one of: [%s, %s, %s, %s]",
			alg, ratelimit.AlgFixedWindow, ratelimit.AlgTokenBucket, ratelimit.AlgSlidingWindow, ratelimit.AlgLeakyBucket)
	}
	c.Alg = alg

	burst, err := dp.GetInt(cfgKeyRateLimitBurst)
	if err != nil {
		return err
	}
	if burst < 0 {
		return errors.New("rate limit burst must not be negative")
	}
	c.Burst = burst

	maxKeys, err := dp.GetInt(cfgKeyRateLimitMaxKeys)
	if err != nil {
		return err
	}
	if maxKeys < 0 {
		return errors.New("rate limit max keys must not be negative")
	}
	c.MaxKeys = maxKeys

	return nil
}

// SetProviderDefaults is part of config interface implementation.
func (c *RateLimitConfig) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyRateLimitLimit, DefaultRateLimit)
	dp.SetDefault(cfgKeyRateLimitInterval, DefaultRateLimitInterval.String())
	dp.SetDefault(cfgKeyRateLimitAlg, ratelimit.DefaultAlg)
}

// Rate returns the configured rate.
func (c *RateLimitConfig) Rate() ratelimit.Rate {
	return ratelimit.Rate{Count: c.Limit, Duration: c.Interval}
}

// RetriesConfig represents configuration options for the dispatch retry policy.
type RetriesConfig struct {
	// MaxAttempts is the maximum number of retry attempts beyond the first one. Zero disables retries.
	MaxAttempts int `mapstructure:"maxAttempts"`

	// BackoffInitialInterval is the base delay before the first retry.
	BackoffInitialInterval time.Duration `mapstructure:"backoffInitialInterval"`

	// BackoffMaxInterval caps the exponentially grown delay.
	BackoffMaxInterval time.Duration `mapstructure:"backoffMaxInterval"`

	// BackoffMultiplier is the exponential growth factor.
	BackoffMultiplier float64 `mapstructure:"backoffMultiplier"`
}

// Set is part of config interface implementation.
func (c *RetriesConfig) Set(dp config.DataProvider) error {
	maxAttempts, err := dp.GetInt(cfgKeyRetriesMaxAttempts)
	if err != nil {
		return err
	}
	if maxAttempts < 0 {
		return errors.New("max retry attempts must not be negative")
	}
	c.MaxAttempts = maxAttempts

	initialInterval, err := dp.GetDuration(cfgKeyRetriesInitialInterval)
	if err != nil {
		return err
	}
	if initialInterval < 0 {
		return errors.New("backoff initial interval must not be negative")
	}
	c.BackoffInitialInterval = initialInterval

	maxInterval, err := dp.GetDuration(cfgKeyRetriesMaxInterval)
	if err != nil {
		return err
	}
	if maxInterval < 0 {
		return errors.New("backoff max interval must not be negative")
	}
	c.BackoffMaxInterval = maxInterval

	multiplier, err := dp.GetFloat64(cfgKeyRetriesMultiplier)
	if err != nil {
		return err
	}
	if multiplier <= 1 {
		return errors.New("backoff multiplier must be greater than 1")
	}
	c.BackoffMultiplier = multiplier

	return nil
}

// SetProviderDefaults is part of config interface implementation.
func (c *RetriesConfig) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyRetriesMaxAttempts, retrypolicy.DefaultMaxRetryAttempts)
	dp.SetDefault(cfgKeyRetriesInitialInterval, retrypolicy.DefaultBackoffInitialInterval.String())
	dp.SetDefault(cfgKeyRetriesMaxInterval, retrypolicy.DefaultBackoffMaxInterval.String())
	dp.SetDefault(cfgKeyRetriesMultiplier, float64(retrypolicy.DefaultBackoffMultiplier))
}

// GetPolicy returns a backoff policy built from the configured parameters.
func (c *RetriesConfig) GetPolicy() retry.Policy {
	return retrypolicy.NewExponentialBackoffPolicy(
		c.BackoffInitialInterval,
		c.BackoffMaxInterval,
		c.BackoffMultiplier,
		retrypolicy.DefaultBackoffRandomizationFactor,
	)
}

// Config represents options for dispatcher configuration.
type Config struct {
	// RateLimit caps how many attempts may start per interval.
	RateLimit RateLimitConfig `mapstructure:"rateLimit"`

	// MaxConcurrentRequests bounds the number of requests in flight simultaneously. Must be >= 1.
	MaxConcurrentRequests int `mapstructure:"maxConcurrentRequests"`

	// Timeout is the wall-clock deadline of a single attempt.
	Timeout time.Duration `mapstructure:"timeout"`

	// Retries is a configuration for the retry policy.
	Retries RetriesConfig `mapstructure:"retries"`

	// ErrorStrategy determines how terminal failures are handled: [propagate, logAndContinue, logAndStop].
	ErrorStrategy ErrorStrategy `mapstructure:"errorStrategy"`

	// keyPrefix is a prefix for configuration parameters.
	keyPrefix string
}

// NewConfig creates a new instance of the Config.
func NewConfig() *Config {
	return NewConfigWithKeyPrefix("")
}

// NewConfigWithKeyPrefix creates a new instance of the Config.
// Allows specifying key prefix which will be used for parsing configuration parameters.
func NewConfigWithKeyPrefix(keyPrefix string) *Config {
	return &Config{keyPrefix: keyPrefix}
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
func (c *Config) KeyPrefix() string {
	return c.keyPrefix
}

// Set is part of config interface implementation.
func (c *Config) Set(dp config.DataProvider) error {
	dp = config.NewKeyPrefixedDataProvider(dp, c.keyPrefix)

	maxConcurrent, err := dp.GetInt(cfgKeyMaxConcurrentRequests)
	if err != nil {
		return err
	}
	if maxConcurrent < 1 {
		return errors.New("max concurrent requests must be >= 1")
	}
	c.MaxConcurrentRequests = maxConcurrent

	timeout, err := dp.GetDuration(cfgKeyTimeout)
	if err != nil {
		return err
	}
	if timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	c.Timeout = timeout

	errorStrategy, err := dp.GetString(cfgKeyErrorStrategy)
	if err != nil {
		return err
	}
	if !ErrorStrategy(errorStrategy).IsValid() {
		return fmt.Errorf("unknown error strategy %q, should be one of: [%s, %s, %s]",
			errorStrategy, ErrorStrategyPropagate, ErrorStrategyLogAndContinue, ErrorStrategyLogAndStop)
	}
	c.ErrorStrategy = ErrorStrategy(errorStrategy)

	if err = c.RateLimit.Set(dp); err != nil {
		return err
	}
	return c.Retries.Set(dp)
}

// SetProviderDefaults is part of config interface implementation.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp = config.NewKeyPrefixedDataProvider(dp, c.keyPrefix)
	dp.SetDefault(cfgKeyMaxConcurrentRequests, DefaultMaxConcurrentRequests)
	dp.SetDefault(cfgKeyTimeout, DefaultTimeout.String())
	dp.SetDefault(cfgKeyErrorStrategy, string(DefaultErrorStrategy))
	c.RateLimit.SetProviderDefaults(dp)
	c.Retries.SetProviderDefaults(dp)
}
