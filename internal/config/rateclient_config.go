package config

import "time"

// RateClientRetryConfig groups the secondary-limit retry tuning (retry count
// and wait ceiling) into one value. ghclient.NewClient does not use it; it
// reads Config.RateClientMaxRetries and Config.RateClientMaxWait directly.
type RateClientRetryConfig struct {
	MaxRetries int
	MaxWait    time.Duration
}

// GetRateClientRetryConfig returns retry tuning for the current environment:
// in the test environment the wait ceiling is 50ms, otherwise it is
// RateClientMaxWait.
func (c Config) GetRateClientRetryConfig() RateClientRetryConfig {
	if c.IsTest() {
		return RateClientRetryConfig{MaxRetries: c.RateClientMaxRetries, MaxWait: 50 * time.Millisecond}
	}
	return RateClientRetryConfig{MaxRetries: c.RateClientMaxRetries, MaxWait: c.RateClientMaxWait}
}
