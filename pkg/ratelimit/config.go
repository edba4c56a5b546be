package ratelimit

import (
	"fmt"
	"strings"
	"time"
)

// Policy selects what a caller does when a bucket is short of tokens. It
// never changes token accounting.
type Policy string

const (
	// PolicyStrict rejects on any shortfall.
	PolicyStrict Policy = "strict"
	// PolicyGraceful waits for the shortfall when it is at most MaxWait, then
	// tries once more.
	PolicyGraceful Policy = "graceful"
	// PolicyAdaptive is reserved for load-aware admission and currently
	// behaves as PolicyStrict.
	PolicyAdaptive Policy = "adaptive"
)

// ParsePolicy accepts a policy name in any case. Empty means strict.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyStrict:
		return PolicyStrict, nil
	case PolicyGraceful:
		return PolicyGraceful, nil
	case PolicyAdaptive:
		return PolicyAdaptive, nil
	default:
		return "", fmt.Errorf("unknown rate limit policy %q", s)
	}
}

// Config is the immutable configuration attached to a bucket.
type Config struct {
	RequestsPerSecond float64       `yaml:"requests_per_second" json:"requests_per_second"`
	BurstSize         int           `yaml:"burst_size" json:"burst_size"`
	Policy            Policy        `yaml:"policy" json:"policy"`
	Window            time.Duration `yaml:"window" json:"window"`
	MaxWait           time.Duration `yaml:"max_wait" json:"max_wait"`
}

const (
	DefaultWindow  = 60 * time.Second
	DefaultMaxWait = 500 * time.Millisecond
)

// DefaultConfig is 100 requests per second with a burst of 200.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 100,
		BurstSize:         200,
		Policy:            PolicyGraceful,
		Window:            DefaultWindow,
		MaxWait:           DefaultMaxWait,
	}
}

// WithDefaults fills zero Window and MaxWait and canonicalizes Policy,
// empty meaning strict.
func (c Config) WithDefaults() Config {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.MaxWait <= 0 {
		c.MaxWait = DefaultMaxWait
	}
	if p, err := ParsePolicy(string(c.Policy)); err == nil {
		c.Policy = p
	}
	return c
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.RequestsPerSecond <= 0 {
		return fmt.Errorf("requests_per_second must be positive, got %g", c.RequestsPerSecond)
	}
	if c.BurstSize <= 0 {
		return fmt.Errorf("burst_size must be positive, got %d", c.BurstSize)
	}
	if _, err := ParsePolicy(string(c.Policy)); err != nil {
		return err
	}
	if c.Window < 0 || c.MaxWait < 0 {
		return fmt.Errorf("window and max_wait must not be negative")
	}
	return nil
}

// DefaultEndpointConfigs is the built-in per-endpoint override table, keyed
// by RPC method name.
func DefaultEndpointConfigs() map[string]Config {
	ep := func(rps float64, burst int, p Policy) Config {
		return Config{RequestsPerSecond: rps, BurstSize: burst, Policy: p}.WithDefaults()
	}
	return map[string]Config{
		"RegisterNode":   ep(10, 20, PolicyGraceful),
		"Heartbeat":      ep(100, 200, PolicyGraceful),
		"ListNodes":      ep(50, 100, PolicyStrict),
		"CreateSnapshot": ep(5, 10, PolicyStrict),
		"ListSnapshots":  ep(50, 100, PolicyGraceful),
		"DeleteSnapshot": ep(5, 10, PolicyStrict),
		"PlanMigration":  ep(2, 5, PolicyStrict),
	}
}
