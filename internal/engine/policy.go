package engine

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy carries the tunable constants of the sync engine.
//
// The defaults mirror observed-good values, but none of them is
// load-bearing: operators can override any of them from a YAML file and
// should validate against real usage data.
type Policy struct {
	// BatchSize is how many operations one batch drains.
	BatchSize int

	// InterBatchPause bounds burst load on the remote repository.
	InterBatchPause time.Duration

	// MaxRetries is the attempt cap before an operation fails terminally.
	MaxRetries int

	// BaseDelay seeds the exponential backoff.
	BaseDelay time.Duration

	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration

	// JitterMax bounds the random offset added to each delay.
	JitterMax time.Duration

	// RateLimitDelay is the longer fixed delay used when the remote is
	// rate limiting, instead of the exponential schedule.
	RateLimitDelay time.Duration

	// ConfidenceGap is the confidence difference above which the
	// higher-confidence side wins a conflict outright.
	ConfidenceGap float64

	// RemoteTimeout bounds each remote repository call.
	RemoteTimeout time.Duration

	// EnqueueMinInterval is the per-entity minimum spacing between queued
	// mutations. Zero disables throttling.
	EnqueueMinInterval time.Duration
}

// DefaultPolicy returns the standard tuning.
func DefaultPolicy() Policy {
	return Policy{
		BatchSize:       10,
		InterBatchPause: 200 * time.Millisecond,
		MaxRetries:      5,
		BaseDelay:       1 * time.Second,
		MaxDelay:        2 * time.Minute,
		JitterMax:       1 * time.Second,
		RateLimitDelay:  30 * time.Second,
		ConfidenceGap:   0.2,
		RemoteTimeout:   15 * time.Second,
	}
}

// policyFile is the YAML shape of a policy override file. Durations are
// Go duration strings ("200ms", "1m30s"). Zero values keep the default.
type policyFile struct {
	BatchSize       int     `yaml:"batch_size"`
	InterBatchPause string  `yaml:"inter_batch_pause"`
	MaxRetries      int     `yaml:"max_retries"`
	BaseDelay       string  `yaml:"base_delay"`
	MaxDelay        string  `yaml:"max_delay"`
	JitterMax       string  `yaml:"jitter_max"`
	RateLimitDelay  string  `yaml:"rate_limit_delay"`
	ConfidenceGap   float64 `yaml:"confidence_gap"`
	RemoteTimeout   string  `yaml:"remote_timeout"`

	EnqueueMinInterval string `yaml:"enqueue_min_interval"`
}

// LoadPolicy reads a YAML policy file over the defaults.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("load policy: %w", err)
	}

	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return Policy{}, fmt.Errorf("load policy %s: %w", path, err)
	}

	p := DefaultPolicy()
	if pf.BatchSize > 0 {
		p.BatchSize = pf.BatchSize
	}
	if pf.MaxRetries > 0 {
		p.MaxRetries = pf.MaxRetries
	}
	if pf.ConfidenceGap > 0 {
		p.ConfidenceGap = pf.ConfidenceGap
	}

	for _, d := range []struct {
		raw  string
		dest *time.Duration
		name string
	}{
		{pf.InterBatchPause, &p.InterBatchPause, "inter_batch_pause"},
		{pf.BaseDelay, &p.BaseDelay, "base_delay"},
		{pf.MaxDelay, &p.MaxDelay, "max_delay"},
		{pf.JitterMax, &p.JitterMax, "jitter_max"},
		{pf.RateLimitDelay, &p.RateLimitDelay, "rate_limit_delay"},
		{pf.RemoteTimeout, &p.RemoteTimeout, "remote_timeout"},
		{pf.EnqueueMinInterval, &p.EnqueueMinInterval, "enqueue_min_interval"},
	} {
		if d.raw == "" {
			continue
		}
		dur, err := time.ParseDuration(d.raw)
		if err != nil {
			return Policy{}, fmt.Errorf("load policy %s: %s: %w", path, d.name, err)
		}
		*d.dest = dur
	}

	return p, nil
}
