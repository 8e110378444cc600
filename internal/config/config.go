// Package config handles loading and validating the tern.yaml configuration.
// The daemon runs with sensible defaults for everything except the extraction
// API base URL and at least one bucket.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tern-data/tern/internal/domain"
)

// Config is the top-level tern.yaml configuration.
type Config struct {
	API APIConfig `yaml:"api"`
	S3  S3Config  `yaml:"s3"`
	Run RunConfig `yaml:"run"`
}

// APIConfig configures the extraction API client.
type APIConfig struct {
	BaseURL   string `yaml:"base_url"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

// Timeout returns the request timeout as a duration (default 60s).
func (a APIConfig) Timeout() time.Duration {
	if a.TimeoutMs <= 0 {
		return 60 * time.Second
	}
	return time.Duration(a.TimeoutMs) * time.Millisecond
}

// BucketConfig describes one remote object-store prefix to mirror into
// staging. Tenant doubles as the brand directory name.
type BucketConfig struct {
	Name      string `yaml:"name"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Tenant    string `yaml:"tenant"`
	Purchaser string `yaml:"purchaser"`
}

// S3Config configures the object-store connection and the staging tree.
type S3Config struct {
	Endpoint   string         `yaml:"endpoint"`
	AccessKey  string         `yaml:"access_key"`
	SecretKey  string         `yaml:"secret_key"`
	UseSSL     bool           `yaml:"use_ssl"`
	Region     string         `yaml:"region"`
	StagingDir string         `yaml:"staging_dir"`
	SyncLimit  int            `yaml:"sync_limit"`
	Buckets    []BucketConfig `yaml:"buckets"`
}

// RunConfig configures the extraction worker pool and checkpointing.
type RunConfig struct {
	Concurrency       int      `yaml:"concurrency"`
	RequestsPerSecond int      `yaml:"requests_per_second"`
	MaxRetries        int      `yaml:"max_retries"`
	RetryBackoffMs    int      `yaml:"retry_backoff_ms"`
	CheckpointPath    string   `yaml:"checkpoint_path"`
	SkipCompleted     bool     `yaml:"skip_completed"`
	ResumeCases       []string `yaml:"resume_cases"`
}

// DefaultConfig returns defaults for everything that has a safe default.
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{TimeoutMs: 60_000},
		S3:  S3Config{StagingDir: "staging", Region: "us-east-1"},
		Run: RunConfig{
			Concurrency:    4,
			MaxRetries:     2,
			RetryBackoffMs: 1000,
			CheckpointPath: "tern.db",
			SkipCompleted:  true,
			ResumeCases:    []string{string(domain.CasePipe), string(domain.CaseExtract)},
		},
	}
}

// Load parses a tern.yaml file over the defaults and validates it.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return nil, fmt.Errorf("config path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolvePath finds the config file path.
// Priority: TERN_CONFIG env var > ./tern.yaml > "" (defaults only).
func ResolvePath() string {
	if p := os.Getenv("TERN_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("tern.yaml"); err == nil {
		return "tern.yaml"
	}
	return ""
}

// ResumeCapable reports whether interrupted runs of the given case persist a
// reusable RunState.
func (c *Config) ResumeCapable(caseID domain.CaseID) bool {
	for _, rc := range c.Run.ResumeCases {
		if rc == string(caseID) {
			return true
		}
	}
	return false
}

// BucketsForScope resolves bucket configs for a run scope. An explicit pair
// list wins over (tenant, purchaser); an empty scope selects every bucket.
func (c *Config) BucketsForScope(params domain.RunParams) []BucketConfig {
	if len(params.Pairs) > 0 {
		var out []BucketConfig
		for _, p := range params.Pairs {
			for _, b := range c.S3.Buckets {
				if b.Tenant == p.Tenant && (p.Purchaser == "" || b.Purchaser == p.Purchaser) {
					out = append(out, b)
				}
			}
		}
		return out
	}
	if params.Tenant == "" {
		return c.S3.Buckets
	}
	var out []BucketConfig
	for _, b := range c.S3.Buckets {
		if b.Tenant == params.Tenant && (params.Purchaser == "" || b.Purchaser == params.Purchaser) {
			out = append(out, b)
		}
	}
	return out
}

// PurchasersByBrand builds the brand → purchasers map the dispatcher uses to
// expand schedule scopes into pair lists.
func (c *Config) PurchasersByBrand() map[string][]string {
	m := map[string][]string{}
	for _, b := range c.S3.Buckets {
		m[b.Tenant] = append(m[b.Tenant], b.Purchaser)
	}
	return m
}

// validate checks required fields and bounds.
func (c *Config) validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if len(c.S3.Buckets) == 0 {
		return fmt.Errorf("s3.buckets must list at least one bucket")
	}
	for i, b := range c.S3.Buckets {
		if b.Bucket == "" || b.Tenant == "" || b.Purchaser == "" {
			return fmt.Errorf("s3.buckets[%d]: bucket, tenant, and purchaser are required", i)
		}
	}
	if c.Run.Concurrency < 1 {
		return fmt.Errorf("run.concurrency must be >= 1")
	}
	if c.Run.RequestsPerSecond < 0 {
		return fmt.Errorf("run.requests_per_second must be >= 0")
	}
	for _, rc := range c.Run.ResumeCases {
		if !domain.ValidCase(rc) {
			return fmt.Errorf("run.resume_cases: unknown case %q", rc)
		}
	}
	return nil
}
