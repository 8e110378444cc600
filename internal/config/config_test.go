package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tern-data/tern/internal/config"
	"github.com/tern-data/tern/internal/domain"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tern.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalYAML = `
api:
  base_url: http://extractor:9000
s3:
  endpoint: minio:9000
  buckets:
    - name: acme-retail
      bucket: acme-docs
      prefix: incoming/
      tenant: acme
      purchaser: retail
`

func TestLoad_MinimalWithDefaults(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "http://extractor:9000", cfg.API.BaseURL)
	assert.Equal(t, 4, cfg.Run.Concurrency)
	assert.Equal(t, 2, cfg.Run.MaxRetries)
	assert.Equal(t, "tern.db", cfg.Run.CheckpointPath)
	assert.Equal(t, "staging", cfg.S3.StagingDir)
	assert.True(t, cfg.Run.SkipCompleted)
	assert.True(t, cfg.ResumeCapable(domain.CasePipe))
	assert.True(t, cfg.ResumeCapable(domain.CaseExtract))
	assert.False(t, cfg.ResumeCapable(domain.CaseSync))
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing base url", `
s3:
  buckets:
    - {bucket: b, tenant: t, purchaser: p}
`, "base_url"},
		{"no buckets", `
api: {base_url: http://x}
`, "buckets"},
		{"incomplete bucket", `
api: {base_url: http://x}
s3:
  buckets:
    - {bucket: b, tenant: t}
`, "purchaser"},
		{"bad resume case", `
api: {base_url: http://x}
s3:
  buckets:
    - {bucket: b, tenant: t, purchaser: p}
run:
  concurrency: 2
  resume_cases: [PIPE, BOGUS]
`, "BOGUS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestBucketsForScope(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.S3.Buckets = []config.BucketConfig{
		{Bucket: "b1", Tenant: "acme", Purchaser: "retail"},
		{Bucket: "b2", Tenant: "acme", Purchaser: "web"},
		{Bucket: "b3", Tenant: "globex", Purchaser: "retail"},
	}

	// Empty scope selects everything.
	assert.Len(t, cfg.BucketsForScope(domain.RunParams{}), 3)

	// Tenant only.
	got := cfg.BucketsForScope(domain.RunParams{Tenant: "acme"})
	require.Len(t, got, 2)

	// Tenant plus purchaser.
	got = cfg.BucketsForScope(domain.RunParams{Tenant: "acme", Purchaser: "web"})
	require.Len(t, got, 1)
	assert.Equal(t, "b2", got[0].Bucket)

	// Explicit pairs win; empty purchaser in a pair is a brand wildcard.
	got = cfg.BucketsForScope(domain.RunParams{
		Tenant: "globex", // ignored in favour of pairs
		Pairs:  []domain.Pair{{Tenant: "acme"}},
	})
	assert.Len(t, got, 2)
}

func TestPurchasersByBrand(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.S3.Buckets = []config.BucketConfig{
		{Bucket: "b1", Tenant: "acme", Purchaser: "retail"},
		{Bucket: "b2", Tenant: "acme", Purchaser: "web"},
		{Bucket: "b3", Tenant: "globex", Purchaser: "retail"},
	}
	m := cfg.PurchasersByBrand()
	assert.ElementsMatch(t, []string{"retail", "web"}, m["acme"])
	assert.Equal(t, []string{"retail"}, m["globex"])
}

func TestResolvePath_EnvWins(t *testing.T) {
	t.Setenv("TERN_CONFIG", "/etc/tern/tern.yaml")
	assert.Equal(t, "/etc/tern/tern.yaml", config.ResolvePath())
}
