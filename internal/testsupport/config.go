package testsupport

import (
	"path/filepath"
	"testing"

	"lectern/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.StagingDir = filepath.Join(base, "staging")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Storage.Backend = "local"
	cfgVal.Storage.LocalDir = filepath.Join(base, "objects")
	cfgVal.Upload.MinFreeDiskRequired = false

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithObjectCeiling overrides the per-object size ceiling on the test config.
func WithObjectCeiling(bytes int64) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Storage.ObjectCeilingBytes = bytes
	}
}

// WithPartSize overrides the manifest part size on the test config.
func WithPartSize(bytes int64) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Upload.PartSizeBytes = bytes
	}
}

// WithWorkers overrides the scheduler worker count on the test config.
func WithWorkers(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Processing.Workers = n
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StagingDir)
}
