package main

import (
	"context"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"lectern/internal/config"
	"lectern/internal/documents"
	"lectern/internal/logging"
	"lectern/internal/pipeline"
	"lectern/internal/storage"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// withStore opens the document store for the duration of fn.
func (c *commandContext) withStore(fn func(*config.Config, *documents.Store) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	store, err := documents.Open(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(cfg, store)
}

// withPipeline builds an unstarted pipeline for command-side operations like
// submitting and deleting documents. The running daemon picks queued work up
// from the shared database.
func (c *commandContext) withPipeline(ctx context.Context, fn func(*config.Config, *documents.Store, storage.Backend, *pipeline.Pipeline) error) error {
	return c.withStore(func(cfg *config.Config, store *documents.Store) error {
		backend, err := storage.NewBackend(ctx, cfg.Storage)
		if err != nil {
			return err
		}
		pipe := pipeline.New(cfg, store, backend, nil, nil, nil, logging.NewNop())
		return fn(cfg, store, backend, pipe)
	})
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
