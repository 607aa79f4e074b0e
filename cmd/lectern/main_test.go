package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"lectern/internal/config"
	"lectern/internal/services"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.StagingDir = filepath.Join(base, "staging")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Storage.Backend = "local"
	cfg.Storage.LocalDir = filepath.Join(base, "objects")
	cfg.Upload.MinFreeDiskRequired = false

	data, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	path := filepath.Join(base, "config.toml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func runCLI(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCommand()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(append([]string{"--config", configPath}, args...))
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func requireContains(t *testing.T, output, want string) {
	t.Helper()
	if !strings.Contains(output, want) {
		t.Fatalf("output %q does not contain %q", output, want)
	}
}

func TestConfigValidate(t *testing.T) {
	configPath := writeTestConfig(t)

	out, err := runCLI(t, configPath, "config", "validate")
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	requireContains(t, out, "Configuration valid")
}

func TestConfigInit(t *testing.T) {
	configPath := writeTestConfig(t)
	target := filepath.Join(t.TempDir(), "config.toml")

	out, err := runCLI(t, configPath, "config", "init", "--path", target)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected config file at %s: %v", target, err)
	}
}

func TestDocumentsListEmpty(t *testing.T) {
	configPath := writeTestConfig(t)

	out, err := runCLI(t, configPath, "documents", "list")
	if err != nil {
		t.Fatalf("documents list: %v", err)
	}
	requireContains(t, out, "no documents")
}

func TestAddQueuesDocument(t *testing.T) {
	configPath := writeTestConfig(t)

	pdfPath := filepath.Join(t.TempDir(), "sample.pdf")
	if err := os.WriteFile(pdfPath, []byte("%PDF-stub"), 0o644); err != nil {
		t.Fatalf("write sample: %v", err)
	}

	out, err := runCLI(t, configPath, "add", pdfPath, "--user", "tester")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	requireContains(t, out, "queued sample.pdf")

	out, err = runCLI(t, configPath, "documents", "list", "--user", "tester")
	if err != nil {
		t.Fatalf("documents list: %v", err)
	}
	requireContains(t, out, "sample.pdf")
	requireContains(t, out, "queued")
}

func TestAddRejectsUnknownExtension(t *testing.T) {
	configPath := writeTestConfig(t)

	zipPath := filepath.Join(t.TempDir(), "archive.zip")
	if err := os.WriteFile(zipPath, []byte("zip"), 0o644); err != nil {
		t.Fatalf("write sample: %v", err)
	}

	if _, err := runCLI(t, configPath, "add", zipPath); !errors.Is(err, services.ErrUnsupportedType) {
		t.Fatalf("error = %v, want unsupported type", err)
	}
}

func TestStatusRuns(t *testing.T) {
	configPath := writeTestConfig(t)

	out, err := runCLI(t, configPath, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "Documents")
	requireContains(t, out, "Dependencies")
}
