package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	StagingDir string `toml:"staging_dir"`
	LogDir     string `toml:"log_dir"`
}

// Storage contains the object storage backend configuration. Backend selects
// between the S3-compatible backend ("s3") and the local filesystem backend
// ("local"); the choice is explicit rather than a runtime fallback.
type Storage struct {
	Backend            string `toml:"backend"`
	Bucket             string `toml:"bucket"`
	Endpoint           string `toml:"endpoint"`
	Region             string `toml:"region"`
	AccessKeyID        string `toml:"access_key_id"`
	SecretAccessKey    string `toml:"secret_access_key"`
	LocalDir           string `toml:"local_dir"`
	ObjectCeilingBytes int64  `toml:"object_ceiling_bytes"`
	LargeUploadBytes   int64  `toml:"large_upload_bytes"`
}

// Upload contains the resumable upload protocol settings.
type Upload struct {
	MinSessionBytes     int64 `toml:"min_session_bytes"`
	MaxSessionBytes     int64 `toml:"max_session_bytes"`
	ChunkSizeBytes      int64 `toml:"chunk_size_bytes"`
	PartSizeBytes       int64 `toml:"part_size_bytes"`
	SessionTTLHours     int   `toml:"session_ttl_hours"`
	SweepIntervalMins   int   `toml:"sweep_interval_minutes"`
	MinFreeDiskRequired bool  `toml:"require_free_disk"`
}

// Processing contains scheduler settings.
type Processing struct {
	Workers                int `toml:"workers"`
	MediaAverageMinutes    int `toml:"media_average_minutes"`
	DocumentAverageMinutes int `toml:"document_average_minutes"`
	DocumentTimeoutMinutes int `toml:"document_timeout_minutes"`
}

// Transcription contains segmented transcription engine settings.
type Transcription struct {
	WindowSeconds        int    `toml:"window_seconds"`
	SegmentTimeoutSecs   int    `toml:"segment_timeout_seconds"`
	Model                string `toml:"model"`
	Language             string `toml:"language"`
	Deterministic        bool   `toml:"deterministic"`
	WarmupTimeoutSeconds int    `toml:"warmup_timeout_seconds"`
	FFmpegBinary         string `toml:"ffmpeg_binary"`
	FFprobeBinary        string `toml:"ffprobe_binary"`
	WhisperBinary        string `toml:"whisper_binary"`
}

// Embedding contains the chunking/embedding collaborator settings.
type Embedding struct {
	BaseURL      string `toml:"base_url"`
	APIKey       string `toml:"api_key"`
	Model        string `toml:"model"`
	ChunkSize    int    `toml:"chunk_size"`
	ChunkOverlap int    `toml:"chunk_overlap"`
}

// Notifications contains ntfy push notification settings.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	Completed      bool   `toml:"completed"`
	Errors         bool   `toml:"errors"`
}

// Logging contains log output configuration.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for lectern.
type Config struct {
	Paths         Paths         `toml:"paths"`
	Storage       Storage       `toml:"storage"`
	Upload        Upload        `toml:"upload"`
	Processing    Processing    `toml:"processing"`
	Transcription Transcription `toml:"transcription"`
	Embedding     Embedding     `toml:"embedding"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/lectern/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has defaults applied for any omitted values. A missing file is not
// an error; defaults are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	resolved, err := resolveConfigPath(path)
	if err != nil {
		return nil, err
	}

	if resolved != "" {
		data, readErr := os.ReadFile(resolved)
		switch {
		case readErr == nil:
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", resolved, err)
			}
		case errors.Is(readErr, fs.ErrNotExist) && path == "":
			// No config file at the default location; run on defaults.
		default:
			return nil, fmt.Errorf("read config %s: %w", resolved, readErr)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// WriteSample writes the embedded sample configuration to the given path.
func WriteSample(path string) error {
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if _, err := os.Stat(expanded); err == nil {
		return fmt.Errorf("config file already exists at %s", expanded)
	}
	return os.WriteFile(expanded, []byte(sampleConfig), 0o644)
}

// EnsureDirectories creates the directories the daemon needs at runtime.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.StagingDir, c.Paths.LogDir}
	if strings.EqualFold(c.Storage.Backend, "local") && c.Storage.LocalDir != "" {
		dirs = append(dirs, c.Storage.LocalDir)
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

func (c *Config) normalize() error {
	var err error
	if c.Paths.StagingDir, err = expandPath(c.Paths.StagingDir); err != nil {
		return err
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return err
	}
	if c.Storage.LocalDir, err = expandPath(c.Storage.LocalDir); err != nil {
		return err
	}
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	return nil
}

func resolveConfigPath(path string) (string, error) {
	if strings.TrimSpace(path) != "" {
		return expandPath(path)
	}
	return DefaultConfigPath()
}

func expandPath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", nil
	}
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return filepath.Abs(path)
}
