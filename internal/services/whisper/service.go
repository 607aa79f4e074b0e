// Package whisper wraps the whisper CLI for speech-to-text.
package whisper

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Config controls how the whisper binary is invoked.
type Config struct {
	// Binary is the whisper executable name or path.
	Binary string
	// FFmpegBinary is used for audio extraction ahead of transcription.
	FFmpegBinary string
	// Model selects the whisper model size.
	Model string
	// Language pins the transcription language; empty lets whisper detect.
	Language string
	// Deterministic disables sampling so repeated runs give identical text.
	Deterministic bool
}

const (
	defaultBinary = "whisper"
	defaultFFmpeg = "ffmpeg"
	defaultModel  = "base"
)

// Service provides whisper transcription over extracted WAV audio.
type Service struct {
	cfg           Config
	commandRunner func(ctx context.Context, name string, args ...string) error
}

// NewService creates a whisper service with the given configuration.
func NewService(cfg Config) *Service {
	if cfg.Binary == "" {
		cfg.Binary = defaultBinary
	}
	if cfg.FFmpegBinary == "" {
		cfg.FFmpegBinary = defaultFFmpeg
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	return &Service{cfg: cfg}
}

// WithCommandRunner sets a custom command runner (for testing).
func (s *Service) WithCommandRunner(runner func(ctx context.Context, name string, args ...string) error) {
	s.commandRunner = runner
}

// Model returns the configured model name for logging.
func (s *Service) Model() string {
	return s.cfg.Model
}

// run executes a command, using the custom runner if set.
func (s *Service) run(ctx context.Context, name string, args ...string) error {
	if s.commandRunner != nil {
		return s.commandRunner(ctx, name, args...)
	}
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(output)))
	}
	return nil
}

// ExtractSegment extracts a time-range of audio from a source file as mono
// 16kHz PCM WAV, the input format whisper handles best.
func (s *Service) ExtractSegment(ctx context.Context, source string, startSec, durationSec int, dest string) error {
	if durationSec <= 0 {
		return fmt.Errorf("extract segment: invalid duration %d", durationSec)
	}
	args := []string{
		"-y",
		"-hide_banner",
		"-loglevel", "error",
		"-ss", fmt.Sprintf("%d", startSec),
		"-t", fmt.Sprintf("%d", durationSec),
		"-i", source,
		"-vn",
		"-sn",
		"-dn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		dest,
	}
	if err := s.run(ctx, s.cfg.FFmpegBinary, args...); err != nil {
		return fmt.Errorf("ffmpeg extract segment: %w", err)
	}
	return nil
}

// TranscribeFile transcribes a WAV file and returns the text. outputDir is
// where whisper writes its JSON output.
func (s *Service) TranscribeFile(ctx context.Context, source, outputDir string) (string, error) {
	if source == "" {
		return "", fmt.Errorf("transcribe: source path required")
	}
	if outputDir == "" {
		outputDir = filepath.Dir(source)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("transcribe: ensure output dir: %w", err)
	}

	if err := s.run(ctx, s.cfg.Binary, s.buildArgs(source, outputDir)...); err != nil {
		return "", fmt.Errorf("whisper: %w", err)
	}

	baseName := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	jsonPath := filepath.Join(outputDir, baseName+".json")
	return loadTranscriptText(jsonPath)
}

func (s *Service) buildArgs(source, outputDir string) []string {
	args := []string{
		source,
		"--model", s.cfg.Model,
		"--output_dir", outputDir,
		"--output_format", "json",
		"--fp16", "False",
	}
	if s.cfg.Language != "" {
		args = append(args, "--language", s.cfg.Language)
	}
	if s.cfg.Deterministic {
		// Greedy decoding; no temperature fallback ladder.
		args = append(args, "--temperature", "0", "--best_of", "1", "--beam_size", "1")
	}
	return args
}

// Warmup forces the speech model to load by transcribing one second of
// generated silence. The first real transcription after a cold start
// otherwise pays the model load on a caller's clock.
func (s *Service) Warmup(ctx context.Context) error {
	workDir, err := os.MkdirTemp("", "whisper-warmup-")
	if err != nil {
		return fmt.Errorf("warmup: create temp dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	silence := filepath.Join(workDir, "silence.wav")
	args := []string{
		"-y",
		"-hide_banner",
		"-loglevel", "error",
		"-f", "lavfi",
		"-i", "anullsrc=r=16000:cl=mono",
		"-t", "1",
		"-c:a", "pcm_s16le",
		silence,
	}
	if err := s.run(ctx, s.cfg.FFmpegBinary, args...); err != nil {
		return fmt.Errorf("warmup: generate silence: %w", err)
	}
	if err := s.run(ctx, s.cfg.Binary, s.buildArgs(silence, workDir)...); err != nil {
		return fmt.Errorf("warmup: load model: %w", err)
	}
	return nil
}

// Segment represents a transcribed segment from whisper JSON output.
type Segment struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type whisperPayload struct {
	Text     string    `json:"text"`
	Segments []Segment `json:"segments"`
}

func loadTranscriptText(jsonPath string) (string, error) {
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		return "", fmt.Errorf("read whisper output: %w", err)
	}
	var payload whisperPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", fmt.Errorf("parse whisper json: %w", err)
	}
	if text := strings.TrimSpace(payload.Text); text != "" {
		return text, nil
	}
	var parts []string
	for _, seg := range payload.Segments {
		if text := strings.TrimSpace(seg.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}
