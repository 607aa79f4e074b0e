// Package transcribe turns media files into text by transcribing fixed-size
// audio windows sequentially. A window that fails or times out contributes an
// inline error marker instead of failing the whole document, so a single bad
// stretch of audio never throws away the rest of a long recording.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"lectern/internal/logging"
	"lectern/internal/media/ffprobe"
	"lectern/internal/services"
)

// NoSpeechPlaceholder is returned when every window produced empty text.
const NoSpeechPlaceholder = "No clear speech detected in the audio"

// Recognizer is the speech-to-text surface the engine drives. whisper.Service
// satisfies it.
type Recognizer interface {
	ExtractSegment(ctx context.Context, source string, startSec, durationSec int, dest string) error
	TranscribeFile(ctx context.Context, source, outputDir string) (string, error)
}

// MediaInfo is what the engine needs to know about a source file before
// windowing it.
type MediaInfo struct {
	Seconds      float64
	AudioStreams int
}

// ProbeFunc inspects a media file ahead of transcription.
type ProbeFunc func(ctx context.Context, path string) (MediaInfo, error)

// FFprobeMedia builds a ProbeFunc backed by the ffprobe binary.
func FFprobeMedia(binary string) ProbeFunc {
	return func(ctx context.Context, path string) (MediaInfo, error) {
		result, err := ffprobe.Inspect(ctx, binary, path)
		if err != nil {
			return MediaInfo{}, err
		}
		return MediaInfo{
			Seconds:      result.DurationSeconds(),
			AudioStreams: result.AudioStreamCount(),
		}, nil
	}
}

// Progress reports per-window advancement to an observer.
type Progress struct {
	Segment          int
	Segments         int
	TotalSeconds     float64
	ProcessedSeconds float64
	Percent          float64
	ETA              time.Duration
	Message          string
	Completed        bool
}

// Observer receives progress updates. Called synchronously from the engine
// goroutine; observers must not block.
type Observer func(Progress)

// Options configures an Engine.
type Options struct {
	WindowSeconds  int
	SegmentTimeout time.Duration
	Logger         *slog.Logger
	Probe          ProbeFunc
	Warmup         *Gate
}

// Engine transcribes media in sequential windows.
type Engine struct {
	recognizer     Recognizer
	probe          ProbeFunc
	windowSeconds  int
	segmentTimeout time.Duration
	warmup         *Gate
	logger         *slog.Logger
}

// NewEngine builds an engine around a recognizer.
func NewEngine(recognizer Recognizer, opts Options) *Engine {
	if opts.WindowSeconds <= 0 {
		opts.WindowSeconds = 300
	}
	if opts.SegmentTimeout <= 0 {
		opts.SegmentTimeout = time.Duration(opts.WindowSeconds) * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Engine{
		recognizer:     recognizer,
		probe:          opts.Probe,
		windowSeconds:  opts.WindowSeconds,
		segmentTimeout: opts.SegmentTimeout,
		warmup:         opts.Warmup,
		logger:         logging.WithComponent(logger, "transcribe"),
	}
}

// Transcribe converts the media at source into text, using workDir for
// intermediate WAV and JSON files. The observer may be nil.
func (e *Engine) Transcribe(ctx context.Context, source, workDir string, observe Observer) (string, error) {
	if e.warmup != nil {
		if err := e.warmup.Wait(ctx); err != nil {
			return "", services.Wrap(services.ErrTransient, "transcribe", "warmup", "speech model not ready", err)
		}
	}

	info, err := e.probe(ctx, source)
	if err != nil || info.Seconds <= 0 {
		return "", services.Wrap(services.ErrDurationUnavailable, "transcribe", "probe",
			fmt.Sprintf("media duration for %s", filepath.Base(source)), err)
	}
	if info.AudioStreams == 0 {
		// A video without an audio track is valid input, just silent.
		e.logger.Info("no audio stream, skipping transcription",
			logging.String("source", filepath.Base(source)))
		return NoSpeechPlaceholder, nil
	}
	duration := info.Seconds
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", fmt.Errorf("ensure work dir: %w", err)
	}

	totalSeconds := int(math.Ceil(duration))
	segments := (totalSeconds + e.windowSeconds - 1) / e.windowSeconds

	e.logger.Info("starting segmented transcription",
		logging.String("source", filepath.Base(source)),
		logging.Float64("duration_seconds", duration),
		logging.Int("segments", segments))

	var (
		parts    []string
		failures int
		elapsed  time.Duration
	)
	for i := 0; i < segments; i++ {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		startSec := i * e.windowSeconds
		segDur := e.windowSeconds
		if remaining := totalSeconds - startSec; remaining < segDur {
			segDur = remaining
		}

		notify(observe, Progress{
			Segment:          i + 1,
			Segments:         segments,
			TotalSeconds:     duration,
			ProcessedSeconds: float64(startSec),
			Percent:          percent(i, segments),
			ETA:              e.estimate(elapsed, i, segments),
			Message:          fmt.Sprintf("Transcribing segment %d of %d", i+1, segments),
		})

		segStart := time.Now()
		text, segErr := e.transcribeWindow(ctx, source, workDir, i, startSec, segDur)
		elapsed += time.Since(segStart)

		if segErr != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			failures++
			marker := segmentFailureMarker(i+1, startSec, startSec+segDur)
			parts = append(parts, marker)
			e.logger.Warn("segment failed, continuing",
				logging.Int("segment", i+1),
				logging.Error(segErr))
		} else if trimmed := strings.TrimSpace(text); trimmed != "" {
			if segments > 1 {
				trimmed = fmt.Sprintf("[%s - %s] %s",
					formatTimestamp(startSec), formatTimestamp(startSec+segDur), trimmed)
			}
			parts = append(parts, trimmed)
		}

		notify(observe, Progress{
			Segment:          i + 1,
			Segments:         segments,
			TotalSeconds:     duration,
			ProcessedSeconds: float64(startSec + segDur),
			Percent:          percent(i+1, segments),
			ETA:              e.estimate(elapsed, i+1, segments),
			Message:          fmt.Sprintf("Finished segment %d of %d", i+1, segments),
			Completed:        true,
		})
	}

	if failures == segments {
		return "", services.Wrap(services.ErrTransient, "transcribe", "run",
			fmt.Sprintf("all %d segments failed", segments), nil)
	}

	transcript := strings.TrimSpace(strings.Join(parts, "\n\n"))
	if transcript == "" {
		return NoSpeechPlaceholder, nil
	}
	return transcript, nil
}

func (e *Engine) transcribeWindow(ctx context.Context, source, workDir string, index, startSec, durationSec int) (string, error) {
	segCtx, cancel := context.WithTimeout(ctx, e.segmentTimeout)
	defer cancel()

	wavPath := filepath.Join(workDir, fmt.Sprintf("segment_%03d.wav", index))
	defer os.Remove(wavPath)

	if err := e.recognizer.ExtractSegment(segCtx, source, startSec, durationSec, wavPath); err != nil {
		return "", wrapSegmentErr(segCtx, "extract", err)
	}
	text, err := e.recognizer.TranscribeFile(segCtx, wavPath, workDir)
	if err != nil {
		return "", wrapSegmentErr(segCtx, "transcribe", err)
	}
	return text, nil
}

func wrapSegmentErr(ctx context.Context, op string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return services.Wrap(services.ErrTimeout, "transcribe", op, "segment deadline exceeded", err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// estimate projects remaining wall time from the mean per-segment elapsed so
// far. Zero until the first segment completes.
func (e *Engine) estimate(elapsed time.Duration, completed, total int) time.Duration {
	if completed == 0 || completed >= total {
		return 0
	}
	mean := elapsed / time.Duration(completed)
	return mean * time.Duration(total-completed)
}

func percent(done, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(done) / float64(total) * 100
}

func notify(observe Observer, p Progress) {
	if observe != nil {
		observe(p)
	}
}

func segmentFailureMarker(segment, startSec, endSec int) string {
	return fmt.Sprintf("[Transcription failed for segment %d (%s-%s)]",
		segment, formatTimestamp(startSec), formatTimestamp(endSec))
}

func formatTimestamp(seconds int) string {
	if seconds >= 3600 {
		return fmt.Sprintf("%d:%02d:%02d", seconds/3600, (seconds%3600)/60, seconds%60)
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}
