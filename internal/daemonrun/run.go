// Package daemonrun assembles and runs the lectern daemon: it wires the
// store, storage backend, transcription engine, pipeline, and upload manager
// together and owns the process-level concerns (single-instance lock, pid
// file, log files, signal handling, expiry sweeps).
package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"lectern/internal/config"
	"lectern/internal/deps"
	"lectern/internal/documents"
	"lectern/internal/embedding"
	"lectern/internal/logging"
	"lectern/internal/notifications"
	"lectern/internal/pipeline"
	"lectern/internal/services/whisper"
	"lectern/internal/storage"
	"lectern/internal/transcribe"
	"lectern/internal/upload"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel string
}

// Run starts the lectern daemon and blocks until SIGINT or SIGTERM.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("lectern-%s.log", runID))
	level := opts.LogLevel
	if level == "" {
		level = cfg.Logging.Level
	}
	logger, err := logging.New(logging.Options{
		Level:            level,
		Format:           cfg.Logging.Format,
		OutputPaths:      []string{"stdout", logPath},
		ErrorOutputPaths: []string{"stderr", logPath},
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update lectern.log link: %v\n", err)
	}

	lock := flock.New(filepath.Join(cfg.Paths.LogDir, "lecternd.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire daemon lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another lectern daemon instance is already running")
	}
	defer func() { _ = lock.Unlock() }()

	pidPath := filepath.Join(cfg.Paths.LogDir, "lectern.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	logDependencySnapshot(logger, cfg)

	store, err := documents.Open(cfg)
	if err != nil {
		logger.Error("open document store", logging.Error(err))
		return err
	}
	defer store.Close()

	backend, err := storage.NewBackend(signalCtx, cfg.Storage)
	if err != nil {
		logger.Error("init storage backend", logging.Error(err))
		return err
	}

	recognizer := whisper.NewService(whisper.Config{
		Binary:        cfg.Transcription.WhisperBinary,
		FFmpegBinary:  cfg.Transcription.FFmpegBinary,
		Model:         cfg.Transcription.Model,
		Language:      cfg.Transcription.Language,
		Deterministic: cfg.Transcription.Deterministic,
	})

	gate := transcribe.NewGate(time.Duration(cfg.Transcription.WarmupTimeoutSeconds) * time.Second)
	gate.Start(func() error {
		logger.Info("warming speech model", logging.String("model", recognizer.Model()))
		return recognizer.Warmup(signalCtx)
	})

	engine := transcribe.NewEngine(recognizer, transcribe.Options{
		WindowSeconds:  cfg.Transcription.WindowSeconds,
		SegmentTimeout: time.Duration(cfg.Transcription.SegmentTimeoutSecs) * time.Second,
		Logger:         logger,
		Probe:          transcribe.FFprobeMedia(cfg.Transcription.FFprobeBinary),
		Warmup:         gate,
	})

	embedder, err := embedding.NewOpenAI(cfg.Embedding, logger)
	if err != nil {
		logger.Error("init embedder", logging.Error(err))
		return err
	}

	notifier := notifications.NewService(cfg)

	pipe := pipeline.New(cfg, store, backend, engine, embedderOrNil(embedder), notifier, logger)
	if err := pipe.Start(signalCtx); err != nil {
		logger.Error("start pipeline", logging.Error(err))
		return err
	}
	defer pipe.Stop()

	writer := storage.Writer{
		Backend:  backend,
		Ceiling:  cfg.Storage.ObjectCeilingBytes,
		PartSize: cfg.Upload.PartSizeBytes,
	}
	sink := func(ctx context.Context, userID, filename, storageKey string, size int64) error {
		_, err := pipe.Register(ctx, userID, filename, storageKey, size)
		return err
	}
	uploads := upload.NewManager(cfg, store, writer, sink, notifier, logger)

	go runExpirySweeps(signalCtx, uploads, cfg, logger)

	logger.Info("lectern daemon started",
		logging.Int("workers", cfg.Processing.Workers),
		logging.String("storage_backend", cfg.Storage.Backend))

	<-signalCtx.Done()
	logger.Info("lectern daemon shutting down")
	return nil
}

// embedderOrNil keeps a nil *embedding.OpenAI from becoming a non-nil
// interface value inside the pipeline.
func embedderOrNil(e *embedding.OpenAI) embedding.Embedder {
	if e == nil {
		return nil
	}
	return e
}

// runExpirySweeps removes expired upload sessions on the configured interval.
// One sweep runs immediately so a restart clears anything that expired while
// the daemon was down.
func runExpirySweeps(ctx context.Context, uploads *upload.Manager, cfg *config.Config, logger *slog.Logger) {
	interval := time.Duration(cfg.Upload.SweepIntervalMins) * time.Minute
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	sweep := func() {
		removed, err := uploads.SweepExpired(ctx)
		if err != nil {
			logger.Warn("upload expiry sweep failed", logging.Error(err))
			return
		}
		if removed > 0 {
			logger.Info("upload expiry sweep", logging.Int("removed", removed))
		}
	}

	sweep()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, "lectern.log")
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logDependencySnapshot(logger *slog.Logger, cfg *config.Config) {
	statuses := deps.CheckBinaries(deps.Requirements(cfg))
	attrs := make([]any, 0, len(statuses))
	for _, status := range statuses {
		attrs = append(attrs, logging.Bool(status.Name+"_available", status.Available))
	}
	logger.Info("dependency snapshot", attrs...)
	if missing := deps.MissingRequired(statuses); len(missing) > 0 {
		logger.Warn("required binaries missing; media processing will fail",
			logging.Any("missing", missing))
	}
}
