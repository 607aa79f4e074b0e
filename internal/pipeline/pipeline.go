// Package pipeline orchestrates a document's life from accepted upload to
// searchable chunks: fetch the stored object, extract text, chunk and embed
// it, and keep the persisted status honest at every step. Temp artifacts are
// removed no matter how processing ends.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"lectern/internal/config"
	"lectern/internal/documents"
	"lectern/internal/embedding"
	"lectern/internal/fileutil"
	"lectern/internal/logging"
	"lectern/internal/notifications"
	"lectern/internal/scheduler"
	"lectern/internal/services"
	"lectern/internal/storage"
	"lectern/internal/textutil"
	"lectern/internal/transcribe"
)

// Transcriber is the media-to-text surface the pipeline drives.
// transcribe.Engine satisfies it.
type Transcriber interface {
	Transcribe(ctx context.Context, source, workDir string, observe transcribe.Observer) (string, error)
}

// Pipeline coordinates document processing end to end.
type Pipeline struct {
	cfg         *config.Config
	store       *documents.Store
	backend     storage.Backend
	writer      storage.Writer
	transcriber Transcriber
	embedder    embedding.Embedder
	notifier    notifications.Service
	chunker     textutil.Chunker
	sched       *scheduler.Scheduler
	logger      *slog.Logger

	timeout time.Duration

	// inflight tracks documents already handed to the scheduler so the
	// database poll never enqueues the same document twice.
	inflightMu sync.Mutex
	inflight   map[string]struct{}

	// extractPDF is swappable for tests.
	extractPDF func(path string) (string, error)
}

// StatusReport combines a document with its predicted queue wait.
type StatusReport struct {
	Document      *documents.Document
	EstimatedWait time.Duration
}

// New wires a pipeline. embedder may be nil (chunks stored without vectors)
// and notifier may be nil (resolved from config).
func New(cfg *config.Config, store *documents.Store, backend storage.Backend, transcriber Transcriber, embedder embedding.Embedder, notifier notifications.Service, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = logging.NewNop()
	}
	if notifier == nil {
		notifier = notifications.NewService(cfg)
	}
	p := &Pipeline{
		cfg:     cfg,
		store:   store,
		backend: backend,
		writer: storage.Writer{
			Backend:  backend,
			Ceiling:  cfg.Storage.ObjectCeilingBytes,
			PartSize: cfg.Upload.PartSizeBytes,
		},
		transcriber: transcriber,
		embedder:    embedder,
		notifier:    notifier,
		chunker: textutil.Chunker{
			Size:    cfg.Embedding.ChunkSize,
			Overlap: cfg.Embedding.ChunkOverlap,
		},
		logger:     logging.WithComponent(logger, "pipeline"),
		timeout:    time.Duration(cfg.Processing.DocumentTimeoutMinutes) * time.Minute,
		extractPDF: extractPDFText,
		inflight:   make(map[string]struct{}),
	}
	p.sched = scheduler.New(cfg.Processing, p.process, logger)
	return p
}

// Scheduler exposes the underlying scheduler for status reporting.
func (p *Pipeline) Scheduler() *scheduler.Scheduler {
	return p.sched
}

// pollInterval is how often the pipeline rescans the database for queued
// documents inserted by another process.
const pollInterval = 5 * time.Second

// Start launches the worker pool, requeues work interrupted by a previous
// shutdown, and begins polling for queued documents.
func (p *Pipeline) Start(ctx context.Context) error {
	reset, err := p.store.ResetStuckProcessing(ctx)
	if err != nil {
		return err
	}
	if reset > 0 {
		p.logger.Info("requeued interrupted documents", logging.Int64("count", reset))
	}

	p.sched.Start(ctx)
	if err := p.dispatchQueued(ctx); err != nil {
		return err
	}

	go func() {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.dispatchQueued(ctx); err != nil {
					p.logger.Warn("queued document scan failed", logging.Error(err))
				}
			}
		}
	}()
	return nil
}

// dispatchQueued hands every untracked queued document to the scheduler. The
// CLI inserts queued rows directly, so the running daemon discovers them here.
func (p *Pipeline) dispatchQueued(ctx context.Context) error {
	queued, err := p.store.ListDocuments(ctx, documents.StatusQueued)
	if err != nil {
		return err
	}
	for _, doc := range queued {
		if !p.track(doc.ID) {
			continue
		}
		if err := p.sched.Enqueue(scheduler.Job{DocumentID: doc.ID, Kind: doc.Kind}); err != nil {
			p.untrack(doc.ID)
			if errors.Is(err, scheduler.ErrStopped) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (p *Pipeline) track(id string) bool {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	if _, ok := p.inflight[id]; ok {
		return false
	}
	p.inflight[id] = struct{}{}
	return true
}

func (p *Pipeline) untrack(id string) {
	p.inflightMu.Lock()
	delete(p.inflight, id)
	p.inflightMu.Unlock()
}

// Stop drains in-flight work and shuts the workers down.
func (p *Pipeline) Stop() {
	p.sched.Stop()
}

// Register records a document whose bytes already live in object storage and
// queues it for processing. This is the handoff point from the upload manager.
func (p *Pipeline) Register(ctx context.Context, userID, filename, storageKey string, size int64) (*documents.Document, error) {
	kind, ok := documents.KindForFilename(filename)
	if !ok {
		return nil, services.Wrap(services.ErrUnsupportedType, "pipeline", "register", filename, nil)
	}

	doc, err := p.store.NewDocument(ctx, userID, filename, kind, size)
	if err != nil {
		return nil, err
	}
	doc.StorageKey = storageKey
	if err := p.store.UpdateDocument(ctx, doc); err != nil {
		return nil, err
	}
	if err := p.enqueue(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Submit stores a small file directly and queues it, bypassing the resumable
// session protocol.
func (p *Pipeline) Submit(ctx context.Context, userID, filename string, file *os.File, size int64) (*documents.Document, error) {
	kind, ok := documents.KindForFilename(filename)
	if !ok {
		return nil, services.Wrap(services.ErrUnsupportedType, "pipeline", "submit", filename, nil)
	}

	doc, err := p.store.NewDocument(ctx, userID, filename, kind, size)
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("%s/%s_%s", userID, doc.ID, textutil.SanitizeStorageName(filename))
	finalKey, err := p.writer.Store(ctx, key, file, size)
	if err != nil {
		_, _ = p.store.RemoveDocument(ctx, doc.ID)
		return nil, services.Wrap(services.ErrAssembly, "pipeline", "submit", "store object", err)
	}
	doc.StorageKey = finalKey
	if err := p.store.UpdateDocument(ctx, doc); err != nil {
		return nil, err
	}
	if err := p.enqueue(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (p *Pipeline) enqueue(ctx context.Context, doc *documents.Document) error {
	ok, err := p.store.TransitionStatus(ctx, doc.ID, documents.StatusPending, documents.StatusQueued)
	if err != nil {
		return err
	}
	if !ok {
		return services.Wrap(services.ErrProtocolViolation, "pipeline", "enqueue",
			fmt.Sprintf("document %s not pending", doc.ID), nil)
	}
	doc.Status = documents.StatusQueued
	if !p.track(doc.ID) {
		return nil
	}
	if err := p.sched.Enqueue(scheduler.Job{DocumentID: doc.ID, Kind: doc.Kind}); err != nil {
		p.untrack(doc.ID)
		return err
	}
	return nil
}

// Status reports a document plus, for queued documents, an estimated wait.
// The lookup is scoped to the owner: asking about another user's document is
// indistinguishable from asking about one that does not exist.
func (p *Pipeline) Status(ctx context.Context, documentID, userID string) (*StatusReport, error) {
	doc, err := p.store.GetUserDocument(ctx, documentID, userID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, services.Wrap(services.ErrNotFound, "pipeline", "status", documentID, nil)
	}
	report := &StatusReport{Document: doc}
	if doc.Status == documents.StatusQueued {
		report.EstimatedWait = p.sched.EstimateWait(doc.Kind)
	}
	return report, nil
}

// List returns a user's documents, newest first.
func (p *Pipeline) List(ctx context.Context, userID string) ([]*documents.Document, error) {
	return p.store.ListUserDocuments(ctx, userID)
}

// Delete removes a document's stored object (all parts, for split objects)
// and its database rows. Only the owner may delete; anyone else gets the same
// not-found as for a missing document.
func (p *Pipeline) Delete(ctx context.Context, documentID, userID string) error {
	doc, err := p.store.GetUserDocument(ctx, documentID, userID)
	if err != nil {
		return err
	}
	if doc == nil {
		return services.Wrap(services.ErrNotFound, "pipeline", "delete", documentID, nil)
	}
	if doc.StorageKey != "" {
		if err := storage.Remove(ctx, p.backend, doc.StorageKey); err != nil {
			return err
		}
	}
	if _, err := p.store.RemoveDocument(ctx, documentID); err != nil {
		return err
	}
	p.logger.Info("document deleted", logging.String(logging.FieldDocumentID, documentID))
	return nil
}

// process is the scheduler handler: it claims the document, runs extraction
// under the document timeout, and records the terminal state.
func (p *Pipeline) process(ctx context.Context, job scheduler.Job) error {
	defer p.untrack(job.DocumentID)

	doc, err := p.store.GetDocument(ctx, job.DocumentID)
	if err != nil {
		return err
	}
	if doc == nil {
		// Deleted while queued; nothing to do.
		return nil
	}

	claimed, err := p.store.TransitionStatus(ctx, doc.ID, documents.StatusQueued, documents.StatusProcessing)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}
	doc.Status = documents.StatusProcessing

	workDir, err := os.MkdirTemp(p.cfg.Paths.StagingDir, "process-"+doc.ID+"-")
	if err != nil {
		p.fail(ctx, doc, fmt.Errorf("create work dir: %w", err))
		return err
	}
	defer fileutil.RemoveAllQuiet(workDir)

	procCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if runErr := p.run(procCtx, doc, workDir); runErr != nil {
		p.fail(ctx, doc, runErr)
		return runErr
	}

	if _, err := p.store.TransitionStatus(ctx, doc.ID, documents.StatusProcessing, documents.StatusCompleted); err != nil {
		return err
	}
	chunkCount, _ := p.store.ChunkCount(ctx, doc.ID)
	p.logger.Info("document completed",
		logging.String(logging.FieldDocumentID, doc.ID),
		logging.Int("chunks", chunkCount))
	if err := p.notifier.NotifyDocumentCompleted(ctx, doc.Filename, chunkCount); err != nil {
		p.logger.Warn("completion notification failed", logging.Error(err))
	}
	return nil
}

func (p *Pipeline) run(ctx context.Context, doc *documents.Document, workDir string) error {
	p.progress(ctx, doc, "Downloading", "Fetching stored file", 5)

	localPath := filepath.Join(workDir, textutil.SanitizeStorageName(doc.Filename))
	if err := p.fetchObject(ctx, doc.StorageKey, localPath); err != nil {
		return err
	}

	var (
		text string
		err  error
	)
	switch {
	case doc.Kind == documents.KindPDF:
		p.progress(ctx, doc, "Extracting", "Extracting text from PDF", 20)
		text, err = p.extractPDF(localPath)
	case doc.Kind.IsMedia():
		text, err = p.transcriber.Transcribe(ctx, localPath, workDir, p.observer(ctx, doc))
	default:
		return services.Wrap(services.ErrUnsupportedType, "pipeline", "process", string(doc.Kind), nil)
	}
	if err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		// Completing with zero chunks would look like success to the user.
		return fmt.Errorf("no text could be extracted from the document")
	}

	p.progress(ctx, doc, "Indexing", "Chunking and embedding text", 90)
	chunks, err := p.buildChunks(ctx, doc.ID, text)
	if err != nil {
		return err
	}
	if err := p.store.ReplaceChunks(ctx, doc.ID, chunks); err != nil {
		return err
	}

	doc.ContentText = text
	doc.SetProgress("Finalizing", "Processing complete", 100)
	return p.store.UpdateDocument(ctx, doc)
}

func (p *Pipeline) fetchObject(ctx context.Context, key, dest string) error {
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create local copy: %w", err)
	}
	defer f.Close()

	if _, err := storage.Fetch(ctx, p.backend, key, f); err != nil {
		return err
	}
	return f.Close()
}

func (p *Pipeline) buildChunks(ctx context.Context, documentID, text string) ([]documents.Chunk, error) {
	pieces := p.chunker.Chunk(text)
	chunks := make([]documents.Chunk, 0, len(pieces))
	for i, piece := range pieces {
		chunks = append(chunks, documents.Chunk{DocumentID: documentID, Seq: i, Text: piece})
	}
	if p.embedder == nil || len(pieces) == 0 {
		return chunks, nil
	}

	vectors, err := p.embedder.EmbedTexts(ctx, pieces)
	if err != nil {
		// Embeddings are an enrichment; the document still completes with
		// plain-text chunks.
		p.logger.Warn("embedding failed, storing chunks without vectors",
			logging.String(logging.FieldDocumentID, documentID),
			logging.Error(err))
		return chunks, nil
	}
	if len(vectors) != len(chunks) {
		return chunks, nil
	}
	for i := range chunks {
		chunks[i].Embedding = vectors[i]
	}
	return chunks, nil
}

// observer persists transcription progress. Transcription covers the 10-90%
// band of overall progress; download and indexing take the rest. Beyond the
// display message, the structured fields (durations, segment counters, the
// predicted completion time) are stored so status responses can render them.
func (p *Pipeline) observer(ctx context.Context, doc *documents.Document) transcribe.Observer {
	return func(prog transcribe.Progress) {
		percent := 10 + prog.Percent*0.8
		message := prog.Message
		if prog.ETA > 0 {
			message = fmt.Sprintf("%s (about %s remaining)", prog.Message, prog.ETA.Round(time.Second))
		}

		doc.ProgressTotalSeconds = prog.TotalSeconds
		doc.ProgressProcessedSeconds = prog.ProcessedSeconds
		doc.ProgressTotalSegments = prog.Segments
		doc.ProgressCurrentSegment = prog.Segment
		doc.ProgressDoneSegments = prog.Segment - 1
		if prog.Completed {
			doc.ProgressDoneSegments = prog.Segment
		}
		doc.EstimatedDoneAt = nil
		if prog.ETA > 0 {
			eta := time.Now().UTC().Add(prog.ETA)
			doc.EstimatedDoneAt = &eta
		}

		p.progress(ctx, doc, "Transcribing", message, percent)
	}
}

func (p *Pipeline) progress(ctx context.Context, doc *documents.Document, stage, message string, percent float64) {
	doc.SetProgress(stage, message, percent)
	if err := p.store.UpdateDocument(ctx, doc); err != nil {
		p.logger.Warn("progress update failed",
			logging.String(logging.FieldDocumentID, doc.ID),
			logging.Error(err))
	}
}

// fail records the terminal failure state. The message is truncated before it
// is persisted, and notification failures never mask the processing error.
func (p *Pipeline) fail(ctx context.Context, doc *documents.Document, cause error) {
	doc.SetFailed(cause.Error())
	now := time.Now().UTC()
	doc.CompletedAt = &now
	if err := p.store.UpdateDocument(ctx, doc); err != nil {
		p.logger.Error("failed to persist failure state",
			logging.String(logging.FieldDocumentID, doc.ID),
			logging.Error(err))
	}
	p.logger.Error("document failed",
		logging.String(logging.FieldDocumentID, doc.ID),
		logging.Error(cause))
	if err := p.notifier.NotifyDocumentFailed(ctx, doc.Filename, doc.ErrorMessage); err != nil {
		p.logger.Warn("failure notification failed", logging.Error(err))
	}
}
