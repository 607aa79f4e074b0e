package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"lectern/internal/config"
	"lectern/internal/documents"
	"lectern/internal/scheduler"
	"lectern/internal/services"
	"lectern/internal/storage"
	"lectern/internal/testsupport"
	"lectern/internal/transcribe"
)

type fakeTranscriber struct {
	mu         sync.Mutex
	transcript string
	err        error
	calls      int
	observed   []transcribe.Progress
}

func (f *fakeTranscriber) Transcribe(_ context.Context, _, _ string, observe transcribe.Observer) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	for i := 1; i <= 2; i++ {
		prog := transcribe.Progress{Segment: i, Segments: 2, Percent: float64(i) / 2 * 100, Completed: true}
		f.observed = append(f.observed, prog)
		if observe != nil {
			observe(prog)
		}
	}
	return f.transcript, nil
}

type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = []float32{float32(i), 0.5}
	}
	return vectors, nil
}

func newTestPipeline(t *testing.T, cfg *config.Config, transcriber Transcriber) (*Pipeline, *documents.Store, storage.Backend) {
	t.Helper()

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	store := testsupport.MustOpenStore(t, cfg)
	backend, err := storage.NewBackend(context.Background(), cfg.Storage)
	if err != nil {
		t.Fatalf("storage.NewBackend: %v", err)
	}
	p := New(cfg, store, backend, transcriber, &fakeEmbedder{}, nil, nil)
	return p, store, backend
}

func startPipeline(t *testing.T, p *Pipeline) {
	t.Helper()
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("pipeline.Start: %v", err)
	}
	t.Cleanup(p.Stop)
}

func waitForTerminal(t *testing.T, store *documents.Store, id string) *documents.Document {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		doc, err := store.GetDocument(context.Background(), id)
		if err != nil {
			t.Fatalf("GetDocument: %v", err)
		}
		if doc != nil && doc.Status.IsTerminal() {
			return doc
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("document never reached a terminal status")
	return nil
}

func writeTempFile(t *testing.T, name, content string) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open temp file: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

const sampleText = "Lecture notes on distributed consensus. Paxos and Raft both elect a " +
	"leader to serialize writes, but Raft folds membership changes into the log " +
	"itself, which makes the protocol considerably easier to reason about."

func TestPDFDocumentCompletes(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	p, store, _ := newTestPipeline(t, cfg, &fakeTranscriber{})
	p.extractPDF = func(string) (string, error) { return sampleText, nil }
	startPipeline(t, p)

	f := writeTempFile(t, "notes.pdf", "%PDF-stub")
	doc, err := p.Submit(context.Background(), "user-1", "notes.pdf", f, int64(len("%PDF-stub")))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := waitForTerminal(t, store, doc.ID)
	if final.Status != documents.StatusCompleted {
		t.Fatalf("status = %s (%s), want completed", final.Status, final.ErrorMessage)
	}
	if final.ContentText != sampleText {
		t.Fatalf("content text = %q", final.ContentText)
	}
	if final.ProgressStage != "" || final.ProgressPercent != 0 {
		t.Fatalf("progress = %q/%v, want cleared on completion", final.ProgressStage, final.ProgressPercent)
	}
	if final.CompletedAt == nil {
		t.Fatal("expected completed_at stamp")
	}

	chunks, err := store.ChunksForDocument(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("ChunksForDocument: %v", err)
	}
	if len(chunks) == 0 {
		t.Fatal("expected chunks for completed document")
	}
	if len(chunks[0].Embedding) == 0 {
		t.Fatal("expected embeddings on chunks")
	}
}

func TestMediaDocumentTranscribes(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	transcriber := &fakeTranscriber{transcript: sampleText}
	p, store, _ := newTestPipeline(t, cfg, transcriber)
	startPipeline(t, p)

	f := writeTempFile(t, "talk.mp3", "fake-audio-bytes")
	doc, err := p.Submit(context.Background(), "user-1", "talk.mp3", f, int64(len("fake-audio-bytes")))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := waitForTerminal(t, store, doc.ID)
	if final.Status != documents.StatusCompleted {
		t.Fatalf("status = %s (%s), want completed", final.Status, final.ErrorMessage)
	}
	if final.ContentText != sampleText {
		t.Fatalf("content text = %q", final.ContentText)
	}
	transcriber.mu.Lock()
	calls := transcriber.calls
	transcriber.mu.Unlock()
	if calls != 1 {
		t.Fatalf("transcriber calls = %d, want 1", calls)
	}
}

func TestFailureTruncatesErrorAndCleansUp(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	longReason := strings.Repeat("transcription backend exploded; ", 40)
	transcriber := &fakeTranscriber{err: errors.New(longReason)}
	p, store, _ := newTestPipeline(t, cfg, transcriber)
	startPipeline(t, p)

	f := writeTempFile(t, "talk.mp3", "fake-audio-bytes")
	doc, err := p.Submit(context.Background(), "user-1", "talk.mp3", f, int64(len("fake-audio-bytes")))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := waitForTerminal(t, store, doc.ID)
	if final.Status != documents.StatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if len(final.ErrorMessage) > documents.ErrorMessageLimit {
		t.Fatalf("error message length = %d, want <= %d", len(final.ErrorMessage), documents.ErrorMessageLimit)
	}
	if !strings.HasSuffix(final.ErrorMessage, "...") {
		t.Fatalf("expected truncation marker, got %q", final.ErrorMessage[len(final.ErrorMessage)-10:])
	}
	if final.CompletedAt == nil {
		t.Fatal("expected completed_at stamp on failure")
	}

	entries, err := os.ReadDir(cfg.Paths.StagingDir)
	if err != nil {
		t.Fatalf("read staging dir: %v", err)
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "process-") {
			t.Fatalf("work dir %s left behind after failure", entry.Name())
		}
	}
}

func TestSubmitRejectsUnsupportedType(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	p, _, _ := newTestPipeline(t, cfg, &fakeTranscriber{})

	f := writeTempFile(t, "archive.zip", "zip-bytes")
	if _, err := p.Submit(context.Background(), "u", "archive.zip", f, 9); !errors.Is(err, services.ErrUnsupportedType) {
		t.Fatalf("error = %v, want unsupported type", err)
	}
}

func TestRegisterQueuesExistingObject(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	p, store, backend := newTestPipeline(t, cfg, &fakeTranscriber{})
	p.extractPDF = func(string) (string, error) { return sampleText, nil }
	ctx := context.Background()

	content := strings.NewReader("%PDF-stub")
	if err := backend.Put(ctx, "user-1/existing_notes.pdf", content, int64(content.Len())); err != nil {
		t.Fatalf("backend.Put: %v", err)
	}
	startPipeline(t, p)

	doc, err := p.Register(ctx, "user-1", "notes.pdf", "user-1/existing_notes.pdf", 9)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	final := waitForTerminal(t, store, doc.ID)
	if final.Status != documents.StatusCompleted {
		t.Fatalf("status = %s (%s), want completed", final.Status, final.ErrorMessage)
	}
	if final.StorageKey != "user-1/existing_notes.pdf" {
		t.Fatalf("storage key = %q", final.StorageKey)
	}
}

func TestStartRequeuesInterruptedDocuments(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	p, store, backend := newTestPipeline(t, cfg, &fakeTranscriber{})
	p.extractPDF = func(string) (string, error) { return sampleText, nil }
	ctx := context.Background()

	content := strings.NewReader("%PDF-stub")
	if err := backend.Put(ctx, "user-1/crash_notes.pdf", content, int64(content.Len())); err != nil {
		t.Fatalf("backend.Put: %v", err)
	}
	doc := testsupport.NewDocument(t, store, "user-1", "notes.pdf", documents.KindPDF)
	doc.StorageKey = "user-1/crash_notes.pdf"
	doc.Status = documents.StatusProcessing
	if err := store.UpdateDocument(ctx, doc); err != nil {
		t.Fatalf("UpdateDocument: %v", err)
	}

	startPipeline(t, p)

	final := waitForTerminal(t, store, doc.ID)
	if final.Status != documents.StatusCompleted {
		t.Fatalf("status = %s (%s), want completed after requeue", final.Status, final.ErrorMessage)
	}
}

func TestDeleteRemovesObjectAndRows(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	p, store, backend := newTestPipeline(t, cfg, &fakeTranscriber{})
	p.extractPDF = func(string) (string, error) { return sampleText, nil }
	startPipeline(t, p)
	ctx := context.Background()

	f := writeTempFile(t, "notes.pdf", "%PDF-stub")
	doc, err := p.Submit(ctx, "user-1", "notes.pdf", f, 9)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	final := waitForTerminal(t, store, doc.ID)

	// Someone else's delete looks like a missing document and removes nothing.
	if err := p.Delete(ctx, doc.ID, "user-2"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("foreign delete error = %v, want not found", err)
	}
	if kept, err := store.GetDocument(ctx, doc.ID); err != nil || kept == nil {
		t.Fatalf("expected document kept after foreign delete, got %v, %v", kept, err)
	}

	if err := p.Delete(ctx, doc.ID, "user-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if gone, err := store.GetDocument(ctx, doc.ID); err != nil || gone != nil {
		t.Fatalf("expected document removed, got %v, %v", gone, err)
	}
	if _, err := backend.Get(ctx, final.StorageKey); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected stored object removed, got %v", err)
	}

	if err := p.Delete(ctx, doc.ID, "user-1"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("second delete error = %v, want not found", err)
	}
}

func TestStatusReportsQueueEstimate(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	p, store, _ := newTestPipeline(t, cfg, &fakeTranscriber{})
	ctx := context.Background()

	// Not started: the document stays queued so the estimate is observable.
	doc := testsupport.NewDocument(t, store, "user-1", "talk.mp3", documents.KindAudio)
	if ok, err := store.TransitionStatus(ctx, doc.ID, documents.StatusPending, documents.StatusQueued); err != nil || !ok {
		t.Fatalf("transition to queued: %v %v", ok, err)
	}
	if err := p.sched.Enqueue(scheduler.Job{DocumentID: doc.ID, Kind: doc.Kind}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	report, err := p.Status(ctx, doc.ID, "user-1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if report.Document.Status != documents.StatusQueued {
		t.Fatalf("status = %s, want queued", report.Document.Status)
	}
	if report.EstimatedWait <= 0 {
		t.Fatalf("estimated wait = %v, want positive for queued media", report.EstimatedWait)
	}

	if _, err := p.Status(ctx, "no-such-id", "user-1"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("missing document error = %v, want not found", err)
	}
	// Another user asking about this document gets the same not-found.
	if _, err := p.Status(ctx, doc.ID, "user-2"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("foreign status error = %v, want not found", err)
	}
}

func TestEmptyExtractionFailsDocument(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	p, store, _ := newTestPipeline(t, cfg, &fakeTranscriber{})
	p.extractPDF = func(string) (string, error) { return "   \n\t", nil }
	startPipeline(t, p)

	f := writeTempFile(t, "scanned.pdf", "%PDF-stub")
	doc, err := p.Submit(context.Background(), "user-1", "scanned.pdf", f, int64(len("%PDF-stub")))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := waitForTerminal(t, store, doc.ID)
	if final.Status != documents.StatusFailed {
		t.Fatalf("status = %s, want failed for empty extraction", final.Status)
	}
	if !strings.Contains(final.ErrorMessage, "no text could be extracted") {
		t.Fatalf("error message = %q", final.ErrorMessage)
	}
	chunks, err := store.ChunksForDocument(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("ChunksForDocument: %v", err)
	}
	if len(chunks) != 0 {
		t.Fatalf("chunks = %d, want none for failed extraction", len(chunks))
	}
}

func TestObserverPersistsStructuredProgress(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	p, store, _ := newTestPipeline(t, cfg, &fakeTranscriber{})
	ctx := context.Background()

	doc := testsupport.NewDocument(t, store, "user-1", "talk.mp3", documents.KindAudio)
	observe := p.observer(ctx, doc)
	observe(transcribe.Progress{
		Segment:          2,
		Segments:         4,
		TotalSeconds:     1200,
		ProcessedSeconds: 300,
		Percent:          25,
		ETA:              9 * time.Minute,
		Message:          "segment 2 of 4",
	})

	got, err := store.GetDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.ProgressTotalSeconds != 1200 || got.ProgressProcessedSeconds != 300 {
		t.Fatalf("progress seconds = %.0f/%.0f, want 300/1200",
			got.ProgressProcessedSeconds, got.ProgressTotalSeconds)
	}
	if got.ProgressTotalSegments != 4 || got.ProgressCurrentSegment != 2 || got.ProgressDoneSegments != 1 {
		t.Fatalf("segments = current %d, done %d of %d",
			got.ProgressCurrentSegment, got.ProgressDoneSegments, got.ProgressTotalSegments)
	}
	if got.EstimatedDoneAt == nil {
		t.Fatal("expected estimated completion time for in-flight transcription")
	}
	if remaining := time.Until(*got.EstimatedDoneAt); remaining < 8*time.Minute || remaining > 10*time.Minute {
		t.Fatalf("estimated done %v from now, want about 9m", remaining.Round(time.Second))
	}

	// A completed segment report counts it as done.
	observe(transcribe.Progress{
		Segment:          4,
		Segments:         4,
		TotalSeconds:     1200,
		ProcessedSeconds: 1200,
		Percent:          100,
		Message:          "transcription complete",
		Completed:        true,
	})
	got, err = store.GetDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.ProgressDoneSegments != 4 {
		t.Fatalf("done segments = %d, want 4", got.ProgressDoneSegments)
	}
	if got.EstimatedDoneAt != nil {
		t.Fatal("expected no estimate once transcription is complete")
	}
}
