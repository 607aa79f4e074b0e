package documents_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"lectern/internal/documents"
	"lectern/internal/testsupport"
)

func TestNewDocumentDefaults(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	doc, err := store.NewDocument(ctx, "user-1", "lecture.pdf", documents.KindPDF, 1024)
	if err != nil {
		t.Fatalf("NewDocument: %v", err)
	}
	if doc.ID == "" {
		t.Fatal("expected generated document id")
	}
	if doc.Status != documents.StatusPending {
		t.Fatalf("status = %s, want %s", doc.Status, documents.StatusPending)
	}
	if doc.SizeBytes != 1024 {
		t.Fatalf("size = %d, want 1024", doc.SizeBytes)
	}
	if doc.CreatedAt.IsZero() || doc.UpdatedAt.IsZero() {
		t.Fatal("expected timestamps to be set")
	}
}

func TestTransitionStatusGuard(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	doc := testsupport.NewDocument(t, store, "user-1", "talk.mp4", documents.KindVideo)

	ok, err := store.TransitionStatus(ctx, doc.ID, documents.StatusPending, documents.StatusQueued)
	if err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}
	if !ok {
		t.Fatal("expected pending -> queued to succeed")
	}

	// A second claimer must lose the race.
	ok, err = store.TransitionStatus(ctx, doc.ID, documents.StatusPending, documents.StatusQueued)
	if err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}
	if ok {
		t.Fatal("expected second pending -> queued to fail")
	}

	updated, err := store.GetDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if updated.Status != documents.StatusQueued {
		t.Fatalf("status = %s, want %s", updated.Status, documents.StatusQueued)
	}
	if updated.QueuedAt == nil {
		t.Fatal("expected queued_at to be stamped")
	}
}

func TestTransitionStampsLifecycleTimes(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	doc := testsupport.NewDocument(t, store, "user-1", "notes.pdf", documents.KindPDF)

	steps := []struct {
		from documents.Status
		to   documents.Status
	}{
		{documents.StatusPending, documents.StatusQueued},
		{documents.StatusQueued, documents.StatusProcessing},
		{documents.StatusProcessing, documents.StatusCompleted},
	}
	for _, step := range steps {
		ok, err := store.TransitionStatus(ctx, doc.ID, step.from, step.to)
		if err != nil {
			t.Fatalf("TransitionStatus(%s -> %s): %v", step.from, step.to, err)
		}
		if !ok {
			t.Fatalf("transition %s -> %s did not apply", step.from, step.to)
		}
	}

	final, err := store.GetDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if final.QueuedAt == nil || final.StartedAt == nil || final.CompletedAt == nil {
		t.Fatalf("expected all lifecycle stamps, got queued=%v started=%v completed=%v",
			final.QueuedAt, final.StartedAt, final.CompletedAt)
	}
}

func TestUpdateDocumentRoundTrip(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	doc := testsupport.NewDocument(t, store, "user-2", "audio.mp3", documents.KindAudio)
	doc.StorageKey = "user-2/audio.mp3"
	doc.ContentText = "transcribed text"
	doc.SetProgress("Transcribing", "segment 2 of 3", 66.6)
	doc.ProgressTotalSeconds = 900
	doc.ProgressProcessedSeconds = 600
	doc.ProgressTotalSegments = 3
	doc.ProgressDoneSegments = 1
	doc.ProgressCurrentSegment = 2
	eta := time.Now().UTC().Add(5 * time.Minute).Truncate(time.Second)
	doc.EstimatedDoneAt = &eta

	if err := store.UpdateDocument(ctx, doc); err != nil {
		t.Fatalf("UpdateDocument: %v", err)
	}

	got, err := store.GetDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.StorageKey != "user-2/audio.mp3" {
		t.Errorf("storage key = %q", got.StorageKey)
	}
	if got.ContentText != "transcribed text" {
		t.Errorf("content text = %q", got.ContentText)
	}
	if got.ProgressStage != "Transcribing" || got.ProgressPercent != 66.6 {
		t.Errorf("progress = %q %.1f", got.ProgressStage, got.ProgressPercent)
	}
	if got.ProgressTotalSeconds != 900 || got.ProgressProcessedSeconds != 600 {
		t.Errorf("progress seconds = %.0f/%.0f", got.ProgressProcessedSeconds, got.ProgressTotalSeconds)
	}
	if got.ProgressTotalSegments != 3 || got.ProgressDoneSegments != 1 || got.ProgressCurrentSegment != 2 {
		t.Errorf("segments = %d done of %d, current %d",
			got.ProgressDoneSegments, got.ProgressTotalSegments, got.ProgressCurrentSegment)
	}
	if got.EstimatedDoneAt == nil || !got.EstimatedDoneAt.Equal(eta) {
		t.Errorf("estimated done = %v, want %v", got.EstimatedDoneAt, eta)
	}
}

func TestTerminalTransitionClearsProgress(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	doc := testsupport.NewDocument(t, store, "u", "talk.mp3", documents.KindAudio)
	if _, err := store.TransitionStatus(ctx, doc.ID, documents.StatusPending, documents.StatusQueued); err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}
	if _, err := store.TransitionStatus(ctx, doc.ID, documents.StatusQueued, documents.StatusProcessing); err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}

	doc, err := store.GetDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	doc.SetProgress("Transcribing", "segment 1 of 2", 40)
	doc.ProgressTotalSeconds = 600
	doc.ProgressProcessedSeconds = 300
	doc.ProgressTotalSegments = 2
	doc.ProgressDoneSegments = 1
	doc.ProgressCurrentSegment = 2
	eta := time.Now().UTC().Add(time.Minute)
	doc.EstimatedDoneAt = &eta
	if err := store.UpdateDocument(ctx, doc); err != nil {
		t.Fatalf("UpdateDocument: %v", err)
	}

	if _, err := store.TransitionStatus(ctx, doc.ID, documents.StatusProcessing, documents.StatusCompleted); err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}

	final, err := store.GetDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if final.ProgressStage != "" || final.ProgressPercent != 0 || final.ProgressMessage != "" {
		t.Fatalf("progress = %q %.0f %q, want cleared", final.ProgressStage, final.ProgressPercent, final.ProgressMessage)
	}
	if final.ProgressTotalSeconds != 0 || final.ProgressProcessedSeconds != 0 ||
		final.ProgressTotalSegments != 0 || final.ProgressDoneSegments != 0 ||
		final.ProgressCurrentSegment != 0 || final.EstimatedDoneAt != nil {
		t.Fatal("expected structured progress cleared on completion")
	}
}

func TestGetUserDocumentScopesToOwner(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	doc := testsupport.NewDocument(t, store, "user-1", "notes.pdf", documents.KindPDF)

	got, err := store.GetUserDocument(ctx, doc.ID, "user-1")
	if err != nil {
		t.Fatalf("GetUserDocument: %v", err)
	}
	if got == nil || got.ID != doc.ID {
		t.Fatalf("owner lookup = %v, want the document", got)
	}

	other, err := store.GetUserDocument(ctx, doc.ID, "user-2")
	if err != nil {
		t.Fatalf("GetUserDocument: %v", err)
	}
	if other != nil {
		t.Fatal("expected nil for another user's document")
	}
}

func TestSetFailedTruncatesMessage(t *testing.T) {
	doc := &documents.Document{Status: documents.StatusProcessing}
	doc.SetProgress("Transcribing", "segment 1 of 3", 25)
	doc.SetFailed(strings.Repeat("x", 2000))

	if doc.Status != documents.StatusFailed {
		t.Fatalf("status = %s, want failed", doc.Status)
	}
	if doc.ProgressStage != "" || doc.ProgressPercent != 0 || doc.ProgressMessage != "" {
		t.Fatal("expected progress cleared on failure")
	}
	if len(doc.ErrorMessage) != documents.ErrorMessageLimit {
		t.Fatalf("error length = %d, want %d", len(doc.ErrorMessage), documents.ErrorMessageLimit)
	}
	if !strings.HasSuffix(doc.ErrorMessage, "...") {
		t.Fatal("expected truncation marker")
	}
}

func TestListDocumentsByStatus(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	a := testsupport.NewDocument(t, store, "u", "a.pdf", documents.KindPDF)
	testsupport.NewDocument(t, store, "u", "b.pdf", documents.KindPDF)

	if _, err := store.TransitionStatus(ctx, a.ID, documents.StatusPending, documents.StatusQueued); err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}

	queued, err := store.ListDocuments(ctx, documents.StatusQueued)
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if len(queued) != 1 || queued[0].ID != a.ID {
		t.Fatalf("queued = %v, want only %s", queued, a.ID)
	}

	all, err := store.ListDocuments(ctx)
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("all = %d documents, want 2", len(all))
	}
}

func TestResetStuckProcessing(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	doc := testsupport.NewDocument(t, store, "u", "c.mp4", documents.KindVideo)
	if _, err := store.TransitionStatus(ctx, doc.ID, documents.StatusPending, documents.StatusQueued); err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}
	if _, err := store.TransitionStatus(ctx, doc.ID, documents.StatusQueued, documents.StatusProcessing); err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}

	n, err := store.ResetStuckProcessing(ctx)
	if err != nil {
		t.Fatalf("ResetStuckProcessing: %v", err)
	}
	if n != 1 {
		t.Fatalf("reset %d documents, want 1", n)
	}

	got, err := store.GetDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.Status != documents.StatusQueued {
		t.Fatalf("status = %s, want queued", got.Status)
	}
}

func TestUploadSessionLifecycle(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	session, err := store.NewUploadSession(ctx, "user-1", "big.mkv", 100, 10, "/tmp/staging/big.mkv", 24*time.Hour)
	if err != nil {
		t.Fatalf("NewUploadSession: %v", err)
	}
	if session.BytesReceived != 0 || session.Status != documents.UploadCreated {
		t.Fatalf("fresh session = %+v", session)
	}

	ok, err := store.AdvanceUploadSession(ctx, session.ID, 0, 10)
	if err != nil {
		t.Fatalf("AdvanceUploadSession: %v", err)
	}
	if !ok {
		t.Fatal("expected advance from offset 0 to apply")
	}
	advanced, err := store.GetUploadSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetUploadSession: %v", err)
	}
	if advanced.Status != documents.UploadReceiving {
		t.Fatalf("status after advance = %s, want receiving", advanced.Status)
	}

	// A stale writer holding the old offset must be rejected.
	ok, err = store.AdvanceUploadSession(ctx, session.ID, 0, 10)
	if err != nil {
		t.Fatalf("AdvanceUploadSession: %v", err)
	}
	if ok {
		t.Fatal("expected stale advance to fail")
	}

	if err := store.CompleteUploadSession(ctx, session.ID); err != nil {
		t.Fatalf("CompleteUploadSession: %v", err)
	}
	got, err := store.GetUploadSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetUploadSession: %v", err)
	}
	if got.Status != documents.UploadUploaded {
		t.Fatalf("status = %s, want uploaded", got.Status)
	}

	// Terminal sessions never advance again.
	ok, err = store.AdvanceUploadSession(ctx, session.ID, 10, 20)
	if err != nil {
		t.Fatalf("AdvanceUploadSession: %v", err)
	}
	if ok {
		t.Fatal("expected advance on an uploaded session to fail")
	}
}

func TestFailUploadSessionRecordsReason(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	session, err := store.NewUploadSession(ctx, "u", "big.mkv", 100, 10, "/tmp/staging/big.mkv", 24*time.Hour)
	if err != nil {
		t.Fatalf("NewUploadSession: %v", err)
	}
	if err := store.FailUploadSession(ctx, session.ID, strings.Repeat("x", 2000)); err != nil {
		t.Fatalf("FailUploadSession: %v", err)
	}

	got, err := store.GetUploadSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetUploadSession: %v", err)
	}
	if got.Status != documents.UploadFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if len(got.ErrorMessage) != documents.ErrorMessageLimit {
		t.Fatalf("error length = %d, want %d", len(got.ErrorMessage), documents.ErrorMessageLimit)
	}
}

func TestExpiredUploadSessions(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	expired, err := store.NewUploadSession(ctx, "u", "old.mp4", 50, 10, "/tmp/old", -time.Hour)
	if err != nil {
		t.Fatalf("NewUploadSession: %v", err)
	}
	if _, err := store.NewUploadSession(ctx, "u", "fresh.mp4", 50, 10, "/tmp/fresh", 24*time.Hour); err != nil {
		t.Fatalf("NewUploadSession: %v", err)
	}

	stale, err := store.ExpiredUploadSessions(ctx, time.Now())
	if err != nil {
		t.Fatalf("ExpiredUploadSessions: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != expired.ID {
		t.Fatalf("stale = %v, want only %s", stale, expired.ID)
	}
}

func TestReplaceChunksSwapsAtomically(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	doc := testsupport.NewDocument(t, store, "u", "d.pdf", documents.KindPDF)

	first := []documents.Chunk{
		{Seq: 0, Text: "first pass chunk zero", Embedding: []float32{0.1, 0.2}},
		{Seq: 1, Text: "first pass chunk one"},
	}
	if err := store.ReplaceChunks(ctx, doc.ID, first); err != nil {
		t.Fatalf("ReplaceChunks: %v", err)
	}

	second := []documents.Chunk{{Seq: 0, Text: "second pass only chunk"}}
	if err := store.ReplaceChunks(ctx, doc.ID, second); err != nil {
		t.Fatalf("ReplaceChunks: %v", err)
	}

	chunks, err := store.ChunksForDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("ChunksForDocument: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want 1", len(chunks))
	}
	if chunks[0].Text != "second pass only chunk" {
		t.Fatalf("chunk text = %q", chunks[0].Text)
	}
}

func TestKindForFilename(t *testing.T) {
	tests := []struct {
		name string
		want documents.Kind
		ok   bool
	}{
		{"report.PDF", documents.KindPDF, true},
		{"song.mp3", documents.KindAudio, true},
		{"talk.mkv", documents.KindVideo, true},
		{"archive.zip", "", false},
		{"noext", "", false},
	}
	for _, tt := range tests {
		got, ok := documents.KindForFilename(tt.name)
		if got != tt.want || ok != tt.ok {
			t.Errorf("KindForFilename(%q) = (%q, %v), want (%q, %v)", tt.name, got, ok, tt.want, tt.ok)
		}
	}
}
