package documents

import (
	"path/filepath"
	"strings"
	"time"
)

// Status represents the lifecycle of a document.
type Status string

const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var allStatuses = []Status{
	StatusPending,
	StatusQueued,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

// ErrorMessageLimit caps persisted failure messages so a dumped stack trace
// never bloats a row or a status response.
const ErrorMessageLimit = 500

// Kind classifies a document by how it is processed.
type Kind string

const (
	KindPDF   Kind = "pdf"
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

var extensionKinds = map[string]Kind{
	".pdf":  KindPDF,
	".mp3":  KindAudio,
	".wav":  KindAudio,
	".m4a":  KindAudio,
	".flac": KindAudio,
	".ogg":  KindAudio,
	".mp4":  KindVideo,
	".mkv":  KindVideo,
	".mov":  KindVideo,
	".webm": KindVideo,
	".avi":  KindVideo,
}

// KindForFilename classifies a filename by extension. The second return is
// false for unsupported types.
func KindForFilename(name string) (Kind, bool) {
	ext := strings.ToLower(filepath.Ext(name))
	kind, ok := extensionKinds[ext]
	return kind, ok
}

// IsMedia reports whether the kind requires the exclusive processing lane.
func (k Kind) IsMedia() bool {
	return k == KindAudio || k == KindVideo
}

// Document represents an ingested file persisted in SQLite.
type Document struct {
	ID              string
	UserID          string
	Filename        string
	Kind            Kind
	Status          Status
	StorageKey      string
	SizeBytes       int64
	ContentText     string
	ErrorMessage    string
	ProgressStage   string
	ProgressPercent float64
	ProgressMessage string

	// Structured progress for in-flight transcriptions: durations in
	// seconds, segment counters, and the predicted completion instant.
	ProgressTotalSeconds     float64
	ProgressProcessedSeconds float64
	ProgressTotalSegments    int
	ProgressDoneSegments     int
	ProgressCurrentSegment   int
	EstimatedDoneAt          *time.Time

	CreatedAt   time.Time
	UpdatedAt   time.Time
	QueuedAt    *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// UploadStatus tracks where a resumable upload is in its lifecycle.
type UploadStatus string

const (
	UploadCreated    UploadStatus = "created"
	UploadReceiving  UploadStatus = "receiving"
	UploadAssembling UploadStatus = "assembling"
	UploadUploaded   UploadStatus = "uploaded"
	UploadFailed     UploadStatus = "failed"
)

// Terminal reports whether the status ends the session lifecycle.
func (s UploadStatus) Terminal() bool {
	return s == UploadUploaded || s == UploadFailed
}

// UploadSession represents one resumable upload in flight.
type UploadSession struct {
	ID            string
	UserID        string
	Filename      string
	TotalSize     int64
	BytesReceived int64
	ChunkSizeHint int64
	StagingPath   string
	Status        UploadStatus
	ErrorMessage  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ExpiresAt     time.Time
}

// Expired reports whether the session passed its expiry at the given instant.
func (s UploadSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Remaining returns how many bytes the client still has to send.
func (s UploadSession) Remaining() int64 {
	if s.BytesReceived >= s.TotalSize {
		return 0
	}
	return s.TotalSize - s.BytesReceived
}

// Chunk is one embedded slice of a document's extracted text.
type Chunk struct {
	ID         int64
	DocumentID string
	Seq        int
	Text       string
	Embedding  []float32
	CreatedAt  time.Time
}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// IsTerminal reports whether the status ends the lifecycle.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// SetFailed marks the document as failed, truncating oversized messages.
// Progress fields only describe in-flight work, so they reset here.
func (d *Document) SetFailed(message string) {
	d.Status = StatusFailed
	d.ErrorMessage = TruncateError(message)
	d.ClearProgress()
}

// SetProgress updates all three progress fields together.
func (d *Document) SetProgress(stage, message string, percent float64) {
	d.ProgressStage = stage
	d.ProgressMessage = message
	d.ProgressPercent = percent
}

// ClearProgress resets the in-flight progress fields on terminal transitions.
func (d *Document) ClearProgress() {
	d.ProgressStage = ""
	d.ProgressMessage = ""
	d.ProgressPercent = 0
	d.ProgressTotalSeconds = 0
	d.ProgressProcessedSeconds = 0
	d.ProgressTotalSegments = 0
	d.ProgressDoneSegments = 0
	d.ProgressCurrentSegment = 0
	d.EstimatedDoneAt = nil
}

// TruncateError trims an error message to the persisted limit, marking the cut.
func TruncateError(message string) string {
	if len(message) <= ErrorMessageLimit {
		return message
	}
	const marker = "..."
	return message[:ErrorMessageLimit-len(marker)] + marker
}
