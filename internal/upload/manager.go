// Package upload implements the resumable chunked upload protocol. A session
// survives client disconnects: the server tracks the confirmed byte offset,
// clients query it and resume from exactly there. Chunks must arrive in order
// at the confirmed offset; anything else is a protocol violation that leaves
// the session untouched.
package upload

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"lectern/internal/config"
	"lectern/internal/documents"
	"lectern/internal/logging"
	"lectern/internal/notifications"
	"lectern/internal/services"
	"lectern/internal/storage"
	"lectern/internal/textutil"
)

// DocumentSink receives a finished upload. The pipeline implements this to
// register and enqueue the document.
type DocumentSink func(ctx context.Context, userID, filename, storageKey string, size int64) error

// Manager owns upload sessions and their staging files.
type Manager struct {
	cfg      config.Upload
	store    *documents.Store
	writer   storage.Writer
	sink     DocumentSink
	notifier notifications.Service
	logger   *slog.Logger

	stagingDir string

	// sessionMu serializes chunk writes per session so concurrent retries
	// cannot interleave on the staging file.
	mu         sync.Mutex
	sessionMus map[string]*sync.Mutex

	// statfs is swappable for tests.
	statfs func(path string) (free uint64, err error)
}

// NewManager builds an upload manager. sink must not be nil; notifier may be
// nil when push notifications are not configured.
func NewManager(cfg *config.Config, store *documents.Store, writer storage.Writer, sink DocumentSink, notifier notifications.Service, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	if notifier == nil {
		notifier = notifications.NewService(cfg)
	}
	return &Manager{
		cfg:        cfg.Upload,
		store:      store,
		writer:     writer,
		sink:       sink,
		notifier:   notifier,
		logger:     logging.WithComponent(logger, "upload"),
		stagingDir: cfg.Paths.StagingDir,
		sessionMus: make(map[string]*sync.Mutex),
		statfs:     freeDiskBytes,
	}
}

func freeDiskBytes(path string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}

// CreateSession starts a resumable upload. Files outside the configured size
// window are rejected; small files should use a plain single-request upload
// instead.
func (m *Manager) CreateSession(ctx context.Context, userID, filename string, totalSize int64) (*documents.UploadSession, error) {
	if totalSize <= 0 {
		return nil, services.Wrap(services.ErrSizeLimit, "upload", "create",
			fmt.Sprintf("declared size %d", totalSize), nil)
	}
	if totalSize < m.cfg.MinSessionBytes {
		return nil, services.Wrap(services.ErrSizeLimit, "upload", "create",
			fmt.Sprintf("size %d below session floor %d, use a direct upload", totalSize, m.cfg.MinSessionBytes), nil)
	}
	if totalSize > m.cfg.MaxSessionBytes {
		return nil, services.Wrap(services.ErrSizeLimit, "upload", "create",
			fmt.Sprintf("size %d exceeds limit %d", totalSize, m.cfg.MaxSessionBytes), nil)
	}
	if _, ok := documents.KindForFilename(filename); !ok {
		return nil, services.Wrap(services.ErrUnsupportedType, "upload", "create", filename, nil)
	}

	if m.cfg.MinFreeDiskRequired {
		if err := m.checkDiskSpace(totalSize); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(m.stagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure staging dir: %w", err)
	}

	ttl := time.Duration(m.cfg.SessionTTLHours) * time.Hour
	stagingPath := filepath.Join(m.stagingDir, "pending") // placeholder until we know the id
	session, err := m.store.NewUploadSession(ctx, userID, filename, totalSize, m.cfg.ChunkSizeBytes, stagingPath, ttl)
	if err != nil {
		return nil, err
	}

	// The staging file is named by session id so sweeps can match files to rows.
	session.StagingPath = filepath.Join(m.stagingDir, session.ID+".partial")
	if err := m.store.SetUploadStagingPath(ctx, session.ID, session.StagingPath); err != nil {
		_, _ = m.store.RemoveUploadSession(ctx, session.ID)
		return nil, err
	}

	f, err := os.Create(session.StagingPath)
	if err != nil {
		_, _ = m.store.RemoveUploadSession(ctx, session.ID)
		return nil, fmt.Errorf("create staging file: %w", err)
	}
	_ = f.Close()

	m.logger.Info("upload session created",
		logging.String(logging.FieldSessionID, session.ID),
		logging.String("filename", filename),
		logging.Int64("total_size", totalSize))
	return session, nil
}

func (m *Manager) checkDiskSpace(totalSize int64) error {
	if err := os.MkdirAll(m.stagingDir, 0o755); err != nil {
		return fmt.Errorf("ensure staging dir: %w", err)
	}
	free, err := m.statfs(m.stagingDir)
	if err != nil {
		return fmt.Errorf("stat staging filesystem: %w", err)
	}
	// Keep headroom: the assembled file plus a tenth for temp artifacts.
	needed := uint64(totalSize) + uint64(totalSize)/10
	if free < needed {
		return services.Wrap(services.ErrSizeLimit, "upload", "preflight",
			fmt.Sprintf("insufficient disk: need %d bytes, %d free", needed, free), nil)
	}
	return nil
}

// Status returns the session state a client needs to resume: the confirmed
// offset and expiry.
func (m *Manager) Status(ctx context.Context, sessionID string) (*documents.UploadSession, error) {
	session, err := m.store.GetUploadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, services.Wrap(services.ErrNotFound, "upload", "status", sessionID, nil)
	}
	if session.Expired(time.Now()) && !session.Status.Terminal() {
		return nil, services.Wrap(services.ErrNotFound, "upload", "status",
			fmt.Sprintf("session %s expired", sessionID), nil)
	}
	return session, nil
}

// WriteChunk appends bytes at the given offset. The offset must equal the
// confirmed byte count; retransmits of earlier data and gaps are both
// protocol violations and leave the session state unchanged.
func (m *Manager) WriteChunk(ctx context.Context, sessionID string, offset int64, data io.Reader) (*documents.UploadSession, error) {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := m.store.GetUploadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, services.Wrap(services.ErrNotFound, "upload", "chunk", sessionID, nil)
	}
	if session.Status.Terminal() {
		return nil, services.Wrap(services.ErrProtocolViolation, "upload", "chunk",
			fmt.Sprintf("session already %s", session.Status), nil)
	}
	if session.Expired(time.Now()) {
		return nil, services.Wrap(services.ErrProtocolViolation, "upload", "chunk",
			"session expired", nil)
	}
	if offset != session.BytesReceived {
		return nil, services.Wrap(services.ErrProtocolViolation, "upload", "chunk",
			fmt.Sprintf("offset %d does not match confirmed %d", offset, session.BytesReceived), nil)
	}

	written, err := m.appendChunk(session, data)
	if err != nil {
		return nil, err
	}
	newOffset := session.BytesReceived + written
	if newOffset > session.TotalSize {
		// Truncate back to the confirmed offset; the overlong chunk never counts.
		_ = os.Truncate(session.StagingPath, session.BytesReceived)
		return nil, services.Wrap(services.ErrProtocolViolation, "upload", "chunk",
			fmt.Sprintf("chunk overruns declared size %d", session.TotalSize), nil)
	}

	ok, err := m.store.AdvanceUploadSession(ctx, sessionID, offset, newOffset)
	if err != nil {
		return nil, err
	}
	if !ok {
		_ = os.Truncate(session.StagingPath, session.BytesReceived)
		return nil, services.Wrap(services.ErrProtocolViolation, "upload", "chunk",
			"confirmed offset moved during write", nil)
	}
	session.BytesReceived = newOffset
	session.Status = documents.UploadReceiving

	m.logger.Debug("chunk accepted",
		logging.String(logging.FieldSessionID, sessionID),
		logging.Int64("offset", offset),
		logging.Int64("bytes", written),
		logging.Int64("received", newOffset))

	if newOffset == session.TotalSize {
		if err := m.finalize(ctx, session); err != nil {
			return nil, err
		}
	}
	return session, nil
}

func (m *Manager) appendChunk(session *documents.UploadSession, data io.Reader) (int64, error) {
	f, err := os.OpenFile(session.StagingPath, os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open staging file: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(session.BytesReceived, io.SeekStart); err != nil {
		return 0, fmt.Errorf("seek staging file: %w", err)
	}
	written, err := io.Copy(f, data)
	if err != nil {
		// Partial bytes past the confirmed offset are discarded on the
		// next attempt by the offset check.
		_ = os.Truncate(session.StagingPath, session.BytesReceived)
		return 0, fmt.Errorf("write chunk: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close staging file: %w", err)
	}
	return written, nil
}

// finalize uploads the assembled file and hands it to the document sink. The
// staging file is removed only after both succeed; any failure here is
// terminal for the session and persists the reason.
func (m *Manager) finalize(ctx context.Context, session *documents.UploadSession) error {
	if err := m.store.SetUploadSessionStatus(ctx, session.ID, documents.UploadAssembling); err != nil {
		return err
	}
	session.Status = documents.UploadAssembling

	info, err := os.Stat(session.StagingPath)
	if err != nil {
		return m.failSession(ctx, session,
			services.Wrap(services.ErrAssembly, "upload", "finalize", "stat assembled file", err))
	}
	if info.Size() != session.TotalSize {
		return m.failSession(ctx, session,
			services.Wrap(services.ErrAssembly, "upload", "finalize",
				fmt.Sprintf("assembled %d bytes, declared %d", info.Size(), session.TotalSize), nil))
	}

	f, err := os.Open(session.StagingPath)
	if err != nil {
		return m.failSession(ctx, session,
			services.Wrap(services.ErrAssembly, "upload", "finalize", "open assembled file", err))
	}
	defer f.Close()

	key := storageKey(session)
	finalKey, err := m.writer.Store(ctx, key, f, session.TotalSize)
	if err != nil {
		return m.failSession(ctx, session,
			services.Wrap(services.ErrAssembly, "upload", "finalize", "store object", err))
	}

	if err := m.sink(ctx, session.UserID, session.Filename, finalKey, session.TotalSize); err != nil {
		return m.failSession(ctx, session, fmt.Errorf("register document: %w", err))
	}
	if err := m.store.CompleteUploadSession(ctx, session.ID); err != nil {
		return err
	}
	session.Status = documents.UploadUploaded
	_ = os.Remove(session.StagingPath)

	m.logger.Info("upload session finalized",
		logging.String(logging.FieldSessionID, session.ID),
		logging.String("storage_key", finalKey))
	return nil
}

// failSession records a terminal failure on the session so clients asking for
// status see what went wrong instead of a forever-incomplete upload. The
// staging file is removed; the bytes cannot be salvaged.
func (m *Manager) failSession(ctx context.Context, session *documents.UploadSession, cause error) error {
	if err := m.store.FailUploadSession(ctx, session.ID, cause.Error()); err != nil {
		m.logger.Warn("failed to record upload failure",
			logging.String(logging.FieldSessionID, session.ID),
			logging.Error(err))
	}
	session.Status = documents.UploadFailed
	session.ErrorMessage = documents.TruncateError(cause.Error())
	_ = os.Remove(session.StagingPath)

	m.logger.Error("upload session failed",
		logging.String(logging.FieldSessionID, session.ID),
		logging.String("filename", session.Filename),
		logging.Error(cause))
	return cause
}

func storageKey(session *documents.UploadSession) string {
	name := textutil.SanitizeStorageName(session.Filename)
	return fmt.Sprintf("%s/%s_%s", session.UserID, session.ID, name)
}

// Cancel aborts a session, removing the staging file and the session row.
// Cancelling a session that no longer exists is a no-op so retried cancels
// always succeed.
func (m *Manager) Cancel(ctx context.Context, sessionID string) error {
	session, err := m.store.GetUploadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session == nil {
		return nil
	}
	_ = os.Remove(session.StagingPath)
	if _, err := m.store.RemoveUploadSession(ctx, sessionID); err != nil {
		return err
	}
	m.logger.Info("upload session cancelled", logging.String(logging.FieldSessionID, sessionID))
	m.dropSessionLock(sessionID)
	return nil
}

// SweepExpired removes sessions past their expiry along with their staging
// files. Returns how many sessions were removed.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	expired, err := m.store.ExpiredUploadSessions(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, session := range expired {
		_ = os.Remove(session.StagingPath)
		if _, err := m.store.RemoveUploadSession(ctx, session.ID); err != nil {
			m.logger.Warn("failed to remove expired session",
				logging.String(logging.FieldSessionID, session.ID),
				logging.Error(err))
			continue
		}
		m.dropSessionLock(session.ID)
		removed++
		m.logger.Info("expired upload session removed",
			logging.String(logging.FieldSessionID, session.ID),
			logging.String("filename", session.Filename))
		if err := m.notifier.NotifyUploadExpired(ctx, session.Filename); err != nil {
			m.logger.Warn("expiry notification failed", logging.Error(err))
		}
	}
	return removed, nil
}

func (m *Manager) sessionLock(sessionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.sessionMus[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		m.sessionMus[sessionID] = lock
	}
	return lock
}

func (m *Manager) dropSessionLock(sessionID string) {
	m.mu.Lock()
	delete(m.sessionMus, sessionID)
	m.mu.Unlock()
}
