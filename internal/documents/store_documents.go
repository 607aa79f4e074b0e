package documents

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const documentColumns = "id, user_id, filename, kind, status, storage_key, size_bytes, content_text, error_message, progress_stage, progress_percent, progress_message, progress_total_seconds, progress_processed_seconds, progress_total_segments, progress_done_segments, progress_current_segment, estimated_done_at, created_at, updated_at, queued_at, started_at, completed_at"

// NewDocument inserts a pending document and returns the stored row.
func (s *Store) NewDocument(ctx context.Context, userID, filename string, kind Kind, sizeBytes int64) (*Document, error) {
	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339Nano)
	id := uuid.NewString()

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO documents (
            id, user_id, filename, kind, status, size_bytes,
            progress_percent, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id,
		userID,
		filename,
		string(kind),
		StatusPending,
		sizeBytes,
		0.0,
		timestamp,
		timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert document: %w", err)
	}
	return s.GetDocument(ctx, id)
}

// GetDocument fetches a document by identifier. Returns nil when absent.
func (s *Store) GetDocument(ctx context.Context, id string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

// GetUserDocument fetches a document only if it belongs to the given user.
// Returns nil both when the document is absent and when it is owned by
// someone else, so callers cannot distinguish the two.
func (s *Store) GetUserDocument(ctx context.Context, id, userID string) (*Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = ? AND user_id = ?`, id, userID)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user document: %w", err)
	}
	return doc, nil
}

// UpdateDocument persists changes to an existing document.
func (s *Store) UpdateDocument(ctx context.Context, doc *Document) error {
	if doc == nil {
		return errors.New("document is nil")
	}
	doc.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE documents
         SET user_id = ?, filename = ?, kind = ?, status = ?, storage_key = ?,
             size_bytes = ?, content_text = ?, error_message = ?,
             progress_stage = ?, progress_percent = ?, progress_message = ?,
             progress_total_seconds = ?, progress_processed_seconds = ?,
             progress_total_segments = ?, progress_done_segments = ?,
             progress_current_segment = ?, estimated_done_at = ?,
             updated_at = ?, queued_at = ?, started_at = ?, completed_at = ?
         WHERE id = ?`,
		doc.UserID,
		doc.Filename,
		string(doc.Kind),
		doc.Status,
		nullableString(doc.StorageKey),
		doc.SizeBytes,
		nullableString(doc.ContentText),
		nullableString(doc.ErrorMessage),
		nullableString(doc.ProgressStage),
		doc.ProgressPercent,
		nullableString(doc.ProgressMessage),
		doc.ProgressTotalSeconds,
		doc.ProgressProcessedSeconds,
		doc.ProgressTotalSegments,
		doc.ProgressDoneSegments,
		doc.ProgressCurrentSegment,
		nullableTime(doc.EstimatedDoneAt),
		doc.UpdatedAt.Format(time.RFC3339Nano),
		nullableTime(doc.QueuedAt),
		nullableTime(doc.StartedAt),
		nullableTime(doc.CompletedAt),
		doc.ID,
	)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	return nil
}

// clearProgressColumns resets every in-flight progress column in one clause.
const clearProgressColumns = ", progress_stage = NULL, progress_percent = 0, progress_message = NULL" +
	", progress_total_seconds = 0, progress_processed_seconds = 0" +
	", progress_total_segments = 0, progress_done_segments = 0" +
	", progress_current_segment = 0, estimated_done_at = NULL"

// TransitionStatus moves a document between states atomically, returning false
// when the document was not in the expected state. This is what keeps two
// workers from both claiming the same queued document.
func (s *Store) TransitionStatus(ctx context.Context, id string, from, to Status) (bool, error) {
	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339Nano)

	var stampColumn string
	switch to {
	case StatusQueued:
		stampColumn = ", queued_at = ?"
	case StatusProcessing:
		stampColumn = ", started_at = ?"
	case StatusCompleted, StatusFailed:
		// Progress fields describe in-flight work only, so terminal
		// transitions clear them alongside the completion stamp.
		stampColumn = ", completed_at = ?" + clearProgressColumns
	}

	query := `UPDATE documents SET status = ?, updated_at = ?` + stampColumn + ` WHERE id = ? AND status = ?`
	args := []any{to, timestamp}
	if stampColumn != "" {
		args = append(args, timestamp)
	}
	args = append(args, id, from)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("transition %s -> %s: %w", from, to, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// ListDocuments returns documents filtered by status set (or all documents
// when no status is provided), oldest first.
func (s *Store) ListDocuments(ctx context.Context, statuses ...Status) ([]*Document, error) {
	var (
		rows *sql.Rows
		err  error
	)

	baseQuery := `SELECT ` + documentColumns + ` FROM documents`
	orderClause := ` ORDER BY created_at`

	if len(statuses) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(statuses))
		args := make([]any, len(statuses))
		for i, status := range statuses {
			args[i] = status
		}
		query := baseQuery + ` WHERE status IN (` + placeholders + `)` + orderClause
		rows, err = s.db.QueryContext(ctx, query, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// ListUserDocuments returns a user's documents, newest first.
func (s *Store) ListUserDocuments(ctx context.Context, userID string) ([]*Document, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+documentColumns+` FROM documents WHERE user_id = ? ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list user documents: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// ResetStuckProcessing returns in-flight documents to queued, for daemon
// restarts after a crash.
func (s *Store) ResetStuckProcessing(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE documents
         SET status = ?, progress_stage = 'Requeued after restart',
             progress_percent = 0, progress_message = NULL,
             progress_total_seconds = 0, progress_processed_seconds = 0,
             progress_total_segments = 0, progress_done_segments = 0,
             progress_current_segment = 0, estimated_done_at = NULL,
             updated_at = ?
         WHERE status = ?`,
		StatusQueued,
		time.Now().UTC().Format(time.RFC3339Nano),
		StatusProcessing,
	)
	if err != nil {
		return 0, fmt.Errorf("reset stuck documents: %w", err)
	}
	return res.RowsAffected()
}

// RemoveDocument deletes a document and its chunks.
func (s *Store) RemoveDocument(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete document: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// Stats returns a count of documents grouped by status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM documents GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("document stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

func scanDocument(scanner interface{ Scan(dest ...any) error }) (*Document, error) {
	var (
		id              string
		userID          string
		filename        string
		kindStr         string
		statusStr       string
		storageKey      sql.NullString
		sizeBytes       sql.NullInt64
		contentText     sql.NullString
		errorMessage    sql.NullString
		progressStage   sql.NullString
		progressPercent sql.NullFloat64
		progressMessage sql.NullString
		totalSeconds    sql.NullFloat64
		doneSeconds     sql.NullFloat64
		totalSegments   sql.NullInt64
		doneSegments    sql.NullInt64
		currentSegment  sql.NullInt64
		estimatedRaw    sql.NullString
		createdRaw      sql.NullString
		updatedRaw      sql.NullString
		queuedRaw       sql.NullString
		startedRaw      sql.NullString
		completedRaw    sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&userID,
		&filename,
		&kindStr,
		&statusStr,
		&storageKey,
		&sizeBytes,
		&contentText,
		&errorMessage,
		&progressStage,
		&progressPercent,
		&progressMessage,
		&totalSeconds,
		&doneSeconds,
		&totalSegments,
		&doneSegments,
		&currentSegment,
		&estimatedRaw,
		&createdRaw,
		&updatedRaw,
		&queuedRaw,
		&startedRaw,
		&completedRaw,
	); err != nil {
		return nil, err
	}

	doc := &Document{
		ID:              id,
		UserID:          userID,
		Filename:        filename,
		Kind:            Kind(kindStr),
		Status:          Status(statusStr),
		StorageKey:      storageKey.String,
		SizeBytes:       sizeBytes.Int64,
		ContentText:     contentText.String,
		ErrorMessage:    errorMessage.String,
		ProgressStage:   progressStage.String,
		ProgressPercent: progressPercent.Float64,
		ProgressMessage: progressMessage.String,

		ProgressTotalSeconds:     totalSeconds.Float64,
		ProgressProcessedSeconds: doneSeconds.Float64,
		ProgressTotalSegments:    int(totalSegments.Int64),
		ProgressDoneSegments:     int(doneSegments.Int64),
		ProgressCurrentSegment:   int(currentSegment.Int64),
	}
	doc.EstimatedDoneAt = parseOptionalTime(estimatedRaw)

	if created, err := parseTimeString(createdRaw.String); err == nil {
		doc.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		doc.UpdatedAt = updated
	}
	doc.QueuedAt = parseOptionalTime(queuedRaw)
	doc.StartedAt = parseOptionalTime(startedRaw)
	doc.CompletedAt = parseOptionalTime(completedRaw)
	return doc, nil
}

func parseOptionalTime(raw sql.NullString) *time.Time {
	if !raw.Valid {
		return nil
	}
	t, err := parseTimeString(raw.String)
	if err != nil {
		return nil
	}
	return &t
}
