package documents

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const sessionColumns = "id, user_id, filename, total_size, bytes_received, chunk_size_hint, staging_path, status, error, created_at, updated_at, expires_at"

// NewUploadSession inserts a new resumable upload session in the created state.
func (s *Store) NewUploadSession(ctx context.Context, userID, filename string, totalSize, chunkSizeHint int64, stagingPath string, ttl time.Duration) (*UploadSession, error) {
	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339Nano)
	id := uuid.NewString()

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO upload_sessions (
            id, user_id, filename, total_size, bytes_received, chunk_size_hint,
            staging_path, status, created_at, updated_at, expires_at
        ) VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?)`,
		id,
		userID,
		filename,
		totalSize,
		chunkSizeHint,
		stagingPath,
		string(UploadCreated),
		timestamp,
		timestamp,
		now.Add(ttl).Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert upload session: %w", err)
	}
	return s.GetUploadSession(ctx, id)
}

// GetUploadSession fetches a session by identifier. Returns nil when absent.
func (s *Store) GetUploadSession(ctx context.Context, id string) (*UploadSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM upload_sessions WHERE id = ?`, id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get upload session: %w", err)
	}
	return session, nil
}

// AdvanceUploadSession records newly accepted bytes and moves the session into
// the receiving state. The offset guard in the WHERE clause rejects stale
// writers racing on the same session, and terminal sessions never advance.
func (s *Store) AdvanceUploadSession(ctx context.Context, id string, fromOffset, newOffset int64) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE upload_sessions SET bytes_received = ?, status = ?, updated_at = ?
         WHERE id = ? AND bytes_received = ? AND status IN (?, ?)`,
		newOffset,
		string(UploadReceiving),
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
		fromOffset,
		string(UploadCreated),
		string(UploadReceiving),
	)
	if err != nil {
		return false, fmt.Errorf("advance upload session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// SetUploadStagingPath records where the partial file lives on disk.
func (s *Store) SetUploadStagingPath(ctx context.Context, id, stagingPath string) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE upload_sessions SET staging_path = ?, updated_at = ? WHERE id = ?`,
		stagingPath,
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("set staging path: %w", err)
	}
	return nil
}

// SetUploadSessionStatus moves a session to the given lifecycle status.
func (s *Store) SetUploadSessionStatus(ctx context.Context, id string, status UploadStatus) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE upload_sessions SET status = ?, updated_at = ? WHERE id = ?`,
		string(status),
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("set upload session status: %w", err)
	}
	return nil
}

// CompleteUploadSession marks a session uploaded so later chunk writes fail.
func (s *Store) CompleteUploadSession(ctx context.Context, id string) error {
	return s.SetUploadSessionStatus(ctx, id, UploadUploaded)
}

// FailUploadSession records a terminal failure with its reason. The message is
// truncated to the same limit as document error messages.
func (s *Store) FailUploadSession(ctx context.Context, id, message string) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE upload_sessions SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(UploadFailed),
		nullableString(TruncateError(message)),
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("fail upload session: %w", err)
	}
	return nil
}

// RemoveUploadSession deletes a session row.
func (s *Store) RemoveUploadSession(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM upload_sessions WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete upload session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// ExpiredUploadSessions returns sessions whose expiry passed before cutoff.
func (s *Store) ExpiredUploadSessions(ctx context.Context, cutoff time.Time) ([]*UploadSession, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+sessionColumns+` FROM upload_sessions WHERE expires_at < ? ORDER BY expires_at`,
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("query expired sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*UploadSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func scanSession(scanner interface{ Scan(dest ...any) error }) (*UploadSession, error) {
	var (
		id            string
		userID        string
		filename      string
		totalSize     int64
		bytesReceived int64
		chunkHint     sql.NullInt64
		stagingPath   string
		status        string
		errorMessage  sql.NullString
		createdRaw    sql.NullString
		updatedRaw    sql.NullString
		expiresRaw    sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&userID,
		&filename,
		&totalSize,
		&bytesReceived,
		&chunkHint,
		&stagingPath,
		&status,
		&errorMessage,
		&createdRaw,
		&updatedRaw,
		&expiresRaw,
	); err != nil {
		return nil, err
	}

	session := &UploadSession{
		ID:            id,
		UserID:        userID,
		Filename:      filename,
		TotalSize:     totalSize,
		BytesReceived: bytesReceived,
		ChunkSizeHint: chunkHint.Int64,
		StagingPath:   stagingPath,
		Status:        UploadStatus(status),
		ErrorMessage:  errorMessage.String,
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		session.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		session.UpdatedAt = updated
	}
	if expires, err := parseTimeString(expiresRaw.String); err == nil {
		session.ExpiresAt = expires
	}
	return session, nil
}
