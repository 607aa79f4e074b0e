package documents

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// ReplaceChunks swaps a document's chunk set in one transaction. Reprocessing
// a document must never leave chunks from the previous run behind.
func (s *Store) ReplaceChunks(ctx context.Context, documentID string, chunks []Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin chunk tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("clear chunks: %w", err)
	}

	timestamp := time.Now().UTC().Format(time.RFC3339Nano)
	for _, chunk := range chunks {
		var embedding any
		if len(chunk.Embedding) > 0 {
			data, err := json.Marshal(chunk.Embedding)
			if err != nil {
				return fmt.Errorf("marshal embedding: %w", err)
			}
			embedding = string(data)
		}
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO chunks (document_id, seq, text, embedding, created_at) VALUES (?, ?, ?, ?, ?)`,
			documentID,
			chunk.Seq,
			chunk.Text,
			embedding,
			timestamp,
		); err != nil {
			return fmt.Errorf("insert chunk %d: %w", chunk.Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit chunks: %w", err)
	}
	return nil
}

// ChunksForDocument returns a document's chunks in sequence order.
func (s *Store) ChunksForDocument(ctx context.Context, documentID string) ([]Chunk, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, document_id, seq, text, embedding, created_at FROM chunks WHERE document_id = ? ORDER BY seq`,
		documentID,
	)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var (
			chunk      Chunk
			embedding  sql.NullString
			createdRaw sql.NullString
		)
		if err := rows.Scan(&chunk.ID, &chunk.DocumentID, &chunk.Seq, &chunk.Text, &embedding, &createdRaw); err != nil {
			return nil, err
		}
		if embedding.Valid && embedding.String != "" {
			if err := json.Unmarshal([]byte(embedding.String), &chunk.Embedding); err != nil {
				return nil, fmt.Errorf("unmarshal embedding for chunk %d: %w", chunk.ID, err)
			}
		}
		if created, err := parseTimeString(createdRaw.String); err == nil {
			chunk.CreatedAt = created
		}
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}

// ChunkCount returns how many chunks a document has.
func (s *Store) ChunkCount(ctx context.Context, documentID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM chunks WHERE document_id = ?`, documentID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return count, nil
}
