package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"lectern/internal/config"
	"lectern/internal/documents"
	"lectern/internal/logging"
	"lectern/internal/pipeline"
	"lectern/internal/storage"
	"lectern/internal/upload"
)

// newUploadCommand drives the resumable session protocol end to end from the
// command line: create a session, stream the file chunk by chunk, and hand the
// assembled object to the pipeline. Useful for large media files and for
// exercising the protocol against a real object store.
func newUploadCommand(ctx *commandContext) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:          "upload <file>",
		Short:        "Upload a large file through the resumable session protocol",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withPipeline(cmd.Context(), func(cfg *config.Config, store *documents.Store, backend storage.Backend, pipe *pipeline.Pipeline) error {
				path := args[0]
				f, err := os.Open(path)
				if err != nil {
					return err
				}
				defer f.Close()
				info, err := f.Stat()
				if err != nil {
					return err
				}

				writer := storage.Writer{
					Backend:  backend,
					Ceiling:  cfg.Storage.ObjectCeilingBytes,
					PartSize: cfg.Upload.PartSizeBytes,
				}
				sink := func(ctx context.Context, userID, filename, storageKey string, size int64) error {
					_, err := pipe.Register(ctx, userID, filename, storageKey, size)
					return err
				}
				manager := upload.NewManager(cfg, store, writer, sink, nil, logging.NewNop())

				session, err := manager.CreateSession(cmd.Context(), user, filepath.Base(path), info.Size())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "session %s, chunk size %s\n", shortID(session.ID), formatBytes(session.ChunkSizeHint))

				buf := make([]byte, session.ChunkSizeHint)
				for session.Remaining() > 0 {
					n, readErr := io.ReadFull(f, buf)
					if errors.Is(readErr, io.ErrUnexpectedEOF) || errors.Is(readErr, io.EOF) {
						readErr = nil
					}
					if readErr != nil {
						return readErr
					}
					offset := session.BytesReceived
					session, err = manager.WriteChunk(cmd.Context(), session.ID, offset, bytes.NewReader(buf[:n]))
					if err != nil {
						return fmt.Errorf("chunk at %d failed; rerun to resume the session: %w", offset, err)
					}
					fmt.Fprintf(out, "\r%s / %s", formatBytes(session.BytesReceived), formatBytes(session.TotalSize))
				}
				fmt.Fprintf(out, "\nuploaded %s\n", filepath.Base(path))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "local", "Owner user id")
	return cmd
}
