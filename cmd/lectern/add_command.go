package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"lectern/internal/config"
	"lectern/internal/documents"
	"lectern/internal/pipeline"
	"lectern/internal/storage"
)

func newAddCommand(ctx *commandContext) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:          "add <file>",
		Short:        "Store a file and queue it for processing",
		Long:         "Stores the file in object storage and queues it. A running daemon picks queued documents up within a few seconds.",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withPipeline(cmd.Context(), func(_ *config.Config, _ *documents.Store, _ storage.Backend, pipe *pipeline.Pipeline) error {
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

				doc, err := pipe.Submit(cmd.Context(), user, filepath.Base(path), f, info.Size())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "queued %s as %s (%s)\n",
					doc.Filename, shortID(doc.ID), formatBytes(doc.SizeBytes))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "local", "Owner user id")
	return cmd
}
