package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"lectern/internal/config"
	"lectern/internal/documents"
	"lectern/internal/pipeline"
	"lectern/internal/storage"
)

func newDocumentsCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "documents",
		Aliases: []string{"docs"},
		Short:   "Inspect and manage ingested documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newDocumentsListCommand(ctx))
	cmd.AddCommand(newDocumentsShowCommand(ctx))
	cmd.AddCommand(newDocumentsDeleteCommand(ctx))
	return cmd
}

func newDocumentsListCommand(ctx *commandContext) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:          "list",
		Short:        "List documents",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withStore(func(_ *config.Config, store *documents.Store) error {
				var (
					docs []*documents.Document
					err  error
				)
				if user != "" {
					docs, err = store.ListUserDocuments(cmd.Context(), user)
				} else {
					docs, err = store.ListDocuments(cmd.Context())
				}
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if len(docs) == 0 {
					fmt.Fprintln(out, "no documents")
					return nil
				}
				colorize := shouldColorize(out)
				rows := make([][]string, 0, len(docs))
				for _, doc := range docs {
					progress := "-"
					if doc.Status == documents.StatusProcessing {
						progress = fmt.Sprintf("%.0f%% %s", doc.ProgressPercent, doc.ProgressStage)
					}
					rows = append(rows, []string{
						shortID(doc.ID),
						doc.Filename,
						string(doc.Kind),
						paintStatus(string(doc.Status), colorize),
						progress,
						formatBytes(doc.SizeBytes),
						formatTime(doc.CreatedAt),
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"ID", "FILE", "KIND", "STATUS", "PROGRESS", "SIZE", "CREATED"},
					rows, 5))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "Only show documents owned by this user")
	return cmd
}

func newDocumentsShowCommand(ctx *commandContext) *cobra.Command {
	var withText bool
	cmd := &cobra.Command{
		Use:          "show <document-id>",
		Short:        "Show one document in detail",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(_ *config.Config, store *documents.Store) error {
				doc, err := resolveDocument(cmd.Context(), store, args[0])
				if err != nil {
					return err
				}
				chunkCount, err := store.ChunkCount(cmd.Context(), doc.ID)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)
				fmt.Fprintf(out, "ID:       %s\n", doc.ID)
				fmt.Fprintf(out, "User:     %s\n", doc.UserID)
				fmt.Fprintf(out, "File:     %s (%s, %s)\n", doc.Filename, doc.Kind, formatBytes(doc.SizeBytes))
				fmt.Fprintf(out, "Status:   %s\n", paintStatus(string(doc.Status), colorize))
				if doc.Status == documents.StatusProcessing {
					fmt.Fprintf(out, "Progress: %.0f%% %s %s\n", doc.ProgressPercent, doc.ProgressStage, doc.ProgressMessage)
					if doc.ProgressTotalSegments > 0 {
						fmt.Fprintf(out, "Segments: %d of %d done (%.0fs of %.0fs)\n",
							doc.ProgressDoneSegments, doc.ProgressTotalSegments,
							doc.ProgressProcessedSeconds, doc.ProgressTotalSeconds)
					}
					if doc.EstimatedDoneAt != nil {
						fmt.Fprintf(out, "ETA:      %s\n", formatTime(*doc.EstimatedDoneAt))
					}
				}
				if doc.ErrorMessage != "" {
					fmt.Fprintf(out, "Error:    %s\n", doc.ErrorMessage)
				}
				fmt.Fprintf(out, "Storage:  %s\n", doc.StorageKey)
				fmt.Fprintf(out, "Chunks:   %d\n", chunkCount)
				fmt.Fprintf(out, "Created:  %s\n", formatTime(doc.CreatedAt))
				if doc.CompletedAt != nil {
					fmt.Fprintf(out, "Finished: %s\n", formatTime(*doc.CompletedAt))
				}
				if withText && doc.ContentText != "" {
					fmt.Fprintf(out, "\n%s\n", truncateText(doc.ContentText, 2000))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&withText, "text", false, "Include extracted text (truncated)")
	return cmd
}

func newDocumentsDeleteCommand(ctx *commandContext) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:          "delete <document-id>",
		Short:        "Delete a document, its chunks, and its stored object",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withPipeline(cmd.Context(), func(_ *config.Config, store *documents.Store, _ storage.Backend, pipe *pipeline.Pipeline) error {
				doc, err := resolveDocument(cmd.Context(), store, args[0])
				if err != nil {
					return err
				}
				// Deletes are owner-scoped; without --user the CLI acts as
				// the document's owner.
				owner := doc.UserID
				if user != "" {
					owner = user
				}
				if err := pipe.Delete(cmd.Context(), doc.ID, owner); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s (%s)\n", shortID(doc.ID), doc.Filename)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "Delete on behalf of this user (must own the document)")
	return cmd
}

// resolveDocument accepts a full UUID or an unambiguous prefix.
func resolveDocument(ctx context.Context, store *documents.Store, ref string) (*documents.Document, error) {
	doc, err := store.GetDocument(ctx, ref)
	if err != nil {
		return nil, err
	}
	if doc != nil {
		return doc, nil
	}

	all, err := store.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}
	var matches []*documents.Document
	for _, candidate := range all {
		if len(ref) >= 4 && len(candidate.ID) >= len(ref) && candidate.ID[:len(ref)] == ref {
			matches = append(matches, candidate)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("no document matches %q", ref)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("%q matches %d documents, use more characters", ref, len(matches))
	}
}
