package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"lectern/internal/config"
	"lectern/internal/deps"
	"lectern/internal/documents"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:          "status",
		Short:        "Show document counts, upload sessions, and dependency health",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withStore(func(cfg *config.Config, store *documents.Store) error {
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)

				stats, err := store.Stats(cmd.Context())
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(stats))
				for _, status := range documents.AllStatuses() {
					count, ok := stats[status]
					if !ok {
						continue
					}
					rows = append(rows, []string{
						paintStatus(string(status), colorize),
						fmt.Sprintf("%d", count),
					})
				}
				fmt.Fprintln(out, "Documents")
				if len(rows) == 0 {
					fmt.Fprintln(out, "  none")
				} else {
					fmt.Fprintln(out, renderTable([]string{"STATUS", "COUNT"}, rows, 1))
				}

				expired, err := store.ExpiredUploadSessions(cmd.Context(), time.Now())
				if err != nil {
					return err
				}
				if len(expired) > 0 {
					fmt.Fprintf(out, "\nExpired upload sessions awaiting sweep: %d\n", len(expired))
				}

				fmt.Fprintln(out, "\nDependencies")
				for _, status := range deps.CheckBinaries(deps.Requirements(cfg)) {
					state := "ok"
					if !status.Available {
						state = "missing"
						if colorize {
							state = ansiRed + state + ansiReset
						}
					} else if colorize {
						state = ansiGreen + state + ansiReset
					}
					fmt.Fprintf(out, "  %-10s %s (%s)\n", status.Name, state, status.Command)
				}
				return nil
			})
		},
	}
}
