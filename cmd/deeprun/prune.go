package main

import (
	"github.com/spf13/cobra"

	"github.com/metalagman/deeprun/internal/logging"
	"github.com/metalagman/deeprun/internal/store"
	"github.com/metalagman/deeprun/internal/workspace"
)

func pruneCmd() *cobra.Command {
	var (
		keepLast int
		keepDays int
		dryRun   bool
	)
	cmd := &cobra.Command{
		Use:   "prune <project-id>",
		Short: "Delete old terminal runs and their workspace branches",
		Long: "Delete terminal runs past the retention policy, then drop each pruned " +
			"run's workspace branch and worktree. Active runs are always kept. " +
			"Flags fall back to the retention section of the config file.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			policy := store.RetentionPolicy{KeepLast: keepLast, KeepDays: keepDays}
			if !cmd.Flags().Changed("keep-last") {
				policy.KeepLast = cfg.Retention.KeepLast
			}
			if !cmd.Flags().Changed("keep-days") {
				policy.KeepDays = cfg.Retention.KeepDays
			}

			var (
				st *store.Store
				wm *workspace.Manager
			)
			teardown, err := withRuntime(cmd.Context(), &st, &wm)
			if err != nil {
				return err
			}
			defer teardown()

			res, err := st.PruneRuns(cmd.Context(), args[0], policy, dryRun)
			if err != nil {
				return err
			}
			if !dryRun {
				logger := logging.Component("prune")
				for _, pr := range res.Pruned {
					ws, err := wm.Open(pr.ProjectID)
					if err != nil {
						logger.Warn().Err(err).Str("projectId", pr.ProjectID).Msg("open workspace")
						continue
					}
					if err := ws.DeleteBranch(pr.Branch); err != nil {
						logger.Warn().Err(err).
							Str("runId", pr.RunID).
							Str("branch", pr.Branch).
							Msg("delete run branch")
					}
				}
			}
			return printJSON(res)
		},
	}
	cmd.Flags().IntVar(&keepLast, "keep-last", 0, "keep this many most recent runs")
	cmd.Flags().IntVar(&keepDays, "keep-days", 0, "keep runs younger than this many days")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be pruned without deleting")
	return cmd
}
