package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/offer-orchestrator/internal/model"
	"github.com/sells-group/offer-orchestrator/internal/monitoring"
	"github.com/sells-group/offer-orchestrator/internal/store"
)

var (
	decisionsLimit    int
	decisionsMember   string
	decisionsStatus   string
	decisionsLookback int
)

var decisionsCmd = &cobra.Command{
	Use:   "decisions",
	Short: "List recorded offer decisions",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initApp(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		list, err := env.Decisions.List(cmd.Context(), store.DecisionFilter{
			Status:   model.DecisionStatus(decisionsStatus),
			MemberID: decisionsMember,
			Limit:    decisionsLimit,
		})
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	},
}

var decisionsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print a decision-log health snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initApp(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		snap, err := monitoring.NewCollector(env.Decisions).Collect(cmd.Context(), decisionsLookback)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	},
}

func init() {
	decisionsCmd.Flags().IntVar(&decisionsLimit, "limit", 50, "max decisions to list")
	decisionsCmd.Flags().StringVar(&decisionsMember, "member", "", "filter by member id")
	decisionsCmd.Flags().StringVar(&decisionsStatus, "status", "", "filter by status (succeeded|failed)")
	decisionsStatsCmd.Flags().IntVar(&decisionsLookback, "lookback", 24, "lookback window in hours")
	decisionsCmd.AddCommand(decisionsStatsCmd)
	rootCmd.AddCommand(decisionsCmd)
}
