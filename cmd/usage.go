package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/inference-gateway/internal/model"
	"github.com/sells-group/inference-gateway/internal/usage"
)

var (
	usageProcess string
	usageModel   string
	usageStatus  string
	usageSince   string
	usageUntil   string
	usageLimit   int
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Inspect the usage log",
}

var usageListCmd = &cobra.Command{
	Use:   "list",
	Short: "List usage log entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, err := usageFilter()
		if err != nil {
			return err
		}

		store, err := openUsageStore(cmd.Context(), cfg.Store)
		if err != nil {
			return err
		}
		defer store.Close()

		entries, err := store.List(cmd.Context(), filter)
		if err != nil {
			return err
		}
		return printJSON(cmd, entries)
	},
}

var usageSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Aggregate finalized usage per process and model",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, err := usageFilter()
		if err != nil {
			return err
		}

		store, err := openUsageStore(cmd.Context(), cfg.Store)
		if err != nil {
			return err
		}
		defer store.Close()

		summaries, err := store.Summarize(cmd.Context(), filter)
		if err != nil {
			return err
		}
		return printJSON(cmd, summaries)
	},
}

func usageFilter() (usage.Filter, error) {
	filter := usage.Filter{
		ProcessID: usageProcess,
		ModelID:   usageModel,
		Status:    model.TerminalStatus(usageStatus),
		Limit:     usageLimit,
	}
	if usageSince != "" {
		t, err := time.Parse(time.RFC3339, usageSince)
		if err != nil {
			return usage.Filter{}, eris.Wrap(err, "parse --since")
		}
		filter.Since = t
	}
	if usageUntil != "" {
		t, err := time.Parse(time.RFC3339, usageUntil)
		if err != nil {
			return usage.Filter{}, eris.Wrap(err, "parse --until")
		}
		filter.Until = t
	}
	return filter, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return eris.Wrap(err, "marshal output")
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

func init() {
	for _, c := range []*cobra.Command{usageListCmd, usageSummaryCmd} {
		c.Flags().StringVar(&usageProcess, "process", "", "filter by process ID")
		c.Flags().StringVar(&usageModel, "model", "", "filter by selected model ID")
		c.Flags().StringVar(&usageStatus, "status", "", "filter by terminal status")
		c.Flags().StringVar(&usageSince, "since", "", "only entries admitted at or after this RFC3339 timestamp")
		c.Flags().StringVar(&usageUntil, "until", "", "only entries admitted before this RFC3339 timestamp")
		c.Flags().IntVar(&usageLimit, "limit", 100, "maximum entries returned")
	}
	usageCmd.AddCommand(usageListCmd)
	usageCmd.AddCommand(usageSummaryCmd)
	rootCmd.AddCommand(usageCmd)
}
