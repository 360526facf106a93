package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/inference-gateway/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Multi-provider LLM inference gateway",
	Long:  "Authenticates processes, classifies prompts onto permitted models, schedules by priority band, and dispatches to Anthropic, OpenAI-compatible, and local providers with billing-grade usage accounting.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
