package main

import (
	"os"

	"github.com/spf13/cobra"

	"llm-playground/internal/infra/config"
)

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "playground",
	Short: "Chat with hosted and self-hosted LLMs from the terminal",
	Long: `playground streams replies from OpenAI, Anthropic, Gemini and
OpenAI-compatible servers and keeps every conversation in a local history.

Configuration is read from $HOME/.llm-playground/config.yaml (override with
--config or LLMPG_CONFIG). LLMPG_* environment variables override the file.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "config file path")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(newCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(doctorCmd)
}

// configPath resolves the config file from --config, LLMPG_CONFIG, then the
// default location.
func configPath() string {
	if configFlag != "" {
		return configFlag
	}
	if p := os.Getenv("LLMPG_CONFIG"); p != "" {
		return p
	}
	return config.DefaultPath()
}
