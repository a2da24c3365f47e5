package config

import (
	"fmt"
	"os"

	"github.com/Mmx233/QLink/examples"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// AgentCmd writes the agent configuration template
var AgentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Generate agent configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		return writeTemplate("agent", examples.AgentConfig)
	},
}

// RelayCmd writes the relay configuration template
var RelayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Generate relay configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		return writeTemplate("relay", examples.RelayConfig)
	},
}

func writeTemplate(kind string, load func() ([]byte, error)) error {
	logger := log.With().Str("com", "generate").Logger()
	outputPath := GetConfigFile()

	if _, err := os.Stat(outputPath); err == nil {
		return fmt.Errorf("file already exists: %s", outputPath)
	}

	content, err := load()
	if err != nil {
		return fmt.Errorf("load %s config template: %w", kind, err)
	}
	if err := os.WriteFile(outputPath, content, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	logger.Info().Str("file", outputPath).Msgf("generated %s configuration", kind)
	return nil
}
