package run

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/Mmx233/QLink/config"
	"github.com/Mmx233/QLink/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	relayCmd = &cobra.Command{
		Use:   "relay",
		Short: "Start relay",
		Args:  cobra.NoArgs,
		RunE:  runRelay,
	}
)

func runRelay(cmd *cobra.Command, args []string) error {
	logger := log.With().Str("com", "relay-cmd").Logger()

	logger.Info().Str("config", configFile).Msg("loading configuration")
	cfg, err := config.LoadRelayConfig(configFile)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Msg("starting QLink relay")
		errCh <- server.New(cfg, log.Logger).Start(ctx)
	}()

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
		if err := <-errCh; err != nil {
			return err
		}
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("relay error")
			return err
		}
	}

	logger.Info().Msg("relay stopped")
	return nil
}
