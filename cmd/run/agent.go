package run

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mmx233/QLink/agent"
	"github.com/Mmx233/QLink/client"
	"github.com/Mmx233/QLink/config"
	"github.com/Mmx233/QLink/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	agentCmd = &cobra.Command{
		Use:   "agent",
		Short: "Start agent",
		Args:  cobra.NoArgs,
		RunE:  runAgent,
	}

	restartDelay    = 5 * time.Second
	maxRestartDelay = 60 * time.Second
)

func runAgent(cmd *cobra.Command, args []string) error {
	logger := log.With().Str("com", "agent-cmd").Logger()

	logger.Info().Str("config", configFile).Msg("loading configuration")
	cfg, err := config.LoadAgentConfig(configFile)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- superviseAgent(ctx, cfg, log.Logger, nil)
	}()

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
		<-errCh
	case err := <-errCh:
		return err
	}

	logger.Info().Msg("agent stopped")
	return nil
}

// superviseAgent keeps an agent running, restarting it with exponential
// backoff when its relay connection fails for good. It gives up when the relay
// rejects the credentials. started, if set, sees every new agent instance.
func superviseAgent(ctx context.Context, cfg *config.Agent, logger zerolog.Logger, started func(*agent.Agent)) error {
	cmdLogger := logger.With().Str("com", "agent-cmd").Logger()
	sessions := transport.NewSessionCacheManager(agent.SessionCacheCapacity)

	currentDelay := restartDelay
	for {
		if ctx.Err() != nil {
			return nil
		}

		cmdLogger.Info().Msg("starting QLink agent")
		began := time.Now()

		a, err := agent.New(ctx, cfg, agent.Options{Sessions: sessions, Logger: logger})
		if err == nil {
			if started != nil {
				started(a)
			}
			err = a.Run(ctx)
		}
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, client.ErrAuthenticationFailed) {
			cmdLogger.Error().Err(err).Msg("relay rejected credentials")
			return err
		}

		// A long run means the previous failure was transient
		if time.Since(began) > maxRestartDelay {
			currentDelay = restartDelay
		}
		cmdLogger.Error().Err(err).Dur("retry_in", currentDelay).Msg("agent stopped with error, restarting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(currentDelay):
		}
		currentDelay = min(currentDelay*2, maxRestartDelay)
	}
}
