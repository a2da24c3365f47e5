// Package agent runs one device: the relay connection, its negotiation
// session and its file transfers.
package agent

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/Mmx233/QLink/client"
	"github.com/Mmx233/QLink/config"
	"github.com/Mmx233/QLink/integrity"
	"github.com/Mmx233/QLink/protocol"
	"github.com/Mmx233/QLink/signaling"
	"github.com/Mmx233/QLink/transfer"
	"github.com/Mmx233/QLink/transport"
	"github.com/rs/zerolog"
)

type Options struct {
	// Dialer overrides the transport built from the relay URL.
	Dialer transport.Dialer
	// Resolver locates the relay serving the configured peer. Defaults to a
	// StaticResolver over the relay section of the config.
	Resolver Resolver
	// Sessions keeps QUIC resumption tickets across agent restarts.
	Sessions *transport.SessionCacheManager
	Accept   transfer.AcceptFunc
	Logger   zerolog.Logger
}

type Agent struct {
	cfg    *config.Agent
	logger zerolog.Logger

	conn      *client.Connection
	session   *signaling.Session
	transfers *transfer.Manager
}

func New(ctx context.Context, cfg *config.Agent, opts Options) (*Agent, error) {
	logger := opts.Logger.With().
		Str("com", "agent").
		Str("device_id", cfg.DeviceID).
		Logger()

	dialer := opts.Dialer
	if dialer == nil {
		resolver := opts.Resolver
		if resolver == nil {
			resolver = &StaticResolver{Default: cfg.Relay.URL, Peers: cfg.Relay.Peers}
		}
		relayURL, err := resolver.Resolve(ctx, cfg.Session.PeerDeviceID)
		if err != nil {
			return nil, fmt.Errorf("resolve relay: %w", err)
		}
		dialer, err = NewDialer(cfg, relayURL, opts.Sessions)
		if err != nil {
			return nil, err
		}
		logger.Debug().Str("relay", relayURL).Msg("relay resolved")
	}

	conn := client.New(client.Options{
		DeviceID: cfg.DeviceID,
		Token:    cfg.Token,
		Limits:   cfg.Limits,
		Dialer:   dialer,
		Logger:   opts.Logger,
	})

	transfers, err := transfer.NewManager(transfer.Options{
		DeviceID:       cfg.DeviceID,
		SessionKey:     cfg.SessionKey(),
		MismatchPolicy: cfg.Transfer.MismatchPolicy,
		MaxFileSize:    cfg.Transfer.MaxFileSize,
		Accept:         opts.Accept,
		Logger:         opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create transfer manager: %w", err)
	}

	return &Agent{
		cfg:       cfg,
		logger:    logger,
		conn:      conn,
		session:   signaling.NewSession(conn, cfg.DeviceID, opts.Logger),
		transfers: transfers,
	}, nil
}

// leaveTimeout bounds the best-effort leave notice on shutdown.
const leaveTimeout = 2 * time.Second

// Run connects, joins the configured session and serves inbound messages
// until ctx is cancelled or the connection fails for good.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.conn.Connect(ctx); err != nil {
		return fmt.Errorf("connect relay: %w", err)
	}
	a.logger.Info().Str("connection_id", a.conn.ID()).Msg("agent connected")
	defer a.shutdown()

	a.join(ctx)

	purge := time.NewTicker(config.DefaultPurgeEvery)
	defer purge.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-a.conn.Messages():
			a.dispatch(ctx, msg)
		case sc := <-a.conn.States():
			if err := a.onStateChange(ctx, sc); err != nil {
				return err
			}
		case ev := <-a.conn.SecurityEvents():
			a.logger.Warn().
				Str("kind", ev.Kind.String()).
				Str("connection_id", ev.ConnectionID).
				Str("reason", ev.Reason).
				Uint64("dropped", ev.Dropped).
				Int("window_drops", ev.WindowDrops).
				Dur("window", ev.Window).
				Msg("security event")
		case tr := <-a.transfers.Updates():
			a.logger.Debug().
				Str("transfer_id", tr.ID).
				Str("state", tr.State.String()).
				Int64("bytes", tr.BytesTransferred).
				Msg("transfer update")
		case <-purge.C:
			a.transfers.PurgeTerminal()
		}
	}
}

func (a *Agent) join(ctx context.Context) {
	if a.cfg.Session.ID == "" {
		return
	}
	if err := a.session.Join(ctx, a.cfg.Session.ID, a.cfg.Session.PeerDeviceID); err != nil {
		a.logger.Error().Err(err).Str("session_id", a.cfg.Session.ID).Msg("join session failed")
	}
}

func (a *Agent) onStateChange(ctx context.Context, sc client.StateChange) error {
	switch sc.To {
	case client.StateReconnecting:
		a.session.Reset()
	case client.StateAuthenticated:
		if sc.From == client.StateReconnecting {
			a.join(ctx)
		}
	case client.StateFailed:
		a.session.Reset()
		err := a.conn.LastError()
		if err == nil {
			err = client.ErrConnectionFailed
		}
		return fmt.Errorf("relay connection failed: %w", err)
	}
	return nil
}

func (a *Agent) dispatch(ctx context.Context, msg protocol.Message) {
	if a.session.Handle(msg) {
		return
	}
	reply, handled, err := a.transfers.Handle(msg)
	if handled {
		if err != nil {
			a.logger.Warn().Err(err).Str("type", string(msg.MessageType())).Msg("transfer message rejected")
		}
		if reply != nil {
			if err := a.conn.Send(ctx, reply); err != nil {
				a.logger.Error().Err(err).Str("type", string(reply.MessageType())).Msg("send reply failed")
			}
		}
		return
	}

	switch m := msg.(type) {
	case *protocol.ErrorMsg:
		a.logger.Warn().Str("code", m.Code).Str("message", m.Message).Msg("relay reported error")
	default:
		a.logger.Debug().Str("type", string(msg.MessageType())).Msg("unhandled message")
	}
}

func (a *Agent) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	a.session.Leave(ctx)
	a.conn.Disconnect()
	a.logger.Info().Msg("agent stopped")
}

// AnnounceFile offers the file at path to a peer in the joined session. An
// empty to addresses the session's default peer. It returns the transfer id.
func (a *Agent) AnnounceFile(ctx context.Context, path, to string) (string, error) {
	if st := a.session.State(); st != signaling.StateJoined {
		return "", fmt.Errorf("%w: session is %s", signaling.ErrInvalidState, st)
	}
	if to == "" {
		to = a.session.Peer()
	}
	if to == "" {
		return "", signaling.ErrNoPeer
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	leaves, digest, size, err := integrity.ChunkDigests(f, a.cfg.Transfer.ChunkSize)
	if err != nil {
		return "", err
	}
	meta, err := a.transfers.Announce(transfer.Announcement{
		SessionID: a.session.SessionID(),
		To:        to,
		FileName:  filepath.Base(path),
		FileSize:  size,
		MIMEType:  mime.TypeByExtension(filepath.Ext(path)),
		Digest:    digest,
		Leaves:    leaves,
	})
	if err != nil {
		return "", err
	}
	if err := a.conn.Send(ctx, meta); err != nil {
		if _, cerr := a.transfers.Cancel(meta.TransferID, "announcement not delivered"); cerr != nil {
			a.logger.Warn().Err(cerr).Msg("cancel undelivered transfer failed")
		}
		return "", fmt.Errorf("send file metadata: %w", err)
	}
	return meta.TransferID, nil
}

// Send routes a message produced by the caller, such as a progress update or
// end message from the transfer manager.
func (a *Agent) Send(ctx context.Context, msg protocol.Message) error {
	return a.conn.Send(ctx, msg)
}

func (a *Agent) Connection() *client.Connection { return a.conn }

func (a *Agent) Session() *signaling.Session { return a.session }

func (a *Agent) Transfers() *transfer.Manager { return a.transfers }
