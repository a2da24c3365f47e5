package transfer

import (
	"crypto/sha256"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Mmx233/QLink/config"
	"github.com/Mmx233/QLink/integrity"
	"github.com/Mmx233/QLink/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// AcceptFunc decides whether an announced inbound transfer is accepted. A
// rejection may carry a reason that is sent back to the announcer.
type AcceptFunc func(meta *protocol.FileMetadataMsg) (accept bool, reason string)

// DefaultUpdateBuffer is the capacity of the Updates channel.
const DefaultUpdateBuffer = 64

type Options struct {
	DeviceID string
	// SessionKey is the key material shared with the peer. Integrity records
	// are produced and verified only when it is set.
	SessionKey []byte
	// MismatchPolicy is config.MismatchWarn or config.MismatchFail.
	MismatchPolicy string
	MaxFileSize    int64
	Accept         AcceptFunc
	Logger         zerolog.Logger
	Clock          func() time.Time
}

// Manager owns the transfer table of one agent. It performs no I/O: every
// operation returns the message, if any, the caller should send.
type Manager struct {
	opts   Options
	macKey []byte
	logger zerolog.Logger

	mu        sync.Mutex
	transfers map[string]*record

	updates chan Transfer
}

func NewManager(opts Options) (*Manager, error) {
	if opts.MismatchPolicy == "" {
		opts.MismatchPolicy = config.MismatchWarn
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = config.DefaultMaxFile
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	m := &Manager{
		opts:      opts,
		logger:    opts.Logger.With().Str("com", "transfer").Logger(),
		transfers: make(map[string]*record),
		updates:   make(chan Transfer, DefaultUpdateBuffer),
	}
	if len(opts.SessionKey) > 0 {
		key, err := integrity.DeriveKey(opts.SessionKey)
		if err != nil {
			return nil, fmt.Errorf("derive integrity key: %w", err)
		}
		m.macKey = key
	}
	return m, nil
}

// Announcement describes a file offered to a peer.
type Announcement struct {
	SessionID string
	To        string
	FileName  string
	FileSize  int64
	MIMEType  string
	Digest    []byte
	// Leaves are precomputed chunk digests. When set, Digest is required.
	Leaves [][]byte
}

// Announce registers an outbound transfer awaiting the peer's ack.
func (m *Manager) Announce(a Announcement) (*protocol.FileMetadataMsg, error) {
	if a.FileName == "" {
		return nil, fmt.Errorf("%w: empty file name", ErrInvalidAnnouncement)
	}
	if a.FileSize < 0 || a.FileSize > m.opts.MaxFileSize {
		return nil, fmt.Errorf("%w: size %d outside [0, %d]", ErrInvalidAnnouncement, a.FileSize, m.opts.MaxFileSize)
	}
	if len(a.Leaves) > 0 && len(a.Digest) == 0 {
		return nil, fmt.Errorf("%w: chunk digests without file digest", ErrInvalidAnnouncement)
	}

	rec := newRecord(Transfer{
		ID:        uuid.New().String(),
		SessionID: a.SessionID,
		Peer:      a.To,
		FileName:  a.FileName,
		FileSize:  a.FileSize,
		MIMEType:  a.MIMEType,
		Digest:    slices.Clone(a.Digest),
		Direction: Sending,
		State:     StateAwaitingAck,
		CreatedAt: m.opts.Clock(),
	})
	if len(a.Leaves) > 0 {
		rec.leaves = slices.Clone(a.Leaves)
		rec.fixed = true
	}

	m.mu.Lock()
	m.transfers[rec.ID] = rec
	m.publishLocked(rec)
	m.mu.Unlock()

	m.logger.Info().Str("transfer_id", rec.ID).Str("file", a.FileName).Int64("size", a.FileSize).
		Str("to", a.To).Msg("transfer announced")

	return &protocol.FileMetadataMsg{
		Route:      m.route(rec),
		TransferID: rec.ID,
		FileName:   rec.FileName,
		FileSize:   rec.FileSize,
		MIMEType:   rec.MIMEType,
		Digest:     slices.Clone(rec.Digest),
	}, nil
}

// HandleMetadata answers an inbound announcement. Accepted transfers start in
// Transferring; rejected ones are kept as Failed with the reason.
func (m *Manager) HandleMetadata(msg *protocol.FileMetadataMsg) *protocol.FileAckMsg {
	ack := &protocol.FileAckMsg{
		Route:      protocol.Route{SessionID: msg.SessionID, From: m.opts.DeviceID, To: msg.From},
		TransferID: msg.TransferID,
	}
	logger := m.logger.With().Str("transfer_id", msg.TransferID).Str("from", msg.From).Logger()

	reason := ""
	switch {
	case msg.TransferID == "":
		ack.Reason = "missing transfer id"
		return ack
	case msg.FileName == "":
		reason = "missing file name"
	case msg.FileSize < 0 || msg.FileSize > m.opts.MaxFileSize:
		reason = fmt.Sprintf("file size %d not allowed", msg.FileSize)
	}

	if m.exists(msg.TransferID) {
		logger.Warn().Msg("duplicate transfer announcement")
		ack.Reason = ErrDuplicateTransfer.Error()
		return ack
	}

	// Accept may call back into the manager, so it runs unlocked.
	accepted := reason == ""
	if accepted && m.opts.Accept != nil {
		accepted, reason = m.opts.Accept(msg)
	}

	rec := newRecord(Transfer{
		ID:        msg.TransferID,
		SessionID: msg.SessionID,
		Peer:      msg.From,
		FileName:  msg.FileName,
		FileSize:  msg.FileSize,
		MIMEType:  msg.MIMEType,
		Digest:    slices.Clone(msg.Digest),
		Direction: Receiving,
		CreatedAt: m.opts.Clock(),
	})
	if accepted {
		rec.State = StateTransferring
	} else {
		if reason == "" {
			reason = "rejected"
		}
		rec.State = StateFailed
		rec.Reason = reason
	}

	m.mu.Lock()
	if _, exists := m.transfers[rec.ID]; exists {
		m.mu.Unlock()
		logger.Warn().Msg("duplicate transfer announcement")
		ack.Reason = ErrDuplicateTransfer.Error()
		return ack
	}
	m.transfers[rec.ID] = rec
	m.publishLocked(rec)
	m.mu.Unlock()

	if accepted {
		logger.Info().Str("file", msg.FileName).Int64("size", msg.FileSize).Msg("transfer accepted")
	} else {
		logger.Info().Str("reason", reason).Msg("transfer rejected")
		ack.Reason = reason
	}
	ack.Accepted = accepted
	return ack
}

// HandleAck applies the peer's verdict on an outbound transfer.
func (m *Manager) HandleAck(msg *protocol.FileAckMsg) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.lookupLocked(msg.TransferID)
	if err != nil {
		return err
	}
	if rec.Direction != Sending || rec.State != StateAwaitingAck {
		return fmt.Errorf("%w: ack for %s transfer in %s", ErrInvalidState, rec.Direction, rec.State)
	}
	if msg.Accepted {
		rec.State = StateTransferring
		m.logger.Info().Str("transfer_id", rec.ID).Msg("transfer accepted by peer")
	} else {
		rec.State = StateFailed
		rec.Reason = msg.Reason
		if rec.Reason == "" {
			rec.Reason = "rejected"
		}
		m.logger.Info().Str("transfer_id", rec.ID).Str("reason", rec.Reason).Msg("transfer rejected by peer")
	}
	m.publishLocked(rec)
	return nil
}

// AddChunk accounts for one chunk sent or received, recording its digest for
// the integrity record.
func (m *Manager) AddChunk(id string, chunk []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.lookupLocked(id)
	if err != nil {
		return err
	}
	if rec.State != StateTransferring {
		return fmt.Errorf("%w: chunk for transfer in %s", ErrInvalidState, rec.State)
	}
	if !rec.fixed {
		sum := sha256.Sum256(chunk)
		rec.leaves = append(rec.leaves, sum[:])
		rec.whole.Write(chunk)
	}
	rec.advance(rec.BytesTransferred + int64(len(chunk)))
	return nil
}

// Progress records local progress of an outbound transfer and returns the
// update for the peer. Progress never moves backward.
func (m *Manager) Progress(id string, bytesTransferred int64) (*protocol.FileProgressMsg, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.lookupLocked(id)
	if err != nil {
		return nil, err
	}
	if rec.State != StateTransferring {
		return nil, fmt.Errorf("%w: progress for transfer in %s", ErrInvalidState, rec.State)
	}
	rec.advance(bytesTransferred)
	m.publishLocked(rec)
	return &protocol.FileProgressMsg{
		Route:            m.route(rec),
		TransferID:       rec.ID,
		BytesTransferred: rec.BytesTransferred,
	}, nil
}

func (m *Manager) HandleProgress(msg *protocol.FileProgressMsg) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.lookupLocked(msg.TransferID)
	if err != nil {
		return err
	}
	if rec.State != StateTransferring {
		return fmt.Errorf("%w: progress for transfer in %s", ErrInvalidState, rec.State)
	}
	rec.advance(msg.BytesTransferred)
	m.publishLocked(rec)
	return nil
}

// Finish completes an outbound transfer and builds the end message. A
// successful end carries the integrity record when a session key is
// configured and chunk digests are known.
func (m *Manager) Finish(id string, success bool, failure string) (*protocol.FileEndMsg, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.lookupLocked(id)
	if err != nil {
		return nil, err
	}
	if rec.Direction != Sending || rec.State != StateTransferring {
		return nil, fmt.Errorf("%w: finish %s transfer in %s", ErrInvalidState, rec.Direction, rec.State)
	}

	end := &protocol.FileEndMsg{
		Route:            m.route(rec),
		TransferID:       rec.ID,
		Success:          success,
		BytesTransferred: rec.BytesTransferred,
	}
	if !success {
		if failure == "" {
			failure = "sender aborted"
		}
		end.Error = failure
		rec.State = StateFailed
		rec.Reason = failure
		m.publishLocked(rec)
		return end, nil
	}

	if m.macKey != nil && len(rec.leaves) > 0 {
		sig, err := integrity.Sign(m.macKey, rec.ID, rec.leaves, rec.fileDigest())
		if err != nil {
			return nil, fmt.Errorf("sign transfer %s: %w", rec.ID, err)
		}
		end.MerkleRoot = sig.Root
		end.MerkleRootSignature = sig.Signature
		end.MerkleRootSignatureAlg = sig.Algorithm
	}
	if rec.BytesTransferred != rec.FileSize {
		rec.SizeMismatch = true
		m.logger.Error().Str("transfer_id", rec.ID).Int64("declared", rec.FileSize).
			Int64("sent", rec.BytesTransferred).Msg("transfer size mismatch")
	}
	rec.State = StateCompleted
	m.publishLocked(rec)
	m.logger.Info().Str("transfer_id", rec.ID).Int64("bytes", rec.BytesTransferred).Msg("transfer finished")
	return end, nil
}

// HandleEnd completes an inbound transfer. The returned error is non-nil when
// the transfer ends Failed because of its integrity record or, under the fail
// policy, a size mismatch.
func (m *Manager) HandleEnd(msg *protocol.FileEndMsg) (Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.lookupLocked(msg.TransferID)
	if err != nil {
		return Transfer{}, err
	}
	if rec.Direction != Receiving || rec.State.Terminal() {
		return rec.snapshot(), fmt.Errorf("%w: end for %s transfer in %s", ErrInvalidState, rec.Direction, rec.State)
	}
	logger := m.logger.With().Str("transfer_id", rec.ID).Logger()
	defer m.publishLocked(rec)

	if !msg.Success {
		rec.State = StateFailed
		rec.Reason = msg.Error
		if rec.Reason == "" {
			rec.Reason = "sender reported failure"
		}
		logger.Warn().Str("reason", rec.Reason).Msg("transfer failed")
		return rec.snapshot(), nil
	}

	if err := m.verifyLocked(rec, msg); err != nil {
		rec.State = StateFailed
		rec.Reason = err.Error()
		logger.Error().Err(err).Msg("transfer integrity verification failed")
		return rec.snapshot(), fmt.Errorf("%w: %w", ErrIntegrity, err)
	}

	rec.BytesTransferred = msg.BytesTransferred
	if msg.BytesTransferred != rec.FileSize {
		rec.SizeMismatch = true
		logger.Error().Int64("declared", rec.FileSize).Int64("reported", msg.BytesTransferred).
			Str("policy", m.opts.MismatchPolicy).Msg("transfer size mismatch")
		if m.opts.MismatchPolicy == config.MismatchFail {
			rec.State = StateFailed
			rec.Reason = ErrSizeMismatch.Error()
			return rec.snapshot(), fmt.Errorf("%w: declared %d, reported %d",
				ErrSizeMismatch, rec.FileSize, msg.BytesTransferred)
		}
	}
	rec.State = StateCompleted
	logger.Info().Int64("bytes", msg.BytesTransferred).Msg("transfer completed")
	return rec.snapshot(), nil
}

// verifyLocked checks the integrity record of a successful end. With a session
// key, observed chunks must be covered by a record; a record without observed
// chunks fails as invalid leaves.
func (m *Manager) verifyLocked(rec *record, msg *protocol.FileEndMsg) error {
	present := len(msg.MerkleRoot) > 0 || len(msg.MerkleRootSignature) > 0 || msg.MerkleRootSignatureAlg != ""
	if m.macKey == nil {
		if present {
			m.logger.Warn().Str("transfer_id", rec.ID).Msg("integrity record present but no session key configured, not verified")
		}
		return nil
	}
	if !present {
		if len(rec.leaves) > 0 {
			return integrity.ErrMissingRecord
		}
		return nil
	}
	if err := integrity.Check(m.macKey, rec.ID, rec.leaves, rec.fileDigest(), integrity.Record{
		Root:      msg.MerkleRoot,
		Signature: msg.MerkleRootSignature,
		Algorithm: msg.MerkleRootSignatureAlg,
	}); err != nil {
		return err
	}
	m.logger.Debug().Str("transfer_id", rec.ID).Msg("transfer integrity verified")
	return nil
}

// Cancel moves a transfer to Cancelled and returns the notice for the peer.
func (m *Manager) Cancel(id, reason string) (*protocol.FileCancelMsg, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.lookupLocked(id)
	if err != nil {
		return nil, err
	}
	m.cancelLocked(rec, reason)
	return &protocol.FileCancelMsg{Route: m.route(rec), TransferID: rec.ID, Reason: reason}, nil
}

func (m *Manager) HandleCancel(msg *protocol.FileCancelMsg) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.lookupLocked(msg.TransferID)
	if err != nil {
		return err
	}
	m.cancelLocked(rec, msg.Reason)
	return nil
}

func (m *Manager) cancelLocked(rec *record, reason string) {
	rec.State = StateCancelled
	rec.Reason = reason
	m.publishLocked(rec)
	m.logger.Info().Str("transfer_id", rec.ID).Str("reason", reason).Msg("transfer cancelled")
}

// Handle dispatches transfer messages from the inbound stream and returns the
// reply to send, if any. It reports false for message types that belong to
// other components.
func (m *Manager) Handle(msg protocol.Message) (reply protocol.Message, handled bool, err error) {
	switch v := msg.(type) {
	case *protocol.FileMetadataMsg:
		return m.HandleMetadata(v), true, nil
	case *protocol.FileAckMsg:
		return nil, true, m.HandleAck(v)
	case *protocol.FileProgressMsg:
		return nil, true, m.HandleProgress(v)
	case *protocol.FileEndMsg:
		_, err := m.HandleEnd(v)
		return nil, true, err
	case *protocol.FileCancelMsg:
		return nil, true, m.HandleCancel(v)
	default:
		return nil, false, nil
	}
}

func (m *Manager) Get(id string) (Transfer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.transfers[id]
	if !ok {
		return Transfer{}, false
	}
	return rec.snapshot(), true
}

// Active lists non-terminal transfers ordered by creation time.
func (m *Manager) Active() []Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Transfer
	for _, rec := range m.transfers {
		if !rec.State.Terminal() {
			out = append(out, rec.snapshot())
		}
	}
	slices.SortFunc(out, func(a, b Transfer) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// PurgeTerminal removes every completed, failed or cancelled transfer and
// returns how many were removed.
func (m *Manager) PurgeTerminal() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, rec := range m.transfers {
		if rec.State.Terminal() {
			delete(m.transfers, id)
			n++
		}
	}
	if n > 0 {
		m.logger.Debug().Int("count", n).Msg("purged terminal transfers")
	}
	return n
}

// Updates delivers a snapshot after every state or progress change. Updates
// are dropped when nobody keeps up.
func (m *Manager) Updates() <-chan Transfer {
	return m.updates
}

func (m *Manager) exists(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.transfers[id]
	return ok
}

func (m *Manager) lookupLocked(id string) (*record, error) {
	rec, ok := m.transfers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransfer, id)
	}
	return rec, nil
}

func (m *Manager) publishLocked(rec *record) {
	select {
	case m.updates <- rec.snapshot():
	default:
	}
}

func (m *Manager) route(rec *record) protocol.Route {
	return protocol.Route{SessionID: rec.SessionID, From: m.opts.DeviceID, To: rec.Peer}
}
