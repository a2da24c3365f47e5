// Package transfer tracks file transfers negotiated with a peer device and
// verifies their integrity records on completion.
package transfer

import (
	"crypto/sha256"
	"errors"
	"hash"
	"time"
)

type State int

const (
	StateIdle State = iota
	StateAwaitingAck
	StateTransferring
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingAck:
		return "awaiting_ack"
	case StateTransferring:
		return "transferring"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is expected.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

type Direction int

const (
	Sending Direction = iota
	Receiving
)

func (d Direction) String() string {
	if d == Sending {
		return "sending"
	}
	return "receiving"
}

var (
	ErrUnknownTransfer     = errors.New("unknown transfer")
	ErrDuplicateTransfer   = errors.New("duplicate transfer id")
	ErrInvalidState        = errors.New("invalid transfer state")
	ErrInvalidAnnouncement = errors.New("invalid transfer announcement")
	ErrIntegrity           = errors.New("transfer integrity check failed")
	ErrSizeMismatch        = errors.New("transferred size differs from declared size")
)

// Transfer is a snapshot of one transfer.
type Transfer struct {
	ID               string
	SessionID        string
	Peer             string
	FileName         string
	FileSize         int64
	MIMEType         string
	Digest           []byte
	Direction        Direction
	State            State
	BytesTransferred int64
	CreatedAt        time.Time
	Reason           string
	SizeMismatch     bool
}

// record is the mutable state behind a Transfer, owned by the Manager.
type record struct {
	Transfer

	// leaves are the chunk digests observed locally. When fixed is set they
	// were supplied up front and chunks only advance the byte count.
	leaves [][]byte
	fixed  bool
	whole  hash.Hash
}

func newRecord(t Transfer) *record {
	return &record{Transfer: t, whole: sha256.New()}
}

func (r *record) snapshot() Transfer {
	t := r.Transfer
	if r.Digest != nil {
		t.Digest = append([]byte(nil), r.Digest...)
	}
	return t
}

// advance moves the byte count forward, never backward and never past the
// declared size.
func (r *record) advance(n int64) {
	if n > r.FileSize {
		n = r.FileSize
	}
	if n > r.BytesTransferred {
		r.BytesTransferred = n
	}
}

// fileDigest is the digest bound into the integrity record: the declared one
// when the announcement carried it, otherwise the locally computed one.
func (r *record) fileDigest() []byte {
	if len(r.Digest) > 0 {
		return r.Digest
	}
	return r.whole.Sum(nil)
}
