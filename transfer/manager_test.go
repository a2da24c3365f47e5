package transfer

import (
	"bytes"
	"testing"
	"time"

	"github.com/Mmx233/QLink/config"
	"github.com/Mmx233/QLink/integrity"
	"github.com/Mmx233/QLink/protocol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var testSessionKey = []byte("0123456789abcdef0123456789abcdef")

func newTestManager(t *testing.T, deviceID string, opts Options) *Manager {
	t.Helper()
	opts.DeviceID = deviceID
	opts.Logger = zerolog.Nop()
	m, err := NewManager(opts)
	require.NoError(t, err)
	return m
}

func metadata(id string, size int64) *protocol.FileMetadataMsg {
	return &protocol.FileMetadataMsg{
		Route:      protocol.Route{SessionID: "sess-1", From: "dev-a", To: "dev-b"},
		TransferID: id,
		FileName:   "report.pdf",
		FileSize:   size,
	}
}

func TestManager_Announce(t *testing.T) {
	m := newTestManager(t, "dev-a", Options{})

	meta, err := m.Announce(Announcement{SessionID: "sess-1", To: "dev-b", FileName: "a.txt", FileSize: 10, MIMEType: "text/plain"})
	require.NoError(t, err)
	assert.NotEmpty(t, meta.TransferID)
	assert.Equal(t, "dev-a", meta.From)
	assert.Equal(t, "dev-b", meta.To)
	assert.Equal(t, "sess-1", meta.SessionID)

	tr, ok := m.Get(meta.TransferID)
	require.True(t, ok)
	assert.Equal(t, StateAwaitingAck, tr.State)
	assert.Equal(t, Sending, tr.Direction)

	other, err := m.Announce(Announcement{FileName: "b.txt", FileSize: 1})
	require.NoError(t, err)
	assert.NotEqual(t, meta.TransferID, other.TransferID)
}

func TestManager_Announce_Invalid(t *testing.T) {
	m := newTestManager(t, "dev-a", Options{MaxFileSize: 100})

	for name, a := range map[string]Announcement{
		"empty name":       {FileSize: 1},
		"negative size":    {FileName: "a", FileSize: -1},
		"too large":        {FileName: "a", FileSize: 101},
		"leaves no digest": {FileName: "a", FileSize: 1, Leaves: [][]byte{make([]byte, 32)}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := m.Announce(a)
			require.ErrorIs(t, err, ErrInvalidAnnouncement)
		})
	}
	assert.Empty(t, m.Active())
}

func TestManager_HandleMetadata_Accept(t *testing.T) {
	var seen *protocol.FileMetadataMsg
	m := newTestManager(t, "dev-b", Options{Accept: func(meta *protocol.FileMetadataMsg) (bool, string) {
		seen = meta
		return true, ""
	}})

	ack := m.HandleMetadata(metadata("f1", 1024))
	assert.True(t, ack.Accepted)
	assert.Equal(t, "f1", ack.TransferID)
	assert.Equal(t, "dev-a", ack.To)
	assert.Equal(t, "dev-b", ack.From)
	require.NotNil(t, seen)

	tr, ok := m.Get("f1")
	require.True(t, ok)
	assert.Equal(t, StateTransferring, tr.State)
	assert.Equal(t, Receiving, tr.Direction)
}

func TestManager_HandleMetadata_Reject(t *testing.T) {
	m := newTestManager(t, "dev-b", Options{Accept: func(*protocol.FileMetadataMsg) (bool, string) {
		return false, "disk full"
	}})

	ack := m.HandleMetadata(metadata("f1", 1024))
	assert.False(t, ack.Accepted)
	assert.Equal(t, "disk full", ack.Reason)

	tr, _ := m.Get("f1")
	assert.Equal(t, StateFailed, tr.State)
	assert.Equal(t, "disk full", tr.Reason)
}

func TestManager_HandleMetadata_Limits(t *testing.T) {
	called := false
	m := newTestManager(t, "dev-b", Options{MaxFileSize: 100, Accept: func(*protocol.FileMetadataMsg) (bool, string) {
		called = true
		return true, ""
	}})

	ack := m.HandleMetadata(metadata("big", 101))
	assert.False(t, ack.Accepted)
	assert.False(t, called)

	ack = m.HandleMetadata(metadata("", 1))
	assert.False(t, ack.Accepted)
	_, ok := m.Get("")
	assert.False(t, ok)
}

func TestManager_HandleMetadata_AcceptReadsManager(t *testing.T) {
	var m *Manager
	m = newTestManager(t, "dev-b", Options{Accept: func(meta *protocol.FileMetadataMsg) (bool, string) {
		if len(m.Active()) >= 1 {
			return false, "busy"
		}
		_, known := m.Get(meta.TransferID)
		return !known, ""
	}})

	done := make(chan struct{})
	var first, second *protocol.FileAckMsg
	go func() {
		defer close(done)
		first = m.HandleMetadata(metadata("f1", 10))
		second = m.HandleMetadata(metadata("f2", 10))
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("HandleMetadata blocked while Accept read the manager")
	}

	assert.True(t, first.Accepted)
	assert.False(t, second.Accepted)
	assert.Equal(t, "busy", second.Reason)
}

func TestManager_HandleMetadata_Duplicate(t *testing.T) {
	m := newTestManager(t, "dev-b", Options{})
	require.True(t, m.HandleMetadata(metadata("f1", 10)).Accepted)
	require.NoError(t, m.HandleProgress(&protocol.FileProgressMsg{TransferID: "f1", BytesTransferred: 5}))

	ack := m.HandleMetadata(metadata("f1", 10))
	assert.False(t, ack.Accepted)

	tr, _ := m.Get("f1")
	assert.Equal(t, int64(5), tr.BytesTransferred, "existing transfer untouched")
}

func TestManager_HandleAck(t *testing.T) {
	m := newTestManager(t, "dev-a", Options{})
	meta, err := m.Announce(Announcement{FileName: "a", FileSize: 1})
	require.NoError(t, err)

	require.NoError(t, m.HandleAck(&protocol.FileAckMsg{TransferID: meta.TransferID, Accepted: true}))
	tr, _ := m.Get(meta.TransferID)
	assert.Equal(t, StateTransferring, tr.State)

	err = m.HandleAck(&protocol.FileAckMsg{TransferID: meta.TransferID, Accepted: true})
	require.ErrorIs(t, err, ErrInvalidState)

	rejected, err := m.Announce(Announcement{FileName: "b", FileSize: 1})
	require.NoError(t, err)
	require.NoError(t, m.HandleAck(&protocol.FileAckMsg{TransferID: rejected.TransferID, Reason: "no space"}))
	tr, _ = m.Get(rejected.TransferID)
	assert.Equal(t, StateFailed, tr.State)
	assert.Equal(t, "no space", tr.Reason)

	require.ErrorIs(t, m.HandleAck(&protocol.FileAckMsg{TransferID: "nope"}), ErrUnknownTransfer)
}

func TestManager_ProgressMonotonicAndCapped(t *testing.T) {
	m := newTestManager(t, "dev-b", Options{})
	m.HandleMetadata(metadata("f1", 100))

	require.NoError(t, m.HandleProgress(&protocol.FileProgressMsg{TransferID: "f1", BytesTransferred: 40}))
	require.NoError(t, m.HandleProgress(&protocol.FileProgressMsg{TransferID: "f1", BytesTransferred: 10}))
	tr, _ := m.Get("f1")
	assert.Equal(t, int64(40), tr.BytesTransferred)

	require.NoError(t, m.HandleProgress(&protocol.FileProgressMsg{TransferID: "f1", BytesTransferred: 500}))
	tr, _ = m.Get("f1")
	assert.Equal(t, int64(100), tr.BytesTransferred)
	assert.Equal(t, StateTransferring, tr.State)
}

func TestManager_Progress_RequiresTransferring(t *testing.T) {
	m := newTestManager(t, "dev-a", Options{})
	meta, err := m.Announce(Announcement{FileName: "a", FileSize: 10})
	require.NoError(t, err)

	_, err = m.Progress(meta.TransferID, 5)
	require.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, m.HandleAck(&protocol.FileAckMsg{TransferID: meta.TransferID, Accepted: true}))
	p, err := m.Progress(meta.TransferID, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), p.BytesTransferred)
	assert.Equal(t, meta.TransferID, p.TransferID)
}

// Feature: file-transfer, Property 1: progress never decreases and never
// exceeds the declared size while the transfer is active
func TestManager_ProgressProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		size := rapid.Int64Range(0, 1<<20).Draw(t, "size")
		m, err := NewManager(Options{Logger: zerolog.Nop()})
		require.NoError(t, err)
		m.HandleMetadata(metadata("f", size))

		var last int64
		for _, n := range rapid.SliceOf(rapid.Int64Range(-10, 2<<20)).Draw(t, "updates") {
			_ = m.HandleProgress(&protocol.FileProgressMsg{TransferID: "f", BytesTransferred: n})
			tr, _ := m.Get("f")
			if tr.BytesTransferred < last {
				t.Fatalf("progress went backward: %d -> %d", last, tr.BytesTransferred)
			}
			if tr.BytesTransferred > size {
				t.Fatalf("progress %d exceeds size %d", tr.BytesTransferred, size)
			}
			last = tr.BytesTransferred
		}
	})
}

func TestManager_HandleEnd_Completed(t *testing.T) {
	m := newTestManager(t, "dev-b", Options{})
	m.HandleMetadata(metadata("f1", 1024))

	tr, err := m.HandleEnd(&protocol.FileEndMsg{TransferID: "f1", Success: true, BytesTransferred: 1024})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, tr.State)
	assert.False(t, tr.SizeMismatch)
}

func TestManager_HandleEnd_MismatchWarn(t *testing.T) {
	m := newTestManager(t, "dev-b", Options{MismatchPolicy: config.MismatchWarn})
	m.HandleMetadata(metadata("f1", 1024))

	tr, err := m.HandleEnd(&protocol.FileEndMsg{TransferID: "f1", Success: true, BytesTransferred: 900})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, tr.State)
	assert.True(t, tr.SizeMismatch)
	assert.Equal(t, int64(900), tr.BytesTransferred)
}

func TestManager_HandleEnd_MismatchFail(t *testing.T) {
	m := newTestManager(t, "dev-b", Options{MismatchPolicy: config.MismatchFail})
	m.HandleMetadata(metadata("f1", 1024))

	tr, err := m.HandleEnd(&protocol.FileEndMsg{TransferID: "f1", Success: true, BytesTransferred: 900})
	require.ErrorIs(t, err, ErrSizeMismatch)
	assert.Equal(t, StateFailed, tr.State)
	assert.True(t, tr.SizeMismatch)
}

func TestManager_HandleEnd_SenderFailure(t *testing.T) {
	m := newTestManager(t, "dev-b", Options{})
	m.HandleMetadata(metadata("f1", 10))

	tr, err := m.HandleEnd(&protocol.FileEndMsg{TransferID: "f1", Error: "read error"})
	require.NoError(t, err)
	assert.Equal(t, StateFailed, tr.State)
	assert.Equal(t, "read error", tr.Reason)

	_, err = m.HandleEnd(&protocol.FileEndMsg{TransferID: "f1", Success: true, BytesTransferred: 10})
	require.ErrorIs(t, err, ErrInvalidState)
}

// transferPair runs a complete announce/ack/chunks exchange between a sender
// and a receiver manager and returns the sender's end message.
func transferPair(t *testing.T, sender, receiver *Manager, data []byte, chunkSize int) (string, *protocol.FileEndMsg) {
	t.Helper()
	meta, err := sender.Announce(Announcement{SessionID: "sess-1", To: "dev-b", FileName: "data.bin", FileSize: int64(len(data))})
	require.NoError(t, err)
	ack := receiver.HandleMetadata(meta)
	require.True(t, ack.Accepted)
	require.NoError(t, sender.HandleAck(ack))

	for off := 0; off < len(data); off += chunkSize {
		chunk := data[off:min(off+chunkSize, len(data))]
		require.NoError(t, sender.AddChunk(meta.TransferID, chunk))
		require.NoError(t, receiver.AddChunk(meta.TransferID, chunk))
	}
	end, err := sender.Finish(meta.TransferID, true, "")
	require.NoError(t, err)
	return meta.TransferID, end
}

func TestManager_IntegrityVerified(t *testing.T) {
	sender := newTestManager(t, "dev-a", Options{SessionKey: testSessionKey})
	receiver := newTestManager(t, "dev-b", Options{SessionKey: testSessionKey})
	data := bytes.Repeat([]byte("qlink"), 1000)

	id, end := transferPair(t, sender, receiver, data, 1024)
	require.Len(t, end.MerkleRoot, integrity.DigestSize)
	assert.Equal(t, integrity.SignatureAlgorithm, end.MerkleRootSignatureAlg)
	assert.NotEmpty(t, end.MerkleRootSignature)

	tr, err := receiver.HandleEnd(end)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, tr.State)

	sent, _ := sender.Get(id)
	assert.Equal(t, StateCompleted, sent.State)
}

func TestManager_IntegrityTamperedChunk(t *testing.T) {
	sender := newTestManager(t, "dev-a", Options{SessionKey: testSessionKey})
	receiver := newTestManager(t, "dev-b", Options{SessionKey: testSessionKey})

	meta, err := sender.Announce(Announcement{FileName: "data.bin", FileSize: 8})
	require.NoError(t, err)
	require.NoError(t, sender.HandleAck(receiver.HandleMetadata(meta)))
	require.NoError(t, sender.AddChunk(meta.TransferID, []byte("abcdefgh")))
	require.NoError(t, receiver.AddChunk(meta.TransferID, []byte("abcdefgX")))
	end, err := sender.Finish(meta.TransferID, true, "")
	require.NoError(t, err)

	// A second transfer is unaffected by the failure of the first
	other := receiver.HandleMetadata(metadata("other", 1))
	require.True(t, other.Accepted)

	tr, err := receiver.HandleEnd(end)
	require.ErrorIs(t, err, ErrIntegrity)
	require.ErrorIs(t, err, integrity.ErrRootMismatch)
	assert.Equal(t, StateFailed, tr.State)

	o, _ := receiver.Get("other")
	assert.Equal(t, StateTransferring, o.State)
}

func TestManager_IntegrityRecordStripped(t *testing.T) {
	sender := newTestManager(t, "dev-a", Options{SessionKey: testSessionKey})
	receiver := newTestManager(t, "dev-b", Options{SessionKey: testSessionKey})

	meta, err := sender.Announce(Announcement{FileName: "data.bin", FileSize: 8})
	require.NoError(t, err)
	require.NoError(t, sender.HandleAck(receiver.HandleMetadata(meta)))
	require.NoError(t, sender.AddChunk(meta.TransferID, []byte("AAAAAAAA")))
	require.NoError(t, receiver.AddChunk(meta.TransferID, []byte("EVILEVIL")))
	end, err := sender.Finish(meta.TransferID, true, "")
	require.NoError(t, err)
	require.NotEmpty(t, end.MerkleRoot)

	end.MerkleRoot = nil
	end.MerkleRootSignature = nil
	end.MerkleRootSignatureAlg = ""

	tr, err := receiver.HandleEnd(end)
	require.ErrorIs(t, err, ErrIntegrity)
	require.ErrorIs(t, err, integrity.ErrMissingRecord)
	assert.Equal(t, StateFailed, tr.State)
}

func TestManager_IntegrityRecordWithoutChunks(t *testing.T) {
	sender := newTestManager(t, "dev-a", Options{SessionKey: testSessionKey})
	receiver := newTestManager(t, "dev-b", Options{SessionKey: testSessionKey})

	meta, err := sender.Announce(Announcement{FileName: "data.bin", FileSize: 8})
	require.NoError(t, err)
	require.NoError(t, sender.HandleAck(receiver.HandleMetadata(meta)))
	require.NoError(t, sender.AddChunk(meta.TransferID, []byte("AAAAAAAA")))
	end, err := sender.Finish(meta.TransferID, true, "")
	require.NoError(t, err)

	tr, err := receiver.HandleEnd(end)
	require.ErrorIs(t, err, ErrIntegrity)
	require.ErrorIs(t, err, integrity.ErrInvalidLeaves)
	assert.Equal(t, StateFailed, tr.State)
}

func TestManager_IntegrityEmptyFile(t *testing.T) {
	sender := newTestManager(t, "dev-a", Options{SessionKey: testSessionKey})
	receiver := newTestManager(t, "dev-b", Options{SessionKey: testSessionKey})

	meta, err := sender.Announce(Announcement{FileName: "empty", FileSize: 0})
	require.NoError(t, err)
	require.NoError(t, sender.HandleAck(receiver.HandleMetadata(meta)))
	end, err := sender.Finish(meta.TransferID, true, "")
	require.NoError(t, err)
	assert.Empty(t, end.MerkleRoot)

	tr, err := receiver.HandleEnd(end)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, tr.State)
}

func TestManager_IntegrityWrongSessionKey(t *testing.T) {
	sender := newTestManager(t, "dev-a", Options{SessionKey: testSessionKey})
	receiver := newTestManager(t, "dev-b", Options{SessionKey: []byte("another session key material!!")})

	_, end := transferPair(t, sender, receiver, []byte("hello world"), 4)
	tr, err := receiver.HandleEnd(end)
	require.ErrorIs(t, err, integrity.ErrBadSignature)
	assert.Equal(t, StateFailed, tr.State)
}

func TestManager_IntegritySkippedWithoutKey(t *testing.T) {
	sender := newTestManager(t, "dev-a", Options{SessionKey: testSessionKey})
	receiver := newTestManager(t, "dev-b", Options{})

	_, end := transferPair(t, sender, receiver, []byte("hello world"), 4)
	tr, err := receiver.HandleEnd(end)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, tr.State)
}

func TestManager_PrecomputedLeaves(t *testing.T) {
	data := bytes.Repeat([]byte{7}, 300)
	leaves, digest, n, err := integrity.ChunkDigests(bytes.NewReader(data), 128)
	require.NoError(t, err)

	sender := newTestManager(t, "dev-a", Options{SessionKey: testSessionKey})
	receiver := newTestManager(t, "dev-b", Options{SessionKey: testSessionKey})

	meta, err := sender.Announce(Announcement{FileName: "d", FileSize: n, Digest: digest, Leaves: leaves})
	require.NoError(t, err)
	assert.Equal(t, digest, meta.Digest)
	require.NoError(t, sender.HandleAck(receiver.HandleMetadata(meta)))
	for off := 0; off < len(data); off += 128 {
		chunk := data[off:min(off+128, len(data))]
		require.NoError(t, sender.AddChunk(meta.TransferID, chunk))
		require.NoError(t, receiver.AddChunk(meta.TransferID, chunk))
	}
	end, err := sender.Finish(meta.TransferID, true, "")
	require.NoError(t, err)
	assert.Equal(t, int64(300), end.BytesTransferred)

	tr, err := receiver.HandleEnd(end)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, tr.State)
}

func TestManager_FinishFailure(t *testing.T) {
	m := newTestManager(t, "dev-a", Options{})
	meta, err := m.Announce(Announcement{FileName: "a", FileSize: 10})
	require.NoError(t, err)

	_, err = m.Finish(meta.TransferID, true, "")
	require.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, m.HandleAck(&protocol.FileAckMsg{TransferID: meta.TransferID, Accepted: true}))
	end, err := m.Finish(meta.TransferID, false, "")
	require.NoError(t, err)
	assert.False(t, end.Success)
	assert.NotEmpty(t, end.Error)
	assert.Empty(t, end.MerkleRoot)

	tr, _ := m.Get(meta.TransferID)
	assert.Equal(t, StateFailed, tr.State)
}

func TestManager_Cancel(t *testing.T) {
	m := newTestManager(t, "dev-a", Options{})
	meta, err := m.Announce(Announcement{SessionID: "sess-1", To: "dev-b", FileName: "a", FileSize: 10})
	require.NoError(t, err)

	msg, err := m.Cancel(meta.TransferID, "user")
	require.NoError(t, err)
	assert.Equal(t, "dev-b", msg.To)
	assert.Equal(t, "user", msg.Reason)

	tr, _ := m.Get(meta.TransferID)
	assert.Equal(t, StateCancelled, tr.State)

	_, err = m.Cancel("missing", "")
	require.ErrorIs(t, err, ErrUnknownTransfer)
}

func TestManager_HandleCancel(t *testing.T) {
	m := newTestManager(t, "dev-b", Options{})
	m.HandleMetadata(metadata("f1", 10))

	require.NoError(t, m.HandleCancel(&protocol.FileCancelMsg{TransferID: "f1", Reason: "peer gone"}))
	tr, _ := m.Get("f1")
	assert.Equal(t, StateCancelled, tr.State)
	assert.Equal(t, "peer gone", tr.Reason)
}

func TestManager_ActiveAndPurge(t *testing.T) {
	m := newTestManager(t, "dev-b", Options{})
	m.HandleMetadata(metadata("done", 1))
	m.HandleMetadata(metadata("running", 1))
	m.HandleMetadata(metadata("cancelled", 1))
	_, err := m.HandleEnd(&protocol.FileEndMsg{TransferID: "done", Success: true, BytesTransferred: 1})
	require.NoError(t, err)
	require.NoError(t, m.HandleCancel(&protocol.FileCancelMsg{TransferID: "cancelled"}))

	active := m.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "running", active[0].ID)

	assert.Equal(t, 2, m.PurgeTerminal())
	_, ok := m.Get("done")
	assert.False(t, ok)
	_, ok = m.Get("running")
	assert.True(t, ok)
	assert.Equal(t, 0, m.PurgeTerminal())
}

func TestManager_Handle(t *testing.T) {
	m := newTestManager(t, "dev-b", Options{})

	reply, handled, err := m.Handle(metadata("f1", 1))
	require.NoError(t, err)
	assert.True(t, handled)
	ack, ok := reply.(*protocol.FileAckMsg)
	require.True(t, ok)
	assert.True(t, ack.Accepted)

	_, handled, _ = m.Handle(&protocol.OfferMsg{})
	assert.False(t, handled)

	_, handled, err = m.Handle(&protocol.FileProgressMsg{TransferID: "missing"})
	assert.True(t, handled)
	require.ErrorIs(t, err, ErrUnknownTransfer)
}

func TestManager_Updates(t *testing.T) {
	m := newTestManager(t, "dev-b", Options{})
	m.HandleMetadata(metadata("f1", 1))

	select {
	case tr := <-m.Updates():
		assert.Equal(t, "f1", tr.ID)
		assert.Equal(t, StateTransferring, tr.State)
	default:
		t.Fatal("no update published")
	}
}

func TestNewManager_EmptyKeyDisablesIntegrity(t *testing.T) {
	m := newTestManager(t, "dev-a", Options{})
	assert.Nil(t, m.macKey)
	assert.Equal(t, config.MismatchWarn, m.opts.MismatchPolicy)
}
