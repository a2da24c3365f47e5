// Package integrity computes and authenticates the chunk Merkle root that
// closes every file transfer.
package integrity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// DigestSize is the size of every leaf and node.
	DigestSize = sha256.Size

	// PreimageTag domain-separates the authenticated Merkle record.
	PreimageTag = "QLINK-MERKLE-V1"

	// SignatureAlgorithm names the MAC carried in merkleRootSignatureAlg.
	SignatureAlgorithm = "hmac-sha256-session-v1"

	keyInfo = "qlink-merkle-mac-v1"
)

var (
	ErrFieldTooLong    = errors.New("preimage field exceeds 65535 bytes")
	ErrEmptySessionKey = errors.New("empty session key")
	ErrInvalidLeaves   = errors.New("invalid merkle leaves")
	ErrRootMismatch    = errors.New("merkle root mismatch")
	ErrBadSignature    = errors.New("merkle root signature invalid")
	ErrUnsupportedAlg  = errors.New("unsupported signature algorithm")
	ErrMissingRecord   = errors.New("integrity record missing")
)

// MerkleRoot pairs leaves left to right, duplicating the last node of an odd
// level, until one node remains. The leaves are not modified. It reports
// false when leaves is empty or any leaf is not exactly DigestSize bytes.
func MerkleRoot(leaves [][]byte) ([]byte, bool) {
	if len(leaves) == 0 {
		return nil, false
	}
	level := make([][]byte, len(leaves))
	for i, leaf := range leaves {
		if len(leaf) != DigestSize {
			return nil, false
		}
		level[i] = leaf
	}

	var pair [2 * DigestSize]byte
	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			copy(pair[:DigestSize], left)
			copy(pair[DigestSize:], right)
			sum := sha256.Sum256(pair[:])
			next = append(next, sum[:])
		}
		level = next
	}

	root := make([]byte, DigestSize)
	copy(root, level[0])
	return root, true
}

// AuthenticationPreimage builds the canonical byte string that is MACed:
// the tag followed by each field as a 2-byte little-endian length and its bytes.
func AuthenticationPreimage(transferID string, root, fileDigest []byte) ([]byte, error) {
	fields := [][]byte{[]byte(transferID), root, fileDigest}

	size := len(PreimageTag)
	for _, f := range fields {
		if len(f) > 0xFFFF {
			return nil, fmt.Errorf("%w: %d", ErrFieldTooLong, len(f))
		}
		size += 2 + len(f)
	}

	out := make([]byte, 0, size)
	out = append(out, PreimageTag...)
	for _, f := range fields {
		out = binary.LittleEndian.AppendUint16(out, uint16(len(f)))
		out = append(out, f...)
	}
	return out, nil
}

// DeriveKey derives the MAC key from the established session key material.
func DeriveKey(sessionKey []byte) ([]byte, error) {
	if len(sessionKey) == 0 {
		return nil, ErrEmptySessionKey
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, sessionKey, nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return key, nil
}

// Authenticate returns HMAC-SHA256(key, preimage).
func Authenticate(key, preimage []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(preimage)
	return mac.Sum(nil)
}

// Verify reports whether signature is the MAC of preimage in constant time.
func Verify(key, preimage, signature []byte) bool {
	return hmac.Equal(Authenticate(key, preimage), signature)
}

// Record is the authenticated Merkle record carried on file_end.
type Record struct {
	Root      []byte
	Signature []byte
	Algorithm string
}

// Sign computes the record for the given chunk digests.
func Sign(key []byte, transferID string, leaves [][]byte, fileDigest []byte) (Record, error) {
	root, ok := MerkleRoot(leaves)
	if !ok {
		return Record{}, ErrInvalidLeaves
	}
	preimage, err := AuthenticationPreimage(transferID, root, fileDigest)
	if err != nil {
		return Record{}, err
	}
	return Record{
		Root:      root,
		Signature: Authenticate(key, preimage),
		Algorithm: SignatureAlgorithm,
	}, nil
}

// Check recomputes the root from the locally observed chunk digests and
// verifies it against the record.
func Check(key []byte, transferID string, leaves [][]byte, fileDigest []byte, rec Record) error {
	if rec.Algorithm != SignatureAlgorithm {
		return fmt.Errorf("%w: %q", ErrUnsupportedAlg, rec.Algorithm)
	}
	root, ok := MerkleRoot(leaves)
	if !ok {
		return ErrInvalidLeaves
	}
	if !hmac.Equal(root, rec.Root) {
		return ErrRootMismatch
	}
	preimage, err := AuthenticationPreimage(transferID, root, fileDigest)
	if err != nil {
		return err
	}
	if !Verify(key, preimage, rec.Signature) {
		return ErrBadSignature
	}
	return nil
}
