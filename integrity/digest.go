package integrity

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
)

// DefaultChunkSize is the transfer chunk size used when none is configured.
const DefaultChunkSize = 64 * 1024

// ChunkDigests reads r to EOF and returns the SHA-256 digest of every
// chunkSize-byte chunk (the last may be shorter), the whole-file digest and
// the total byte count. An empty reader yields no leaves.
func ChunkDigests(r io.Reader, chunkSize int) (leaves [][]byte, fileDigest []byte, n int64, err error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	whole := sha256.New()
	buf := make([]byte, chunkSize)
	for {
		read, rerr := io.ReadFull(r, buf)
		if read > 0 {
			sum := sha256.Sum256(buf[:read])
			leaves = append(leaves, sum[:])
			whole.Write(buf[:read])
			n += int64(read)
		}
		if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
			break
		}
		if rerr != nil {
			return nil, nil, n, fmt.Errorf("read chunk: %w", rerr)
		}
	}
	return leaves, whole.Sum(nil), n, nil
}

// FileDigest returns the SHA-256 digest of everything readable from r.
func FileDigest(r io.Reader) ([]byte, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return nil, fmt.Errorf("digest: %w", err)
	}
	return h.Sum(nil), nil
}
