package tracker

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"runtime"
	"sync"
)

// hashChunk is how many bytes are digested between yields.
const hashChunk = 10 * 1024

// digest is a SHA-256 sum viewed as big-endian 32-bit words.
type digest [sha256.Size / 4]uint32

// Hash tracks files by SHA-256 of their content. Reading yields to the
// scheduler and checks ctx every 10 KiB so large files do not starve other
// goroutines.
type Hash struct {
	mu   sync.Mutex
	seen map[string]digest
}

// NewHash creates an empty content-hash tracker.
func NewHash() *Hash {
	return &Hash{seen: make(map[string]digest)}
}

// CheckModifiedSinceLastAccess digests f and compares it with the last
// recorded digest word by word.
func (t *Hash) CheckModifiedSinceLastAccess(ctx context.Context, f File) error {
	sum, err := hashFile(ctx, f)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	last, ok := t.seen[f.Path()]
	t.seen[f.Path()] = sum
	if !ok {
		return nil
	}
	for i := range sum {
		if sum[i] != last[i] {
			return nil
		}
	}
	return ErrNotModified
}

func hashFile(ctx context.Context, f File) (digest, error) {
	rc, err := f.Open()
	if err != nil {
		return digest{}, fmt.Errorf("open %s: %w", f.Path(), err)
	}
	defer rc.Close()

	h := sha256.New()
	buf := make([]byte, hashChunk)
	for {
		if err := ctx.Err(); err != nil {
			return digest{}, err
		}
		n, err := io.ReadFull(rc, buf)
		h.Write(buf[:n])
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return digest{}, fmt.Errorf("read %s: %w", f.Path(), err)
		}
		runtime.Gosched()
	}

	var d digest
	raw := h.Sum(nil)
	for i := range d {
		d[i] = binary.BigEndian.Uint32(raw[i*4:])
	}
	return d, nil
}
