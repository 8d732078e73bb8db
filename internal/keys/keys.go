package keys

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/tessera-io/tessera/pkg/extent"
)

// Hasher computes a stable 64 bit key from a sequence of values.
type Hasher struct {
	digest *xxhash.Digest
	buf    [8]byte
}

// NewHasher returns a hasher with an empty digest.
func NewHasher() *Hasher {
	return &Hasher{digest: xxhash.New()}
}

// WriteString writes the provided string to the hash.
func (h *Hasher) WriteString(value string) {
	// WriteString always returns nil error
	_, _ = h.digest.WriteString(value)
}

// WriteInt writes v as eight little endian bytes.
func (h *Hasher) WriteInt(v int64) {
	binary.LittleEndian.PutUint64(h.buf[:], uint64(v))
	_, _ = h.digest.Write(h.buf[:])
}

// Key returns the key for everything written so far.
func (h *Hasher) Key() uint64 {
	return h.digest.Sum64()
}

// ExtentKey is a stable key for e. All empty extents with the same axis count
// share a key.
func ExtentKey(e extent.Extent) uint64 {
	h := NewHasher()
	h.WriteString("extent/")
	h.WriteInt(int64(e.Axes))
	if e.IsEmpty() {
		h.WriteString("empty")
		return h.Key()
	}
	for a := 0; a < e.Axes; a++ {
		h.WriteInt(int64(e.Min[a]))
		h.WriteInt(int64(e.Max[a]))
	}
	return h.Key()
}
