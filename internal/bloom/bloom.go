// Package bloom implements the fixed-size Bloom filter and the
// time-windowed rotating filter RFMPD uses for gossip synchronization.
package bloom

import (
	"math/bits"

	"github.com/twmb/murmur3"
)

// Filter is a fixed-size Bloom filter of Bits bits using K independent
// MurmurHash3_x86_32 hashes (one per seed 0..K-1).
type Filter struct {
	bits []byte
	nbits uint32
	k     int
}

// New returns an empty filter of the given bit-width (must be a
// multiple of 8) using k hash functions.
func New(nbits uint32, k int) *Filter {
	return &Filter{
		bits:  make([]byte, nbits/8),
		nbits: nbits,
		k:     k,
	}
}

// FromBytes wraps an existing serialized filter (as produced by
// Bytes) with the given hash count.
func FromBytes(data []byte, k int) *Filter {
	b := make([]byte, len(data))
	copy(b, data)
	return &Filter{bits: b, nbits: uint32(len(data)) * 8, k: k}
}

func (f *Filter) hashPositions(item []byte) []uint32 {
	positions := make([]uint32, f.k)
	for i := 0; i < f.k; i++ {
		h := murmur3.SeedSum32(uint32(i), item)
		positions[i] = h % f.nbits
	}
	return positions
}

// Add sets the k bits corresponding to item.
func (f *Filter) Add(item []byte) {
	for _, pos := range f.hashPositions(item) {
		f.bits[pos/8] |= 1 << (pos % 8)
	}
}

// Contains reports whether item's k bits are all set. False positives
// are possible; false negatives are not, as long as nothing has been
// removed (this filter supports no deletion).
func (f *Filter) Contains(item []byte) bool {
	for _, pos := range f.hashPositions(item) {
		if f.bits[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
	}
	return true
}

// Bytes returns the filter's raw little-bit-order byte array, the
// wire serialization used in SYNC frames.
func (f *Filter) Bytes() []byte {
	out := make([]byte, len(f.bits))
	copy(out, f.bits)
	return out
}

// CountSetBits returns the number of 1 bits currently set, for
// diagnostics.
func (f *Filter) CountSetBits() int {
	n := 0
	for _, b := range f.bits {
		n += bits.OnesCount8(b)
	}
	return n
}

// FillRate returns the fraction of bits set, in [0, 1].
func (f *Filter) FillRate() float64 {
	if f.nbits == 0 {
		return 0
	}
	return float64(f.CountSetBits()) / float64(f.nbits)
}
