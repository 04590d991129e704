// Package bitfield implements the piece availability vector exchanged in the
// peer wire BITFIELD message: bit i lives in byte i/8, most significant bit
// first.
package bitfield

import (
	"bytes"
	"math/bits"
	"strings"
)

type Bitfield []byte

// New returns a zeroed bitfield with room for nbits bits.
func New(nbits int) Bitfield {
	if nbits <= 0 {
		return nil
	}
	return make(Bitfield, byteLen(nbits))
}

// FromBytes copies b.
func FromBytes(b []byte) Bitfield { return bytes.Clone(b) }

// FromBools sets bit i for every true entry of on.
func FromBools(on []bool) Bitfield {
	bf := New(len(on))
	for i, v := range on {
		if v {
			bf.Set(i)
		}
	}
	return bf
}

func byteLen(nbits int) int { return (nbits + 7) / 8 }

// locate maps a bit index to its byte and mask. ok is false when index does
// not address a bit of bf.
func (bf Bitfield) locate(index int) (at int, mask byte, ok bool) {
	if index < 0 || index >= bf.Len() {
		return 0, 0, false
	}
	return index >> 3, 0x80 >> (index & 7), true
}

func (bf Bitfield) Bytes() []byte { return bytes.Clone(bf) }

func (bf Bitfield) Clone() Bitfield { return bytes.Clone(bf) }

// Len is the number of addressable bits, a multiple of eight.
func (bf Bitfield) Len() int { return len(bf) << 3 }

func (bf Bitfield) Has(index int) bool {
	at, mask, ok := bf.locate(index)
	return ok && bf[at]&mask != 0
}

// Set reports whether the call flipped the bit. Out-of-range indexes are
// ignored.
func (bf Bitfield) Set(index int) bool {
	at, mask, ok := bf.locate(index)
	if !ok || bf[at]&mask != 0 {
		return false
	}
	bf[at] |= mask
	return true
}

// Clear reports whether the call flipped the bit. Out-of-range indexes are
// ignored.
func (bf Bitfield) Clear(index int) bool {
	at, mask, ok := bf.locate(index)
	if !ok || bf[at]&mask == 0 {
		return false
	}
	bf[at] &^= mask
	return true
}

func (bf Bitfield) Count() (n int) {
	for _, b := range bf {
		n += bits.OnesCount8(b)
	}
	return n
}

func (bf Bitfield) None() bool {
	for _, b := range bf {
		if b != 0 {
			return false
		}
	}
	return true
}

// Within reports whether bf describes a set of nbits bits: it is no longer
// than New(nbits) and no bit at or beyond nbits is set.
func (bf Bitfield) Within(nbits int) bool {
	if nbits < 0 || len(bf) > byteLen(nbits) {
		return false
	}
	return bf.NextSet(nbits) < 0
}

// Fit returns a copy of bf sized for exactly nbits bits. Shorter inputs are
// zero padded; longer ones are truncated and the spare low bits of the last
// byte cleared.
func (bf Bitfield) Fit(nbits int) Bitfield {
	out := New(nbits)
	copy(out, bf)
	if spare := out.Len() - nbits; spare > 0 {
		out[len(out)-1] &^= byte(1<<spare) - 1
	}
	return out
}

// NextSet returns the first set bit at or after from, or -1.
func (bf Bitfield) NextSet(from int) int {
	from = max(from, 0)
	for at := from >> 3; at < len(bf); at++ {
		b := bf[at]
		if at == from>>3 {
			b &= 0xFF >> (from & 7)
		}
		if b != 0 {
			return at<<3 + bits.LeadingZeros8(b)
		}
	}
	return -1
}

func (bf Bitfield) Equals(other Bitfield) bool { return bytes.Equal(bf, other) }

// String renders the bits as 0/1 characters, lowest index first.
func (bf Bitfield) String() string {
	var sb strings.Builder
	sb.Grow(bf.Len())
	for i := range bf.Len() {
		if bf.Has(i) {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}
