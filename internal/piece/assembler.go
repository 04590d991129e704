package piece

import (
	"errors"
	"fmt"

	"github.com/prxssh/warren/internal/bitfield"
)

var (
	ErrBlockOutOfRange = errors.New("piece: block out of range")
	ErrBlockMisaligned = errors.New("piece: block not aligned to block size")
	ErrBlockLength     = errors.New("piece: unexpected block length")
)

// Assembler collects the blocks of one piece as they arrive from the wire.
// It is owned by a single peer session and is not safe for concurrent use.
type Assembler struct {
	index    int
	data     []byte
	received bitfield.Bitfield
	count    int
	total    int
}

// NewAssembler prepares a buffer for piece index of the given length.
func NewAssembler(index, length int) *Assembler {
	total := (length + MaxBlockLength - 1) / MaxBlockLength

	return &Assembler{
		index:    index,
		data:     make([]byte, length),
		received: bitfield.New(total),
		total:    total,
	}
}

func (a *Assembler) Index() int { return a.index }

// Put stores a block payload at begin. It returns true once every block of
// the piece has been received. Duplicate blocks are accepted and ignored.
func (a *Assembler) Put(begin int, data []byte) (bool, error) {
	if begin < 0 || begin >= len(a.data) {
		return false, fmt.Errorf("%w: begin=%d piece=%d", ErrBlockOutOfRange, begin, a.index)
	}
	if begin%MaxBlockLength != 0 {
		return false, fmt.Errorf("%w: begin=%d", ErrBlockMisaligned, begin)
	}

	want := min(MaxBlockLength, len(a.data)-begin)
	if len(data) != want {
		return false, fmt.Errorf("%w: got %d want %d", ErrBlockLength, len(data), want)
	}

	blk := begin / MaxBlockLength
	if a.received.Set(blk) {
		copy(a.data[begin:], data)
		a.count++
	}

	return a.Done(), nil
}

// Done reports whether all blocks arrived.
func (a *Assembler) Done() bool { return a.count == a.total }

// Buffer returns the reassembled piece. The caller takes ownership of the
// data; the assembler must not be reused afterwards.
func (a *Assembler) Buffer() Buffer {
	return Buffer{Index: a.index, Data: a.data}
}
