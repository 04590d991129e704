package piece

import "fmt"

// MaxBlockLength is the size of every block except possibly the last block of
// the last piece.
const MaxBlockLength = 16 * 1024

// Block is a single download task: Length bytes starting at Begin within
// piece Index.
type Block struct {
	Index  int
	Begin  int
	Length int
}

// End returns the exclusive end offset of the block within its piece.
func (b Block) End() int { return b.Begin + b.Length }

func (b Block) String() string {
	return fmt.Sprintf("block(piece=%d begin=%d len=%d)", b.Index, b.Begin, b.Length)
}

// Buffer is a fully reassembled piece.
type Buffer struct {
	Index int
	Data  []byte
}

func (b Buffer) String() string {
	return fmt.Sprintf("Piece[%d, %d bytes]", b.Index, len(b.Data))
}
