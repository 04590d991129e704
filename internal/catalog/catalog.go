package catalog

import (
	"crypto/sha1"
	"errors"
	"fmt"

	"github.com/prxssh/warren/internal/meta"
	"github.com/prxssh/warren/internal/piece"
)

var (
	ErrPieceLength   = errors.New("catalog: piece length must be > 0")
	ErrTotalLength   = errors.New("catalog: total length must be > 0")
	ErrHashCount     = errors.New("catalog: piece hash count does not match piece count")
	ErrNilDescriptor = errors.New("catalog: nil metainfo")
)

// Catalog is the immutable geometry of one piece of content: how many pieces
// there are, how long each one is, how it splits into blocks and what hash
// each piece must match. It is built once and shared by pointer.
type Catalog struct {
	hashes      [][sha1.Size]byte
	pieceLength int
	totalLength int64
	numPieces   int
	lastPiece   int
}

func New(hashes [][sha1.Size]byte, pieceLength int, totalLength int64) (*Catalog, error) {
	if pieceLength <= 0 {
		return nil, ErrPieceLength
	}
	if totalLength <= 0 {
		return nil, ErrTotalLength
	}

	n, _ := PieceCount(totalLength, pieceLength)
	if len(hashes) != n {
		return nil, fmt.Errorf("%w: have %d hashes, need %d", ErrHashCount, len(hashes), n)
	}
	last, _ := LastPieceLength(totalLength, pieceLength)

	return &Catalog{
		hashes:      append([][sha1.Size]byte(nil), hashes...),
		pieceLength: pieceLength,
		totalLength: totalLength,
		numPieces:   n,
		lastPiece:   last,
	}, nil
}

// FromMetainfo derives the catalog from a decoded descriptor.
func FromMetainfo(m *meta.Metainfo) (*Catalog, error) {
	if m == nil || m.Info == nil {
		return nil, ErrNilDescriptor
	}

	return New(m.Info.Pieces, int(m.Info.PieceLength), m.Size())
}

func (c *Catalog) NumPieces() int { return c.numPieces }

// BlockSize is the standard block length used for every block task.
func (c *Catalog) BlockSize() int { return piece.MaxBlockLength }

// NominalPieceLength is the descriptor's piece length.
func (c *Catalog) NominalPieceLength() int { return c.pieceLength }

func (c *Catalog) TotalLength() int64 { return c.totalLength }

// PieceLength returns the length of piece i, or 0 if i is out of range.
func (c *Catalog) PieceLength(i int) int {
	switch {
	case i < 0 || i >= c.numPieces:
		return 0
	case i == c.numPieces-1:
		return c.lastPiece
	default:
		return c.pieceLength
	}
}

// BlockCount returns the number of block tasks piece i splits into.
func (c *Catalog) BlockCount(i int) int {
	n, _ := BlockCountForPiece(c.PieceLength(i), piece.MaxBlockLength)
	return n
}

// Hash returns the expected SHA-1 of piece i.
func (c *Catalog) Hash(i int) ([sha1.Size]byte, bool) {
	if i < 0 || i >= c.numPieces {
		return [sha1.Size]byte{}, false
	}

	return c.hashes[i], true
}

// Offset returns the byte offset of piece i within the content stream.
func (c *Catalog) Offset(i int) int64 { return PieceOffset(i, c.pieceLength) }

// Blocks returns the block tasks for piece i in ascending offset order. The
// tasks tile the piece exactly; only the final one may be short.
func (c *Catalog) Blocks(i int) []piece.Block {
	plen := c.PieceLength(i)
	n := c.BlockCount(i)
	if n == 0 {
		return nil
	}

	out := make([]piece.Block, 0, n)
	for b := 0; b < n; b++ {
		begin, length, _ := BlockBounds(plen, piece.MaxBlockLength, b)
		out = append(out, piece.Block{Index: i, Begin: begin, Length: length})
	}

	return out
}

// BitfieldLen is the byte length of a full availability vector.
func (c *Catalog) BitfieldLen() int { return (c.numPieces + 7) / 8 }
