package supervisor

import (
	"crypto/sha1"
	"errors"
	"fmt"

	"github.com/prxssh/warren/internal/catalog"
	"github.com/prxssh/warren/internal/piece"
)

var (
	ErrUnknownPiece = errors.New("supervisor: completed buffer for unknown piece")
	ErrHashMismatch = errors.New("supervisor: piece hash mismatch")
)

// verify hashes the whole buffer and compares it with the catalog. It never
// touches the assignment table.
func verify(cat *catalog.Catalog, buf piece.Buffer) error {
	want, ok := cat.Hash(buf.Index)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPiece, buf.Index)
	}

	if got := sha1.Sum(buf.Data); got != want {
		return fmt.Errorf("%w: piece %d got %x want %x", ErrHashMismatch, buf.Index, got, want)
	}

	return nil
}
