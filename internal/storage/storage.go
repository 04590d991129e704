// Package storage persists verified pieces. All content is written as one
// concatenated stream into a single file; pieces land at
// index*pieceLength.
package storage

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/prxssh/warren/internal/bitfield"
	"github.com/prxssh/warren/internal/catalog"
	"github.com/spf13/afero"
)

var (
	ErrOutOfBounds = errors.New("storage: write outside content bounds")
	ErrClosed      = errors.New("storage: sink closed")
)

type Opts struct {
	// Fs is the filesystem to write to. Defaults to the OS filesystem.
	Fs     afero.Fs
	Logger *slog.Logger
}

// Sink writes verified pieces into a preallocated file.
type Sink struct {
	fs          afero.Fs
	path        string
	pieceLength int64
	size        int64
	log         *slog.Logger

	mu     sync.Mutex
	f      afero.File
	closed bool
}

// NewSink creates dir if needed, opens <dir>/<name> and sizes it to size
// bytes.
func NewSink(dir, name string, pieceLength int, size int64, opts *Opts) (*Sink, error) {
	if opts == nil {
		opts = &Opts{}
	}
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if pieceLength <= 0 || size < 0 {
		return nil, fmt.Errorf("storage: invalid geometry piece=%d size=%d", pieceLength, size)
	}

	path := filepath.Join(dir, filepath.Base(filepath.Clean("/"+name)))
	l := log.With("component", "storage", "path", path)

	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create directory: %w", err)
	}

	f, err := fs.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("storage: truncate to %d: %w", size, err)
	}

	l.Debug("storage initialized", "size", size)

	return &Sink{
		fs:          fs,
		path:        path,
		pieceLength: int64(pieceLength),
		size:        size,
		log:         l,
		f:           f,
	}, nil
}

func (s *Sink) Path() string { return s.path }

// WritePiece writes data at index*pieceLength.
func (s *Sink) WritePiece(index int, data []byte) error {
	off := int64(index) * s.pieceLength
	if index < 0 || off+int64(len(data)) > s.size {
		return fmt.Errorf("%w: piece %d (%d bytes)", ErrOutOfBounds, index, len(data))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if _, err := s.f.WriteAt(data, off); err != nil {
		return fmt.Errorf("storage: piece %d: %w", index, err)
	}

	return nil
}

// ReadPiece reads length bytes of piece index back from disk.
func (s *Sink) ReadPiece(index, length int) ([]byte, error) {
	off := int64(index) * s.pieceLength
	if index < 0 || off+int64(length) > s.size {
		return nil, fmt.Errorf("%w: piece %d (%d bytes)", ErrOutOfBounds, index, length)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	buf := make([]byte, length)
	if _, err := s.f.ReadAt(buf, off); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("storage: piece %d: %w", index, err)
	}

	return buf, nil
}

// Recheck reads every piece back and returns the set whose SHA-1 matches
// the catalog.
func (s *Sink) Recheck(cat *catalog.Catalog) (bitfield.Bitfield, error) {
	valid := bitfield.New(cat.NumPieces())

	for i := range cat.NumPieces() {
		data, err := s.ReadPiece(i, cat.PieceLength(i))
		if err != nil {
			return nil, err
		}

		want, _ := cat.Hash(i)
		if sha1.Sum(data) == want {
			valid.Set(i)
		}
	}

	s.log.Debug("recheck finished", "valid", valid.Count(), "pieces", cat.NumPieces())
	return valid, nil
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.f.Sync(); err != nil {
		s.log.Warn("sync failed", "error", err)
	}
	return s.f.Close()
}
