// Package meta decodes .torrent descriptors.
package meta

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"math"
	"net/url"
	"time"

	"github.com/jackpal/bencode-go"
	"github.com/samber/lo"
)

// Metainfo is a decoded .torrent descriptor.
type Metainfo struct {
	Info         *Info
	InfoHash     [sha1.Size]byte
	Announce     string
	AnnounceList [][]string
	CreationDate time.Time
	CreatedBy    string
	Comment      string
	Encoding     string
}

// Info is the info dictionary. Exactly one of Length (single file) and Files
// (multi file) is set.
type Info struct {
	Name        string
	PieceLength int32
	Pieces      [][sha1.Size]byte
	Private     bool
	Length      int64
	Files       []*File
}

type File struct {
	Length int64
	Path   []string
}

var (
	ErrTopLevelNotDict     = errors.New("meta: descriptor is not a dictionary")
	ErrAnnounceMissing     = errors.New("meta: no announce or announce-list")
	ErrInfoMissing         = errors.New("meta: info dictionary missing")
	ErrInfoNotDict         = errors.New("meta: info is not a dictionary")
	ErrNameMissing         = errors.New("meta: name missing")
	ErrPieceLenMissing     = errors.New("meta: piece length missing")
	ErrPieceLenNonPositive = errors.New("meta: piece length out of range")
	ErrPiecesMissing       = errors.New("meta: pieces missing")
	ErrPiecesLenInvalid    = errors.New("meta: pieces is not a multiple of 20 bytes")
	ErrLayoutInvalid       = errors.New("meta: exactly one of length and files is required")
	ErrLengthInvalid       = errors.New("meta: negative length")
	ErrFilesInvalid        = errors.New("meta: malformed files list")
	ErrPrivateInvalid      = errors.New("meta: private flag must be 0 or 1")
	ErrCreationDateInvalid = errors.New("meta: negative creation date")
	ErrWrongType           = errors.New("meta: unexpected value type")
)

// ParseMetainfo decodes a bencoded descriptor and computes its info hash.
func ParseMetainfo(data []byte) (*Metainfo, error) {
	v, err := bencode.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("meta: decode: %w", err)
	}
	root, ok := v.(map[string]any)
	if !ok {
		return nil, ErrTopLevelNotDict
	}

	f := &fields{dict: root}
	m := &Metainfo{
		Announce:     f.string("announce"),
		AnnounceList: f.tiers("announce-list"),
		CreatedBy:    f.string("created by"),
		Comment:      f.string("comment"),
		Encoding:     f.string("encoding"),
	}
	created := f.int("creation date")
	if f.err != nil {
		return nil, f.err
	}

	if created < 0 {
		return nil, ErrCreationDateInvalid
	}
	if f.has("creation date") {
		m.CreationDate = time.Unix(created, 0).UTC()
	}
	if m.Announce == "" && len(m.AnnounceList) == 0 {
		return nil, ErrAnnounceMissing
	}

	raw, ok := root["info"]
	if !ok {
		return nil, ErrInfoMissing
	}
	dict, ok := raw.(map[string]any)
	if !ok {
		return nil, ErrInfoNotDict
	}

	if m.Info, err = parseInfo(dict); err != nil {
		return nil, err
	}
	if m.InfoHash, err = hashInfo(dict); err != nil {
		return nil, fmt.Errorf("meta: info hash: %w", err)
	}

	return m, nil
}

// Size returns the total content length across all files.
func (m *Metainfo) Size() int64 {
	if len(m.Info.Files) == 0 {
		return m.Info.Length
	}

	return lo.SumBy(m.Info.Files, func(f *File) int64 { return f.Length })
}

// AnnounceURLs lists tracker URLs in the order they should be tried: every
// announce-list tier flattened in order, then announce. Duplicates and URLs
// that do not parse to an absolute URL are dropped.
func (m *Metainfo) AnnounceURLs() []string {
	all := lo.Flatten(m.AnnounceList)
	if m.Announce != "" {
		all = append(all, m.Announce)
	}

	valid := lo.Filter(all, func(raw string, _ int) bool {
		u, err := url.Parse(raw)
		return err == nil && u.Scheme != "" && u.Host != ""
	})

	return lo.Uniq(valid)
}

func parseInfo(dict map[string]any) (*Info, error) {
	f := &fields{dict: dict}

	name := f.string("name")
	pieceLen := f.int("piece length")
	pieces := f.string("pieces")
	private := f.int("private")
	length := f.int("length")
	files := f.list("files")
	if f.err != nil {
		return nil, f.err
	}

	switch {
	case name == "":
		return nil, ErrNameMissing
	case !f.has("piece length"):
		return nil, ErrPieceLenMissing
	case pieceLen <= 0 || pieceLen > math.MaxInt32:
		return nil, ErrPieceLenNonPositive
	case !f.has("pieces"):
		return nil, ErrPiecesMissing
	case len(pieces)%sha1.Size != 0:
		return nil, ErrPiecesLenInvalid
	case private != 0 && private != 1:
		return nil, ErrPrivateInvalid
	case f.has("length") == f.has("files"):
		return nil, ErrLayoutInvalid
	case length < 0:
		return nil, ErrLengthInvalid
	}

	info := &Info{
		Name:        name,
		PieceLength: int32(pieceLen),
		Pieces:      splitHashes(pieces),
		Private:     private == 1,
		Length:      length,
	}

	if f.has("files") {
		var err error
		if info.Files, err = parseFiles(files); err != nil {
			return nil, err
		}
	}

	return info, nil
}

func parseFiles(list []any) ([]*File, error) {
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrFilesInvalid)
	}

	files := make([]*File, 0, len(list))
	for i, e := range list {
		dict, ok := e.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: entry %d is not a dictionary", ErrFilesInvalid, i)
		}

		f := &fields{dict: dict}
		length := f.int("length")
		path := f.strings("path")

		switch {
		case f.err != nil:
			return nil, fmt.Errorf("%w: entry %d: %w", ErrFilesInvalid, i, f.err)
		case !f.has("length") || length < 0:
			return nil, fmt.Errorf("%w: entry %d has no valid length", ErrFilesInvalid, i)
		case len(path) == 0:
			return nil, fmt.Errorf("%w: entry %d has no path", ErrFilesInvalid, i)
		}

		files = append(files, &File{Length: length, Path: path})
	}

	return files, nil
}

func splitHashes(pieces string) [][sha1.Size]byte {
	chunks := lo.Chunk([]byte(pieces), sha1.Size)
	return lo.Map(chunks, func(c []byte, _ int) [sha1.Size]byte { return [sha1.Size]byte(c) })
}

// hashInfo re-encodes the decoded info dictionary. The encoder emits keys in
// sorted order, which is the canonical form for well-formed descriptors.
func hashInfo(info map[string]any) ([sha1.Size]byte, error) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, info); err != nil {
		return [sha1.Size]byte{}, err
	}
	return sha1.Sum(buf.Bytes()), nil
}
