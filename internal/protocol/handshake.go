package protocol

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
)

const (
	protocolID = "BitTorrent protocol"
	reservedN  = 8

	// HandshakeLength is the size of a handshake using the standard
	// protocol identifier.
	HandshakeLength = 1 + len(protocolID) + reservedN + 2*sha1.Size
)

// Handshake is the first frame exchanged on a connection:
//
//	<pstrlen><pstr><reserved:8><info_hash:20><peer_id:20>
type Handshake struct {
	Pstr     string
	Reserved [reservedN]byte
	InfoHash [sha1.Size]byte
	PeerID   [sha1.Size]byte
}

var (
	ErrProtocolMismatch = errors.New("handshake: protocol string mismatch")
	ErrBadPstrlen       = errors.New("handshake: invalid protocol string length")
	ErrShortHandshake   = errors.New("handshake: short read")
	ErrInfoHashMismatch = errors.New("handshake: info hash mismatch")
)

func NewHandshake(infoHash, peerID [sha1.Size]byte) Handshake {
	return Handshake{Pstr: protocolID, InfoHash: infoHash, PeerID: peerID}
}

func (h Handshake) MarshalBinary() ([]byte, error) {
	if len(h.Pstr) == 0 || len(h.Pstr) > 255 {
		return nil, ErrBadPstrlen
	}

	buf := make([]byte, 0, 1+len(h.Pstr)+reservedN+2*sha1.Size)
	buf = append(buf, byte(len(h.Pstr)))
	buf = append(buf, h.Pstr...)
	buf = append(buf, h.Reserved[:]...)
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)

	return buf, nil
}

// ReadHandshake reads a full handshake from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var h Handshake

	var pstrlen [1]byte
	if _, err := io.ReadFull(r, pstrlen[:]); err != nil {
		return h, shortRead(err)
	}
	if pstrlen[0] == 0 {
		return h, ErrBadPstrlen
	}

	rest := make([]byte, int(pstrlen[0])+reservedN+2*sha1.Size)
	if _, err := io.ReadFull(r, rest); err != nil {
		return h, shortRead(err)
	}

	n := int(pstrlen[0])
	h.Pstr = string(rest[:n])
	copy(h.Reserved[:], rest[n:n+reservedN])
	copy(h.InfoHash[:], rest[n+reservedN:n+reservedN+sha1.Size])
	copy(h.PeerID[:], rest[n+reservedN+sha1.Size:])

	return h, nil
}

func shortRead(err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrShortHandshake
	}
	return err
}

// WriteHandshake writes h to w in wire format.
func WriteHandshake(w io.Writer, h Handshake) error {
	b, err := h.MarshalBinary()
	if err != nil {
		return err
	}

	_, err = w.Write(b)
	return err
}

// Exchange sends h, reads the remote handshake and checks that the remote
// speaks the same protocol for the same info hash.
func (h Handshake) Exchange(rw io.ReadWriter) (Handshake, error) {
	if err := WriteHandshake(rw, h); err != nil {
		return Handshake{}, fmt.Errorf("handshake: write: %w", err)
	}

	remote, err := ReadHandshake(rw)
	if err != nil {
		return Handshake{}, err
	}
	if remote.Pstr != protocolID {
		return Handshake{}, ErrProtocolMismatch
	}
	if remote.InfoHash != h.InfoHash {
		return Handshake{}, ErrInfoHashMismatch
	}

	return remote, nil
}
