package supervisor

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"strings"

	"github.com/prxssh/warren/internal/bitfield"
	"github.com/prxssh/warren/internal/piece"
	"github.com/samber/lo"
)

var (
	ErrUnknownPeer     = errors.New("supervisor: unknown peer")
	ErrPieceOutOfRange = errors.New("supervisor: piece index out of range")
)

// peerRecord is the supervisor's view of one live peer session.
type peerRecord struct {
	id      PeerID
	addr    netip.AddrPort
	have    bitfield.Bitfield
	queue   *piece.Queue
	control chan<- Command
}

// registry maps live sessions to their records. It is confined to the
// supervisor goroutine.
type registry struct {
	numPieces int
	peers     map[PeerID]*peerRecord
}

func newRegistry(numPieces int) *registry {
	return &registry{numPieces: numPieces, peers: make(map[PeerID]*peerRecord)}
}

// join inserts a record with an empty tracker. An existing record for id is
// replaced, not merged; the replaced record is returned.
func (r *registry) join(id PeerID, d JoinData) (prev *peerRecord, replaced bool) {
	prev, replaced = r.peers[id]
	r.peers[id] = &peerRecord{
		id:      id,
		addr:    d.Addr,
		have:    bitfield.New(r.numPieces),
		queue:   d.Queue,
		control: d.Control,
	}
	return prev, replaced
}

func (r *registry) leave(id PeerID) (*peerRecord, bool) {
	rec, ok := r.peers[id]
	if ok {
		delete(r.peers, id)
	}
	return rec, ok
}

func (r *registry) get(id PeerID) (*peerRecord, bool) {
	rec, ok := r.peers[id]
	return rec, ok
}

func (r *registry) len() int { return len(r.peers) }

// sorted returns the live records in a stable order.
func (r *registry) sorted() []*peerRecord {
	recs := lo.Values(r.peers)
	slices.SortFunc(recs, func(a, b *peerRecord) int {
		return strings.Compare(a.id.String(), b.id.String())
	})
	return recs
}

// validate rejects updates that reference pieces outside the catalog.
func validate(u Update, numPieces int) error {
	switch u := u.(type) {
	case FullBitfield:
		if !u.Bits.Within(numPieces) {
			return fmt.Errorf("%w: bitfield of %d bytes for %d pieces", ErrPieceOutOfRange, len(u.Bits), numPieces)
		}
	case HavePiece:
		if u.Index < 0 || u.Index >= numPieces {
			return fmt.Errorf("%w: have %d of %d", ErrPieceOutOfRange, u.Index, numPieces)
		}
	default:
		return fmt.Errorf("supervisor: unsupported update %T", u)
	}

	return nil
}

// updateAvailability applies a validated update to the peer's tracker.
func (r *registry) updateAvailability(id PeerID, u Update) (*peerRecord, error) {
	rec, ok := r.peers[id]
	if !ok {
		return nil, ErrUnknownPeer
	}
	if err := validate(u, r.numPieces); err != nil {
		return nil, err
	}

	switch u := u.(type) {
	case FullBitfield:
		rec.have = u.Bits.Fit(r.numPieces)
	case HavePiece:
		rec.have.Set(u.Index)
	}

	return rec, nil
}
