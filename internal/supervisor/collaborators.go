package supervisor

import (
	"context"
	"net/netip"

	"github.com/prxssh/warren/internal/catalog"
	"github.com/prxssh/warren/internal/meta"
)

// Source is one discovery endpoint, typically a tracker.
type Source interface {
	Announce(ctx context.Context, m *meta.Metainfo) ([]netip.AddrPort, error)
	String() string
}

// SourceFactory builds a Source for an announce URL. Unsupported URLs
// return an error and are skipped.
type SourceFactory func(rawURL string) (Source, error)

// Connector establishes a peer session. On success the session owns events
// and must send PeerLeft and release it before Run returns. On failure the
// caller keeps ownership of events.
type Connector interface {
	Connect(ctx context.Context, addr netip.AddrPort, cat *catalog.Catalog, events *Sender) (Session, error)
}

type Session interface {
	Run(ctx context.Context) error
}

// PieceWriter persists verified pieces.
type PieceWriter interface {
	WritePiece(index int, data []byte) error
}
