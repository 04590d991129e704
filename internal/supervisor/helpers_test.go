package supervisor

import (
	"context"
	"crypto/sha1"
	"io"
	"log/slog"
	"net/netip"
	"sync"
	"testing"

	"github.com/prxssh/warren/internal/bitfield"
	"github.com/prxssh/warren/internal/catalog"
	"github.com/prxssh/warren/internal/meta"
	"github.com/prxssh/warren/internal/piece"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testContent returns deterministic content of the given length.
func testContent(length int) []byte {
	data := make([]byte, length)
	for i := range data {
		data[i] = byte(i*7 + i/251)
	}
	return data
}

func testMeta(content []byte, pieceLen int) *meta.Metainfo {
	var hashes [][sha1.Size]byte
	for off := 0; off < len(content); off += pieceLen {
		end := min(off+pieceLen, len(content))
		hashes = append(hashes, sha1.Sum(content[off:end]))
	}

	return &meta.Metainfo{
		Announce: "http://tracker.test/announce",
		Info: &meta.Info{
			Name:        "content.bin",
			PieceLength: int32(pieceLen),
			Pieces:      hashes,
			Length:      int64(len(content)),
		},
		InfoHash: sha1.Sum([]byte("content.bin")),
	}
}

func pieceData(content []byte, cat *catalog.Catalog, i int) []byte {
	off := int(cat.Offset(i))
	return append([]byte(nil), content[off:off+cat.PieceLength(i)]...)
}

type mockWriter struct{ mock.Mock }

func (m *mockWriter) WritePiece(index int, data []byte) error {
	return m.Called(index, data).Error(0)
}

type mockSource struct {
	mock.Mock
	name string
}

func (m *mockSource) Announce(ctx context.Context, mi *meta.Metainfo) ([]netip.AddrPort, error) {
	args := m.Called(ctx, mi)
	addrs, _ := args.Get(0).([]netip.AddrPort)
	return addrs, args.Error(1)
}

func (m *mockSource) String() string { return m.name }

func sourcesOf(srcs ...Source) SourceFactory {
	i := 0
	return func(string) (Source, error) {
		src := srcs[i%len(srcs)]
		i++
		return src, nil
	}
}

type nopConnector struct{}

func (nopConnector) Connect(context.Context, netip.AddrPort, *catalog.Catalog, *Sender) (Session, error) {
	return nil, io.EOF
}

// newTestSupervisor builds a supervisor over n pieces of pieceLen bytes
// (the last one shortened by shortBy) for driving handlers directly.
func newTestSupervisor(t *testing.T, n, pieceLen, shortBy int, cfg *Config) (*Supervisor, []byte, *mockWriter) {
	t.Helper()

	content := testContent(n*pieceLen - shortBy)
	w := &mockWriter{}
	s, err := New(testMeta(content, pieceLen), &Opts{
		Logger:    quietLogger(),
		Config:    cfg,
		Sources:   sourcesOf(&mockSource{name: "unused"}),
		Connector: nopConnector{},
		Writer:    w,
	})
	require.NoError(t, err)

	return s, content, w
}

// joinPeer registers a peer and returns its queue and control channel.
func joinPeer(s *Supervisor, id PeerID) (*piece.Queue, chan Command) {
	q := piece.NewQueue()
	ctrl := make(chan Command, 1)
	s.join(id, JoinData{Addr: netip.MustParseAddrPort("10.0.0.1:6881"), Queue: q, Control: ctrl})
	return q, ctrl
}

func allSet(n int) bitfield.Bitfield {
	bf := bitfield.New(n)
	for i := 0; i < n; i++ {
		bf.Set(i)
	}
	return bf
}

// fakeConnector dials nothing; every Connect yields a fakeSession that
// announces every piece and serves blocks from content.
type fakeConnector struct {
	mock.Mock

	content []byte
	corrupt map[int]bool

	mu       sync.Mutex
	sessions int
}

func (c *fakeConnector) Connect(ctx context.Context, addr netip.AddrPort, cat *catalog.Catalog, events *Sender) (Session, error) {
	if err := c.Called(addr).Error(0); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.sessions++
	c.mu.Unlock()

	return &fakeSession{
		id:      NewPeerID(),
		addr:    addr,
		cat:     cat,
		content: c.content,
		conn:    c,
		events:  events,
	}, nil
}

// corruptOnce reports whether piece i should be corrupted, at most once.
func (c *fakeConnector) corruptOnce(i int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.corrupt[i] {
		delete(c.corrupt, i)
		return true
	}
	return false
}

type fakeSession struct {
	id      PeerID
	addr    netip.AddrPort
	cat     *catalog.Catalog
	content []byte
	conn    *fakeConnector
	events  *Sender
}

func (f *fakeSession) Run(ctx context.Context) error {
	defer f.events.Release()
	defer f.events.Send(NewPeerLeft(f.id))

	q := piece.NewQueue()
	ctrl := make(chan Command, 1)

	if err := f.events.SendContext(ctx, NewPeerJoined(f.id, f.addr, q, ctrl)); err != nil {
		return err
	}
	if err := f.events.SendContext(ctx, NewFullBitfield(f.id, allSet(f.cat.NumPieces()))); err != nil {
		return err
	}

	asm := make(map[int]*piece.Assembler)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ctrl:
		}

		for b, ok := q.Pop(); ok; b, ok = q.Pop() {
			a, exists := asm[b.Index]
			if !exists {
				a = piece.NewAssembler(b.Index, f.cat.PieceLength(b.Index))
				asm[b.Index] = a
			}

			off := int(f.cat.Offset(b.Index)) + b.Begin
			done, err := a.Put(b.Begin, f.content[off:off+b.Length])
			if err != nil {
				return err
			}
			if !done {
				continue
			}

			buf := a.Buffer()
			delete(asm, b.Index)
			if f.conn.corruptOnce(buf.Index) {
				buf.Data[0] ^= 0xFF
			}
			if err := f.events.SendContext(ctx, NewPieceCompleted(f.id, buf)); err != nil {
				return err
			}
		}
	}
}
