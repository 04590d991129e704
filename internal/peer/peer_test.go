package peer

import (
	"context"
	"crypto/sha1"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/prxssh/warren/internal/bitfield"
	"github.com/prxssh/warren/internal/catalog"
	"github.com/prxssh/warren/internal/meta"
	"github.com/prxssh/warren/internal/piece"
	"github.com/prxssh/warren/internal/protocol"
	"github.com/prxssh/warren/internal/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testInfoHash = sha1.Sum([]byte("warren-peer-test"))
	testAddr     = netip.MustParseAddrPort("192.0.2.10:6881")
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *Config {
	cfg := WithDefaultConfig()
	copy(cfg.PeerID[:], "-WRN001-000000000000")
	cfg.DialTimeout = 5 * time.Second
	cfg.ReadTimeout = 5 * time.Second
	cfg.WriteTimeout = 5 * time.Second
	return cfg
}

func testContent(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i*7 + i/251)
	}
	return out
}

func testCatalog(t *testing.T, content []byte, pieceLen int) *catalog.Catalog {
	t.Helper()

	var hashes [][sha1.Size]byte
	for off := 0; off < len(content); off += pieceLen {
		hashes = append(hashes, sha1.Sum(content[off:min(off+pieceLen, len(content))]))
	}

	cat, err := catalog.New(hashes, pieceLen, int64(len(content)))
	require.NoError(t, err)
	return cat
}

// remotePeer plays the other end of a connection over net.Pipe.
type remotePeer struct {
	infoHash [sha1.Size]byte
	content  []byte
	pieceLen int
	script   []*protocol.Message

	// chokeFirst answers the first request with Choke then Unchoke.
	chokeFirst bool

	mu       sync.Mutex
	requests []piece.Block
}

func (r *remotePeer) serve(conn net.Conn) {
	defer conn.Close()

	if _, err := protocol.ReadHandshake(conn); err != nil {
		return
	}
	var id [sha1.Size]byte
	copy(id[:], "-XX0001-remote-peer!")
	if err := protocol.WriteHandshake(conn, protocol.NewHandshake(r.infoHash, id)); err != nil {
		return
	}

	for _, m := range r.script {
		if err := protocol.WriteMessage(conn, m); err != nil {
			return
		}
	}

	for {
		m, err := protocol.ReadMessage(conn)
		if err != nil {
			return
		}
		if m == nil || m.ID != protocol.Request {
			continue
		}

		b, err := m.ParseRequest()
		if err != nil {
			return
		}

		r.mu.Lock()
		r.requests = append(r.requests, b)
		first := len(r.requests) == 1
		r.mu.Unlock()

		if r.chokeFirst && first {
			_ = protocol.WriteMessage(conn, protocol.MessageChoke())
			_ = protocol.WriteMessage(conn, protocol.MessageUnchoke())
			continue
		}

		off := b.Index*r.pieceLen + b.Begin
		if err := protocol.WriteMessage(conn, protocol.MessagePiece(b.Index, b.Begin, r.content[off:off+b.Length])); err != nil {
			return
		}
	}
}

func (r *remotePeer) requested() []piece.Block {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]piece.Block(nil), r.requests...)
}

func pipeDial(serve func(net.Conn)) func(context.Context, string, string) (net.Conn, error) {
	return func(context.Context, string, string) (net.Conn, error) {
		local, remote := net.Pipe()
		go serve(remote)
		return local, nil
	}
}

func fullBitfield(n int) *protocol.Message {
	bf := bitfield.New(n)
	for i := range n {
		bf.Set(i)
	}
	return protocol.MessageBitfield(bf.Bytes())
}

func nextEvent(t *testing.T, ch <-chan supervisor.Event) supervisor.Event {
	t.Helper()

	select {
	case ev, ok := <-ch:
		require.True(t, ok, "event queue closed early")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func connect(t *testing.T, r *remotePeer, cat *catalog.Catalog, events *supervisor.Sender) *Session {
	t.Helper()

	d := NewDialer(testInfoHash, &DialerOpts{
		Config: testConfig(),
		Logger: quietLogger(),
		Dial:   pipeDial(r.serve),
	})

	sess, err := d.Connect(context.Background(), testAddr, cat, events)
	require.NoError(t, err)
	return sess.(*Session)
}

func TestSessionDownloadsQueuedPieces(t *testing.T) {
	const pieceLen = 2 * piece.MaxBlockLength
	content := testContent(pieceLen + 20000)
	cat := testCatalog(t, content, pieceLen)

	remote := &remotePeer{
		infoHash: testInfoHash,
		content:  content,
		pieceLen: pieceLen,
		script: []*protocol.Message{
			fullBitfield(cat.NumPieces()),
			protocol.MessageHave(1),
			protocol.MessageUnchoke(),
		},
	}

	events, ch := supervisor.NewEventQueue(16)
	sess := connect(t, remote, cat, events)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- sess.Run(ctx) }()

	joined, ok := nextEvent(t, ch).(supervisor.PeerJoined)
	require.True(t, ok)
	assert.Equal(t, sess.ID(), joined.Peer)
	assert.Equal(t, testAddr, joined.Data.Addr)

	avail, ok := nextEvent(t, ch).(supervisor.AvailabilityChanged)
	require.True(t, ok)
	full, ok := avail.Data.(supervisor.FullBitfield)
	require.True(t, ok)
	assert.Equal(t, "11000000", full.Bits.String())

	have, ok := nextEvent(t, ch).(supervisor.AvailabilityChanged)
	require.True(t, ok)
	assert.Equal(t, supervisor.HavePiece{Index: 1}, have.Data)

	joined.Data.Queue.Push(cat.Blocks(0)...)
	joined.Data.Queue.Push(cat.Blocks(1)...)
	joined.Data.Control <- supervisor.CommandTasksAvailable

	got := map[int][]byte{}
	for len(got) < 2 {
		done, ok := nextEvent(t, ch).(supervisor.PieceCompleted)
		require.True(t, ok)
		got[done.Data.Index] = done.Data.Data
	}
	assert.Equal(t, content[:pieceLen], got[0])
	assert.Equal(t, content[pieceLen:], got[1])

	st := sess.Stats()
	assert.Equal(t, uint64(len(content)), st.Downloaded)
	assert.Equal(t, uint64(4), st.BlocksReceived)
	assert.Equal(t, uint64(2), st.PiecesCompleted)
	assert.Zero(t, st.Inflight)
	assert.True(t, sess.AmInterested())

	cancel()
	_, ok = nextEvent(t, ch).(supervisor.PeerLeft)
	assert.True(t, ok, "peer left is the last event")

	_, open := <-ch
	assert.False(t, open, "session releases its handle")
	assert.NoError(t, <-errc)
}

func TestSessionRequeuesOnChoke(t *testing.T) {
	content := testContent(piece.MaxBlockLength)
	cat := testCatalog(t, content, piece.MaxBlockLength)

	remote := &remotePeer{
		infoHash:   testInfoHash,
		content:    content,
		pieceLen:   piece.MaxBlockLength,
		script:     []*protocol.Message{protocol.MessageUnchoke()},
		chokeFirst: true,
	}

	events, ch := supervisor.NewEventQueue(16)
	sess := connect(t, remote, cat, events)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sess.Run(ctx) }()

	joined := nextEvent(t, ch).(supervisor.PeerJoined)
	joined.Data.Queue.Push(cat.Blocks(0)...)
	joined.Data.Control <- supervisor.CommandTasksAvailable

	done, ok := nextEvent(t, ch).(supervisor.PieceCompleted)
	require.True(t, ok)
	assert.Equal(t, content, done.Data.Data)

	want := piece.Block{Index: 0, Begin: 0, Length: piece.MaxBlockLength}
	assert.Equal(t, []piece.Block{want, want}, remote.requested(),
		"the block is requested again after the choke")
	assert.Zero(t, joined.Data.Queue.Len())
}

func TestSessionMalformedMessageEndsSession(t *testing.T) {
	content := testContent(piece.MaxBlockLength)
	cat := testCatalog(t, content, piece.MaxBlockLength)

	remote := &remotePeer{
		infoHash: testInfoHash,
		script:   []*protocol.Message{{ID: protocol.Have, Payload: []byte{0, 1}}},
	}

	events, ch := supervisor.NewEventQueue(16)
	sess := connect(t, remote, cat, events)

	err := sess.Run(context.Background())
	assert.ErrorIs(t, err, protocol.ErrBadPayloadSize)

	_, ok := nextEvent(t, ch).(supervisor.PeerJoined)
	assert.True(t, ok)
	_, ok = nextEvent(t, ch).(supervisor.PeerLeft)
	assert.True(t, ok)

	_, open := <-ch
	assert.False(t, open)
}

func TestSessionDropsUnsolicitedBlocks(t *testing.T) {
	content := testContent(piece.MaxBlockLength)
	cat := testCatalog(t, content, piece.MaxBlockLength)

	remote := &remotePeer{
		infoHash: testInfoHash,
		script: []*protocol.Message{
			protocol.MessagePiece(0, 0, content),
			protocol.MessageHave(0),
		},
	}

	events, ch := supervisor.NewEventQueue(16)
	sess := connect(t, remote, cat, events)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sess.Run(ctx) }()

	_ = nextEvent(t, ch)
	avail, ok := nextEvent(t, ch).(supervisor.AvailabilityChanged)
	require.True(t, ok, "the unsolicited piece produces no completion")
	assert.Equal(t, supervisor.HavePiece{Index: 0}, avail.Data)
	assert.Equal(t, uint64(1), sess.Stats().Unsolicited)
}

func TestConnectHandshakeMismatch(t *testing.T) {
	cat := testCatalog(t, testContent(100), piece.MaxBlockLength)
	remote := &remotePeer{infoHash: sha1.Sum([]byte("other"))}

	d := NewDialer(testInfoHash, &DialerOpts{
		Config: testConfig(),
		Logger: quietLogger(),
		Dial:   pipeDial(remote.serve),
	})

	events, _ := supervisor.NewEventQueue(1)
	_, err := d.Connect(context.Background(), testAddr, cat, events)
	assert.ErrorIs(t, err, protocol.ErrInfoHashMismatch)

	assert.NoError(t, events.Send(supervisor.NewPeerLeft(supervisor.NewPeerID())),
		"a failed connect leaves the handle with the caller")
	events.Release()
}

func TestConnectDialError(t *testing.T) {
	cat := testCatalog(t, testContent(100), piece.MaxBlockLength)
	boom := errors.New("connection refused")

	d := NewDialer(testInfoHash, &DialerOpts{
		Config: testConfig(),
		Logger: quietLogger(),
		Dial: func(context.Context, string, string) (net.Conn, error) {
			return nil, boom
		},
	})

	events, _ := supervisor.NewEventQueue(1)
	defer events.Release()

	_, err := d.Connect(context.Background(), testAddr, cat, events)
	assert.ErrorIs(t, err, boom)
}

type staticSource []netip.AddrPort

func (s staticSource) Announce(context.Context, *meta.Metainfo) ([]netip.AddrPort, error) {
	return s, nil
}

func (staticSource) String() string { return "static" }

type memWriter struct {
	mu     sync.Mutex
	pieces map[int][]byte
}

func (w *memWriter) WritePiece(index int, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pieces[index] = append([]byte(nil), data...)
	return nil
}

func TestDialerDrivesSupervisor(t *testing.T) {
	const pieceLen = 2 * piece.MaxBlockLength
	content := testContent(5*pieceLen - 1000)
	cat := testCatalog(t, content, pieceLen)

	hashes := make([][sha1.Size]byte, cat.NumPieces())
	for i := range hashes {
		hashes[i], _ = cat.Hash(i)
	}
	m := &meta.Metainfo{
		Announce: "http://tracker.test/announce",
		Info: &meta.Info{
			Name:        "content.bin",
			PieceLength: pieceLen,
			Pieces:      hashes,
			Length:      int64(len(content)),
		},
		InfoHash: testInfoHash,
	}

	serve := func(conn net.Conn) {
		r := &remotePeer{
			infoHash: testInfoHash,
			content:  content,
			pieceLen: pieceLen,
			script:   []*protocol.Message{fullBitfield(cat.NumPieces()), protocol.MessageUnchoke()},
		}
		r.serve(conn)
	}

	writer := &memWriter{pieces: map[int][]byte{}}
	sup, err := supervisor.New(m, &supervisor.Opts{
		Logger: quietLogger(),
		Sources: func(string) (supervisor.Source, error) {
			return staticSource{testAddr, netip.MustParseAddrPort("192.0.2.11:6881")}, nil
		},
		Connector: NewDialer(testInfoHash, &DialerOpts{
			Config: testConfig(),
			Logger: quietLogger(),
			Dial:   pipeDial(serve),
		}),
		Writer: writer,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	require.NoError(t, sup.Run(ctx))
	require.NoError(t, ctx.Err(), "download finished before the deadline")

	writer.mu.Lock()
	defer writer.mu.Unlock()
	require.Len(t, writer.pieces, cat.NumPieces())
	for i := range cat.NumPieces() {
		off := int(cat.Offset(i))
		assert.Equal(t, content[off:off+cat.PieceLength(i)], writer.pieces[i], "piece %d", i)
	}
	assert.Equal(t, supervisor.StateTerminal, sup.State())
}
