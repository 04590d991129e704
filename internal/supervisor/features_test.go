package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"testing"

	"github.com/cucumber/godog"
	"github.com/prxssh/warren/internal/bitfield"
	"github.com/prxssh/warren/internal/piece"
)

type coordinationWorld struct {
	sup       *Supervisor
	content   []byte
	writer    *memWriter
	peers     map[string]PeerID
	queues    map[string]*piece.Queue
	found     bool
	verifyErr error
}

func (w *coordinationWorld) aCatalog(n, pieceLen int) error {
	w.content = testContent(n * pieceLen)
	w.writer = &memWriter{}
	w.peers = make(map[string]PeerID)
	w.queues = make(map[string]*piece.Queue)

	cfg := WithDefaultConfig()
	cfg.ReofferOnRelease = false

	sup, err := New(testMeta(w.content, pieceLen), &Opts{
		Logger:    quietLogger(),
		Config:    cfg,
		Sources:   sourcesOf(&mockSource{name: "unused"}),
		Connector: nopConnector{},
		Writer:    w.writer,
	})
	w.sup = sup
	return err
}

func (w *coordinationWorld) peerJoined(name string) error {
	id := NewPeerID()
	q := piece.NewQueue()
	w.peers[name], w.queues[name] = id, q
	w.sup.dispatch(NewPeerJoined(id, netip.MustParseAddrPort("192.0.2.1:6881"), q, make(chan Command, 1)))
	return nil
}

func (w *coordinationWorld) peer(name string) (PeerID, error) {
	id, ok := w.peers[name]
	if !ok {
		return PeerID{}, fmt.Errorf("peer %q never joined", name)
	}
	return id, nil
}

func (w *coordinationWorld) announcesBitfield(name, bits string) error {
	id, err := w.peer(name)
	if err != nil {
		return err
	}

	flags := make([]bool, len(bits))
	for i, c := range bits {
		flags[i] = c == '1'
	}
	_, w.found = w.sup.updateAvailability(id, FullBitfield{Bits: bitfield.FromBools(flags)})
	return nil
}

func (w *coordinationWorld) announcesEvery(name string) error {
	id, err := w.peer(name)
	if err != nil {
		return err
	}
	_, w.found = w.sup.updateAvailability(id, FullBitfield{Bits: allSet(w.sup.cat.NumPieces())})
	return nil
}

func (w *coordinationWorld) announcesHave(name string, index int) error {
	id, err := w.peer(name)
	if err != nil {
		return err
	}
	_, w.found = w.sup.updateAvailability(id, HavePiece{Index: index})
	return nil
}

func (w *coordinationWorld) leaves(name string) error {
	id, err := w.peer(name)
	if err != nil {
		return err
	}
	w.sup.dispatch(NewPeerLeft(id))
	return nil
}

func (w *coordinationWorld) completesValid(name string, index int) error {
	id, err := w.peer(name)
	if err != nil {
		return err
	}
	w.sup.dispatch(NewPieceCompleted(id, piece.Buffer{Index: index, Data: pieceData(w.content, w.sup.cat, index)}))
	return nil
}

func (w *coordinationWorld) verifiedCorrupt(index int) error {
	data := pieceData(w.content, w.sup.cat, index)
	data[0] ^= 0xFF
	w.verifyErr = verify(w.sup.cat, piece.Buffer{Index: index, Data: data})
	return nil
}

func (w *coordinationWorld) selectionFound() error {
	if !w.found {
		return errors.New("expected selection to claim a piece")
	}
	return nil
}

func (w *coordinationWorld) selectionNothing() error {
	if w.found {
		return errors.New("expected selection to claim nothing")
	}
	return nil
}

func (w *coordinationWorld) claimedBy(index int, name string) error {
	id, err := w.peer(name)
	if err != nil {
		return err
	}
	if st := w.sup.table.state(index); st != slotClaimed {
		return fmt.Errorf("piece %d is %s", index, st)
	}
	owners := w.sup.table.owners(index)
	if len(owners) != 1 || owners[0] != id {
		return fmt.Errorf("piece %d owners = %v, want [%s]", index, owners, id)
	}
	return nil
}

func (w *coordinationWorld) pieceState(want slotState) func(int) error {
	return func(index int) error {
		if st := w.sup.table.state(index); st != want {
			return fmt.Errorf("piece %d is %s, want %s", index, st, want)
		}
		return nil
	}
}

func (w *coordinationWorld) noneClaimed() error {
	return w.countClaimed(0)
}

func (w *coordinationWorld) countClaimed(n int) error {
	if w.sup.table.claimed != n {
		return fmt.Errorf("%d pieces claimed, want %d", w.sup.table.claimed, n)
	}
	return nil
}

func (w *coordinationWorld) queuedTask(name string, index, begin, length int) error {
	q, ok := w.queues[name]
	if !ok {
		return fmt.Errorf("peer %q never joined", name)
	}

	want := piece.Block{Index: index, Begin: begin, Length: length}
	snap := q.Snapshot()
	if len(snap) != 1 || snap[0] != want {
		return fmt.Errorf("queue = %v, want [%v]", snap, want)
	}
	return nil
}

func (w *coordinationWorld) queuedCount(name string, n int) error {
	q, ok := w.queues[name]
	if !ok {
		return fmt.Errorf("peer %q never joined", name)
	}
	if q.Len() != n {
		return fmt.Errorf("queue holds %d tasks, want %d", q.Len(), n)
	}
	return nil
}

func (w *coordinationWorld) hashMismatch() error {
	if !errors.Is(w.verifyErr, ErrHashMismatch) {
		return fmt.Errorf("verification returned %v", w.verifyErr)
	}
	return nil
}

func (w *coordinationWorld) notWritten(index int) error {
	w.writer.mu.Lock()
	defer w.writer.mu.Unlock()

	if _, ok := w.writer.pieces[index]; ok {
		return fmt.Errorf("piece %d reached the writer", index)
	}
	return nil
}

func InitializeScenario(sc *godog.ScenarioContext) {
	w := &coordinationWorld{}

	sc.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
		*w = coordinationWorld{}
		return ctx, nil
	})

	sc.Step(`^a catalog of (\d+) pieces of (\d+) bytes$`, w.aCatalog)
	sc.Step(`^peer "([^"]*)" has joined$`, w.peerJoined)
	sc.Step(`^peer "([^"]*)" announces the bitfield "([01]+)"$`, w.announcesBitfield)
	sc.Step(`^peer "([^"]*)" announces every piece$`, w.announcesEvery)
	sc.Step(`^peer "([^"]*)" announces having piece (\d+)$`, w.announcesHave)
	sc.Step(`^peer "([^"]*)" leaves$`, w.leaves)
	sc.Step(`^peer "([^"]*)" completes piece (\d+) with valid data$`, w.completesValid)
	sc.Step(`^piece (\d+) is verified with corrupt data$`, w.verifiedCorrupt)
	sc.Step(`^selection reports found$`, w.selectionFound)
	sc.Step(`^selection reports nothing found$`, w.selectionNothing)
	sc.Step(`^piece (\d+) is claimed by "([^"]*)"$`, w.claimedBy)
	sc.Step(`^piece (\d+) is unclaimed$`, w.pieceState(slotUnclaimed))
	sc.Step(`^piece (\d+) is complete$`, w.pieceState(slotComplete))
	sc.Step(`^no piece is claimed$`, w.noneClaimed)
	sc.Step(`^(\d+) pieces are claimed$`, w.countClaimed)
	sc.Step(`^peer "([^"]*)" has the block task (\d+), (\d+), (\d+) queued$`, w.queuedTask)
	sc.Step(`^peer "([^"]*)" has (\d+) queued block tasks$`, w.queuedCount)
	sc.Step(`^verification reports a hash mismatch$`, w.hashMismatch)
	sc.Step(`^piece (\d+) was not written$`, w.notWritten)
}

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
