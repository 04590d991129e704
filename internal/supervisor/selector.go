package supervisor

import "github.com/prxssh/warren/internal/catalog"

// selector hands unclaimed pieces to the peer that announced them. It picks
// in ascending index order with no rarity weighting and never claims more
// than limit pieces per call.
type selector struct {
	cat   *catalog.Catalog
	limit int
}

// pick claims pieces named by u that rec now holds and returns them.
func (s selector) pick(rec *peerRecord, u Update, t *assignmentTable) []int {
	switch u := u.(type) {
	case HavePiece:
		if s.take(rec, u.Index, t) {
			return []int{u.Index}
		}
		return nil
	default:
		return s.scan(rec, t)
	}
}

// scan walks every piece in rec's tracker.
func (s selector) scan(rec *peerRecord, t *assignmentTable) []int {
	var claimed []int
	for i := rec.have.NextSet(0); i >= 0 && len(claimed) < s.limit; i = rec.have.NextSet(i + 1) {
		if s.take(rec, i, t) {
			claimed = append(claimed, i)
		}
	}
	return claimed
}

// take enqueues every block of piece i on rec's queue and records rec as
// the owner. Pieces that are not unclaimed are left alone.
func (s selector) take(rec *peerRecord, i int, t *assignmentTable) bool {
	if i >= s.cat.NumPieces() || !t.unclaimed(i) {
		return false
	}

	rec.queue.Push(s.cat.Blocks(i)...)
	return t.claim(i, rec.id)
}
