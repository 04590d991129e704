package supervisor

import mapset "github.com/deckarep/golang-set/v2"

type slotState uint8

const (
	slotUnclaimed slotState = iota
	slotClaimed
	slotComplete
)

func (s slotState) String() string {
	switch s {
	case slotUnclaimed:
		return "unclaimed"
	case slotClaimed:
		return "claimed"
	default:
		return "complete"
	}
}

type slot struct {
	state  slotState
	owners mapset.Set[PeerID]
}

// assignmentTable records, per piece, whether it is free, being fetched by
// one or more peers, or already verified. Only the supervisor goroutine
// touches it.
type assignmentTable struct {
	slots    []slot
	claimed  int
	complete int
}

func newAssignmentTable(n int) *assignmentTable {
	return &assignmentTable{slots: make([]slot, n)}
}

func (t *assignmentTable) inRange(i int) bool { return i >= 0 && i < len(t.slots) }

func (t *assignmentTable) state(i int) slotState {
	if !t.inRange(i) {
		return slotUnclaimed
	}
	return t.slots[i].state
}

func (t *assignmentTable) unclaimed(i int) bool {
	return t.inRange(i) && t.slots[i].state == slotUnclaimed
}

// claim moves an unclaimed slot to claimed with id as its only owner. It
// reports false, changing nothing, for any other slot.
func (t *assignmentTable) claim(i int, id PeerID) bool {
	if !t.unclaimed(i) {
		return false
	}

	t.slots[i] = slot{state: slotClaimed, owners: mapset.NewThreadUnsafeSet(id)}
	t.claimed++
	return true
}

func (t *assignmentTable) owners(i int) []PeerID {
	if !t.inRange(i) || t.slots[i].owners == nil {
		return nil
	}
	return t.slots[i].owners.ToSlice()
}

// release returns a claimed slot to unclaimed.
func (t *assignmentTable) release(i int) bool {
	if !t.inRange(i) || t.slots[i].state != slotClaimed {
		return false
	}

	t.slots[i] = slot{}
	t.claimed--
	return true
}

// markComplete makes slot i terminal. It reports false if the slot was
// already complete or i is out of range.
func (t *assignmentTable) markComplete(i int) bool {
	if !t.inRange(i) || t.slots[i].state == slotComplete {
		return false
	}

	if t.slots[i].state == slotClaimed {
		t.claimed--
	}
	t.slots[i] = slot{state: slotComplete}
	t.complete++
	return true
}

// sweep drops id from every owner set and returns the pieces whose owner
// set became empty; those slots are unclaimed again.
func (t *assignmentTable) sweep(id PeerID) []int {
	var freed []int
	for i := range t.slots {
		s := &t.slots[i]
		if s.state != slotClaimed || !s.owners.Contains(id) {
			continue
		}

		s.owners.Remove(id)
		if s.owners.Cardinality() == 0 {
			*s = slot{}
			t.claimed--
			freed = append(freed, i)
		}
	}

	return freed
}

func (t *assignmentTable) done() bool { return t.complete == len(t.slots) }
