package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssignmentClaimOnce(t *testing.T) {
	tbl := newAssignmentTable(3)
	a, b := NewPeerID(), NewPeerID()

	require.True(t, tbl.claim(1, a))
	assert.False(t, tbl.claim(1, b), "claimed slot must not be re-claimed")
	assert.Equal(t, []PeerID{a}, tbl.owners(1))
	assert.Equal(t, 1, tbl.claimed)

	assert.False(t, tbl.claim(3, a))
	assert.False(t, tbl.claim(-1, a))
}

func TestAssignmentCompleteIsTerminal(t *testing.T) {
	tbl := newAssignmentTable(2)
	id := NewPeerID()

	require.True(t, tbl.claim(0, id))
	require.True(t, tbl.markComplete(0))
	assert.False(t, tbl.markComplete(0), "second completion is a no-op")

	assert.False(t, tbl.claim(0, id))
	assert.False(t, tbl.release(0))
	assert.Empty(t, tbl.sweep(id))
	assert.Equal(t, slotComplete, tbl.state(0))
	assert.Equal(t, 0, tbl.claimed)
	assert.Equal(t, 1, tbl.complete)

	require.True(t, tbl.markComplete(1), "unclaimed piece can complete directly")
	assert.True(t, tbl.done())
}

func TestAssignmentSweep(t *testing.T) {
	tbl := newAssignmentTable(4)
	gone, stays := NewPeerID(), NewPeerID()

	tbl.claim(0, gone)
	tbl.claim(1, stays)
	tbl.claim(3, gone)

	freed := tbl.sweep(gone)
	assert.Equal(t, []int{0, 3}, freed)
	assert.Equal(t, slotUnclaimed, tbl.state(0))
	assert.Equal(t, slotClaimed, tbl.state(1))
	assert.Equal(t, slotUnclaimed, tbl.state(3))
	assert.Equal(t, 1, tbl.claimed)

	assert.Empty(t, tbl.sweep(gone), "second sweep finds nothing")
}

func TestAssignmentSweepKeepsOtherOwners(t *testing.T) {
	tbl := newAssignmentTable(1)
	a, b := NewPeerID(), NewPeerID()

	tbl.claim(0, a)
	tbl.slots[0].owners.Add(b)

	assert.Empty(t, tbl.sweep(a))
	assert.Equal(t, []PeerID{b}, tbl.owners(0))
	assert.Equal(t, slotClaimed, tbl.state(0))
}
