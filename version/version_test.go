package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionOrdering(t *testing.T) {
	a := Version{Order: 1, NodeOrder: 5, Topology: 1}
	b := Version{Order: 1, NodeOrder: 6, Topology: 1}
	c := Version{Order: 2, NodeOrder: 1, Topology: 1}

	assert.True(t, a.Less(b))
	assert.True(t, b.Less(c))
	assert.False(t, c.Less(a))
	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, c.Compare(a))
}

func TestVersionEqualityIsStructural(t *testing.T) {
	a := Version{Order: 3, NodeOrder: 2, Topology: 4, GlobalTime: 99}
	b := a
	assert.True(t, a.Equal(b))

	b.Topology = 5
	assert.False(t, a.Equal(b))
}

func TestVersionTopologyDoesNotInvertOrder(t *testing.T) {
	// A version from a higher topology must never be considered "less
	// than" one from a lower topology when Order/NodeOrder already
	// differ. Less never consults Topology, so it is not a tie-break
	// either; identical Order/NodeOrder can't happen across distinct
	// versions from a single vendor (Order is monotone).
	lowerTopologyLaterOrder := Version{Order: 10, NodeOrder: 1, Topology: 1}
	higherTopologyEarlierOrder := Version{Order: 5, NodeOrder: 1, Topology: 9}
	assert.True(t, higherTopologyEarlierOrder.Less(lowerTopologyLaterOrder))
}

func TestVendorMonotoneAcrossRemoteObservations(t *testing.T) {
	v := NewVendor(1)
	first := v.Next(1, 0)
	require.Equal(t, uint64(1), first.Order)

	v.Observe(Version{Order: 50, NodeOrder: 2})
	second := v.Next(1, 0)
	assert.Equal(t, uint64(51), second.Order)

	// observing an older version never regresses the sequence (L4)
	v.Observe(Version{Order: 1, NodeOrder: 9})
	third := v.Next(1, 0)
	assert.Equal(t, uint64(52), third.Order)
}

func TestVendorNodeOrderStable(t *testing.T) {
	v := NewVendor(42)
	a := v.Next(0, 0)
	b := v.Next(0, 0)
	assert.Equal(t, uint32(42), a.NodeOrder)
	assert.Equal(t, uint32(42), b.NodeOrder)
	assert.True(t, a.Less(b))
}
