package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// checkOrder asserts the tree is a valid binary search tree holding exactly size nodes.
func checkOrder(t *testing.T, d *Directory) {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	var prev NodeId
	count := 0
	d.walk(d.root, func(n *NetworkNode) {
		if count > 0 {
			assert.Greater(t, n.Id, prev)
		}
		prev = n.Id
		count++
	})
	assert.Equal(t, d.size, count)
}

func TestDirectoryRejectsBroadcast(t *testing.T) {
	d := NewDirectory(1, 200)
	_, err := d.FindOrCreate(Broadcast)
	assert.ErrorIs(t, err, ErrInvalidNode)
	_, err = d.SetNeighbour(Broadcast, Key{})
	assert.ErrorIs(t, err, ErrInvalidNode)
	_, err = d.AddRoute(Broadcast, 3, 1, nil)
	assert.ErrorIs(t, err, ErrInvalidNode)
	assert.Equal(t, 0, d.Len())
}

func TestDirectorySplaysAccessedNode(t *testing.T) {
	d := NewDirectory(1, 200)
	for _, id := range []NodeId{50, 20, 80, 10, 30, 70, 90} {
		_, err := d.FindOrCreate(id)
		require.NoError(t, err)
	}
	checkOrder(t, d)

	_, ok := d.Find(30)
	assert.True(t, ok)
	assert.Equal(t, handle(30), d.root)
	checkOrder(t, d)

	_, ok = d.Find(31)
	assert.False(t, ok)
	checkOrder(t, d)

	d.Update(90, func(n *NetworkNode) { n.HopDistance = 4 })
	assert.Equal(t, handle(90), d.root)
	n, _ := d.Find(90)
	assert.Equal(t, uint8(4), n.HopDistance)
}

func TestDirectoryFindOrCreateIdempotent(t *testing.T) {
	d := NewDirectory(1, 200)
	_, err := d.SetNeighbour(5, GenerateKey())
	require.NoError(t, err)
	n, err := d.FindOrCreate(5)
	require.NoError(t, err)
	assert.True(t, n.IsNeighbour)
	assert.Equal(t, 1, d.Len())
}

func TestDirectoryReturnsCopies(t *testing.T) {
	d := NewDirectory(1, 200)
	_, err := d.AddRoute(9, 2, 3, []NodeId{9, 4, 2, 1})
	require.NoError(t, err)
	n, _ := d.Find(9)
	n.FullRoute[0] = 77
	n.Gateway = 77
	again, _ := d.Find(9)
	assert.Equal(t, NodeId(2), again.Gateway)
	assert.Equal(t, []NodeId{1, 2, 4, 9}, again.FullRoute)
}

func TestDirectoryAddRoute(t *testing.T) {
	d := NewDirectory(1, 200)

	added, err := d.AddRoute(9, 2, 3, nil)
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, NodeId(2), d.Gateway(9))

	// equal hop count keeps the existing route
	added, _ = d.AddRoute(9, 3, 3, nil)
	assert.False(t, added)
	assert.Equal(t, NodeId(2), d.Gateway(9))

	// longer route is ignored
	added, _ = d.AddRoute(9, 4, 5, nil)
	assert.False(t, added)

	// strictly shorter route replaces
	added, _ = d.AddRoute(9, 5, 2, []NodeId{1, 5, 9})
	assert.True(t, added)
	assert.Equal(t, NodeId(5), d.Gateway(9))
	n, _ := d.Find(9)
	assert.Equal(t, uint8(2), n.HopDistance)
	assert.Equal(t, []NodeId{1, 5, 9}, n.FullRoute)

	// routes to self are never stored
	added, _ = d.AddRoute(1, 5, 1, nil)
	assert.False(t, added)
	_, ok := d.Find(1)
	assert.False(t, ok)
}

func TestDirectoryNeighbourLifecycle(t *testing.T) {
	d := NewDirectory(1, 200)
	k := GenerateKey()
	newly, err := d.SetNeighbour(4, k)
	require.NoError(t, err)
	assert.True(t, newly)
	newly, _ = d.SetNeighbour(4, k)
	assert.False(t, newly)

	got, err := d.NeighbourKey(4)
	require.NoError(t, err)
	assert.True(t, got.Equal(k))
	assert.Equal(t, NodeId(4), d.Gateway(4))

	// a node behind 4 uses 4's pairwise key
	_, err = d.AddRoute(8, 4, 2, nil)
	require.NoError(t, err)
	got, err = d.PairwiseKeyTowards(8)
	require.NoError(t, err)
	assert.True(t, got.Equal(k))

	assert.True(t, d.Deneighbour(4))
	assert.False(t, d.IsNeighbour(4))
	_, err = d.NeighbourKey(4)
	assert.ErrorIs(t, err, ErrNotAvailable)
	_, err = d.PairwiseKeyTowards(8)
	assert.ErrorIs(t, err, ErrNotAvailable)
	_, err = d.PairwiseKeyTowards(99)
	assert.ErrorIs(t, err, ErrNotAvailable)
}

func TestDirectorySetUnreachable(t *testing.T) {
	d := NewDirectory(1, 200)
	_, _ = d.SetNeighbour(2, GenerateKey())
	_, _ = d.SetNeighbour(3, GenerateKey())
	_, _ = d.AddRoute(10, 2, 2, nil)
	_, _ = d.AddRoute(11, 2, 3, nil)
	_, _ = d.AddRoute(12, 3, 2, nil)

	assert.Equal(t, 3, d.SetUnreachable(2))
	assert.False(t, d.IsNeighbour(2))
	assert.Equal(t, Broadcast, d.Gateway(10))
	assert.Equal(t, Broadcast, d.Gateway(11))
	assert.Equal(t, NodeId(3), d.Gateway(12))

	// a cleared route accepts any new gateway
	added, _ := d.AddRoute(10, 3, 4, nil)
	assert.True(t, added)
}

func TestDirectoryKeepAlives(t *testing.T) {
	d := NewDirectory(1, 200)
	_, _ = d.SetNeighbour(2, GenerateKey())
	_, _ = d.SetNeighbour(3, GenerateKey())
	_, _ = d.AddRoute(9, 3, 2, nil)

	for range 4 {
		d.IncrementKeepAlives()
	}
	d.ResetKeepAlive(3)
	assert.Empty(t, d.DropDeadNeighbours(5))

	d.IncrementKeepAlives()
	assert.Equal(t, []NodeId{2}, d.DropDeadNeighbours(5))
	assert.Equal(t, []NodeId{3}, d.Neighbours())
	assert.Equal(t, 1, d.CountNeighbours())

	n, _ := d.Find(9)
	assert.Equal(t, uint8(0), n.MissedKeepAlives)
}

func TestDirectoryMacErrorsAndSequence(t *testing.T) {
	d := NewDirectory(1, 200)
	require.NoError(t, d.SetSequence(7, 40))
	assert.Equal(t, uint16(40), d.Sequence(7))
	assert.Equal(t, uint16(0), d.Sequence(8))
	assert.ErrorIs(t, d.SetSequence(Broadcast, 1), ErrInvalidNode)

	for range 5 {
		d.RecordWrongMAC(7)
	}
	_, _ = d.FindOrCreate(8)
	d.RecordWrongMAC(8)
	assert.Equal(t, 1, d.CountNodesWithMacErrors(5))
	assert.Equal(t, 2, d.CountNodesWithMacErrors(1))

	d.ResetOnGlobalKey()
	assert.Equal(t, 0, d.CountNodesWithMacErrors(1))
	assert.Equal(t, uint16(0), d.Sequence(7))

	d.RecordWrongMAC(7)
	d.ResetMacErrors()
	assert.Equal(t, 0, d.CountNodesWithMacErrors(1))
}

func TestDirectoryEvictionKeepsCapacity(t *testing.T) {
	d := NewDirectory(1, 255)
	for id := 2; id < 2+MaxNodes; id++ {
		_, err := d.FindOrCreate(NodeId(id))
		require.NoError(t, err)
	}
	assert.Equal(t, MaxNodes, d.Len())

	_, err := d.FindOrCreate(NodeId(2 + MaxNodes))
	require.NoError(t, err)
	assert.Equal(t, MaxNodes, d.Len())
	_, ok := d.Find(NodeId(2 + MaxNodes))
	assert.True(t, ok)
	checkOrder(t, d)

	// evicting below capacity does nothing
	d2 := NewDirectory(1, 255)
	_, _ = d2.FindOrCreate(3)
	assert.Equal(t, Broadcast, d2.EvictIfFull(false))
	assert.Equal(t, 1, d2.Len())
}

func TestDirectoryEvictsDeepestRoute(t *testing.T) {
	d := NewDirectory(1, 255)
	for id := 2; id < 2+MaxNodes; id++ {
		_, _ = d.FindOrCreate(NodeId(id))
	}
	// after inserting in ascending order each node was splayed to the root, so the
	// smallest id is the deepest
	victim := d.EvictIfFull(false)
	assert.Equal(t, NodeId(2), victim)
	assert.Equal(t, MaxNodes-1, d.Len())
	checkOrder(t, d)
}

func TestDirectoryEvictionQuota(t *testing.T) {
	d := NewDirectory(1, 255)
	// neighbours exceed their quota, so a neighbour is evicted even for a route insert
	for id := 2; id < 2+NeighbourSlots+1; id++ {
		_, err := d.SetNeighbour(NodeId(id), Key{1})
		require.NoError(t, err)
	}
	for id := 100; d.Len() < MaxNodes; id++ {
		_, err := d.FindOrCreate(NodeId(id))
		require.NoError(t, err)
	}
	before := d.CountNeighbours()
	_, err := d.FindOrCreate(250)
	require.NoError(t, err)
	assert.Equal(t, before-1, d.CountNeighbours())
	assert.Equal(t, MaxNodes, d.Len())
}

func TestDirectoryEvictionSameCategory(t *testing.T) {
	d := NewDirectory(1, 255)
	for id := 2; id < 2+NeighbourSlots; id++ {
		_, _ = d.SetNeighbour(NodeId(id), Key{1})
	}
	for id := 100; d.Len() < MaxNodes; id++ {
		_, _ = d.FindOrCreate(NodeId(id))
	}
	neighbours := d.CountNeighbours()

	// both categories are within quota, a new neighbour replaces a neighbour
	_, err := d.SetNeighbour(80, Key{1})
	require.NoError(t, err)
	assert.Equal(t, neighbours, d.CountNeighbours())

	// and a new route replaces a route
	_, err = d.FindOrCreate(81)
	require.NoError(t, err)
	assert.Equal(t, neighbours, d.CountNeighbours())
	assert.Equal(t, MaxNodes, d.Len())
}

func TestDirectoryNeverEvictsBaseStation(t *testing.T) {
	d := NewDirectory(1, 2)
	for id := 2; id < 2+MaxNodes; id++ {
		_, _ = d.FindOrCreate(NodeId(id))
	}
	// 2 is the deepest node but it is the base station
	victim := d.EvictIfFull(false)
	assert.Equal(t, NodeId(3), victim)
	_, ok := d.Find(2)
	assert.True(t, ok)
}

func TestDirectoryClear(t *testing.T) {
	d := NewDirectory(1, 200)
	_, _ = d.FindOrCreate(3)
	_, _ = d.FindOrCreate(4)
	d.Clear()
	assert.Equal(t, 0, d.Len())
	assert.Empty(t, d.Snapshot())
}
