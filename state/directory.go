package state

import (
	"fmt"
	"slices"
	"sync"
)

// NetworkNode is what the directory knows about one peer. Values handed out by the
// Directory are copies; mutations go through Directory methods.
type NetworkNode struct {
	Id               NodeId
	PairwiseKey      Key // zero unless IsNeighbour
	IsNeighbour      bool
	Gateway          NodeId // next hop, 0 when unknown
	Seq              uint16 // highest accepted sequence number, replay baseline
	HopDistance      uint8
	FullRoute        []NodeId
	WrongMACs        uint16
	MissedKeepAlives uint8
}

func (n NetworkNode) String() string {
	return fmt.Sprintf("node %s (neigh=%t gw=%s hops=%d seq=%d macerr=%d missed=%d)",
		n.Id, n.IsNeighbour, n.Gateway, n.HopDistance, n.Seq, n.WrongMACs, n.MissedKeepAlives)
}

// handles are node ids, 0 is the null handle and headerHandle is scratch space for splaying
type handle = uint16

const (
	nilHandle    handle = 0
	headerHandle handle = 256
)

type dirSlot struct {
	node        NetworkNode
	left, right handle
	used        bool
}

// Directory is a splay tree of known nodes stored in an arena indexed by node id.
// Every lookup splays the accessed node to the root, so recently used nodes sit near the
// top and the deepest nodes are the eviction candidates.
type Directory struct {
	mu          sync.Mutex
	self        NodeId
	baseStation NodeId
	slots       [257]dirSlot
	root        handle
	size        int
}

func NewDirectory(self, baseStation NodeId) *Directory {
	return &Directory{
		self:        self,
		baseStation: baseStation,
	}
}

// splay is top-down splaying as described by Sleator, with arena handles instead of pointers.
func (d *Directory) splay(t handle, key NodeId) handle {
	if t == nilHandle {
		return t
	}
	k := handle(key)
	d.slots[headerHandle].left = nilHandle
	d.slots[headerHandle].right = nilHandle
	l, r := headerHandle, headerHandle
	for {
		if k < t {
			y := d.slots[t].left
			if y == nilHandle {
				break
			}
			if k < y {
				// rotate right
				d.slots[t].left = d.slots[y].right
				d.slots[y].right = t
				t = y
				if d.slots[t].left == nilHandle {
					break
				}
			}
			// link right
			d.slots[r].left = t
			r = t
			t = d.slots[t].left
		} else if k > t {
			y := d.slots[t].right
			if y == nilHandle {
				break
			}
			if k > y {
				// rotate left
				d.slots[t].right = d.slots[y].left
				d.slots[y].left = t
				t = y
				if d.slots[t].right == nilHandle {
					break
				}
			}
			// link left
			d.slots[l].right = t
			l = t
			t = d.slots[t].right
		} else {
			break
		}
	}
	// assemble
	d.slots[l].right = d.slots[t].left
	d.slots[r].left = d.slots[t].right
	d.slots[t].left = d.slots[headerHandle].right
	d.slots[t].right = d.slots[headerHandle].left
	return t
}

// find splays id to the root and returns its node, or nil.
func (d *Directory) find(id NodeId) *NetworkNode {
	if id == Broadcast || !d.slots[id].used {
		if d.root != nilHandle {
			d.root = d.splay(d.root, id)
		}
		return nil
	}
	d.root = d.splay(d.root, id)
	return &d.slots[id].node
}

func (d *Directory) insert(id NodeId, neighbour bool) *NetworkNode {
	if d.slots[id].used {
		return d.find(id)
	}
	d.evictIfFull(neighbour)

	h := handle(id)
	slot := &d.slots[h]
	*slot = dirSlot{node: NetworkNode{Id: id}, used: true}
	if d.root != nilHandle {
		d.root = d.splay(d.root, id)
		if h < d.root {
			slot.left = d.slots[d.root].left
			slot.right = d.root
			d.slots[d.root].left = nilHandle
		} else {
			slot.right = d.slots[d.root].right
			slot.left = d.root
			d.slots[d.root].right = nilHandle
		}
	}
	d.root = h
	d.size++
	return &slot.node
}

func (d *Directory) delete(id NodeId) {
	if d.root == nilHandle || !d.slots[id].used {
		return
	}
	t := d.splay(d.root, id)
	var x handle
	if d.slots[t].left == nilHandle {
		x = d.slots[t].right
	} else {
		x = d.splay(d.slots[t].left, id)
		d.slots[x].right = d.slots[t].right
	}
	d.slots[t] = dirSlot{}
	d.root = x
	d.size--
}

type evictionStats struct {
	neighbours, routes           int
	oldestNeighbour, oldestRoute NodeId
	neighbourDepth, routeDepth   int
}

// collect walks the right subtree first, so among nodes of equal depth larger ids are
// evicted before smaller ones. The base station is never counted.
func (d *Directory) collect(t handle, depth int, st *evictionStats) {
	if t == nilHandle {
		return
	}
	n := &d.slots[t].node
	if n.Id != d.baseStation {
		if n.IsNeighbour {
			st.neighbours++
			if depth > st.neighbourDepth {
				st.oldestNeighbour = n.Id
				st.neighbourDepth = depth
			}
		} else {
			st.routes++
			if depth > st.routeDepth {
				st.oldestRoute = n.Id
				st.routeDepth = depth
			}
		}
	}
	d.collect(d.slots[t].right, depth+1, st)
	d.collect(d.slots[t].left, depth+1, st)
}

func (d *Directory) evictIfFull(addingNeighbour bool) NodeId {
	if d.size < MaxNodes {
		return Broadcast
	}
	st := evictionStats{neighbourDepth: -1, routeDepth: -1}
	d.collect(d.root, 0, &st)

	var victim, fallback NodeId
	switch {
	case st.routes > RouteSlots:
		victim, fallback = st.oldestRoute, st.oldestNeighbour
	case st.neighbours > NeighbourSlots:
		victim, fallback = st.oldestNeighbour, st.oldestRoute
	case addingNeighbour:
		victim, fallback = st.oldestNeighbour, st.oldestRoute
	default:
		victim, fallback = st.oldestRoute, st.oldestNeighbour
	}
	if victim == Broadcast {
		victim = fallback
	}
	if victim != Broadcast {
		d.delete(victim)
	}
	return victim
}

// EvictIfFull removes one node when the directory is at capacity, returning the evicted id
// or 0.
func (d *Directory) EvictIfFull(addingNeighbour bool) NodeId {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.evictIfFull(addingNeighbour)
}

func (d *Directory) FindOrCreate(id NodeId) (NetworkNode, error) {
	if id == Broadcast {
		return NetworkNode{}, fmt.Errorf("find or create %d: %w", id, ErrInvalidNode)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.insert(id, false).clone(), nil
}

func (d *Directory) Find(id NodeId) (NetworkNode, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.find(id)
	if n == nil {
		return NetworkNode{}, false
	}
	return n.clone(), true
}

// Update runs fn on the stored node, returning false if id is unknown.
func (d *Directory) Update(id NodeId, fn func(n *NetworkNode)) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.find(id)
	if n == nil {
		return false
	}
	fn(n)
	return true
}

// SetNeighbour registers id as a directly reachable neighbour sharing key. It returns true
// when id was not a neighbour before.
func (d *Directory) SetNeighbour(id NodeId, key Key) (bool, error) {
	if id == Broadcast {
		return false, fmt.Errorf("set neighbour %d: %w", id, ErrInvalidNode)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.insert(id, true)
	wasNeighbour := n.IsNeighbour
	n.IsNeighbour = true
	n.PairwiseKey = key
	n.Gateway = id
	n.HopDistance = 1
	n.MissedKeepAlives = 0
	n.FullRoute = []NodeId{d.self, id}
	return !wasNeighbour, nil
}

func (d *Directory) Deneighbour(id NodeId) bool {
	return d.Update(id, func(n *NetworkNode) {
		n.IsNeighbour = false
		n.PairwiseKey = Key{}
		n.MissedKeepAlives = 0
		if n.Gateway == id {
			n.Gateway = Broadcast
			n.HopDistance = 0
			n.FullRoute = nil
		}
	})
}

func (d *Directory) IsNeighbour(id NodeId) bool {
	n, ok := d.Find(id)
	return ok && n.IsNeighbour
}

// SetUnreachable drops neighbour state of addr and clears the gateway of every node that was
// routed through addr. It returns the number of nodes changed.
func (d *Directory) SetUnreachable(addr NodeId) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	changed := 0
	d.walk(d.root, func(n *NetworkNode) {
		if n.Id == addr {
			n.IsNeighbour = false
			n.PairwiseKey = Key{}
			n.MissedKeepAlives = 0
			n.WrongMACs = 0
			n.Gateway = Broadcast
			n.HopDistance = 0
			n.FullRoute = nil
			changed++
		} else if n.Gateway == addr {
			n.Gateway = Broadcast
			n.HopDistance = 0
			n.FullRoute = nil
			changed++
		}
	})
	return changed
}

// AddRoute records gateway as the next hop to dst. An existing route is only replaced by one
// with a strictly smaller hop count. path is the address list the route was learned from.
func (d *Directory) AddRoute(dst, gateway NodeId, hops uint8, path []NodeId) (bool, error) {
	if dst == Broadcast || gateway == Broadcast {
		return false, fmt.Errorf("route %d via %d: %w", dst, gateway, ErrInvalidNode)
	}
	if dst == d.self {
		return false, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.insert(dst, false)
	if n.Gateway != Broadcast && (n.Gateway == gateway || hops >= n.HopDistance) {
		return false, nil
	}
	n.Gateway = gateway
	n.HopDistance = hops
	n.FullRoute = extractRoute(d.self, dst, path)
	return true, nil
}

// extractRoute returns the part of path between self and dst, ordered starting at self.
func extractRoute(self, dst NodeId, path []NodeId) []NodeId {
	selfPos := slices.Index(path, self)
	dstPos := slices.Index(path, dst)
	if selfPos == -1 || dstPos == -1 {
		return nil
	}
	route := make([]NodeId, 0, max(selfPos, dstPos)-min(selfPos, dstPos)+1)
	if selfPos > dstPos {
		for i := selfPos; i >= dstPos; i-- {
			route = append(route, path[i])
		}
	} else {
		route = append(route, path[selfPos:dstPos+1]...)
	}
	return route
}

// Gateway returns the next hop towards id, or 0.
func (d *Directory) Gateway(id NodeId) NodeId {
	n, ok := d.Find(id)
	if !ok {
		return Broadcast
	}
	return n.Gateway
}

// PairwiseKeyTowards returns the key shared with the neighbour a packet to id is handed to:
// id itself when it is a neighbour, otherwise its gateway.
func (d *Directory) PairwiseKeyTowards(id NodeId) (Key, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.find(id)
	if n == nil {
		return Key{}, fmt.Errorf("node %s unknown: %w", id, ErrNotAvailable)
	}
	if n.IsNeighbour {
		return n.PairwiseKey, nil
	}
	gw := d.find(n.Gateway)
	if gw == nil || !gw.IsNeighbour {
		return Key{}, fmt.Errorf("no neighbour gateway towards %s: %w", id, ErrNotAvailable)
	}
	return gw.PairwiseKey, nil
}

// NeighbourKey returns the pairwise key of a direct neighbour.
func (d *Directory) NeighbourKey(id NodeId) (Key, error) {
	n, ok := d.Find(id)
	if !ok || !n.IsNeighbour {
		return Key{}, fmt.Errorf("node %s is not a neighbour: %w", id, ErrNotAvailable)
	}
	return n.PairwiseKey, nil
}

// Sequence returns the replay baseline for src.
func (d *Directory) Sequence(src NodeId) uint16 {
	n, ok := d.Find(src)
	if !ok {
		return 0
	}
	return n.Seq
}

func (d *Directory) SetSequence(src NodeId, seq uint16) error {
	if src == Broadcast {
		return fmt.Errorf("set sequence of %d: %w", src, ErrInvalidNode)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.insert(src, false).Seq = seq
	return nil
}

// RecordWrongMAC bumps the wrong MAC counter of a known node.
func (d *Directory) RecordWrongMAC(id NodeId) {
	d.Update(id, func(n *NetworkNode) {
		if n.WrongMACs < ^uint16(0) {
			n.WrongMACs++
		}
	})
}

func (d *Directory) CountNeighbours() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	count := 0
	d.walk(d.root, func(n *NetworkNode) {
		if n.IsNeighbour {
			count++
		}
	})
	return count
}

// CountNodesWithMacErrors counts nodes with at least threshold wrong MACs.
func (d *Directory) CountNodesWithMacErrors(threshold uint16) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	count := 0
	d.walk(d.root, func(n *NetworkNode) {
		if n.WrongMACs >= threshold {
			count++
		}
	})
	return count
}

// IncrementKeepAlives marks one missed keep-alive on every neighbour.
func (d *Directory) IncrementKeepAlives() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.walk(d.root, func(n *NetworkNode) {
		if n.IsNeighbour && n.MissedKeepAlives < ^uint8(0) {
			n.MissedKeepAlives++
		}
	})
}

func (d *Directory) ResetKeepAlive(id NodeId) bool {
	return d.Update(id, func(n *NetworkNode) {
		n.MissedKeepAlives = 0
	})
}

// DropDeadNeighbours makes every neighbour that missed at least limit keep-alives
// unreachable and returns their ids.
func (d *Directory) DropDeadNeighbours(limit uint8) []NodeId {
	d.mu.Lock()
	var dead []NodeId
	d.walk(d.root, func(n *NetworkNode) {
		if n.IsNeighbour && n.MissedKeepAlives >= limit {
			dead = append(dead, n.Id)
		}
	})
	d.mu.Unlock()
	for _, id := range dead {
		d.SetUnreachable(id)
	}
	return dead
}

// ResetOnGlobalKey clears wrong MAC counters and replay baselines after a global key change.
func (d *Directory) ResetOnGlobalKey() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.walk(d.root, func(n *NetworkNode) {
		n.WrongMACs = 0
		n.Seq = 0
	})
}

// ResetMacErrors clears the wrong MAC counter of every node.
func (d *Directory) ResetMacErrors() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.walk(d.root, func(n *NetworkNode) {
		n.WrongMACs = 0
	})
}

// Neighbours returns the ids of all neighbours in ascending order.
func (d *Directory) Neighbours() []NodeId {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ids []NodeId
	d.walk(d.root, func(n *NetworkNode) {
		if n.IsNeighbour {
			ids = append(ids, n.Id)
		}
	})
	return ids
}

// Snapshot copies every node in ascending id order without reorganizing the tree.
func (d *Directory) Snapshot() []NetworkNode {
	d.mu.Lock()
	defer d.mu.Unlock()
	nodes := make([]NetworkNode, 0, d.size)
	d.walk(d.root, func(n *NetworkNode) {
		nodes = append(nodes, n.clone())
	})
	return nodes
}

func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size
}

func (d *Directory) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.slots = [257]dirSlot{}
	d.root = nilHandle
	d.size = 0
}

// walk visits the subtree rooted at t in order.
func (d *Directory) walk(t handle, fn func(n *NetworkNode)) {
	if t == nilHandle {
		return
	}
	d.walk(d.slots[t].left, fn)
	fn(&d.slots[t].node)
	d.walk(d.slots[t].right, fn)
}

func (n *NetworkNode) clone() NetworkNode {
	c := *n
	c.FullRoute = slices.Clone(n.FullRoute)
	return c
}
