package router

import (
	"time"

	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/envelope"
	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/jid"
)

// node is one registered listener of a RouterClass (spec.md §4.5 Router
// per-class state).
type node struct {
	remoteID       jid.JID
	forwardedCount int
	lastForwarded  *envelope.Envelope
}

// routerClass holds the registry and dispatch state for one service class:
// an ordered node set, a round-robin cursor, and the class's own broker
// login (resource = class name).
type routerClass struct {
	name      string
	self      jid.JID
	bc        brokerConn
	nodes     []*node
	byAddr    map[string]int // remoteID.String() -> index into nodes
	cursor    int
	createdAt time.Time
}

func newRouterClass(name string, self jid.JID, bc brokerConn) *routerClass {
	return &routerClass{
		name:      name,
		self:      self,
		bc:        bc,
		byAddr:    make(map[string]int),
		createdAt: time.Now(),
	}
}

// register inserts addr as a node if not already present (spec.md §4.5 Node
// lifecycle). Returns true if a new node was inserted.
func (c *routerClass) register(addr jid.JID) bool {
	if _, ok := c.byAddr[addr.String()]; ok {
		return false
	}
	c.byAddr[addr.String()] = len(c.nodes)
	c.nodes = append(c.nodes, &node{remoteID: addr})
	return true
}

// unregister removes addr from the class. It reports whether addr was a
// node (removed) and whether the class is now empty and should be torn down
// (empty).
func (c *routerClass) unregister(addr jid.JID) (removed, empty bool) {
	idx, ok := c.byAddr[addr.String()]
	if !ok {
		return false, len(c.nodes) == 0
	}
	c.removeAt(idx)
	return true, len(c.nodes) == 0
}

// removeAt deletes the node at idx, keeping byAddr consistent with the
// shifted slice.
func (c *routerClass) removeAt(idx int) {
	removedAddr := c.nodes[idx].remoteID.String()
	c.nodes = append(c.nodes[:idx], c.nodes[idx+1:]...)
	delete(c.byAddr, removedAddr)
	for addr, i := range c.byAddr {
		if i > idx {
			c.byAddr[addr] = i - 1
		}
	}
	if c.cursor > len(c.nodes) {
		c.cursor = 0
	}
}

// nextNode advances the round-robin cursor and returns the node selected,
// or nil if the class has no nodes (spec.md §4.5 Dispatch step 1).
func (c *routerClass) nextNode() *node {
	if len(c.nodes) == 0 {
		return nil
	}
	n := c.nodes[c.cursor%len(c.nodes)]
	c.cursor++
	return n
}

func (c *routerClass) findByAddr(addr jid.JID) (*node, int, bool) {
	idx, ok := c.byAddr[addr.String()]
	if !ok {
		return nil, 0, false
	}
	return c.nodes[idx], idx, true
}

// stats returns remoteID -> forwarded_count for introspection.
func (c *routerClass) stats() map[string]int {
	out := make(map[string]int, len(c.nodes))
	for _, n := range c.nodes {
		out[n.remoteID.String()] = n.forwardedCount
	}
	return out
}

func (c *routerClass) totalForwarded() int {
	total := 0
	for _, n := range c.nodes {
		total += n.forwardedCount
	}
	return total
}
