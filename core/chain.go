package core

// firstPartyChains is the set of genesis hashes exempt from the third-party
// node quota, kept as a plain set so lookups stay O(1). It has no built-in
// entries: it starts empty and is filled only by RegisterFirstPartyChain
// (the serve command registers the configured first_party_chains).
var firstPartyChains = map[BlockHash]bool{}

// RegisterFirstPartyChain marks a genesis hash as first-party, exempting it
// from the third-party node quota. Intended to be called during process
// startup before any nodes are admitted.
func RegisterFirstPartyChain(hash BlockHash) {
	firstPartyChains[hash] = true
}

// labelCount tracks, for one candidate label, how many live nodes currently
// report it and the order in which that label was first seen on this chain
// (used to break ties deterministically).
type labelCount struct {
	count  int
	seenAt int
}

// Chain owns a dense, index-addressable collection of nodes sharing a
// genesis hash, plus the bookkeeping needed to compute its displayed label.
type Chain struct {
	genesisHash BlockHash

	slots    []*Node // nil entries are free slots
	freeList []uint32

	nodeCount int

	label        string
	labelCounts  map[string]*labelCount
	labelSeenSeq int
}

func newChain(hash BlockHash) *Chain {
	return &Chain{
		genesisHash: hash,
		labelCounts: make(map[string]*labelCount),
	}
}

// GenesisHash returns the chain's identity.
func (c *Chain) GenesisHash() BlockHash { return c.genesisHash }

// Label returns the chain's current displayed label.
func (c *Chain) Label() string { return c.label }

// NodeCount returns the number of live nodes.
func (c *Chain) NodeCount() int { return c.nodeCount }

// IsFirstParty reports whether this chain is exempt from the third-party
// node quota.
func (c *Chain) IsFirstParty() bool { return firstPartyChains[c.genesisHash] }

// NodesInOrder returns the chain's node slots in allocation order; nil
// entries mark freed slots. The returned slice must not be mutated or
// retained past the next add/remove on this chain.
func (c *Chain) NodesInOrder() []*Node { return c.slots }

// NodeAt returns the node at the given NodeId's slot, or nil if the slot is
// free or out of range. Only the slot part of the id is checked; the chain
// part is not compared against this chain.
func (c *Chain) NodeAt(id NodeId) *Node {
	if int(id.slot) >= len(c.slots) {
		return nil
	}
	return c.slots[id.slot]
}

// insert allocates a slot for node, reusing a freed one if available, and
// recomputes the chain's label. It returns the assigned NodeId and whether
// the displayed label changed as a result.
func (c *Chain) insert(chainIdx uint32, label string, node *Node) (NodeId, bool) {
	var slot uint32
	if n := len(c.freeList); n > 0 {
		slot = c.freeList[n-1]
		c.freeList = c.freeList[:n-1]
		c.slots[slot] = node
	} else {
		slot = uint32(len(c.slots))
		c.slots = append(c.slots, node)
	}
	c.nodeCount++

	changed := c.bumpLabel(label, +1)
	return NodeId{chain: chainIdx, slot: slot}, changed
}

// remove frees the slot for id and recomputes the chain's label. It returns
// ok=false if the slot was already free, and whether the displayed label
// changed as a result of the departure.
func (c *Chain) remove(id NodeId, label string) (labelChanged, ok bool) {
	if int(id.slot) >= len(c.slots) || c.slots[id.slot] == nil {
		return false, false
	}
	c.slots[id.slot] = nil
	c.freeList = append(c.freeList, id.slot)
	c.nodeCount--
	return c.bumpLabel(label, -1), true
}

// bumpLabel adjusts the reported count for label by delta and recomputes the
// active label, returning whether the active label changed.
func (c *Chain) bumpLabel(label string, delta int) bool {
	lc, ok := c.labelCounts[label]
	if !ok {
		lc = &labelCount{seenAt: c.labelSeenSeq}
		c.labelSeenSeq++
		c.labelCounts[label] = lc
	}
	lc.count += delta
	if lc.count <= 0 {
		delete(c.labelCounts, label)
	}

	best := c.label
	bestCount := -1
	bestSeen := -1
	for l, cnt := range c.labelCounts {
		if cnt.count > bestCount || (cnt.count == bestCount && cnt.seenAt < bestSeen) {
			best = l
			bestCount = cnt.count
			bestSeen = cnt.seenAt
		}
	}
	if len(c.labelCounts) == 0 {
		best = label
	}

	changed := best != c.label
	c.label = best
	return changed
}
