package core

import (
	"fmt"
	"time"
)

// AddResult is the outcome of admitting a node.
type AddResult struct {
	// Rejected is non-nil if admission was refused; in that case the rest
	// of the struct is zero.
	Rejected error

	NodeId       NodeId
	NewLabel     string
	NodeCount    int
	LabelChanged bool
}

// ErrChainOnDenyList is returned by AddNode when the candidate chain label
// exactly (case-sensitively) matches the configured denylist.
var ErrChainOnDenyList = fmt.Errorf("chain is on the deny list")

// ErrChainOverQuota is returned by AddNode when admitting the node would
// push total third-party node count over the configured maximum.
var ErrChainOverQuota = fmt.Errorf("chain is over the third-party node quota")

// RemoveResult describes the effect of a successful RemoveNode call.
type RemoveResult struct {
	ChainNodeCount int
	NewLabel       string
	LabelChanged   bool
}

// State is the authoritative in-memory node/chain model. It has no notion
// of batching, identity mapping, or outbound messaging -- those are
// layered on top by BatchedState.
type State struct {
	denylist            map[string]bool
	maxThirdPartyNodes  int
	thirdPartyNodeCount int

	chainsByHash map[BlockHash]uint32
	chainSlots   []*Chain
	chainFree    []uint32
}

// NewState constructs an empty model with the given admission policy.
func NewState(denylist []string, maxThirdPartyNodes int) *State {
	dl := make(map[string]bool, len(denylist))
	for _, d := range denylist {
		dl[d] = true
	}
	return &State{
		denylist:           dl,
		maxThirdPartyNodes: maxThirdPartyNodes,
		chainsByHash:       make(map[BlockHash]uint32),
	}
}

// ChainByHash returns the chain for a genesis hash, if it currently exists.
func (s *State) ChainByHash(hash BlockHash) (*Chain, bool) {
	idx, ok := s.chainsByHash[hash]
	if !ok {
		return nil, false
	}
	return s.chainSlots[idx], true
}

// ChainByNodeId returns the chain owning a NodeId, if the slot is still
// populated by a live chain.
func (s *State) ChainByNodeId(id NodeId) (*Chain, bool) {
	if int(id.chain) >= len(s.chainSlots) {
		return nil, false
	}
	c := s.chainSlots[id.chain]
	if c == nil {
		return nil, false
	}
	return c, true
}

// Chains iterates every live chain. Order is not significant.
func (s *State) Chains() []*Chain {
	out := make([]*Chain, 0, len(s.chainsByHash))
	for _, idx := range s.chainsByHash {
		out = append(out, s.chainSlots[idx])
	}
	return out
}

func (s *State) chainLabelFor(genesisHash BlockHash, details NodeDetails) string {
	// The displayed label candidate for a freshly admitted node is its
	// reported network id, falling back to its node name; the model then
	// majority-votes over these. The chain name a shard sends in Initialize
	// is not consulted.
	if details.NetworkId != "" {
		return details.NetworkId
	}
	return details.Name
}

// AddNode admits a node onto the chain identified by genesisHash, applying
// the denylist and third-party quota policies.
func (s *State) AddNode(genesisHash BlockHash, details NodeDetails) AddResult {
	label := s.chainLabelFor(genesisHash, details)
	isFirstParty := firstPartyChains[genesisHash]

	if s.denylist[label] {
		return AddResult{Rejected: ErrChainOnDenyList}
	}

	if !isFirstParty && s.thirdPartyNodeCount+1 > s.maxThirdPartyNodes {
		return AddResult{Rejected: ErrChainOverQuota}
	}

	chainIdx, chain := s.getOrCreateChain(genesisHash)

	node := &Node{Details: details}
	nodeId, labelChanged := chain.insert(chainIdx, label, node)

	if !isFirstParty {
		s.thirdPartyNodeCount++
	}

	return AddResult{
		NodeId:       nodeId,
		NewLabel:     chain.Label(),
		NodeCount:    chain.NodeCount(),
		LabelChanged: labelChanged,
	}
}

func (s *State) getOrCreateChain(hash BlockHash) (uint32, *Chain) {
	if idx, ok := s.chainsByHash[hash]; ok {
		return idx, s.chainSlots[idx]
	}

	chain := newChain(hash)

	var idx uint32
	if n := len(s.chainFree); n > 0 {
		idx = s.chainFree[n-1]
		s.chainFree = s.chainFree[:n-1]
		s.chainSlots[idx] = chain
	} else {
		idx = uint32(len(s.chainSlots))
		s.chainSlots = append(s.chainSlots, chain)
	}
	s.chainsByHash[hash] = idx
	return idx, chain
}

// UpdateNode applies one typed payload to an already-admitted node.
func (s *State) UpdateNode(id NodeId, payload Payload, now time.Time) bool {
	chain, ok := s.ChainByNodeId(id)
	if !ok {
		return false
	}
	node := chain.NodeAt(id)
	if node == nil {
		return false
	}
	return node.apply(payload, now)
}

// RemoveNode frees a node's slot and recomputes its chain's label. If the
// chain's node count reaches zero the chain itself is destroyed and
// removedChain is true so the caller can emit RemovedChain for it.
func (s *State) RemoveNode(id NodeId) (removed RemoveResult, removedChain bool, ok bool) {
	chain, has := s.ChainByNodeId(id)
	if !has {
		return RemoveResult{}, false, false
	}
	node := chain.NodeAt(id)
	if node == nil {
		return RemoveResult{}, false, false
	}

	label := s.chainLabelFor(chain.genesisHash, node.Details)
	labelChanged, didRemove := chain.remove(id, label)
	if !didRemove {
		return RemoveResult{}, false, false
	}

	if !firstPartyChains[chain.genesisHash] {
		s.thirdPartyNodeCount--
	}

	removed = RemoveResult{ChainNodeCount: chain.NodeCount(), NewLabel: chain.Label(), LabelChanged: labelChanged}

	if chain.NodeCount() == 0 {
		delete(s.chainsByHash, chain.genesisHash)
		s.chainSlots[id.chain] = nil
		s.chainFree = append(s.chainFree, id.chain)
		removedChain = true
	}
	return removed, removedChain, true
}

// UpdateNodeLocation sets a node's resolved geo-IP location.
func (s *State) UpdateNodeLocation(id NodeId, loc Location) bool {
	chain, ok := s.ChainByNodeId(id)
	if !ok {
		return false
	}
	node := chain.NodeAt(id)
	if node == nil {
		return false
	}
	l := loc
	node.Location = &l
	return true
}
