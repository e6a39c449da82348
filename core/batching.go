package core

import (
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// msgsPerChunk is the number of logical feed messages packed into one
// outbound WebSocket message: large enough for throughput, small enough
// that the UI doesn't stall waiting on one oversized update -- about
// 32 KiB per chunk at this size.
const msgsPerChunk = 64

// nodeUpdates coalesces every payload kind that arrived for one node since
// the last drain into a single optional slot per kind, so repeated
// payloads within a tick collapse to the latest value.
type nodeUpdates struct {
	location        *Location
	systemConnected *SystemConnected
	systemInterval  *SystemInterval
	blockImport     *BlockImport
	notifyFinalized *NotifyFinalized
	afgAuthoritySet *AfgAuthoritySet
}

// chainUpdates accumulates everything that changed on one chain between
// ticks.
type chainUpdates struct {
	nodeCount        int
	highestNodeCount int
	label            string
	labelChanged     bool

	added   map[NodeId]struct{}
	removed map[NodeId]struct{}
	updated map[NodeId]*nodeUpdates
}

func newChainUpdates() *chainUpdates {
	return &chainUpdates{
		added:   make(map[NodeId]struct{}),
		removed: make(map[NodeId]struct{}),
		updated: make(map[NodeId]*nodeUpdates),
	}
}

// ChainChunks is one chain's drained outbound messages, grouped into
// chunks of at most msgsPerChunk logical messages each, in the fixed group
// order removed -> added -> updated. The updated group is precomputed in
// two variants, UpdatedFull and UpdatedElided, so a feed that opted out of
// finality updates can be sent the elided variant instead of the full one;
// both variants carry every node's messages in the same fixed per-node
// order, UpdatedElided simply omitting the FinalizedBlock message.
type ChainChunks struct {
	GenesisHash   BlockHash
	Removed       [][]byte
	Added         [][]byte
	UpdatedFull   [][]byte
	UpdatedElided [][]byte
}

// BatchedState layers per-tick batching, identity mapping and metadata
// persistence on top of State. It is the sole type the event loop talks to
// for anything that mutates the model; nothing here produces immediate
// broadcasts, only recorded deltas that a later Drain* call serializes.
type BatchedState struct {
	state *State

	chains        map[BlockHash]*chainUpdates
	removedChains map[BlockHash]struct{}

	identity *identityMap
	metadata *metadataStore

	chainNodes map[BlockHash]rosterChunks // precomputed per-chain roster chunks

	sendNodeData bool
	workers      int

	log *logrus.Entry
}

// NewBatchedState constructs the batching layer, loading persisted
// metadata from metadataPath if configured.
func NewBatchedState(denylist []string, maxThirdPartyNodes int, sendNodeData bool, metadataPath string, log *logrus.Entry) (*BatchedState, error) {
	meta, err := loadMetadataStore(metadataPath, log)
	if err != nil {
		return nil, err
	}

	b := &BatchedState{
		state:         NewState(denylist, maxThirdPartyNodes),
		chains:        make(map[BlockHash]*chainUpdates),
		removedChains: make(map[BlockHash]struct{}),
		identity:      newIdentityMap(),
		metadata:      meta,
		chainNodes:    make(map[BlockHash]rosterChunks),
		sendNodeData:  sendNodeData,
		workers:       runtime.GOMAXPROCS(0),
		log:           log,
	}

	// Seed chainUpdates with whatever high-water marks were persisted, so
	// a chain that reconnects after a restart never reports a lower
	// highest_node_count than it did before the restart.
	for hash, count := range meta.chains {
		cu := newChainUpdates()
		cu.highestNodeCount = count
		b.chains[hash] = cu
	}

	return b, nil
}

func (b *BatchedState) chainUpdatesFor(hash BlockHash) *chainUpdates {
	cu, ok := b.chains[hash]
	if !ok {
		cu = newChainUpdates()
		b.chains[hash] = cu
	}
	return cu
}

// AddNode admits a node, recording the resulting delta for the next drain.
func (b *BatchedState) AddNode(genesisHash BlockHash, shardConn ConnId, local ShardNodeId, details NodeDetails) (NodeId, error) {
	result := b.state.AddNode(genesisHash, details)
	if result.Rejected != nil {
		return NodeId{}, result.Rejected
	}

	// A same-tick readmission onto a chain that was just emptied cancels
	// the pending RemovedChain.
	delete(b.removedChains, genesisHash)

	b.identity.insert(result.NodeId, shardConn, local)

	cu := b.chainUpdatesFor(genesisHash)
	if b.sendNodeData {
		delete(cu.removed, result.NodeId)
		delete(cu.updated, result.NodeId)
		cu.added[result.NodeId] = struct{}{}
	}
	cu.labelChanged = cu.labelChanged || result.LabelChanged
	cu.nodeCount = result.NodeCount
	if result.NodeCount > cu.highestNodeCount {
		cu.highestNodeCount = result.NodeCount
	}
	cu.label = result.NewLabel

	return result.NodeId, nil
}

// UpdateNode records one payload for the node identified by the shard's own
// (ConnId, ShardNodeId) pair. Unknown ids are logged and dropped.
func (b *BatchedState) UpdateNode(shardConn ConnId, local ShardNodeId, payload Payload) {
	nodeId, ok := b.identity.lookupByShard(shardConn, local)
	if !ok {
		b.log.WithFields(logrus.Fields{"conn": shardConn, "local": local}).
			Error("cannot find node id for shard/local pair")
		return
	}

	if !b.sendNodeData {
		return
	}

	chain, ok := b.state.ChainByNodeId(nodeId)
	if !ok {
		return
	}

	cu := b.chainUpdatesFor(chain.GenesisHash())

	// A node admitted this same tick stays in the added set only: the
	// payload is applied to the model directly so the AddedNode message and
	// the subscribe-time roster reflect it, without the id ever appearing
	// in both added and updated.
	if _, addedThisTick := cu.added[nodeId]; addedThisTick {
		b.state.UpdateNode(nodeId, payload, time.Now())
		return
	}

	nu, ok := cu.updated[nodeId]
	if !ok {
		nu = &nodeUpdates{}
		cu.updated[nodeId] = nu
	}

	switch p := payload.(type) {
	case SystemConnected:
		nu.systemConnected = &p
	case SystemInterval:
		nu.systemInterval = &p
	case BlockImport:
		nu.blockImport = &p
	case NotifyFinalized:
		nu.notifyFinalized = &p
	case AfgAuthoritySet:
		nu.afgAuthoritySet = &p
	}
}

// RemoveNode removes the node identified by the shard's own
// (ConnId, ShardNodeId) pair.
func (b *BatchedState) RemoveNode(shardConn ConnId, local ShardNodeId) {
	nodeId, ok := b.identity.removeByShard(shardConn, local)
	if !ok {
		b.log.WithFields(logrus.Fields{"conn": shardConn, "local": local}).
			Error("cannot find node id for shard/local pair")
		return
	}
	b.removeNodes([]NodeId{nodeId})
}

// DisconnectNode removes every node whose shard side carries shardConn, in
// one pass.
func (b *BatchedState) DisconnectNode(shardConn ConnId) {
	ids := b.identity.nodesForConn(shardConn)
	b.removeNodes(ids)
}

func (b *BatchedState) removeNodes(ids []NodeId) {
	perChain := make(map[BlockHash][]NodeId)
	for _, id := range ids {
		chain, ok := b.state.ChainByNodeId(id)
		if !ok {
			continue
		}
		perChain[chain.GenesisHash()] = append(perChain[chain.GenesisHash()], id)
	}

	for hash, chainIds := range perChain {
		cu, ok := b.chains[hash]
		if !ok {
			continue
		}

		for _, id := range chainIds {
			b.identity.removeByNode(id)

			removed, removedChain, ok := b.state.RemoveNode(id)
			if !ok {
				b.log.WithField("node", id).Error("could not find node to remove")
				continue
			}

			cu.label = removed.NewLabel
			cu.nodeCount = removed.ChainNodeCount
			cu.labelChanged = cu.labelChanged || removed.LabelChanged
			if b.sendNodeData {
				delete(cu.updated, id)
				if _, addedThisTick := cu.added[id]; addedThisTick {
					// Admitted and removed within the same tick: feeds never
					// saw this node, so the two deltas cancel to nothing.
					delete(cu.added, id)
				} else {
					cu.removed[id] = struct{}{}
				}
			}

			if removedChain {
				// Keep the updates entry: its pending removed set still has
				// to drain on the next tick, and its high-water mark must
				// survive a same-process readmission.
				b.removedChains[hash] = struct{}{}
			}
		}
	}
}

// UpdateNodeLocation records a node's resolved geo-IP location.
func (b *BatchedState) UpdateNodeLocation(id NodeId, loc Location) {
	if !b.state.UpdateNodeLocation(id, loc) {
		return
	}
	if !b.sendNodeData {
		return
	}
	chain, ok := b.state.ChainByNodeId(id)
	if !ok {
		return
	}
	cu := b.chainUpdatesFor(chain.GenesisHash())
	// The model already has the location; the AddedNode path and the roster
	// cover a node admitted this same tick.
	if _, addedThisTick := cu.added[id]; addedThisTick {
		return
	}
	nu, ok := cu.updated[id]
	if !ok {
		nu = &nodeUpdates{}
		cu.updated[id] = nu
	}
	l := loc
	nu.location = &l
}

// ChainHighestNodeCount returns a chain's high-water node count as known to
// this process, falling back to the persisted mark for a chain that hasn't
// admitted a node yet.
func (b *BatchedState) ChainHighestNodeCount(hash BlockHash) int {
	if cu, ok := b.chains[hash]; ok {
		return cu.highestNodeCount
	}
	hw, _ := b.metadata.Get(hash)
	return hw
}

// ChainByHash exposes the underlying chain for read-only queries (used by
// Subscribe to fetch a chain's live node_count immediately).
func (b *BatchedState) ChainByHash(hash BlockHash) (*Chain, bool) {
	return b.state.ChainByHash(hash)
}

// ChainByHashAll exposes every live chain for metrics snapshots.
func (b *BatchedState) ChainByHashAll() []*Chain {
	return b.state.Chains()
}

// DrainUpdatesForAllFeeds emits an AddedChain announcement for every chain
// with live nodes (preceded by RemovedChain when its label changed), a
// RemovedChain for every chain that hit zero nodes, and write-throughs the
// metadata store if any chain's high-water mark changed. The returned bool
// reports whether any chain's label changed.
func (b *BatchedState) DrainUpdatesForAllFeeds() ([]byte, bool) {
	current := make(map[BlockHash]int, len(b.chains))
	for hash, cu := range b.chains {
		current[hash] = cu.highestNodeCount
	}
	b.metadata.reconcile(current)

	anyLabelChanged := false
	feed := NewFeedMessageSerializer()
	for hash, cu := range b.chains {
		// Entries seeded from persisted metadata only carry a high-water
		// mark; until a node is actually admitted there is no chain to
		// announce.
		if cu.nodeCount == 0 {
			continue
		}
		if cu.labelChanged {
			feed.Push(RemovedChain(hash))
			cu.labelChanged = false
			anyLabelChanged = true
		}
		feed.Push(AddedChain(cu.label, hash, cu.nodeCount, cu.highestNodeCount))
	}
	for hash := range b.removedChains {
		feed.Push(RemovedChain(hash))
	}
	b.removedChains = make(map[BlockHash]struct{})

	return feed.IntoFinalized(), anyLabelChanged
}

// DrainChainUpdates yields, for every chain with live nodes or pending
// deltas (a chain that just emptied still owes its RemovedNode messages),
// removed/added/updated node messages split into fixed-size chunks, in
// that group order, replaying each stored payload through State.UpdateNode
// so the cascade keeps the fixed per-node ordering Located -> Connected ->
// Interval -> BlockImport -> Finalized -> AuthoritySet.
func (b *BatchedState) DrainChainUpdates() []ChainChunks {
	now := time.Now()
	out := make([]ChainChunks, 0, len(b.chains))

	for hash, cu := range b.chains {
		if cu.nodeCount == 0 && len(cu.removed) == 0 && len(cu.added) == 0 && len(cu.updated) == 0 {
			continue
		}

		var removedChunks, addedChunks [][]byte

		removedChunks = appendRemovedChunks(removedChunks, cu.removed)
		addedChunks = b.appendAddedChunks(addedChunks, cu.added)
		updatedFull, updatedElided := b.appendUpdatedChunks(cu.updated, now)

		cu.removed = make(map[NodeId]struct{})
		cu.added = make(map[NodeId]struct{})
		cu.updated = make(map[NodeId]*nodeUpdates)

		out = append(out, ChainChunks{
			GenesisHash:   hash,
			Removed:       removedChunks,
			Added:         addedChunks,
			UpdatedFull:   updatedFull,
			UpdatedElided: updatedElided,
		})
	}
	return out
}

func appendRemovedChunks(chunks [][]byte, removed map[NodeId]struct{}) [][]byte {
	ids := make([]NodeId, 0, len(removed))
	for id := range removed {
		ids = append(ids, id)
	}
	for start := 0; start < len(ids); start += msgsPerChunk {
		end := min(start+msgsPerChunk, len(ids))
		feed := NewFeedMessageSerializer()
		for _, id := range ids[start:end] {
			feed.Push(RemovedNode(id.ChainNodeIndex()))
		}
		if b := feed.IntoFinalized(); b != nil {
			chunks = append(chunks, b)
		}
	}
	return chunks
}

func (b *BatchedState) appendAddedChunks(chunks [][]byte, added map[NodeId]struct{}) [][]byte {
	ids := make([]NodeId, 0, len(added))
	for id := range added {
		ids = append(ids, id)
	}
	for start := 0; start < len(ids); start += msgsPerChunk {
		end := min(start+msgsPerChunk, len(ids))
		feed := NewFeedMessageSerializer()
		for _, id := range ids[start:end] {
			chain, ok := b.state.ChainByNodeId(id)
			if !ok {
				continue
			}
			node := chain.NodeAt(id)
			if node == nil {
				continue
			}
			feed.Push(AddedNode(id.ChainNodeIndex(), node))
		}
		if bs := feed.IntoFinalized(); bs != nil {
			chunks = append(chunks, bs)
		}
	}
	return chunks
}

// appendUpdatedChunks chunks the updated-node group into two parallel
// series, full and elided, both built from the same per-node replay so
// every message within a chunk keeps the fixed order Located -> Connected
// -> Interval -> BlockImport -> Finalized -> AuthoritySet; elided simply
// omits the FinalizedBlock message a feed that opted out of finality
// updates doesn't want, rather than pulling finality out into a separate
// chunk series that would otherwise arrive before or after the rest of the
// tick's updates instead of interleaved per node.
func (b *BatchedState) appendUpdatedChunks(updated map[NodeId]*nodeUpdates, now time.Time) ([][]byte, [][]byte) {
	ids := make([]NodeId, 0, len(updated))
	for id := range updated {
		ids = append(ids, id)
	}
	var full, elided [][]byte
	for start := 0; start < len(ids); start += msgsPerChunk {
		end := min(start+msgsPerChunk, len(ids))
		fullSer := NewFeedMessageSerializer()
		elidedSer := NewFeedMessageSerializer()
		for _, id := range ids[start:end] {
			b.replayNodeUpdate(fullSer, elidedSer, id, updated[id], now)
		}
		if bs := fullSer.IntoFinalized(); bs != nil {
			full = append(full, bs)
		}
		if bs := elidedSer.IntoFinalized(); bs != nil {
			elided = append(elided, bs)
		}
	}
	return full, elided
}

// replayNodeUpdate pushes, in a fixed order, a feed message for every
// payload slot that's set, applying each one to State as it goes (so an
// out-of-order block height that gets silently dropped by Node.apply also
// produces no feed message). Every message goes to both full and elided
// except FinalizedBlock, which elided skips -- the two serializers still
// see every other message in the same relative order.
func (b *BatchedState) replayNodeUpdate(full, elided *FeedMessageSerializer, id NodeId, nu *nodeUpdates, now time.Time) {
	idx := id.ChainNodeIndex()

	if nu.location != nil {
		msg := LocatedNode(idx, *nu.location)
		full.Push(msg)
		elided.Push(msg)
	}
	if nu.systemConnected != nil {
		if b.state.UpdateNode(id, *nu.systemConnected, now) {
			msg := NodeDetailsUpdate(idx, nu.systemConnected.Details)
			full.Push(msg)
			elided.Push(msg)
		}
	}
	if nu.systemInterval != nil {
		if b.state.UpdateNode(id, *nu.systemInterval, now) {
			msg := NodeStatsUpdate(idx, nu.systemInterval.Stats)
			full.Push(msg)
			elided.Push(msg)
		}
	}
	if nu.blockImport != nil {
		if b.state.UpdateNode(id, *nu.blockImport, now) {
			msg := ImportedBlock(idx, nu.blockImport.Block)
			full.Push(msg)
			elided.Push(msg)
		}
	}
	if nu.notifyFinalized != nil {
		if b.state.UpdateNode(id, *nu.notifyFinalized, now) {
			full.Push(FinalizedBlock(idx, nu.notifyFinalized.Block.Height, nu.notifyFinalized.Block.Hash))
		}
	}
	if nu.afgAuthoritySet != nil {
		if b.state.UpdateNode(id, *nu.afgAuthoritySet, now) {
			msg := AfgAuthoritySetUpdate(idx, nu.afgAuthoritySet.AuthorityId)
			full.Push(msg)
			elided.Push(msg)
		}
	}
}

// UpdateAddedNodesMessages rebuilds, for every chain, the precomputed
// roster of chunks sent to a feed the moment it subscribes. Per-chain
// chunk serialization is fanned out across a small worker pool and
// collected back in deterministic index order, using a bounded goroutine
// fan-out rather than reaching for a job-queue dependency.
func (b *BatchedState) UpdateAddedNodesMessages() {
	if !b.sendNodeData {
		return
	}

	newRoster := make(map[BlockHash]rosterChunks, len(b.chains))
	for _, chain := range b.state.Chains() {
		newRoster[chain.GenesisHash()] = b.buildChainRoster(chain)
	}
	b.chainNodes = newRoster
}

// rosterChunks is the precomputed subscribe-time snapshot for one chain. As
// with ChainChunks, Full and Elided are two complete variants of the same
// chunk series -- each node's AddedNode/FinalizedBlock/StaleNode messages
// stay in that fixed order within a chunk, Elided simply omitting
// FinalizedBlock for feeds that opted out of finality updates.
type rosterChunks struct {
	Full   [][]byte
	Elided [][]byte
}

func (b *BatchedState) buildChainRoster(chain *Chain) rosterChunks {
	nodes := chain.NodesInOrder()

	type indexedChunk struct {
		full, elided []byte
	}

	numChunks := (len(nodes) + msgsPerChunk - 1) / msgsPerChunk
	if numChunks == 0 {
		return rosterChunks{}
	}

	results := make([]indexedChunk, numChunks)
	jobs := make(chan int, numChunks)
	var wg sync.WaitGroup

	workers := b.workers
	if workers < 1 {
		workers = 1
	}
	if workers > numChunks {
		workers = numChunks
	}

	worker := func() {
		defer wg.Done()
		for chunkIdx := range jobs {
			start := chunkIdx * msgsPerChunk
			end := min(start+msgsPerChunk, len(nodes))

			full := NewFeedMessageSerializer()
			elided := NewFeedMessageSerializer()
			for slot := start; slot < end; slot++ {
				node := nodes[slot]
				if node == nil {
					continue
				}
				idx := uint32(slot)

				added := AddedNode(idx, node)
				full.Push(added)
				elided.Push(added)

				full.Push(FinalizedBlock(idx, node.Finalized.Height, node.Finalized.Hash))

				if node.Stale(time.Now()) {
					stale := StaleNode(idx)
					full.Push(stale)
					elided.Push(stale)
				}
			}
			results[chunkIdx] = indexedChunk{full: full.IntoFinalized(), elided: elided.IntoFinalized()}
		}
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go worker()
	}
	for i := 0; i < numChunks; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	out := rosterChunks{Full: make([][]byte, 0, numChunks), Elided: make([][]byte, 0, numChunks)}
	for _, r := range results {
		if r.full != nil {
			out.Full = append(out.Full, r.full)
		}
		if r.elided != nil {
			out.Elided = append(out.Elided, r.elided)
		}
	}
	return out
}

// AddedNodesMessages returns the precomputed roster for a chain, if any.
func (b *BatchedState) AddedNodesMessages(hash BlockHash) (rosterChunks, bool) {
	chunks, ok := b.chainNodes[hash]
	return chunks, ok
}

// IdentityLen exposes the identity map size for metrics/tests.
func (b *BatchedState) IdentityLen() int { return b.identity.len() }
