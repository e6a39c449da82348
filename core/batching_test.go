//go:build unit

package core

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func newTestBatchedState(t *testing.T, sendNodeData bool) *BatchedState {
	t.Helper()
	b, err := NewBatchedState(nil, 1000, sendNodeData, "", testLog())
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func countChunkMessages(t *testing.T, chunks [][]byte) int {
	t.Helper()
	total := 0
	for _, c := range chunks {
		var arr []json.RawMessage
		if err := json.Unmarshal(c, &arr); err != nil {
			t.Fatalf("chunk is not a JSON array: %v", err)
		}
		total += len(arr)
	}
	return total
}

// Scenario 1: admit 3 nodes on one chain from one shard connection, tick,
// expect one AddedChain announcement and a single chunk carrying 3
// AddedNode messages.
func TestScenarioAdmitThreeNodesOneChunk(t *testing.T) {
	b := newTestBatchedState(t, true)
	genesis := BlockHash{0xAA}

	for local := ShardNodeId(10); local <= 12; local++ {
		if _, err := b.AddNode(genesis, ConnId(1), local, NodeDetails{NetworkId: "Polkadot"}); err != nil {
			t.Fatalf("admission should succeed: %v", err)
		}
	}

	ann, labelChanged := b.DrainUpdatesForAllFeeds()
	if ann == nil {
		t.Fatalf("expected an announcement chunk")
	}
	if !labelChanged {
		t.Fatalf("expected the first admission to change the chain label")
	}

	var msgs []json.RawMessage
	if err := json.Unmarshal(ann, &msgs); err != nil {
		t.Fatal(err)
	}
	if len(msgs) == 0 {
		t.Fatalf("expected at least one announcement message")
	}

	chunks := b.DrainChainUpdates()
	if len(chunks) != 1 {
		t.Fatalf("expected exactly one chain's worth of chunks, got %d", len(chunks))
	}
	if chunks[0].GenesisHash != genesis {
		t.Fatalf("unexpected genesis hash in chunks")
	}
	if countChunkMessages(t, chunks[0].Added) != 3 {
		t.Fatalf("expected 3 AddedNode messages total, got %d", countChunkMessages(t, chunks[0].Added))
	}
}

// Scenario 4: a shard disconnect removes every node it was forwarding for;
// the next tick carries their RemovedNode messages in one chunk plus
// RemovedChain once the chain empties.
func TestScenarioShardDisconnectRemovesNodesAndChain(t *testing.T) {
	b := newTestBatchedState(t, true)
	genesis := BlockHash{0xCC}

	for local := ShardNodeId(0); local < 5; local++ {
		if _, err := b.AddNode(genesis, ConnId(1), local, NodeDetails{NetworkId: "ChainCC"}); err != nil {
			t.Fatal(err)
		}
	}
	b.DrainUpdatesForAllFeeds()
	b.DrainChainUpdates()

	b.DisconnectNode(ConnId(1))

	if b.IdentityLen() != 0 {
		t.Fatalf("expected identity map to be empty after disconnect, got %d entries", b.IdentityLen())
	}

	chunks := b.DrainChainUpdates()
	if len(chunks) != 1 {
		t.Fatalf("expected the emptied chain to drain its pending removals, got %d chains", len(chunks))
	}
	if len(chunks[0].Removed) != 1 || countChunkMessages(t, chunks[0].Removed) != 5 {
		t.Fatalf("expected 5 RemovedNode messages in one chunk, got %d chunks with %d messages",
			len(chunks[0].Removed), countChunkMessages(t, chunks[0].Removed))
	}

	ann, _ := b.DrainUpdatesForAllFeeds()
	var msgs []json.RawMessage
	if err := json.Unmarshal(ann, &msgs); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, m := range msgs {
		var tuple []json.RawMessage
		if err := json.Unmarshal(m, &tuple); err != nil {
			t.Fatal(err)
		}
		var kind string
		if err := json.Unmarshal(tuple[0], &kind); err != nil {
			t.Fatal(err)
		}
		if kind == "removedChain" {
			found = true
		}
		if kind == "addedChain" {
			t.Fatalf("an empty chain must not be re-announced")
		}
	}
	if !found {
		t.Fatalf("expected a removedChain announcement once the chain emptied")
	}

	if left := b.DrainChainUpdates(); len(left) != 0 {
		t.Fatalf("nothing should be left to drain once the removals flushed, got %d chains", len(left))
	}
}

// Scenario 5: with send_node_data=false, per-node deltas never accumulate;
// only chain-level stats are ever emitted.
func TestScenarioSendNodeDataFalseSuppressesPerNodeMessages(t *testing.T) {
	b := newTestBatchedState(t, false)
	genesis := BlockHash{0xDD}

	for local := ShardNodeId(0); local < 100; local++ {
		if _, err := b.AddNode(genesis, ConnId(1), local, NodeDetails{NetworkId: "ChainDD"}); err != nil {
			t.Fatal(err)
		}
	}

	for i := 0; i < 1000; i++ {
		local := ShardNodeId(i % 100)
		b.UpdateNode(ConnId(1), local, SystemInterval{Stats: NodeStats{CPU: 1}})
	}

	b.DrainUpdatesForAllFeeds()
	chunks := b.DrainChainUpdates()
	if len(chunks) != 1 {
		t.Fatalf("expected one chain in the drain, got %d", len(chunks))
	}
	if len(chunks[0].Added) != 0 || len(chunks[0].UpdatedFull) != 0 || len(chunks[0].UpdatedElided) != 0 {
		t.Fatalf("send_node_data=false must suppress all per-node chunks, got added=%d full=%d elided=%d",
			len(chunks[0].Added), len(chunks[0].UpdatedFull), len(chunks[0].UpdatedElided))
	}
}

// Finality elision: within a tick, a node's FinalizedBlock message must sit
// in its fixed place (after BlockImport, before AuthoritySet) in the Full
// series, and the Elided series must carry every other message from the
// same tick in that same relative order, simply omitting FinalizedBlock --
// never pulled out into a separately-ordered series.
func TestFinalityElisionPreservesPerNodeOrder(t *testing.T) {
	b := newTestBatchedState(t, true)
	genesis := BlockHash{0xEE}

	if _, err := b.AddNode(genesis, ConnId(1), ShardNodeId(0), NodeDetails{NetworkId: "ChainEE"}); err != nil {
		t.Fatal(err)
	}
	b.DrainUpdatesForAllFeeds()
	b.DrainChainUpdates() // flush the added-node delta from the first tick

	b.UpdateNode(ConnId(1), ShardNodeId(0), NotifyFinalized{Block: BlockInfo{Height: 42}})
	b.UpdateNode(ConnId(1), ShardNodeId(0), AfgAuthoritySet{AuthorityId: "set-7"})

	b.DrainUpdatesForAllFeeds()
	chunks := b.DrainChainUpdates()
	if len(chunks) != 1 {
		t.Fatalf("expected one chain, got %d", len(chunks))
	}

	if len(chunks[0].UpdatedFull) != 1 {
		t.Fatalf("expected exactly one full chunk, got %d", len(chunks[0].UpdatedFull))
	}
	if countChunkMessages(t, chunks[0].UpdatedFull) != 2 {
		t.Fatalf("expected finalizedBlock and afgAuthoritySet in the full chunk, got %d messages",
			countChunkMessages(t, chunks[0].UpdatedFull))
	}
	fullKinds := chunkMessageKinds(t, chunks[0].UpdatedFull)
	if len(fullKinds) != 2 || fullKinds[0] != "finalizedBlock" || fullKinds[1] != "afgAuthoritySet" {
		t.Fatalf("expected full series order [finalizedBlock, afgAuthoritySet], got %v", fullKinds)
	}

	if len(chunks[0].UpdatedElided) != 1 {
		t.Fatalf("expected exactly one elided chunk, got %d", len(chunks[0].UpdatedElided))
	}
	elidedKinds := chunkMessageKinds(t, chunks[0].UpdatedElided)
	if len(elidedKinds) != 1 || elidedKinds[0] != "afgAuthoritySet" {
		t.Fatalf("expected the elided series to keep afgAuthoritySet but drop finalizedBlock, got %v", elidedKinds)
	}
}

// Round-trip: admitting then removing a node within one tick leaves no
// outbound per-node deltas for it.
func TestAddThenRemoveWithinTickCancels(t *testing.T) {
	b := newTestBatchedState(t, true)
	genesis := BlockHash{0x11}

	if _, err := b.AddNode(genesis, ConnId(1), ShardNodeId(0), NodeDetails{NetworkId: "ChainX"}); err != nil {
		t.Fatal(err)
	}
	b.UpdateNode(ConnId(1), ShardNodeId(0), SystemInterval{Stats: NodeStats{CPU: 2}})
	b.RemoveNode(ConnId(1), ShardNodeId(0))

	b.DrainUpdatesForAllFeeds()
	for _, cc := range b.DrainChainUpdates() {
		if countChunkMessages(t, cc.Removed)+countChunkMessages(t, cc.Added)+countChunkMessages(t, cc.UpdatedFull) != 0 {
			t.Fatalf("add+remove within one tick must cancel to no per-node deltas")
		}
	}
}

// Coalescing: repeated SystemInterval payloads for one node between ticks
// collapse to a single nodeStats message carrying the latest values.
func TestRepeatedIntervalsCoalesceToOneMessage(t *testing.T) {
	b := newTestBatchedState(t, true)
	genesis := BlockHash{0x12}

	if _, err := b.AddNode(genesis, ConnId(1), ShardNodeId(0), NodeDetails{NetworkId: "ChainY"}); err != nil {
		t.Fatal(err)
	}
	b.DrainUpdatesForAllFeeds()
	b.DrainChainUpdates()

	for i := 1; i <= 50; i++ {
		b.UpdateNode(ConnId(1), ShardNodeId(0), SystemInterval{Stats: NodeStats{TxPoolSize: uint64(i)}})
	}

	b.DrainUpdatesForAllFeeds()
	chunks := b.DrainChainUpdates()
	if len(chunks) != 1 {
		t.Fatalf("expected one chain, got %d", len(chunks))
	}
	kinds := chunkMessageKinds(t, chunks[0].UpdatedFull)
	if len(kinds) != 1 || kinds[0] != "nodeStats" {
		t.Fatalf("expected exactly one nodeStats message, got %v", kinds)
	}

	var arr []json.RawMessage
	if err := json.Unmarshal(chunks[0].UpdatedFull[0], &arr); err != nil {
		t.Fatal(err)
	}
	var tuple []json.RawMessage
	if err := json.Unmarshal(arr[0], &tuple); err != nil {
		t.Fatal(err)
	}
	var stats NodeStats
	if err := json.Unmarshal(tuple[2], &stats); err != nil {
		t.Fatal(err)
	}
	if stats.TxPoolSize != 50 {
		t.Fatalf("expected the latest interval to win, got txpool=%d", stats.TxPoolSize)
	}
}

// Every chunk holds at most 64 logical messages; 100 admissions split into
// a 64-message chunk followed by a 36-message chunk.
func TestChunksCapAtSixtyFourMessages(t *testing.T) {
	b := newTestBatchedState(t, true)
	genesis := BlockHash{0x13}

	for local := ShardNodeId(0); local < 100; local++ {
		if _, err := b.AddNode(genesis, ConnId(1), local, NodeDetails{NetworkId: "ChainZ"}); err != nil {
			t.Fatal(err)
		}
	}

	b.DrainUpdatesForAllFeeds()
	chunks := b.DrainChainUpdates()
	if len(chunks) != 1 {
		t.Fatalf("expected one chain, got %d", len(chunks))
	}
	if len(chunks[0].Added) != 2 {
		t.Fatalf("expected 100 admissions to split into 2 chunks, got %d", len(chunks[0].Added))
	}
	for _, c := range chunks[0].Added {
		var arr []json.RawMessage
		if err := json.Unmarshal(c, &arr); err != nil {
			t.Fatal(err)
		}
		if len(arr) > msgsPerChunk {
			t.Fatalf("chunk exceeds the %d-message cap with %d messages", msgsPerChunk, len(arr))
		}
	}
	if countChunkMessages(t, chunks[0].Added) != 100 {
		t.Fatalf("expected all 100 AddedNode messages across the chunks")
	}
}

// Scenario 6 end to end: a persisted high-water mark survives load, is not
// regressed by a smaller live count, and moves once live count exceeds it.
func TestPersistedHighWaterMarkSeedsAndAdvances(t *testing.T) {
	hash := BlockHash{0x14}
	path := filepath.Join(t.TempDir(), "metadata.json")

	seed := metadataFile{Chains: map[BlockHash]chainMetadata{hash: {HighestNodeCount: 50}}}
	data, err := json.Marshal(seed)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	b, err := NewBatchedState(nil, 1000, true, path, testLog())
	if err != nil {
		t.Fatal(err)
	}

	for local := ShardNodeId(0); local < 40; local++ {
		if _, err := b.AddNode(hash, ConnId(1), local, NodeDetails{NetworkId: "ChainHW"}); err != nil {
			t.Fatal(err)
		}
	}
	if got := b.ChainHighestNodeCount(hash); got != 50 {
		t.Fatalf("40 live nodes must not regress the persisted mark of 50, got %d", got)
	}
	b.DrainUpdatesForAllFeeds()

	for local := ShardNodeId(40); local < 60; local++ {
		if _, err := b.AddNode(hash, ConnId(1), local, NodeDetails{NetworkId: "ChainHW"}); err != nil {
			t.Fatal(err)
		}
	}
	if got := b.ChainHighestNodeCount(hash); got != 60 {
		t.Fatalf("expected the mark to advance to 60, got %d", got)
	}
	b.DrainUpdatesForAllFeeds()

	reread, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var f metadataFile
	if err := json.Unmarshal(reread, &f); err != nil {
		t.Fatal(err)
	}
	if f.Chains[hash].HighestNodeCount != 60 {
		t.Fatalf("expected 60 persisted after the second tick, got %d", f.Chains[hash].HighestNodeCount)
	}
}

func chunkMessageKinds(t *testing.T, chunks [][]byte) []string {
	t.Helper()
	var kinds []string
	for _, c := range chunks {
		var arr []json.RawMessage
		if err := json.Unmarshal(c, &arr); err != nil {
			t.Fatalf("chunk is not a JSON array: %v", err)
		}
		for _, m := range arr {
			var tuple []json.RawMessage
			if err := json.Unmarshal(m, &tuple); err != nil {
				t.Fatal(err)
			}
			var kind string
			if err := json.Unmarshal(tuple[0], &kind); err != nil {
				t.Fatal(err)
			}
			kinds = append(kinds, kind)
		}
	}
	return kinds
}
