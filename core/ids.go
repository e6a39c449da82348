package core

import (
	"encoding/hex"
	"fmt"
)

// ConnId identifies a single shard or feed websocket connection. The two
// sequences (shard, feed) are allocated independently by the Aggregator
// handle and are never reused within a process lifetime.
type ConnId uint64

func (c ConnId) String() string { return fmt.Sprintf("conn#%d", uint64(c)) }

// ShardNodeId is opaque to the aggregator: it is whatever local identifier
// the originating shard uses to distinguish the nodes it multiplexes.
type ShardNodeId uint64

// shardLocal is the compound key a shard uses to address one of its nodes;
// paired with the shard's own ConnId it is globally unique.
type shardLocal struct {
	conn  ConnId
	local ShardNodeId
}

// NodeId is the aggregator's own dense identifier for an admitted node.
// It encodes (chain slot table, slot index) so lookups are O(1) and the
// chain's node container can iterate in allocation order.
type NodeId struct {
	chain uint32
	slot  uint32
}

func (n NodeId) String() string { return fmt.Sprintf("node#%d.%d", n.chain, n.slot) }

// ChainNodeIndex returns the dense, per-chain slot index this id encodes.
// This is what gets sent over the wire to feeds -- they already know which
// chain a chunk belongs to, so only the slot needs to travel.
func (n NodeId) ChainNodeIndex() uint32 { return n.slot }

// BlockHash is a chain's genesis hash and its primary key.
type BlockHash [32]byte

func (h BlockHash) String() string { return "0x" + hex.EncodeToString(h[:]) }

// MarshalText lets BlockHash be used directly as a map key when the map is
// serialized to JSON by the metadata store.
func (h BlockHash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *BlockHash) UnmarshalText(text []byte) error {
	s := string(text)
	if len(s) >= 2 && s[:2] == "0x" {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("block hash: %w", err)
	}
	if len(b) != len(h) {
		return fmt.Errorf("block hash: expected %d bytes, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return nil
}

// BlockHashFromHex parses a (possibly "0x"-prefixed) hex genesis hash.
func BlockHashFromHex(s string) (BlockHash, error) {
	var h BlockHash
	err := h.UnmarshalText([]byte(s))
	return h, err
}
