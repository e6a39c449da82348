package core

import "encoding/json"

// FeedMessageSerializer is an opaque serializer: callers push typed feed
// messages onto it in the order they should appear on the wire, then call
// IntoFinalized to obtain the bytes for one outbound chunk. The concrete
// wire shape (a JSON array of `[kind, ...fields]` tuples) is an internal
// encoding choice; core code never branches on it, only `push`/`IntoFinalized`.
type FeedMessageSerializer struct {
	messages []json.RawMessage
}

// NewFeedMessageSerializer starts an empty serializer.
func NewFeedMessageSerializer() *FeedMessageSerializer {
	return &FeedMessageSerializer{}
}

// Len reports how many logical messages have been pushed so far. The
// batching layer does not call it; it caps chunks by slicing its node ids.
func (f *FeedMessageSerializer) Len() int { return len(f.messages) }

// Push serializes one tagged feed message variant and appends it.
func (f *FeedMessageSerializer) Push(msg feedMessage) {
	raw, err := json.Marshal(msg.tuple())
	if err != nil {
		// Every variant below is built from plain, always-marshalable
		// fields; a failure here means a variant was added without
		// updating tuple() to only emit JSON-safe values.
		panic("core: feed message failed to marshal: " + err.Error())
	}
	f.messages = append(f.messages, raw)
}

// IntoFinalized closes out the serializer and returns the wire bytes for
// one chunk. A nil return means nothing was pushed; callers should not
// emit empty chunks.
func (f *FeedMessageSerializer) IntoFinalized() []byte {
	if len(f.messages) == 0 {
		return nil
	}
	out, err := json.Marshal(f.messages)
	if err != nil {
		panic("core: feed chunk failed to marshal: " + err.Error())
	}
	return out
}

// feedMessage is implemented by every variant constructor below; tuple()
// returns the `[kind, ...fields]` shape that gets marshaled.
type feedMessage interface {
	tuple() []any
}

type kindedMessage struct {
	kind   string
	fields []any
}

func (k kindedMessage) tuple() []any {
	return append([]any{k.kind}, k.fields...)
}

// RemovedChain announces that a chain has no more live nodes (or that its
// displayed label is about to change and the old entry must be retracted
// first).
func RemovedChain(hash BlockHash) feedMessage {
	return kindedMessage{kind: "removedChain", fields: []any{hash}}
}

// AddedChain announces a chain's current aggregate state.
func AddedChain(label string, hash BlockHash, nodeCount, highestNodeCount int) feedMessage {
	return kindedMessage{kind: "addedChain", fields: []any{label, hash, nodeCount, highestNodeCount}}
}

// AddedNode announces a newly admitted node and its immutable details.
func AddedNode(idx uint32, node *Node) feedMessage {
	return kindedMessage{kind: "addedNode", fields: []any{idx, node.Details}}
}

// RemovedNode announces that a node has left its chain.
func RemovedNode(idx uint32) feedMessage {
	return kindedMessage{kind: "removedNode", fields: []any{idx}}
}

// LocatedNode carries a node's resolved geo-IP location.
func LocatedNode(idx uint32, loc Location) feedMessage {
	return kindedMessage{kind: "locatedNode", fields: []any{idx, loc.Latitude, loc.Longitude, loc.City}}
}

// NodeDetailsUpdate carries an updated SystemConnected details snapshot.
func NodeDetailsUpdate(idx uint32, details NodeDetails) feedMessage {
	return kindedMessage{kind: "nodeDetails", fields: []any{idx, details}}
}

// NodeStatsUpdate carries the latest SystemInterval stats.
func NodeStatsUpdate(idx uint32, stats NodeStats) feedMessage {
	return kindedMessage{kind: "nodeStats", fields: []any{idx, stats}}
}

// ImportedBlock carries a node's newly reported best block.
func ImportedBlock(idx uint32, b BlockInfo) feedMessage {
	return kindedMessage{kind: "importedBlock", fields: []any{idx, b.Height, b.Hash}}
}

// FinalizedBlock carries a node's newly reported finalized block.
func FinalizedBlock(idx uint32, height uint64, hash BlockHash) feedMessage {
	return kindedMessage{kind: "finalizedBlock", fields: []any{idx, height, hash}}
}

// AfgAuthoritySetUpdate carries a node's current consensus authority set id.
func AfgAuthoritySetUpdate(idx uint32, authorityId string) feedMessage {
	return kindedMessage{kind: "afgAuthoritySet", fields: []any{idx, authorityId}}
}

// StaleNode marks a node as not having reported an interval recently.
func StaleNode(idx uint32) feedMessage {
	return kindedMessage{kind: "staleNode", fields: []any{idx}}
}

// Ping/Pong are feed-level keepalive echoes.
func Pong(payload string) feedMessage {
	return kindedMessage{kind: "pong", fields: []any{payload}}
}
