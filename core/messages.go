package core

// ToAggregator is the tagged union of everything that can arrive on the
// event loop's single inbound queue.
type ToAggregator interface {
	essential() bool
}

// FromShardWebsocket wraps a ShardMessage with the ConnId of the shard
// connection it arrived on.
type FromShardWebsocket struct {
	Conn ConnId
	Msg  ShardMessage
}

func (m FromShardWebsocket) essential() bool {
	_, nonEssential := m.Msg.(ShardUpdate)
	return !nonEssential
}

// FromFeedWebsocket wraps a FeedMessage with the ConnId of the feed
// connection it arrived on. Every feed message is essential.
type FromFeedWebsocket struct {
	Conn ConnId
	Msg  FeedMessage
}

func (FromFeedWebsocket) essential() bool { return true }

// SendUpdates is the periodic tick.
type SendUpdates struct{}

func (SendUpdates) essential() bool { return true }

// GatherMetricsRequest asks the loop to reply with a metrics snapshot on
// Reply. The channel must be buffered by at least 1 or otherwise read from
// concurrently, since the loop sends without a select.
type GatherMetricsRequest struct {
	Reply chan Metrics
}

func (GatherMetricsRequest) essential() bool { return true }

// shardConnected registers a shard connection's outbound sink with the
// loop. Subscribing goes through the same single inbound queue as every
// other mutation so registration never races the messages that follow it.
type shardConnected struct {
	Conn ConnId
	Sink ShardSink
}

func (shardConnected) essential() bool { return true }

// feedConnected registers a feed connection's outbound sink with the loop.
type feedConnected struct {
	Conn ConnId
	Sink FeedSink
}

func (feedConnected) essential() bool { return true }

// nodeLocated carries an asynchronous geo-IP result back into the loop.
// Losing one only blanks a dot on a map, so it is droppable under pressure.
type nodeLocated struct {
	Id  NodeId
	Loc Location
}

func (nodeLocated) essential() bool { return false }

// ShardMessage is the tagged union of messages a shard connection can send.
type ShardMessage interface{ isShardMessage() }

// ShardInitialize names the chain this shard's subsequent nodes belong to.
type ShardInitialize struct {
	ChainName     string
	GenesisHash   BlockHash
	NodeNetworkId string
}

// ShardAdd admits a new node, identified by the shard's own local id.
type ShardAdd struct {
	Local   ShardNodeId
	Details NodeDetails
}

// ShardUpdate carries one payload for an already-admitted node. Losing
// these only skews statistics, never topology, so they are the one
// non-essential shard message kind.
type ShardUpdate struct {
	Local   ShardNodeId
	Payload Payload
}

// ShardRemove removes a single node.
type ShardRemove struct{ Local ShardNodeId }

// ShardDisconnected signals that the whole shard connection dropped; every
// node it was forwarding for should be removed.
type ShardDisconnected struct{}

func (ShardInitialize) isShardMessage()   {}
func (ShardAdd) isShardMessage()          {}
func (ShardUpdate) isShardMessage()       {}
func (ShardRemove) isShardMessage()       {}
func (ShardDisconnected) isShardMessage() {}

// FeedMessage is the tagged union of messages a feed connection can send.
type FeedMessage interface{ isFeedMessage() }

type FeedSubscribe struct{ GenesisHash BlockHash }
type FeedUnsubscribe struct{ GenesisHash BlockHash }
type FeedSendFinality struct{}
type FeedNoMoreFinality struct{}
type FeedPing struct{ Payload string }
type FeedDisconnected struct{}

func (FeedSubscribe) isFeedMessage()      {}
func (FeedUnsubscribe) isFeedMessage()    {}
func (FeedSendFinality) isFeedMessage()   {}
func (FeedNoMoreFinality) isFeedMessage() {}
func (FeedPing) isFeedMessage()           {}
func (FeedDisconnected) isFeedMessage()   {}
