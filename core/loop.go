package core

import (
	"time"

	"github.com/sirupsen/logrus"
)

// shardSession is the per-connection context a shard's Initialize message
// establishes: the chain its subsequent Add/Update/Remove messages belong
// to, plus the sink used to send it Mute directives.
type shardSession struct {
	sink        ShardSink
	genesisHash BlockHash
	chainName   string
	initialized bool
}

// feedSession is the per-connection context a feed connection accumulates:
// which chains it is subscribed to and whether it wants finality chunks.
type feedSession struct {
	sink          FeedSink
	chains        map[BlockHash]struct{}
	wantsFinality bool
}

// innerLoop is the single-writer owner of every piece of mutable state. It
// is never touched from more than one goroutine; all external interaction
// happens by pushing ToAggregator values onto queue.
type innerLoop struct {
	queue       *unboundedQueue
	batched     *BatchedState
	maxQueueLen int
	locator     Locator

	shards map[ConnId]*shardSession
	feeds  map[ConnId]*feedSession

	metrics *MetricsCollector
	log     *logrus.Entry

	bytesSent uint64
	ticks     uint64
}

func newInnerLoop(queue *unboundedQueue, batched *BatchedState, maxQueueLen int, locator Locator, metrics *MetricsCollector, log *logrus.Entry) *innerLoop {
	return &innerLoop{
		queue:       queue,
		batched:     batched,
		maxQueueLen: maxQueueLen,
		locator:     locator,
		shards:      make(map[ConnId]*shardSession),
		feeds:       make(map[ConnId]*feedSession),
		metrics:     metrics,
		log:         log,
	}
}

// run processes messages until the inbound queue closes. It is meant to be
// the body of the one goroutine the Aggregator spawns for this loop.
func (l *innerLoop) run() {
	for {
		msg, ok := l.queue.Pop()
		if !ok {
			l.log.Info("inbound queue closed, event loop exiting")
			return
		}

		depth := l.queue.Len()
		l.metrics.SetQueueDepth(depth)
		if depth > l.maxQueueLen && !msg.essential() {
			l.metrics.IncDropped()
			continue
		}

		l.dispatch(msg)
	}
}

func (l *innerLoop) dispatch(msg ToAggregator) {
	switch m := msg.(type) {
	case shardConnected:
		l.shards[m.Conn] = &shardSession{sink: m.Sink}
	case feedConnected:
		l.feeds[m.Conn] = &feedSession{sink: m.Sink, chains: make(map[BlockHash]struct{})}
	case FromShardWebsocket:
		l.handleShardMessage(m.Conn, m.Msg)
	case FromFeedWebsocket:
		l.handleFeedMessage(m.Conn, m.Msg)
	case nodeLocated:
		l.batched.UpdateNodeLocation(m.Id, m.Loc)
	case SendUpdates:
		l.handleTick()
	case GatherMetricsRequest:
		m.Reply <- l.snapshotMetrics()
	}
}

func (l *innerLoop) handleShardMessage(conn ConnId, msg ShardMessage) {
	session, known := l.shards[conn]
	if !known {
		// A message arrived before the connection was registered; this
		// cannot happen through Aggregator.SubscribeShard, which always
		// enqueues shardConnected before handing out the sender.
		l.log.WithField("conn", conn).Error("shard message for unregistered connection")
		return
	}

	switch m := msg.(type) {
	case ShardInitialize:
		session.genesisHash = m.GenesisHash
		session.chainName = m.ChainName
		session.initialized = true

	case ShardAdd:
		if !session.initialized {
			l.log.WithField("conn", conn).Error("shard Add before Initialize")
			return
		}
		id, err := l.batched.AddNode(session.genesisHash, conn, m.Local, m.Details)
		if err != nil {
			if reason, ok := MuteReasonFor(err); ok {
				session.sink.Mute(reason)
			}
			return
		}
		if l.locator != nil {
			l.locator.Locate(m.Details, func(loc Location) {
				l.queue.Push(nodeLocated{Id: id, Loc: loc})
			})
		}

	case ShardUpdate:
		l.batched.UpdateNode(conn, m.Local, m.Payload)

	case ShardRemove:
		l.batched.RemoveNode(conn, m.Local)

	case ShardDisconnected:
		l.batched.DisconnectNode(conn)
		delete(l.shards, conn)
	}
}

func (l *innerLoop) handleFeedMessage(conn ConnId, msg FeedMessage) {
	session, known := l.feeds[conn]
	if !known {
		l.log.WithField("conn", conn).Error("feed message for unregistered connection")
		return
	}

	switch m := msg.(type) {
	case FeedSubscribe:
		session.chains[m.GenesisHash] = struct{}{}
		l.sendRosterTo(session, m.GenesisHash)

	case FeedUnsubscribe:
		delete(session.chains, m.GenesisHash)

	case FeedSendFinality:
		session.wantsFinality = true

	case FeedNoMoreFinality:
		session.wantsFinality = false

	case FeedPing:
		l.sendToFeed(session, NewFeedMessageSerializer().pong(m.Payload))

	case FeedDisconnected:
		delete(l.feeds, conn)
	}
}

// pong is a tiny convenience so FeedPing can produce a one-message chunk
// without going through the batching layer.
func (f *FeedMessageSerializer) pong(payload string) []byte {
	f.Push(Pong(payload))
	return f.IntoFinalized()
}

// sendRosterTo handles a feed's Subscribe(hash): send the chain-level
// announcement immediately (if the chain currently has any nodes), then
// the precomputed roster chunks in order.
func (l *innerLoop) sendRosterTo(session *feedSession, hash BlockHash) {
	chain, ok := l.batched.ChainByHash(hash)
	if ok {
		feed := NewFeedMessageSerializer()
		feed.Push(AddedChain(chain.Label(), hash, chain.NodeCount(), l.batched.ChainHighestNodeCount(hash)))
		l.sendToFeed(session, feed.IntoFinalized())
	}

	roster, ok := l.batched.AddedNodesMessages(hash)
	if !ok {
		return
	}
	chunks := roster.Elided
	if session.wantsFinality {
		chunks = roster.Full
	}
	for _, chunk := range chunks {
		l.sendToFeed(session, chunk)
	}
}

// handleTick processes one SendUpdates tick.
func (l *innerLoop) handleTick() {
	l.ticks++

	announcement, anyLabelChanged := l.batched.DrainUpdatesForAllFeeds()
	if announcement != nil {
		l.broadcastToAll(announcement)
	}

	for _, cc := range l.batched.DrainChainUpdates() {
		recipients := l.feedsSubscribedTo(cc.GenesisHash)
		for _, chunk := range cc.Removed {
			for _, session := range recipients {
				l.sendToFeed(session, chunk)
			}
		}
		for _, chunk := range cc.Added {
			for _, session := range recipients {
				l.sendToFeed(session, chunk)
			}
		}
		for _, session := range recipients {
			chunks := cc.UpdatedElided
			if session.wantsFinality {
				chunks = cc.UpdatedFull
			}
			for _, chunk := range chunks {
				l.sendToFeed(session, chunk)
			}
		}
	}

	if anyLabelChanged {
		l.batched.UpdateAddedNodesMessages()
	}

	l.metrics.IncTick()
}

func (l *innerLoop) feedsSubscribedTo(hash BlockHash) []*feedSession {
	var out []*feedSession
	for _, session := range l.feeds {
		if _, ok := session.chains[hash]; ok {
			out = append(out, session)
		}
	}
	return out
}

func (l *innerLoop) broadcastToAll(chunk []byte) {
	for _, session := range l.feeds {
		l.sendToFeed(session, chunk)
	}
}

// sendToFeed pushes one chunk to a feed's sink. A send failure just drops
// that feed's subscription to this broadcast; the connection teardown
// itself is signaled back via the feed's own Disconnected message.
func (l *innerLoop) sendToFeed(session *feedSession, chunk []byte) {
	if chunk == nil {
		return
	}
	if err := session.sink.Send(chunk); err != nil {
		l.log.WithError(err).Warn("feed send failed")
		return
	}
	l.bytesSent += uint64(len(chunk))
	l.metrics.AddBytesSent(len(chunk))
}

func (l *innerLoop) snapshotMetrics() Metrics {
	chains := l.batched.ChainByHashAll()
	perChain := make(map[BlockHash]int, len(chains))
	total := 0
	for _, chain := range chains {
		perChain[chain.GenesisHash()] = chain.NodeCount()
		total += chain.NodeCount()
	}

	memAlloc, goroutines := RuntimeStats()
	snap := Metrics{
		QueueDepth:       l.queue.Len(),
		ChainCount:       len(chains),
		NodeCount:        total,
		NodesPerChain:    perChain,
		FeedCount:        len(l.feeds),
		ShardCount:       len(l.shards),
		BytesSentTotal:   l.bytesSent,
		TicksProcessed:   l.ticks,
		MemAllocBytes:    memAlloc,
		NumGoroutines:    goroutines,
		TimestampUnixSec: time.Now().Unix(),
	}
	l.metrics.RecordSnapshot(snap)
	return snap
}
