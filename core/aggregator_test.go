//go:build unit

package core

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestAggregatorEndToEnd(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)

	agg, _, err := Spawn(Options{
		MaxQueueLen:        100,
		MaxThirdPartyNodes: 10,
		UpdateEvery:        10 * time.Millisecond,
		SendNodeData:       true,
	}, log)
	if err != nil {
		t.Fatal(err)
	}
	defer agg.Close()

	shard := agg.SubscribeShard(&fakeShardSink{})
	if shard.Conn() != 1 {
		t.Fatalf("expected the first shard ConnId to be 1, got %v", shard.Conn())
	}

	genesis := BlockHash{0x99}
	if !shard.Send(ShardInitialize{ChainName: "TestNet", GenesisHash: genesis}) {
		t.Fatalf("send into a live loop should succeed")
	}
	shard.Send(ShardAdd{Local: 0, Details: NodeDetails{NetworkId: "TestNet"}})

	// GatherMetrics rides the same FIFO queue, so the snapshot it returns
	// reflects everything sent above.
	snap := agg.GatherMetrics()
	if snap.ShardCount != 1 {
		t.Fatalf("expected 1 shard connection, got %d", snap.ShardCount)
	}
	if snap.ChainCount != 1 || snap.NodeCount != 1 {
		t.Fatalf("expected 1 chain with 1 node, got chains=%d nodes=%d", snap.ChainCount, snap.NodeCount)
	}
	if snap.NodesPerChain[genesis] != 1 {
		t.Fatalf("expected the per-chain breakdown to carry the admitted node, got %v", snap.NodesPerChain)
	}
}

func TestAggregatorCloseStopsSends(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)

	agg, _, err := Spawn(Options{MaxQueueLen: 100, MaxThirdPartyNodes: 10, SendNodeData: true}, log)
	if err != nil {
		t.Fatal(err)
	}

	shard := agg.SubscribeShard(&fakeShardSink{})
	agg.Close()

	if shard.Send(ShardDisconnected{}) {
		t.Fatalf("send after Close should report the loop as gone")
	}
	if got := agg.GatherMetrics(); got.TimestampUnixSec != 0 {
		t.Fatalf("GatherMetrics after Close should return a zero snapshot, got %+v", got)
	}
}
