package transport

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"telemetry-aggregator/core"
)

var shardUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// shardOutboxCapacity is smaller than a feed's: Mute directives are rare
// (one per admission rejection), never a steady stream.
const shardOutboxCapacity = 8

// shardConn adapts a single shard WebSocket connection to core.ShardSink.
// Mute is the only thing the loop ever calls on it directly; everything
// else flows from the connection's read loop into the core via the
// ShardChannel handed back by SubscribeShard. Like feedConn, Mute only
// enqueues onto outbox; writePump is the sole goroutine that writes to ws.
type shardConn struct {
	ws        *websocket.Conn
	log       *logrus.Entry
	outbox    chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newShardConn(ws *websocket.Conn, log *logrus.Entry) *shardConn {
	s := &shardConn{
		ws:     ws,
		log:    log,
		outbox: make(chan []byte, shardOutboxCapacity),
		done:   make(chan struct{}),
	}
	go s.writePump()
	return s
}

func (s *shardConn) Mute(reason core.MuteReason) {
	msg, _ := json.Marshal(wireEnvelope{
		Type:    "mute",
		Payload: mustRaw(map[string]string{"reason": reason.String()}),
	})
	select {
	case s.outbox <- msg:
	default:
		s.log.Warn("dropping mute directive, shard outbox full")
	}
}

func (s *shardConn) writePump() {
	for {
		select {
		case msg := <-s.outbox:
			if err := s.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.log.WithError(err).Warn("failed to write mute directive to shard")
				s.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// Close stops writePump. Safe to call more than once and from any goroutine.
func (s *shardConn) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func mustRaw(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic("transport: failed to marshal wire payload: " + err.Error())
	}
	return raw
}

// ShardHandler upgrades an HTTP request to a WebSocket and pumps every
// decoded ShardMessage into the aggregator, in the order it arrives --
// preserving per-shard FIFO ordering, since one connection is read by
// exactly one goroutine.
func ShardHandler(agg *core.Aggregator, log *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := shardUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.WithError(err).Warn("shard websocket upgrade failed")
			return
		}
		defer ws.Close()

		entry := log.WithField("remote", r.RemoteAddr)
		conn := newShardConn(ws, entry)
		defer conn.Close()
		channel := agg.SubscribeShard(conn)
		entry = entry.WithField("conn", channel.Conn())
		entry.Info("shard connected")

		defer func() {
			channel.Send(core.ShardDisconnected{})
			entry.Info("shard disconnected")
		}()

		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				return
			}
			msg, err := decodeShardMessage(raw)
			if err != nil {
				entry.WithError(err).Warn("dropping malformed shard message")
				continue
			}
			if !channel.Send(msg) {
				return
			}
		}
	}
}
