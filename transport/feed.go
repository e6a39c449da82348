package transport

import (
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"telemetry-aggregator/core"
)

var feedUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// feedOutboxCapacity bounds how many undelivered chunks a feed connection's
// writer goroutine will buffer before Send starts rejecting pushes. Chunks
// for a feed that can't keep up are dropped (the connection stays open)
// rather than allowed to pile up memory or stall the core's event loop.
const feedOutboxCapacity = 256

var errFeedBackpressure = errors.New("transport: feed outbox full")

// feedConn adapts a single feed WebSocket connection to core.FeedSink. Send
// only enqueues onto outbox; writePump is the sole goroutine that ever calls
// ws.WriteMessage, so a slow or stalled client blocks writePump, never the
// core's single event-loop goroutine that called Send.
type feedConn struct {
	ws        *websocket.Conn
	log       *logrus.Entry
	outbox    chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newFeedConn(ws *websocket.Conn, log *logrus.Entry) *feedConn {
	f := &feedConn{
		ws:     ws,
		log:    log,
		outbox: make(chan []byte, feedOutboxCapacity),
		done:   make(chan struct{}),
	}
	go f.writePump()
	return f
}

func (f *feedConn) Send(chunk []byte) error {
	select {
	case f.outbox <- chunk:
		return nil
	default:
		return errFeedBackpressure
	}
}

// writePump drains outbox and is the only goroutine allowed to write to ws,
// per gorilla/websocket's single-writer requirement. It exits once Close is
// called or the connection's read loop observes a read error.
func (f *feedConn) writePump() {
	for {
		select {
		case chunk := <-f.outbox:
			if err := f.ws.WriteMessage(websocket.TextMessage, chunk); err != nil {
				f.log.WithError(err).Warn("feed write failed")
				f.Close()
				return
			}
		case <-f.done:
			return
		}
	}
}

// Close stops writePump. Safe to call more than once and from any goroutine.
func (f *feedConn) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}

// FeedHandler upgrades an HTTP request to a WebSocket and pumps every
// decoded FeedMessage into the aggregator, while the aggregator's own event
// loop pushes broadcast chunks into the feedConn's outbound queue, drained
// by its writePump.
func FeedHandler(agg *core.Aggregator, log *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := feedUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.WithError(err).Warn("feed websocket upgrade failed")
			return
		}
		defer ws.Close()

		entry := log.WithField("remote", r.RemoteAddr)
		conn := newFeedConn(ws, entry)
		defer conn.Close()
		channel := agg.SubscribeFeed(conn)
		entry = entry.WithField("conn", channel.Conn())
		entry.Info("feed connected")

		defer func() {
			channel.Send(core.FeedDisconnected{})
			entry.Info("feed disconnected")
		}()

		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				return
			}
			msg, err := decodeFeedMessage(raw)
			if err != nil {
				entry.WithError(err).Warn("dropping malformed feed message")
				continue
			}
			if !channel.Send(msg) {
				return
			}
		}
	}
}
