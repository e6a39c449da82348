// Package transport is the WebSocket boundary between the aggregator core
// and the outside world: shard producers push telemetry in, feeds read
// grouped chain views out. The core treats transport as an external
// collaborator, so none of this package's framing choices are dictated by
// it; it is this module's own concrete choice of wire format.
package transport

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// requestLogger logs method, path and latency for every HTTP request once
// the handler returns, tagging that log line with a random UUID trace id.
// The id is not passed to the handler, so the websocket handlers' own log
// lines do not carry it.
func requestLogger(log *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			traceId := uuid.NewString()
			next.ServeHTTP(w, r)
			log.WithFields(logrus.Fields{
				"trace_id": traceId,
				"method":   r.Method,
				"path":     r.URL.Path,
				"duration": time.Since(start),
			}).Info("handled request")
		})
	}
}
