package transport

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"telemetry-aggregator/core"
)

// NewRouter configures the HTTP routes for the aggregator's shard and feed
// WebSocket endpoints.
func NewRouter(agg *core.Aggregator, log *logrus.Logger) http.Handler {
	r := mux.NewRouter()

	r.Use(requestLogger(log))

	r.HandleFunc("/shard/ws", ShardHandler(agg, log)).Methods(http.MethodGet)
	r.HandleFunc("/feed/ws", FeedHandler(agg, log)).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	return r
}
