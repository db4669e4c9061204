// Package httpapi exposes the subscription read path over HTTP. It is a
// thin layer: resolve the render format from the Accept header, call the
// aggregator, write the rendered result.
package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"panelbridge/internal/aggregator"
	"panelbridge/internal/store"
)

type Server struct {
	agg    *aggregator.Aggregator
	logger *zap.SugaredLogger
}

func NewServer(agg *aggregator.Aggregator, logger *zap.SugaredLogger) *Server {
	return &Server{agg: agg, logger: logger}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/sub/{username}/links", s.handleLinks).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	return r
}

func (s *Server) handleLinks(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]

	format := aggregator.FormatPlain
	if strings.Contains(r.Header.Get("Accept"), "text/html") {
		format = aggregator.FormatHTML
	}

	sub, err := s.agg.GetSubscription(r.Context(), username)
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
		return
	case errors.Is(err, aggregator.ErrTemporarilyUnavailable):
		// Explicit freshness failure, never a silently stale list.
		w.Header().Set("Retry-After", "60")
		http.Error(w, "subscription temporarily unavailable", http.StatusServiceUnavailable)
		return
	case err != nil:
		s.logger.Errorw("subscription request failed", "username", username, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	contentType, body, err := aggregator.Render(sub, format)
	if err != nil {
		s.logger.Errorw("render failed", "username", username, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	if sub.Emergency {
		w.Header().Set("X-Subscription-Degraded", "emergency-config")
	}
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
