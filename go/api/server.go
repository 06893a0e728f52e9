// Package api serves the REST control plane: channel configuration,
// lifecycle, message history, and the event stream.
package api

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/meridian-hie/meridian/go/engine"
	"github.com/meridian-hie/meridian/go/store"
)

// Server routes control plane requests into the engine controller.
type Server struct {
	controller *engine.Controller
	store      *store.Store

	wsMaxClients int64
	wsClients    atomic.Int64

	// shuttingDown makes every handler answer 503 during drain.
	shuttingDown atomic.Bool
}

// NewServer builds the control plane over `controller`.
func NewServer(controller *engine.Controller, wsMaxClients int) *Server {
	if wsMaxClients <= 0 {
		wsMaxClients = 64
	}
	return &Server{
		controller:   controller,
		store:        controller.Store(),
		wsMaxClients: int64(wsMaxClients),
	}
}

// BeginShutdown flips the server into 503-everything mode while
// in-flight work drains.
func (s *Server) BeginShutdown() { s.shuttingDown.Store(true) }

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	var mux = http.NewServeMux()

	mux.HandleFunc("GET /api/channels", s.listChannels)
	mux.HandleFunc("POST /api/channels", s.createChannel)
	mux.HandleFunc("POST /api/channels/_getSummary", s.channelSummary)
	mux.HandleFunc("POST /api/channels/_redeployAll", s.redeployAll)
	mux.HandleFunc("GET /api/channels/{id}", s.getChannel)
	mux.HandleFunc("PUT /api/channels/{id}", s.updateChannel)
	mux.HandleFunc("DELETE /api/channels/{id}", s.deleteChannel)

	mux.HandleFunc("POST /api/channels/{id}/_deploy", s.lifecycle(s.controller.Deploy))
	mux.HandleFunc("POST /api/channels/{id}/_undeploy", s.lifecycle(s.controller.Undeploy))
	mux.HandleFunc("POST /api/channels/{id}/_start", s.lifecycle(s.controller.Start))
	mux.HandleFunc("POST /api/channels/{id}/_stop", s.lifecycle(s.controller.Stop))
	mux.HandleFunc("POST /api/channels/{id}/_halt", s.lifecycle(s.controller.Halt))
	mux.HandleFunc("POST /api/channels/{id}/_pause", s.lifecycle(s.controller.Pause))
	mux.HandleFunc("POST /api/channels/{id}/_resume", s.lifecycle(s.controller.Resume))

	mux.HandleFunc("POST /api/channels/_deploy", s.bulk(s.controller.Deploy))
	mux.HandleFunc("POST /api/channels/_undeploy", s.bulk(s.controller.Undeploy))
	mux.HandleFunc("POST /api/channels/_start", s.bulk(s.controller.Start))
	mux.HandleFunc("POST /api/channels/_stop", s.bulk(s.controller.Stop))
	mux.HandleFunc("POST /api/channels/_halt", s.bulk(s.controller.Halt))
	mux.HandleFunc("POST /api/channels/_pause", s.bulk(s.controller.Pause))
	mux.HandleFunc("POST /api/channels/_resume", s.bulk(s.controller.Resume))

	mux.HandleFunc("POST /api/channels/{id}/connector/{metaDataId}/_start", s.startConnector)
	mux.HandleFunc("POST /api/channels/{id}/connector/{metaDataId}/_stop", s.stopConnector)

	mux.HandleFunc("GET /api/channels/{id}/status", s.channelStatus)
	mux.HandleFunc("GET /api/channels/statuses", s.channelStatuses)
	mux.HandleFunc("GET /api/channels/statuses/initial", s.initialStatuses)

	mux.HandleFunc("GET /api/channels/{id}/messages", s.listMessages)
	mux.HandleFunc("POST /api/channels/{id}/messages", s.injectMessage)
	mux.HandleFunc("DELETE /api/channels/{id}/messages", s.removeAllMessages)
	mux.HandleFunc("GET /api/channels/{id}/messages/{messageId}", s.getMessage)
	mux.HandleFunc("POST /api/channels/{id}/messages/{messageId}/_reprocess", s.reprocessMessage)
	mux.HandleFunc("GET /api/channels/{id}/messages/{messageId}/content/{metaDataId}/{contentType}", s.getContent)
	mux.HandleFunc("GET /api/channels/{id}/messages/{messageId}/attachments", s.listAttachments)
	mux.HandleFunc("GET /api/channels/{id}/messages/{messageId}/attachments/{attachmentId}", s.getAttachment)

	mux.HandleFunc("GET /api/events", s.events)
	mux.Handle("GET /metrics", promhttp.Handler())

	return s.middleware(mux)
}

// middleware propagates a request ID, logs each request, and gates the
// shutdown drain.
func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.shuttingDown.Load() {
			writeError(w, http.StatusServiceUnavailable, "server is shutting down", "")
			return
		}
		var requestID = r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", requestID)

		var start = time.Now()
		next.ServeHTTP(w, r)
		log.WithFields(log.Fields{
			"requestId": requestID,
			"method":    r.Method,
			"path":      r.URL.Path,
			"took":      time.Since(start).String(),
		}).Debug("served control plane request")
	})
}
