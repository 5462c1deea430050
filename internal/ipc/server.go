// Package ipc implements the local control-plane HTTP+WebSocket server:
// status/add/remove/pause/resume/config/shutdown commands over `/api/v1`,
// authenticated by either an Ed25519-signed request or a static API key,
// with a WebSocket event stream for live updates.
package ipc

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/ccBitTorrent/ccbt-sub001/internal/ccerr"
	"github.com/ccBitTorrent/ccbt-sub001/internal/metainfo"
	"github.com/ccBitTorrent/ccbt-sub001/internal/security"
	"github.com/ccBitTorrent/ccbt-sub001/internal/session"
	"github.com/ccBitTorrent/ccbt-sub001/internal/statemgr"
	"github.com/ccBitTorrent/ccbt-sub001/internal/torrentsession"
)

// Deps bundles what the IPC server needs from the rest of the daemon. The
// two factory functions let the daemon's main wiring own torrentsession.Deps
// construction (peer ID, trackers, DHT, rate limiter) without the IPC
// package importing that assembly logic itself.
type Deps struct {
	Manager *session.Manager
	States *statemgr.Manager
	Identity *security.Identity

	APIKey string
	RequireSignedIPC bool
	ReplayWindow time.Duration

	NewFromMetaInfo func(mi *metainfo.MetaInfo) (*torrentsession.Session, error)
	NewFromMagnet func(mg *metainfo.Magnet) *torrentsession.Session

	// RequestShutdown asks the daemon supervisor to begin graceful shutdown;
	// the HTTP response is written before this is invoked.
	RequestShutdown func()

	// RequestCheckpoint forces an immediate state save outside the daemon's
	// periodic checkpoint ticker.
	RequestCheckpoint func() error
}

// Server is the IPC HTTP server.
type Server struct {
	deps Deps
	router *mux.Router
	http *http.Server
	hub *Hub
}

// NewServer builds an IPC server with routes registered but not listening.
func NewServer(deps Deps) *Server {
	s := &Server{
		deps: deps,
		router: mux.NewRouter(),
		hub: newHub(),
	}
	go s.hub.run()
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.loggingMiddleware)
	api.Use(s.authMiddleware)

	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/torrent/add", s.handleAdd).Methods("POST")
	api.HandleFunc("/torrent/remove", s.handleRemove).Methods("POST")
	api.HandleFunc("/torrent/pause", s.handlePause).Methods("POST")
	api.HandleFunc("/torrent/resume", s.handleResume).Methods("POST")
	api.HandleFunc("/torrent/list", s.handleList).Methods("GET")
	api.HandleFunc("/torrent/{hex_info_hash}/config", s.handleGetConfig).Methods("GET")
	api.HandleFunc("/torrent/{hex_info_hash}/config", s.handleSetConfig).Methods("POST")
	api.HandleFunc("/checkpoint", s.handleCheckpoint).Methods("POST")
	api.HandleFunc("/shutdown", s.handleShutdown).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Start binds addr and serves until Shutdown is called. If cert is non-nil,
// the listener is wrapped in TLS using the daemon identity's self-signed
// certificate.
func (s *Server) Start(addr string, cert *tls.Certificate) error {
	corsHandler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type", "X-API-Key", "X-Public-Key", "X-Signature", "X-Timestamp"},
	})

	s.http = &http.Server{
		Addr: addr,
		Handler: corsHandler.Handler(s.router),
		ReadTimeout: 15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	if cert != nil {
		s.http.TLSConfig = &tls.Config{Certificates: []tls.Certificate{*cert}}
		log.Printf("[ipc] listening on %s (TLS)", addr)
		return s.http.ListenAndServeTLS("", "")
	}
	log.Printf("[ipc] listening on %s", addr)
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// BroadcastEvent publishes an event to every connected WebSocket client
// (e.g. a torrent status transition or a piece-verified tick).
func (s *Server) BroadcastEvent(eventType string, data interface{}) {
	s.hub.broadcastEvent(event{Type: eventType, Data: data})
}

func infoHashFromVars(r *http.Request) (metainfo.InfoHash, error) {
	hex := mux.Vars(r)["hex_info_hash"]
	ih, err := metainfo.InfoHashFromHex(hex)
	if err != nil {
		return metainfo.InfoHash{}, ccerr.Validation("ipc.infoHashFromVars", fmt.Errorf("bad info-hash %q: %w", hex, err))
	}
	return ih, nil
}
