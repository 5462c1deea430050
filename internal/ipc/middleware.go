package ipc

import (
	"log"
	"net/http"
	"time"

	"github.com/ccBitTorrent/ccbt-sub001/internal/ccerr"
	"github.com/ccBitTorrent/ccbt-sub001/internal/security"
)

// responseWriter captures the status code so loggingMiddleware can report it
// after the handler runs.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)
			log.Printf("[ipc] %s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

// authMiddleware enforces the server's dual auth: either a valid
// Ed25519-signed request (X-Public-Key/X-Signature/X-Timestamp, verified
// against the daemon's own identity) or a static X-API-Key header.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key := r.Header.Get("X-API-Key"); key != "" {
				if s.deps.APIKey != "" && key == s.deps.APIKey {
					next.ServeHTTP(w, r)
					return
				}
				respondError(w, http.StatusUnauthorized, ccerr.ErrInvalidSignature)
				return
			}

			pubHex := r.Header.Get("X-Public-Key")
			sigHex := r.Header.Get("X-Signature")
			tsHeader := r.Header.Get("X-Timestamp")
			if pubHex == "" || sigHex == "" || tsHeader == "" {
				if s.deps.RequireSignedIPC {
					respondError(w, http.StatusUnauthorized, ccerr.ErrInvalidSignature)
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			if s.deps.Identity == nil || pubHex != s.deps.Identity.PublicKeyHex() {
				respondError(w, http.StatusUnauthorized, ccerr.ErrInvalidSignature)
				return
			}

			body, err := readAndRestoreBody(r)
			if err != nil {
				respondError(w, http.StatusBadRequest, err)
				return
			}
			if err := security.VerifyRequest(r.Method, r.URL.Path, body, pubHex, sigHex, tsHeader, s.deps.ReplayWindow, time.Now()); err != nil {
				status := http.StatusUnauthorized
				respondError(w, status, err)
				return
			}
			next.ServeHTTP(w, r)
	})
}
