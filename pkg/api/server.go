// Package api exposes the signed webhook surface of the relay: session
// refresh, revocation, health, and metrics.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/hotspotmesh/relay/pkg/authorizer"
	"github.com/hotspotmesh/relay/pkg/errclass"
	"github.com/hotspotmesh/relay/pkg/log"
	"github.com/hotspotmesh/relay/pkg/metrics"
	"github.com/hotspotmesh/relay/pkg/security"
)

// Signature header names of the webhook contract.
const (
	HeaderTimestamp = "X-Relay-Timestamp"
	HeaderNonce     = "X-Relay-Nonce"
	HeaderSignature = "X-Relay-Signature"
)

// maxBodyBytes caps the accepted request body.
const maxBodyBytes = 1 << 20

// Server is the webhook HTTP server.
type Server struct {
	auth     *authorizer.Authorizer
	verifier *security.Verifier
	mux      *http.ServeMux
	srv      *http.Server
}

// NewServer wires the routes.
func NewServer(auth *authorizer.Authorizer, verifier *security.Verifier) *Server {
	mux := http.NewServeMux()
	s := &Server{
		auth:     auth,
		verifier: verifier,
		mux:      mux,
	}

	mux.HandleFunc("/relay/refresh", s.handleRefresh)
	mux.HandleFunc("/relay/revoke", s.handleRevoke)
	mux.HandleFunc("/healthz", metrics.HealthHandler())
	mux.HandleFunc("/readyz", metrics.ReadyHandler())
	mux.Handle("/metrics", metrics.Handler())

	return s
}

// Handler exposes the route table, for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until Shutdown.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	logger := log.WithComponent("api")
	logger.Info().Str("addr", addr).Msg("API server started")
	return s.srv.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

type errorBody struct {
	OK   bool   `json:"ok"`
	Code string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// authenticate verifies the request signature over the raw body. It must
// run before any JSON parsing. Returns the body and whether the caller
// may proceed; on failure the 401 has already been written.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: errclass.CodeEventInvalidSchema})
		return nil, false
	}

	res := s.verifier.Verify(security.Request{
		Method:        r.Method,
		PathWithQuery: r.URL.RequestURI(),
		RawBody:       body,
		Timestamp:     r.Header.Get(HeaderTimestamp),
		Nonce:         r.Header.Get(HeaderNonce),
		Signature:     r.Header.Get(HeaderSignature),
	})
	if !res.OK {
		logger := log.WithComponent("api")
		logger.Warn().
			Str("code", res.Code).Str("path", r.URL.Path).
			Msg("Request signature rejected")
		writeJSON(w, http.StatusUnauthorized, errorBody{Code: res.Code})
		return nil, false
	}
	return body, true
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Code: "method_not_allowed"})
		return
	}
	body, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var req authorizer.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: errclass.CodeEventInvalidSchema})
		return
	}
	if req.SessionID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "sid_required"})
		return
	}

	outcome, err := s.auth.RefreshAndAuthorize(r.Context(), req)
	if err != nil {
		logger := log.WithComponent("api")
		logger.Error().Err(err).Str("sid", req.SessionID).
			Msg("Refresh failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{Code: "internal_error"})
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Code: "method_not_allowed"})
		return
	}
	body, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var req authorizer.RevokeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: errclass.CodeEventInvalidSchema})
		return
	}

	outcome, err := s.auth.Revoke(r.Context(), req)
	if err != nil {
		logger := log.WithComponent("api")
		logger.Error().Err(err).Str("router_id", req.RouterID).
			Msg("Revoke failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{Code: "internal_error"})
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}
