// Package api serves the network controller over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/florinxfl/go-p2p"
)

// NetworkController is the part of *p2p.Controller the API drives.
type NetworkController interface {
	EnableNetwork() error
	DisableNetwork() error
	GetPeerInfo() ([]p2p.PeerRecord, error)
	ListBannedPeers() ([]p2p.BannedPeerRecord, error)
	BanPeer(address string, banTime time.Duration) (bool, error)
	UnbanPeer(address string) (bool, error)
	DisconnectPeer(nodeID int64) (bool, error)
	ClearBanned() (bool, error)
}

var _ NetworkController = (*p2p.Controller)(nil)

// BanRequest is the body of POST /bans.
type BanRequest struct {
	Address string `json:"address"`
	// BanTimeSeconds of zero or less uses the node's default ban time.
	BanTimeSeconds int64 `json:"ban_time_seconds"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type statusResponse struct {
	Status string `json:"status"`
}

// Server is the HTTP control API.
type Server struct {
	logger     p2p.Logger
	controller NetworkController
	router     chi.Router
	server     *http.Server
}

// NewServer builds the router. metricsHandler is mounted on /metrics when non-nil.
func NewServer(logger p2p.Logger, controller NetworkController, metricsHandler http.Handler) *Server {
	s := &Server{
		logger:     logger,
		controller: controller,
		router:     chi.NewRouter(),
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(s.logRequests)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	s.router.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
	})

	s.router.Get("/peers", s.handleGetPeers)
	s.router.Post("/peers/{id}/disconnect", s.handleDisconnectPeer)

	s.router.Post("/network/enable", s.handleEnableNetwork)
	s.router.Post("/network/disable", s.handleDisableNetwork)

	s.router.Route("/bans", func(r chi.Router) {
		r.Get("/", s.handleListBans)
		r.Post("/", s.handleBan)
		r.Delete("/", s.handleClearBans)
		r.Delete("/{address}", s.handleUnban)
	})

	if metricsHandler != nil {
		s.router.Handle("/metrics", metricsHandler)
	}

	return s
}

// Router returns the chi router for testing or extension
func (s *Server) Router() chi.Router {
	return s.router
}

// Start serves on addr until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("[API] failed to listen on %s: %w", addr, err)
	}

	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("[API] listening on %s", listener.Addr().String())

	serveErr := make(chan error, 1)

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}

		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("[API] server error: %w", err)
		}

		return nil
	case <-ctx.Done():
		return s.Stop()
	}
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Errorf("[API] shutdown error: %v", err)
		return err
	}

	s.logger.Infof("[API] shutdown complete")

	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		s.logger.Debugf("[API] %s %s %d %s (request %s)", r.Method, r.URL.Path, ww.Status(), time.Since(start), middleware.GetReqID(r.Context()))
	})
}

func (s *Server) handleGetPeers(w http.ResponseWriter, _ *http.Request) {
	peers, err := s.controller.GetPeerInfo()
	if err != nil {
		s.writeError(w, err)
		return
	}

	if peers == nil {
		peers = []p2p.PeerRecord{}
	}

	writeJSON(w, http.StatusOK, peers)
}

func (s *Server) handleDisconnectPeer(w http.ResponseWriter, r *http.Request) {
	nodeID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid node id"})
		return
	}

	ok, err := s.controller.DisconnectPeer(nodeID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: fmt.Sprintf("no peer with node id %d", nodeID)})
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{Status: "disconnected"})
}

func (s *Server) handleEnableNetwork(w http.ResponseWriter, _ *http.Request) {
	if err := s.controller.EnableNetwork(); err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, statusResponse{Status: "enabling"})
}

func (s *Server) handleDisableNetwork(w http.ResponseWriter, _ *http.Request) {
	if err := s.controller.DisableNetwork(); err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, statusResponse{Status: "disabling"})
}

func (s *Server) handleListBans(w http.ResponseWriter, _ *http.Request) {
	bans, err := s.controller.ListBannedPeers()
	if err != nil {
		s.writeError(w, err)
		return
	}

	if bans == nil {
		bans = []p2p.BannedPeerRecord{}
	}

	writeJSON(w, http.StatusOK, bans)
}

func (s *Server) handleBan(w http.ResponseWriter, r *http.Request) {
	var req BanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	ok, err := s.controller.BanPeer(req.Address, time.Duration(req.BanTimeSeconds)*time.Second)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("cannot ban %q", req.Address)})
		return
	}

	writeJSON(w, http.StatusCreated, statusResponse{Status: "banned"})
}

func (s *Server) handleUnban(w http.ResponseWriter, r *http.Request) {
	// subnets arrive path-escaped, e.g. 10.0.0.0%2F24
	address, err := url.PathUnescape(chi.URLParam(r, "address"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid address"})
		return
	}

	ok, err := s.controller.UnbanPeer(address)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("cannot unban %q", address)})
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{Status: "unbanned"})
}

func (s *Server) handleClearBans(w http.ResponseWriter, _ *http.Request) {
	ok, err := s.controller.ClearBanned()
	if err != nil {
		s.writeError(w, err)
		return
	}

	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "ban list unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{Status: "cleared"})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, p2p.ErrControllerClosed) {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}

	s.logger.Errorf("[API] controller error: %v", err)
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
