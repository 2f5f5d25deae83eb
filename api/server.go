// Copyright 2025 Meshnet Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api exposes peer lifecycle state over HTTP for operators and
// monitoring
package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/meshnet-io/ferret/peerset"
)

// PeerView is the read-only slice of the peerset the API needs
type PeerView interface {
	Peers() []peerset.PeerInfo
	PeerPhase(peer peerset.PeerID) (peerset.ConnectionPhase, bool)
	SlotsInUse() int
	MaxSlots() int
	ReservedOnly() bool
}

type Server struct {
	peers  PeerView
	logger *slog.Logger
}

func NewServer(peers PeerView, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Server{
		peers:  peers,
		logger: logger.With("component", "api"),
	}
}

// Handler returns the chi router with all routes mounted
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
		})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/peers", s.handleListPeers)
		r.Get("/peers/{id}", s.handleGetPeer)
	})

	return r
}

type statusResponse struct {
	SlotsInUse   int  `json:"slotsInUse"`
	MaxSlots     int  `json:"maxSlots"`
	ReservedOnly bool `json:"reservedOnly"`
	PeerCount    int  `json:"peerCount"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		SlotsInUse:   s.peers.SlotsInUse(),
		MaxSlots:     s.peers.MaxSlots(),
		ReservedOnly: s.peers.ReservedOnly(),
		PeerCount:    len(s.peers.Peers()),
	})
}

func (s *Server) handleListPeers(w http.ResponseWriter, r *http.Request) {
	peers := s.peers.Peers()
	if peers == nil {
		peers = []peerset.PeerInfo{}
	}
	writeJSON(w, http.StatusOK, peers)
}

func (s *Server) handleGetPeer(w http.ResponseWriter, r *http.Request) {
	peerID := peerset.PeerID(chi.URLParam(r, "id"))
	phase, known := s.peers.PeerPhase(peerID)
	if !known {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "unknown peer",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"id":    string(peerID),
		"phase": phase.String(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Too late for a different status; nothing useful to do
		return
	}
}
