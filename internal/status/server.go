// Package status serves a read-only HTTP view of a running mesh node.
package status

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/bitmesh"
	"github.com/opd-ai/bitmesh/noise"
	"github.com/opd-ai/bitmesh/peer"
)

// Node is the view of a mesh node the status API reads.
type Node interface {
	ID() peer.ID
	Peers() []bitmesh.PeerInfo
	SessionStats() map[peer.ID]noise.SessionStats
	ComputeRoute(from, to peer.ID) ([]peer.ID, bool)
}

// PeerView is one entry of GET /peers.
type PeerView struct {
	ID           string    `json:"id"`
	Nickname     string    `json:"nickname"`
	NoiseKey     string    `json:"noise_key"`
	Direct       bool      `json:"direct"`
	LastAnnounce time.Time `json:"last_announce"`
}

// SessionView is one entry of GET /sessions.
type SessionView struct {
	PeerID        string    `json:"peer_id"`
	State         string    `json:"state"`
	Role          string    `json:"role"`
	Sent          uint64    `json:"sent"`
	Received      uint64    `json:"received"`
	EstablishedAt time.Time `json:"established_at"`
}

// RouteView is the body of GET /route/{from}/{to}.
type RouteView struct {
	From string   `json:"from"`
	To   string   `json:"to"`
	Hops int      `json:"hops"`
	Path []string `json:"path"`
}

// Server exposes node state over HTTP.
type Server struct {
	Router *mux.Router

	node   Node
	server *http.Server
}

// NewServer builds the router. gatherer backs GET /metrics and may be nil.
func NewServer(node Node, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		Router: mux.NewRouter(),
		node:   node,
	}
	s.Router.HandleFunc("/peers", s.PeersHandler).Methods("GET")
	s.Router.HandleFunc("/sessions", s.SessionsHandler).Methods("GET")
	s.Router.HandleFunc("/route/{from}/{to}", s.RouteHandler).Methods("GET")
	if gatherer != nil {
		s.Router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}
	s.server = &http.Server{
		Handler:      s.Router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Serve accepts requests on l until Shutdown is called.
func (s *Server) Serve(l net.Listener) error {
	logrus.WithFields(logrus.Fields{
		"function": "Server.Serve",
		"addr":     l.Addr().String(),
	}).Info("Status API listening")

	err := s.server.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// PeersHandler lists announced peers.
func (s *Server) PeersHandler(w http.ResponseWriter, r *http.Request) {
	peers := s.node.Peers()
	out := make([]PeerView, 0, len(peers))
	for _, p := range peers {
		out = append(out, PeerView{
			ID:           p.ID.String(),
			Nickname:     p.Nickname,
			NoiseKey:     hex.EncodeToString(p.NoiseKey[:]),
			Direct:       p.Direct,
			LastAnnounce: p.LastAnnounce,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// SessionsHandler lists established secure sessions, sorted by peer.
func (s *Server) SessionsHandler(w http.ResponseWriter, r *http.Request) {
	stats := s.node.SessionStats()
	ids := make([]peer.ID, 0, len(stats))
	for id := range stats {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })

	out := make([]SessionView, 0, len(ids))
	for _, id := range ids {
		st := stats[id]
		out = append(out, SessionView{
			PeerID:        id.String(),
			State:         st.State.String(),
			Role:          st.Role.String(),
			Sent:          st.Sent,
			Received:      st.Received,
			EstablishedAt: st.EstablishedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// RouteHandler computes a route between two peers. Either endpoint may be
// "self".
func (s *Server) RouteHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	from, err := s.parsePeer(vars["from"])
	if err != nil {
		http.Error(w, "invalid source peer ID", http.StatusBadRequest)
		return
	}
	to, err := s.parsePeer(vars["to"])
	if err != nil {
		http.Error(w, "invalid destination peer ID", http.StatusBadRequest)
		return
	}

	path, ok := s.node.ComputeRoute(from, to)
	if !ok {
		http.Error(w, "no route", http.StatusNotFound)
		return
	}
	view := RouteView{
		From: from.String(),
		To:   to.String(),
		Hops: len(path) - 1,
		Path: make([]string, len(path)),
	}
	for i, id := range path {
		view.Path[i] = id.String()
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) parsePeer(raw string) (peer.ID, error) {
	if raw == "self" {
		return s.node.ID(), nil
	}
	return peer.ParseHex(raw)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "writeJSON",
			"error":    err.Error(),
		}).Debug("Response write failed")
	}
}
