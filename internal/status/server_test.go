package status

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/bitmesh"
	"github.com/opd-ai/bitmesh/noise"
	"github.com/opd-ai/bitmesh/peer"
	"github.com/opd-ai/bitmesh/topology"
)

type fakeNode struct {
	id       peer.ID
	peers    []bitmesh.PeerInfo
	sessions map[peer.ID]noise.SessionStats
	graph    *topology.Tracker
}

func (f *fakeNode) ID() peer.ID                                     { return f.id }
func (f *fakeNode) Peers() []bitmesh.PeerInfo                       { return f.peers }
func (f *fakeNode) SessionStats() map[peer.ID]noise.SessionStats    { return f.sessions }
func (f *fakeNode) ComputeRoute(from, to peer.ID) ([]peer.ID, bool) { return f.graph.ComputeRoute(from, to) }

var (
	selfID  = peer.ID{0xAA, 1, 2, 3, 4, 5, 6, 7}
	bobID   = peer.ID{0xBB, 1, 2, 3, 4, 5, 6, 7}
	carolID = peer.ID{0xCC, 1, 2, 3, 4, 5, 6, 7}
)

func newFakeNode() *fakeNode {
	graph := topology.NewTracker()
	graph.RecordRoute([]peer.ID{selfID, bobID, carolID})
	return &fakeNode{
		id: selfID,
		peers: []bitmesh.PeerInfo{
			{ID: bobID, Nickname: "bob", Direct: true, LastAnnounce: time.Unix(1700000000, 0).UTC()},
			{ID: carolID, Nickname: "carol"},
		},
		sessions: map[peer.ID]noise.SessionStats{
			carolID: {State: noise.StateEstablished, Role: noise.Responder, Sent: 2, Received: 5},
			bobID:   {State: noise.StateEstablished, Role: noise.Initiator, Sent: 1, Received: 1},
		},
		graph: graph,
	}
}

func serve(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req, err := http.NewRequest("GET", path, nil)
	require.NoError(t, err)
	rr := httptest.NewRecorder()
	s.Router.ServeHTTP(rr, req)
	return rr
}

func TestPeersHandler(t *testing.T) {
	s := NewServer(newFakeNode(), nil)
	rr := serve(t, s, "/peers")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var got []PeerView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, bobID.String(), got[0].ID)
	assert.Equal(t, "bob", got[0].Nickname)
	assert.True(t, got[0].Direct)
	assert.False(t, got[1].Direct)
	assert.Len(t, got[0].NoiseKey, 64)
}

func TestSessionsHandlerSortsByPeer(t *testing.T) {
	s := NewServer(newFakeNode(), nil)
	rr := serve(t, s, "/sessions")
	require.Equal(t, http.StatusOK, rr.Code)

	var got []SessionView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, bobID.String(), got[0].PeerID)
	assert.Equal(t, carolID.String(), got[1].PeerID)
	assert.Equal(t, uint64(5), got[1].Received)
	assert.Equal(t, noise.StateEstablished.String(), got[1].State)
	assert.Equal(t, noise.Responder.String(), got[1].Role)
}

func TestRouteHandler(t *testing.T) {
	s := NewServer(newFakeNode(), nil)

	tests := []struct {
		name string
		path string
		code int
		hops int
	}{
		{"self to carol", "/route/self/" + carolID.String(), http.StatusOK, 2},
		{"explicit ids", "/route/" + bobID.String() + "/" + carolID.String(), http.StatusOK, 1},
		{"unknown destination", "/route/self/0102", http.StatusNotFound, 0},
		{"bad source", "/route/xyz/" + bobID.String(), http.StatusBadRequest, 0},
		{"overlong destination", "/route/self/" + strings.Repeat("a", 17), http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(t, s, tt.path)
			require.Equal(t, tt.code, rr.Code)
			if tt.code != http.StatusOK {
				return
			}
			var got RouteView
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
			assert.Equal(t, tt.hops, got.Hops)
			assert.Len(t, got.Path, tt.hops+1)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "status_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Add(3)

	s := NewServer(newFakeNode(), reg)
	rr := serve(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "status_test_total 3")

	without := NewServer(newFakeNode(), nil)
	assert.Equal(t, http.StatusNotFound, serve(t, without, "/metrics").Code)
}

func TestMethodNotAllowed(t *testing.T) {
	s := NewServer(newFakeNode(), nil)
	req, err := http.NewRequest("POST", "/peers", nil)
	require.NoError(t, err)
	rr := httptest.NewRecorder()
	s.Router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestServerAgainstLiveNode(t *testing.T) {
	node, err := bitmesh.New(bitmesh.DefaultOptions())
	require.NoError(t, err)
	defer node.Close()

	s := NewServer(node, node.Metrics().Registry)
	rr := serve(t, s, "/peers")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, "[]", rr.Body.String())

	rr = serve(t, s, "/route/self/self")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
