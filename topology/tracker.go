// Package topology tracks observed direct links between mesh peers and
// computes fewest-hop routes over them.
package topology

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/bitmesh/crypto"
	"github.com/opd-ai/bitmesh/peer"
)

type link struct {
	to   peer.ID
	seen time.Time
}

// Tracker is an undirected graph over peer identifiers. Adjacency lists keep
// insertion order, so route queries are deterministic for a given history.
// A node exists only while it has at least one edge.
type Tracker struct {
	mu    sync.RWMutex
	adj   map[peer.ID][]link
	clock crypto.TimeProvider
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		adj:   make(map[peer.ID][]link),
		clock: crypto.GetDefaultTimeProvider(),
	}
}

// SetTimeProvider replaces the clock used to stamp edges.
func (t *Tracker) SetTimeProvider(tp crypto.TimeProvider) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tp == nil {
		tp = crypto.DefaultTimeProvider{}
	}
	t.clock = tp
}

// RecordDirectLink adds the edge a-b, or refreshes it if present.
// Self-links are ignored.
func (t *Tracker) RecordDirectLink(a, b peer.ID) {
	if a == b {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	t.addHalfLocked(a, b, now)
	t.addHalfLocked(b, a, now)
}

func (t *Tracker) addHalfLocked(from, to peer.ID, now time.Time) {
	links := t.adj[from]
	for i := range links {
		if links[i].to == to {
			links[i].seen = now
			return
		}
	}
	t.adj[from] = append(links, link{to: to, seen: now})
}

// RemoveDirectLink removes the edge a-b. Missing edges are a no-op.
func (t *Tracker) RemoveDirectLink(a, b peer.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeHalfLocked(a, b)
	t.removeHalfLocked(b, a)
}

func (t *Tracker) removeHalfLocked(from, to peer.ID) {
	links, ok := t.adj[from]
	if !ok {
		return
	}
	for i := range links {
		if links[i].to == to {
			links = append(links[:i:i], links[i+1:]...)
			break
		}
	}
	if len(links) == 0 {
		delete(t.adj, from)
		return
	}
	t.adj[from] = links
}

// RecordRoute adds an edge for every consecutive pair in path.
func (t *Tracker) RecordRoute(path []peer.ID) {
	if len(path) < 2 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	for i := 0; i+1 < len(path); i++ {
		if path[i] == path[i+1] {
			continue
		}
		t.addHalfLocked(path[i], path[i+1], now)
		t.addHalfLocked(path[i+1], path[i], now)
	}
}

// UpdateNeighbors makes neighbors the complete set of peers directly linked
// to id, as reported by id's own announcement.
func (t *Tracker) UpdateNeighbors(id peer.ID, neighbors []peer.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	want := make(map[peer.ID]bool, len(neighbors))
	for _, n := range neighbors {
		if n != id {
			want[n] = true
		}
	}
	for _, l := range append([]link(nil), t.adj[id]...) {
		if !want[l.to] {
			t.removeHalfLocked(id, l.to)
			t.removeHalfLocked(l.to, id)
		}
	}

	now := t.clock.Now()
	for _, n := range neighbors {
		if n == id {
			continue
		}
		t.addHalfLocked(id, n, now)
		t.addHalfLocked(n, id, now)
	}
}

// RemovePeer removes id and every edge touching it.
func (t *Tracker) RemovePeer(id peer.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, l := range t.adj[id] {
		t.removeHalfLocked(l.to, id)
	}
	delete(t.adj, id)
}

// PruneStale removes edges not refreshed within maxAge of now and returns
// how many were removed.
func (t *Tracker) PruneStale(maxAge time.Duration, now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	type pair struct{ a, b peer.ID }
	var stale []pair
	for from, links := range t.adj {
		for _, l := range links {
			if from.Less(l.to) && now.Sub(l.seen) > maxAge {
				stale = append(stale, pair{from, l.to})
			}
		}
	}
	for _, p := range stale {
		t.removeHalfLocked(p.a, p.b)
		t.removeHalfLocked(p.b, p.a)
	}

	if len(stale) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Tracker.PruneStale",
			"removed":  len(stale),
		}).Debug("Pruned stale links")
	}
	return len(stale)
}

// Neighbors returns the peers directly linked to id in insertion order.
func (t *Tracker) Neighbors(id peer.ID) []peer.ID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	links := t.adj[id]
	out := make([]peer.ID, len(links))
	for i, l := range links {
		out[i] = l.to
	}
	return out
}

// NodeCount returns the number of peers with at least one edge.
func (t *Tracker) NodeCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.adj)
}

// EdgeCount returns the number of undirected edges.
func (t *Tracker) EdgeCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, links := range t.adj {
		n += len(links)
	}
	return n / 2
}

// ComputeRoute returns a fewest-hop path from one peer to another,
// including both endpoints. It reports false when either endpoint is
// unknown or no path exists.
func (t *Tracker) ComputeRoute(from, to peer.ID) ([]peer.ID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if _, ok := t.adj[from]; !ok {
		return nil, false
	}
	if _, ok := t.adj[to]; !ok {
		return nil, false
	}
	if from == to {
		return []peer.ID{from}, true
	}

	prev := map[peer.ID]peer.ID{from: from}
	queue := []peer.ID{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, l := range t.adj[cur] {
			if _, seen := prev[l.to]; seen {
				continue
			}
			prev[l.to] = cur
			if l.to == to {
				return buildPath(prev, from, to), true
			}
			queue = append(queue, l.to)
		}
	}
	return nil, false
}

func buildPath(prev map[peer.ID]peer.ID, from, to peer.ID) []peer.ID {
	var rev []peer.ID
	for cur := to; cur != from; cur = prev[cur] {
		rev = append(rev, cur)
	}
	rev = append(rev, from)

	out := make([]peer.ID, len(rev))
	for i, id := range rev {
		out[len(rev)-1-i] = id
	}
	return out
}
