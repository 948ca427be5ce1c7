package gossip

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/opd-ai/bitmesh/crypto"
	"github.com/opd-ai/bitmesh/interfaces"
	"github.com/opd-ai/bitmesh/peer"
	"github.com/opd-ai/bitmesh/transport"
)

// Kind is how the engine interprets a packet type. The wire keeps the raw
// byte; unknown values classify as KindOther.
type Kind int

const (
	KindOther Kind = iota
	KindAnnounce
	KindMessage
)

// Classify maps a wire type to its gossip kind.
func Classify(t transport.MessageType) Kind {
	switch t {
	case transport.TypeAnnounce:
		return KindAnnounce
	case transport.TypeMessage:
		return KindMessage
	default:
		return KindOther
	}
}

// peerState is what the engine remembers about one sender.
type peerState struct {
	announcement *transport.Packet
	lastSeen     time.Time
	messages     *lru.Cache // [16]byte packet ID -> *transport.Packet
}

// Stats counts engine activity since creation.
type Stats struct {
	Accepted       uint64
	Duplicates     uint64
	StaleAnnounces uint64
	OldMessages    uint64
	PeersPurged    uint64
	SyncsSent      uint64
	SyncsLimited   uint64
}

// Engine tracks which announcements and public messages have been seen
// from which peers, purges silent peers, and asks neighbours for anything
// missing. All state mutation goes through one mutex, so ingestion is safe
// from any number of goroutines.
type Engine struct {
	myID     peer.ID
	config   Config
	delegate interfaces.Delegate
	clock    crypto.TimeProvider
	limiter  *rate.Limiter

	mu               sync.Mutex
	peers            map[peer.ID]*peerState
	lastStaleCleanup time.Time

	timerMu sync.Mutex
	timers  map[*time.Timer]struct{}

	runMu   sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool

	accepted, duplicates, staleAnnounces, oldMessages atomic.Uint64
	peersPurged, syncsSent, syncsLimited              atomic.Uint64
}

// NewEngine creates an engine for the local peer myID. A nil delegate
// discards outbound packets.
func NewEngine(myID peer.ID, config Config, delegate interfaces.Delegate) *Engine {
	config = config.withDefaults()
	if delegate == nil {
		delegate = interfaces.NopDelegate{}
	}

	limit := rate.Inf
	if config.MinSyncSpacing > 0 {
		limit = rate.Every(config.MinSyncSpacing)
	}

	return &Engine{
		myID:     myID,
		config:   config,
		delegate: delegate,
		clock:    crypto.GetDefaultTimeProvider(),
		limiter:  rate.NewLimiter(limit, config.SyncBurst),
		peers:    make(map[peer.ID]*peerState),
		timers:   make(map[*time.Timer]struct{}),
	}
}

// SetTimeProvider replaces the clock used for ingestion and sync requests.
func (e *Engine) SetTimeProvider(tp crypto.TimeProvider) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if tp == nil {
		tp = crypto.DefaultTimeProvider{}
	}
	e.clock = tp
}

func (e *Engine) now() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clock.Now()
}

// OnPublicPacketSeen records a broadcast packet. Announcements older than
// the stale timeout and messages older than the maximum age are ignored.
// Other packet kinds are not tracked.
func (e *Engine) OnPublicPacketSeen(p *transport.Packet) {
	if p == nil {
		return
	}
	kind := Classify(p.Type)
	if kind == KindOther {
		return
	}
	sender := p.Sender()
	if sender == e.myID {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	sent := time.UnixMilli(int64(p.Timestamp))
	seen := sent
	if seen.After(now) {
		seen = now
	}

	switch kind {
	case KindAnnounce:
		if now.Sub(sent) >= e.config.StalePeerTimeout {
			e.staleAnnounces.Add(1)
			logrus.WithFields(logrus.Fields{
				"function":  "Engine.OnPublicPacketSeen",
				"peer_id":   sender.String(),
				"timestamp": p.Timestamp,
			}).Debug("Ignoring stale announcement")
			return
		}
		state := e.stateLocked(sender)
		if state.announcement == nil || p.Timestamp >= state.announcement.Timestamp {
			state.announcement = p.Clone()
		}
		if seen.After(state.lastSeen) {
			state.lastSeen = seen
		}
		e.accepted.Add(1)

	case KindMessage:
		if now.Sub(sent) >= e.config.MaxMessageAge {
			e.oldMessages.Add(1)
			return
		}
		state := e.stateLocked(sender)
		id := transport.PacketID(p)
		if state.messages.Contains(id) {
			e.duplicates.Add(1)
			return
		}
		state.messages.Add(id, p.Clone())
		if seen.After(state.lastSeen) {
			state.lastSeen = seen
		}
		e.accepted.Add(1)
	}
}

// stateLocked returns the record for id, creating it. Caller holds e.mu.
func (e *Engine) stateLocked(id peer.ID) *peerState {
	if s, ok := e.peers[id]; ok {
		return s
	}
	cache, err := lru.New(e.config.SeenCapacity)
	if err != nil {
		// capacity is validated positive by withDefaults
		panic(err)
	}
	s := &peerState{messages: cache}
	e.peers[id] = s
	return s
}

// PerformMaintenance expires old messages and, at most once per
// StalePeerCleanupInterval, purges peers that are stale or never announced.
// A purged peer loses its announcement and all its messages together.
func (e *Engine) PerformMaintenance(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := uint64(now.Add(-e.config.MaxMessageAge).UnixMilli())
	for _, state := range e.peers {
		for _, key := range state.messages.Keys() {
			v, ok := state.messages.Peek(key)
			if !ok {
				continue
			}
			if v.(*transport.Packet).Timestamp < cutoff {
				state.messages.Remove(key)
			}
		}
	}

	if !e.lastStaleCleanup.IsZero() && now.Sub(e.lastStaleCleanup) < e.config.StalePeerCleanupInterval {
		return
	}
	e.lastStaleCleanup = now

	for id, state := range e.peers {
		if state.announcement != nil && now.Sub(state.lastSeen) < e.config.StalePeerTimeout {
			continue
		}
		delete(e.peers, id)
		e.peersPurged.Add(1)
		logrus.WithFields(logrus.Fields{
			"function":  "Engine.PerformMaintenance",
			"peer_id":   id.String(),
			"announced": state.announcement != nil,
			"messages":  state.messages.Len(),
		}).Debug("Purged peer")
	}
}

// RemovePeer forgets a peer immediately, as on an explicit leave.
func (e *Engine) RemovePeer(id peer.ID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.peers, id)
}

// HasAnnouncement reports whether an announcement is held for id.
func (e *Engine) HasAnnouncement(id peer.ID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.peers[id]
	return ok && s.announcement != nil
}

// Announcement returns a copy of the latest announcement from id.
func (e *Engine) Announcement(id peer.ID) (*transport.Packet, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.peers[id]
	if !ok || s.announcement == nil {
		return nil, false
	}
	return s.announcement.Clone(), true
}

// MessageCount returns how many messages are remembered for id.
func (e *Engine) MessageCount(id peer.ID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.peers[id]; ok {
		return s.messages.Len()
	}
	return 0
}

// PeerCount returns the number of tracked peers.
func (e *Engine) PeerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.peers)
}

// AnnouncedPeers lists peers with a held announcement, sorted.
func (e *Engine) AnnouncedPeers() []peer.ID {
	e.mu.Lock()
	out := make([]peer.ID, 0, len(e.peers))
	for id, s := range e.peers {
		if s.announcement != nil {
			out = append(out, id)
		}
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Stats returns a snapshot of the activity counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Accepted:       e.accepted.Load(),
		Duplicates:     e.duplicates.Load(),
		StaleAnnounces: e.staleAnnounces.Load(),
		OldMessages:    e.oldMessages.Load(),
		PeersPurged:    e.peersPurged.Load(),
		SyncsSent:      e.syncsSent.Load(),
		SyncsLimited:   e.syncsLimited.Load(),
	}
}

// BuildSyncRequest summarizes every held announcement and message.
func (e *Engine) BuildSyncRequest() *RequestSync {
	e.mu.Lock()
	now := e.clock.Now()
	var ids [][16]byte
	for _, s := range e.peers {
		if s.announcement != nil {
			ids = append(ids, transport.PacketID(s.announcement))
		}
		for _, key := range s.messages.Keys() {
			ids = append(ids, key.([16]byte))
		}
	}
	e.mu.Unlock()

	since := uint64(now.Add(-e.config.MaxMessageAge).UnixMilli())
	return NewRequestSync(ids, since, e.config.FilterFalsePositiveRate, e.config.FilterMaxBytes)
}

// syncPacket wraps a request in a signed RequestSync packet. Sync
// requests are never relayed.
func (e *Engine) syncPacket(to *peer.ID) *transport.Packet {
	req := e.BuildSyncRequest()
	p := transport.NewPacket(transport.TypeRequestSync, e.myID, req.Encode(), 0, uint64(e.now().UnixMilli()))
	if to != nil {
		p.RecipientID = to.Bytes()
	}
	return e.delegate.SignPacketForBroadcast(p)
}

// SendSyncRequestTo sends a directed sync request to id now.
func (e *Engine) SendSyncRequestTo(id peer.ID) {
	e.delegate.SendPacketTo(id, e.syncPacket(&id))
	e.syncsSent.Add(1)
	logrus.WithFields(logrus.Fields{
		"function": "Engine.SendSyncRequestTo",
		"peer_id":  id.String(),
	}).Debug("Sent sync request")
}

// TriggerSync broadcasts a sync request unless the rate limit is
// exhausted. It reports whether a request was sent.
func (e *Engine) TriggerSync() bool {
	if !e.limiter.Allow() {
		e.syncsLimited.Add(1)
		return false
	}
	e.delegate.SendPacket(e.syncPacket(nil))
	e.syncsSent.Add(1)
	return true
}

// ScheduleInitialSyncToPeer sends a directed sync request to a newly
// discovered peer after delay. It returns immediately.
func (e *Engine) ScheduleInitialSyncToPeer(id peer.ID, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	e.timerMu.Lock()
	defer e.timerMu.Unlock()

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		e.timerMu.Lock()
		delete(e.timers, timer)
		e.timerMu.Unlock()
		e.SendSyncRequestTo(id)
	})
	e.timers[timer] = struct{}{}
}

// Start runs maintenance and periodic sync in the background until ctx is
// cancelled or Stop is called.
func (e *Engine) Start(ctx context.Context) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.running {
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.running = true

	e.wg.Add(1)
	go e.maintenanceRoutine(ctx)
	if e.config.SyncInterval > 0 {
		e.wg.Add(1)
		go e.syncRoutine(ctx)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Engine.Start",
		"my_id":    e.myID.String(),
	}).Info("Gossip engine started")
}

// Stop halts the background routines and pending initial syncs.
func (e *Engine) Stop() {
	e.runMu.Lock()
	if !e.running {
		e.runMu.Unlock()
		return
	}
	e.running = false
	e.cancel()
	e.runMu.Unlock()

	e.wg.Wait()

	e.timerMu.Lock()
	for t := range e.timers {
		t.Stop()
		delete(e.timers, t)
	}
	e.timerMu.Unlock()
}

func (e *Engine) maintenanceRoutine(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.config.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.PerformMaintenance(e.now())
		}
	}
}

func (e *Engine) syncRoutine(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.TriggerSync()
		}
	}
}
