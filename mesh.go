package bitmesh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/bitmesh/crypto"
	"github.com/opd-ai/bitmesh/gossip"
	"github.com/opd-ai/bitmesh/interfaces"
	"github.com/opd-ai/bitmesh/limits"
	"github.com/opd-ai/bitmesh/metrics"
	"github.com/opd-ai/bitmesh/noise"
	"github.com/opd-ai/bitmesh/peer"
	"github.com/opd-ai/bitmesh/topology"
	"github.com/opd-ai/bitmesh/transport"
)

var (
	// ErrClosed is returned by operations on a closed node.
	ErrClosed = errors.New("mesh closed")
	// ErrNoLinks is returned when there is nowhere to send a packet.
	ErrNoLinks = errors.New("no links")
	// ErrSelf is returned when addressing the local node.
	ErrSelf = errors.New("cannot address self")
	// ErrPendingQueueFull is returned when too many private messages wait
	// on one handshake.
	ErrPendingQueueFull = errors.New("pending message queue full")
)

// maxPendingPerPeer bounds private messages queued behind a handshake.
const maxPendingPerPeer = 64

// Message is a public or private chat message delivered to the application.
type Message struct {
	Sender    peer.ID
	Nickname  string
	Content   []byte
	Timestamp time.Time
	Private   bool
}

// PeerInfo is what the node knows about a peer from its announcements.
type PeerInfo struct {
	ID           peer.ID
	Nickname     string
	NoiseKey     [32]byte
	SigningKey   [32]byte
	LastAnnounce time.Time
	// Direct is set while a link to the peer is bound.
	Direct bool
}

// MessageCallback receives delivered messages.
type MessageCallback func(msg Message)

// PeerCallback receives peer lifecycle notifications.
type PeerCallback func(info PeerInfo)

// FileMessage is a file broadcast delivered to the application.
type FileMessage struct {
	Sender    peer.ID
	Nickname  string
	File      *FilePacket
	Timestamp time.Time
}

// FileCallback receives delivered files.
type FileCallback func(msg FileMessage)

type linkState struct {
	link  *transport.Link
	peer  peer.ID
	bound bool
}

// Mesh is one mesh node: it owns the links, the session manager, the
// gossip engine and the topology graph, and dispatches every inbound
// packet to them.
type Mesh struct {
	opts     Options
	identity *crypto.Identity
	id       peer.ID
	clock    crypto.TimeProvider

	sessions *noise.SessionManager
	gossip   *gossip.Engine
	topo     *topology.Tracker
	metrics  *metrics.Metrics
	seen     *lru.Cache

	mu        sync.RWMutex
	links     map[string]*linkState
	byPeer    map[peer.ID]string
	peers     map[peer.ID]*PeerInfo
	listeners []*transport.TCPListener
	closed    bool

	pendingMu sync.Mutex
	pending   map[peer.ID][][]byte

	callbackMu       sync.RWMutex
	onMessage        MessageCallback
	onPrivateMessage MessageCallback
	onPeerDiscovered PeerCallback
	onPeerLeft       PeerCallback
	onFile           FileCallback

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ interfaces.Delegate = (*Mesh)(nil)

// New creates a node, loading or generating its identity from opts.Store.
func New(opts Options) (*Mesh, error) {
	if opts.TTL == 0 {
		return nil, ErrInvalidTTL
	}
	explicitClock := opts.TimeProvider != nil
	opts = opts.withDefaults()
	if opts.Gossip == (gossip.Config{}) {
		opts.Gossip = gossip.DefaultConfig()
	}
	nickname, err := limits.ValidateNickname(opts.Nickname)
	if err != nil {
		return nil, err
	}
	opts.Nickname = nickname
	if err := opts.Gossip.Validate(); err != nil {
		return nil, fmt.Errorf("gossip config: %w", err)
	}
	if opts.Store == nil {
		opts.Store = crypto.NewMemoryStore()
	}
	if opts.Session.TimeProvider == nil || explicitClock {
		opts.Session.TimeProvider = opts.TimeProvider
	}

	identity, err := crypto.LoadOrCreateIdentity(opts.Store)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	seen, err := lru.New(opts.RelayCacheSize)
	if err != nil {
		return nil, fmt.Errorf("relay cache: %w", err)
	}

	m := &Mesh{
		opts:     opts,
		identity: identity,
		id:       peer.FromNoiseKey(identity.Static.Public[:]),
		clock:    opts.TimeProvider,
		topo:     topology.NewTracker(),
		metrics:  metrics.New(),
		seen:     seen,
		links:    make(map[string]*linkState),
		byPeer:   make(map[peer.ID]string),
		peers:    make(map[peer.ID]*PeerInfo),
		pending:  make(map[peer.ID][][]byte),
	}
	m.topo.SetTimeProvider(opts.TimeProvider)
	m.sessions = noise.NewSessionManager(identity.Static, opts.Store, opts.Session)
	m.sessions.OnSessionEstablished(m.sessionEstablished)
	m.sessions.OnSessionFailed(m.sessionFailed)
	m.gossip = gossip.NewEngine(m.id, opts.Gossip, m)
	m.gossip.SetTimeProvider(opts.TimeProvider)

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"peer_id":  m.id.String(),
		"nickname": opts.Nickname,
	}).Info("Mesh node created")
	return m, nil
}

// ID returns the local peer identifier.
func (m *Mesh) ID() peer.ID { return m.id }

// Nickname returns the nickname carried in announcements.
func (m *Mesh) Nickname() string { return m.opts.Nickname }

// Metrics returns the node's collectors.
func (m *Mesh) Metrics() *metrics.Metrics { return m.metrics }

// Sessions returns the secure session manager.
func (m *Mesh) Sessions() *noise.SessionManager { return m.sessions }

// Gossip returns the gossip sync engine.
func (m *Mesh) Gossip() *gossip.Engine { return m.gossip }

// Topology returns the topology graph.
func (m *Mesh) Topology() *topology.Tracker { return m.topo }

// OnMessage registers the callback for public messages.
func (m *Mesh) OnMessage(fn MessageCallback) {
	m.callbackMu.Lock()
	defer m.callbackMu.Unlock()
	m.onMessage = fn
}

// OnPrivateMessage registers the callback for decrypted private messages.
func (m *Mesh) OnPrivateMessage(fn MessageCallback) {
	m.callbackMu.Lock()
	defer m.callbackMu.Unlock()
	m.onPrivateMessage = fn
}

// OnPeerDiscovered registers the callback for first announcements.
func (m *Mesh) OnPeerDiscovered(fn PeerCallback) {
	m.callbackMu.Lock()
	defer m.callbackMu.Unlock()
	m.onPeerDiscovered = fn
}

// OnPeerLeft registers the callback for leave notices.
func (m *Mesh) OnPeerLeft(fn PeerCallback) {
	m.callbackMu.Lock()
	defer m.callbackMu.Unlock()
	m.onPeerLeft = fn
}

// OnFile registers the callback for file broadcasts.
func (m *Mesh) OnFile(fn FileCallback) {
	m.callbackMu.Lock()
	defer m.callbackMu.Unlock()
	m.onFile = fn
}

// Start runs gossip maintenance, periodic announcements, topology pruning
// and rekeying until ctx is cancelled or Close is called.
func (m *Mesh) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.gossip.Start(ctx)

	m.wg.Add(1)
	go m.maintenanceLoop(ctx)
}

func (m *Mesh) maintenanceLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.AnnounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.maintain()
		}
	}
}

// maintain runs one round of periodic work.
func (m *Mesh) maintain() {
	if err := m.Announce(); err != nil && !errors.Is(err, ErrNoLinks) {
		logrus.WithFields(logrus.Fields{
			"function": "Mesh.maintain",
			"error":    err.Error(),
		}).Warn("Periodic announce failed")
	}

	for _, id := range m.directPeers() {
		m.topo.RecordDirectLink(m.id, id)
	}
	m.topo.PruneStale(m.opts.TopologyMaxAge, m.clock.Now())

	m.retryStalledHandshakes()
	for _, id := range m.sessions.SessionsNeedingRekey() {
		if m.sessions.HandshakeInFlight(id) {
			continue
		}
		if err := m.startHandshake(id); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Mesh.maintain",
				"peer_id":  id.String(),
				"error":    err.Error(),
			}).Debug("Rekey handshake failed to start")
		}
	}
	m.updateGauges()
}

func (m *Mesh) updateGauges() {
	m.mu.RLock()
	links := len(m.links)
	m.mu.RUnlock()
	m.metrics.ActiveLinks.Set(float64(links))
	m.metrics.EstablishedPeers.Set(float64(len(m.sessions.EstablishedPeers())))
	m.metrics.GossipPeers.Set(float64(m.gossip.PeerCount()))
	m.metrics.TopologyNodes.Set(float64(m.topo.NodeCount()))
}

// AddConn wraps conn in a link, starts reading, and greets the peer. It
// returns the link ID.
func (m *Mesh) AddConn(conn net.Conn) (string, error) {
	cfg := m.opts.Link
	cfg.Events = transport.LinkEvents{
		OnDroppedBytes: func(n int) { m.metrics.DroppedBytes.Add(float64(n)) },
		OnDecodeError:  func(error) { m.metrics.DecodeErrors.Inc() },
		OnReset:        func() { m.metrics.AssemblerResets.Inc() },
	}
	link := transport.NewLink(conn, m.handlePacket, m.linkClosed, cfg)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return "", ErrClosed
	}
	m.links[link.ID()] = &linkState{link: link}
	m.mu.Unlock()

	link.Start()
	m.updateGauges()

	logrus.WithFields(logrus.Fields{
		"function": "Mesh.AddConn",
		"link_id":  link.ID(),
		"remote":   conn.RemoteAddr().String(),
	}).Info("Link added")

	hello, err := m.announcePacket(0)
	if err != nil {
		return link.ID(), err
	}
	m.sendOnLink(link, hello)
	return link.ID(), nil
}

// Listen accepts TCP links on addr and returns the bound address.
func (m *Mesh) Listen(addr string) (net.Addr, error) {
	listener, err := transport.ListenTCP(addr, func(conn net.Conn) {
		if _, err := m.AddConn(conn); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Mesh.Listen",
				"error":    err.Error(),
			}).Debug("Inbound link not added")
		}
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		listener.Close()
		return nil, ErrClosed
	}
	m.listeners = append(m.listeners, listener)
	m.mu.Unlock()
	return listener.Addr(), nil
}

// Dial opens a TCP link to addr.
func (m *Mesh) Dial(ctx context.Context, addr string) (string, error) {
	conn, err := transport.DialTCP(ctx, addr, m.opts.DialTimeout)
	if err != nil {
		return "", err
	}
	return m.AddConn(conn)
}

// LinkCount returns the number of open links.
func (m *Mesh) LinkCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.links)
}

// Peers returns every announced peer, sorted by ID.
func (m *Mesh) Peers() []PeerInfo {
	m.mu.RLock()
	out := make([]PeerInfo, 0, len(m.peers))
	for _, p := range m.peers {
		info := *p
		_, info.Direct = m.byPeer[p.ID]
		out = append(out, info)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}

// Peer returns what is known about id.
func (m *Mesh) Peer(id peer.ID) (PeerInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[id]
	if !ok {
		return PeerInfo{}, false
	}
	info := *p
	_, info.Direct = m.byPeer[id]
	return info, true
}

// Route returns the fewest-hop path from this node to id.
func (m *Mesh) Route(id peer.ID) ([]peer.ID, bool) {
	return m.topo.ComputeRoute(m.id, id)
}

// ComputeRoute returns the fewest-hop path between any two known peers.
func (m *Mesh) ComputeRoute(from, to peer.ID) ([]peer.ID, bool) {
	return m.topo.ComputeRoute(from, to)
}

// SessionStats returns counters for each established secure session.
func (m *Mesh) SessionStats() map[peer.ID]noise.SessionStats {
	return m.sessions.SessionStats()
}

func (m *Mesh) directPeers() []peer.ID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]peer.ID, 0, len(m.byPeer))
	for id := range m.byPeer {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func (m *Mesh) timestamp() uint64 {
	return uint64(m.clock.Now().UnixMilli())
}

// announcePacket builds a signed announcement with the given TTL. A TTL of
// zero marks a link-local greeting.
func (m *Mesh) announcePacket(ttl uint8) (*transport.Packet, error) {
	ann := &Announcement{
		Nickname:   m.opts.Nickname,
		NoiseKey:   m.identity.Static.Public,
		SigningKey: m.identity.Signing.PublicKey(),
		Neighbors:  m.directPeers(),
	}
	p := transport.NewPacket(transport.TypeAnnounce, m.id, ann.Encode(), ttl, m.timestamp())
	return crypto.SignPacket(p, m.identity.Signing)
}

// Announce broadcasts this node's announcement.
func (m *Mesh) Announce() error {
	p, err := m.announcePacket(m.opts.TTL)
	if err != nil {
		return err
	}
	return m.broadcast(p, "")
}

// SendPublicMessage signs and broadcasts content.
func (m *Mesh) SendPublicMessage(content []byte) error {
	if err := limits.ValidateMessageSize(content, limits.MaxPayload); err != nil {
		return err
	}
	p := transport.NewPacket(transport.TypeMessage, m.id, content, m.opts.TTL, m.timestamp())
	signed, err := crypto.SignPacket(p, m.identity.Signing)
	if err != nil {
		return err
	}
	m.seen.Add(seenKeyOf(signed), struct{}{})
	return m.broadcast(signed, "")
}

// SendFile signs and broadcasts a file. The encoded file must fit in one
// packet payload.
func (m *Mesh) SendFile(file *FilePacket) error {
	payload, err := file.Encode()
	if err != nil {
		return err
	}
	if err := limits.ValidatePayload(payload); err != nil {
		return err
	}
	p := transport.NewPacket(transport.TypeFileTransfer, m.id, payload, m.opts.TTL, m.timestamp())
	signed, err := crypto.SignPacket(p, m.identity.Signing)
	if err != nil {
		return err
	}
	m.seen.Add(seenKeyOf(signed), struct{}{})
	return m.broadcast(signed, "")
}

// SendPrivateMessage encrypts content for id. Without an established
// session the message is queued and a handshake is started.
func (m *Mesh) SendPrivateMessage(id peer.ID, content []byte) error {
	if id == m.id {
		return ErrSelf
	}
	if err := limits.ValidateMessageSize(content, limits.MaxPayload-limits.EncryptionOverhead); err != nil {
		return err
	}
	if m.sessions.HasEstablishedSession(id) {
		return m.sendEncrypted(id, content)
	}

	m.pendingMu.Lock()
	queue := m.pending[id]
	if len(queue) >= maxPendingPerPeer {
		m.pendingMu.Unlock()
		return ErrPendingQueueFull
	}
	m.pending[id] = append(queue, append([]byte(nil), content...))
	m.pendingMu.Unlock()

	if m.sessions.HandshakeInFlight(id) {
		return nil
	}
	return m.startHandshake(id)
}

// retryStalledHandshakes abandons handshakes past their timeout and starts
// a fresh one for every peer that still has messages queued.
func (m *Mesh) retryStalledHandshakes() {
	m.sessions.ExpireHandshakes()

	m.pendingMu.Lock()
	waiting := make([]peer.ID, 0, len(m.pending))
	for id, queue := range m.pending {
		if len(queue) > 0 {
			waiting = append(waiting, id)
		}
	}
	m.pendingMu.Unlock()

	for _, id := range waiting {
		if m.sessions.HasEstablishedSession(id) || m.sessions.HandshakeInFlight(id) {
			continue
		}
		if err := m.startHandshake(id); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Mesh.retryStalledHandshakes",
				"peer_id":  id.String(),
				"error":    err.Error(),
			}).Debug("Handshake retry not sent")
		}
	}
}

func (m *Mesh) sendEncrypted(id peer.ID, content []byte) error {
	ciphertext, err := m.sessions.Encrypt(content, id)
	if err != nil {
		return err
	}
	p := transport.NewPacket(transport.TypeNoiseEncrypted, m.id, ciphertext, m.opts.TTL, m.timestamp())
	return m.sendTo(id, p)
}

func (m *Mesh) startHandshake(id peer.ID) error {
	msg, err := m.sessions.InitiateHandshake(id)
	if err != nil {
		m.metrics.HandshakesTotal.WithLabelValues("failed").Inc()
		return err
	}
	m.metrics.HandshakesTotal.WithLabelValues("initiated").Inc()
	p := transport.NewPacket(transport.TypeNoiseHandshake, m.id, msg, m.opts.TTL, m.timestamp())
	return m.sendTo(id, p)
}

// flushPending sends every message queued for id over its session.
func (m *Mesh) flushPending(id peer.ID) {
	m.pendingMu.Lock()
	queue := m.pending[id]
	delete(m.pending, id)
	m.pendingMu.Unlock()

	for _, content := range queue {
		if err := m.sendEncrypted(id, content); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Mesh.flushPending",
				"peer_id":  id.String(),
				"error":    err.Error(),
			}).Warn("Queued private message not sent")
		}
	}
}

// PendingCount returns how many private messages wait on a handshake
// with id.
func (m *Mesh) PendingCount(id peer.ID) int {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	return len(m.pending[id])
}

func (m *Mesh) sessionEstablished(id peer.ID, _ []byte) {
	m.metrics.HandshakesTotal.WithLabelValues("established").Inc()
	logrus.WithFields(logrus.Fields{
		"function": "Mesh.sessionEstablished",
		"peer_id":  id.String(),
	}).Info("Secure session established")
}

func (m *Mesh) sessionFailed(id peer.ID, err error) {
	logrus.WithFields(logrus.Fields{
		"function": "Mesh.sessionFailed",
		"peer_id":  id.String(),
		"error":    err.Error(),
	}).Warn("Secure session dropped")
}

// SendPacket broadcasts p on every link.
func (m *Mesh) SendPacket(p *transport.Packet) {
	m.countSync(p)
	if err := m.broadcast(p, ""); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Mesh.SendPacket",
			"type":     p.Type.String(),
			"error":    err.Error(),
		}).Debug("Broadcast not sent")
	}
}

// SendPacketTo delivers p to id, directly when a link to id is bound and
// by flooding otherwise.
func (m *Mesh) SendPacketTo(id peer.ID, p *transport.Packet) {
	m.countSync(p)
	if err := m.sendTo(id, p); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Mesh.SendPacketTo",
			"peer_id":  id.String(),
			"type":     p.Type.String(),
			"error":    err.Error(),
		}).Debug("Directed packet not sent")
	}
}

func (m *Mesh) countSync(p *transport.Packet) {
	if p.Type == transport.TypeRequestSync {
		m.metrics.SyncRequestsSent.Inc()
	}
}

// SignPacketForBroadcast signs p with the node's signing key. On failure
// the packet is returned unsigned.
func (m *Mesh) SignPacketForBroadcast(p *transport.Packet) *transport.Packet {
	signed, err := crypto.SignPacket(p, m.identity.Signing)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Mesh.SignPacketForBroadcast",
			"error":    err.Error(),
		}).Error("Signing failed")
		return p
	}
	return signed
}

func (m *Mesh) sendTo(id peer.ID, p *transport.Packet) error {
	p.RecipientID = id.Bytes()

	m.mu.RLock()
	linkID, direct := m.byPeer[id]
	var link *transport.Link
	if direct {
		link = m.links[linkID].link
	}
	m.mu.RUnlock()

	if link != nil {
		return m.sendOnLink(link, p)
	}
	return m.broadcast(p, "")
}

// broadcast sends p on every link except the one with ID except.
func (m *Mesh) broadcast(p *transport.Packet, except string) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*transport.Link, 0, len(m.links))
	for id, ls := range m.links {
		if id != except {
			targets = append(targets, ls.link)
		}
	}
	m.mu.RUnlock()

	if len(targets) == 0 {
		return ErrNoLinks
	}
	var firstErr error
	sent := 0
	for _, link := range targets {
		if err := m.sendOnLink(link, p); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		sent++
	}
	if sent == 0 {
		return firstErr
	}
	return nil
}

func (m *Mesh) sendOnLink(link *transport.Link, p *transport.Packet) error {
	if err := link.Send(p); err != nil {
		return err
	}
	m.metrics.PacketsSent.WithLabelValues(p.Type.String()).Inc()
	return nil
}

func (m *Mesh) linkClosed(link *transport.Link) {
	m.mu.Lock()
	ls, ok := m.links[link.ID()]
	delete(m.links, link.ID())
	var unbound peer.ID
	if ok && ls.bound && m.byPeer[ls.peer] == link.ID() {
		delete(m.byPeer, ls.peer)
		unbound = ls.peer
	}
	m.mu.Unlock()

	if !unbound.IsZero() {
		m.topo.RemoveDirectLink(m.id, unbound)
	}
	m.updateGauges()

	logrus.WithFields(logrus.Fields{
		"function": "Mesh.linkClosed",
		"link_id":  link.ID(),
	}).Info("Link closed")
}

// Close sends a leave notice, stops background work and closes every link
// and listener.
func (m *Mesh) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	leave := transport.NewPacket(transport.TypeLeave, m.id, nil, m.opts.TTL, m.timestamp())
	if signed, err := crypto.SignPacket(leave, m.identity.Signing); err == nil {
		_ = m.broadcast(signed, "")
	}

	m.runMu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.runMu.Unlock()
	m.gossip.Stop()
	m.wg.Wait()

	m.mu.Lock()
	m.closed = true
	listeners := m.listeners
	m.listeners = nil
	links := make([]*transport.Link, 0, len(m.links))
	for _, ls := range m.links {
		links = append(links, ls.link)
	}
	m.mu.Unlock()

	for _, l := range listeners {
		l.Close()
	}
	for _, l := range links {
		l.Close()
	}

	logrus.WithFields(logrus.Fields{
		"function": "Mesh.Close",
		"peer_id":  m.id.String(),
	}).Info("Mesh node closed")
	return nil
}
