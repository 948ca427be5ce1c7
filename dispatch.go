package bitmesh

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/bitmesh/crypto"
	"github.com/opd-ai/bitmesh/gossip"
	"github.com/opd-ai/bitmesh/noise"
	"github.com/opd-ai/bitmesh/peer"
	"github.com/opd-ai/bitmesh/transport"
)

// seenKey identifies a packet for duplicate suppression. The signature is
// part of the key so a forged unsigned copy cannot shadow the real packet.
type seenKey struct {
	id  [16]byte
	sig [transport.SignatureSize]byte
}

func seenKeyOf(p *transport.Packet) seenKey {
	k := seenKey{id: transport.PacketID(p)}
	copy(k.sig[:], p.Signature)
	return k
}

// handlePacket is the link packet handler. Duplicates and packets failing
// signature checks are dropped, packets for other recipients are relayed,
// and the rest are dispatched by type.
func (m *Mesh) handlePacket(link *transport.Link, p *transport.Packet) {
	m.metrics.PacketsReceived.WithLabelValues(p.Type.String()).Inc()

	sender := p.Sender()
	if sender == m.id {
		return
	}
	if seen, _ := m.seen.ContainsOrAdd(seenKeyOf(p), struct{}{}); seen {
		return
	}

	var ann *Announcement
	switch p.Type {
	case transport.TypeAnnounce:
		var ok bool
		if ann, ok = m.verifyAnnouncement(p); !ok {
			return
		}
	case transport.TypeMessage, transport.TypeLeave, transport.TypeFileTransfer:
		if !m.verifyFromKnown(p) {
			logrus.WithFields(logrus.Fields{
				"function": "Mesh.handlePacket",
				"type":     p.Type.String(),
				"sender":   sender.String(),
			}).Warn("Dropping packet with invalid signature")
			return
		}
	}

	recipient, directed := p.Recipient()
	if directed && recipient != transport.BroadcastRecipient && recipient != m.id {
		m.relay(link, p)
		return
	}
	if !directed || recipient == transport.BroadcastRecipient {
		m.relay(link, p)
	}

	switch p.Type {
	case transport.TypeAnnounce:
		m.handleAnnounce(link, p, ann)
	case transport.TypeMessage:
		m.handleMessage(p)
	case transport.TypeLeave:
		m.handleLeave(p)
	case transport.TypeNoiseHandshake:
		m.handleHandshake(p, directed)
	case transport.TypeNoiseEncrypted:
		m.handleEncrypted(p, directed)
	case transport.TypeRequestSync:
		m.handleRequestSync(p)
	case transport.TypeFileTransfer:
		m.handleFile(p)
	default:
		logrus.WithFields(logrus.Fields{
			"function": "Mesh.handlePacket",
			"type":     p.Type.String(),
			"sender":   sender.String(),
		}).Debug("Ignoring packet type")
	}
}

// relay forwards p to every other link with one hop less. A packet whose
// TTL would reach zero is not forwarded, so TTL zero only ever arrives
// straight from its origin.
func (m *Mesh) relay(from *transport.Link, p *transport.Packet) {
	if p.TTL <= 1 {
		return
	}
	c := p.Clone()
	c.TTL--
	if err := m.broadcast(c, from.ID()); err != nil && !errors.Is(err, ErrNoLinks) {
		logrus.WithFields(logrus.Fields{
			"function": "Mesh.relay",
			"type":     p.Type.String(),
			"error":    err.Error(),
		}).Debug("Relay failed")
	}
}

// knownSigningKey returns the signing key announced by id.
func (m *Mesh) knownSigningKey(id peer.ID) ([32]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.peers[id]; ok {
		return p.SigningKey, true
	}
	return [32]byte{}, false
}

// verifyFromKnown rejects packets from announced peers that do not carry a
// valid signature. Packets from unannounced peers pass.
func (m *Mesh) verifyFromKnown(p *transport.Packet) bool {
	key, ok := m.knownSigningKey(p.Sender())
	if !ok {
		return true
	}
	return crypto.VerifyPacket(p, key)
}

// verifyAnnouncement decodes an announcement and checks that the carried
// Noise key derives the sender ID, that the carried signing key signed the
// packet and that a known sender kept its signing key.
func (m *Mesh) verifyAnnouncement(p *transport.Packet) (*Announcement, bool) {
	sender := p.Sender()
	ann, err := DecodeAnnouncement(p.Payload)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Mesh.verifyAnnouncement",
			"sender":   sender.String(),
			"error":    err.Error(),
		}).Warn("Dropping malformed announcement")
		return nil, false
	}
	if peer.FromNoiseKey(ann.NoiseKey[:]) != sender {
		logrus.WithFields(logrus.Fields{
			"function": "Mesh.verifyAnnouncement",
			"sender":   sender.String(),
		}).Warn("Announcement key does not match sender")
		return nil, false
	}
	if !crypto.VerifyPacket(p, ann.SigningKey) {
		logrus.WithFields(logrus.Fields{
			"function": "Mesh.verifyAnnouncement",
			"sender":   sender.String(),
		}).Warn("Announcement signature invalid")
		return nil, false
	}
	if known, ok := m.knownSigningKey(sender); ok && known != ann.SigningKey {
		logrus.WithFields(logrus.Fields{
			"function": "Mesh.verifyAnnouncement",
			"sender":   sender.String(),
		}).Warn("Signing key changed, ignoring announcement")
		return nil, false
	}
	return ann, true
}

func (m *Mesh) handleAnnounce(link *transport.Link, p *transport.Packet, ann *Announcement) {
	sender := p.Sender()
	m.gossip.OnPublicPacketSeen(p)

	m.mu.Lock()
	info, known := m.peers[sender]
	if known && info.SigningKey != ann.SigningKey {
		m.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "Mesh.handleAnnounce",
			"sender":   sender.String(),
		}).Warn("Signing key changed, ignoring announcement")
		return
	}
	if !known {
		info = &PeerInfo{ID: sender}
		m.peers[sender] = info
	}
	info.Nickname = ann.Nickname
	info.NoiseKey = ann.NoiseKey
	info.SigningKey = ann.SigningKey
	info.LastAnnounce = time.UnixMilli(int64(p.Timestamp))

	newlyBound := false
	if p.TTL == 0 {
		if ls, ok := m.links[link.ID()]; ok && !ls.bound {
			ls.peer = sender
			ls.bound = true
			m.byPeer[sender] = link.ID()
			newlyBound = true
		}
	}
	_, direct := m.byPeer[sender]
	snapshot := *info
	snapshot.Direct = direct
	m.mu.Unlock()

	m.topo.UpdateNeighbors(sender, ann.Neighbors)
	if direct {
		m.topo.RecordDirectLink(m.id, sender)
	}
	if newlyBound {
		m.gossip.ScheduleInitialSyncToPeer(sender, m.opts.InitialSyncDelay)
		m.updateGauges()
	}

	if !known {
		logrus.WithFields(logrus.Fields{
			"function": "Mesh.handleAnnounce",
			"peer_id":  sender.String(),
			"nickname": ann.Nickname,
			"direct":   direct,
		}).Info("Discovered peer")

		m.callbackMu.RLock()
		cb := m.onPeerDiscovered
		m.callbackMu.RUnlock()
		if cb != nil {
			cb(snapshot)
		}
	}
}

func (m *Mesh) handleMessage(p *transport.Packet) {
	sender := p.Sender()
	m.gossip.OnPublicPacketSeen(p)

	sent := time.UnixMilli(int64(p.Timestamp))
	if latency := m.clock.Now().Sub(sent); latency >= 0 {
		m.metrics.DeliveryLatencyMs.Observe(float64(latency.Milliseconds()))
	}

	m.callbackMu.RLock()
	cb := m.onMessage
	m.callbackMu.RUnlock()
	if cb != nil {
		cb(Message{
			Sender:    sender,
			Nickname:  m.nicknameOf(sender),
			Content:   append([]byte(nil), p.Payload...),
			Timestamp: sent,
		})
	}
}

func (m *Mesh) handleFile(p *transport.Packet) {
	sender := p.Sender()
	file, err := DecodeFilePacket(p.Payload)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Mesh.handleFile",
			"sender":   sender.String(),
			"error":    err.Error(),
		}).Warn("Dropping malformed file packet")
		return
	}

	m.callbackMu.RLock()
	cb := m.onFile
	m.callbackMu.RUnlock()
	if cb != nil {
		cb(FileMessage{
			Sender:    sender,
			Nickname:  m.nicknameOf(sender),
			File:      file,
			Timestamp: time.UnixMilli(int64(p.Timestamp)),
		})
	}
}

func (m *Mesh) nicknameOf(id peer.ID) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.peers[id]; ok {
		return p.Nickname
	}
	return ""
}

func (m *Mesh) handleLeave(p *transport.Packet) {
	sender := p.Sender()

	m.mu.Lock()
	info, known := m.peers[sender]
	delete(m.peers, sender)
	m.mu.Unlock()

	m.gossip.RemovePeer(sender)
	m.topo.RemovePeer(sender)
	m.sessions.RemoveSession(sender)
	m.pendingMu.Lock()
	delete(m.pending, sender)
	m.pendingMu.Unlock()
	m.updateGauges()

	logrus.WithFields(logrus.Fields{
		"function": "Mesh.handleLeave",
		"peer_id":  sender.String(),
	}).Info("Peer left")

	if known {
		m.callbackMu.RLock()
		cb := m.onPeerLeft
		m.callbackMu.RUnlock()
		if cb != nil {
			cb(*info)
		}
	}
}

func (m *Mesh) handleHandshake(p *transport.Packet, directed bool) {
	sender := p.Sender()
	if !directed {
		return
	}
	reply, err := m.sessions.HandleIncomingHandshake(sender, p.Payload)
	if err != nil {
		m.metrics.HandshakesTotal.WithLabelValues("failed").Inc()
		logrus.WithFields(logrus.Fields{
			"function": "Mesh.handleHandshake",
			"sender":   sender.String(),
			"error":    err.Error(),
		}).Warn("Handshake message rejected")
		return
	}
	if reply != nil {
		out := transport.NewPacket(transport.TypeNoiseHandshake, m.id, reply, m.opts.TTL, m.timestamp())
		m.SendPacketTo(sender, out)
	}
	if m.sessions.HasEstablishedSession(sender) {
		m.flushPending(sender)
	}
}

func (m *Mesh) handleEncrypted(p *transport.Packet, directed bool) {
	sender := p.Sender()
	if !directed {
		return
	}
	plaintext, err := m.sessions.Decrypt(p.Payload, sender)
	if err != nil {
		m.metrics.DecryptFailures.WithLabelValues(decryptFailureReason(err)).Inc()
		logrus.WithFields(logrus.Fields{
			"function": "Mesh.handleEncrypted",
			"sender":   sender.String(),
			"error":    err.Error(),
		}).Debug("Decrypt failed")
		return
	}

	m.callbackMu.RLock()
	cb := m.onPrivateMessage
	m.callbackMu.RUnlock()
	if cb != nil {
		cb(Message{
			Sender:    sender,
			Nickname:  m.nicknameOf(sender),
			Content:   plaintext,
			Timestamp: time.UnixMilli(int64(p.Timestamp)),
			Private:   true,
		})
	}
}

func decryptFailureReason(err error) string {
	switch {
	case errors.Is(err, noise.ErrReplayDetected):
		return "replay"
	case errors.Is(err, noise.ErrAuthenticationFailure):
		return "auth"
	case errors.Is(err, noise.ErrSessionNotFound), errors.Is(err, noise.ErrNotEstablished):
		return "no_session"
	default:
		return "malformed"
	}
}

func (m *Mesh) handleRequestSync(p *transport.Packet) {
	req, err := gossip.DecodeRequestSync(p.Payload)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Mesh.handleRequestSync",
			"sender":   p.Sender().String(),
			"error":    err.Error(),
		}).Debug("Dropping malformed sync request")
		return
	}
	logrus.WithFields(logrus.Fields{
		"function":   "Mesh.handleRequestSync",
		"sender":     p.Sender().String(),
		"request_id": req.RequestID.String(),
		"words":      len(req.Words),
	}).Debug("Sync request received")
}
