package interfaces

import (
	"github.com/opd-ai/bitmesh/peer"
	"github.com/opd-ai/bitmesh/transport"
)

// Delegate places packets on the wire for core components.
type Delegate interface {
	// SendPacket broadcasts a packet to every connected link.
	SendPacket(p *transport.Packet)

	// SendPacketTo delivers a packet toward a single peer.
	SendPacketTo(peerID peer.ID, p *transport.Packet)

	// SignPacketForBroadcast attaches sender authentication and returns the
	// packet to send. Implementations may return the input unchanged.
	SignPacketForBroadcast(p *transport.Packet) *transport.Packet
}

// NopDelegate drops every packet.
type NopDelegate struct{}

var _ Delegate = NopDelegate{}

// SendPacket does nothing.
func (NopDelegate) SendPacket(*transport.Packet) {}

// SendPacketTo does nothing.
func (NopDelegate) SendPacketTo(peer.ID, *transport.Packet) {}

// SignPacketForBroadcast returns p unchanged.
func (NopDelegate) SignPacketForBroadcast(p *transport.Packet) *transport.Packet { return p }
