// Package interfaces defines the outbound delivery abstraction shared by the
// gossip engine and the mesh node.
//
// [Delegate] is the only path by which core components place packets on the
// wire. Implementations treat sends as fire-and-forget: the caller never
// depends on a return value, and transport failures are the delegate's
// concern.
//
//	type linkDelegate struct{ links []*transport.Link }
//
//	func (d *linkDelegate) SendPacket(p *transport.Packet) {
//	    for _, l := range d.links {
//	        _ = l.Send(p)
//	    }
//	}
//
// [NopDelegate] discards everything and is used when no transport is wired.
package interfaces
