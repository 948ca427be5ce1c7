// Package bitmesh implements the transport and security core of a
// peer-to-peer mesh messenger.
//
// A node relays short messages over unreliable, bandwidth-constrained
// byte-stream links. This package ties the subsystems together: the wire
// codec and stream links (transport), Noise XX secure sessions (noise),
// gossip anti-entropy (gossip) and the routing graph (topology).
//
// # Getting Started
//
// Create a node, attach links and register callbacks:
//
//	opts := bitmesh.DefaultOptions()
//	opts.Nickname = "alice"
//
//	node, err := bitmesh.New(opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer node.Close()
//
//	node.OnMessage(func(msg bitmesh.Message) {
//	    fmt.Printf("%s: %s\n", msg.Nickname, msg.Content)
//	})
//	node.OnPrivateMessage(func(msg bitmesh.Message) {
//	    fmt.Printf("[private] %s: %s\n", msg.Nickname, msg.Content)
//	})
//
//	node.Start(ctx)
//	if _, err := node.Listen(":7946"); err != nil {
//	    log.Fatal(err)
//	}
//	if _, err := node.Dial(ctx, "10.0.0.2:7946"); err != nil {
//	    log.Print(err)
//	}
//
// # Identity
//
// The node's long-term keys come from Options.Store, a crypto.SecretStore.
// The Noise static key identifies the node: its peer ID is the first eight
// bytes of SHA-256 over the static public key. A separate Ed25519 key signs
// broadcast packets.
//
// # Packet Flow
//
// Every link greets its remote end with a TTL-zero announcement, which binds
// the link to the sender's peer ID. Broadcast packets are relayed to every
// other link with one hop less until their TTL is spent; packet IDs already
// seen are dropped. Directed packets travel over the bound link when there
// is one and are flooded otherwise.
//
// Private messages are queued until a Noise session with the recipient is
// established, then encrypted and sent in order.
//
// # Announcements
//
// An announcement payload is a sequence of type-length-value fields, each a
// type byte, a length byte and the value:
//
//	0x01  nickname (UTF-8)
//	0x02  Noise static public key (32 bytes)
//	0x03  Ed25519 signing public key (32 bytes)
//	0x04  direct neighbor IDs (8 bytes each)
//
// Announcements must be signed by the key they carry, and the sender ID must
// derive from the carried Noise key.
package bitmesh
