// Package gossip implements the gossip sync engine: a bounded view of which
// announcements and public messages have been seen from which peers, with
// periodic purging of silent peers and bloom-filter sync requests that let
// neighbours fill each other's gaps.
//
// Ingestion is filtered, never failed. An announcement already older than
// the stale timeout is dropped without creating or refreshing anything, and
// messages beyond the maximum age are ignored. Maintenance removes a stale
// peer's announcement and messages in one step.
//
//	engine := gossip.NewEngine(localID, gossip.DefaultConfig(), delegate)
//	engine.Start(ctx)
//	defer engine.Stop()
//	engine.OnPublicPacketSeen(packet)
//	engine.ScheduleInitialSyncToPeer(newPeer, 2*time.Second)
//
// All outbound packets go through an interfaces.Delegate.
package gossip
