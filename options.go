package bitmesh

import (
	"errors"
	"time"

	"github.com/opd-ai/bitmesh/crypto"
	"github.com/opd-ai/bitmesh/gossip"
	"github.com/opd-ai/bitmesh/noise"
	"github.com/opd-ai/bitmesh/transport"
)

// ErrInvalidTTL is returned for a zero broadcast TTL.
var ErrInvalidTTL = errors.New("broadcast TTL must be positive")

// Options configures a Mesh node.
type Options struct {
	// Nickname is carried in announcements.
	Nickname string
	// Store holds the node identity. A nil store keeps keys in memory.
	Store crypto.SecretStore

	// TTL is the hop budget of packets this node originates.
	TTL uint8
	// AnnounceInterval is the period of unsolicited announcements.
	AnnounceInterval time.Duration
	// TopologyMaxAge is how long an unrefreshed edge stays in the graph.
	TopologyMaxAge time.Duration
	// InitialSyncDelay is the wait before the first sync to a new neighbor.
	InitialSyncDelay time.Duration
	// RelayCacheSize bounds the set of packet IDs remembered for
	// duplicate suppression.
	RelayCacheSize int
	// DialTimeout bounds outbound TCP connects.
	DialTimeout time.Duration

	Gossip  gossip.Config
	Session noise.SessionConfig
	Link    transport.LinkConfig

	// TimeProvider overrides the clock. Nil uses the package default.
	TimeProvider crypto.TimeProvider
}

// DefaultOptions returns the node defaults.
func DefaultOptions() Options {
	return Options{
		Nickname:         "anon",
		TTL:              7,
		AnnounceInterval: 30 * time.Second,
		TopologyMaxAge:   3 * time.Minute,
		InitialSyncDelay: 2 * time.Second,
		RelayCacheSize:   4096,
		DialTimeout:      10 * time.Second,
		Gossip:           gossip.DefaultConfig(),
		Session:          noise.DefaultSessionConfig(),
		Link:             transport.DefaultLinkConfig(),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.AnnounceInterval <= 0 {
		o.AnnounceInterval = d.AnnounceInterval
	}
	if o.TopologyMaxAge <= 0 {
		o.TopologyMaxAge = d.TopologyMaxAge
	}
	if o.InitialSyncDelay < 0 {
		o.InitialSyncDelay = 0
	}
	if o.RelayCacheSize <= 0 {
		o.RelayCacheSize = d.RelayCacheSize
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = d.DialTimeout
	}
	if o.TimeProvider == nil {
		o.TimeProvider = crypto.GetDefaultTimeProvider()
	}
	return o
}
