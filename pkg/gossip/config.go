package gossip

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

// ConflictPolicy configures how writes to the same key from different origin
// nodes are resolved.
type ConflictPolicy string

const (
	// ConflictPolicyLWW resolves conflicts by the highest write timestamp,
	// breaking ties by the lexically smallest owner node ID.
	ConflictPolicyLWW ConflictPolicy = "lww"

	// ConflictPolicyOwner resolves conflicts by the lexically smallest owner
	// node ID.
	ConflictPolicyOwner ConflictPolicy = "owner"
)

type Config struct {
	// BindAddr is the address to bind to listen for gossip traffic.
	BindAddr string `json:"bind_addr" yaml:"bind_addr"`

	// AdvertiseAddr is the address to advertise to other nodes.
	AdvertiseAddr string `json:"advertise_addr" yaml:"advertise_addr"`

	// GossipInterval is the rate to initiate a gossip round.
	GossipInterval time.Duration `json:"gossip_interval" yaml:"gossip_interval"`

	// Fanout is the number of random alive peers to gossip with each round.
	Fanout int `json:"fanout" yaml:"fanout"`

	// SuspicionTimeout is the duration without contact from a peer before it
	// is suspected of having failed.
	SuspicionTimeout time.Duration `json:"suspicion_timeout" yaml:"suspicion_timeout"`

	// FailureTimeout is the duration a peer may remain suspect before it is
	// declared dead.
	FailureTimeout time.Duration `json:"failure_timeout" yaml:"failure_timeout"`

	// SyncInterval is the rate to initiate an incremental anti-entropy round
	// with a sample of sync peers.
	SyncInterval time.Duration `json:"sync_interval" yaml:"sync_interval"`

	// FullSyncInterval is the rate to initiate a full state synchronisation
	// with all sync peers.
	FullSyncInterval time.Duration `json:"full_sync_interval" yaml:"full_sync_interval"`

	// MaxSyncPeers is the maximum number of sync peers to reconcile with in
	// a single incremental sync round.
	MaxSyncPeers int `json:"max_sync_peers" yaml:"max_sync_peers"`

	// TombstoneRetention is the duration deleted entries and dead members
	// are retained before being garbage collected. Must exceed
	// FullSyncInterval or deletions may be resurrected by stale replicas.
	TombstoneRetention time.Duration `json:"tombstone_retention" yaml:"tombstone_retention"`

	// MaxPacketSize is the maximum size of any packet sent.
	MaxPacketSize int `json:"max_packet_size" yaml:"max_packet_size"`

	// ConflictPolicy resolves concurrent writes to the same key from
	// different origin nodes. Either 'lww' or 'owner'.
	ConflictPolicy ConflictPolicy `json:"conflict_policy" yaml:"conflict_policy"`
}

func Default() *Config {
	return &Config{
		BindAddr:           ":7100",
		GossipInterval:     time.Second,
		Fanout:             3,
		SuspicionTimeout:   time.Second * 5,
		FailureTimeout:     time.Second * 10,
		SyncInterval:       time.Second * 5,
		FullSyncInterval:   time.Second * 30,
		MaxSyncPeers:       3,
		TombstoneRetention: time.Minute * 5,
		MaxPacketSize:      1400,
		ConflictPolicy:     ConflictPolicyLWW,
	}
}

func (c *Config) Validate() error {
	if c.BindAddr == "" {
		return fmt.Errorf("missing bind addr")
	}
	if c.GossipInterval <= 0 {
		return fmt.Errorf("missing gossip interval")
	}
	if c.Fanout <= 0 {
		return fmt.Errorf("missing fanout")
	}
	if c.SuspicionTimeout <= 0 {
		return fmt.Errorf("missing suspicion timeout")
	}
	if c.FailureTimeout <= 0 {
		return fmt.Errorf("missing failure timeout")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("missing sync interval")
	}
	if c.FullSyncInterval <= 0 {
		return fmt.Errorf("missing full sync interval")
	}
	if c.MaxSyncPeers <= 0 {
		return fmt.Errorf("missing max sync peers")
	}
	if c.TombstoneRetention < c.FullSyncInterval {
		return fmt.Errorf(
			"tombstone retention must exceed the full sync interval: %s < %s",
			c.TombstoneRetention, c.FullSyncInterval,
		)
	}
	if c.MaxPacketSize == 0 {
		return fmt.Errorf("missing max packet size")
	}
	switch c.ConflictPolicy {
	case ConflictPolicyLWW, ConflictPolicyOwner:
	default:
		return fmt.Errorf("unsupported conflict policy: %s", c.ConflictPolicy)
	}
	return nil
}

func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(
		&c.BindAddr,
		"gossip.bind-addr",
		c.BindAddr,
		`
The host/port to listen for inter-node gossip traffic.

If the host is unspecified it defaults to all listeners, such as
a bind address ':7100' will listen on '0.0.0.0:7100'`,
	)

	fs.StringVar(
		&c.AdvertiseAddr,
		"gossip.advertise-addr",
		c.AdvertiseAddr,
		`
Gossip listen address to advertise to other nodes in the cluster. This is the
address other nodes will use to gossip with the node.

Such as if the listen address is ':7100', the advertised address may be
'10.26.104.45:7100' or 'node1.cluster:7100'.

By default, if the bind address includes an IP to bind to that will be used.
If the bind address does not include an IP (such as ':7100') the nodes
private IP will be used, such as a bind address of ':7100' may have an
advertise address of '10.26.104.14:7100'.`,
	)

	fs.DurationVar(
		&c.GossipInterval,
		"gossip.interval",
		c.GossipInterval,
		`
The interval to initiate rounds of gossip.

Each gossip round selects 'fanout' random alive nodes and sends them the
local membership view and a sample of state entries.`,
	)

	fs.IntVar(
		&c.Fanout,
		"gossip.fanout",
		c.Fanout,
		`
The number of random alive nodes to gossip with each round.`,
	)

	fs.DurationVar(
		&c.SuspicionTimeout,
		"gossip.suspicion-timeout",
		c.SuspicionTimeout,
		`
The duration without any contact from a node before it is suspected of
having failed.

A suspected node is given the chance to refute the suspicion before it is
declared dead.`,
	)

	fs.DurationVar(
		&c.FailureTimeout,
		"gossip.failure-timeout",
		c.FailureTimeout,
		`
The duration a node may remain suspect before it is declared dead.`,
	)

	fs.DurationVar(
		&c.SyncInterval,
		"gossip.sync-interval",
		c.SyncInterval,
		`
The interval to initiate incremental anti-entropy rounds.

Each round exchanges version vectors with a sample of sync peers so each
side only transfers the entries the other is missing.`,
	)

	fs.DurationVar(
		&c.FullSyncInterval,
		"gossip.full-sync-interval",
		c.FullSyncInterval,
		`
The interval to initiate a full state synchronisation with all sync peers.

Full syncs exchange complete state snapshots, which bounds the time to
convergence after missed gossip rounds or a network partition.`,
	)

	fs.IntVar(
		&c.MaxSyncPeers,
		"gossip.max-sync-peers",
		c.MaxSyncPeers,
		`
The maximum number of sync peers to reconcile with in a single incremental
sync round.`,
	)

	fs.DurationVar(
		&c.TombstoneRetention,
		"gossip.tombstone-retention",
		c.TombstoneRetention,
		`
The duration deleted entries and dead members are retained before being
garbage collected.

Must exceed the full sync interval, otherwise a deletion may be resurrected
by a stale replica that never learned of it.`,
	)

	fs.IntVar(
		&c.MaxPacketSize,
		"gossip.max-packet-size",
		c.MaxPacketSize,
		`
The maximum size of any packet sent.

Depending on your networks MTU you may be able to increase to include more
data in each packet.`,
	)

	fs.StringVar(
		(*string)(&c.ConflictPolicy),
		"gossip.conflict-policy",
		string(c.ConflictPolicy),
		`
The policy to resolve concurrent writes to the same key from different
origin nodes.

Either 'lww' (last write wins by timestamp, ties broken by the lexically
smallest owner) or 'owner' (lexically smallest owner wins).`,
	)
}
