// Package config contains the node configuration.
package config

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/hearsay-io/hearsay/pkg/gossip"
	"github.com/hearsay-io/hearsay/pkg/log"
)

type ClusterConfig struct {
	// NodeID is a unique identifier for this node in the cluster.
	//
	// Generated if not given.
	NodeID string `json:"node_id" yaml:"node_id"`

	// NodeIDPrefix is a node ID prefix, where the node ID is the prefix
	// with a unique random suffix appended.
	NodeIDPrefix string `json:"node_id_prefix" yaml:"node_id_prefix"`

	// Join contains a list of addresses of members in the cluster to join.
	Join []string `json:"join" yaml:"join"`

	// SyncPeers contains the IDs of the members to run anti-entropy
	// synchronisation with.
	SyncPeers []string `json:"sync_peers" yaml:"sync_peers"`
}

func (c *ClusterConfig) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(
		&c.NodeID,
		"cluster.node-id",
		c.NodeID,
		`
A unique identifier for the node in the cluster.

By default a random ID will be generated for the node.`,
	)

	fs.StringVar(
		&c.NodeIDPrefix,
		"cluster.node-id-prefix",
		c.NodeIDPrefix,
		`
A node ID prefix, where the node ID is the prefix with a unique random suffix
appended. This is useful when running multiple nodes in the same environment
to identify which environment a node belongs to.`,
	)

	fs.StringSliceVar(
		&c.Join,
		"cluster.join",
		c.Join,
		`
A list of addresses of members in the cluster to join.

This may be either addresses of specific nodes, such as
'--cluster.join 10.26.104.14,10.26.104.75', or a domain that resolves to
the addresses of the nodes in the cluster (e.g. a Kubernetes headless
service), such as '--cluster.join hearsay.prod-ns.svc.cluster.local'.

Each address must include the host, and may optionally include a port. If no
port is given, the gossip bind port is used.`,
	)

	fs.StringSliceVar(
		&c.SyncPeers,
		"cluster.sync-peers",
		c.SyncPeers,
		`
A list of node IDs to run anti-entropy synchronisation with.

Anti-entropy periodically reconciles the key-value state with these peers to
bound the time to convergence, so every write eventually reaches every node
even if the gossip packets carrying it were lost.`,
	)
}

type AdminConfig struct {
	// BindAddr is the address to bind to listen for admin connections.
	BindAddr string `json:"bind_addr" yaml:"bind_addr"`

	// AdvertiseAddr is the address to advertise to other nodes.
	AdvertiseAddr string `json:"advertise_addr" yaml:"advertise_addr"`
}

func (c *AdminConfig) Validate() error {
	if c.BindAddr == "" {
		return fmt.Errorf("missing bind addr")
	}
	return nil
}

func (c *AdminConfig) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(
		&c.BindAddr,
		"admin.bind-addr",
		c.BindAddr,
		`
The host/port to listen for admin connections, which serves the health,
metrics and status endpoints.

If the host is unspecified it defaults to all listeners, such as
a bind address ':7101' will listen on '0.0.0.0:7101'`,
	)

	fs.StringVar(
		&c.AdvertiseAddr,
		"admin.advertise-addr",
		c.AdvertiseAddr,
		`
Admin listen address to advertise to other nodes in the cluster.

By default, if the bind address includes an IP to bind to that will be used.
If the bind address does not include an IP (such as ':7101') the nodes
private IP will be used.`,
	)
}

type Config struct {
	Cluster ClusterConfig `json:"cluster" yaml:"cluster"`

	Gossip gossip.Config `json:"gossip" yaml:"gossip"`

	Admin AdminConfig `json:"admin" yaml:"admin"`

	Log log.Config `json:"log" yaml:"log"`

	// GracefulShutdownTimeout is the duration, in seconds, to allow for a
	// graceful shutdown before exiting.
	GracefulShutdownTimeout int `json:"graceful_shutdown_timeout" yaml:"graceful_shutdown_timeout"`
}

func Default() *Config {
	return &Config{
		Gossip: *gossip.Default(),
		Admin: AdminConfig{
			BindAddr: ":7101",
		},
		Log: log.Config{
			Level: "info",
		},
		GracefulShutdownTimeout: 30,
	}
}

func (c *Config) Validate() error {
	if err := c.Gossip.Validate(); err != nil {
		return fmt.Errorf("gossip: %w", err)
	}
	if err := c.Admin.Validate(); err != nil {
		return fmt.Errorf("admin: %w", err)
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if c.GracefulShutdownTimeout <= 0 {
		return fmt.Errorf("missing graceful shutdown timeout")
	}
	return nil
}

func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	c.Cluster.RegisterFlags(fs)
	c.Gossip.RegisterFlags(fs)
	c.Admin.RegisterFlags(fs)
	c.Log.RegisterFlags(fs)

	fs.IntVar(
		&c.GracefulShutdownTimeout,
		"server.graceful-shutdown-timeout",
		c.GracefulShutdownTimeout,
		`
The duration, in seconds, to allow for a graceful shutdown. During shutdown
the node notifies the cluster it is leaving and waits for pending admin
requests to complete, up to this timeout.`,
	)
}
