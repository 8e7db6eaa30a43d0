package status

import (
	"fmt"
	"net/url"
	"os"

	yaml "github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/hearsay-io/hearsay/server/status/client"
)

func newGossipCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gossip",
		Short: "inspect gossip state",
	}

	cmd.AddCommand(newGossipMembersCommand())
	cmd.AddCommand(newGossipMemberCommand())
	cmd.AddCommand(newGossipEntriesCommand())
	cmd.AddCommand(newGossipVersionVectorCommand())
	cmd.AddCommand(newGossipSyncPeersCommand())

	return cmd
}

func newGossipMembersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "members",
		Short: "inspect cluster members",
		Long: `Inspect cluster members.

Queries the node for the known state of each cluster member, including its
liveness and incarnation.

Examples:
  hearsay status gossip members
`,
	}

	serverURL := registerServerURLFlag(cmd)

	cmd.Run = func(cmd *cobra.Command, args []string) {
		runStatus(*serverURL, func(c *client.Client) (interface{}, error) {
			return c.GossipMembers()
		})
	}

	return cmd
}

func newGossipMemberCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "member",
		Args:  cobra.ExactArgs(1),
		Short: "inspect a cluster member",
		Long: `Inspect a cluster member.

Queries the node for the known state of the member with the given ID.

Examples:
  hearsay status gossip member bbc69214
`,
	}

	serverURL := registerServerURLFlag(cmd)

	cmd.Run = func(cmd *cobra.Command, args []string) {
		runStatus(*serverURL, func(c *client.Client) (interface{}, error) {
			return c.GossipMember(args[0])
		})
	}

	return cmd
}

func newGossipEntriesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entries",
		Short: "inspect key-value entries",
		Long: `Inspect key-value entries.

Queries the node for its replica of the key-value state, including tombstones
that have not yet been garbage collected.

Examples:
  hearsay status gossip entries
`,
	}

	serverURL := registerServerURLFlag(cmd)

	cmd.Run = func(cmd *cobra.Command, args []string) {
		runStatus(*serverURL, func(c *client.Client) (interface{}, error) {
			return c.GossipEntries()
		})
	}

	return cmd
}

func newGossipVersionVectorCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version-vector",
		Short: "inspect the version vector",
		Long: `Inspect the version vector.

Queries the node for the highest entry version it has observed per owner.

Examples:
  hearsay status gossip version-vector
`,
	}

	serverURL := registerServerURLFlag(cmd)

	cmd.Run = func(cmd *cobra.Command, args []string) {
		runStatus(*serverURL, func(c *client.Client) (interface{}, error) {
			return c.GossipVersionVector()
		})
	}

	return cmd
}

func newGossipSyncPeersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync-peers",
		Short: "inspect anti-entropy peers",
		Long: `Inspect anti-entropy peers.

Queries the node for the IDs of the members it runs anti-entropy
synchronisation with.

Examples:
  hearsay status gossip sync-peers
`,
	}

	serverURL := registerServerURLFlag(cmd)

	cmd.Run = func(cmd *cobra.Command, args []string) {
		runStatus(*serverURL, func(c *client.Client) (interface{}, error) {
			return c.GossipSyncPeers()
		})
	}

	return cmd
}

func registerServerURLFlag(cmd *cobra.Command) *string {
	var serverURL string
	cmd.Flags().StringVar(
		&serverURL,
		"server.url",
		"http://localhost:7101",
		`
Node server URL. This URL should point to the node admin port.
`,
	)
	return &serverURL
}

func runStatus(serverURL string, f func(c *client.Client) (interface{}, error)) {
	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		fmt.Printf("invalid server url: %s\n", err.Error())
		os.Exit(1)
	}

	c := client.NewClient(parsedURL)
	defer c.Close()

	out, err := f(c)
	if err != nil {
		fmt.Printf("failed to query node status: %s\n", err.Error())
		os.Exit(1)
	}

	b, _ := yaml.Marshal(out)
	fmt.Println(string(b))
}
