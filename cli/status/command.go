package status

import "github.com/spf13/cobra"

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "inspect node status",
		Long: `Inspect node status.

Each node exposes a status API on its admin port to inspect the state of the
node, which can be used to answer questions such as:
* What members does this node know and what liveness does it assign them?
* What key-value entries does this node hold?
* How far has this node observed each other nodes writes?

See 'status --help' for the available commands.

Examples:
  # Inspect the known cluster members.
  hearsay status gossip members

  # Inspect the key-value entries of node 10.26.104.56:7101.
  hearsay status gossip entries --server.url http://10.26.104.56:7101
`,
	}

	cmd.AddCommand(newGossipCommand())

	return cmd
}
