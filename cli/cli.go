package cli

import (
	"github.com/spf13/cobra"

	"github.com/hearsay-io/hearsay/cli/node"
	"github.com/hearsay-io/hearsay/cli/status"
)

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "hearsay [command] (flags)",
		SilenceUsage: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Long: `Hearsay is a decentralised membership and state dissemination
service.

Each node gossips with the rest of the cluster to track the liveness of every
member and replicate a shared key-value state, with periodic anti-entropy
synchronisation to bound the time to convergence. There is no coordinator:
every node converges on the same view from whatever subset of messages
reaches it.

Start a node with:

  $ hearsay node

Nodes join an existing cluster with:

  $ hearsay node --cluster.join 10.26.104.14,10.26.104.75

You can inspect the state of a node using:

  $ hearsay status gossip members
`,
	}

	cmd.AddCommand(node.NewCommand())
	cmd.AddCommand(status.NewCommand())

	return cmd
}

func Start() error {
	cmd := NewCommand()
	return cmd.Execute()
}

func init() {
	cobra.EnableCommandSorting = false
}
