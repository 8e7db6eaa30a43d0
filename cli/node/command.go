package node

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-sockaddr"
	rungroup "github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hearsay-io/hearsay/pkg/backoff"
	hearsayconfig "github.com/hearsay-io/hearsay/pkg/config"
	"github.com/hearsay-io/hearsay/pkg/gossip"
	"github.com/hearsay-io/hearsay/pkg/log"
	adminserver "github.com/hearsay-io/hearsay/server/admin"
	"github.com/hearsay-io/hearsay/server/config"
	gossipstatus "github.com/hearsay-io/hearsay/server/gossip"
)

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "start a node",
		Long: `Start a node.

Each node gossips with the rest of the cluster to track the liveness of every
member and replicate the shared key-value state, and runs periodic
anti-entropy synchronisation with its configured sync peers to bound the time
to convergence.

Use '--cluster.join' to configure addresses of existing members in the
cluster to join.

Examples:
  # Start a node.
  hearsay node

  # Start a node, listening for gossip traffic on :7100 and admin connections
  # on :7101.
  hearsay node --gossip.bind-addr :7100 --admin.bind-addr :7101

  # Start a node and join an existing cluster by specifying each member.
  hearsay node --cluster.join 10.26.104.14,10.26.104.75

  # Start a node and join an existing cluster by specifying a domain. The
  # node will resolve the domain and attempt to join each returned member.
  hearsay node --cluster.join cluster.hearsay-ns.svc.cluster.local
`,
	}

	conf := config.Default()

	var configPath string
	cmd.Flags().StringVar(
		&configPath,
		"config.path",
		"",
		`
YAML config file path.`,
	)

	// Register flags and set default values.
	conf.RegisterFlags(cmd.Flags())

	cmd.Run = func(cmd *cobra.Command, args []string) {
		if configPath != "" {
			if err := hearsayconfig.Load(configPath, conf); err != nil {
				fmt.Printf("load config: %s\n", err.Error())
				os.Exit(1)
			}
		}

		if err := conf.Validate(); err != nil {
			fmt.Printf("invalid config: %s\n", err.Error())
			os.Exit(1)
		}

		logger, err := log.NewLogger(conf.Log.Level, conf.Log.Subsystems)
		if err != nil {
			fmt.Printf("failed to setup logger: %s\n", err.Error())
			os.Exit(1)
		}

		if conf.Cluster.NodeID == "" {
			nodeID := uuid.NewString()
			if conf.Cluster.NodeIDPrefix != "" {
				nodeID = conf.Cluster.NodeIDPrefix + nodeID
			}
			conf.Cluster.NodeID = nodeID
		}

		if conf.Gossip.AdvertiseAddr == "" {
			advertiseAddr, err := advertiseAddrFromBindAddr(conf.Gossip.BindAddr)
			if err != nil {
				logger.Error("invalid configuration", zap.Error(err))
				os.Exit(1)
			}
			conf.Gossip.AdvertiseAddr = advertiseAddr
		}
		if conf.Admin.AdvertiseAddr == "" {
			advertiseAddr, err := advertiseAddrFromBindAddr(conf.Admin.BindAddr)
			if err != nil {
				logger.Error("invalid configuration", zap.Error(err))
				os.Exit(1)
			}
			conf.Admin.AdvertiseAddr = advertiseAddr
		}

		if err := run(conf, logger); err != nil {
			logger.Error("failed to run node", zap.Error(err))
			os.Exit(1)
		}
	}

	return cmd
}

func run(conf *config.Config, logger log.Logger) error {
	logger.Info("starting hearsay node", zap.Any("conf", conf))

	registry := prometheus.NewRegistry()

	transport, err := gossip.NewUDPTransport(
		conf.Gossip.BindAddr, conf.Gossip.MaxPacketSize,
	)
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}

	gossiper := gossip.New(
		conf.Cluster.NodeID,
		&conf.Gossip,
		transport,
		nil,
		logger,
	)
	defer gossiper.Close()

	gossiper.Metrics().Register(registry)

	for _, id := range conf.Cluster.SyncPeers {
		gossiper.AddSyncPeer(id)
	}

	adminLn, err := net.Listen("tcp", conf.Admin.BindAddr)
	if err != nil {
		return fmt.Errorf("admin listen: %s: %w", conf.Admin.BindAddr, err)
	}
	adminServer := adminserver.NewServer(registry, logger)
	adminServer.AddStatus("/gossip", gossipstatus.NewStatus(gossiper))

	var group rungroup.Group

	// Termination handler.
	signalCtx, signalCancel := context.WithCancel(context.Background())
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	group.Add(func() error {
		select {
		case sig := <-signalCh:
			logger.Info(
				"received shutdown signal",
				zap.String("signal", sig.String()),
			)

			// Leave as soon as we receive the shutdown signal so the
			// cluster marks this node as left rather than detecting it as
			// failed.
			if err := gossiper.Leave(); err != nil {
				logger.Warn("failed to gracefully leave cluster", zap.Error(err))
			} else {
				logger.Info("left cluster")
			}

			return nil
		case <-signalCtx.Done():
			return nil
		}
	}, func(error) {
		signalCancel()
	})

	// Join the cluster. Join announcements are fire-and-forget, so retry
	// with backoff until the cluster is visible in the membership.
	if len(conf.Cluster.Join) > 0 {
		joinCtx, joinCancel := context.WithCancel(context.Background())
		group.Add(func() error {
			b := backoff.New(0, time.Second, time.Second*30)
			for {
				if err := gossiper.Join(conf.Cluster.Join); err != nil {
					logger.Warn("failed to join cluster", zap.Error(err))
				}

				if !b.Wait(joinCtx) {
					return nil
				}

				if members := gossiper.Members(); len(members) > 1 {
					logger.Info(
						"joined cluster",
						zap.Int("members", len(members)),
					)

					<-joinCtx.Done()
					return nil
				}
			}
		}, func(error) {
			joinCancel()
		})
	}

	// Admin server.
	group.Add(func() error {
		if err := adminServer.Serve(adminLn); err != nil {
			return fmt.Errorf("admin server serve: %w", err)
		}
		return nil
	}, func(error) {
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			time.Duration(conf.GracefulShutdownTimeout)*time.Second,
		)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to gracefully shutdown admin server", zap.Error(err))
		}

		logger.Info("admin server shut down")
	})

	if err := group.Run(); err != nil {
		return err
	}

	logger.Info("shutdown complete")

	return nil
}

func advertiseAddrFromBindAddr(bindAddr string) (string, error) {
	if strings.HasPrefix(bindAddr, ":") {
		bindAddr = "0.0.0.0" + bindAddr
	}

	host, port, err := net.SplitHostPort(bindAddr)
	if err != nil {
		return "", fmt.Errorf("invalid bind addr: %s: %w", bindAddr, err)
	}

	if host == "0.0.0.0" {
		ip, err := sockaddr.GetPrivateIP()
		if err != nil {
			return "", fmt.Errorf("get interface addr: %w", err)
		}
		if ip == "" {
			return "", fmt.Errorf("no private ip found")
		}
		return ip + ":" + port, nil
	}
	return bindAddr, nil
}
