package gossip

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearsay-io/hearsay/pkg/log"
)

func TestGossip_Join(t *testing.T) {
	network := NewNetwork()

	node1 := testNode(t, network, "node-1")
	node2 := testNode(t, network, "node-2")

	require.NoError(t, node2.Join([]string{node1.LocalMember().Addr}))

	// Verify each node discovered the other.
	assertMembersAlive(t, node1, "node-1", "node-2")
	assertMembersAlive(t, node2, "node-1", "node-2")
}

func TestGossip_PropagateUpdate(t *testing.T) {
	network := NewNetwork()

	watcher := newEntryWatcher()
	node1 := testNodeWithWatcher(t, network, "node-1", watcher)
	node2 := testNode(t, network, "node-2")

	require.NoError(t, node2.Join([]string{node1.LocalMember().Addr}))
	assertMembersAlive(t, node2, "node-1", "node-2")

	for i := 0; i != 5; i++ {
		node2.UpsertLocal(
			fmt.Sprintf("key-%d", i),
			fmt.Sprintf("value-%d", i),
		)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	received := make(map[string]string)
	for len(received) != 5 {
		event, err := watcher.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, "node-2", event.Owner)
		received[event.Key] = event.Value
	}
	for i := 0; i != 5; i++ {
		assert.Equal(
			t,
			fmt.Sprintf("value-%d", i),
			received[fmt.Sprintf("key-%d", i)],
		)
	}
}

func TestGossip_PropagateDelete(t *testing.T) {
	network := NewNetwork()

	node1 := testNode(t, network, "node-1")
	node2 := testNode(t, network, "node-2")

	require.NoError(t, node2.Join([]string{node1.LocalMember().Addr}))

	node2.UpsertLocal("k1", "v1")
	assert.Eventually(t, func() bool {
		_, ok := node1.Get("k1")
		return ok
	}, time.Second*5, time.Millisecond*10)

	node2.DeleteLocal("k1")
	assert.Eventually(t, func() bool {
		_, ok := node1.Get("k1")
		return !ok
	}, time.Second*5, time.Millisecond*10)
}

func TestGossip_Leave(t *testing.T) {
	network := NewNetwork()

	node1 := testNode(t, network, "node-1")
	node2 := testNode(t, network, "node-2")

	require.NoError(t, node2.Join([]string{node1.LocalMember().Addr}))
	assertMembersAlive(t, node2, "node-1", "node-2")

	require.NoError(t, node2.Leave())

	// node-1 marks node-2 as left immediately rather than detecting it as
	// failed.
	assert.Eventually(t, func() bool {
		member, ok := node1.Member("node-2")
		return ok && member.Status == StatusDead
	}, time.Second*5, time.Millisecond*10)
}

func TestGossip_LargeClusterJoin(t *testing.T) {
	network := NewNetwork()

	// UUID length node IDs, so the full membership view exceeds the packet
	// budget and must be spread across packets and rounds.
	ids := make([]string, 20)
	for i := range ids {
		ids[i] = fmt.Sprintf("node-%031d", i)
	}

	nodes := make([]*Gossip, len(ids))
	for i, id := range ids {
		nodes[i] = testNode(t, network, id)
	}
	for _, node := range nodes[1:] {
		require.NoError(t, node.Join([]string{nodes[0].LocalMember().Addr}))
	}

	// Every node discovers every member, even though no single packet can
	// carry the whole membership view.
	for _, node := range nodes {
		assert.Eventually(t, func() bool {
			for _, id := range ids {
				if _, ok := node.Member(id); !ok {
					return false
				}
			}
			return true
		}, time.Second*5, time.Millisecond*10)
	}
}

func TestGossip_FailureDetection(t *testing.T) {
	network := NewNetwork()

	node1 := testNode(t, network, "node-1")
	node2 := testNode(t, network, "node-2")

	require.NoError(t, node2.Join([]string{node1.LocalMember().Addr}))
	assertMembersAlive(t, node1, "node-1", "node-2")

	network.Isolate(node2.LocalMember().Addr)

	// Without contact node-2 is first suspected, then declared dead once
	// the failure timeout passes without a refutation.
	assert.Eventually(t, func() bool {
		member, ok := node1.Member("node-2")
		return ok && member.Status != StatusAlive
	}, time.Second*5, time.Millisecond*10)

	assert.Eventually(t, func() bool {
		member, ok := node1.Member("node-2")
		return ok && member.Status == StatusDead
	}, time.Second*5, time.Millisecond*10)
}

func TestGossip_RefuteAfterPartition(t *testing.T) {
	network := NewNetwork()

	node1 := testNode(t, network, "node-1")
	node2 := testNode(t, network, "node-2")

	require.NoError(t, node2.Join([]string{node1.LocalMember().Addr}))
	assertMembersAlive(t, node1, "node-1", "node-2")

	network.Isolate(node2.LocalMember().Addr)

	assert.Eventually(t, func() bool {
		member, ok := node1.Member("node-2")
		return ok && member.Status == StatusDead
	}, time.Second*5, time.Millisecond*10)

	network.Heal()

	// Once healed, node-2 hears the rumour that it is dead and refutes it
	// at a higher incarnation, which supersedes the rumour on node-1.
	assert.Eventually(t, func() bool {
		member, ok := node1.Member("node-2")
		return ok && member.Status == StatusAlive && member.Incarnation > 1
	}, time.Second*5, time.Millisecond*10)

	assert.Eventually(t, func() bool {
		member, ok := node2.Member("node-1")
		return ok && member.Status == StatusAlive
	}, time.Second*5, time.Millisecond*10)
}

func TestGossip_PartitionRecovery(t *testing.T) {
	network := NewNetwork()

	node1 := testNode(t, network, "node-1")
	node2 := testNode(t, network, "node-2")

	require.NoError(t, node2.Join([]string{node1.LocalMember().Addr}))
	assertMembersAlive(t, node1, "node-1", "node-2")

	node1.AddSyncPeer("node-2")
	node2.AddSyncPeer("node-1")

	network.Isolate(node2.LocalMember().Addr)

	assert.Eventually(t, func() bool {
		member, ok := node1.Member("node-2")
		return ok && member.Status == StatusDead
	}, time.Second*5, time.Millisecond*10)

	// Writes on both sides of the partition.
	node1.UpsertLocal("k1", "v1")
	node2.UpsertLocal("k2", "v2")

	network.Heal()

	// After the partition heals both replicas converge on the union of the
	// writes.
	for _, node := range []*Gossip{node1, node2} {
		assert.Eventually(t, func() bool {
			v1, ok1 := node.Get("k1")
			v2, ok2 := node.Get("k2")
			return ok1 && ok2 && v1 == "v1" && v2 == "v2"
		}, time.Second*5, time.Millisecond*10)
	}
}

func TestGossip_PartitionRecoveryFourNodes(t *testing.T) {
	network := NewNetwork()

	node1 := testNode(t, network, "node-1")
	node2 := testNode(t, network, "node-2")
	node3 := testNode(t, network, "node-3")
	node4 := testNode(t, network, "node-4")
	nodes := []*Gossip{node1, node2, node3, node4}

	for _, node := range nodes[1:] {
		require.NoError(t, node.Join([]string{node1.LocalMember().Addr}))
	}
	for _, node := range nodes {
		assertMembersAlive(t, node, "node-1", "node-2", "node-3", "node-4")
	}

	// One sync peer pair bridging the two sides of the partition.
	node2.AddSyncPeer("node-3")
	node3.AddSyncPeer("node-2")

	// Partition {node-1, node-2} from {node-3, node-4}.
	network.Isolate(node3.LocalMember().Addr, node4.LocalMember().Addr)

	assert.Eventually(t, func() bool {
		member, ok := node1.Member("node-3")
		return ok && member.Status == StatusDead
	}, time.Second*5, time.Millisecond*10)
	assert.Eventually(t, func() bool {
		member, ok := node3.Member("node-1")
		return ok && member.Status == StatusDead
	}, time.Second*5, time.Millisecond*10)

	// Writes on every node of both sides.
	node1.UpsertLocal("k1", "v1")
	node2.UpsertLocal("k2", "v2")
	node3.UpsertLocal("k3", "v3")
	node4.UpsertLocal("k4", "v4")

	network.Heal()

	// After the partition heals every replica converges on the union of the
	// writes, including nodes with no sync peer on the other side.
	for _, node := range nodes {
		assert.Eventually(t, func() bool {
			for i := 1; i <= 4; i++ {
				value, ok := node.Get(fmt.Sprintf("k%d", i))
				if !ok || value != fmt.Sprintf("v%d", i) {
					return false
				}
			}
			return true
		}, time.Second*5, time.Millisecond*10)
	}
}

func TestGossip_AddSyncPeerTriggersFullSync(t *testing.T) {
	network := NewNetwork()

	// Disable every periodic loop, so the only way node-2 can learn of the
	// entry is the out-of-band full sync scheduled by AddSyncPeer.
	node1 := testNodeWithConfig(t, network, "node-1", quietGossipConfig())
	node2 := testNodeWithConfig(t, network, "node-2", quietGossipConfig())

	require.NoError(t, node2.Join([]string{node1.LocalMember().Addr}))
	assertMembersAlive(t, node1, "node-1", "node-2")

	node1.UpsertLocal("k1", "v1")

	node1.AddSyncPeer("node-2")

	assert.Eventually(t, func() bool {
		value, ok := node2.Get("k1")
		return ok && value == "v1"
	}, time.Second*5, time.Millisecond*10)
}

func TestGossip_ConcurrentWritesConverge(t *testing.T) {
	network := NewNetwork()

	node1 := testNode(t, network, "node-1")
	node2 := testNode(t, network, "node-2")

	require.NoError(t, node2.Join([]string{node1.LocalMember().Addr}))
	assertMembersAlive(t, node1, "node-1", "node-2")

	node1.AddSyncPeer("node-2")
	node2.AddSyncPeer("node-1")

	network.Isolate(node2.LocalMember().Addr)

	// Conflicting writes to the same key on both sides of the partition.
	node1.UpsertLocal("k1", "from-node-1")
	node2.UpsertLocal("k1", "from-node-2")

	network.Heal()

	// Both replicas must resolve the conflict to the same winner.
	assert.Eventually(t, func() bool {
		v1, ok1 := node1.Get("k1")
		v2, ok2 := node2.Get("k1")
		return ok1 && ok2 && v1 == v2
	}, time.Second*5, time.Millisecond*10)
}

func assertMembersAlive(t *testing.T, node *Gossip, ids ...string) {
	t.Helper()

	assert.Eventually(t, func() bool {
		for _, id := range ids {
			member, ok := node.Member(id)
			if !ok || member.Status != StatusAlive {
				return false
			}
		}
		return true
	}, time.Second*5, time.Millisecond*10)
}

type entryEvent struct {
	Owner string
	Key   string
	Value string
}

type entryWatcher struct {
	ch chan entryEvent
}

func newEntryWatcher() *entryWatcher {
	return &entryWatcher{
		ch: make(chan entryEvent, 64),
	}
}

func (w *entryWatcher) OnJoin(_ Member) {}

func (w *entryWatcher) OnLeave(_ Member) {}

func (w *entryWatcher) OnAlive(_ Member) {}

func (w *entryWatcher) OnSuspect(_ Member) {}

func (w *entryWatcher) OnDead(_ Member) {}

func (w *entryWatcher) OnExpired(_ Member) {}

func (w *entryWatcher) OnUpsertEntry(owner, key, value string) {
	w.ch <- entryEvent{Owner: owner, Key: key, Value: value}
}

func (w *entryWatcher) OnDeleteEntry(owner, key string) {
	w.ch <- entryEvent{Owner: owner, Key: key}
}

func (w *entryWatcher) Next(ctx context.Context) (entryEvent, error) {
	select {
	case event := <-w.ch:
		return event, nil
	case <-ctx.Done():
		return entryEvent{}, ctx.Err()
	}
}

var _ Watcher = &entryWatcher{}

func testNode(t *testing.T, network *Network, nodeID string) *Gossip {
	return testNodeWithWatcher(t, network, nodeID, nil)
}

func testNodeWithWatcher(
	t *testing.T,
	network *Network,
	nodeID string,
	watcher Watcher,
) *Gossip {
	transport := network.Transport()

	conf := testGossipConfig()
	conf.AdvertiseAddr = transport.Addr()

	gossip := New(nodeID, conf, transport, watcher, log.NewNopLogger())
	t.Cleanup(func() {
		_ = gossip.Close()
	})
	return gossip
}

func testNodeWithConfig(
	t *testing.T,
	network *Network,
	nodeID string,
	conf *Config,
) *Gossip {
	transport := network.Transport()
	conf.AdvertiseAddr = transport.Addr()

	gossip := New(nodeID, conf, transport, nil, log.NewNopLogger())
	t.Cleanup(func() {
		_ = gossip.Close()
	})
	return gossip
}

func testGossipConfig() *Config {
	conf := Default()
	conf.BindAddr = "127.0.0.1:0"
	conf.GossipInterval = time.Millisecond * 10
	conf.SuspicionTimeout = time.Millisecond * 100
	conf.FailureTimeout = time.Millisecond * 300
	conf.SyncInterval = time.Millisecond * 20
	conf.FullSyncInterval = time.Millisecond * 100
	conf.TombstoneRetention = time.Minute
	return conf
}

// quietGossipConfig disables the periodic loops so tests can exercise
// event-driven paths in isolation.
func quietGossipConfig() *Config {
	conf := testGossipConfig()
	conf.GossipInterval = time.Hour
	conf.SuspicionTimeout = time.Hour
	conf.FailureTimeout = time.Hour
	conf.SyncInterval = time.Hour
	conf.FullSyncInterval = time.Hour
	conf.TombstoneRetention = time.Hour
	return conf
}
