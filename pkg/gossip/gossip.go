package gossip

import (
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/hearsay-io/hearsay/pkg/log"
)

// Gossip manages the local nodes membership of the cluster and its replica
// of the shared key-value state.
//
// All messages are sent as fire-and-forget datagrams. Lost packets are never
// retransmitted since periodic anti-entropy bounds the staleness any loss
// can cause.
type Gossip struct {
	state *state

	conf *Config

	transport Transport

	// fullSyncCh triggers an out-of-band full sync with the given members,
	// used to repair a partition as soon as a sync peer recovers.
	fullSyncCh chan []Member

	metrics *Metrics

	logger log.Logger

	closed     *atomic.Bool
	shutdownCh chan struct{}

	wg sync.WaitGroup
}

func New(
	nodeID string,
	conf *Config,
	transport Transport,
	watcher Watcher,
	logger log.Logger,
) *Gossip {
	logger = logger.WithSubsystem("gossip")

	advertiseAddr := conf.AdvertiseAddr
	if advertiseAddr == "" {
		advertiseAddr = transport.Addr()
	}

	logger.Info(
		"starting gossip",
		zap.String("node-id", nodeID),
		zap.String("bind-addr", conf.BindAddr),
		zap.String("advertise-addr", advertiseAddr),
	)

	if watcher == nil {
		watcher = nopWatcher{}
	}

	metrics := NewMetrics()
	state := newState(nodeID, advertiseAddr, conf, metrics, watcher)

	gossip := &Gossip{
		state:      state,
		conf:       conf,
		transport:  transport,
		fullSyncCh: make(chan []Member, 8),
		metrics:    metrics,
		logger:     logger,
		closed:     atomic.NewBool(false),
		shutdownCh: make(chan struct{}),
	}
	gossip.schedule()
	return gossip
}

// UpsertLocal updates the entry with the given key, owned by the local node.
func (g *Gossip) UpsertLocal(key, value string) {
	g.state.UpsertLocal(key, value)
}

// DeleteLocal deletes the entry with the given key.
//
// The deletion is written as a tombstone so it propagates to every replica
// before being garbage collected.
func (g *Gossip) DeleteLocal(key string) {
	g.state.DeleteLocal(key)
}

// Get returns the value of the entry with the given key.
func (g *Gossip) Get(key string) (string, bool) {
	return g.state.Get(key)
}

// Entries returns every entry in the local state, including tombstones that
// have not yet been garbage collected.
func (g *Gossip) Entries() []Entry {
	return g.state.Entries()
}

// VersionVector returns the highest entry version observed per owner.
func (g *Gossip) VersionVector() map[string]uint64 {
	return g.state.VersionVector()
}

// LocalMember returns the state of the local node.
func (g *Gossip) LocalMember() Member {
	return g.state.LocalMember()
}

// Member returns the known state of the member with the given ID.
func (g *Gossip) Member(id string) (Member, bool) {
	return g.state.Member(id)
}

// Members returns the known state of each cluster member.
func (g *Gossip) Members() []Member {
	return g.state.Members()
}

// AddSyncPeer adds the member with the given ID to the set of anti-entropy
// peers.
//
// If the member is already alive, a full sync is scheduled immediately
// rather than waiting for the next full sync interval, so a peer re-added
// after the set was emptied is reconciled straight away.
func (g *Gossip) AddSyncPeer(id string) {
	g.state.AddSyncPeer(id)

	if id == g.state.LocalID() {
		return
	}
	if member, ok := g.state.Member(id); ok && member.Status == StatusAlive {
		g.triggerRecovery([]Member{member})
	}
}

// RemoveSyncPeer removes the member with the given ID from the set of
// anti-entropy peers.
func (g *Gossip) RemoveSyncPeer(id string) {
	g.state.RemoveSyncPeer(id)
}

// SyncPeerIDs returns the configured anti-entropy peer IDs.
func (g *Gossip) SyncPeerIDs() []string {
	return g.state.SyncPeerIDs()
}

// Join attempts to join an existing cluster by contacting the nodes at the
// given addresses.
//
// The addresses may contain either IP addresses or domain names. When a
// domain name is used, the domain is resolved and each resolved IP address
// is contacted. If the port is omitted the default bind port is used.
//
// Join only sends the announcements: membership is learned asynchronously
// from the replies, so callers should retry until the cluster is visible in
// Members.
func (g *Gossip) Join(addrs []string) error {
	if len(addrs) == 0 {
		return nil
	}

	b, err := encodeJoin(g.state.LocalMember())
	if err != nil {
		return fmt.Errorf("encode join: %w", err)
	}

	contacted := 0
	var lastJoinErr error
	for _, unresolvedAddr := range addrs {
		unresolvedAddr = g.ensurePort(unresolvedAddr)
		resolvedAddrs, err := resolveAddr(unresolvedAddr)
		if err != nil {
			return fmt.Errorf("resolve: %s: %w", unresolvedAddr, err)
		}

		if len(resolvedAddrs) == 0 {
			g.logger.Warn(
				"join: domain did not resolve any addresses",
				zap.String("addr", unresolvedAddr),
			)
			continue
		}

		for _, addr := range resolvedAddrs {
			if err := g.send(addr, b); err != nil {
				lastJoinErr = err

				g.logger.Warn(
					"failed to contact join address",
					zap.String("addr", addr),
					zap.Error(err),
				)
			} else {
				contacted++
			}
		}
	}

	if contacted == 0 && lastJoinErr != nil {
		return lastJoinErr
	}
	return nil
}

// Leave gracefully leaves the cluster.
//
// This notifies up to 3 alive members that the node is leaving, so the
// cluster marks it as left immediately rather than detecting it as failed.
//
// Returns an error if no members could be notified.
func (g *Gossip) Leave() error {
	b, err := encodeLeave(g.state.LocalMember())
	if err != nil {
		return fmt.Errorf("encode leave: %w", err)
	}

	members := g.state.AliveMembers()
	rand.Shuffle(len(members), func(i, j int) {
		members[i], members[j] = members[j], members[i]
	})

	notified := 0
	var lastLeaveErr error
	for _, member := range members {
		if err := g.send(member.Addr, b); err != nil {
			g.logger.Warn(
				"failed to send leave to member",
				zap.String("member-id", member.ID),
				zap.Error(err),
			)
			lastLeaveErr = err
		} else {
			g.logger.Info(
				"notified member of leave",
				zap.String("member-id", member.ID),
			)

			notified++
			if notified >= 3 {
				return nil
			}
		}
	}

	if notified > 0 {
		return nil
	}
	return lastLeaveErr
}

func (g *Gossip) Metrics() *Metrics {
	return g.metrics
}

// Close stops gossiping and closes the transport.
//
// To leave gracefully, first call Leave, otherwise other members of the
// cluster will detect this node as failed rather than as having left.
func (g *Gossip) Close() error {
	if !g.closed.CompareAndSwap(false, true) {
		// Already closed.
		return nil
	}

	close(g.shutdownCh)
	err := g.transport.Close()
	g.wg.Wait()
	return err
}

func (g *Gossip) schedule() {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.receiveLoop()
	}()

	g.scheduleFunc(g.conf.GossipInterval, func() {
		g.gossipRound()
	})
	g.scheduleFunc(g.conf.GossipInterval, func() {
		g.sweep()
	})
	g.scheduleFunc(g.conf.SyncInterval, func() {
		g.syncRound()
	})
	g.scheduleFunc(g.conf.GossipInterval*10, func() {
		g.maintenance()
	})

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.fullSyncLoop()
	}()
}

func (g *Gossip) scheduleFunc(interval time.Duration, f func()) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				// Add 10% jitter to avoid nodes synchronising.
				jitterMs := (rand.Int63() % interval.Milliseconds()) / 10
				select {
				case <-time.After(time.Duration(jitterMs) * time.Millisecond):
					f()
				case <-g.shutdownCh:
					return
				}

			case <-g.shutdownCh:
				return
			}
		}
	}()
}

func (g *Gossip) receiveLoop() {
	for {
		select {
		case packet, ok := <-g.transport.Receive():
			if !ok {
				return
			}
			g.onPacket(packet)
		case <-g.shutdownCh:
			return
		}
	}
}

// gossipRound initiates a round of gossip: the local membership view and a
// random sample of entries are sent to fanout random alive members, plus one
// suspect or dead member so falsely accused nodes still hear the rumours
// about themselves and can refute them.
func (g *Gossip) gossipRound() {
	targets := g.state.GossipTargets(g.conf.Fanout)
	if len(targets) == 0 {
		return
	}

	g.metrics.GossipRounds.Inc()

	// Shuffle since we may not be able to send all members or entries, so
	// each round rotates which subset each target hears about.
	members := g.state.Members()
	rand.Shuffle(len(members), func(i, j int) {
		members[i], members[j] = members[j], members[i]
	})
	entries := g.state.Entries()
	rand.Shuffle(len(entries), func(i, j int) {
		entries[i], entries[j] = entries[j], entries[i]
	})

	b, _, _, err := encodeGossip(
		g.state.LocalMember(), members, entries, g.conf.MaxPacketSize,
	)
	if err != nil {
		g.logger.Warn("gossip round failed", zap.Error(err))
		return
	}

	for _, target := range targets {
		if err := g.send(target.Addr, b); err != nil {
			g.logger.Warn(
				"failed to gossip with member",
				zap.String("member-id", target.ID),
				zap.Error(err),
			)
		}
	}
}

// sweep applies the failure detector timeouts, then announces any status
// changes straight away rather than waiting for the next gossip round.
func (g *Gossip) sweep() {
	changed := g.state.Sweep()
	for _, member := range changed {
		g.logger.Info(
			"member status changed",
			zap.String("member-id", member.ID),
			zap.String("status", member.Status.String()),
		)
	}
	if len(changed) > 0 {
		g.gossipRound()
	}
}

// syncRound initiates incremental anti-entropy with a random sample of sync
// peers. Each side learns the others version vector and responds with
// exactly the entries the other is missing.
func (g *Gossip) syncRound() {
	peers := g.state.SampleSyncPeers(g.conf.MaxSyncPeers)
	if len(peers) == 0 {
		return
	}

	g.metrics.SyncRounds.Inc()

	for _, peer := range peers {
		if err := g.sendSyncRequest(peer, false); err != nil {
			g.logger.Warn(
				"failed to sync with peer",
				zap.String("member-id", peer.ID),
				zap.Error(err),
			)
		}
	}
}

// fullSyncLoop runs a periodic full state synchronisation with every alive
// sync peer, and out-of-band full syncs when a sync peer recovers from
// suspect or dead, to repair partitions without waiting for the next
// interval.
func (g *Gossip) fullSyncLoop() {
	ticker := time.NewTicker(g.conf.FullSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.metrics.FullSyncs.With(triggerLabel("interval")).Inc()
			for _, peer := range g.state.AliveSyncPeers() {
				if err := g.sendSyncRequest(peer, true); err != nil {
					g.logger.Warn(
						"failed to full sync with peer",
						zap.String("member-id", peer.ID),
						zap.Error(err),
					)
				}
			}
		case recovered := <-g.fullSyncCh:
			g.metrics.FullSyncs.With(triggerLabel("recovery")).Inc()
			for _, peer := range recovered {
				g.logger.Info(
					"sync peer recovered; starting full sync",
					zap.String("member-id", peer.ID),
				)
				if err := g.sendSyncRequest(peer, true); err != nil {
					g.logger.Warn(
						"failed to full sync with recovered peer",
						zap.String("member-id", peer.ID),
						zap.Error(err),
					)
				}
			}
		case <-g.shutdownCh:
			return
		}
	}
}

func (g *Gossip) maintenance() {
	for _, member := range g.state.RemoveExpired() {
		g.logger.Info(
			"removed expired member",
			zap.String("member-id", member.ID),
		)
	}
	for _, entry := range g.state.Compact() {
		g.logger.Debug(
			"garbage collected tombstone",
			zap.String("key", entry.Key),
		)
	}
}

// triggerRecovery schedules an out-of-band full sync with the given
// recovered sync peers. Must not block as it is called from the receive
// loop.
func (g *Gossip) triggerRecovery(recovered []Member) {
	if len(recovered) == 0 {
		return
	}
	select {
	case g.fullSyncCh <- recovered:
	default:
		// A full sync is already pending, which will cover the recovered
		// peers too.
	}
}

func (g *Gossip) sendSyncRequest(peer Member, full bool) error {
	var vv map[string]uint64
	if !full {
		vv = g.state.VersionVector()
	}

	b, err := encodeSync(syncHeader{
		From:          g.state.LocalMember(),
		Request:       true,
		Full:          full,
		VersionVector: vv,
	}, g.conf.MaxPacketSize)
	if err != nil {
		return fmt.Errorf("encode sync: %w", err)
	}
	return g.send(peer.Addr, b)
}

// sendDelta sends the given members and entries to addr, split across as
// many packets as needed. Splitting is safe as merging members and entries
// is idempotent and commutative, so partial delivery simply leaves less for
// the next round to repair.
func (g *Gossip) sendDelta(addr string, full bool, members []Member, entries []Entry) error {
	for len(members) > 0 || len(entries) > 0 {
		b, membersSent, entriesSent, err := encodeDelta(
			g.state.LocalMember(), full, members, entries, g.conf.MaxPacketSize,
		)
		if err != nil {
			return fmt.Errorf("encode delta: %w", err)
		}
		if err := g.send(addr, b); err != nil {
			return err
		}

		members = members[membersSent:]
		entries = entries[entriesSent:]

		if membersSent == 0 && entriesSent == 0 {
			// The next record alone exceeds the packet budget so can never
			// be sent.
			if len(members) > 0 {
				g.logger.Warn(
					"member exceeds max packet size; skipping",
					zap.String("member-id", members[0].ID),
				)
				members = members[1:]
			} else {
				g.logger.Warn(
					"entry exceeds max packet size; skipping",
					zap.String("key", entries[0].Key),
				)
				entries = entries[1:]
			}
		}
	}
	return nil
}

func (g *Gossip) send(addr string, b []byte) error {
	if err := g.transport.Send(addr, b); err != nil {
		return err
	}
	g.metrics.PacketsOutbound.Inc()
	g.metrics.PacketBytesOutbound.Add(float64(len(b)))
	return nil
}

// ensurePort adds the configured bind port to addr if addr doesn't already
// have a port.
func (g *Gossip) ensurePort(addr string) string {
	if strings.Contains(addr, ":") {
		return addr
	}

	_, bindPort, err := net.SplitHostPort(g.conf.BindAddr)
	if err != nil {
		// We've already bound to bind addr so expect it to be valid.
		panic("invalid bind addr:" + g.conf.BindAddr)
	}

	return addr + ":" + bindPort
}

// resolveAddr resolves the given address, which may be a domain pointing
// to multiple IP addresses. If no port is given the bind port is used.
func resolveAddr(addr string) ([]string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid addr: %s: %w", addr, err)
	}

	// If the address already contains an IP address, do nothing.
	if ip := net.ParseIP(host); ip != nil {
		return []string{addr}, nil
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, fmt.Errorf("lookup host: %s: %w", host, err)
	}

	var addrs []string
	for _, ip := range ips {
		addrs = append(addrs, ip.String()+":"+port)
	}
	return addrs, nil
}
