package gossip

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	// PacketsInbound is the number of inbound gossip packets.
	PacketsInbound prometheus.Counter

	// PacketsOutbound is the number of outbound gossip packets.
	PacketsOutbound prometheus.Counter

	// PacketBytesInbound is the total number of inbound bytes.
	PacketBytesInbound prometheus.Counter

	// PacketBytesOutbound is the total number of outbound bytes.
	PacketBytesOutbound prometheus.Counter

	// GossipRounds is the number of initiated gossip rounds.
	GossipRounds prometheus.Counter

	// SyncRounds is the number of initiated incremental sync rounds.
	SyncRounds prometheus.Counter

	// FullSyncs is the number of initiated full state synchronisations,
	// labelled by trigger ('interval' or 'recovery').
	FullSyncs *prometheus.CounterVec

	// EntriesMerged is the number of remote entries applied to the local
	// state.
	EntriesMerged prometheus.Counter

	// ConflictsResolved is the number of concurrent writes resolved,
	// labelled by outcome ('local' or 'remote').
	ConflictsResolved *prometheus.CounterVec

	// FailuresDetected is the number of status downgrades applied by the
	// failure detector, labelled by status ('suspect' or 'dead').
	FailuresDetected *prometheus.CounterVec

	// Refutations is the number of times the local node refuted a rumour
	// about itself by incrementing its incarnation.
	Refutations prometheus.Counter

	// Members is the number of known members, labelled by status.
	Members *prometheus.GaugeVec

	// Entries is the number of entries in the local state, including
	// tombstones.
	Entries prometheus.Gauge

	// SyncPeers is the number of configured sync peers.
	SyncPeers prometheus.Gauge
}

func NewMetrics() *Metrics {
	return &Metrics{
		PacketsInbound: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hearsay",
			Subsystem: "gossip",
			Name:      "packets_inbound",
			Help:      "Number of inbound gossip packets",
		}),
		PacketsOutbound: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hearsay",
			Subsystem: "gossip",
			Name:      "packets_outbound",
			Help:      "Number of outbound gossip packets",
		}),
		PacketBytesInbound: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hearsay",
			Subsystem: "gossip",
			Name:      "packet_bytes_inbound",
			Help:      "Total number of inbound bytes",
		}),
		PacketBytesOutbound: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hearsay",
			Subsystem: "gossip",
			Name:      "packet_bytes_outbound",
			Help:      "Total number of outbound bytes",
		}),
		GossipRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hearsay",
			Subsystem: "gossip",
			Name:      "rounds",
			Help:      "Number of initiated gossip rounds",
		}),
		SyncRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hearsay",
			Subsystem: "gossip",
			Name:      "sync_rounds",
			Help:      "Number of initiated incremental sync rounds",
		}),
		FullSyncs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hearsay",
				Subsystem: "gossip",
				Name:      "full_syncs",
				Help:      "Number of initiated full state synchronisations",
			},
			[]string{"trigger"},
		),
		EntriesMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hearsay",
			Subsystem: "gossip",
			Name:      "entries_merged",
			Help:      "Number of remote entries applied to the local state",
		}),
		ConflictsResolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hearsay",
				Subsystem: "gossip",
				Name:      "conflicts_resolved",
				Help:      "Number of concurrent writes resolved",
			},
			[]string{"outcome"},
		),
		FailuresDetected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hearsay",
				Subsystem: "gossip",
				Name:      "failures_detected",
				Help:      "Number of status downgrades applied by the failure detector",
			},
			[]string{"status"},
		),
		Refutations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hearsay",
			Subsystem: "gossip",
			Name:      "refutations",
			Help:      "Number of refutations of rumours about the local node",
		}),
		Members: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "hearsay",
				Subsystem: "gossip",
				Name:      "members",
				Help:      "Number of known members",
			},
			[]string{"status"},
		),
		Entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hearsay",
			Subsystem: "gossip",
			Name:      "entries",
			Help:      "Number of entries in the local state, including tombstones",
		}),
		SyncPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hearsay",
			Subsystem: "gossip",
			Name:      "sync_peers",
			Help:      "Number of configured sync peers",
		}),
	}
}

func statusLabel(s MemberStatus) prometheus.Labels {
	return prometheus.Labels{"status": s.String()}
}

func outcomeLabel(outcome string) prometheus.Labels {
	return prometheus.Labels{"outcome": outcome}
}

func triggerLabel(trigger string) prometheus.Labels {
	return prometheus.Labels{"trigger": trigger}
}

func (m *Metrics) Register(registry *prometheus.Registry) {
	registry.MustRegister(
		m.PacketsInbound,
		m.PacketsOutbound,
		m.PacketBytesInbound,
		m.PacketBytesOutbound,
		m.GossipRounds,
		m.SyncRounds,
		m.FullSyncs,
		m.EntriesMerged,
		m.ConflictsResolved,
		m.FailuresDetected,
		m.Refutations,
		m.Members,
		m.Entries,
		m.SyncPeers,
	)
}
