package gossip

import (
	"math/rand"

	"go.uber.org/zap"
)

// onPacket handles an inbound packet from the transport.
//
// Malformed packets are dropped: the sender never retransmits, so there is
// nothing to reject, and anti-entropy repairs whatever the packet carried.
func (g *Gossip) onPacket(packet *Packet) {
	g.metrics.PacketsInbound.Inc()
	g.metrics.PacketBytesInbound.Add(float64(len(packet.Buf)))

	messageType, err := peekMessageType(packet.Buf)
	if err != nil {
		g.logger.Warn(
			"dropping malformed packet",
			zap.String("from", packet.From),
			zap.Error(err),
		)
		return
	}

	g.logger.Debug(
		"received packet",
		zap.String("type", messageType.String()),
		zap.String("from", packet.From),
		zap.Int("bytes", len(packet.Buf)),
	)

	switch messageType {
	case messageTypeJoin:
		g.onJoin(packet)
	case messageTypeJoinReply:
		g.onJoinReply(packet)
	case messageTypeGossip:
		g.onGossip(packet)
	case messageTypeSync:
		g.onSync(packet)
	case messageTypeSyncDelta:
		g.onDelta(packet)
	case messageTypeLeave:
		g.onLeave(packet)
	default:
		g.logger.Warn(
			"dropping packet with unknown message type",
			zap.String("type", messageType.String()),
			zap.String("from", packet.From),
		)
	}
}

func (g *Gossip) onJoin(packet *Packet) {
	header, err := decodeJoin(packet.Buf)
	if err != nil {
		g.logger.Warn("dropping malformed join", zap.Error(err))
		return
	}

	g.logger.Info(
		"member joining",
		zap.String("member-id", header.Member.ID),
		zap.String("addr", header.Member.Addr),
	)

	_, recovered := g.state.ApplyMembers([]Member{header.Member})
	g.triggerRecovery(recovered)

	// The membership snapshot may exceed the packet budget, so send it split
	// across as many packets as needed.
	members := g.state.Members()
	for len(members) > 0 {
		b, sent, err := encodeJoinReply(
			g.state.LocalMember(), members, g.conf.MaxPacketSize,
		)
		if err != nil {
			g.logger.Warn("failed to encode join reply", zap.Error(err))
			return
		}
		if err := g.send(header.Member.Addr, b); err != nil {
			g.logger.Warn(
				"failed to send join reply",
				zap.String("member-id", header.Member.ID),
				zap.Error(err),
			)
			return
		}

		members = members[sent:]
		if sent == 0 && len(members) > 0 {
			g.logger.Warn(
				"member exceeds max packet size; skipping",
				zap.String("member-id", members[0].ID),
			)
			members = members[1:]
		}
	}
}

func (g *Gossip) onJoinReply(packet *Packet) {
	header, members, err := decodeJoinReply(packet.Buf)
	if err != nil {
		g.logger.Warn("dropping malformed join reply", zap.Error(err))
		return
	}

	_, recovered := g.state.ApplyMembers(append(members, header.From))
	g.triggerRecovery(recovered)

	if _, ok := g.state.RecordContact(header.From.ID); ok {
		g.triggerRecovery([]Member{header.From})
	}
}

func (g *Gossip) onGossip(packet *Packet) {
	header, members, entries, err := decodeGossip(packet.Buf)
	if err != nil {
		g.logger.Warn("dropping malformed gossip", zap.Error(err))
		return
	}

	refuted, recovered := g.state.ApplyMembers(append(members, header.From))
	g.triggerRecovery(recovered)

	if peer, ok := g.state.RecordContact(header.From.ID); ok {
		g.triggerRecovery([]Member{peer})
	}

	g.state.ApplyEntries(entries)

	if refuted {
		// The sender believes a rumour about the local node. Gossip straight
		// back so the refutation at the higher incarnation spreads from the
		// source of the rumour.
		g.logger.Info(
			"refuted rumour about local node",
			zap.String("from", header.From.ID),
			zap.Uint64("incarnation", g.state.LocalMember().Incarnation),
		)
		if err := g.gossipTo(header.From.Addr); err != nil {
			g.logger.Warn("failed to gossip refutation", zap.Error(err))
		}
	}
}

func (g *Gossip) onSync(packet *Packet) {
	header, err := decodeSync(packet.Buf)
	if err != nil {
		g.logger.Warn("dropping malformed sync", zap.Error(err))
		return
	}

	_, recovered := g.state.ApplyMembers([]Member{header.From})
	g.triggerRecovery(recovered)

	if peer, ok := g.state.RecordContact(header.From.ID); ok {
		g.triggerRecovery([]Member{peer})
	}

	var members []Member
	var entries []Entry
	if header.Full {
		// Exchange complete snapshots, including the membership so both
		// sides of a healed partition learn of members discovered on the
		// other side.
		members = g.state.Members()
		entries = g.state.Entries()
	} else {
		entries = g.state.EntriesSince(header.VersionVector)
	}

	if len(members) > 0 || len(entries) > 0 {
		if err := g.sendDelta(header.From.Addr, header.Full, members, entries); err != nil {
			g.logger.Warn(
				"failed to send sync delta",
				zap.String("member-id", header.From.ID),
				zap.Error(err),
			)
			return
		}
	}

	if header.Request {
		// Make the exchange symmetric: reply with our own sync so the
		// initiator sends us the entries we are missing.
		var vv map[string]uint64
		if !header.Full {
			vv = g.state.VersionVector()
		}

		b, err := encodeSync(syncHeader{
			From:          g.state.LocalMember(),
			Full:          header.Full,
			VersionVector: vv,
		}, g.conf.MaxPacketSize)
		if err != nil {
			g.logger.Warn("failed to encode sync reply", zap.Error(err))
			return
		}
		if err := g.send(header.From.Addr, b); err != nil {
			g.logger.Warn(
				"failed to send sync reply",
				zap.String("member-id", header.From.ID),
				zap.Error(err),
			)
		}
	}
}

func (g *Gossip) onDelta(packet *Packet) {
	header, members, entries, err := decodeDelta(packet.Buf)
	if err != nil {
		g.logger.Warn("dropping malformed sync delta", zap.Error(err))
		return
	}

	refuted, recovered := g.state.ApplyMembers(append(members, header.From))
	g.triggerRecovery(recovered)

	if peer, ok := g.state.RecordContact(header.From.ID); ok {
		g.triggerRecovery([]Member{peer})
	}

	diff := g.state.ApplyEntries(entries)
	g.logger.Debug(
		"applied sync delta",
		zap.String("member-id", header.From.ID),
		zap.Bool("full", header.Full),
		zap.Int("missing", len(diff.Missing)),
		zap.Int("outdated", len(diff.Outdated)),
		zap.Int("conflicting", len(diff.Conflicting)),
	)

	if refuted {
		if err := g.gossipTo(header.From.Addr); err != nil {
			g.logger.Warn("failed to gossip refutation", zap.Error(err))
		}
	}
}

func (g *Gossip) onLeave(packet *Packet) {
	header, err := decodeLeave(packet.Buf)
	if err != nil {
		g.logger.Warn("dropping malformed leave", zap.Error(err))
		return
	}

	g.logger.Info(
		"member leaving",
		zap.String("member-id", header.Member.ID),
	)
	g.state.ApplyLeave(header.Member)
}

// gossipTo sends a gossip payload to the single member at the given address.
func (g *Gossip) gossipTo(addr string) error {
	// Shuffle since we may not be able to send all members or entries.
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
		return err
	}
	return g.send(addr, b)
}
