package gossip

import (
	"math/rand"
	"sort"
	"sync"
	"time"
)

// state contains the local nodes view of the cluster: the membership table,
// the replicated key-value entries and the version vector.
//
// Knowledge about the local node is always authoritative as only the local
// node may write its own entries or increment its own incarnation. Knowledge
// about remote nodes is eventually consistent and propagated via gossip and
// anti-entropy.
type state struct {
	localID string

	members map[string]*memberState

	// entries is the replicated key-value state, keyed by entry key.
	// Includes tombstones until they are garbage collected.
	entries map[string]Entry

	// versionVector is the highest entry version observed per owner.
	versionVector map[string]uint64

	// syncPeers is the set of member IDs to run anti-entropy with.
	syncPeers map[string]struct{}

	conf *Config

	resolver resolver

	// mu protects the above fields.
	mu sync.Mutex

	metrics *Metrics

	watcher Watcher
}

func newState(
	localID string,
	localAddr string,
	conf *Config,
	metrics *Metrics,
	watcher Watcher,
) *state {
	members := make(map[string]*memberState)
	members[localID] = &memberState{
		Member: Member{
			ID:          localID,
			Addr:        localAddr,
			Status:      StatusAlive,
			Incarnation: 1,
			LastSeen:    time.Now(),
		},
	}

	s := &state{
		localID:       localID,
		members:       members,
		entries:       make(map[string]Entry),
		versionVector: make(map[string]uint64),
		syncPeers:     make(map[string]struct{}),
		conf:          conf,
		resolver:      resolver{policy: conf.ConflictPolicy},
		metrics:       metrics,
		watcher:       watcher,
	}
	metrics.Members.With(statusLabel(StatusAlive)).Inc()
	return s
}

func (s *state) LocalID() string {
	return s.localID
}

func (s *state) LocalMember() Member {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.members[s.localID].Member
}

func (s *state) Member(id string) (Member, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	member, ok := s.members[id]
	if !ok {
		return Member{}, false
	}
	return member.Member, true
}

func (s *state) Members() []Member {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := make([]Member, 0, len(s.members))
	for _, member := range s.members {
		members = append(members, member.Member)
	}
	sort.Slice(members, func(i, j int) bool {
		return members[i].ID < members[j].ID
	})
	return members
}

// AliveMembers returns the known remote members considered alive.
func (s *state) AliveMembers() []Member {
	s.mu.Lock()
	defer s.mu.Unlock()

	var members []Member
	for _, member := range s.members {
		if member.ID == s.localID {
			continue
		}
		if member.Status != StatusAlive {
			continue
		}
		members = append(members, member.Member)
	}
	return members
}

// GossipTargets selects the members to gossip with this round: up to fanout
// random alive members, plus one random suspect or dead member so that a
// falsely accused node still hears the rumours about itself and can refute
// them.
func (s *state) GossipTargets(fanout int) []Member {
	s.mu.Lock()
	defer s.mu.Unlock()

	var alive []Member
	var failed []Member
	for _, member := range s.members {
		if member.ID == s.localID {
			continue
		}
		if member.Status == StatusAlive {
			alive = append(alive, member.Member)
		} else {
			failed = append(failed, member.Member)
		}
	}

	rand.Shuffle(len(alive), func(i, j int) {
		alive[i], alive[j] = alive[j], alive[i]
	})
	if len(alive) > fanout {
		alive = alive[:fanout]
	}

	if len(failed) > 0 {
		alive = append(alive, failed[rand.Intn(len(failed))])
	}

	return alive
}

// ApplyMembers merges remote knowledge about cluster members into the local
// membership table.
//
// Returns whether the local node refuted a rumour about itself, plus any
// sync peers that recovered from suspect or dead to alive, as recovered sync
// peers must be synchronised out of band to repair a partition.
func (s *state) ApplyMembers(members []Member) (bool, []Member) {
	return s.ApplyMembersAt(members, time.Now())
}

func (s *state) ApplyMembersAt(members []Member, t time.Time) (bool, []Member) {
	s.mu.Lock()
	defer s.mu.Unlock()

	refuted := false
	var recovered []Member
	for _, member := range members {
		if member.ID == s.localID {
			if s.refuteLocked(member) {
				refuted = true
			}
			continue
		}

		if m, ok := s.applyMemberLocked(member, t); ok {
			recovered = append(recovered, m)
		}
	}
	return refuted, recovered
}

// refuteLocked handles a remote claim about the local node. A suspect or
// dead claim at the local incarnation or above is refuted by incrementing
// the local incarnation past the claim, which supersedes the rumour
// everywhere it has spread.
func (s *state) refuteLocked(claim Member) bool {
	local := s.members[s.localID]
	if claim.Status == StatusAlive {
		return false
	}
	if !supersedes(claim, local.Member) {
		// Stale rumour about a previous incarnation.
		return false
	}

	local.Incarnation = claim.Incarnation + 1
	s.metrics.Refutations.Inc()
	return true
}

func (s *state) applyMemberLocked(member Member, t time.Time) (Member, bool) {
	existing, ok := s.members[member.ID]
	if !ok {
		if member.Status == StatusDead {
			// Never seen this member and it is already declared dead, so
			// there is nothing to track. Adding it would keep re-discovering
			// members that are long gone.
			return Member{}, false
		}

		added := &memberState{
			Member: Member{
				ID:          member.ID,
				Addr:        member.Addr,
				Status:      member.Status,
				Incarnation: member.Incarnation,
				LastSeen:    t,
			},
		}
		s.members[member.ID] = added

		s.metrics.Members.With(statusLabel(member.Status)).Inc()
		s.watcher.OnJoin(added.Member)
		return Member{}, false
	}

	if !supersedes(member, existing.Member) {
		return Member{}, false
	}

	prev := existing.Status

	existing.Addr = member.Addr
	existing.Incarnation = member.Incarnation
	s.setStatusLocked(existing, member.Status, t)

	if member.Status == StatusAlive {
		existing.LastSeen = t
	}

	if prev != StatusAlive && member.Status == StatusAlive {
		if _, ok := s.syncPeers[member.ID]; ok {
			return existing.Member, true
		}
	}
	return Member{}, false
}

// ApplyLeave handles a graceful leave announcement. The member is declared
// dead immediately rather than waiting for the failure detector timeouts.
func (s *state) ApplyLeave(member Member) {
	s.ApplyLeaveAt(member, time.Now())
}

func (s *state) ApplyLeaveAt(member Member, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if member.ID == s.localID {
		return
	}

	existing, ok := s.members[member.ID]
	if !ok {
		return
	}
	if member.Incarnation < existing.Incarnation {
		return
	}
	if existing.Status == StatusDead {
		return
	}

	existing.Incarnation = member.Incarnation
	s.setStatusLocked(existing, StatusDead, t)
	s.watcher.OnLeave(existing.Member)
}

// RecordContact records direct contact with a member, which proves it is
// alive. A suspect member is restored without waiting for a refutation,
// though a dead member may only return via a higher incarnation.
func (s *state) RecordContact(id string) (Member, bool) {
	return s.RecordContactAt(id, time.Now())
}

func (s *state) RecordContactAt(id string, t time.Time) (Member, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	member, ok := s.members[id]
	if !ok {
		return Member{}, false
	}
	if member.Status == StatusDead {
		return Member{}, false
	}

	member.LastSeen = t

	if member.Status == StatusSuspect {
		s.setStatusLocked(member, StatusAlive, t)

		if _, ok := s.syncPeers[id]; ok {
			return member.Member, true
		}
	}
	return Member{}, false
}

// Sweep downgrades members that have not been heard from: alive members
// become suspect after the suspicion timeout, and suspect members become
// dead after a further failure timeout. Returns the members that changed
// status.
func (s *state) Sweep() []Member {
	return s.SweepAt(time.Now())
}

func (s *state) SweepAt(t time.Time) []Member {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []Member
	for _, member := range s.members {
		if member.ID == s.localID {
			continue
		}

		silence := t.Sub(member.LastSeen)
		switch member.Status {
		case StatusAlive:
			if silence > s.conf.SuspicionTimeout {
				s.setStatusLocked(member, StatusSuspect, t)
				s.metrics.FailuresDetected.With(statusLabel(StatusSuspect)).Inc()
				s.watcher.OnSuspect(member.Member)
				changed = append(changed, member.Member)
			}
		case StatusSuspect:
			if silence > s.conf.SuspicionTimeout+s.conf.FailureTimeout {
				s.setStatusLocked(member, StatusDead, t)
				s.metrics.FailuresDetected.With(statusLabel(StatusDead)).Inc()
				s.watcher.OnDead(member.Member)
				changed = append(changed, member.Member)
			}
		}
	}
	return changed
}

// RemoveExpired discards dead members whose retention period has passed.
func (s *state) RemoveExpired() []Member {
	return s.RemoveExpiredAt(time.Now())
}

func (s *state) RemoveExpiredAt(t time.Time) []Member {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []Member
	for id, member := range s.members {
		if member.expiry.IsZero() || t.Before(member.expiry) {
			continue
		}

		delete(s.members, id)
		delete(s.syncPeers, id)
		s.metrics.Members.With(statusLabel(member.Status)).Dec()
		s.metrics.SyncPeers.Set(float64(len(s.syncPeers)))

		s.watcher.OnExpired(member.Member)
		expired = append(expired, member.Member)
	}
	return expired
}

// setStatusLocked transitions a member to the given status, keeping the
// status gauges and the dead member expiry consistent. Alive transitions
// notify the watcher here as they occur on several paths.
func (s *state) setStatusLocked(member *memberState, status MemberStatus, t time.Time) {
	if member.Status == status {
		return
	}

	s.metrics.Members.With(statusLabel(member.Status)).Dec()
	s.metrics.Members.With(statusLabel(status)).Inc()

	prev := member.Status
	member.Status = status

	if status == StatusDead {
		member.expiry = t.Add(s.conf.TombstoneRetention)
	} else {
		member.expiry = time.Time{}
	}

	if status == StatusAlive && prev != StatusAlive {
		s.watcher.OnAlive(member.Member)
	}
}

// UpsertLocal writes a key-value entry owned by the local node.
func (s *state) UpsertLocal(key, value string) {
	s.UpsertLocalAt(key, value, time.Now())
}

func (s *state) UpsertLocalAt(key, value string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.entries[key]
	if ok && !existing.Deleted && existing.Owner == s.localID && existing.Value == value {
		// Unchanged, nothing to propagate.
		return
	}

	s.versionVector[s.localID]++
	s.entries[key] = Entry{
		Key:       key,
		Value:     value,
		Version:   s.versionVector[s.localID],
		Timestamp: t.UnixNano(),
		Owner:     s.localID,
	}
	if !ok {
		s.metrics.Entries.Inc()
	}

	s.watcher.OnUpsertEntry(s.localID, key, value)
}

// DeleteLocal writes a tombstone for the given key. The tombstone propagates
// like any other write so every replica learns of the deletion, then is
// garbage collected after the retention period.
func (s *state) DeleteLocal(key string) {
	s.DeleteLocalAt(key, time.Now())
}

func (s *state) DeleteLocalAt(key string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.entries[key]
	if !ok {
		return
	}
	if existing.Deleted {
		return
	}

	s.versionVector[s.localID]++
	s.entries[key] = Entry{
		Key:       key,
		Version:   s.versionVector[s.localID],
		Timestamp: t.UnixNano(),
		Owner:     s.localID,
		Deleted:   true,
	}

	s.watcher.OnDeleteEntry(s.localID, key)
}

// Get returns the value for the given key, hiding tombstones.
func (s *state) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok || entry.Deleted {
		return "", false
	}
	return entry.Value, true
}

// Entries returns every entry including tombstones, sorted by key.
func (s *state) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key < entries[j].Key
	})
	return entries
}

// EntriesSince returns the entries the given version vector has not yet
// observed, ordered by owner then version so a truncated send still delivers
// a prefix of each owners writes.
func (s *state) EntriesSince(versionVector map[string]uint64) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []Entry
	for _, entry := range s.entries {
		if entry.Version > versionVector[entry.Owner] {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Owner != entries[j].Owner {
			return entries[i].Owner < entries[j].Owner
		}
		return entries[i].Version < entries[j].Version
	})
	return entries
}

// VersionVector returns a copy of the local version vector.
func (s *state) VersionVector() map[string]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	vv := make(map[string]uint64, len(s.versionVector))
	for owner, version := range s.versionVector {
		vv[owner] = version
	}
	return vv
}

// ApplyEntries merges remote entries into the local state, resolving
// conflicting writes deterministically. Merging is idempotent and
// commutative, so duplicate or reordered delivery converges on the same
// state.
//
// Returns a diff describing how the remote entries differed from the local
// state before the merge.
func (s *state) ApplyEntries(entries []Entry) StateDiff {
	s.mu.Lock()
	defer s.mu.Unlock()

	var diff StateDiff
	for _, entry := range entries {
		if entry.Owner == s.localID {
			// Only the local node writes its own entries. A remote echo of
			// our own write is either a duplicate or stale.
			continue
		}

		if entry.Version > s.versionVector[entry.Owner] {
			s.versionVector[entry.Owner] = entry.Version
		}

		existing, ok := s.entries[entry.Key]
		if !ok {
			diff.Missing = append(diff.Missing, entry)
			s.applyEntryLocked(entry, true)
			continue
		}
		if existing.Owner == entry.Owner && existing.Version == entry.Version {
			// Already observed.
			continue
		}

		winner := s.resolver.Resolve(existing, entry)
		remoteWins := winner.Owner == entry.Owner && winner.Version == entry.Version

		if existing.Owner == entry.Owner {
			if remoteWins {
				diff.Outdated = append(diff.Outdated, entry)
				s.applyEntryLocked(entry, false)
			}
			continue
		}

		diff.Conflicting = append(diff.Conflicting, entry)
		if remoteWins {
			s.metrics.ConflictsResolved.With(outcomeLabel("remote")).Inc()
			s.applyEntryLocked(entry, false)
		} else {
			s.metrics.ConflictsResolved.With(outcomeLabel("local")).Inc()
		}
	}
	return diff
}

func (s *state) applyEntryLocked(entry Entry, added bool) {
	s.entries[entry.Key] = entry
	if added {
		s.metrics.Entries.Inc()
	}
	s.metrics.EntriesMerged.Inc()

	if entry.Deleted {
		s.watcher.OnDeleteEntry(entry.Owner, entry.Key)
	} else {
		s.watcher.OnUpsertEntry(entry.Owner, entry.Key, entry.Value)
	}
}

// Compact garbage collects tombstones older than the retention period. By
// then every replica has had multiple full sync rounds to observe the
// deletion, so discarding the tombstone cannot resurrect the key.
func (s *state) Compact() []Entry {
	return s.CompactAt(time.Now())
}

func (s *state) CompactAt(t time.Time) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := t.Add(-s.conf.TombstoneRetention).UnixNano()

	var removed []Entry
	for key, entry := range s.entries {
		if !entry.Deleted {
			continue
		}
		if entry.Timestamp > cutoff {
			continue
		}

		delete(s.entries, key)
		s.metrics.Entries.Dec()
		removed = append(removed, entry)
	}
	return removed
}

// AddSyncPeer adds a member to the set of anti-entropy peers.
func (s *state) AddSyncPeer(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.syncPeers[id] = struct{}{}
	s.metrics.SyncPeers.Set(float64(len(s.syncPeers)))
}

// RemoveSyncPeer removes a member from the set of anti-entropy peers.
func (s *state) RemoveSyncPeer(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.syncPeers, id)
	s.metrics.SyncPeers.Set(float64(len(s.syncPeers)))
}

// SyncPeerIDs returns the configured sync peer IDs, sorted.
func (s *state) SyncPeerIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.syncPeers))
	for id := range s.syncPeers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SampleSyncPeers returns up to n random alive sync peers.
func (s *state) SampleSyncPeers(n int) []Member {
	s.mu.Lock()
	defer s.mu.Unlock()

	var peers []Member
	for id := range s.syncPeers {
		member, ok := s.members[id]
		if !ok || member.Status != StatusAlive {
			continue
		}
		peers = append(peers, member.Member)
	}

	rand.Shuffle(len(peers), func(i, j int) {
		peers[i], peers[j] = peers[j], peers[i]
	})
	if len(peers) > n {
		peers = peers[:n]
	}
	return peers
}

// AliveSyncPeers returns every alive sync peer.
func (s *state) AliveSyncPeers() []Member {
	s.mu.Lock()
	defer s.mu.Unlock()

	var peers []Member
	for id := range s.syncPeers {
		member, ok := s.members[id]
		if !ok || member.Status != StatusAlive {
			continue
		}
		peers = append(peers, member.Member)
	}
	return peers
}
