package gossip

// Entry is a single versioned key-value pair in the replicated state.
type Entry struct {
	// Key identifies the entry.
	Key string `json:"key" codec:"key"`

	// Value is the entry payload. Ignored when Deleted is set.
	Value string `json:"value" codec:"value"`

	// Version is the owners write counter when the entry was written.
	// Versions are strictly monotone per owner, so a version vector of the
	// highest version seen per owner identifies exactly which writes a node
	// has observed.
	Version uint64 `json:"version" codec:"version"`

	// Timestamp is the owners wall clock when the entry was written, in
	// Unix nanoseconds. Used by the last-write-wins conflict policy.
	Timestamp int64 `json:"timestamp" codec:"timestamp"`

	// Owner is the ID of the node that wrote the entry.
	Owner string `json:"owner" codec:"owner"`

	// Deleted marks the entry as a tombstone. Tombstones propagate like any
	// other write, then are garbage collected once every replica has had
	// time to observe them.
	Deleted bool `json:"deleted" codec:"deleted"`
}

// StateDiff describes how a remote snapshot differs from the local state.
type StateDiff struct {
	// Missing contains remote entries for keys the local node has never
	// seen.
	Missing []Entry
	// Outdated contains remote entries that supersede the local entry for
	// the same key from the same owner.
	Outdated []Entry
	// Conflicting contains remote entries written concurrently by a
	// different owner than the local entry for the same key.
	Conflicting []Entry
}

// resolver deterministically picks the winner of two entries for the same
// key. Every node applies the same resolution, so replicas converge on the
// same state regardless of the order entries arrive in.
type resolver struct {
	policy ConflictPolicy
}

// Resolve returns the winning entry. It is commutative: Resolve(a, b) and
// Resolve(b, a) select the same entry.
func (r resolver) Resolve(a Entry, b Entry) Entry {
	if a.Owner == b.Owner {
		// Writes from a single owner are totally ordered by version.
		if b.Version > a.Version {
			return b
		}
		return a
	}

	switch r.policy {
	case ConflictPolicyOwner:
		if b.Owner < a.Owner {
			return b
		}
		return a
	default:
		// Last write wins. Ties are broken by the lexically smallest owner
		// so concurrent writes with identical timestamps still resolve
		// identically everywhere.
		if a.Timestamp != b.Timestamp {
			if b.Timestamp > a.Timestamp {
				return b
			}
			return a
		}
		if b.Owner < a.Owner {
			return b
		}
		return a
	}
}
