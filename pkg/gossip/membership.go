package gossip

import (
	"time"
)

// MemberStatus is the perceived liveness of a cluster member.
type MemberStatus uint8

const (
	// StatusAlive means the member is responding to gossip.
	StatusAlive MemberStatus = iota + 1
	// StatusSuspect means the member has not been heard from within the
	// suspicion timeout, though it has not yet been declared dead.
	StatusSuspect
	// StatusDead means the member has been declared failed. Dead members are
	// retained for a period so the declaration propagates, then discarded.
	StatusDead
)

func (s MemberStatus) String() string {
	switch s {
	case StatusAlive:
		return "alive"
	case StatusSuspect:
		return "suspect"
	case StatusDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Member represents the state of a known cluster member.
type Member struct {
	// ID is the unique identifier of the member.
	ID string `json:"id" codec:"id"`

	// Addr is the gossip address the member advertises.
	Addr string `json:"addr" codec:"addr"`

	// Status is the liveness of the member as perceived by the local node.
	Status MemberStatus `json:"status" codec:"status"`

	// Incarnation is the members incarnation number. Only the member itself
	// may increment its incarnation, which it does to refute a suspicion.
	// State about a member at a higher incarnation always supersedes state at
	// a lower incarnation.
	Incarnation uint64 `json:"incarnation" codec:"incarnation"`

	// LastSeen is when the local node last had direct or indirect contact
	// with the member. Local bookkeeping only, never sent on the wire.
	LastSeen time.Time `json:"last_seen" codec:"-"`
}

// memberState wraps a member with local bookkeeping that must not be
// gossiped.
type memberState struct {
	Member

	// expiry is when a dead member is discarded, or zero if the member is
	// not scheduled for removal.
	expiry time.Time
}

// statusSeverity orders statuses at the same incarnation. A more severe
// claim wins, so a suspicion overrides an alive claim unless the member
// refutes it at a higher incarnation.
func statusSeverity(s MemberStatus) int {
	switch s {
	case StatusAlive:
		return 0
	case StatusSuspect:
		return 1
	case StatusDead:
		return 2
	default:
		return -1
	}
}

// supersedes returns whether remote knowledge about a member overrides
// local knowledge.
func supersedes(remote Member, local Member) bool {
	if remote.Incarnation != local.Incarnation {
		return remote.Incarnation > local.Incarnation
	}
	return statusSeverity(remote.Status) > statusSeverity(local.Status)
}
