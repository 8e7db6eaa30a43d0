package gossip

// Watcher is notified of updates to the cluster.
//
// The watcher is called synchronously with the internal state mutex held,
// therefore it must not block or call back into the gossip layer.
type Watcher interface {
	// OnJoin notifies that a member joined the cluster.
	OnJoin(member Member)

	// OnLeave notifies that a member gracefully left the cluster.
	OnLeave(member Member)

	// OnAlive notifies that a suspect or dead member was observed alive
	// again.
	OnAlive(member Member)

	// OnSuspect notifies that a member is suspected of having failed.
	OnSuspect(member Member)

	// OnDead notifies that a member has been declared dead.
	OnDead(member Member)

	// OnExpired notifies that a dead member has been discarded from the
	// membership after its retention period.
	OnExpired(member Member)

	// OnUpsertEntry notifies that a key was created or updated.
	OnUpsertEntry(owner string, key string, value string)

	// OnDeleteEntry notifies that a key was deleted.
	OnDeleteEntry(owner string, key string)
}

type nopWatcher struct{}

func (w nopWatcher) OnJoin(_ Member) {}

func (w nopWatcher) OnLeave(_ Member) {}

func (w nopWatcher) OnAlive(_ Member) {}

func (w nopWatcher) OnSuspect(_ Member) {}

func (w nopWatcher) OnDead(_ Member) {}

func (w nopWatcher) OnExpired(_ Member) {}

func (w nopWatcher) OnUpsertEntry(_ string, _ string, _ string) {}

func (w nopWatcher) OnDeleteEntry(_ string, _ string) {}

var _ Watcher = nopWatcher{}
