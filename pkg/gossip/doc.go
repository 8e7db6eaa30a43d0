// Package gossip manages cluster membership, failure detection and
// anti-entropy for the local node.
//
// Each node tracks the liveness of every known peer using a SWIM style
// failure detector, where unresponsive peers are first suspected and only
// later declared dead, and a suspected node refutes the rumour by
// incrementing its own incarnation.
//
// Nodes also maintain a key-value state space, where each entry is versioned
// and attributed to the node that wrote it. Entries are propagated
// opportunistically by gossip rounds, and periodic anti-entropy
// synchronisation bounds the time to convergence by exchanging version
// vectors (incremental sync) or complete snapshots (full sync) with a
// configured set of sync peers. Conflicting writes from independent origins
// are resolved deterministically so all nodes converge on the same state
// regardless of delivery order.
package gossip
