package faildetector

import (
	"golang.org/x/exp/slices"

	"github.com/maxpoletaev/swim/membership"
)

// SelfID returns the ID of the local node.
func (d *Detector) SelfID() membership.NodeID {
	return d.selfID
}

// Self returns the local node as seen by itself.
func (d *Detector) Self() membership.Node {
	d.mut.Lock()
	defer d.mut.Unlock()

	return membership.Node{ID: d.selfID, State: d.view[d.selfID]}
}

// Incarnation returns the current incarnation number of the local node.
func (d *Detector) Incarnation() uint64 {
	d.mut.Lock()
	defer d.mut.Unlock()

	return d.incarnation
}

// Members returns the local membership view, including the local node, sorted by ID.
func (d *Detector) Members() []membership.Node {
	d.mut.Lock()
	defer d.mut.Unlock()

	nodes := make([]membership.Node, 0, len(d.view))
	for id, st := range d.view {
		nodes = append(nodes, membership.Node{ID: id, State: st})
	}

	slices.SortFunc(nodes, func(a, b membership.Node) bool {
		return a.ID < b.ID
	})

	return nodes
}

// Member returns the state of a single member.
func (d *Detector) Member(id membership.NodeID) (membership.Node, bool) {
	d.mut.Lock()
	defer d.mut.Unlock()

	st, ok := d.view[id]

	return membership.Node{ID: id, State: st}, ok
}

// ViewHash returns a digest of the local view. Nodes with the same view have
// the same hash, which makes it cheap to check whether the cluster has converged.
func (d *Detector) ViewHash() uint64 {
	return membership.Hash(d.Members())
}

// Round returns the state of the current probing round.
func (d *Detector) Round() Round {
	d.mut.Lock()
	defer d.mut.Unlock()

	return d.round.Round
}

// PendingUpdates returns the number of updates waiting to be disseminated.
func (d *Detector) PendingUpdates() int {
	d.mut.Lock()
	defer d.mut.Unlock()

	return d.updates.Len()
}
