package membership

import "fmt"

// NodeID is a unique cluster node identifier (rank).
type NodeID uint32

func (id NodeID) String() string {
	return fmt.Sprintf("%d", id)
}

// Node is a member of the local membership view.
type Node struct {
	ID NodeID
	State
}

// Update is a single membership change disseminated through the cluster.
type Update struct {
	Subject NodeID
	State
}

func (u Update) String() string {
	return fmt.Sprintf("{%d %c %d}", u.Subject, u.Status.Char(), u.Incarnation)
}
