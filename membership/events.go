package membership

// StateChange describes a transition of a member in the local view.
type StateChange struct {
	ID   NodeID
	Prev State
	Next State
}

// Joined reports whether the member was not known before the change.
func (c *StateChange) Joined() bool {
	return c.Prev.Status == 0
}
