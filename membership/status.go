package membership

type Status uint8

const (
	// StatusAlive is the status of a node that answers probes.
	StatusAlive Status = iota + 1

	// StatusSuspect is the status of a node that has failed both direct and
	// indirect probes but has not yet been declared dead.
	StatusSuspect

	// StatusDead is the status of a node whose suspicion has expired.
	StatusDead
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusAlive:
		return "alive"
	case StatusSuspect:
		return "suspect"
	case StatusDead:
		return "dead"
	default:
		return ""
	}
}

// Char returns a single-letter representation used in compact log lines.
func (s Status) Char() byte {
	switch s {
	case StatusAlive:
		return 'A'
	case StatusSuspect:
		return 'S'
	case StatusDead:
		return 'D'
	default:
		return '?'
	}
}

// Valid reports whether the status is one of the known values.
func (s Status) Valid() bool {
	return s >= StatusAlive && s <= StatusDead
}

// WorseThan returns true if the status is worse than the other status.
func (s Status) WorseThan(other Status) bool {
	return s > other
}

// State is the liveness of a member as seen by some node: the status together
// with the incarnation number the status refers to. Incarnations are only ever
// increased by the member itself.
type State struct {
	Status      Status
	Incarnation uint64
}

func Alive(incarnation uint64) State {
	return State{Status: StatusAlive, Incarnation: incarnation}
}

func Suspect(incarnation uint64) State {
	return State{Status: StatusSuspect, Incarnation: incarnation}
}

func Dead(incarnation uint64) State {
	return State{Status: StatusDead, Incarnation: incarnation}
}

// Supersedes reports whether s should replace other. A higher incarnation
// always wins; at equal incarnation the worse status wins, so dead dominates
// suspect and suspect dominates alive. A state never supersedes itself.
func (s State) Supersedes(other State) bool {
	if s.Incarnation != other.Incarnation {
		return s.Incarnation > other.Incarnation
	}

	return s.Status.WorseThan(other.Status)
}
