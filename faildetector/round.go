package faildetector

import (
	"fmt"
	"time"

	"github.com/maxpoletaev/swim/internal/clock"
	"github.com/maxpoletaev/swim/membership"
)

// Phase is the stage of the current probing round.
type Phase uint8

const (
	PhaseBegin Phase = iota
	PhaseDirectPinged
	PhaseTimedOut
	PhaseIndirectPinged
	PhaseAcked
	PhaseDead
)

func (p Phase) String() string {
	switch p {
	case PhaseBegin:
		return "begin"
	case PhaseDirectPinged:
		return "direct_pinged"
	case PhaseTimedOut:
		return "timed_out"
	case PhaseIndirectPinged:
		return "indirect_pinged"
	case PhaseAcked:
		return "acked"
	case PhaseDead:
		return "dead"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// Round describes the current probing round.
type Round struct {
	Target membership.NodeID
	Phase  Phase
	Seq    uint64
}

type round struct {
	Round
	dpingDeadline clock.Timestamp
	ipingDeadline clock.Timestamp
	nextAt        clock.Timestamp
}

// open reports whether the round is still waiting for an ack.
func (r *round) open() bool {
	switch r.Phase {
	case PhaseDirectPinged, PhaseTimedOut, PhaseIndirectPinged:
		return true
	default:
		return false
	}
}

func (r *round) shift(delay time.Duration) {
	r.dpingDeadline = r.dpingDeadline.Add(delay)
	r.ipingDeadline = r.ipingDeadline.Add(delay)
	r.nextAt = r.nextAt.Add(delay)
}

// relay is a probe sent on behalf of another member.
type relay struct {
	target       membership.NodeID
	requester    membership.NodeID
	requesterSeq uint64
	deadline     clock.Timestamp
}
