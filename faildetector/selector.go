package faildetector

import (
	"math/rand"
	"time"

	"github.com/maxpoletaev/swim/membership"
)

// selector picks probe targets in a randomized round-robin manner: every live
// member is probed once before any member is probed twice.
type selector struct {
	rnd   Rand
	queue []membership.NodeID
}

func newSelector() *selector {
	return &selector{
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// next returns the next probe target among the live members. Members that have
// left or died since the current permutation was made are skipped. The list of
// live members must not include the local node.
func (s *selector) next(live []membership.NodeID) (membership.NodeID, bool) {
	if len(live) == 0 {
		s.queue = s.queue[:0]
		return 0, false
	}

	alive := make(map[membership.NodeID]struct{}, len(live))
	for _, id := range live {
		alive[id] = struct{}{}
	}

	refilled := false

	for {
		if len(s.queue) == 0 {
			if refilled {
				return 0, false
			}

			s.refill(live)
			refilled = true
		}

		id := s.queue[0]
		s.queue = s.queue[1:]

		if _, ok := alive[id]; ok {
			return id, true
		}
	}
}

func (s *selector) refill(live []membership.NodeID) {
	s.queue = append(s.queue[:0], live...)

	s.rnd.Shuffle(len(s.queue), func(i, j int) {
		s.queue[i], s.queue[j] = s.queue[j], s.queue[i]
	})
}

// subgroup returns up to k distinct random members of the live list, excluding
// the target. The list of live members must not include the local node.
func (s *selector) subgroup(live []membership.NodeID, target membership.NodeID, k int) []membership.NodeID {
	candidates := make([]membership.NodeID, 0, len(live))

	for _, id := range live {
		if id != target {
			candidates = append(candidates, id)
		}
	}

	if k > len(candidates) {
		k = len(candidates)
	}

	// Partial Fisher-Yates: only the first k positions are shuffled.
	for i := 0; i < k; i++ {
		j := i + s.rnd.Intn(len(candidates)-i)
		candidates[i], candidates[j] = candidates[j], candidates[i]
	}

	return candidates[:k]
}
