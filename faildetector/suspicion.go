package faildetector

import (
	"time"

	"github.com/maxpoletaev/swim/internal/clock"
	"github.com/maxpoletaev/swim/internal/heap"
	"github.com/maxpoletaev/swim/membership"
)

type suspicion struct {
	subject     membership.NodeID
	incarnation uint64
	deadline    clock.Timestamp
	index       int
}

// suspicionSet keeps the members that are currently suspected, ordered by the
// time they are to be declared dead. There is at most one entry per subject.
type suspicionSet struct {
	entries map[membership.NodeID]*suspicion
	pq      *heap.Heap[*suspicion]
}

func newSuspicionSet() *suspicionSet {
	return &suspicionSet{
		entries: make(map[membership.NodeID]*suspicion),
		pq: heap.NewIndexed(
			func(a, b *suspicion) bool {
				return a.deadline < b.deadline
			},
			func(s *suspicion, i int) {
				s.index = i
			},
		),
	}
}

func (s *suspicionSet) len() int {
	return len(s.entries)
}

func (s *suspicionSet) get(subject membership.NodeID) (suspicion, bool) {
	e, ok := s.entries[subject]
	if !ok {
		return suspicion{}, false
	}

	return *e, true
}

// suspect starts the suspicion timer for the subject. An existing entry is only
// refreshed when the new incarnation is higher than the suspected one.
func (s *suspicionSet) suspect(subject membership.NodeID, incarnation uint64, deadline clock.Timestamp) bool {
	if e, ok := s.entries[subject]; ok {
		if incarnation <= e.incarnation {
			return false
		}

		e.incarnation = incarnation
		e.deadline = deadline
		s.pq.Fix(e.index)

		return true
	}

	e := &suspicion{
		subject:     subject,
		incarnation: incarnation,
		deadline:    deadline,
	}

	s.entries[subject] = e
	s.pq.Push(e)

	if len(s.entries) != s.pq.Len() {
		panic("suspicion set: index is out of sync with the queue")
	}

	return true
}

// refute cancels the suspicion if the subject has proven to be alive with
// a higher incarnation than the suspected one.
func (s *suspicionSet) refute(subject membership.NodeID, incarnation uint64) bool {
	e, ok := s.entries[subject]
	if !ok || incarnation <= e.incarnation {
		return false
	}

	s.pq.Remove(e.index)
	delete(s.entries, subject)

	return true
}

func (s *suspicionSet) remove(subject membership.NodeID) bool {
	e, ok := s.entries[subject]
	if !ok {
		return false
	}

	s.pq.Remove(e.index)
	delete(s.entries, subject)

	return true
}

// shift moves all deadlines forward. The relative order is preserved, so the
// heap does not need to be fixed.
func (s *suspicionSet) shift(delay time.Duration) {
	for _, e := range s.pq.Items() {
		e.deadline = e.deadline.Add(delay)
	}
}

func (s *suspicionSet) reset() {
	s.pq.Reset()
	s.entries = make(map[membership.NodeID]*suspicion)
}

// expiredSince returns an iterator over the entries whose deadline is not
// after now. Every entry returned by the iterator is removed from the set.
// Abandoning the iterator leaves the remaining entries in place, so the next
// call picks up where the previous one stopped.
func (s *suspicionSet) expiredSince(now clock.Timestamp) *expiredIter {
	return &expiredIter{set: s, now: now}
}

type expiredIter struct {
	set *suspicionSet
	now clock.Timestamp
}

func (it *expiredIter) next() (suspicion, bool) {
	s := it.set

	if s.pq.Len() == 0 || s.pq.Peek().deadline > it.now {
		return suspicion{}, false
	}

	e := s.pq.Pop()
	delete(s.entries, e.subject)

	return *e, true
}
