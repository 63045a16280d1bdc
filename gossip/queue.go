package gossip

import (
	"github.com/maxpoletaev/swim/internal/heap"
	"github.com/maxpoletaev/swim/membership"
)

type record struct {
	update    membership.Update
	remaining uint32
	seq       uint64
	index     int
}

// UpdateLog is a bounded set of membership updates waiting to be piggybacked
// on outgoing protocol messages. There is at most one record per subject, and
// every record is handed out at most txMax times before it is retired, which
// bounds the gossip traffic by the number of updates rather than the cluster
// size. Not safe to use concurrently.
type UpdateLog struct {
	txMax   uint32
	lastSeq uint64
	records map[membership.NodeID]*record
	pq      *heap.Heap[*record]
}

func NewUpdateLog(txMax uint32) *UpdateLog {
	if txMax == 0 {
		panic("gossip: txMax must be positive")
	}

	return &UpdateLog{
		txMax:   txMax,
		records: make(map[membership.NodeID]*record),
		pq: heap.NewIndexed(
			func(a, b *record) bool {
				// Records closest to retirement go first, then the oldest ones.
				if a.remaining != b.remaining {
					return a.remaining < b.remaining
				}

				return a.seq < b.seq
			},
			func(r *record, i int) {
				r.index = i
			},
		),
	}
}

// Len returns the number of records waiting for dissemination.
func (l *UpdateLog) Len() int {
	return len(l.records)
}

// Record adds the update to the log, replacing the pending record about the
// same subject and resetting its transmit budget. Updates that are older than
// the pending record are rejected and false is returned.
func (l *UpdateLog) Record(u membership.Update) bool {
	l.lastSeq++

	if r, ok := l.records[u.Subject]; ok {
		if r.update.State.Supersedes(u.State) {
			return false
		}

		r.update = u
		r.remaining = l.txMax
		r.seq = l.lastSeq
		l.pq.Fix(r.index)

		return true
	}

	r := &record{
		update:    u,
		remaining: l.txMax,
		seq:       l.lastSeq,
	}

	l.records[u.Subject] = r
	l.pq.Push(r)

	return true
}

// Select returns up to n updates for a single outgoing message, preferring
// the ones with the smallest remaining budget. The budget of every returned
// update is decremented, and updates that run out of it are evicted.
func (l *UpdateLog) Select(n int) []membership.Update {
	return l.SelectExcept(n, nil)
}

// SelectExcept is the same as Select, but skips updates for which skip
// returns true. Skipped updates keep their budget.
func (l *UpdateLog) SelectExcept(n int, skip func(membership.Update) bool) []membership.Update {
	if n <= 0 || l.pq.Len() == 0 {
		return nil
	}

	var (
		taken   = make([]*record, 0, n)
		skipped []*record
		updates = make([]membership.Update, 0, n)
	)

	for len(taken) < n && l.pq.Len() > 0 {
		r := l.pq.Pop()

		if skip != nil && skip(r.update) {
			skipped = append(skipped, r)
			continue
		}

		taken = append(taken, r)
		updates = append(updates, r.update)
	}

	for _, r := range skipped {
		l.pq.Push(r)
	}

	for _, r := range taken {
		r.remaining--

		if r.remaining == 0 {
			delete(l.records, r.update.Subject)
			continue
		}

		l.pq.Push(r)
	}

	return updates
}

// Get returns the pending update about the subject and its remaining budget.
func (l *UpdateLog) Get(subject membership.NodeID) (membership.Update, uint32, bool) {
	r, ok := l.records[subject]
	if !ok {
		return membership.Update{}, 0, false
	}

	return r.update, r.remaining, true
}

// Remove drops the pending update about the subject, if any.
func (l *UpdateLog) Remove(subject membership.NodeID) bool {
	r, ok := l.records[subject]
	if !ok {
		return false
	}

	l.pq.Remove(r.index)
	delete(l.records, subject)

	return true
}

// Reset drops all pending updates.
func (l *UpdateLog) Reset() {
	l.pq.Reset()
	l.records = make(map[membership.NodeID]*record)
}
