package faildetector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/exp/slices"

	"github.com/maxpoletaev/swim/gossip"
	"github.com/maxpoletaev/swim/internal/clock"
	"github.com/maxpoletaev/swim/membership"
)

type runState uint8

const (
	stateIdle runState = iota
	stateRunning
	stateStopped
)

// Detector is a SWIM failure detector. Every protocol period it probes one
// member directly, falls back to probing it through a random subgroup of
// members, and suspects it if no ack arrives in time. Membership changes are
// disseminated by piggybacking them on the protocol messages.
//
// The detector does not keep any timers or goroutines of its own. All the
// deadlines are checked by Tick, which is called periodically either by Run or
// by the owner of the detector.
type Detector struct {
	mut         sync.Locker
	conf        Config
	selfID      membership.NodeID
	incarnation uint64
	directory   Directory
	transport   Transport
	delegate    Delegate
	incStore    IncarnationStore
	logger      log.Logger
	clock       clock.Clock
	selector    *selector
	suspects    *suspicionSet
	updates     *gossip.UpdateLog
	view        map[membership.NodeID]membership.State
	relays      map[uint64]*relay
	round       round
	lastSeq     uint64
	lastTick    clock.Timestamp
	ticked      bool
	state       runState
	err         error
	done        chan struct{}
}

func New(dir Directory, tr Transport, opts ...Option) (*Detector, error) {
	d := &Detector{
		mut:       new(sync.Mutex),
		conf:      DefaultConfig(),
		selfID:    dir.SelfID(),
		directory: dir,
		transport: tr,
		delegate:  NoopDelegate{},
		logger:    log.NewNopLogger(),
		clock:     clock.NewSystem(),
		selector:  newSelector(),
		suspects:  newSuspicionSet(),
		view:      make(map[membership.NodeID]membership.State),
		relays:    make(map[uint64]*relay),
		done:      make(chan struct{}),
	}

	for _, opt := range opts {
		opt(d)
	}

	if err := d.conf.Validate(); err != nil {
		return nil, err
	}

	if d.conf.PingTimeout*2 > d.conf.ProtocolPeriod {
		level.Warn(d.logger).Log(
			"msg", "ping timeout is too long for the protocol period, rounds may be delayed",
			"ping_timeout", d.conf.PingTimeout,
			"protocol_period", d.conf.ProtocolPeriod,
		)
	}

	d.updates = gossip.NewUpdateLog(d.conf.PiggybackTxMax)

	return d, nil
}

// Start registers the detector with the transport and makes it ready to
// process ticks and messages.
func (d *Detector) Start() error {
	d.mut.Lock()
	started := d.state != stateIdle
	d.mut.Unlock()

	if started {
		return ErrAlreadyStarted
	}

	inc, err := d.restoreIncarnation()
	if err != nil {
		return err
	}

	var out outbox

	d.mut.Lock()

	if d.state != stateIdle {
		d.mut.Unlock()
		return ErrAlreadyStarted
	}

	d.incarnation = inc
	d.view[d.selfID] = membership.Alive(inc)

	// A restarted node has to tell the others it is back.
	if inc > 0 {
		d.updates.Record(membership.Update{Subject: d.selfID, State: membership.Alive(inc)})
	}

	d.syncDirectory(&out)
	d.state = stateRunning

	d.mut.Unlock()

	d.transport.Listen(d)
	d.flush(&out)

	level.Info(d.logger).Log(
		"msg", "failure detector started",
		"self", d.selfID,
		"incarnation", inc,
		"protocol_period", d.conf.ProtocolPeriod,
	)

	return nil
}

func (d *Detector) restoreIncarnation() (uint64, error) {
	inc := d.incarnation
	if d.incStore == nil {
		return inc, nil
	}

	stored, err := d.incStore.Load()
	if err != nil {
		return 0, fmt.Errorf("load incarnation: %w", err)
	}

	if stored >= inc {
		inc = stored + 1
	}

	if err := d.incStore.Save(inc); err != nil {
		return 0, fmt.Errorf("save incarnation: %w", err)
	}

	return inc, nil
}

// Stop stops the detector. Pending timers are dropped, and the calls to Tick
// and HandleMessage made after Stop return ErrNotRunning.
func (d *Detector) Stop() {
	d.mut.Lock()
	defer d.mut.Unlock()

	if d.state == stateRunning {
		d.shutdown(nil)
	}
}

func (d *Detector) shutdown(err error) {
	d.state = stateStopped
	d.err = err
	d.suspects.reset()
	d.updates.Reset()
	d.relays = make(map[uint64]*relay)
	close(d.done)
}

// Done returns a channel that is closed when the detector stops.
func (d *Detector) Done() <-chan struct{} {
	return d.done
}

// Err returns the reason the detector has stopped, or nil if it was stopped
// by Stop or is still running.
func (d *Detector) Err() error {
	d.mut.Lock()
	defer d.mut.Unlock()

	return d.err
}

// Run calls Tick every tick interval until the context is cancelled or the
// detector is stopped. Returns ErrSelfDead if the local node has been declared
// dead by the cluster, and nil otherwise.
func (d *Detector) Run(ctx context.Context) error {
	d.mut.Lock()
	state := d.state
	d.mut.Unlock()

	if state != stateRunning {
		return ErrNotRunning
	}

	ticker := time.NewTicker(d.conf.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.Stop()
			return nil
		case <-d.done:
			return d.Err()
		case <-ticker.C:
			if err := d.Tick(); err != nil {
				if errors.Is(err, ErrNotRunning) {
					return d.Err()
				}

				return err
			}
		}
	}
}

// Tick advances the protocol state machine to the current time of the clock.
func (d *Detector) Tick() error {
	var out outbox

	d.mut.Lock()

	if d.state != stateRunning {
		d.mut.Unlock()
		return ErrNotRunning
	}

	now := d.clock.Now()

	if d.ticked {
		d.detectGlitch(now)
	}

	d.lastTick, d.ticked = now, true

	d.syncDirectory(&out)
	d.expireSuspicions(now, &out)
	d.expireRelays(now)
	d.advanceRound(now, &out)
	reportView(d.view)

	d.mut.Unlock()

	d.flush(&out)

	return nil
}

// NetGlitch shifts all pending deadlines by the given delay. It is meant to be
// called when the local node knows it has not been able to process messages
// for a while, so that the silence is not blamed on the other members.
func (d *Detector) NetGlitch(delay time.Duration) {
	d.mut.Lock()
	defer d.mut.Unlock()

	d.shiftDeadlines(delay)
}

func (d *Detector) detectGlitch(now clock.Timestamp) {
	if d.conf.GlitchThreshold == 0 {
		return
	}

	// A driver may tick as rarely as once per protocol period.
	interval := max(d.conf.ProtocolPeriod, d.conf.TickInterval)

	expected := d.lastTick.Add(interval + d.conf.GlitchThreshold)
	if now <= expected {
		return
	}

	delay := now.Sub(expected)

	level.Warn(d.logger).Log(
		"msg", "tick is late, shifting deadlines",
		"delay", delay,
	)

	incrCounter(metricGlitch, 1)
	d.shiftDeadlines(delay)
}

func (d *Detector) shiftDeadlines(delay time.Duration) {
	d.suspects.shift(delay)
	d.round.shift(delay)

	for _, r := range d.relays {
		r.deadline = r.deadline.Add(delay)
	}
}

// syncDirectory brings the set of members in the view in line with the
// directory. New members are assumed to be alive, and members that have left
// the directory are forgotten.
func (d *Detector) syncDirectory(out *outbox) {
	members := d.directory.LiveMembers()
	seen := make(map[membership.NodeID]struct{}, len(members))

	for _, id := range members {
		seen[id] = struct{}{}

		if id == d.selfID {
			continue
		}

		if _, ok := d.view[id]; !ok {
			next := membership.Alive(0)
			d.view[id] = next
			out.changed(id, membership.State{}, next)

			level.Debug(d.logger).Log("msg", "member added", "id", id)
		}
	}

	for id := range d.view {
		if _, ok := seen[id]; ok || id == d.selfID {
			continue
		}

		delete(d.view, id)
		d.suspects.remove(id)
		d.updates.Remove(id)

		level.Debug(d.logger).Log("msg", "member removed", "id", id)
	}
}

// liveMembers returns the members that can be probed, in ascending order.
func (d *Detector) liveMembers() []membership.NodeID {
	live := make([]membership.NodeID, 0, len(d.view))

	for id, st := range d.view {
		if id != d.selfID && st.Status != membership.StatusDead {
			live = append(live, id)
		}
	}

	slices.Sort(live)

	return live
}

func (d *Detector) expireSuspicions(now clock.Timestamp, out *outbox) {
	it := d.suspects.expiredSince(now)

	for s, ok := it.next(); ok; s, ok = it.next() {
		curr, known := d.view[s.subject]
		next := membership.Dead(s.incarnation)

		if !known || !next.Supersedes(curr) {
			continue
		}

		d.view[s.subject] = next
		d.updates.Record(membership.Update{Subject: s.subject, State: next})
		out.changed(s.subject, curr, next)
		incrCounter(metricDead, 1)

		level.Warn(d.logger).Log(
			"msg", "suspicion expired, member is dead",
			"id", s.subject,
			"incarnation", s.incarnation,
		)
	}
}

func (d *Detector) expireRelays(now clock.Timestamp) {
	for seq, r := range d.relays {
		if now >= r.deadline {
			delete(d.relays, seq)
		}
	}
}

func (d *Detector) advanceRound(now clock.Timestamp, out *outbox) {
	if d.round.open() {
		if st, ok := d.view[d.round.Target]; !ok || st.Status == membership.StatusDead {
			d.round.Phase = PhaseDead
		}
	}

	switch d.round.Phase {
	case PhaseBegin, PhaseAcked, PhaseDead:
		if now >= d.round.nextAt {
			d.beginRound(now, out)
		}

	case PhaseDirectPinged:
		if now < d.round.dpingDeadline {
			return
		}

		d.round.Phase = PhaseTimedOut

		fallthrough

	case PhaseTimedOut:
		d.probeIndirect(now, out)

	case PhaseIndirectPinged:
		if now >= d.round.ipingDeadline {
			d.failRound(out)
		}
	}
}

func (d *Detector) beginRound(now clock.Timestamp, out *outbox) {
	d.round.nextAt = now.Add(d.conf.ProtocolPeriod)

	target, ok := d.selector.next(d.liveMembers())
	if !ok {
		d.round.Phase = PhaseBegin
		return
	}

	d.lastSeq++

	d.round.Round = Round{
		Target: target,
		Phase:  PhaseDirectPinged,
		Seq:    d.lastSeq,
	}

	d.round.dpingDeadline = now.Add(d.conf.PingTimeout)
	d.round.ipingDeadline = 0

	out.send(target, &Message{
		Kind:    KindPing,
		From:    d.selfID,
		Target:  target,
		Seq:     d.lastSeq,
		Updates: d.piggyback(target),
	})

	incrCounter(metricProbeDirect, 1)
}

func (d *Detector) probeIndirect(now clock.Timestamp, out *outbox) {
	target := d.round.Target
	group := d.selector.subgroup(d.liveMembers(), target, d.conf.SubgroupSize)

	level.Debug(d.logger).Log(
		"msg", "direct probe timed out, probing indirectly",
		"target", target,
		"subgroup", len(group),
	)

	for _, id := range group {
		out.send(id, &Message{
			Kind:    KindPingReq,
			From:    d.selfID,
			Target:  target,
			Seq:     d.round.Seq,
			Updates: d.piggyback(id),
		})
	}

	d.round.Phase = PhaseIndirectPinged
	d.round.ipingDeadline = now.Add(d.conf.PingTimeout)

	incrCounter(metricProbeIndirect, len(group))
}

func (d *Detector) failRound(out *outbox) {
	target := d.round.Target
	curr := d.view[target]

	level.Warn(d.logger).Log(
		"msg", "member did not respond to probes, suspecting",
		"id", target,
		"incarnation", curr.Incarnation,
	)

	// The member has been silent since the direct probe deadline.
	deadline := d.round.dpingDeadline.Add(d.conf.SuspectTimeout)
	d.applyRemote(membership.Update{Subject: target, State: membership.Suspect(curr.Incarnation)}, deadline, out)

	d.round.Phase = PhaseDead
}

// piggyback selects the updates for a message to the given member. If the
// member is suspected, the suspicion goes first, so that it has a chance to
// refute it.
func (d *Detector) piggyback(to membership.NodeID) []membership.Update {
	limit := d.conf.PiggybackLimit

	st, ok := d.view[to]
	if !ok || st.Status != membership.StatusSuspect {
		updates := d.updates.Select(limit)
		incrCounter(metricUpdates, len(updates))

		return updates
	}

	updates := make([]membership.Update, 0, limit)
	updates = append(updates, membership.Update{Subject: to, State: st})
	updates = append(updates, d.updates.SelectExcept(limit-1, func(u membership.Update) bool {
		return u.Subject == to
	})...)

	incrCounter(metricUpdates, len(updates))

	return updates
}

type envelope struct {
	to  membership.NodeID
	msg *Message
}

// outbox collects the side effects produced under the lock, to be performed
// after the lock is released.
type outbox struct {
	messages    []envelope
	changes     []membership.StateChange
	incarnation uint64
	persist     bool
}

func (o *outbox) send(to membership.NodeID, msg *Message) {
	o.messages = append(o.messages, envelope{to: to, msg: msg})
}

func (o *outbox) changed(id membership.NodeID, prev, next membership.State) {
	o.changes = append(o.changes, membership.StateChange{ID: id, Prev: prev, Next: next})
}

func (d *Detector) flush(out *outbox) {
	for _, env := range out.messages {
		if err := d.transport.Send(context.Background(), env.to, env.msg); err != nil {
			level.Debug(d.logger).Log(
				"msg", "failed to send message",
				"to", env.to,
				"kind", env.msg.Kind,
				"err", err,
			)
		}
	}

	if out.persist && d.incStore != nil {
		if err := d.incStore.Save(out.incarnation); err != nil {
			level.Error(d.logger).Log(
				"msg", "failed to save incarnation",
				"incarnation", out.incarnation,
				"err", err,
			)
		}
	}

	for _, c := range out.changes {
		d.delegate.NotifyStateChange(c)
	}
}
