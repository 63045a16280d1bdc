package faildetector

import (
	"fmt"

	"github.com/go-kit/log/level"

	"github.com/maxpoletaev/swim/internal/clock"
	"github.com/maxpoletaev/swim/membership"
)

// HandleMessage processes a message received from another member. It never
// blocks on the network: replies are handed over to the transport after the
// message has been processed.
func (d *Detector) HandleMessage(msg *Message) error {
	if err := msg.Validate(); err != nil {
		level.Warn(d.logger).Log("msg", "dropping malformed message", "from", msg.From, "err", err)
		return fmt.Errorf("invalid message: %w", err)
	}

	var out outbox

	d.mut.Lock()

	if d.state != stateRunning {
		d.mut.Unlock()
		return ErrNotRunning
	}

	now := d.clock.Now()

	for _, u := range msg.Updates {
		d.applyUpdate(now, u, &out)

		if d.state != stateRunning {
			break
		}
	}

	if d.state == stateRunning {
		switch msg.Kind {
		case KindPing:
			d.handlePing(msg, &out)
		case KindPingReq:
			d.handlePingReq(now, msg, &out)
		case KindAck:
			d.handleAck(msg, &out)
		}
	}

	d.mut.Unlock()

	d.flush(&out)

	return nil
}

func (d *Detector) ack(to, target membership.NodeID, seq uint64) *Message {
	return &Message{
		Kind:    KindAck,
		From:    d.selfID,
		Target:  target,
		Seq:     seq,
		Updates: d.piggyback(to),
	}
}

func (d *Detector) handlePing(msg *Message, out *outbox) {
	out.send(msg.From, d.ack(msg.From, d.selfID, msg.Seq))
}

func (d *Detector) handlePingReq(now clock.Timestamp, msg *Message, out *outbox) {
	if msg.Target == d.selfID {
		out.send(msg.From, d.ack(msg.From, d.selfID, msg.Seq))
		return
	}

	d.lastSeq++

	d.relays[d.lastSeq] = &relay{
		target:       msg.Target,
		requester:    msg.From,
		requesterSeq: msg.Seq,
		deadline:     now.Add(d.conf.PingTimeout),
	}

	out.send(msg.Target, &Message{
		Kind:    KindPing,
		From:    d.selfID,
		Target:  msg.Target,
		Seq:     d.lastSeq,
		Updates: d.piggyback(msg.Target),
	})
}

func (d *Detector) handleAck(msg *Message, out *outbox) {
	if d.round.open() && msg.Target == d.round.Target && msg.Seq == d.round.Seq {
		level.Debug(d.logger).Log(
			"msg", "probe acknowledged",
			"target", msg.Target,
			"via", msg.From,
			"phase", d.round.Phase,
		)

		d.round.Phase = PhaseAcked
		incrCounter(metricAcks, 1)

		return
	}

	if r, ok := d.relays[msg.Seq]; ok && r.target == msg.Target {
		delete(d.relays, msg.Seq)
		out.send(r.requester, d.ack(r.requester, r.target, r.requesterSeq))

		return
	}

	level.Debug(d.logger).Log(
		"msg", "ignoring stale ack",
		"from", msg.From,
		"target", msg.Target,
		"seq", msg.Seq,
	)
}

// applyUpdate merges a piggybacked update into the local view.
func (d *Detector) applyUpdate(now clock.Timestamp, u membership.Update, out *outbox) {
	if !u.Status.Valid() {
		level.Debug(d.logger).Log("msg", "dropping update with invalid status", "update", u)
		return
	}

	if u.Subject == d.selfID {
		d.applySelf(u, out)
		return
	}

	d.applyRemote(u, now.Add(d.conf.SuspectTimeout), out)
}

// applyRemote merges an update about another member. The suspicion deadline
// is used in case the update makes the member suspected.
func (d *Detector) applyRemote(u membership.Update, deadline clock.Timestamp, out *outbox) {
	curr, ok := d.view[u.Subject]
	if !ok {
		level.Debug(d.logger).Log("msg", "dropping update about unknown member", "update", u)
		return
	}

	if !u.State.Supersedes(curr) {
		return
	}

	next := u.State
	if next.Status == membership.StatusSuspect && d.conf.SuspectTimeout == 0 {
		next.Status = membership.StatusDead
	}

	d.view[u.Subject] = next
	d.updates.Record(membership.Update{Subject: u.Subject, State: next})

	switch next.Status {
	case membership.StatusAlive:
		if d.suspects.refute(u.Subject, next.Incarnation) {
			incrCounter(metricRefute, 1)
		}

		// Someone has heard from the target recently, which is as good as an ack.
		if d.round.open() && d.round.Target == u.Subject {
			d.round.Phase = PhaseAcked
		}

	case membership.StatusSuspect:
		if d.suspects.suspect(u.Subject, next.Incarnation, deadline) {
			incrCounter(metricSuspect, 1)
		}

	case membership.StatusDead:
		d.suspects.remove(u.Subject)
		incrCounter(metricDead, 1)
	}

	if next.Status != curr.Status {
		out.changed(u.Subject, curr, next)

		level.Info(d.logger).Log(
			"msg", "member state changed",
			"id", u.Subject,
			"status", next.Status,
			"incarnation", next.Incarnation,
		)
	}
}

// applySelf handles the updates the cluster disseminates about the local node.
// Suspicions are refuted by announcing a higher incarnation, and a death
// sentence at the current incarnation stops the detector.
//
// A suspicion at an incarnation below the current one has already been
// refuted, so only Alive(current) is announced again and the incarnation is
// left as is. Copies of an old suspicion keep circulating until the refutation
// reaches everyone, and bumping on each of them would make the incarnation
// race ahead of the cluster.
func (d *Detector) applySelf(u membership.Update, out *outbox) {
	switch u.Status {
	case membership.StatusSuspect:
		if u.Incarnation >= d.incarnation {
			d.incarnation = u.Incarnation + 1
			out.incarnation, out.persist = d.incarnation, true
		}

		level.Info(d.logger).Log(
			"msg", "refuting suspicion",
			"suspected_incarnation", u.Incarnation,
			"incarnation", d.incarnation,
		)

		d.refuteSelf()

	case membership.StatusDead:
		if u.Incarnation < d.incarnation {
			d.refuteSelf()
			return
		}

		prev := d.view[d.selfID]
		next := membership.Dead(u.Incarnation)
		d.view[d.selfID] = next
		out.changed(d.selfID, prev, next)

		level.Error(d.logger).Log(
			"msg", "local node has been declared dead, stopping",
			"incarnation", u.Incarnation,
		)

		d.shutdown(ErrSelfDead)
	}
}

func (d *Detector) refuteSelf() {
	self := membership.Alive(d.incarnation)
	d.view[d.selfID] = self
	d.updates.Record(membership.Update{Subject: d.selfID, State: self})
	incrCounter(metricRefute, 1)
}
