package faildetector_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/maxpoletaev/swim/directory"
	"github.com/maxpoletaev/swim/faildetector"
	"github.com/maxpoletaev/swim/internal/clock"
	"github.com/maxpoletaev/swim/membership"
	"github.com/maxpoletaev/swim/transport"
)

const step = 100 * time.Millisecond

// orderedRand makes every node probe its peers in ascending order of ID.
type orderedRand struct{}

func (orderedRand) Shuffle(int, func(i, j int)) {}

func (orderedRand) Intn(int) int { return 0 }

type eventLog struct {
	mut     sync.Mutex
	changes []membership.StateChange
}

func (l *eventLog) NotifyStateChange(c membership.StateChange) {
	l.mut.Lock()
	defer l.mut.Unlock()

	l.changes = append(l.changes, c)
}

func (l *eventLog) len() int {
	l.mut.Lock()
	defer l.mut.Unlock()

	return len(l.changes)
}

type cluster struct {
	net    *transport.Network
	clk    *clock.Manual
	nodes  map[membership.NodeID]*faildetector.Detector
	events map[membership.NodeID]*eventLog
}

// newCluster starts n nodes with IDs from 1 to n. The configs map overrides
// the config of individual nodes.
func newCluster(t *testing.T, n int, conf faildetector.Config, configs map[membership.NodeID]faildetector.Config) *cluster {
	c := &cluster{
		net:    transport.NewNetwork(),
		clk:    clock.NewManual(0),
		nodes:  make(map[membership.NodeID]*faildetector.Detector),
		events: make(map[membership.NodeID]*eventLog),
	}

	members := make([]directory.Member, 0, n)
	for id := 1; id <= n; id++ {
		members = append(members, directory.Member{ID: membership.NodeID(id), Addr: fmt.Sprintf("node%d", id)})
	}

	for _, m := range members {
		dir, err := directory.NewStatic(m.ID, members)
		require.NoError(t, err)

		nodeConf := conf
		if override, ok := configs[m.ID]; ok {
			nodeConf = override
		}

		events := &eventLog{}

		d, err := faildetector.New(dir, c.net.Transport(m.ID),
			faildetector.WithConfig(nodeConf),
			faildetector.WithClock(c.clk),
			faildetector.WithRand(orderedRand{}),
			faildetector.WithDelegate(events),
		)
		require.NoError(t, err)
		require.NoError(t, d.Start())

		c.nodes[m.ID] = d
		c.events[m.ID] = events
	}

	return c
}

// tick ticks every running node at the current time, in the order of IDs.
func (c *cluster) tick(t *testing.T) {
	for id := membership.NodeID(1); int(id) <= len(c.nodes); id++ {
		if err := c.nodes[id].Tick(); err != nil && !errors.Is(err, faildetector.ErrNotRunning) {
			require.NoError(t, err)
		}
	}
}

// runUntil advances the clock in small steps up to the given time.
func (c *cluster) runUntil(t *testing.T, until clock.Timestamp) {
	for c.clk.Now() < until {
		c.clk.Advance(step)
		c.tick(t)
	}
}

// runUntilCond advances the clock until cond is true or the deadline is reached.
func (c *cluster) runUntilCond(t *testing.T, deadline clock.Timestamp, cond func() bool) bool {
	for c.clk.Now() < deadline {
		if cond() {
			return true
		}

		c.clk.Advance(step)
		c.tick(t)
	}

	return cond()
}

func (c *cluster) state(observer, subject membership.NodeID) membership.State {
	node, _ := c.nodes[observer].Member(subject)
	return node.State
}

func scenarioConfig() faildetector.Config {
	conf := faildetector.DefaultConfig()
	conf.ProtocolPeriod = 2000 * time.Millisecond
	conf.PingTimeout = 800 * time.Millisecond
	conf.SuspectTimeout = 6000 * time.Millisecond
	conf.TickInterval = step

	return conf
}

func TestScenario_CrashedNodeIsDeclaredDead(t *testing.T) {
	c := newCluster(t, 5, scenarioConfig(), nil)

	// Node 2 is the first target of node 1 and stops responding right away.
	c.net.Isolate(2)
	c.tick(t)

	require.Equal(t, membership.NodeID(2), c.nodes[1].Round().Target)

	c.runUntil(t, 1500)
	require.Equal(t, membership.Alive(0), c.state(1, 2))

	c.runUntil(t, 1600)
	require.Equal(t, membership.Suspect(0), c.state(1, 2))

	c.runUntil(t, 6700)
	require.Equal(t, membership.Suspect(0), c.state(1, 2))

	// ping_timeout + suspect_timeout after the probe.
	c.runUntil(t, 6800)
	require.Equal(t, membership.Dead(0), c.state(1, 2))

	// The rest of the cluster follows.
	converged := c.runUntilCond(t, 20000, func() bool {
		for _, id := range []membership.NodeID{3, 4, 5} {
			if c.state(id, 2) != membership.Dead(0) {
				return false
			}
		}

		return true
	})

	require.True(t, converged, "dead member must be known to all live members")

	// Nobody else has been hurt.
	for _, observer := range []membership.NodeID{1, 3, 4, 5} {
		for _, subject := range []membership.NodeID{1, 3, 4, 5} {
			require.Equal(t, membership.StatusAlive, c.state(observer, subject).Status,
				"node %d sees node %d", observer, subject)
		}
	}
}

func TestScenario_TickedOncePerPeriod(t *testing.T) {
	conf := faildetector.DefaultConfig()
	c := newCluster(t, 3, conf, nil)
	c.net.Isolate(3)

	var suspectAt, deadAt clock.Timestamp

	for c.clk.Now() < 20000 && deadAt == 0 {
		c.clk.Advance(conf.ProtocolPeriod)
		c.tick(t)

		switch st := c.state(1, 3); {
		case st.Status == membership.StatusSuspect && suspectAt == 0:
			suspectAt = c.clk.Now()
		case st.Status == membership.StatusDead:
			deadAt = c.clk.Now()
		}
	}

	// Node 3 is probed at 4000: the indirect probe goes out at the next
	// tick, the suspicion one tick later, anchored at the missed deadline
	// 4800, and it expires at the first tick after 10800.
	require.Equal(t, clock.Timestamp(8000), suspectAt)
	require.Equal(t, clock.Timestamp(12000), deadAt)
}

func TestScenario_IndirectProbeSucceeds(t *testing.T) {
	c := newCluster(t, 5, scenarioConfig(), nil)

	// The direct link is broken, and so is one of the two relays.
	c.net.Cut(1, 2)
	c.net.Isolate(4)
	c.tick(t)

	round := c.nodes[1].Round()
	require.Equal(t, membership.NodeID(2), round.Target)

	c.runUntil(t, 800)
	require.Equal(t, faildetector.PhaseAcked, c.nodes[1].Round().Phase)
	require.Equal(t, round.Seq, c.nodes[1].Round().Seq)

	c.runUntil(t, 1900)

	require.Equal(t, faildetector.PhaseAcked, c.nodes[1].Round().Phase)
	require.Equal(t, membership.Alive(0), c.state(1, 2))

	for _, id := range []membership.NodeID{1, 3, 5} {
		require.NotEqual(t, membership.StatusSuspect, c.state(id, 2).Status)
	}
}

func TestScenario_DeathLearnedThroughGossip(t *testing.T) {
	conf := scenarioConfig()

	// Node 5 starts a single round at the beginning and then only listens.
	quiet := conf
	quiet.ProtocolPeriod = time.Hour
	quiet.SuspectTimeout = time.Hour

	c := newCluster(t, 5, conf, map[membership.NodeID]faildetector.Config{5: quiet})

	var (
		mut      sync.Mutex
		probedBy = make(map[membership.NodeID]bool)
	)

	c.net.AddRule(func(from, to membership.NodeID, msg *faildetector.Message) bool {
		if to == 2 && msg.Kind == faildetector.KindPing {
			mut.Lock()
			probedBy[from] = true
			mut.Unlock()
		}

		return from == 2 || to == 2
	})

	c.tick(t)

	dead := c.runUntilCond(t, 20000, func() bool {
		return c.state(1, 2).Status == membership.StatusDead
	})
	require.True(t, dead)

	declaredAt := c.clk.Now()

	learned := c.runUntilCond(t, declaredAt.Add(3*conf.ProtocolPeriod), func() bool {
		return c.state(5, 2) == membership.Dead(0)
	})

	require.True(t, learned, "node 5 must learn about the death within three protocol periods")

	mut.Lock()
	defer mut.Unlock()

	require.False(t, probedBy[5], "node 5 must not have probed node 2")
	require.True(t, probedBy[1])
}

func TestScenario_StaleAckIsIgnored(t *testing.T) {
	c := newCluster(t, 5, scenarioConfig(), nil)
	c.tick(t)

	node := c.nodes[1]
	round := node.Round()
	require.Equal(t, faildetector.PhaseAcked, round.Phase)

	events := c.events[1].len()
	hash := node.ViewHash()
	pending := node.PendingUpdates()

	require.NoError(t, node.HandleMessage(&faildetector.Message{
		Kind:   faildetector.KindAck,
		From:   round.Target,
		Target: round.Target,
		Seq:    round.Seq,
	}))

	require.Equal(t, round, node.Round())
	require.Equal(t, events, c.events[1].len())
	require.Equal(t, hash, node.ViewHash())
	require.Equal(t, pending, node.PendingUpdates())
}

func TestScenario_FalseSuspicionIsRefuted(t *testing.T) {
	c := newCluster(t, 5, scenarioConfig(), nil)

	// Node 3 has wrongly heard that node 1 is suspected.
	require.NoError(t, c.nodes[3].HandleMessage(&faildetector.Message{
		Kind:    faildetector.KindAck,
		From:    4,
		Updates: []membership.Update{{Subject: 1, State: membership.Suspect(0)}},
	}))

	require.Equal(t, membership.Suspect(0), c.state(3, 1))

	refuted := c.runUntilCond(t, 20000, func() bool {
		for id := membership.NodeID(1); id <= 5; id++ {
			if c.state(id, 1) != membership.Alive(1) {
				return false
			}
		}

		return true
	})

	require.True(t, refuted)
	require.Equal(t, uint64(1), c.nodes[1].Incarnation())

	// The suspicion never turns into a death.
	c.runUntil(t, 20000)

	for id := membership.NodeID(1); id <= 5; id++ {
		require.Equal(t, membership.Alive(1), c.state(id, 1))
	}
}

func TestScenario_ViewsConverge(t *testing.T) {
	c := newCluster(t, 6, scenarioConfig(), nil)
	c.net.Isolate(4)

	converged := c.runUntilCond(t, 30000, func() bool {
		hash := c.nodes[1].ViewHash()

		for _, id := range []membership.NodeID{2, 3, 5, 6} {
			if c.nodes[id].ViewHash() != hash {
				return false
			}
		}

		return c.state(1, 4).Status == membership.StatusDead
	})

	require.True(t, converged)
}

func TestScenario_BoundedGossip(t *testing.T) {
	conf := scenarioConfig()
	conf.PiggybackTxMax = 3
	conf.PiggybackLimit = 2

	c := newCluster(t, 5, conf, nil)

	type key struct {
		from   membership.NodeID
		update membership.Update
	}

	var (
		mut      sync.Mutex
		sent     = make(map[key]int)
		maxBatch int
	)

	c.net.AddRule(func(from, to membership.NodeID, msg *faildetector.Message) bool {
		mut.Lock()
		defer mut.Unlock()

		if len(msg.Updates) > maxBatch {
			maxBatch = len(msg.Updates)
		}

		for _, u := range msg.Updates {
			// Suspicions are always repeated to the suspected member itself.
			if u.Subject == to && u.Status == membership.StatusSuspect {
				continue
			}

			sent[key{from: from, update: u}]++
		}

		return from == 2 || to == 2
	})

	c.tick(t)
	c.runUntil(t, 30000)

	require.Equal(t, membership.StatusDead, c.state(1, 2).Status)

	mut.Lock()
	defer mut.Unlock()

	require.NotEmpty(t, sent)
	require.LessOrEqual(t, maxBatch, conf.PiggybackLimit)

	for k, n := range sent {
		require.LessOrEqual(t, n, int(conf.PiggybackTxMax), "node %d sent %s %d times", k.from, k.update, n)
	}
}
