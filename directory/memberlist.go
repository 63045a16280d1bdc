package directory

import (
	"encoding/binary"
	"errors"
	"fmt"
	stdlog "log"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/memberlist"
	"golang.org/x/exp/slices"

	"github.com/maxpoletaev/swim/faildetector"
	"github.com/maxpoletaev/swim/membership"
	"github.com/maxpoletaev/swim/transport"
)

const metaVersion = 1

var ErrInvalidMeta = errors.New("invalid node meta")

// Meta is what a node tells others about itself through memberlist.
type Meta struct {
	ID   membership.NodeID
	Addr string
}

// EncodeMeta encodes the meta as a version byte, a big-endian node ID and the
// address of the failure detector transport.
func EncodeMeta(m Meta) []byte {
	b := make([]byte, 5, 5+len(m.Addr))
	b[0] = metaVersion
	binary.BigEndian.PutUint32(b[1:5], uint32(m.ID))

	return append(b, m.Addr...)
}

func DecodeMeta(b []byte) (Meta, error) {
	if len(b) < 5 {
		return Meta{}, fmt.Errorf("%w: too short", ErrInvalidMeta)
	}

	if b[0] != metaVersion {
		return Meta{}, fmt.Errorf("%w: unsupported version %d", ErrInvalidMeta, b[0])
	}

	m := Meta{
		ID:   membership.NodeID(binary.BigEndian.Uint32(b[1:5])),
		Addr: string(b[5:]),
	}

	if m.Addr == "" {
		return Meta{}, fmt.Errorf("%w: empty address", ErrInvalidMeta)
	}

	return m, nil
}

// Memberlist is a directory that discovers members through hashicorp/memberlist.
// Memberlist only serves as a source of the member list: a member is listed as
// long as memberlist has not noticed its departure, and it is the failure
// detector that decides whether it is alive.
type Memberlist struct {
	self    Meta
	meta    []byte
	logger  log.Logger
	mut     sync.RWMutex
	members map[membership.NodeID]string
	names   map[string]membership.NodeID
	list    *memberlist.Memberlist
}

var (
	_ faildetector.Directory   = (*Memberlist)(nil)
	_ transport.Resolver       = (*Memberlist)(nil)
	_ memberlist.Delegate      = (*Memberlist)(nil)
	_ memberlist.EventDelegate = (*Memberlist)(nil)
)

func newMemberlist(self Meta, logger log.Logger) *Memberlist {
	return &Memberlist{
		self:    self,
		meta:    EncodeMeta(self),
		logger:  logger,
		members: map[membership.NodeID]string{self.ID: self.Addr},
		names:   make(map[string]membership.NodeID),
	}
}

// NewMemberlist starts a memberlist agent announcing the local node. The
// address is the one the failure detector transport listens on. The delegates
// and the logger of conf are overridden.
func NewMemberlist(self Meta, conf *memberlist.Config, logger log.Logger) (*Memberlist, error) {
	m := newMemberlist(self, logger)

	if conf.Name == "" {
		conf.Name = fmt.Sprintf("swim-%d", self.ID)
	}

	conf.Delegate = m
	conf.Events = m
	conf.LogOutput = nil
	conf.Logger = stdlog.New(log.NewStdlibAdapter(level.Debug(log.With(logger, "component", "memberlist"))), "", 0)

	list, err := memberlist.Create(conf)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}

	m.list = list

	return m, nil
}

// Join contacts the given existing members. Returns the number of members
// successfully contacted.
func (m *Memberlist) Join(addrs []string) (int, error) {
	return m.list.Join(addrs)
}

// Leave announces the departure and stops the agent.
func (m *Memberlist) Leave(timeout time.Duration) error {
	if err := m.list.Leave(timeout); err != nil {
		return fmt.Errorf("leave: %w", err)
	}

	return m.list.Shutdown()
}

func (m *Memberlist) SelfID() membership.NodeID {
	return m.self.ID
}

// LiveMembers returns the members currently known to memberlist, sorted by ID.
func (m *Memberlist) LiveMembers() []membership.NodeID {
	m.mut.RLock()
	defer m.mut.RUnlock()

	ids := make([]membership.NodeID, 0, len(m.members))
	for id := range m.members {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	return ids
}

func (m *Memberlist) Addr(id membership.NodeID) (string, error) {
	m.mut.RLock()
	defer m.mut.RUnlock()

	addr, ok := m.members[id]
	if !ok {
		return "", fmt.Errorf("%w: %d", transport.ErrUnknownNode, id)
	}

	return addr, nil
}

func (m *Memberlist) NotifyJoin(node *memberlist.Node) {
	m.upsert(node)
}

func (m *Memberlist) NotifyUpdate(node *memberlist.Node) {
	m.upsert(node)
}

func (m *Memberlist) NotifyLeave(node *memberlist.Node) {
	m.mut.Lock()
	defer m.mut.Unlock()

	id, ok := m.names[node.Name]
	if !ok || id == m.self.ID {
		return
	}

	delete(m.names, node.Name)
	delete(m.members, id)

	level.Info(m.logger).Log("msg", "member left", "id", id, "name", node.Name)
}

func (m *Memberlist) upsert(node *memberlist.Node) {
	meta, err := DecodeMeta(node.Meta)
	if err != nil {
		level.Warn(m.logger).Log("msg", "ignoring member with invalid meta", "name", node.Name, "err", err)
		return
	}

	if meta.ID == m.self.ID {
		return
	}

	m.mut.Lock()
	defer m.mut.Unlock()

	if prev, ok := m.names[node.Name]; ok && prev != meta.ID {
		delete(m.members, prev)
	}

	m.names[node.Name] = meta.ID
	m.members[meta.ID] = meta.Addr

	level.Debug(m.logger).Log("msg", "member discovered", "id", meta.ID, "name", node.Name, "addr", meta.Addr)
}

func (m *Memberlist) NodeMeta(limit int) []byte {
	if len(m.meta) > limit {
		level.Error(m.logger).Log("msg", "node meta exceeds the limit", "size", len(m.meta), "limit", limit)
		return nil
	}

	return m.meta
}

// The failure detector has its own dissemination, so the memberlist gossip
// carries no user data.

func (m *Memberlist) NotifyMsg([]byte) {}

func (m *Memberlist) GetBroadcasts(int, int) [][]byte { return nil }

func (m *Memberlist) LocalState(bool) []byte { return nil }

func (m *Memberlist) MergeRemoteState([]byte, bool) {}
