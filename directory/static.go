package directory

import (
	"errors"
	"fmt"

	"github.com/BurntSushi/toml"
	"golang.org/x/exp/slices"

	"github.com/maxpoletaev/swim/faildetector"
	"github.com/maxpoletaev/swim/membership"
	"github.com/maxpoletaev/swim/transport"
)

var ErrInvalidMembers = errors.New("invalid member list")

// Member is an entry of the members file.
type Member struct {
	ID   membership.NodeID `toml:"id"`
	Addr string            `toml:"addr"`
}

// File is the layout of the members file:
//
//	[[members]]
//	id = 1
//	addr = "10.0.0.1:7946"
type File struct {
	Members []Member `toml:"members"`
}

// Static is a fixed set of members with known addresses.
type Static struct {
	self  membership.NodeID
	ids   []membership.NodeID
	addrs map[membership.NodeID]string
}

var (
	_ faildetector.Directory = (*Static)(nil)
	_ transport.Resolver     = (*Static)(nil)
)

// NewStatic creates a directory of the given members. The local node must be
// one of them.
func NewStatic(self membership.NodeID, members []Member) (*Static, error) {
	s := &Static{
		self:  self,
		ids:   make([]membership.NodeID, 0, len(members)),
		addrs: make(map[membership.NodeID]string, len(members)),
	}

	for _, m := range members {
		if _, ok := s.addrs[m.ID]; ok {
			return nil, fmt.Errorf("%w: duplicate member id %d", ErrInvalidMembers, m.ID)
		}

		if m.Addr == "" {
			return nil, fmt.Errorf("%w: member %d has no address", ErrInvalidMembers, m.ID)
		}

		s.addrs[m.ID] = m.Addr
		s.ids = append(s.ids, m.ID)
	}

	if _, ok := s.addrs[self]; !ok {
		return nil, fmt.Errorf("%w: local node %d is not listed", ErrInvalidMembers, self)
	}

	slices.Sort(s.ids)

	return s, nil
}

// LoadFile reads the members from a TOML file.
func LoadFile(path string, self membership.NodeID) (*Static, error) {
	var f File
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("failed to read members file: %w", err)
	}

	return NewStatic(self, f.Members)
}

func (s *Static) SelfID() membership.NodeID {
	return s.self
}

// LiveMembers returns all members, sorted by ID.
func (s *Static) LiveMembers() []membership.NodeID {
	ids := make([]membership.NodeID, len(s.ids))
	copy(ids, s.ids)

	return ids
}

// Addr returns the address of the member.
func (s *Static) Addr(id membership.NodeID) (string, error) {
	addr, ok := s.addrs[id]
	if !ok {
		return "", fmt.Errorf("%w: %d", transport.ErrUnknownNode, id)
	}

	return addr, nil
}
