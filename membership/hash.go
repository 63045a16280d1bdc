package membership

import (
	"encoding/binary"

	"github.com/twmb/murmur3"
	"golang.org/x/exp/slices"
)

// Hash returns a digest of the given membership view. Two nodes that agree on
// the status and incarnation of every member produce the same hash, no matter
// in which order the nodes are listed.
func Hash(nodes []Node) uint64 {
	sorted := make([]Node, len(nodes))
	copy(sorted, nodes)

	slices.SortFunc(sorted, func(a, b Node) bool {
		return a.ID < b.ID
	})

	h := murmur3.New64()
	buf := make([]byte, 13)

	for _, n := range sorted {
		binary.BigEndian.PutUint32(buf[0:4], uint32(n.ID))
		binary.BigEndian.PutUint64(buf[4:12], n.Incarnation)
		buf[12] = byte(n.Status)

		_, _ = h.Write(buf)
	}

	return h.Sum64()
}
