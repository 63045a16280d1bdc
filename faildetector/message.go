package faildetector

import (
	"fmt"

	"github.com/maxpoletaev/swim/membership"
)

type Kind uint8

const (
	// KindPing is a direct probe. The receiver answers with an ack carrying
	// the same sequence number.
	KindPing Kind = iota + 1

	// KindPingReq asks the receiver to probe Target on behalf of the sender
	// and to forward the ack, if any.
	KindPingReq

	// KindAck confirms that Target has answered the probe with sequence Seq.
	KindAck
)

func (k Kind) String() string {
	switch k {
	case KindPing:
		return "ping"
	case KindPingReq:
		return "ping-req"
	case KindAck:
		return "ack"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Message is a single protocol message. Every message carries a bounded number
// of piggybacked membership updates.
type Message struct {
	Kind    Kind
	From    membership.NodeID
	Target  membership.NodeID
	Seq     uint64
	Updates []membership.Update
}

// Validate returns an error if the message cannot be processed.
func (m *Message) Validate() error {
	if m.Kind < KindPing || m.Kind > KindAck {
		return fmt.Errorf("unknown message kind %d", m.Kind)
	}

	return nil
}
