// Package boundary moves nexus partial sums between workers.
//
// Each worker owns an Exchange. Senders publish their local partial sum of a
// boundary nexus to every rank in the boundary table's SendTo list; receivers
// block until a partial arrived from every ReceiveFrom rank. Messages are
// keyed by (nexus, step, from-rank) so a resend never double counts.
package boundary

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// MessageKind distinguishes flow updates from run aborts.
type MessageKind string

const (
	KindFlow  MessageKind = "flow"
	KindAbort MessageKind = "abort"
)

// Message is the unit exchanged between workers.
type Message struct {
	RunID    string      `json:"run_id"`
	Kind     MessageKind `json:"kind"`
	Step     int         `json:"step"`
	NexusID  string      `json:"nexus_id,omitempty"`
	FromRank int         `json:"from_rank"`
	Flow     float64     `json:"flow"`
	Reason   string      `json:"reason,omitempty"`
}

func (m Message) String() string {
	if m.Kind == KindAbort {
		return fmt.Sprintf("abort from rank %d: %s", m.FromRank, m.Reason)
	}
	return fmt.Sprintf("flow %s step %d from rank %d = %g", m.NexusID, m.Step, m.FromRank, m.Flow)
}

// EncodeMessage serializes a message for the wire.
func EncodeMessage(m Message) ([]byte, error) {
	return sonic.Marshal(m)
}

// DecodeMessage parses a wire message.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := sonic.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decoding boundary message: %w", err)
	}
	switch m.Kind {
	case KindFlow:
		if m.NexusID == "" {
			return Message{}, fmt.Errorf("flow message without nexus id")
		}
	case KindAbort:
	default:
		return Message{}, fmt.Errorf("unknown boundary message kind %q", m.Kind)
	}
	return m, nil
}
