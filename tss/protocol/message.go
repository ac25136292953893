// Package protocol defines the messages exchanged by round-based threshold
// protocols and the driver that pumps them between a state machine and a
// relay channel.
package protocol

import "context"

// PartyIndex is a 1-based party position inside a room.
type PartyIndex uint16

// AbortRound is the round number of abort notices. They are delivered to the
// state machine as soon as they arrive, whatever round it is in.
const AbortRound uint16 = 0

// Msg is one protocol message as carried by the relay.
type Msg struct {
	Sender   PartyIndex  `json:"sender"`
	Receiver *PartyIndex `json:"receiver"` // nil for broadcast
	Round    uint16      `json:"round"`
	Body     []byte      `json:"body"`
}

// Broadcast builds a message addressed to every other party.
func Broadcast(sender PartyIndex, round uint16, body []byte) Msg {
	return Msg{Sender: sender, Round: round, Body: body}
}

// P2P builds a message addressed to a single party.
func P2P(sender, receiver PartyIndex, round uint16, body []byte) Msg {
	return Msg{Sender: sender, Receiver: &receiver, Round: round, Body: body}
}

// IsBroadcast reports whether the message has no specific receiver.
func (m Msg) IsBroadcast() bool {
	return m.Receiver == nil
}

// IsFor reports whether a party at idx should see the message.
func (m Msg) IsFor(idx PartyIndex) bool {
	return m.Receiver == nil || *m.Receiver == idx
}

// Channel is a joined room: a stream of messages from the other parties
// and a sink for our own.
type Channel interface {
	// Index is the position the relay assigned to us when joining.
	Index() PartyIndex
	// Recv blocks until the next message for us arrives. Our own echoes and
	// messages addressed to other parties are never returned.
	Recv(ctx context.Context) (Msg, error)
	// Send publishes msg to the room.
	Send(ctx context.Context, msg Msg) error
	// Close leaves the room. It is safe to call more than once.
	Close() error
}
