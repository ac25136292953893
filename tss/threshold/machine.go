// Package threshold adapts the CMP threshold ECDSA protocols to round-driven
// state machines and implements the non-interactive online signing stage.
package threshold

import (
	"fmt"
	"strconv"

	"github.com/taurusgroup/multi-party-sig/pkg/party"
	mpcprotocol "github.com/taurusgroup/multi-party-sig/pkg/protocol"

	"github.com/pushchain/tss-relay/tss/protocol"
)

// partyID is the library identity of the party that generated key share idx.
func partyID(idx protocol.PartyIndex) party.ID {
	return party.ID(strconv.Itoa(int(idx)))
}

// machine drives a library handler one round at a time. Messages the
// handler emits for the next round are held until Proceed.
type machine[O any] struct {
	handler *mpcprotocol.MultiHandler
	self    protocol.PartyIndex
	seats   []party.ID // seats[i-1] sits at room index i
	seatOf  map[party.ID]protocol.PartyIndex
	convert func(interface{}) (O, error)

	round       uint16
	outbox      []protocol.Msg
	staged      []protocol.Msg
	stagedRound uint16

	done   bool
	result interface{}
	err    error
}

func newMachine[O any](start mpcprotocol.StartFunc, sessionID []byte, self protocol.PartyIndex, seats []party.ID, convert func(interface{}) (O, error)) (*machine[O], error) {
	if int(self) < 1 || int(self) > len(seats) {
		return nil, fmt.Errorf("seat %d outside 1..%d", self, len(seats))
	}
	m := &machine[O]{
		self:    self,
		seats:   seats,
		seatOf:  make(map[party.ID]protocol.PartyIndex, len(seats)),
		convert: convert,
	}
	for i, id := range seats {
		if _, dup := m.seatOf[id]; dup {
			return nil, fmt.Errorf("party %s appears twice", id)
		}
		m.seatOf[id] = protocol.PartyIndex(i + 1)
	}

	h, err := mpcprotocol.NewMultiHandler(start, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to start protocol: %w", err)
	}
	m.handler = h

	if err := m.drain(); err != nil {
		return nil, err
	}
	m.promote()
	return m, nil
}

// drain collects everything the handler emitted since the last call.
func (m *machine[O]) drain() error {
	for {
		select {
		case msg, ok := <-m.handler.Listen():
			if !ok {
				m.finish()
				return nil
			}
			if err := m.stage(msg); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (m *machine[O]) stage(msg *mpcprotocol.Message) error {
	body, err := msg.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to encode outgoing message: %w", err)
	}

	out := protocol.Msg{Sender: m.self, Round: uint16(msg.RoundNumber), Body: body}
	if msg.To != "" {
		seat, ok := m.seatOf[msg.To]
		if !ok {
			return fmt.Errorf("outgoing message for unknown party %s", msg.To)
		}
		out.Receiver = &seat
	}

	switch {
	case out.Round == protocol.AbortRound || out.Round <= m.round:
		m.outbox = append(m.outbox, out)
	default:
		m.staged = append(m.staged, out)
		m.stagedRound = out.Round
	}
	return nil
}

func (m *machine[O]) promote() {
	if m.stagedRound > m.round {
		m.round = m.stagedRound
	}
	m.outbox = append(m.outbox, m.staged...)
	m.staged = nil
}

func (m *machine[O]) finish() {
	m.done = true
	m.result, m.err = m.handler.Result()
}

func (m *machine[O]) Round() uint16 { return m.round }

func (m *machine[O]) ExpectedSenders() []protocol.PartyIndex {
	others := make([]protocol.PartyIndex, 0, len(m.seats)-1)
	for i := range m.seats {
		if idx := protocol.PartyIndex(i + 1); idx != m.self {
			others = append(others, idx)
		}
	}
	return others
}

func (m *machine[O]) Handle(msg protocol.Msg) error {
	if m.done {
		return nil
	}
	if int(msg.Sender) < 1 || int(msg.Sender) > len(m.seats) {
		return fmt.Errorf("sender %d outside the session", msg.Sender)
	}

	var in mpcprotocol.Message
	if err := in.UnmarshalBinary(msg.Body); err != nil {
		return fmt.Errorf("malformed message from party %d: %w", msg.Sender, err)
	}
	if want := m.seats[msg.Sender-1]; in.From != want {
		return fmt.Errorf("message from seat %d claims to be from party %s, expected %s", msg.Sender, in.From, want)
	}
	if uint16(in.RoundNumber) != msg.Round {
		return fmt.Errorf("message from party %d is labelled round %d but carries round %d", msg.Sender, msg.Round, in.RoundNumber)
	}
	if !m.handler.CanAccept(&in) {
		return fmt.Errorf("round %d message from party %d was rejected", msg.Round, msg.Sender)
	}

	m.handler.Accept(&in)
	return m.drain()
}

func (m *machine[O]) Outgoing() []protocol.Msg {
	out := m.outbox
	m.outbox = nil
	return out
}

func (m *machine[O]) WantsToProceed() bool {
	return !m.done && m.stagedRound > m.round
}

func (m *machine[O]) Proceed() error {
	if m.stagedRound <= m.round {
		return fmt.Errorf("round %d has not completed", m.round)
	}
	m.promote()
	return nil
}

func (m *machine[O]) Finished() bool { return m.done }

func (m *machine[O]) Output() (O, error) {
	var zero O
	if !m.done {
		return zero, fmt.Errorf("protocol has not finished")
	}
	if m.err != nil {
		return zero, m.err
	}
	return m.convert(m.result)
}
