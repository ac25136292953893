package protocol

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
)

// echoMachine broadcasts one message per round and collects one from every
// other party. It fails loudly if the driver hands it anything out of order.
type echoMachine struct {
	self    PartyIndex
	parties []PartyIndex
	rounds  uint16

	round   uint16
	got     map[uint16]map[PartyIndex]string
	out     []Msg
	aborted error
}

func newEchoMachine(self PartyIndex, n int, rounds uint16) *echoMachine {
	m := &echoMachine{
		self:   self,
		rounds: rounds,
		round:  1,
		got:    make(map[uint16]map[PartyIndex]string),
	}
	for i := 1; i <= n; i++ {
		m.parties = append(m.parties, PartyIndex(i))
	}
	m.emit()
	return m
}

func (m *echoMachine) emit() {
	m.out = append(m.out, Broadcast(m.self, m.round, []byte(fmt.Sprintf("r%d-p%d", m.round, m.self))))
}

func (m *echoMachine) Round() uint16 { return m.round }

func (m *echoMachine) ExpectedSenders() []PartyIndex {
	var others []PartyIndex
	for _, p := range m.parties {
		if p != m.self {
			others = append(others, p)
		}
	}
	return others
}

func (m *echoMachine) Handle(msg Msg) error {
	if msg.Round == AbortRound {
		m.aborted = fmt.Errorf("party %d aborted: %s", msg.Sender, msg.Body)
		return nil
	}
	if msg.Round != m.round {
		return fmt.Errorf("got round %d message in round %d", msg.Round, m.round)
	}
	if m.got[m.round] == nil {
		m.got[m.round] = make(map[PartyIndex]string)
	}
	if _, dup := m.got[m.round][msg.Sender]; dup {
		return fmt.Errorf("duplicate from %d in round %d", msg.Sender, m.round)
	}
	m.got[m.round][msg.Sender] = string(msg.Body)
	return nil
}

func (m *echoMachine) Outgoing() []Msg {
	out := m.out
	m.out = nil
	return out
}

func (m *echoMachine) WantsToProceed() bool {
	return len(m.got[m.round]) == len(m.parties)-1
}

func (m *echoMachine) Proceed() error {
	m.round++
	if m.round <= m.rounds {
		m.emit()
	}
	return nil
}

func (m *echoMachine) Finished() bool {
	return m.aborted != nil || m.round > m.rounds
}

func (m *echoMachine) Output() ([]string, error) {
	if m.aborted != nil {
		return nil, m.aborted
	}
	var all []string
	for _, byParty := range m.got {
		for _, body := range byParty {
			all = append(all, body)
		}
	}
	sort.Strings(all)
	return all, nil
}

// eagerMachine claims every round is complete as soon as it starts.
type eagerMachine struct{ *echoMachine }

func (m eagerMachine) WantsToProceed() bool { return true }

// failingMachine rejects every incoming message.
type failingMachine struct{ *echoMachine }

func (m failingMachine) Handle(Msg) error { return fmt.Errorf("invalid proof") }

// blockingMachine never returns from Handle until release is closed.
type blockingMachine struct {
	*echoMachine
	release chan struct{}
}

func (m blockingMachine) Handle(Msg) error {
	<-m.release
	return nil
}

// scriptedChannel replays a fixed list of incoming messages and records
// everything sent. After the script it blocks until the context ends, or
// reports io.EOF when eof is set.
type scriptedChannel struct {
	index PartyIndex
	eof   bool

	mu     sync.Mutex
	script []Msg
	sent   []Msg
	closed bool
}

func (c *scriptedChannel) Index() PartyIndex { return c.index }

func (c *scriptedChannel) Recv(ctx context.Context) (Msg, error) {
	c.mu.Lock()
	if len(c.script) > 0 {
		msg := c.script[0]
		c.script = c.script[1:]
		c.mu.Unlock()
		return msg, nil
	}
	c.mu.Unlock()

	if c.eof {
		return Msg{}, io.EOF
	}
	<-ctx.Done()
	return Msg{}, ctx.Err()
}

func (c *scriptedChannel) Send(_ context.Context, msg Msg) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *scriptedChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *scriptedChannel) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func body(round uint16, sender PartyIndex) []byte {
	return []byte(fmt.Sprintf("r%d-p%d", round, sender))
}
