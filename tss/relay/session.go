package relay

import (
	"context"
	"fmt"
	"sync"

	tsserrors "github.com/pushchain/tss-relay/errors"
	"github.com/pushchain/tss-relay/tss/protocol"
)

// Publisher delivers an envelope to every subscriber of a room.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// Session is a joined room. It implements protocol.Channel.
type Session struct {
	room  string
	index protocol.PartyIndex
	nonce string
	inbox *Inbox
	pub   Publisher

	closeOnce sync.Once
	onClose   func()
}

var _ protocol.Channel = (*Session)(nil)

// NewSession wires a room subscription to a publisher. onClose, when set,
// releases the subscription and runs once.
func NewSession(room string, index protocol.PartyIndex, nonce string, inbox *Inbox, pub Publisher, onClose func()) *Session {
	return &Session{
		room:    room,
		index:   index,
		nonce:   nonce,
		inbox:   inbox,
		pub:     pub,
		onClose: onClose,
	}
}

func (s *Session) Index() protocol.PartyIndex { return s.index }

func (s *Session) Room() string { return s.room }

func (s *Session) Recv(ctx context.Context) (protocol.Msg, error) {
	for {
		env, err := s.inbox.Pop(ctx)
		if err != nil {
			return protocol.Msg{}, err
		}

		if env.Sender == s.index {
			if env.Nonce != "" && env.Nonce != s.nonce {
				err := tsserrors.NewSessionError(
					fmt.Sprintf("another party holds index %d in this room", s.index), nil).
					WithStage(tsserrors.StageJoin).
					WithRoom(s.room)
				s.inbox.Close(err)
				return protocol.Msg{}, err
			}
			continue
		}
		if !env.IsFor(s.index) {
			continue
		}
		return env.Msg, nil
	}
}

func (s *Session) Send(ctx context.Context, msg protocol.Msg) error {
	return s.pub.Publish(ctx, Envelope{Msg: msg, Nonce: s.nonce})
}

func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.inbox.Close(nil)
		if s.onClose != nil {
			s.onClose()
		}
	})
	return nil
}
