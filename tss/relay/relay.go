// Package relay joins rooms on the message relay and exposes them as
// protocol channels.
package relay

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/pushchain/tss-relay/tss/protocol"
)

// Joiner joins a room and returns the resulting channel.
type Joiner interface {
	Join(ctx context.Context, room string) (protocol.Channel, error)
}

// Phase is a sub-session of a signing room.
type Phase string

const (
	PhaseOffline Phase = "offline"
	PhaseOnline  Phase = "online"
)

// PhaseRoom derives the room of one signing phase so that the offline and
// online stages never share a room or an index assignment.
func PhaseRoom(base string, phase Phase) string {
	return fmt.Sprintf("%s-%s", base, phase)
}

// Envelope is a protocol message as published on the relay. Nonce is random
// per join and tells our own echoes apart from a second party holding our
// index.
type Envelope struct {
	protocol.Msg
	Nonce string `json:"nonce,omitempty"`
}

// Encode serializes the envelope for the relay.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses one relay message.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if env.Sender == 0 {
		return Envelope{}, fmt.Errorf("envelope without sender")
	}
	return env, nil
}

func newNonce() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
