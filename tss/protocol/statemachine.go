package protocol

// StateMachine is one party's view of a round-based protocol producing O.
//
// The driver feeds it only messages of its current round (plus abort
// notices), at most one per sender and message kind, and only asks it to
// proceed once every expected sender has been heard.
type StateMachine[O any] interface {
	// Round is the round whose incoming messages the machine waits for.
	Round() uint16
	// ExpectedSenders lists the parties that send in the current round.
	ExpectedSenders() []PartyIndex
	// Handle accepts one incoming message.
	Handle(msg Msg) error
	// Outgoing drains the messages produced since the last call.
	Outgoing() []Msg
	// WantsToProceed reports whether the current round is complete.
	WantsToProceed() bool
	// Proceed moves to the next round.
	Proceed() error
	// Finished reports whether Output is available.
	Finished() bool
	// Output returns the protocol result or the reason it failed.
	Output() (O, error)
}
