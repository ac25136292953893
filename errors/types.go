package errors

import (
	"fmt"
	"strings"
)

// ErrorCode represents different categories of errors
type ErrorCode string

const (
	// ErrCodeConnection indicates the relay was unreachable or misbehaved at the transport level
	ErrCodeConnection ErrorCode = "CONNECTION"

	// ErrCodeSession indicates a room or index assignment problem
	ErrCodeSession ErrorCode = "SESSION"

	// ErrCodeProtocol indicates a cryptographic state machine failure
	ErrCodeProtocol ErrorCode = "PROTOCOL"

	// ErrCodeAssembly indicates partial signatures could not be combined
	ErrCodeAssembly ErrorCode = "ASSEMBLY"

	// ErrCodeStorage indicates a key share artifact could not be read or written
	ErrCodeStorage ErrorCode = "STORAGE"

	// ErrCodeVerification indicates an assembled signature failed verification
	ErrCodeVerification ErrorCode = "VERIFICATION"

	// ErrCodeConfig indicates invalid parameters or configuration
	ErrCodeConfig ErrorCode = "CONFIG"
)

// Stage names the part of a session an error was raised in.
type Stage string

const (
	StageJoin    Stage = "JOIN"
	StageKeygen  Stage = "KEYGEN"
	StageOffline Stage = "OFFLINE"
	StageOnline  Stage = "ONLINE"
	StageDone    Stage = "DONE"
	StageStore   Stage = "STORE"
)

// Error is a classified failure of a signing or keygen session.
type Error struct {
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Stage   Stage                  `json:"stage,omitempty"`
	Room    string                 `json:"room,omitempty"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// New creates a new Error
func New(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(string(e.Code))
	b.WriteString("]")
	if e.Stage != "" {
		b.WriteString(" ")
		b.WriteString(string(e.Stage))
	}
	if e.Room != "" {
		fmt.Fprintf(&b, " (room %s)", e.Room)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithStage records the session stage, keeping an already recorded one.
func (e *Error) WithStage(stage Stage) *Error {
	if e.Stage == "" {
		e.Stage = stage
	}
	return e
}

// WithRoom records the room, keeping an already recorded one.
func (e *Error) WithRoom(room string) *Error {
	if e.Room == "" {
		e.Room = room
	}
	return e
}

// WithContext adds context to the error
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// IsRetryable returns true if the error is retryable
func (e *Error) IsRetryable() bool {
	return e.Code == ErrCodeConnection
}

// Common error constructors

// NewConnectionError creates a connection error
func NewConnectionError(message string, cause error) *Error {
	return New(ErrCodeConnection, message, cause)
}

// NewSessionError creates a session error
func NewSessionError(message string, cause error) *Error {
	return New(ErrCodeSession, message, cause)
}

// NewProtocolError creates a protocol error
func NewProtocolError(message string, cause error) *Error {
	return New(ErrCodeProtocol, message, cause)
}

// NewAssemblyError creates an assembly error
func NewAssemblyError(message string, cause error) *Error {
	return New(ErrCodeAssembly, message, cause)
}

// NewStorageError creates a storage error
func NewStorageError(message string, cause error) *Error {
	return New(ErrCodeStorage, message, cause)
}

// NewVerificationError creates a verification error
func NewVerificationError(message string) *Error {
	return New(ErrCodeVerification, message, nil)
}

// NewConfigError creates a configuration error
func NewConfigError(message string) *Error {
	return New(ErrCodeConfig, message, nil)
}
