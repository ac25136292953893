package errors

import (
	"context"
	"errors"
)

// Wrap classifies err under code unless it already carries a classification,
// in which case the existing Error is returned with the stage and room filled in.
func Wrap(err error, code ErrorCode, stage Stage, room, message string) error {
	if err == nil {
		return nil
	}

	var tssErr *Error
	if errors.As(err, &tssErr) {
		tssErr.WithStage(stage).WithRoom(room)
		return err
	}

	return New(code, message, err).WithStage(stage).WithRoom(room)
}

// Is checks if an error is of a specific type
func Is(err error, target error) bool {
	return errors.Is(err, target)
}

// As checks if an error can be assigned to a target type
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// IsCode checks if an error is an Error with the given code
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// CodeOf returns the code of the outermost Error in the chain, or "" if none.
func CodeOf(err error) ErrorCode {
	var tssErr *Error
	if errors.As(err, &tssErr) {
		return tssErr.Code
	}
	return ""
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var tssErr *Error
	if errors.As(err, &tssErr) {
		return tssErr.IsRetryable()
	}
	return false
}

// IsCancellation reports whether err stems from a cancelled or expired context.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
