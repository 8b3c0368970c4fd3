package fsm

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownState   = errors.New("fsm: unknown state")
	ErrDropped        = errors.New("fsm: update dropped")
	ErrDelivery       = errors.New("fsm: reply delivery failed")
	ErrValidation     = errors.New("fsm: input rejected")
	ErrDuplicateState = errors.New("fsm: duplicate state")
)

// RejectError is returned by a state that refuses the input. Reply is sent
// back to the user as a re-prompt.
type RejectError struct {
	Reply string
}

func (e *RejectError) Error() string {
	if e.Reply == "" {
		return ErrValidation.Error()
	}
	return fmt.Sprintf("%s: %s", ErrValidation, e.Reply)
}

func (e *RejectError) Unwrap() error {
	return ErrValidation
}

func Reject(reply string) error {
	return &RejectError{Reply: reply}
}

func Rejectf(format string, args ...any) error {
	return &RejectError{Reply: fmt.Sprintf(format, args...)}
}
