package domain

import (
	"errors"
	"fmt"
)

var (
	ErrStateNotFound        = errors.New("state not found")
	ErrStateAlreadyExecuted = errors.New("state is already executed")
	ErrInvalidStateStatus   = errors.New("state is not in a valid status for this operation")
	ErrDuplicateState       = errors.New("duplicate state")
	ErrTemplateNotFound     = errors.New("graph template not found")
	ErrInvalidTrigger       = errors.New("invalid trigger")
	ErrDuplicateTrigger     = errors.New("duplicate trigger occurrence")
	ErrTriggerNotFound      = errors.New("trigger not found")
)

// TriggerValidationError reports every bad declaration in a template at once.
type TriggerValidationError struct {
	Problems []string
}

func (e *TriggerValidationError) Error() string {
	if len(e.Problems) == 1 {
		return fmt.Sprintf("invalid trigger: %s", e.Problems[0])
	}
	return fmt.Sprintf("invalid triggers: %d problems: %v", len(e.Problems), e.Problems)
}

func (e *TriggerValidationError) Unwrap() error { return ErrInvalidTrigger }
