package negotiation

import (
	"errors"
	"fmt"

	"github.com/example/route-negotiation/internal/models"
)

var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrInvalidAmount     = errors.New("invalid amount")
)

// TransitionError describes a rejected action against a request.
type TransitionError struct {
	State  models.Status
	Action models.Action
	Party  models.Party
	Reason string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s by %s in state %s: %s", e.Action, e.Party, e.State, e.Reason)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }
