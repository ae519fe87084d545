package session

import (
	"errors"
	"fmt"
)

// ErrInvalidState is wrapped by every InvalidStateError so callers can use
// errors.Is without caring which operation was rejected.
var ErrInvalidState = errors.New("invalid session state")

// InvalidStateError reports an operation attempted in a state that does not
// allow it, e.g. Send before the handshake finished. It causes no teardown.
type InvalidStateError struct {
	Op    string
	State State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("tls session: %s not allowed in state %s", e.Op, e.State)
}

func (e *InvalidStateError) Unwrap() error {
	return ErrInvalidState
}
