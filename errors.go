package candiag

import (
	"errors"
	"fmt"

	"github.com/bassosimone/errclass"
)

var (
	// ErrNotConnected indicates a send or self-test with no open backend.
	ErrNotConnected = errors.New("candiag: not connected")

	// ErrNoVariant indicates no registered variant accepts the channel name.
	ErrNoVariant = errors.New("candiag: no backend variant for channel")
)

// ConnectError is a failed Connect. The manager is left disconnected.
type ConnectError struct {
	Channel string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("candiag: connect %s: %v", e.Channel, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// SendError is a failed transmission of a single frame.
type SendError struct {
	ID  string
	Err error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("candiag: send %s: %v", e.ID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// ErrClass returns the errclass classification of err ("" for nil).
func ErrClass(err error) string {
	if err == nil {
		return ""
	}
	return errclass.New(err)
}
