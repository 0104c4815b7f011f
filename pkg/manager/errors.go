package manager

import (
	"errors"
	"fmt"
)

// Error taxonomy for the bootstrap pipeline.
//
// ErrNotApplicable is a routing decision rather than a failure: the line is
// not an ssh invocation and the host should run it the default way.
var (
	ErrNotApplicable            = errors.New("not an ssh invocation")
	ErrCredentialTimeout        = errors.New("credential lookup timed out")
	ErrCredentialNotFound       = errors.New("credential not found")
	ErrDuplicateConnection      = errors.New("connection already in progress")
	ErrTransportHandshakeFailed = errors.New("ssh handshake failed")
	ErrTransportAuthRejected    = errors.New("ssh authentication rejected")
	ErrTransportIO              = errors.New("ssh session i/o error")
)

// TargetError attaches the connection target to a taxonomy error.
// Only host, username and port are ever rendered.
type TargetError struct {
	Op  string
	Key SessionKey
	Err error
}

func (e *TargetError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Key, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
}

func (e *TargetError) Unwrap() error { return e.Err }

func targetErr(op string, key SessionKey, err error) error {
	if err == nil {
		return nil
	}
	return &TargetError{Op: op, Key: key, Err: err}
}

// IsTransportError reports whether err is one of the transport failures that
// end a session in the Failed state.
func IsTransportError(err error) bool {
	return errors.Is(err, ErrTransportHandshakeFailed) ||
		errors.Is(err, ErrTransportAuthRejected) ||
		errors.Is(err, ErrTransportIO)
}
