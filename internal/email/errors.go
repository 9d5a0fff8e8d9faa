package email

import (
	"errors"
	"fmt"
)

// ErrSessionLost marks errors caused by the connection dying under us. The
// supervisor reconnects on these instead of giving up.
var ErrSessionLost = errors.New("imap session lost")

// MissingCapabilityError reports a server that cannot support synchronization
// at all. Retrying will not help.
type MissingCapabilityError struct {
	Name string
}

func (e *MissingCapabilityError) Error() string {
	return fmt.Sprintf("server does not advertise %s", e.Name)
}

// CredentialError reports rejected authentication. Retrying with the same
// secret will not help.
type CredentialError struct {
	Err error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("authentication failed: %v", e.Err)
}

func (e *CredentialError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether the error is one reconnecting cannot fix.
func IsFatal(err error) bool {
	var capErr *MissingCapabilityError
	var credErr *CredentialError
	return errors.As(err, &capErr) || errors.As(err, &credErr)
}
