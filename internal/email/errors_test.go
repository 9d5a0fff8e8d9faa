package email

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(&MissingCapabilityError{Name: "IDLE"}))
	assert.True(t, IsFatal(&CredentialError{Err: errors.New("no")}))
	assert.True(t, IsFatal(fmt.Errorf("dial: %w", &MissingCapabilityError{Name: "UIDPLUS"})))

	assert.False(t, IsFatal(nil))
	assert.False(t, IsFatal(errors.New("connection reset")))
	assert.False(t, IsFatal(fmt.Errorf("%w: idle failed", ErrSessionLost)))
}

func TestCredentialErrorUnwraps(t *testing.T) {
	inner := errors.New("LOGIN rejected")
	err := &CredentialError{Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "authentication failed")
}

func TestMissingCapabilityMessage(t *testing.T) {
	err := &MissingCapabilityError{Name: "IDLE"}
	assert.Equal(t, "server does not advertise IDLE", err.Error())
}
