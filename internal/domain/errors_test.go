package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesKind(t *testing.T) {
	err := fmt.Errorf("release: %w", ErrNotHeld)

	assert.True(t, errors.Is(err, ErrConflict))
	assert.True(t, errors.Is(err, ErrNotHeld))
	assert.False(t, errors.Is(err, ErrHoldExists))
	assert.False(t, errors.Is(err, ErrValidation))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindValidation, KindOf(fmt.Errorf("wrap: %w", ErrAlreadyResolved)))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.Equal(t, "nothing_to_refund", CodeOf(ErrNothingToRefund))
}

func TestExternalService_Unwraps(t *testing.T) {
	cause := errors.New("connection refused")
	err := ExternalService("gateway_unavailable", cause)

	assert.True(t, errors.Is(err, cause))
	assert.True(t, errors.Is(err, ErrExternalService))
	assert.Contains(t, err.Error(), "connection refused")
}
