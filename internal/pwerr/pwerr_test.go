package pwerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, NotFound, KindOf(NewNotFound("task")))
	assert.Equal(t, InsufficientCredits, KindOf(NewInsufficientCredits(3, 10)))
	assert.Equal(t, Kind(0), KindOf(errors.New("plain")))

	wrapped := fmt.Errorf("create task: %w", NewInvalidInput("need is required"))
	assert.Equal(t, InvalidInput, KindOf(wrapped))
}

func TestIsMatchesByKind(t *testing.T) {
	err := NewBadState("approved", "delivered")
	assert.True(t, errors.Is(err, &Error{Kind: BadState}))
	assert.False(t, errors.Is(err, &Error{Kind: Conflict}))
}

func TestInsufficientCreditsDetail(t *testing.T) {
	err := NewInsufficientCredits(7, 50)
	assert.Equal(t, 7, err.Have)
	assert.Equal(t, 50, err.Need)
	assert.Contains(t, err.Error(), "have 7")
	assert.Contains(t, err.Error(), "need 50")
}

func TestBadStateDetail(t *testing.T) {
	err := NewBadState("posted", "claimed")
	assert.Equal(t, "posted", err.CurrentStatus)
	assert.Contains(t, err.Error(), "posted")
}

func TestSuspendedReason(t *testing.T) {
	err := NewSuspended("spam reports")
	assert.Equal(t, "spam reports", err.Reason)
	assert.Contains(t, err.Error(), "spam reports")
}

func TestKindStrings(t *testing.T) {
	kinds := []Kind{Unauthorized, Suspended, NotFound, Forbidden, BadState,
		InsufficientCredits, InvalidInput, Conflict}
	for _, k := range kinds {
		assert.NotEqual(t, "unknown", k.String())
	}
	assert.Equal(t, "unknown", Kind(99).String())
}
