package capture

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhaseTransitions(t *testing.T) {
	t.Parallel()

	assert.True(t, PhaseInitializing.CanTransition(PhaseAuthenticating))
	assert.True(t, PhaseAuthenticating.CanTransition(PhaseCapturing))
	assert.True(t, PhaseDelivering.CanTransition(PhaseCompleted))
	assert.False(t, PhaseInitializing.CanTransition(PhaseCapturing), "no skipping")
	assert.False(t, PhaseCapturing.CanTransition(PhaseAuthenticating), "no going back")

	for _, p := range []Phase{PhaseInitializing, PhaseAuthenticating, PhaseCapturing, PhaseAssembling, PhaseDelivering} {
		assert.True(t, p.CanTransition(PhaseFailed), p)
	}
	assert.True(t, PhaseAuthenticating.CanTransition(PhaseCancelled))
	assert.True(t, PhaseCapturing.CanTransition(PhaseCancelled))
	assert.False(t, PhaseAssembling.CanTransition(PhaseCancelled))
	assert.False(t, PhaseInitializing.CanTransition(PhaseCancelled))

	for _, p := range []Phase{PhaseCompleted, PhaseFailed, PhaseCancelled} {
		assert.True(t, p.Terminal())
		assert.False(t, p.CanTransition(PhaseFailed))
	}
}

func TestCapturesAppendRejectsDuplicates(t *testing.T) {
	t.Parallel()

	var cs Captures
	var err error
	cs, err = cs.Append(PageCapture{Number: 1})
	require.NoError(t, err)
	cs, err = cs.Append(PageCapture{Number: 3})
	require.NoError(t, err)

	_, err = cs.Append(PageCapture{Number: 3})
	require.ErrorContains(t, err, "duplicate")
	_, err = cs.Append(PageCapture{Number: 2})
	require.ErrorContains(t, err, "out of order")
	_, err = cs.Append(PageCapture{Number: 0})
	require.Error(t, err)

	require.Equal(t, []int{1, 3}, cs.Numbers())
}

func TestKindOfClassifies(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("outer: %w", Wrap(KindOtpTimeout, "gate", ErrCodeTimeout))
	assert.Equal(t, KindOtpTimeout, KindOf(wrapped))
	assert.ErrorIs(t, wrapped, ErrCodeTimeout)
	assert.Equal(t, KindCancelled, KindOf(fmt.Errorf("x: %w", context.Canceled)))
	assert.Equal(t, KindUnknown, KindOf(errors.New("boom")))
	assert.Equal(t, Kind(""), KindOf(nil))

	assert.ErrorIs(t, Errorf(KindCredentialMismatch, "gate", "rejected"), ErrCredentialMismatch)
	assert.NotErrorIs(t, Errorf(KindCredentialMismatch, "gate", "rejected"), ErrCancelled)
	assert.NotEmpty(t, KindPageCaptureFailed.Explain())
	assert.Contains(t, Kind("whatever").Explain(), "unexpected")
}
