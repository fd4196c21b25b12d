package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runboxd/runbox/sandbox"
)

func TestSessionStateMachine(t *testing.T) {
	t.Run("HappyPath", func(t *testing.T) {
		sess := newSession(sandbox.LanguagePython)
		assert.Equal(t, StateQueued, sess.State())
		assert.NotEmpty(t, sess.ID)

		require.NoError(t, sess.advance(StateProvisioning))
		require.NoError(t, sess.advance(StateRunning))
		require.NoError(t, sess.advance(StateCompleted))
		assert.Equal(t, StateCompleted, sess.State())
	})

	t.Run("RejectedFromQueued", func(t *testing.T) {
		sess := newSession(sandbox.LanguagePython)
		require.NoError(t, sess.advance(StateRejected))
		assert.Equal(t, StateRejected, sess.State())
	})

	t.Run("FailedDuringProvisioning", func(t *testing.T) {
		sess := newSession(sandbox.LanguagePython)
		require.NoError(t, sess.advance(StateProvisioning))
		require.NoError(t, sess.advance(StateFailed))
	})

	t.Run("TimedOutWhileRunning", func(t *testing.T) {
		sess := newSession(sandbox.LanguagePython)
		require.NoError(t, sess.advance(StateProvisioning))
		require.NoError(t, sess.advance(StateRunning))
		require.NoError(t, sess.advance(StateTimedOut))
	})

	t.Run("NoReenteringRunning", func(t *testing.T) {
		sess := newSession(sandbox.LanguagePython)
		require.NoError(t, sess.advance(StateProvisioning))
		require.NoError(t, sess.advance(StateRunning))
		require.NoError(t, sess.advance(StateCompleted))

		err := sess.advance(StateRunning)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "illegal session transition")
		assert.Equal(t, StateCompleted, sess.State())
	})

	t.Run("TerminalStatesAreFinal", func(t *testing.T) {
		for _, terminal := range []State{StateCompleted, StateFailed, StateTimedOut, StateRejected} {
			sess := newSession(sandbox.LanguagePython)
			switch terminal {
			case StateRejected:
				require.NoError(t, sess.advance(StateRejected))
			default:
				require.NoError(t, sess.advance(StateProvisioning))
				require.NoError(t, sess.advance(StateRunning))
				require.NoError(t, sess.advance(terminal))
			}

			for _, next := range []State{StateQueued, StateProvisioning, StateRunning, StateCompleted} {
				assert.Error(t, sess.advance(next), "transition %s -> %s must be illegal", terminal, next)
			}
		}
	})

	t.Run("SkippingStatesIsIllegal", func(t *testing.T) {
		sess := newSession(sandbox.LanguagePython)
		assert.Error(t, sess.advance(StateRunning))
		assert.Error(t, sess.advance(StateCompleted))
	})
}

func TestErrorKindRetryable(t *testing.T) {
	assert.True(t, KindAdmissionRejected.Retryable())
	assert.True(t, KindQueueTimeout.Retryable())
	assert.True(t, KindProvision.Retryable())
	assert.False(t, KindValidation.Retryable())
	assert.False(t, KindExecution.Retryable())
	assert.False(t, KindTimeout.Retryable())
	assert.False(t, KindInternal.Retryable())
}
