package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errRemote = errors.New("remote collaborator failed")

func TestCircuitBreaker_StaysClosedOnSuccess(t *testing.T) {
	cb := NewCircuitBreaker(DefaultSettings("directory"))

	for range 20 {
		err := cb.Execute(func() error { return nil })
		require.NoError(t, err)
	}

	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker(Settings{Name: "directory", MaxFailures: 3, ResetTimeout: time.Minute})

	for range 3 {
		err := cb.Execute(func() error { return errRemote })
		assert.ErrorIs(t, err, errRemote)
	}

	assert.Equal(t, StateOpen, cb.State())

	// Open circuit rejects without calling fn.
	called := false
	err := cb.Execute(func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(Settings{Name: "resolver", MaxFailures: 3, ResetTimeout: time.Minute})

	_ = cb.Execute(func() error { return errRemote })
	_ = cb.Execute(func() error { return errRemote })
	require.NoError(t, cb.Execute(func() error { return nil }))
	_ = cb.Execute(func() error { return errRemote })
	_ = cb.Execute(func() error { return errRemote })

	// Never hit 3 consecutive failures.
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenAfterResetTimeout(t *testing.T) {
	cb := NewCircuitBreaker(Settings{
		Name:                "resolver",
		MaxFailures:         1,
		ResetTimeout:        20 * time.Millisecond,
		HalfOpenMaxRequests: 2,
	})

	_ = cb.Execute(func() error { return errRemote })
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	// Enough successes close the circuit again.
	require.NoError(t, cb.Execute(func() error { return nil }))
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_FailureInHalfOpenReopens(t *testing.T) {
	cb := NewCircuitBreaker(Settings{
		Name:         "directory",
		MaxFailures:  1,
		ResetTimeout: 20 * time.Millisecond,
	})

	_ = cb.Execute(func() error { return errRemote })
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	_ = cb.Execute(func() error { return errRemote })
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker(Settings{
		Name:         "directory",
		MaxFailures:  1,
		ResetTimeout: time.Minute,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	_ = cb.Execute(func() error { return errRemote })

	require.Len(t, transitions, 1)
	assert.Equal(t, "closed->open", transitions[0])
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}
