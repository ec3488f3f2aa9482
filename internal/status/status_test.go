package status

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNextTable(t *testing.T) {
	cases := []struct {
		from  Status
		to    Status
		apply bool
		err   error
	}{
		{from: Scheduled, to: RunRequested, apply: true},
		{from: Scheduled, to: Canceled, apply: true},
		{from: Scheduled, to: Running, err: UnexpectedTransitionError{From: Scheduled, To: Running}},
		{from: Scheduled, to: Done, err: UnexpectedTransitionError{From: Scheduled, To: Done}},
		{from: ReScheduled, to: RunRequested, apply: true},
		{from: ReScheduled, to: Canceled, apply: true},
		{from: RunRequested, to: Running, apply: true},
		{from: RunRequested, to: Error, apply: true},
		{from: RunRequested, to: Failed, apply: true},
		{from: RunRequested, to: ReScheduled, apply: true},
		{from: RunRequested, to: Canceled, apply: true},
		{from: RunRequested, to: Done, err: UnexpectedTransitionError{From: RunRequested, To: Done}},
		{from: Running, to: Done, apply: true},
		{from: Running, to: Error, apply: true},
		{from: Running, to: Failed, apply: true},
		{from: Running, to: ReScheduled, apply: true},
		{from: Running, to: Canceled, apply: true},
		{from: Error, to: Canceled, apply: true},
		{from: Error, to: ReScheduled, err: UnexpectedTransitionError{From: Error, To: ReScheduled}},
		{from: Failed, to: ReScheduled, apply: true},
		{from: Failed, to: Canceled, apply: true},
		{from: OnHold, to: ReScheduled, apply: true},
		{from: OnHold, to: Canceled, apply: true},
		{from: OnHold, to: Running, err: UnexpectedTransitionError{From: OnHold, To: Running}},
		{from: Done, to: Running, err: ErrAlreadyDone},
		{from: Done, to: ReScheduled, err: ErrAlreadyDone},
		{from: Canceled, to: ReScheduled, err: ErrAlreadyCanceled},
		{from: Canceled, to: Running, err: ErrAlreadyCanceled},
	}

	for _, c := range cases {
		t.Run(string(c.from)+"_to_"+string(c.to), func(t *testing.T) {
			apply, err := Next(c.from, c.to)
			if c.err != nil {
				require.Equal(t, c.err, err)
				require.False(t, apply)
				return
			}
			require.NoError(t, err)
			require.Equal(t, c.apply, apply)
		})
	}
}

func TestNextSameStatusIsNoOp(t *testing.T) {
	for _, s := range []Status{
		Scheduled, ReScheduled, RunRequested, Running,
		Done, Error, Failed, OnHold, Canceled,
	} {
		apply, err := Next(s, s)
		require.NoError(t, err)
		require.False(t, apply)
	}
}

func TestNextDoneToCanceledIsNoOp(t *testing.T) {
	apply, err := Next(Done, Canceled)
	require.NoError(t, err)
	require.False(t, apply)
}

func TestTerminal(t *testing.T) {
	require.True(t, Done.Terminal())
	require.True(t, Canceled.Terminal())
	require.False(t, Failed.Terminal())
	require.False(t, Error.Terminal())
	require.False(t, OnHold.Terminal())
	require.False(t, Running.Terminal())
}

func TestCascadeTarget(t *testing.T) {
	target, ok := CascadeTarget(Canceled)
	require.True(t, ok)
	require.Equal(t, Canceled, target)

	target, ok = CascadeTarget(ReScheduled)
	require.True(t, ok)
	require.Equal(t, ReScheduled, target)

	target, ok = CascadeTarget(Failed)
	require.True(t, ok)
	require.Equal(t, OnHold, target)

	for _, s := range []Status{Scheduled, RunRequested, Running, Done, Error, OnHold} {
		_, ok := CascadeTarget(s)
		require.False(t, ok)
	}
}
