package correlation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCurrent_DefaultsToFreshContext(t *testing.T) {
	c1 := Current(context.Background())
	c2 := Current(context.Background())
	require.NotEmpty(t, c1.CorrelationID)
	assert.NotEqual(t, c1.CorrelationID, c2.CorrelationID)
	assert.False(t, c1.IsInboxReplay)
	assert.False(t, c1.IsOutboxReplay)
}

func TestRunWith_OverridesAndRestores(t *testing.T) {
	base := Inject(context.Background(), WithCorrelationID("corr-1"))

	err := RunWith(base, Override{SetInboxReplay: BoolPtr(true)}, func(inner context.Context) error {
		assert.True(t, IsInboxReplay(inner))
		assert.Equal(t, "corr-1", ID(inner))
		return nil
	})
	require.NoError(t, err)

	// Base context is untouched by the nested run.
	assert.False(t, IsInboxReplay(base))
}

func TestRunWith_NestedOverridesDoNotUnion(t *testing.T) {
	base := Inject(context.Background(), WithCorrelationID("corr-2"))

	_ = RunWith(base, Override{SetOutboxReplay: BoolPtr(true)}, func(outer context.Context) error {
		assert.True(t, IsOutboxReplay(outer))
		assert.False(t, IsInboxReplay(outer))

		return RunWith(outer, Override{SetInboxReplay: BoolPtr(true)}, func(inner context.Context) error {
			// Nested override replaces, but the parent's OutboxReplay value
			// propagates as the base for the nested Context.
			assert.True(t, IsInboxReplay(inner))
			assert.True(t, IsOutboxReplay(inner))
			return nil
		})
	})
}

func TestRunWith_PropagatesOnError(t *testing.T) {
	base := context.Background()
	sentinel := assert.AnError

	err := RunWith(base, Override{}, func(context.Context) error {
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
}
