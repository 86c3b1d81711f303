package retry

import (
	"context"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-ai/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteRetriesTransientFailureThenSucceeds(t *testing.T) {
	p := Policy{Strategy: core.RetryConstant, InitialDelay: time.Millisecond, MaxAttempts: 3}

	calls := 0
	err := Execute(context.Background(), p, func(ctx context.Context, attempt int) error {
		calls++
		if calls < 3 {
			return core.ErrTimeout("T1", "boom")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestExecuteStopsOnNonRetryableError(t *testing.T) {
	p := Policy{Strategy: core.RetryConstant, InitialDelay: time.Millisecond, MaxAttempts: 5}

	calls := 0
	err := Execute(context.Background(), p, func(ctx context.Context, attempt int) error {
		calls++
		return core.ErrInterpolation("I1", "undefined", "FOO")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestExecuteExhaustsAttempts(t *testing.T) {
	p := Policy{Strategy: core.RetryConstant, InitialDelay: time.Millisecond, MaxAttempts: 3}

	calls := 0
	err := Execute(context.Background(), p, func(ctx context.Context, attempt int) error {
		calls++
		return core.ErrTimeout("T1", "boom")
	})

	require.Error(t, err)
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, 3, calls)
}

func TestCalculateDelayStrategies(t *testing.T) {
	base := 10 * time.Millisecond

	constant := Policy{Strategy: core.RetryConstant, InitialDelay: base}
	assert.Equal(t, base, CalculateDelay(constant, 1))
	assert.Equal(t, base, CalculateDelay(constant, 5))

	linear := Policy{Strategy: core.RetryLinear, InitialDelay: base}
	assert.Equal(t, base*3, CalculateDelay(linear, 3))

	exponential := Policy{Strategy: core.RetryExponential, InitialDelay: base}
	assert.Equal(t, base*4, CalculateDelay(exponential, 3))
}

func TestCalculateDelayRespectsMaxDelayCap(t *testing.T) {
	p := Policy{Strategy: core.RetryExponential, InitialDelay: 10 * time.Millisecond, MaxDelay: 25 * time.Millisecond}
	assert.LessOrEqual(t, CalculateDelay(p, 10), 25*time.Millisecond)
}

func TestExecuteRespectsContextCancellation(t *testing.T) {
	p := Policy{Strategy: core.RetryConstant, InitialDelay: time.Second, MaxAttempts: 5}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Execute(ctx, p, func(ctx context.Context, attempt int) error {
		return core.ErrTimeout("T1", "boom")
	})

	require.Error(t, err)
}
