package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apperrors "github.com/chainsafe/bridge-warden/pkg/app/errors"
)

func fastPolicy(attempts uint) Policy {
	return Policy{MaxAttempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func TestPolicy_RetriesTransientUntilSuccess(t *testing.T) {
	calls := 0
	err := fastPolicy(5).Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return apperrors.ConnectivityError(errors.New("dial tcp: refused"), "latest block")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestPolicy_StopsOnPermanentError(t *testing.T) {
	calls := 0
	err := fastPolicy(5).Do(context.Background(), func(context.Context) error {
		calls++
		return apperrors.RevertError(errors.New("execution reverted"), "estimate gas")
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
	require.True(t, apperrors.Is(err, apperrors.CategoryRevert))
}

func TestPolicy_ExhaustedReturnsLastError(t *testing.T) {
	calls := 0
	var hooks []uint
	p := fastPolicy(3).WithOnRetry(func(n uint, _ error) { hooks = append(hooks, n) })
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return apperrors.SubmissionError(errors.New("nonce too low"), "submit")
	})
	require.Error(t, err)
	require.Equal(t, 3, calls)
	require.True(t, apperrors.Is(err, apperrors.CategorySubmission))
	require.Equal(t, []uint{0, 1, 2}, hooks)
}

func TestPolicy_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 10, InitialBackoff: time.Hour}
	calls := 0
	err := p.Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return apperrors.ConnectivityError(errors.New("timeout"), "gas price")
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}
