package retry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoverableError(t *testing.T) {
	err := NewRecoverableError(errors.New("test error"))
	assert.True(t, IsRecoverable(err))
	assert.False(t, IsRecoverable(errors.New("test error")))
	assert.False(t, IsRecoverable(nil))
	assert.False(t, IsRecoverable(NewNonRecoverableError(errors.New("gateway timeout"))))
}

func TestRecoverablePatterns(t *testing.T) {
	assert.True(t, IsRecoverable(errors.New("Transaction delayed due to network congestion")))
	assert.True(t, IsRecoverable(errors.New("429 Too Many Requests")))
	assert.True(t, IsRecoverable(context.DeadlineExceeded))
	assert.False(t, IsRecoverable(context.Canceled))
	assert.False(t, IsRecoverable(errors.New("User rejected the transaction signature")))
}

func TestRecoverableFinalPatterns(t *testing.T) {
	require.False(t, IsRecoverable(errors.New("insufficient funds for gas * price + value: timeout waiting")))
	require.False(t, IsRecoverable(errors.New("nonce too low")))
	require.False(t, IsRecoverable(fmt.Errorf("estimate gas: %w", errors.New("execution reverted: paused"))))
	require.True(t, IsRecoverable(errors.New("replacement transaction underpriced")))
}

func TestRecoverableRPCError(t *testing.T) {
	require.True(t, IsRecoverable(&RPCError{Code: -32005, Message: "limit exceeded"}))
	require.True(t, IsRecoverable(fmt.Errorf("eth_sendRawTransaction: %w", &RPCError{Code: -32603, Message: "internal error"})))
	require.True(t, IsRecoverable(&RPCError{Code: -32000, Message: "header not found"}))
	require.False(t, IsRecoverable(&RPCError{Code: -32000, Message: "nonce too low"}))
	require.False(t, IsRecoverable(&RPCError{Code: 3, Message: "execution reverted"}))
	require.Equal(t, "rpc error -32005: limit exceeded", (&RPCError{Code: -32005, Message: "limit exceeded"}).Error())
}

func TestRecoverableURLError(t *testing.T) {
	refused := &url.Error{Op: "Post", URL: "https://rpc.example", Err: errors.New("dial tcp: connection refused")}
	require.True(t, IsRecoverable(refused))
	denied := &url.Error{Op: "Post", URL: "https://rpc.example", Err: errors.New("403 forbidden")}
	require.False(t, IsRecoverable(denied))
}

func TestRecoverableVerdictWins(t *testing.T) {
	wrapped := NewRecoverableError(errors.New("nonce too low"))
	require.True(t, IsRecoverable(wrapped))
	require.Equal(t, "nonce too low", wrapped.Error())

	final := NewNonRecoverableError(context.DeadlineExceeded)
	require.False(t, IsRecoverable(fmt.Errorf("bridge: %w", final)))
	require.True(t, errors.Is(final, context.DeadlineExceeded))
}

func TestRetry(t *testing.T) {
	ctx := context.Background()
	count := 0
	err := Do(ctx, func() error {
		count++
		return NewRecoverableError(errors.New("test error"))
	}, WithMaxRetries(3), WithBaseWait(time.Millisecond*20))
	assert.Error(t, err)
	assert.Equal(t, "test error", err.Error())
	assert.Equal(t, 4, count)
}

func TestRetryZeroMaxRetries(t *testing.T) {
	ctx := context.Background()
	count := 0
	err := Do(ctx, func() error {
		count++
		return NewRecoverableError(errors.New("test error"))
	}, WithMaxRetries(0), WithBaseWait(time.Millisecond*20))
	assert.Error(t, err)
	assert.Equal(t, "test error", err.Error())
	assert.Equal(t, 1, count) // Should still try once even with 0 retries
}

func TestRetryStopsOnNonRecoverable(t *testing.T) {
	count := 0
	err := Do(context.Background(), func() error {
		count++
		return errors.New("insufficient balance")
	}, WithMaxRetries(5), WithBaseWait(time.Millisecond))
	assert.Error(t, err)
	assert.Equal(t, 1, count)
}

func TestRetrySucceedsEventually(t *testing.T) {
	count := 0
	err := Do(context.Background(), func() error {
		count++
		if count < 3 {
			return NewRecoverableError(errors.New("not yet"))
		}
		return nil
	}, WithMaxRetries(5), WithBaseWait(time.Millisecond))
	assert.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestRetryContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, func() error {
		return NewRecoverableError(errors.New("flaky"))
	}, WithMaxRetries(5), WithBaseWait(time.Second))
	assert.ErrorIs(t, err, context.Canceled)
}
