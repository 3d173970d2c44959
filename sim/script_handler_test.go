package sim

import (
	"context"
	"testing"

	"github.com/deepnoodle-ai/stagedflow"
	"github.com/deepnoodle-ai/stagedflow/script"
	"github.com/stretchr/testify/require"
)

func scriptRequest(params map[string]any) *stagedflow.StepRequest {
	return &stagedflow.StepRequest{
		Step:    &stagedflow.StepDefinition{ID: "compute", Handler: "script", Parameters: params},
		Input:   map[string]any{"amount": "40", "symbol": "MATIC"},
		Results: map[string]any{"claim": 40.0},
	}
}

func TestScriptHandler(t *testing.T) {
	h := NewScriptHandler("script", script.NewRisorEngine(script.DefaultGlobals()))
	require.Equal(t, "script", h.Name())
	ctx := context.Background()

	t.Run("result", func(t *testing.T) {
		result, err := h.Execute(ctx, scriptRequest(map[string]any{
			"script":  `results.claim * 0.85`,
			"message": "Converting ${input.amount} ${input.symbol}",
		}))
		require.NoError(t, err)
		require.InDelta(t, 34.0, result, 1e-9)
	})

	t.Run("fail_if", func(t *testing.T) {
		_, err := h.Execute(ctx, scriptRequest(map[string]any{
			"fail_if":      `float(input.amount) > 10`,
			"fail_kind":    stagedflow.ErrorKindInsufficientBalance,
			"fail_message": "amount exceeds balance",
			"script":       `true`,
		}))
		require.Error(t, err)
		require.Equal(t, stagedflow.ErrorKindInsufficientBalance, stagedflow.ErrorKind(err))
		require.Contains(t, err.Error(), "amount exceeds balance")
	})

	t.Run("fail_if not met", func(t *testing.T) {
		result, err := h.Execute(ctx, scriptRequest(map[string]any{
			"fail_if": `results.claim < 1`,
			"script":  `input.symbol`,
		}))
		require.NoError(t, err)
		require.Equal(t, "MATIC", result)
	})

	t.Run("no script", func(t *testing.T) {
		result, err := h.Execute(ctx, scriptRequest(nil))
		require.NoError(t, err)
		require.Nil(t, result)
	})

	t.Run("compile error", func(t *testing.T) {
		_, err := h.Execute(ctx, scriptRequest(map[string]any{"script": `1 +`}))
		require.Error(t, err)
		require.Contains(t, err.Error(), "failed to compile")
	})
}
