package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEchoInvoker_UppercasesPrompt(t *testing.T) {
	inv := EchoInvoker{AgentID: "writer"}
	res, err := inv.Invoke(context.Background(), "hello", nil)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "HELLO", res.Output)
	assert.Equal(t, "writer", inv.Name())
}

func TestFuncInvoker_DelegatesToFunction(t *testing.T) {
	var gotPrompt string
	inv := FuncInvoker{
		AgentID: "custom",
		InvokeFn: func(ctx context.Context, prompt string, metadata map[string]interface{}) (InvokeResult, error) {
			gotPrompt = prompt
			return InvokeResult{OK: true, Output: "OUT-" + prompt}, nil
		},
	}
	res, err := inv.Invoke(context.Background(), "x", nil)
	require.NoError(t, err)
	assert.Equal(t, "x", gotPrompt)
	assert.Equal(t, "OUT-x", res.Output)
}

func TestEchoInvoker_RespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	inv := EchoInvoker{}
	_, err := inv.Invoke(ctx, "x", nil)
	assert.Error(t, err)
}
