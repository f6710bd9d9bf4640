// Package agent defines the AgentInvoker contract the stage executor
// drives, plus two reference implementations that make the kernel
// runnable end to end without a real LLM provider: EchoInvoker for
// deterministic tests/examples, and FuncInvoker for adapting a plain
// function into the interface.
package agent

import (
	"context"
	"strings"
)

// InvokeResult is what an Invoker returns for one prompt.
type InvokeResult struct {
	OK        bool
	Output    string
	ErrorKind string
}

// Invoker is the opaque, externally-supplied contract the kernel drives
// stage execution through. Implementations must honor ctx cancellation
// (returning within a bounded time after it fires) and must be safe for
// concurrent invocation, since sibling stages in the same wave may invoke
// different agents — or the same cached agent instance — concurrently.
type Invoker interface {
	Invoke(ctx context.Context, prompt string, metadata map[string]interface{}) (InvokeResult, error)
	// Name identifies this invoker for StageResult.AgentUsed reporting.
	Name() string
}

// EchoInvoker is a deterministic Invoker that uppercases and echoes its
// prompt. It exists for tests and the bundled examples, where a real LLM
// provider is out of scope but the kernel must still be exercised
// end to end.
type EchoInvoker struct {
	AgentID string
}

func (e EchoInvoker) Invoke(ctx context.Context, prompt string, _ map[string]interface{}) (InvokeResult, error) {
	select {
	case <-ctx.Done():
		return InvokeResult{}, ctx.Err()
	default:
	}
	return InvokeResult{OK: true, Output: strings.ToUpper(prompt)}, nil
}

func (e EchoInvoker) Name() string {
	if e.AgentID != "" {
		return e.AgentID
	}
	return "echo"
}

// FuncInvoker adapts a plain function into an Invoker, mirroring the
// executor-as-function adapter pattern used elsewhere for node executors.
type FuncInvoker struct {
	InvokeFn func(ctx context.Context, prompt string, metadata map[string]interface{}) (InvokeResult, error)
	AgentID  string
}

func (f FuncInvoker) Invoke(ctx context.Context, prompt string, metadata map[string]interface{}) (InvokeResult, error) {
	return f.InvokeFn(ctx, prompt, metadata)
}

func (f FuncInvoker) Name() string {
	if f.AgentID != "" {
		return f.AgentID
	}
	return "func"
}
