package skills

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tool-gateway/internal/store"
)

type toolCall struct {
	Server     string
	Tool       string
	Args       map[string]any
	CallerID   string
	CallerType string
}

// fakeGateway answers tool calls from a table keyed by tool name.
type fakeGateway struct {
	mu      sync.Mutex
	calls   []toolCall
	outputs map[string]any
	fail    map[string]error
	// blockOn makes the named tool wait for ctx cancellation.
	blockOn string
	entered chan struct{}
}

func (f *fakeGateway) CallTool(ctx context.Context, serverName, toolName string, args map[string]any, callerID, callerType string) (any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, toolCall{serverName, toolName, args, callerID, callerType})
	f.mu.Unlock()

	if toolName == f.blockOn {
		if f.entered != nil {
			close(f.entered)
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := f.fail[toolName]; err != nil {
		return nil, err
	}
	return f.outputs[toolName], nil
}

func (f *fakeGateway) recorded() []toolCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]toolCall(nil), f.calls...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func threeSteps() *Definition {
	return &Definition{Steps: []Step{
		{Name: "fetch", ServerName: "web", ToolName: "get", Arguments: map[string]any{"url": "{{input.url}}"}},
		{Name: "summarise", ServerName: "llm", ToolName: "summarise", Arguments: map[string]any{"text": "{{fetch.content}}"}},
		{Name: "publish", ServerName: "blog", ToolName: "post", Arguments: map[string]any{"body": "{{summarise.summary}}"}},
	}}
}

func TestExecute_TemplateChaining(t *testing.T) {
	gw := &fakeGateway{outputs: map[string]any{
		"fetch":   map[string]any{"content": "cats are great"},
		"publish": map[string]any{"id": "post-1"},
	}}
	exec := NewExecutor(gw, "runner-1", "", testLogger())

	def := &Definition{Steps: []Step{
		{Name: "fetch", ServerName: "web", ToolName: "fetch", Arguments: map[string]any{"topic": "{{input.topic}}"}},
		{Name: "publish", ServerName: "blog", ToolName: "publish", Arguments: map[string]any{"text": "{{fetch.content}}"}},
	}}

	res := exec.Execute(context.Background(), def, map[string]any{"topic": "cats"})
	assert.Equal(t, store.ExecutionCompleted, res.Status)
	require.Len(t, res.Steps, 2)
	assert.Equal(t, map[string]any{"id": "post-1"}, res.Output)

	calls := gw.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, map[string]any{"topic": "cats"}, calls[0].Args)
	assert.Equal(t, map[string]any{"text": "cats are great"}, calls[1].Args)
	assert.Equal(t, "blog", calls[1].Server)
	assert.Equal(t, "runner-1", calls[1].CallerID)
	assert.Equal(t, DefaultCallerType, calls[1].CallerType)

	for _, step := range res.Steps {
		assert.Equal(t, StepSuccess, step.Status)
		assert.GreaterOrEqual(t, step.DurationMs, int64(0))
	}
}

func TestExecute_ShortCircuitsOnFailure(t *testing.T) {
	gw := &fakeGateway{
		outputs: map[string]any{"get": map[string]any{"content": "x"}},
		fail:    map[string]error{"summarise": errors.New("gateway error (502): boom")},
	}
	exec := NewExecutor(gw, "", "agent", testLogger())

	res := exec.Execute(context.Background(), threeSteps(), map[string]any{"url": "http://x"})
	assert.Equal(t, store.ExecutionFailed, res.Status)
	assert.Nil(t, res.Output)
	require.Len(t, res.Steps, 2)
	assert.Equal(t, StepSuccess, res.Steps[0].Status)
	assert.Equal(t, StepError, res.Steps[1].Status)
	assert.Equal(t, "gateway error (502): boom", res.Steps[1].Error)
	assert.Len(t, gw.recorded(), 2, "step 3 never runs")
}

func TestExecute_MissingTemplateIsNil(t *testing.T) {
	gw := &fakeGateway{}
	exec := NewExecutor(gw, "", "", testLogger())

	def := &Definition{Steps: []Step{
		{Name: "only", ServerName: "s", ToolName: "t", Arguments: map[string]any{"v": "{{missing.path}}"}},
	}}
	res := exec.Execute(context.Background(), def, map[string]any{})
	assert.Equal(t, store.ExecutionCompleted, res.Status)

	calls := gw.recorded()
	require.Len(t, calls, 1)
	v, present := calls[0].Args["v"]
	assert.True(t, present)
	assert.Nil(t, v)
}

func TestExecute_CancelledBeforeStep(t *testing.T) {
	gw := &fakeGateway{}
	exec := NewExecutor(gw, "", "", testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := exec.Execute(ctx, threeSteps(), nil)
	assert.Equal(t, store.ExecutionCancelled, res.Status)
	assert.Empty(t, res.Steps)
	assert.Empty(t, gw.recorded())
}

func TestExecute_CancelledDuringStep(t *testing.T) {
	gw := &fakeGateway{
		outputs: map[string]any{"get": "page"},
		blockOn: "summarise",
		entered: make(chan struct{}),
	}
	exec := NewExecutor(gw, "", "", testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result)
	go func() { done <- exec.Execute(ctx, threeSteps(), nil) }()

	<-gw.entered
	cancel()
	res := <-done

	assert.Equal(t, store.ExecutionCancelled, res.Status)
	require.Len(t, res.Steps, 2)
	assert.Equal(t, StepError, res.Steps[1].Status)
	assert.Len(t, gw.recorded(), 2)
}

func TestStepResult_NilOutputKeepsKey(t *testing.T) {
	raw, err := json.Marshal(StepResult{StepName: "s", Status: StepSuccess})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"output":null`)
	assert.NotContains(t, string(raw), `"error"`)
}
