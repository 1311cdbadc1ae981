// ABOUTME: Sequential skill executor that chains tool calls through the gateway
// ABOUTME: Stops at the first failing step and checks for cancellation between steps

package skills

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/2389/tool-gateway/internal/store"
)

// Step result statuses.
const (
	StepSuccess = "success"
	StepError   = "error"
)

// DefaultCallerType identifies skill runs to the gateway's permission check.
const DefaultCallerType = "skill"

// StepResult records the outcome of one step.
type StepResult struct {
	StepName   string `json:"stepName"`
	Status     string `json:"status"`
	Output     any    `json:"output"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// Result is the outcome of one run.
type Result struct {
	Status store.ExecutionStatus `json:"status"`
	Steps  []StepResult          `json:"stepResults"`
	Output any                   `json:"output"`
}

// Executor runs skill definitions.
type Executor struct {
	client     GatewayClient
	callerID   string
	callerType string
	logger     *slog.Logger
}

// NewExecutor creates an executor that calls tools as callerID/callerType.
func NewExecutor(client GatewayClient, callerID, callerType string, logger *slog.Logger) *Executor {
	if callerType == "" {
		callerType = DefaultCallerType
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		client:     client,
		callerID:   callerID,
		callerType: callerType,
		logger:     logger.With("component", "executor"),
	}
}

// Execute runs def's steps in order. Each step sees the run input under
// "input" and every earlier step's output under its name. A cancelled ctx
// ends the run before the next step with status cancelled.
func (e *Executor) Execute(ctx context.Context, def *Definition, input any) Result {
	scope := map[string]any{"input": input}
	results := make([]StepResult, 0, len(def.Steps))

	for _, step := range def.Steps {
		if ctx.Err() != nil {
			e.logger.Info("skill run cancelled", "step", step.Name)
			return Result{Status: store.ExecutionCancelled, Steps: results}
		}

		start := time.Now()
		args, _ := EvaluateArg(step.Arguments, scope).(map[string]any)

		e.logger.Debug("executing step", "step", step.Name, "server_id", step.ServerName, "tool_name", step.ToolName)
		out, err := e.client.CallTool(ctx, step.ServerName, step.ToolName, args, e.callerID, e.callerType)
		elapsed := time.Since(start).Milliseconds()

		if err != nil {
			results = append(results, StepResult{
				StepName:   step.Name,
				Status:     StepError,
				Error:      err.Error(),
				DurationMs: elapsed,
			})
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				e.logger.Info("skill run cancelled during step", "step", step.Name)
				return Result{Status: store.ExecutionCancelled, Steps: results}
			}
			e.logger.Warn("skill step failed", "step", step.Name, "error", err)
			return Result{Status: store.ExecutionFailed, Steps: results}
		}

		scope[step.Name] = out
		results = append(results, StepResult{
			StepName:   step.Name,
			Status:     StepSuccess,
			Output:     out,
			DurationMs: elapsed,
		})
	}

	var output any
	if n := len(results); n > 0 {
		output = results[n-1].Output
	}
	return Result{Status: store.ExecutionCompleted, Steps: results, Output: output}
}
