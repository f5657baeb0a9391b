package loop

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/toolserver"
	"github.com/haasonsaas/relay/pkg/models"
)

// dispatchCalls executes the step's tool calls concurrently up to the plan's
// parallel cap; calls beyond the cap queue. Results come back in the order
// the calls were issued, not completion order. Every failure becomes an
// error result — dispatch itself never fails the request.
func (l *Loop) dispatchCalls(ctx context.Context, state *runState, stepIndex int, calls []models.ToolCall) []models.ToolResult {
	results := make([]models.ToolResult, len(calls))

	capSize := state.plan.ParallelToolCap
	if capSize <= 0 {
		capSize = len(calls)
	}
	sem := make(chan struct{}, capSize)

	var wg sync.WaitGroup
	for i := range calls {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[idx] = l.dispatchOne(ctx, state, stepIndex, calls[idx])
		}(i)
	}
	wg.Wait()

	return results
}

// dispatchOne runs a single tool call under its own deadline and publishes
// its lifecycle events.
func (l *Loop) dispatchOne(ctx context.Context, state *runState, stepIndex int, call models.ToolCall) models.ToolResult {
	callCtx := observability.AddToolCallID(ctx, call.ID)
	var cancel context.CancelFunc
	if state.plan.ToolCallDeadline > 0 {
		callCtx, cancel = context.WithTimeout(callCtx, state.plan.ToolCallDeadline)
		defer cancel()
	}

	l.publish(models.Event{
		Type:      models.EventToolCallStarted,
		RequestID: state.requestID,
		StepIndex: stepIndex,
		Tool: &models.ToolEventPayload{
			CallID:   call.ID,
			Name:     call.Name,
			ArgsJSON: call.Arguments,
		},
	})

	start := time.Now()
	content, isError, err := l.tools.Execute(callCtx, call)
	elapsed := time.Since(start)

	result := models.ToolResult{
		ToolCallID: call.ID,
		Duration:   elapsed,
	}
	switch {
	case err != nil:
		result.Status = models.ToolResultError
		result.Content = errorResultContent(err)
	case isError:
		result.Status = models.ToolResultError
		result.Content = content
	default:
		result.Status = models.ToolResultOK
		result.Content = content
	}

	l.publish(models.Event{
		Type:      models.EventToolCallFinished,
		RequestID: state.requestID,
		StepIndex: stepIndex,
		Tool: &models.ToolEventPayload{
			CallID:  call.ID,
			Name:    call.Name,
			Status:  result.Status,
			Result:  result.Content,
			Elapsed: elapsed,
		},
	})

	return result
}

// errorResultContent renders a dispatch failure as the textual tool result
// the model sees on the next iteration.
func errorResultContent(err error) string {
	switch {
	case errors.Is(err, toolserver.ErrUnknownTool):
		return "tool not available"
	case errors.Is(err, toolserver.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "tool call failed: timeout"
	case errors.Is(err, toolserver.ErrNotConnected):
		return "tool call failed: not-connected"
	case errors.Is(err, toolserver.ErrInvalidArguments):
		return "tool call failed: invalid-arguments: " + err.Error()
	default:
		return "tool call failed: transport-error: " + err.Error()
	}
}
