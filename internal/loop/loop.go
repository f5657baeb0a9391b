// Package loop runs the agentic planner↔executor cycle: bounded iteration
// over architect model calls, intent parsing, and tool dispatch, until the
// model responds, a budget is exhausted, or a terminal failure occurs.
//
// State machine per request:
//
//	Planning → AwaitingModel → ParsingIntent → {Responding | ExecutingTools}
//	         ↑                                              |
//	         └──────────────────────────────────────────────┘
//	Responding → Completed; budget/deadline/tool failures → Failed outcomes.
package loop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/relay/internal/capability"
	"github.com/haasonsaas/relay/internal/intent"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/provider"
	"github.com/haasonsaas/relay/pkg/models"
)

// Strategy selects how a request is served.
type Strategy string

const (
	StrategyDirect    Strategy = "direct"
	StrategyAgentic   Strategy = "agentic"
	StrategyDualModel Strategy = "dual-model"
)

// Plan is the execution plan derived by the router for one request.
type Plan struct {
	Strategy       Strategy
	ArchitectModel string
	ExecutorModel  string

	// Tools is the intersection of the architect profile's tools and the
	// live supervisor advertisement.
	Tools []models.ToolSchema

	MaxIterations    int
	TotalDeadline    time.Duration
	StepDeadline     time.Duration
	ToolCallDeadline time.Duration
	ParallelToolCap  int

	// Prosthetic is the system-prompt fragment from the architect's
	// capability profile.
	Prosthetic string
}

// Result is the loop's terminal state for one request.
type Result struct {
	Final      models.ChatMessage
	Steps      []models.Step
	Outcome    models.Outcome
	Transcript []models.ChatMessage
}

// Publisher is the narrow bus capability the loop needs.
type Publisher interface {
	Publish(event models.Event)
}

// Dispatcher is the supervisor surface the loop depends on.
type Dispatcher interface {
	Execute(ctx context.Context, call models.ToolCall) (content string, isError bool, err error)
	ResolveAlias(modelID, name string) string
}

// consecutiveFailureLimit ends the request after this many consecutive
// error results from the same tool within one request.
const consecutiveFailureLimit = 3

// Loop orchestrates provider calls and tool dispatch for one request at a
// time; a Loop value is stateless and safe for concurrent Run calls.
type Loop struct {
	providers *provider.Registry
	tools     Dispatcher
	profiles  capability.View
	bus       Publisher
	logger    *observability.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer
}

// New creates a loop. bus, metrics, and tracer may be nil.
func New(providers *provider.Registry, tools Dispatcher, profiles capability.View, bus Publisher, logger *observability.Logger, metrics *observability.Metrics, tracer *observability.Tracer) *Loop {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	}
	return &Loop{
		providers: providers,
		tools:     tools,
		profiles:  profiles,
		bus:       bus,
		logger:    logger,
		metrics:   metrics,
		tracer:    tracer,
	}
}

// run-scoped state.
type runState struct {
	requestID  string
	plan       *Plan
	profile    capability.Profile
	transcript []models.ChatMessage
	steps      []models.Step
	lastAnswer string
	haveAnswer bool

	// consecutive error results per canonical tool name
	failures map[string]int
}

// Run executes the plan. The returned Result is always non-nil with a
// recorded outcome; err is non-nil only for request-scope failures the
// front-end must surface (model errors, cancellation).
func (l *Loop) Run(ctx context.Context, requestID string, req *models.ChatRequest, plan *Plan) (*Result, error) {
	profile, _ := l.profiles.Lookup(plan.ArchitectModel)

	state := &runState{
		requestID:  requestID,
		plan:       plan,
		profile:    profile,
		transcript: buildTranscript(req, plan.Prosthetic),
		failures:   make(map[string]int),
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if plan.TotalDeadline > 0 {
		runCtx, cancel = context.WithTimeout(ctx, plan.TotalDeadline)
		defer cancel()
	}

	for i := 1; ; i++ {
		if i > plan.MaxIterations {
			return l.finish(state, models.OutcomeIterationLimit), nil
		}
		if runCtx.Err() != nil {
			if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return l.finish(state, models.OutcomeDeadline), nil
			}
			return l.finish(state, models.OutcomeDeadline), runCtx.Err()
		}

		stepStart := time.Now()
		l.publish(models.Event{Type: models.EventStepStarted, RequestID: requestID, StepIndex: i})

		step, terminal, err := l.runStep(runCtx, state, i)
		step.Elapsed = time.Since(stepStart)
		step.Index = i
		state.steps = append(state.steps, step)

		l.publish(models.Event{Type: models.EventStepFinished, RequestID: requestID, StepIndex: i, Step: &step})

		if err != nil {
			// Deadline expiry mid-step is a loop-level outcome, not a
			// request failure, unless the caller itself was cancelled.
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return l.finish(state, models.OutcomeDeadline), nil
			}
			if ctx.Err() != nil {
				return l.finish(state, models.OutcomeDeadline), ctx.Err()
			}
			return l.finish(state, models.OutcomeModelError), err
		}
		if terminal != "" {
			return l.finish(state, terminal), nil
		}
	}
}

// runStep performs one Planning→…→ExecutingTools cycle. A non-empty
// terminal outcome ends the request.
func (l *Loop) runStep(ctx context.Context, state *runState, stepIndex int) (models.Step, models.Outcome, error) {
	step := models.Step{}
	ctx = observability.AddStepIndex(ctx, stepIndex)

	stepCtx := ctx
	var cancel context.CancelFunc
	if state.plan.StepDeadline > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, state.plan.StepDeadline)
		defer cancel()
	}

	// AwaitingModel: stream the architect response.
	text, structured, err := l.generate(stepCtx, state, state.plan.ArchitectModel, state.transcript, true)
	if err != nil {
		return step, "", err
	}
	step.ArchitectText = text

	// ParsingIntent: structured tool calls bypass the text parser. Direct
	// pass-through returns the model's text unchanged — the response is
	// never mistaken for a tool-call directive, even when it happens to be
	// JSON-shaped.
	var parsed models.Intent
	if state.plan.Strategy == StrategyDirect {
		parsed = models.Respond(text)
	} else {
		parsed = l.parseResponse(state, text, structured)
	}

	// Dual-model split: the architect planned a tool call; the executor
	// extracts the structured call from a stripped transcript.
	if parsed.Kind == models.IntentCallTool && state.plan.Strategy == StrategyDualModel &&
		state.plan.ExecutorModel != "" && state.plan.ExecutorModel != state.plan.ArchitectModel && len(structured) == 0 {
		executorIntent, execErr := l.executorExtract(stepCtx, state, text)
		if execErr != nil {
			l.logger.Warn(ctx, "executor extraction failed, using architect intent", "error", execErr)
		} else {
			if executorIntent.Reasoning == "" {
				executorIntent.Reasoning = parsed.Reasoning
			}
			parsed = executorIntent
		}
	}

	step.Intent = parsed
	l.publish(models.Event{Type: models.EventIntentParsed, RequestID: state.requestID, StepIndex: stepIndex, Intent: &parsed})

	switch parsed.Kind {
	case models.IntentRespond:
		state.transcript = append(state.transcript, models.ChatMessage{Role: models.RoleAssistant, Content: parsed.Text})
		state.lastAnswer = parsed.Text
		state.haveAnswer = true
		return step, models.OutcomeCompleted, nil

	case models.IntentAskUser:
		// Surfaced to the client as the assistant turn; the conversation
		// continues when the user answers.
		state.transcript = append(state.transcript, models.ChatMessage{Role: models.RoleAssistant, Content: parsed.Question})
		state.lastAnswer = parsed.Question
		state.haveAnswer = true
		return step, models.OutcomeCompleted, nil

	case models.IntentCallTool:
		calls := l.prepareCalls(state, stepIndex, parsed.Calls)
		step.ToolCalls = calls

		// ExecutingTools: dispatch in parallel, append in issue order.
		results := l.dispatchCalls(ctx, state, stepIndex, calls)
		step.ToolResults = results

		state.transcript = append(state.transcript, models.ChatMessage{
			Role:      models.RoleAssistant,
			Content:   parsed.Reasoning,
			ToolCalls: calls,
		})
		for i := range results {
			result := results[i]
			state.transcript = append(state.transcript, models.ChatMessage{
				Role:       models.RoleTool,
				ToolResult: &result,
			})
		}

		if tool, hit := l.trackFailures(state, calls, results); hit {
			l.logger.Warn(ctx, "tool failing repeatedly, ending request", "tool", tool)
			step.Terminal = true
			return step, models.OutcomeToolErrorTerminal, nil
		}
		return step, "", nil

	default:
		return step, "", fmt.Errorf("unparseable intent kind %q", parsed.Kind)
	}
}

// generate invokes the provider adapter and relays model chunks onto the
// bus while accumulating the full response.
func (l *Loop) generate(ctx context.Context, state *runState, model string, transcript []models.ChatMessage, architect bool) (string, []models.ToolCall, error) {
	adapter, err := l.providers.Route(model)
	if err != nil {
		return "", nil, err
	}

	if l.tracer != nil {
		var span trace.Span
		ctx, span = l.tracer.TraceProviderCall(ctx, adapter.Name(), model)
		defer span.End()
	}

	req := &provider.Request{
		Model:       model,
		Messages:    transcript,
		Tools:       state.plan.Tools,
		NativeTools: architect && state.profile.WireFormat.Structured(),
	}

	chunks, err := adapter.Generate(ctx, req)
	if err != nil {
		return "", nil, err
	}

	var text strings.Builder
	var structured []models.ToolCall
	for chunk := range chunks {
		if chunk.Err != nil {
			return text.String(), structured, chunk.Err
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
			l.publish(models.Event{
				Type:      models.EventModelChunk,
				RequestID: state.requestID,
				Stream:    &models.StreamEventPayload{Delta: chunk.Text, Provider: adapter.Name(), Model: model},
			})
		}
		if chunk.ToolCall != nil {
			structured = append(structured, *chunk.ToolCall)
		}
	}
	return text.String(), structured, nil
}

// parseResponse produces the intent for a model response: structured calls
// win, otherwise the dialect parser runs over the text. Empty text with no
// calls is respond("").
func (l *Loop) parseResponse(state *runState, text string, structured []models.ToolCall) models.Intent {
	if len(structured) > 0 {
		return models.CallTools(strings.TrimSpace(text), structured...)
	}
	return intent.Parse(text)
}

// executorExtract asks the executor model to emit the structured tool call
// for the architect's plan, over a stripped transcript: prosthetic system
// fragment, the last user instruction, and the plan text.
func (l *Loop) executorExtract(ctx context.Context, state *runState, planText string) (models.Intent, error) {
	executorProfile, _ := l.profiles.Lookup(state.plan.ExecutorModel)

	system := "Extract the tool call the plan describes and emit exactly one JSON tool-call directive."
	if executorProfile.Prosthetic != "" {
		system += "\n\n" + executorProfile.Prosthetic
	}

	stripped := []models.ChatMessage{
		{Role: models.RoleSystem, Content: system},
	}
	if user := lastUserMessage(state.transcript); user != "" {
		stripped = append(stripped, models.ChatMessage{Role: models.RoleUser, Content: user})
	}
	stripped = append(stripped, models.ChatMessage{Role: models.RoleUser, Content: "Plan:\n" + planText})

	text, structured, err := l.generate(ctx, state, state.plan.ExecutorModel, stripped, false)
	if err != nil {
		return models.Intent{}, err
	}
	if len(structured) > 0 {
		return models.CallTools("", structured...), nil
	}
	return intent.Parse(text), nil
}

// prepareCalls resolves aliases and assigns step-scoped call ids.
func (l *Loop) prepareCalls(state *runState, stepIndex int, calls []models.ToolCall) []models.ToolCall {
	prepared := make([]models.ToolCall, len(calls))
	for i, call := range calls {
		call.Name = l.tools.ResolveAlias(state.plan.ArchitectModel, call.Name)
		if call.ID == "" {
			call.ID = fmt.Sprintf("call_%d_%d", stepIndex, i+1)
		}
		prepared[i] = call
	}
	return prepared
}

// trackFailures updates per-tool consecutive error counts and reports
// whether any tool crossed the terminal threshold.
func (l *Loop) trackFailures(state *runState, calls []models.ToolCall, results []models.ToolResult) (string, bool) {
	byID := make(map[string]string, len(calls))
	for _, call := range calls {
		byID[call.ID] = call.Name
	}
	for _, result := range results {
		name := byID[result.ToolCallID]
		if result.Status == models.ToolResultError {
			state.failures[name]++
			if state.failures[name] >= consecutiveFailureLimit {
				return name, true
			}
		} else {
			state.failures[name] = 0
		}
	}
	return "", false
}

// finish assembles the terminal Result. For budget/deadline outcomes the
// final message is the best answer so far, or empty when none was produced.
func (l *Loop) finish(state *runState, outcome models.Outcome) *Result {
	final := models.ChatMessage{Role: models.RoleAssistant}
	if state.haveAnswer {
		final.Content = state.lastAnswer
	}

	if l.metrics != nil {
		l.metrics.LoopIterations.WithLabelValues(string(state.plan.Strategy)).Observe(float64(len(state.steps)))
	}

	return &Result{
		Final:      final,
		Steps:      state.steps,
		Outcome:    outcome,
		Transcript: state.transcript,
	}
}

func (l *Loop) publish(event models.Event) {
	if l.bus != nil {
		l.bus.Publish(event)
	}
}

// buildTranscript copies the request messages, appending the prosthetic
// fragment to the leading system message.
func buildTranscript(req *models.ChatRequest, prosthetic string) []models.ChatMessage {
	transcript := append([]models.ChatMessage(nil), req.Messages...)
	if prosthetic == "" {
		return transcript
	}
	if len(transcript) > 0 && transcript[0].Role == models.RoleSystem {
		head := transcript[0]
		if head.Content != "" {
			head.Content += "\n\n"
		}
		head.Content += prosthetic
		transcript[0] = head
		return transcript
	}
	return append([]models.ChatMessage{{Role: models.RoleSystem, Content: prosthetic}}, transcript...)
}

func lastUserMessage(transcript []models.ChatMessage) string {
	for i := len(transcript) - 1; i >= 0; i-- {
		if transcript[i].Role == models.RoleUser {
			return transcript[i].Content
		}
	}
	return ""
}
