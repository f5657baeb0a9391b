package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/internal/bus"
	"github.com/haasonsaas/relay/internal/loop"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/pkg/models"
)

// requestIDFrom honours a caller-supplied X-Request-Id, minting one
// otherwise.
func requestIDFrom(r *http.Request) string {
	if id := r.Header.Get("X-Request-Id"); id != "" {
		return id
	}
	return uuid.NewString()
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r)
	w.Header().Set("X-Request-Id", requestID)
	ctx := observability.AddRequestID(r.Context(), requestID)

	var wireReq chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&wireReq); err != nil {
		writeValidationError(w, requestID, "malformed JSON body: "+err.Error())
		return
	}
	if wireReq.Model == "" {
		writeValidationError(w, requestID, "model is required")
		return
	}

	internal, err := wireReq.toInternal()
	if err != nil {
		writeValidationError(w, requestID, err.Error())
		return
	}
	normalized, err := Normalize(internal)
	if err != nil {
		writeValidationError(w, requestID, err.Error())
		return
	}

	plan := s.router.Plan(ctx, requestID, normalized)

	if s.metrics != nil {
		s.metrics.RequestsInFlight.Inc()
		defer s.metrics.RequestsInFlight.Dec()
	}
	start := time.Now()

	s.publish(models.Event{
		Type:      models.EventRequestStarted,
		RequestID: requestID,
		Request: &models.RequestEventPayload{
			Model:    normalized.Model,
			Strategy: string(plan.Strategy),
			Incoming: normalized,
		},
	})

	if normalized.Stream {
		s.streamCompletion(w, r, requestID, normalized, plan, start)
		return
	}

	result, err := s.loop.Run(ctx, requestID, normalized, plan)
	s.finishRequest(requestID, plan, result, err, time.Since(start))
	if err != nil {
		writeUpstreamError(w, requestID, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(completionResponse(requestID, normalized.Model, result.Final))
}

// finishRequest publishes the terminal event and records metrics.
func (s *Server) finishRequest(requestID string, plan *loop.Plan, result *loop.Result, err error, elapsed time.Duration) {
	outcome := models.OutcomeModelError
	var final *models.ChatMessage
	if result != nil {
		outcome = result.Outcome
		f := result.Final
		final = &f
	}

	eventType := models.EventRequestFinished
	payload := models.Event{
		RequestID: requestID,
		Request: &models.RequestEventPayload{
			Strategy: string(plan.Strategy),
			Outcome:  outcome,
			Elapsed:  elapsed,
			Final:    final,
		},
	}
	if err != nil {
		eventType = models.EventRequestFailed
		payload.Error = &models.ErrorEventPayload{Message: err.Error(), Err: err}
	}
	payload.Type = eventType
	s.publish(payload)

	if s.metrics != nil {
		steps := 0
		if result != nil {
			steps = len(result.Steps)
		}
		s.metrics.RecordRequest(string(plan.Strategy), string(outcome), elapsed.Seconds(), steps)
	}
}

// streamCompletion relays model-chunk events as server-sent events, then a
// final-message frame and [DONE]. The SSE writer is a bus subscriber: the
// streaming path is identical to the non-streaming path at the loop layer.
func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, requestID string, req *models.ChatRequest, plan *loop.Plan, start time.Time) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, requestID, "internal_error", "INTERNAL", "streaming unsupported by connection")
		return
	}

	sub := s.bus.SubscribeRequest(bus.DefaultBufferSize, requestID)
	defer sub.Cancel()

	type runOutcome struct {
		result *loop.Result
		err    error
	}
	done := make(chan runOutcome, 1)
	go func() {
		result, err := s.loop.Run(r.Context(), requestID, req, plan)
		s.finishRequest(requestID, plan, result, err, time.Since(start))
		done <- runOutcome{result, err}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	created := time.Now().Unix()
	writeChunk := func(chunk *chatCompletionChunk) {
		data, err := json.Marshal(chunk)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	// Opening role frame, per the OpenAI streaming contract.
	writeChunk(&chatCompletionChunk{
		ID: "chatcmpl-" + requestID, Object: "chat.completion.chunk", Created: created, Model: req.Model,
		Choices: []chunkChoice{{Delta: chunkDelta{Role: "assistant"}}},
	})

relay:
	for event := range sub.Events() {
		switch event.Type {
		case models.EventModelChunk:
			if event.Stream != nil && event.Stream.Delta != "" {
				writeChunk(&chatCompletionChunk{
					ID: "chatcmpl-" + requestID, Object: "chat.completion.chunk", Created: created, Model: req.Model,
					Choices: []chunkChoice{{Delta: chunkDelta{Content: event.Stream.Delta}}},
				})
			}
		case models.EventRequestFinished, models.EventRequestFailed:
			break relay
		}
	}

	outcome := <-done
	if outcome.err != nil {
		// The stream is already open; surface the failure as a terminal
		// frame carrying the error message.
		fmt.Fprintf(w, "data: {\"error\":{\"message\":%q}}\n\n", outcome.err.Error())
		flusher.Flush()
	} else {
		stop := "stop"
		writeChunk(&chatCompletionChunk{
			ID: "chatcmpl-" + requestID, Object: "chat.completion.chunk", Created: created, Model: req.Model,
			Choices: []chunkChoice{{Delta: chunkDelta{}, FinishReason: &stop}},
		})
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *Server) publish(event models.Event) {
	if s.bus != nil {
		s.bus.Publish(event)
	}
}
