package recorder

import (
	"context"
	"time"

	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/pkg/models"
)

// EventSource is the bus subscription surface the recorder consumes.
type EventSource interface {
	Events() <-chan models.Event
}

// Recorder assembles turn records from the event stream. It keeps an
// in-progress accumulation per request id and writes the assembled record
// when the terminal event arrives. Writes are idempotent via the store.
type Recorder struct {
	store   Store
	logger  *observability.Logger
	metrics *observability.Metrics

	pending map[string]*accumulation
}

// accumulation is the in-progress state for one request id.
type accumulation struct {
	arrivedAt time.Time
	request   *models.ChatRequest
	steps     []models.Step
}

// New creates a recorder writing to the given store.
func New(store Store, logger *observability.Logger, metrics *observability.Metrics) *Recorder {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	}
	return &Recorder{
		store:   store,
		logger:  logger,
		metrics: metrics,
		pending: make(map[string]*accumulation),
	}
}

// Run consumes the subscription until it closes or ctx is cancelled. The
// recorder is single-writer: all store writes happen on this goroutine.
func (r *Recorder) Run(ctx context.Context, events EventSource) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events.Events():
			if !ok {
				return
			}
			r.consume(ctx, event)
		}
	}
}

// consume folds one event into the per-request accumulation.
func (r *Recorder) consume(ctx context.Context, event models.Event) {
	if event.RequestID == "" {
		return
	}

	switch event.Type {
	case models.EventRequestStarted:
		acc := &accumulation{arrivedAt: event.Time}
		if event.Request != nil {
			acc.request = event.Request.Incoming
		}
		r.pending[event.RequestID] = acc

	case models.EventStepFinished:
		if acc, ok := r.pending[event.RequestID]; ok && event.Step != nil {
			acc.steps = append(acc.steps, *event.Step)
		}

	case models.EventRequestFinished, models.EventRequestFailed:
		acc, ok := r.pending[event.RequestID]
		if !ok {
			// Late attach: no started event seen, nothing to record.
			return
		}
		delete(r.pending, event.RequestID)
		r.write(ctx, event, acc)
	}
}

// write assembles and persists the turn record.
func (r *Recorder) write(ctx context.Context, terminal models.Event, acc *accumulation) {
	record := &models.TurnRecord{
		TurnID:    terminal.RequestID,
		ArrivedAt: acc.arrivedAt,
		Request:   acc.request,
		Steps:     acc.steps,
	}
	if terminal.Request != nil {
		record.Outcome = terminal.Request.Outcome
		if terminal.Request.Final != nil {
			record.Final = *terminal.Request.Final
		}
	}
	if record.Outcome == "" {
		record.Outcome = models.OutcomeModelError
	}

	err := r.store.Save(ctx, record)
	if r.metrics != nil {
		r.metrics.RecordTurnWrite(r.store.Name(), err)
	}
	if err != nil {
		r.logger.Error(ctx, "turn record write failed", "turn_id", record.TurnID, "error", err)
		return
	}
	r.logger.Debug(ctx, "turn record written", "turn_id", record.TurnID, "outcome", string(record.Outcome), "steps", len(record.Steps))
}
