// Package router classifies each normalized request and derives its
// execution plan: direct pass-through, single-model agentic, or dual-model
// architect + executor.
package router

import (
	"context"

	"github.com/haasonsaas/relay/internal/capability"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/loop"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/pkg/models"
)

// Advertiser is the supervisor surface the router needs.
type Advertiser interface {
	ListTools(ctx context.Context) ([]models.ToolSchema, error)
}

// Publisher is the narrow bus capability the router needs.
type Publisher interface {
	Publish(event models.Event)
}

// Router derives execution plans from the configuration snapshot, the
// architect's capability profile, and the live tool advertisement.
type Router struct {
	snapshot *config.Snapshot
	profiles capability.View
	tools    Advertiser
	bus      Publisher
	logger   *observability.Logger
}

// New creates a router. bus may be nil.
func New(snapshot *config.Snapshot, profiles capability.View, tools Advertiser, bus Publisher, logger *observability.Logger) *Router {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	}
	return &Router{
		snapshot: snapshot,
		profiles: profiles,
		tools:    tools,
		bus:      bus,
		logger:   logger,
	}
}

// Plan classifies the request and builds its execution plan.
func (r *Router) Plan(ctx context.Context, requestID string, req *models.ChatRequest) *loop.Plan {
	cfg := r.snapshot.Get()

	r.detectCorrection(requestID, req)

	// Direct pass-through: dual-model off and no tool schema on the request.
	if !cfg.Router.DualModelEnabled && len(req.Tools) == 0 {
		return &loop.Plan{
			Strategy:       loop.StrategyDirect,
			ArchitectModel: req.Model,
			MaxIterations:  1,
			TotalDeadline:  cfg.Router.TotalDeadline,
			StepDeadline:   cfg.Router.StepDeadline,
		}
	}

	architect := cfg.Router.MainModel
	strategy := loop.StrategyAgentic
	executor := ""
	if cfg.Router.DualModelEnabled && cfg.Router.ExecutorModel != "" && cfg.Router.ExecutorModel != architect {
		strategy = loop.StrategyDualModel
		executor = cfg.Router.ExecutorModel
	}

	profile, stored := r.profiles.Lookup(architect)
	if !stored {
		r.logger.Info(ctx, "no capability profile for model, using defaults", "model", architect)
	}

	return &loop.Plan{
		Strategy:         strategy,
		ArchitectModel:   architect,
		ExecutorModel:    executor,
		Tools:            r.toolSet(ctx, requestID, profile),
		MaxIterations:    cfg.Router.MaxIterations,
		TotalDeadline:    cfg.Router.TotalDeadline,
		StepDeadline:     cfg.Router.StepDeadline,
		ToolCallDeadline: cfg.Router.ToolCallDeadline,
		ParallelToolCap:  cfg.Router.ParallelToolCap,
		Prosthetic:       profile.Prosthetic,
	}
}

// toolSet intersects the profile's exposed tools with the live
// advertisement. A profile tool missing from the advertisement is dropped
// with a warning event. Profiles without a tool list (synthesised defaults)
// see the full advertisement.
func (r *Router) toolSet(ctx context.Context, requestID string, profile capability.Profile) []models.ToolSchema {
	advertised, err := r.tools.ListTools(ctx)
	if err != nil {
		r.logger.Warn(ctx, "tool advertisement unavailable, planning without tools", "error", err)
		return nil
	}

	if len(profile.Tools) == 0 {
		return advertised
	}

	byName := make(map[string]models.ToolSchema, len(advertised))
	for _, tool := range advertised {
		byName[tool.Name] = tool
	}

	out := make([]models.ToolSchema, 0, len(profile.Tools))
	for _, name := range profile.Tools {
		tool, ok := byName[name]
		if !ok {
			r.publish(models.Event{
				Type:      models.EventWarning,
				RequestID: requestID,
				Warning: &models.WarningEventPayload{
					Message: "profile tool not advertised by tool server, dropped",
					Tool:    name,
					Model:   profile.ModelID,
				},
			})
			continue
		}
		out = append(out, tool)
	}
	return out
}

func (r *Router) publish(event models.Event) {
	if r.bus != nil {
		r.bus.Publish(event)
	}
}
