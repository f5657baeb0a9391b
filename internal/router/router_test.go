package router

import (
	"context"
	"sync"
	"testing"

	"github.com/haasonsaas/relay/internal/capability"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/loop"
	"github.com/haasonsaas/relay/pkg/models"
)

type staticProfiles struct {
	profiles map[string]capability.Profile
}

func (p *staticProfiles) Lookup(modelID string) (capability.Profile, bool) {
	if prof, ok := p.profiles[modelID]; ok {
		return prof, true
	}
	return capability.DefaultProfile(modelID), false
}

func (p *staticProfiles) ResolveAlias(modelID, name string) string {
	prof, _ := p.Lookup(modelID)
	return prof.ResolveAlias(name)
}

type staticAdvertiser struct {
	tools []models.ToolSchema
	err   error
}

func (a *staticAdvertiser) ListTools(ctx context.Context) ([]models.ToolSchema, error) {
	return a.tools, a.err
}

type memoryBus struct {
	mu     sync.Mutex
	events []models.Event
}

func (b *memoryBus) Publish(e models.Event) {
	b.mu.Lock()
	b.events = append(b.events, e)
	b.mu.Unlock()
}

func (b *memoryBus) byType(t models.EventType) []models.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []models.Event
	for _, e := range b.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func snapshotWith(mutate func(*config.Config)) *config.Snapshot {
	cfg := &config.Config{
		Version: 1,
		Router: config.RouterConfig{
			MainModel: "main-model",
		},
		ToolServer: config.ToolServerConfig{Command: "tool-server"},
	}
	cfg.ApplyDefaults()
	if mutate != nil {
		mutate(cfg)
	}
	return config.NewSnapshot(cfg, "")
}

func request(model string, tools ...models.ToolSchema) *models.ChatRequest {
	return &models.ChatRequest{
		Model: model,
		Messages: []models.ChatMessage{
			{Role: models.RoleSystem, Content: "sys"},
			{Role: models.RoleUser, Content: "hello"},
		},
		Tools: tools,
	}
}

func TestRouter_DirectWhenDualOffAndNoTools(t *testing.T) {
	r := New(snapshotWith(nil), &staticProfiles{}, &staticAdvertiser{}, nil, nil)

	plan := r.Plan(context.Background(), "r1", request("gpt-x"))
	if plan.Strategy != loop.StrategyDirect {
		t.Errorf("Strategy = %q, want direct", plan.Strategy)
	}
	if plan.ArchitectModel != "gpt-x" {
		t.Errorf("ArchitectModel = %q, want the named model", plan.ArchitectModel)
	}
}

func TestRouter_AgenticWhenRequestDeclaresTools(t *testing.T) {
	adv := &staticAdvertiser{tools: []models.ToolSchema{{Name: "read_file"}}}
	r := New(snapshotWith(nil), &staticProfiles{}, adv, nil, nil)

	plan := r.Plan(context.Background(), "r2", request("gpt-x", models.ToolSchema{Name: "client_tool"}))
	if plan.Strategy != loop.StrategyAgentic {
		t.Errorf("Strategy = %q, want agentic", plan.Strategy)
	}
	if plan.ArchitectModel != "main-model" {
		t.Errorf("ArchitectModel = %q, want configured main model", plan.ArchitectModel)
	}
	if plan.MaxIterations != 8 {
		t.Errorf("MaxIterations = %d, want configured default", plan.MaxIterations)
	}
}

func TestRouter_DualModelWhenEnabledWithDistinctExecutor(t *testing.T) {
	snap := snapshotWith(func(c *config.Config) {
		c.Router.DualModelEnabled = true
		c.Router.ExecutorModel = "small-model"
	})
	r := New(snap, &staticProfiles{}, &staticAdvertiser{}, nil, nil)

	plan := r.Plan(context.Background(), "r3", request("gpt-x"))
	if plan.Strategy != loop.StrategyDualModel {
		t.Errorf("Strategy = %q, want dual-model", plan.Strategy)
	}
	if plan.ExecutorModel != "small-model" {
		t.Errorf("ExecutorModel = %q", plan.ExecutorModel)
	}
}

func TestRouter_DualDegradesWhenExecutorSameAsMain(t *testing.T) {
	snap := snapshotWith(func(c *config.Config) {
		c.Router.DualModelEnabled = true
		c.Router.ExecutorModel = "main-model"
	})
	r := New(snap, &staticProfiles{}, &staticAdvertiser{}, nil, nil)

	plan := r.Plan(context.Background(), "r4", request("gpt-x"))
	if plan.Strategy != loop.StrategyAgentic {
		t.Errorf("Strategy = %q, want agentic degradation", plan.Strategy)
	}
	if plan.ExecutorModel != "" {
		t.Errorf("ExecutorModel = %q, want empty", plan.ExecutorModel)
	}
}

func TestRouter_ToolIntersectionDropsUnadvertised(t *testing.T) {
	profiles := &staticProfiles{profiles: map[string]capability.Profile{
		"main-model": {
			ModelID:    "main-model",
			WireFormat: capability.WireHermesXML,
			Tools:      []string{"read_file", "ghost_tool"},
			Enabled:    true,
		},
	}}
	adv := &staticAdvertiser{tools: []models.ToolSchema{{Name: "read_file"}, {Name: "search"}}}
	bus := &memoryBus{}
	snap := snapshotWith(func(c *config.Config) { c.Router.DualModelEnabled = true })
	r := New(snap, profiles, adv, bus, nil)

	plan := r.Plan(context.Background(), "r5", request("gpt-x"))
	if len(plan.Tools) != 1 || plan.Tools[0].Name != "read_file" {
		t.Errorf("Tools = %+v, want [read_file]", plan.Tools)
	}

	warnings := bus.byType(models.EventWarning)
	if len(warnings) != 1 || warnings[0].Warning.Tool != "ghost_tool" {
		t.Errorf("warnings = %+v", warnings)
	}
}

func TestRouter_DefaultProfileSeesFullAdvertisement(t *testing.T) {
	adv := &staticAdvertiser{tools: []models.ToolSchema{{Name: "read_file"}, {Name: "search"}}}
	snap := snapshotWith(func(c *config.Config) { c.Router.DualModelEnabled = true })
	r := New(snap, &staticProfiles{}, adv, nil, nil)

	plan := r.Plan(context.Background(), "r6", request("gpt-x"))
	if len(plan.Tools) != 2 {
		t.Errorf("Tools = %+v, want full advertisement", plan.Tools)
	}
	if plan.Prosthetic != "" {
		t.Errorf("Prosthetic = %q, want empty for default profile", plan.Prosthetic)
	}
}

func TestRouter_AdvertisementFailureMeansNoTools(t *testing.T) {
	adv := &staticAdvertiser{err: context.DeadlineExceeded}
	snap := snapshotWith(func(c *config.Config) { c.Router.DualModelEnabled = true })
	r := New(snap, &staticProfiles{}, adv, nil, nil)

	plan := r.Plan(context.Background(), "r7", request("gpt-x"))
	if len(plan.Tools) != 0 {
		t.Errorf("Tools = %+v, want none", plan.Tools)
	}
	if plan.Strategy != loop.StrategyAgentic {
		t.Errorf("Strategy = %q, plan itself is unaffected", plan.Strategy)
	}
}

func TestRouter_LearningSignalAdvisory(t *testing.T) {
	bus := &memoryBus{}
	r := New(snapshotWith(nil), &staticProfiles{}, &staticAdvertiser{}, bus, nil)

	req := &models.ChatRequest{
		Model: "gpt-x",
		Messages: []models.ChatMessage{
			{Role: models.RoleUser, Content: "what is 2+2?"},
			{Role: models.RoleAssistant, Content: "5"},
			{Role: models.RoleUser, Content: "no, that's wrong, it is 4"},
		},
	}

	plan := r.Plan(context.Background(), "r8", req)
	if plan.Strategy != loop.StrategyDirect {
		t.Errorf("Strategy = %q, learning signal must not affect routing", plan.Strategy)
	}

	signals := bus.byType(models.EventLearningSignal)
	if len(signals) != 1 {
		t.Fatalf("learning signals = %d, want 1", len(signals))
	}
	if signals[0].Learning.PriorText != "5" {
		t.Errorf("PriorText = %q", signals[0].Learning.PriorText)
	}
}

func TestRouter_NoLearningSignalWithoutContradiction(t *testing.T) {
	bus := &memoryBus{}
	r := New(snapshotWith(nil), &staticProfiles{}, &staticAdvertiser{}, bus, nil)

	req := &models.ChatRequest{
		Model: "gpt-x",
		Messages: []models.ChatMessage{
			{Role: models.RoleAssistant, Content: "4"},
			{Role: models.RoleUser, Content: "thanks, that helps"},
		},
	}
	r.Plan(context.Background(), "r9", req)

	if len(bus.byType(models.EventLearningSignal)) != 0 {
		t.Error("unexpected learning signal")
	}
}
