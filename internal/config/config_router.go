package config

import "time"

// RouterConfig controls strategy selection and the agentic loop's budgets.
type RouterConfig struct {
	// DualModelEnabled turns on the architect + executor split.
	DualModelEnabled bool `yaml:"dual_model_enabled"`

	// MainModel is the architect model id. Required.
	MainModel string `yaml:"main_model"`

	// ExecutorModel is the executor model id for dual-model mode. When empty
	// or equal to MainModel, dual-model requests degrade to single-model
	// agentic execution.
	ExecutorModel string `yaml:"executor_model"`

	// MaxIterations caps architect iterations per request. Default: 8.
	MaxIterations int `yaml:"max_iterations"`

	// TotalDeadline caps the wall-clock time of one request.
	TotalDeadline time.Duration `yaml:"total_deadline"`

	// StepDeadline caps one architect iteration including its model call.
	StepDeadline time.Duration `yaml:"step_deadline"`

	// ToolCallDeadline caps one tool-server round trip.
	ToolCallDeadline time.Duration `yaml:"tool_call_deadline"`

	// ParallelToolCap bounds concurrent tool calls per request. Default: 4.
	ParallelToolCap int `yaml:"parallel_tool_cap"`
}
