package config

import "fmt"

// ProviderKind selects one of the supported upstream shapes. All of them
// speak the OpenAI chat-completion wire format; the kinds differ in
// addressing and credentials.
type ProviderKind string

const (
	// ProviderLocal is a local inference server (no API key required).
	ProviderLocal ProviderKind = "local"

	// ProviderOpenAI is a hosted OpenAI-compatible API with an API key.
	ProviderOpenAI ProviderKind = "openai"

	// ProviderAzure is a tenant-scoped hosted deployment addressed by
	// resource + deployment name + api-version.
	ProviderAzure ProviderKind = "azure"

	// ProviderAggregator is a multi-provider router endpoint
	// (OpenRouter-style), keyed like a hosted API.
	ProviderAggregator ProviderKind = "aggregator"
)

// ProviderConfig describes one upstream model provider.
type ProviderConfig struct {
	Kind    ProviderKind `yaml:"kind"`
	BaseURL string       `yaml:"base_url"`
	APIKey  string       `yaml:"api_key"`

	// Azure-style deployments
	Resource   string `yaml:"resource"`
	Deployment string `yaml:"deployment"`
	APIVersion string `yaml:"api_version"`

	// Models lists the model ids this provider serves; an empty list makes
	// the provider a catch-all. A model id goes to the first registered
	// provider that serves it. Providers are registered in map iteration
	// order, so when several serve the same id, which one wins is not defined.
	Models []string `yaml:"models"`
}

// Validate checks the provider entry for the fields its kind requires.
func (p ProviderConfig) Validate() error {
	switch p.Kind {
	case ProviderLocal:
		if p.BaseURL == "" {
			return fmt.Errorf("local provider requires base_url")
		}
	case ProviderOpenAI, ProviderAggregator:
		if p.APIKey == "" {
			return fmt.Errorf("%s provider requires api_key", p.Kind)
		}
	case ProviderAzure:
		if p.Resource == "" || p.Deployment == "" {
			return fmt.Errorf("azure provider requires resource and deployment")
		}
		if p.APIKey == "" {
			return fmt.Errorf("azure provider requires api_key")
		}
	default:
		return fmt.Errorf("unknown provider kind %q", p.Kind)
	}
	return nil
}

// Serves reports whether this provider serves the given model id.
func (p ProviderConfig) Serves(model string) bool {
	if len(p.Models) == 0 {
		return true
	}
	for _, m := range p.Models {
		if m == model {
			return true
		}
	}
	return false
}
