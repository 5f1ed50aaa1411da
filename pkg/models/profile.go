package models

// Pointer names a purpose slot that indirects to a model profile.
type Pointer string

const (
	PointerMain      Pointer = "main"
	PointerTask      Pointer = "task"
	PointerReasoning Pointer = "reasoning"
	PointerQuick     Pointer = "quick"
)

// AllPointers lists the purpose slots.
var AllPointers = []Pointer{PointerMain, PointerTask, PointerReasoning, PointerQuick}

// Valid reports whether p names one of the four slots.
func (p Pointer) Valid() bool {
	for _, known := range AllPointers {
		if p == known {
			return true
		}
	}
	return false
}

// ModelCost is optional pricing metadata per million tokens.
type ModelCost struct {
	InputPerMillion  float64 `json:"inputPerMillion" yaml:"input_per_million"`
	OutputPerMillion float64 `json:"outputPerMillion" yaml:"output_per_million"`
}

// ModelProfile describes one addressable language-model backend.
type ModelProfile struct {
	Cost          *ModelCost `json:"cost,omitempty" yaml:"cost,omitempty"`
	Name          string     `json:"name" yaml:"name"`
	Provider      string     `json:"provider" yaml:"provider"`
	ModelID       string     `json:"modelId" yaml:"model_id"`
	APIKey        string     `json:"-" yaml:"api_key,omitempty"`
	BaseURL       string     `json:"baseUrl,omitempty" yaml:"base_url,omitempty"`
	MaxTokens     int        `json:"maxTokens" yaml:"max_tokens"`
	ContextWindow int        `json:"contextWindow" yaml:"context_window"`
	Temperature   float64    `json:"temperature" yaml:"temperature"`
}

// ModelPointers maps each purpose slot to a profile name.
type ModelPointers map[Pointer]string

// InvokeOptions are per-call generation overrides.
type InvokeOptions struct {
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	MaxTokens   int                    `json:"maxTokens,omitempty"`
	Temperature *float64               `json:"temperature,omitempty"`
}
