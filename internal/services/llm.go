package services

// LLMParameters holds optional sampling parameters shared by the LLM providers. Nil fields are
// left out of provider requests so the endpoint's defaults apply.
type LLMParameters struct {
	Temperature      *float32 `yaml:"temperature,omitempty"`
	TopP             *float32 `yaml:"topP,omitempty"`
	Stop             []string `yaml:"stop,omitempty"`
	PresencePenalty  *float32 `yaml:"presencePenalty,omitempty"`
	FrequencyPenalty *float32 `yaml:"frequencyPenalty,omitempty"`
	Seed             *int     `yaml:"seed,omitempty"`
}
