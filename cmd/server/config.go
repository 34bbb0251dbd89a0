package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/chatsrv/chat-web-ui/internal/handlers"
	"github.com/chatsrv/chat-web-ui/internal/services"
	"gopkg.in/yaml.v3"
)

type llmConfig interface {
	llm(systemPrompt string, logger *slog.Logger) (handlers.LLM, error)
	titleGen(titlePrompt string, logger *slog.Logger) (handlers.TitleGenerator, error)
	modelName() string
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type config struct {
	Port                 string    `yaml:"port"`
	SystemPrompt         string    `yaml:"systemPrompt"`
	TitleGeneratorPrompt string    `yaml:"titleGeneratorPrompt"`
	LLM                  llmConfig `yaml:"llm"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string                `yaml:"apiKey"`
	Parameters    services.LLMParameters `yaml:"parameters"`
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	MaxTokens     int    `yaml:"maxTokens"`
}

type endpointConfig struct {
	BaseLLMConfig        `yaml:",inline"`
	URL                  string `yaml:"url"`
	APIKey               string `yaml:"apiKey"`
	MaxConcurrentStreams int    `yaml:"maxConcurrentStreams"`
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port                 string         `yaml:"port"`
		SystemPrompt         string         `yaml:"systemPrompt"`
		TitleGeneratorPrompt string         `yaml:"titleGeneratorPrompt"`
		LLM                  map[string]any `yaml:"llm"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.SystemPrompt = rawConfig.SystemPrompt
	c.TitleGeneratorPrompt = rawConfig.TitleGeneratorPrompt

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return fmt.Errorf("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "ollama":
		llm = &ollamaConfig{}
	case "openai":
		llm = &openAIConfig{}
	case "anthropic":
		llm = &anthropicConfig{}
	case "endpoint":
		llm = &endpointConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.LLM = llm

	return nil
}

func (o ollamaConfig) newOllama(systemPrompt string, logger *slog.Logger) (services.Ollama, error) {
	if o.Model == "" {
		return services.Ollama{}, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	return services.NewOllama(host, o.Model, systemPrompt, logger), nil
}

func (o ollamaConfig) llm(systemPrompt string, logger *slog.Logger) (handlers.LLM, error) {
	return o.newOllama(systemPrompt, logger)
}

func (o ollamaConfig) titleGen(titlePrompt string, logger *slog.Logger) (handlers.TitleGenerator, error) {
	return o.newOllama(titlePrompt, logger)
}

func (o ollamaConfig) modelName() string {
	return o.Model
}

func (o openAIConfig) newOpenAI(systemPrompt string, logger *slog.Logger) (services.OpenAI, error) {
	if o.Model == "" {
		return services.OpenAI{}, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return services.NewOpenAI(apiKey, o.Model, systemPrompt, o.Parameters, logger), nil
}

func (o openAIConfig) llm(systemPrompt string, logger *slog.Logger) (handlers.LLM, error) {
	return o.newOpenAI(systemPrompt, logger)
}

func (o openAIConfig) titleGen(titlePrompt string, logger *slog.Logger) (handlers.TitleGenerator, error) {
	return o.newOpenAI(titlePrompt, logger)
}

func (o openAIConfig) modelName() string {
	return o.Model
}

func (a anthropicConfig) newAnthropic(systemPrompt string, logger *slog.Logger) (services.Anthropic, error) {
	if a.Model == "" {
		return services.Anthropic{}, fmt.Errorf("model is required")
	}
	if a.MaxTokens == 0 {
		return services.Anthropic{}, fmt.Errorf("maxTokens is required")
	}

	apiKey := a.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return services.NewAnthropic(apiKey, a.Model, systemPrompt, a.MaxTokens, logger), nil
}

func (a anthropicConfig) llm(systemPrompt string, logger *slog.Logger) (handlers.LLM, error) {
	return a.newAnthropic(systemPrompt, logger)
}

func (a anthropicConfig) titleGen(titlePrompt string, logger *slog.Logger) (handlers.TitleGenerator, error) {
	return a.newAnthropic(titlePrompt, logger)
}

func (a anthropicConfig) modelName() string {
	return a.Model
}

func (e endpointConfig) newEndpoint(systemPrompt string, logger *slog.Logger) (*services.Endpoint, error) {
	if e.URL == "" {
		return nil, fmt.Errorf("url is required")
	}

	apiKey := e.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("SERVING_ENDPOINT_TOKEN")
	}
	return services.NewEndpoint(e.URL, apiKey, e.Model, systemPrompt, e.MaxConcurrentStreams, logger), nil
}

func (e endpointConfig) llm(systemPrompt string, logger *slog.Logger) (handlers.LLM, error) {
	return e.newEndpoint(systemPrompt, logger)
}

func (e endpointConfig) titleGen(titlePrompt string, logger *slog.Logger) (handlers.TitleGenerator, error) {
	return e.newEndpoint(titlePrompt, logger)
}

func (e endpointConfig) modelName() string {
	return e.Model
}
