package cmd

import (
	"os"

	"github.com/spf13/viper"

	"github.com/joescharf/phasegate/internal/llm"
	"github.com/joescharf/phasegate/internal/phases"
)

// newLLMClient creates an LLM client from config/env, or returns nil if no API key is configured.
func newLLMClient(cfg *phases.Config) *llm.Client {
	apiKey := viper.GetString("anthropic.api_key")
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil
	}
	return llm.NewClient(apiKey, viper.GetString("anthropic.model"), viper.GetInt64("anthropic.max_tokens"), cfg)
}
