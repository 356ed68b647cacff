//go:build bedrock

package main

import (
	"log/slog"

	"clawgate/internal/adapter/llm"
	"clawgate/internal/domain"
	"clawgate/internal/infra/config"
)

func newBedrockProvider(cfg config.AgentConfig, log *slog.Logger) (domain.StreamingLLMProvider, error) {
	return llm.NewBedrockProvider(cfg, log)
}
