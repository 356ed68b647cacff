//go:build !bedrock

package main

import (
	"fmt"
	"log/slog"

	"clawgate/internal/domain"
	"clawgate/internal/infra/config"
)

func newBedrockProvider(_ config.AgentConfig, _ *slog.Logger) (domain.StreamingLLMProvider, error) {
	return nil, fmt.Errorf("bedrock provider requires build with -tags bedrock")
}
