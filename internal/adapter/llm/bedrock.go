//go:build bedrock

package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel/trace"

	"clawgate/internal/domain"
	"clawgate/internal/infra/config"
	"clawgate/internal/infra/tracer"
)

const bedrockMaxTokens = 4096

// bedrockStreamAPI abstracts the Bedrock runtime for testability.
type bedrockStreamAPI interface {
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// BedrockProvider streams completions through the AWS Bedrock Converse API.
type BedrockProvider struct {
	model  string
	client bedrockStreamAPI
	logger *slog.Logger
}

// NewBedrockProvider creates a Bedrock provider using the default AWS credential chain.
func NewBedrockProvider(cfg config.AgentConfig, logger *slog.Logger) (*BedrockProvider, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return newBedrockProviderWithClient(cfg.Model, bedrockruntime.NewFromConfig(awsCfg), logger), nil
}

func newBedrockProviderWithClient(model string, client bedrockStreamAPI, logger *slog.Logger) *BedrockProvider {
	return &BedrockProvider{model: model, client: client, logger: logger}
}

// Name implements domain.StreamingLLMProvider.
func (p *BedrockProvider) Name() string { return "bedrock" }

// ChatStream implements domain.StreamingLLMProvider.
func (p *BedrockProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	if req.Model == "" {
		req.Model = p.model
	}

	ctx, span := tracer.StartSpan(ctx, "llm.chat_stream",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", p.Name()),
			tracer.StringAttr("llm.model", req.Model),
			tracer.IntAttr("llm.messages", len(req.Messages)),
		),
	)
	defer span.End()

	output, err := p.client.ConverseStream(ctx, toBedrockStreamInput(req, p.logger))
	if err != nil {
		err = mapBedrockError(err)
		tracer.RecordError(span, err)
		return nil, err
	}
	tracer.SetOK(span)
	p.logger.Debug("llm stream opened", "provider", p.Name(), "model", req.Model)

	ch := make(chan domain.StreamDelta, 16)
	go func() {
		defer close(ch)
		stream := output.GetStream()
		defer stream.Close()

		for evt := range stream.Events() {
			delta := processBedrockStreamEvent(evt)
			if delta == nil {
				continue
			}
			select {
			case ch <- *delta:
			case <-ctx.Done():
				return
			}
		}

		if err := stream.Err(); err != nil {
			select {
			case ch <- domain.StreamDelta{Err: mapBedrockError(err)}:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

func toBedrockStreamInput(req domain.ChatRequest, logger *slog.Logger) *bedrockruntime.ConverseStreamInput {
	input := &bedrockruntime.ConverseStreamInput{
		ModelId: aws.String(req.Model),
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens: aws.Int32(bedrockMaxTokens),
		},
	}

	for _, m := range req.Messages {
		switch m.Role {
		case domain.RoleSystem:
			input.System = append(input.System, &types.SystemContentBlockMemberText{Value: m.Content})
		case domain.RoleUser, domain.RoleAssistant:
			input.Messages = append(input.Messages, toBedrockMessage(m, logger))
		}
	}
	return input
}

func toBedrockMessage(m domain.LLMMessage, logger *slog.Logger) types.Message {
	msg := types.Message{Role: types.ConversationRoleUser}
	if m.Role == domain.RoleAssistant {
		msg.Role = types.ConversationRoleAssistant
	}
	if m.Content != "" {
		msg.Content = append(msg.Content, &types.ContentBlockMemberText{Value: m.Content})
	}
	for _, img := range m.Images {
		block, err := toBedrockImage(img)
		if err != nil {
			logger.Debug("bedrock: image dropped", "mime_type", img.MIMEType, "error", err)
			continue
		}
		msg.Content = append(msg.Content, block)
	}
	return msg
}

var bedrockImageFormats = map[string]types.ImageFormat{
	"image/png":  types.ImageFormatPng,
	"image/jpeg": types.ImageFormatJpeg,
	"image/jpg":  types.ImageFormatJpeg,
	"image/gif":  types.ImageFormatGif,
	"image/webp": types.ImageFormatWebp,
}

func toBedrockImage(img domain.ImageContent) (types.ContentBlock, error) {
	format, ok := bedrockImageFormats[strings.ToLower(img.MIMEType)]
	if !ok {
		return nil, fmt.Errorf("unsupported image type %q", img.MIMEType)
	}
	raw, err := base64.StdEncoding.DecodeString(img.Data)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return &types.ContentBlockMemberImage{
		Value: types.ImageBlock{
			Format: format,
			Source: &types.ImageSourceMemberBytes{Value: raw},
		},
	}, nil
}

func processBedrockStreamEvent(evt types.ConverseStreamOutput) *domain.StreamDelta {
	switch e := evt.(type) {
	case *types.ConverseStreamOutputMemberContentBlockDelta:
		if d, ok := e.Value.Delta.(*types.ContentBlockDeltaMemberText); ok && d.Value != "" {
			return &domain.StreamDelta{Content: d.Value}
		}
		return nil

	case *types.ConverseStreamOutputMemberMetadata:
		delta := &domain.StreamDelta{Done: true}
		if u := e.Value.Usage; u != nil {
			in, out := int(aws.ToInt32(u.InputTokens)), int(aws.ToInt32(u.OutputTokens))
			delta.Usage = &domain.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
		}
		return delta

	case *types.ConverseStreamOutputMemberMessageStop:
		return &domain.StreamDelta{Done: true}
	}
	return nil
}

// mapBedrockError classifies AWS API errors the same way mapHTTPError does
// for HTTP upstreams, so the circuit breaker treats both alike.
func mapBedrockError(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: bedrock: %w", domain.ErrUpstream, err)
	}

	msg := err.Error()
	switch code := apiErr.ErrorCode(); {
	case code == "ThrottlingException" || code == "TooManyRequestsException":
		return fmt.Errorf("%w: %s", domain.ErrRateLimit, msg)
	case code == "AccessDeniedException" || code == "UnrecognizedClientException":
		return fmt.Errorf("%w: %s", domain.ErrAuthInvalid, msg)
	case code == "ValidationException" && strings.Contains(msg, "too long"):
		return fmt.Errorf("%w: %s", domain.ErrContextLimit, msg)
	case code == "ModelNotReadyException" || code == "ServiceUnavailableException" ||
		code == "InternalServerException" || code == "ModelStreamErrorException":
		return fmt.Errorf("%w: %s", domain.ErrUpstream, msg)
	}
	return domain.WrapOp("bedrock", err)
}

var _ domain.StreamingLLMProvider = (*BedrockProvider)(nil)
