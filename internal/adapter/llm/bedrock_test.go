//go:build bedrock

package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clawgate/internal/domain"
)

type mockBedrockClient struct {
	err   error
	input *bedrockruntime.ConverseStreamInput
}

func (m *mockBedrockClient) ConverseStream(_ context.Context, params *bedrockruntime.ConverseStreamInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error) {
	m.input = params
	if m.err != nil {
		return nil, m.err
	}
	return nil, errors.New("not implemented")
}

func TestBedrockStreamInput(t *testing.T) {
	input := toBedrockStreamInput(domain.ChatRequest{
		Model: "anthropic.claude-3-haiku",
		Messages: []domain.LLMMessage{
			{Role: domain.RoleSystem, Content: "Be helpful"},
			{Role: domain.RoleUser, Content: "What is this?", Images: []domain.ImageContent{
				{MIMEType: "image/png", Data: "iVBORw0KGgo="},
				{MIMEType: "image/tiff", Data: "AAAA"},
				{MIMEType: "image/jpeg", Data: "%%%"},
			}},
		},
	}, newTestLogger())

	assert.Equal(t, "anthropic.claude-3-haiku", aws.ToString(input.ModelId))
	assert.Equal(t, int32(bedrockMaxTokens), aws.ToInt32(input.InferenceConfig.MaxTokens))
	require.Len(t, input.System, 1)
	require.Len(t, input.Messages, 1)

	msg := input.Messages[0]
	assert.Equal(t, types.ConversationRoleUser, msg.Role)
	require.Len(t, msg.Content, 2, "unsupported and undecodable images are dropped")
	assert.Equal(t, "What is this?", msg.Content[0].(*types.ContentBlockMemberText).Value)

	img := msg.Content[1].(*types.ContentBlockMemberImage).Value
	assert.Equal(t, types.ImageFormatPng, img.Format)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, img.Source.(*types.ImageSourceMemberBytes).Value)
}

func TestBedrockStreamEvents(t *testing.T) {
	delta := processBedrockStreamEvent(&types.ConverseStreamOutputMemberContentBlockDelta{
		Value: types.ContentBlockDeltaEvent{
			ContentBlockIndex: aws.Int32(0),
			Delta:             &types.ContentBlockDeltaMemberText{Value: "Hello"},
		},
	})
	require.NotNil(t, delta)
	assert.Equal(t, "Hello", delta.Content)

	delta = processBedrockStreamEvent(&types.ConverseStreamOutputMemberMetadata{
		Value: types.ConverseStreamMetadataEvent{
			Usage: &types.TokenUsage{InputTokens: aws.Int32(10), OutputTokens: aws.Int32(20)},
		},
	})
	require.NotNil(t, delta)
	assert.True(t, delta.Done)
	assert.Equal(t, 30, delta.Usage.TotalTokens)

	delta = processBedrockStreamEvent(&types.ConverseStreamOutputMemberMessageStop{})
	require.NotNil(t, delta)
	assert.True(t, delta.Done)

	assert.Nil(t, processBedrockStreamEvent(&types.ConverseStreamOutputMemberMessageStart{}))
}

func TestBedrockErrorMapping(t *testing.T) {
	tests := []struct {
		code string
		msg  string
		want error
	}{
		{"ThrottlingException", "slow down", domain.ErrRateLimit},
		{"AccessDeniedException", "denied", domain.ErrAuthInvalid},
		{"ValidationException", "input is too long", domain.ErrContextLimit},
		{"ServiceUnavailableException", "down", domain.ErrUpstream},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := mapBedrockError(&smithy.GenericAPIError{Code: tt.code, Message: tt.msg})
			assert.ErrorIs(t, err, tt.want)
		})
	}

	assert.ErrorIs(t, mapBedrockError(errors.New("dial tcp: refused")), domain.ErrUpstream)
	assert.ErrorIs(t, mapBedrockError(context.Canceled), context.Canceled)
	assert.False(t, tripsBreaker(mapBedrockError(context.Canceled)))
}

func TestBedrockChatStreamOpenError(t *testing.T) {
	client := &mockBedrockClient{err: &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"}}
	p := newBedrockProviderWithClient("anthropic.claude-3-haiku", client, newTestLogger())

	_, err := p.ChatStream(context.Background(), domain.ChatRequest{
		Messages: []domain.LLMMessage{{Role: domain.RoleUser, Content: "hi"}},
	})
	assert.ErrorIs(t, err, domain.ErrRateLimit)
	assert.Equal(t, "anthropic.claude-3-haiku", aws.ToString(client.input.ModelId), "default model applied")
	assert.Equal(t, "bedrock", p.Name())
}
