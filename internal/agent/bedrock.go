package agent

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/tmc/langchaingo/llms"
)

// bedrockModel adapts a Bedrock Converse client to the langchaingo
// llms.Model interface, so the Runtime can treat it identically to the
// Ollama/OpenAI/Anthropic providers.
type bedrockModel struct {
	client  *bedrockruntime.Client
	modelID string
}

func newBedrockModel(ctx context.Context, region, modelID string) (*bedrockModel, error) {
	if modelID == "" {
		return nil, fmt.Errorf("bedrock model id required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &bedrockModel{
		client:  bedrockruntime.NewFromConfig(awsCfg),
		modelID: modelID,
	}, nil
}

// Call implements llms.Model.
func (m *bedrockModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

// GenerateContent implements llms.Model using the Bedrock Converse API,
// translating langchaingo's message parts into Bedrock content blocks.
func (m *bedrockModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	var system []types.SystemContentBlock
	var turns []types.Message

	for _, msg := range messages {
		text := concatTextParts(msg.Parts)
		if text == "" {
			continue
		}
		if msg.Role == llms.ChatMessageTypeSystem {
			system = append(system, &types.SystemContentBlockMemberText{Value: text})
			continue
		}
		role := types.ConversationRoleUser
		if msg.Role == llms.ChatMessageTypeAI {
			role = types.ConversationRoleAssistant
		}
		turns = append(turns, types.Message{
			Role:    role,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: text}},
		})
	}

	out, err := m.client.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId:  aws.String(m.modelID),
		Messages: turns,
		System:   system,
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock converse: %w", err)
	}

	output, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok || len(output.Value.Content) == 0 {
		return nil, fmt.Errorf("bedrock converse: empty response")
	}

	var text string
	if block, ok := output.Value.Content[0].(*types.ContentBlockMemberText); ok {
		text = block.Value
	}

	info := map[string]any{}
	if out.Usage != nil {
		info["InputTokens"] = aws.ToInt32(out.Usage.InputTokens)
		info["OutputTokens"] = aws.ToInt32(out.Usage.OutputTokens)
	}

	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{
			{Content: text, GenerationInfo: info},
		},
	}, nil
}

func concatTextParts(parts []llms.ContentPart) string {
	var out string
	for _, p := range parts {
		if tp, ok := p.(llms.TextContent); ok {
			out += tp.Text
		}
	}
	return out
}
