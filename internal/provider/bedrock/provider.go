package bedrock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"promptrelay/internal/config"
	"promptrelay/internal/models"
	"promptrelay/internal/provider"
)

// eventStream is the subset of *bedrockruntime.ConverseStreamEventStream the
// relay loop reads from.
type eventStream interface {
	Events() <-chan types.ConverseStreamOutput
	Close() error
	Err() error
}

// ConverseStreamAPI is implemented by *bedrockruntime.Client.
type ConverseStreamAPI interface {
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

type streamOpener func(ctx context.Context, input *bedrockruntime.ConverseStreamInput) (eventStream, error)

// Provider streams chat completions through the Bedrock Converse API.
type Provider struct {
	defaultModel string
	open         streamOpener
}

var _ provider.Backend = (*Provider)(nil)

// New loads AWS configuration for the region and builds a Bedrock runtime
// client. Static keys are used when configured, otherwise the default
// credential chain applies.
func New(ctx context.Context, cfg config.BedrockConfig, httpClient aws.HTTPClient) (*Provider, error) {
	if strings.TrimSpace(cfg.Region) == "" {
		return nil, errors.New("region must not be empty")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	if httpClient != nil {
		opts = append(opts, awsconfig.WithHTTPClient(httpClient))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewWithClient(cfg, bedrockruntime.NewFromConfig(awsCfg)), nil
}

// NewWithClient wraps an existing Converse client.
func NewWithClient(cfg config.BedrockConfig, api ConverseStreamAPI) *Provider {
	return newProvider(cfg, func(ctx context.Context, input *bedrockruntime.ConverseStreamInput) (eventStream, error) {
		out, err := api.ConverseStream(ctx, input)
		if err != nil {
			return nil, err
		}
		return out.GetStream(), nil
	})
}

func newProvider(cfg config.BedrockConfig, open streamOpener) *Provider {
	model := cfg.DefaultModel
	if model == "" {
		model = config.DefaultBedrockModel
	}
	return &Provider{
		defaultModel: model,
		open:         open,
	}
}

func (p *Provider) Service() models.Service {
	return models.ServiceBedrock
}

func (p *Provider) DefaultDeployment() string {
	return p.defaultModel
}

func (p *Provider) Stream(ctx context.Context, req models.ChatRequest, emit provider.EmitFunc) error {
	modelID := req.Deployment
	if modelID == "" {
		modelID = p.defaultModel
	}

	input, err := buildInput(modelID, req)
	if err != nil {
		return err
	}

	stream, err := p.open(ctx, input)
	if err != nil {
		return fmt.Errorf("bedrock ConverseStream: %w", err)
	}
	defer stream.Close()

	events := stream.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				if err := stream.Err(); err != nil {
					return fmt.Errorf("bedrock stream: %w", err)
				}
				return nil
			}

			switch v := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockDelta:
				text, ok := v.Value.Delta.(*types.ContentBlockDeltaMemberText)
				if !ok || text.Value == "" {
					continue
				}
				if err := emit(text.Value); err != nil {
					return err
				}
			case *types.ConverseStreamOutputMemberMessageStop:
				slog.Debug("bedrock message stop", "model", modelID, "stop_reason", string(v.Value.StopReason))
			case *types.ConverseStreamOutputMemberMetadata:
				if usage := v.Value.Usage; usage != nil {
					slog.Debug("bedrock usage",
						"model", modelID,
						"input_tokens", aws.ToInt32(usage.InputTokens),
						"output_tokens", aws.ToInt32(usage.OutputTokens),
					)
				}
			}
		}
	}
}

// buildInput maps the conversation onto Converse. System turns become system
// blocks and consecutive turns of the same role share one message, since
// Converse requires user and assistant turns to alternate.
func buildInput(modelID string, req models.ChatRequest) (*bedrockruntime.ConverseStreamInput, error) {
	var (
		system   []types.SystemContentBlock
		messages []types.Message
	)

	for _, msg := range req.Messages {
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}
		switch msg.Role {
		case models.RoleSystem:
			system = append(system, &types.SystemContentBlockMemberText{Value: msg.Content})
		case models.RoleUser, models.RoleAssistant:
			role := types.ConversationRole(msg.Role)
			block := &types.ContentBlockMemberText{Value: msg.Content}
			if n := len(messages); n > 0 && messages[n-1].Role == role {
				messages[n-1].Content = append(messages[n-1].Content, block)
				continue
			}
			messages = append(messages, types.Message{
				Role:    role,
				Content: []types.ContentBlock{block},
			})
		default:
			return nil, fmt.Errorf("bedrock provider does not support role %q", msg.Role)
		}
	}

	if len(messages) == 0 {
		return nil, errors.New("no valid messages provided")
	}

	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(modelID),
		Messages: messages,
	}
	if len(system) > 0 {
		input.System = system
	}
	if inference := inferenceConfig(req.Params); inference != nil {
		input.InferenceConfig = inference
	}
	return input, nil
}

func inferenceConfig(params models.Params) *types.InferenceConfiguration {
	var (
		cfg types.InferenceConfiguration
		set bool
	)
	if v, ok := params.Int("max_tokens"); ok && v > 0 {
		cfg.MaxTokens = aws.Int32(int32(min(v, math.MaxInt32)))
		set = true
	}
	if v, ok := params.Float("temperature"); ok {
		cfg.Temperature = aws.Float32(float32(v))
		set = true
	}
	if v, ok := params.Float("top_p"); ok {
		cfg.TopP = aws.Float32(float32(v))
		set = true
	}
	if stop, ok := params.Strings("stop"); ok && len(stop) > 0 {
		cfg.StopSequences = stop
		set = true
	}
	if !set {
		return nil
	}
	return &cfg
}
