package azure

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"promptrelay/internal/config"
	"promptrelay/internal/models"
	"promptrelay/internal/provider"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "promptrelay/0.1"

	// maxLineBytes caps a single SSE line from the upstream.
	maxLineBytes = 1 << 20
)

// Provider streams chat completions from an Azure OpenAI deployment.
type Provider struct {
	endpoint          string
	apiKey            string
	apiVersion        string
	defaultDeployment string
	headers           map[string]string
	client            *http.Client
}

var _ provider.Backend = (*Provider)(nil)

// New creates a new Azure provider.
func New(cfg config.AzureConfig, client *http.Client) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}

	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		return nil, errors.New("endpoint must not be empty")
	}

	deployment := cfg.DefaultDeployment
	if deployment == "" {
		deployment = config.DefaultAzureDeployment
	}
	version := cfg.APIVersion
	if version == "" {
		version = config.DefaultAzureAPIVersion
	}

	return &Provider{
		endpoint:          endpoint,
		apiKey:            cfg.APIKey,
		apiVersion:        version,
		defaultDeployment: deployment,
		headers:           cfg.Headers,
		client:            client,
	}, nil
}

func (p *Provider) Service() models.Service {
	return models.ServiceAzure
}

func (p *Provider) DefaultDeployment() string {
	return p.defaultDeployment
}

func (p *Provider) Stream(ctx context.Context, req models.ChatRequest, emit provider.EmitFunc) error {
	deployment := req.Deployment
	if deployment == "" {
		deployment = p.defaultDeployment
	}

	payload, err := buildChatPayload(req)
	if err != nil {
		return err
	}

	httpReq, err := p.newRequest(ctx, p.chatURL(deployment), payload)
	if err != nil {
		return err
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("azure chat request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return parseAPIError(httpResp)
	}

	return relaySSE(ctx, httpResp.Body, emit)
}

func (p *Provider) chatURL(deployment string) string {
	return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		p.endpoint, url.PathEscape(deployment), url.QueryEscape(p.apiVersion))
}

func (p *Provider) newRequest(ctx context.Context, target string, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("api-key", p.apiKey)

	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

type chatPayload struct {
	Messages         []chatMessage `json:"messages"`
	Stream           bool          `json:"stream"`
	MaxTokens        *int          `json:"max_tokens,omitempty"`
	Temperature      *float64      `json:"temperature,omitempty"`
	TopP             *float64      `json:"top_p,omitempty"`
	FrequencyPenalty *float64      `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64      `json:"presence_penalty,omitempty"`
	Stop             []string      `json:"stop,omitempty"`
	User             string        `json:"user,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func buildChatPayload(req models.ChatRequest) (chatPayload, error) {
	if len(req.Messages) == 0 {
		return chatPayload{}, errors.New("no valid messages provided")
	}

	messages := make([]chatMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		messages = append(messages, chatMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	payload := chatPayload{
		Messages: messages,
		Stream:   true,
	}

	if v, ok := req.Params.Int("max_tokens"); ok {
		payload.MaxTokens = &v
	}
	if v, ok := req.Params.Float("temperature"); ok {
		payload.Temperature = &v
	}
	if v, ok := req.Params.Float("top_p"); ok {
		payload.TopP = &v
	}
	if v, ok := req.Params.Float("frequency_penalty"); ok {
		payload.FrequencyPenalty = &v
	}
	if v, ok := req.Params.Float("presence_penalty"); ok {
		payload.PresencePenalty = &v
	}
	if stop, ok := req.Params.Strings("stop"); ok {
		payload.Stop = stop
	}
	if user, ok := req.Params.String("user"); ok {
		payload.User = user
	}

	return payload, nil
}

type chatChunk struct {
	Choices []chunkChoice   `json:"choices"`
	Error   *apiErrorObject `json:"error,omitempty"`
}

type chunkChoice struct {
	Index int `json:"index"`
	Delta struct {
		Content *string `json:"content"`
	} `json:"delta"`
}

// relaySSE reads "data:" lines until the [DONE] sentinel or EOF and emits every
// content delta. Choices within a chunk are emitted in order.
func relaySSE(ctx context.Context, body io.Reader, emit provider.EmitFunc) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			return nil
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return fmt.Errorf("decode stream chunk: %w", err)
		}
		if chunk.Error != nil && chunk.Error.Message != "" {
			return fmt.Errorf("azure stream error (%s): %s", chunk.Error.Type, chunk.Error.Message)
		}

		for _, choice := range chunk.Choices {
			if choice.Delta.Content == nil || *choice.Delta.Content == "" {
				continue
			}
			if err := emit(*choice.Delta.Content); err != nil {
				return err
			}
		}
	}

	if err := scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("read stream: %w", err)
	}

	slog.Debug("azure stream ended without [DONE] sentinel")
	return nil
}

type apiErrorResponse struct {
	Error apiErrorObject `json:"error"`
}

type apiErrorObject struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

func parseAPIError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("upstream error status %d and failed to read body: %w", resp.StatusCode, err)
	}

	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		return fmt.Errorf("azure error status %d (%v): %s", resp.StatusCode, apiErr.Error.Code, apiErr.Error.Message)
	}

	return fmt.Errorf("upstream error status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
