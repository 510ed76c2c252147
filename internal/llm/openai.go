package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/finsightlab/finsight/config"
	"github.com/finsightlab/finsight/internal/helpers"
)

// UsageFunc receives token accounting for each completed call. The
// operation label distinguishes plain generation, structured decoding
// and multimodal calls.
type UsageFunc func(model, operation string, promptTokens, completionTokens int64)

// OpenAI implements Provider over the chat completions HTTP API.
type OpenAI struct {
	cfg    config.LLMConfig
	client *http.Client
	usage  UsageFunc
}

// NewOpenAI builds a provider from config. The API key is validated at
// startup by config, not here.
func NewOpenAI(cfg config.LLMConfig) *OpenAI {
	return &OpenAI{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// OnUsage registers a callback for per-call token accounting, invoked
// after every successful completion. Set once at construction time.
func (p *OpenAI) OnUsage(fn UsageFunc) { p.usage = fn }

type chatContent struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

type chatMsg struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type chatReq struct {
	Model          string      `json:"model"`
	Messages       []chatMsg   `json:"messages"`
	Temperature    float64     `json:"temperature,omitempty"`
	MaxTokens      int         `json:"max_tokens,omitempty"`
	ResponseFormat interface{} `json:"response_format,omitempty"`
}

func (p *OpenAI) complete(ctx context.Context, operation string, req chatReq) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}

	baseURL := p.cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewBuffer(body))
	if err != nil {
		return "", fmt.Errorf("request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrGeneration, resp.StatusCode)
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("%w: empty choices", ErrGeneration)
	}
	if p.usage != nil {
		p.usage(req.Model, operation, out.Usage.PromptTokens, out.Usage.CompletionTokens)
	}
	return out.Choices[0].Message.Content, nil
}

// Generate returns free text for a prompt.
func (p *OpenAI) Generate(ctx context.Context, prompt string) (string, error) {
	return p.complete(ctx, "generate", chatReq{
		Model:       p.cfg.Model,
		Messages:    []chatMsg{{Role: "user", Content: prompt}},
		Temperature: p.cfg.Temperature,
		MaxTokens:   p.cfg.MaxTokens,
	})
}

// GenerateStructured requests a JSON response and decodes it into out.
// Fenced or prose-wrapped JSON is tolerated; undecodable output fails
// with ErrParse.
func (p *OpenAI) GenerateStructured(ctx context.Context, prompt string, out interface{}) error {
	text, err := p.complete(ctx, "generate_structured", chatReq{
		Model:          p.cfg.Model,
		Messages:       []chatMsg{{Role: "user", Content: prompt}},
		Temperature:    p.cfg.Temperature,
		MaxTokens:      p.cfg.MaxTokens,
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return err
	}
	jsonStr, err := helpers.ExtractJSONBlock(text)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrParse, err)
	}
	if err := json.Unmarshal([]byte(jsonStr), out); err != nil {
		return fmt.Errorf("%w: %v", ErrParse, err)
	}
	return nil
}

// GenerateWithAttachment sends mixed text and binary parts. Binary parts
// are inlined as data URLs.
func (p *OpenAI) GenerateWithAttachment(ctx context.Context, parts []Part) (string, error) {
	content := make([]chatContent, 0, len(parts))
	for _, part := range parts {
		if len(part.Data) > 0 {
			dataURL := fmt.Sprintf("data:%s;base64,%s", part.MIMEType, base64.StdEncoding.EncodeToString(part.Data))
			content = append(content, chatContent{
				Type:     "image_url",
				ImageURL: &struct {
					URL string `json:"url"`
				}{URL: dataURL},
			})
			continue
		}
		content = append(content, chatContent{Type: "text", Text: part.Text})
	}
	return p.complete(ctx, "generate_with_attachment", chatReq{
		Model:       p.cfg.Model,
		Messages:    []chatMsg{{Role: "user", Content: content}},
		Temperature: p.cfg.Temperature,
		MaxTokens:   p.cfg.MaxTokens,
	})
}
