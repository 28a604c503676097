package analysis

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

// LLMConfig configures the chat-completions client shared by the labeling and
// disposition stages. Any OpenAI-compatible gateway works.
type LLMConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

type llmClient struct {
	cfg    LLMConfig
	client *http.Client
}

func newLLMClient(cfg LLMConfig, client *http.Client) *llmClient {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &llmClient{cfg: cfg, client: client}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// complete sends a single-turn prompt at temperature 0 and returns the text
// content of the first choice.
func (c *llmClient) complete(ctx context.Context, system, user string) (string, error) {
	if c.cfg.BaseURL == "" || c.cfg.Model == "" {
		return "", errors.New("llm gateway not configured")
	}

	messages := make([]chatMessage, 0, 2)
	if system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	messages = append(messages, chatMessage{Role: "user", Content: user})

	headers := map[string]string{}
	if c.cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + c.cfg.APIKey
	}

	var resp chatResponse
	err := doJSON(ctx, c.client, http.MethodPost, c.cfg.BaseURL+"/v1/chat/completions",
		headers, chatRequest{Model: c.cfg.Model, Messages: messages, Temperature: 0}, &resp)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("llm returned no choices")
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", errors.New("llm returned empty content")
	}
	return content, nil
}

// jsonBody extracts the outermost JSON object from model output, tolerating
// prose or code fences around it.
func jsonBody(content string) (string, bool) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return content[start : end+1], true
}
