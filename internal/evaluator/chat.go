package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"keystone/internal/domain"
)

// Client talks to an OpenAI-compatible chat completions endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatCompletionRequest struct {
	Model          string            `json:"model"`
	Messages       []ChatMessage     `json:"messages"`
	Temperature    *float64          `json:"temperature,omitempty"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type ChatCompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int         `json:"index"`
		Message      ChatMessage `json:"message"`
		FinishReason string      `json:"finish_reason,omitempty"`
	} `json:"choices"`
}

type errorResponse struct {
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// CreateChatCompletion sends one non-streaming completion request.
func (c *Client) CreateChatCompletion(ctx context.Context, req *ChatCompletionRequest) (*ChatCompletionResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var errResp errorResponse
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error != nil {
			return nil, fmt.Errorf("model API error [%d]: %s", resp.StatusCode, errResp.Error.Message)
		}
		return nil, fmt.Errorf("model API error [%d]: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	var result ChatCompletionResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &result, nil
}

// Chat fills one roster seat by prompting a chat model.
type Chat struct {
	Client      *Client
	Seat        domain.Member
	Description string
	Model       string
	Temperature *float64
}

var errEmptyReply = errors.New("model returned no choices")

// Evaluate asks the model for an opinion. Replies that fail to parse or
// validate are sent back with the error until MaxTurns exchanges are used.
func (c *Chat) Evaluate(ctx context.Context, req Request) (domain.Opinion, error) {
	turns := req.MaxTurns
	if turns < 1 {
		turns = 1
	}
	messages := []ChatMessage{
		{Role: "system", Content: SystemPrompt(Member{Member: c.Seat, Description: c.Description})},
		{Role: "user", Content: UserPrompt(req)},
	}
	var lastErr error
	for turn := 1; turn <= turns; turn++ {
		resp, err := c.Client.CreateChatCompletion(ctx, &ChatCompletionRequest{
			Model:          c.Model,
			Messages:       messages,
			Temperature:    c.Temperature,
			ResponseFormat: map[string]string{"type": "json_object"},
		})
		if err != nil {
			return domain.Opinion{}, err
		}
		if len(resp.Choices) == 0 {
			return domain.Opinion{}, errEmptyReply
		}
		content := resp.Choices[0].Message.Content
		op, err := ParseOpinion(c.Seat, content)
		if err == nil {
			return op, nil
		}
		lastErr = err
		messages = append(messages,
			ChatMessage{Role: "assistant", Content: content},
			ChatMessage{Role: "user", Content: fmt.Sprintf("That reply was rejected: %v. Reply again with only the corrected JSON object.", err)},
		)
	}
	return domain.Opinion{}, fmt.Errorf("no valid opinion after %d turn(s): %w", turns, lastErr)
}

// ParseOpinion decodes a model reply into the variant matching the seat's role.
func ParseOpinion(seat domain.Member, content string) (domain.Opinion, error) {
	raw := []byte(stripFence(content))
	var op domain.Opinion
	if seat.IsPurist() {
		var p domain.PuristOpinion
		if err := json.Unmarshal(raw, &p); err != nil {
			return domain.Opinion{}, fmt.Errorf("decode purist opinion: %w", err)
		}
		p.Verdict = domain.PuristVerdict(strings.ToUpper(strings.TrimSpace(string(p.Verdict))))
		op = domain.NewPuristOpinion(seat, p)
	} else {
		var s domain.StandardOpinion
		if err := json.Unmarshal(raw, &s); err != nil {
			return domain.Opinion{}, fmt.Errorf("decode opinion: %w", err)
		}
		s.Verdict = domain.Verdict(strings.ToUpper(strings.TrimSpace(string(s.Verdict))))
		op = domain.NewStandardOpinion(seat, s)
	}
	if err := op.Validate(); err != nil {
		return domain.Opinion{}, err
	}
	return op, nil
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
