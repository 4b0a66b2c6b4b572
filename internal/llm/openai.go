package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const defaultBaseURL = "https://api.openai.com/v1"

// OpenAIClient implements Provider against OpenAI's chat-completions and
// embeddings endpoints.
type OpenAIClient struct {
	baseURL        string
	apiKey         string
	model          string
	embeddingModel string
	temperature    float64
	httpClient     *http.Client
}

// NewOpenAIClient creates a new OpenAI-backed provider. Empty baseURL targets
// the public API.
func NewOpenAIClient(baseURL, apiKey, model, embeddingModel string, temperature float64, timeout time.Duration) *OpenAIClient {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &OpenAIClient{
		baseURL:        baseURL,
		apiKey:         apiKey,
		model:          model,
		embeddingModel: embeddingModel,
		temperature:    temperature,
		httpClient:     &http.Client{Timeout: timeout},
	}
}

type wireContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    any            `json:"content,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

type chatWireRequest struct {
	Model          string          `json:"model"`
	Messages       []wireMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	Tools          []wireTool      `json:"tools,omitempty"`
	ToolChoice     string          `json:"tool_choice,omitempty"`
	ResponseFormat json.RawMessage `json:"response_format,omitempty"`
}

type chatWireResponse struct {
	Choices []struct {
		Message struct {
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
}

func encodeMessage(m Message) wireMessage {
	wm := wireMessage{Role: m.Role, ToolCallID: m.ToolCallID}
	for _, tc := range m.ToolCalls {
		wtc := wireToolCall{ID: tc.ID, Type: "function"}
		wtc.Function.Name = tc.Name
		wtc.Function.Arguments = string(tc.Arguments)
		wm.ToolCalls = append(wm.ToolCalls, wtc)
	}
	if len(m.Image) > 0 {
		parts := []wireContentPart{{Type: "text", Text: m.Text}}
		img := wireContentPart{Type: "image_url"}
		img.ImageURL = &struct {
			URL string `json:"url"`
		}{URL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(m.Image)}
		parts = append(parts, img)
		wm.Content = parts
		return wm
	}
	if m.Text != "" || len(m.ToolCalls) == 0 {
		wm.Content = m.Text
	}
	return wm
}

// ChatWithTools implements Provider.
func (c *OpenAIClient) ChatWithTools(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	wireReq := chatWireRequest{
		Model:       c.model,
		Temperature: c.temperature,
	}
	for _, m := range req.Messages {
		wireReq.Messages = append(wireReq.Messages, encodeMessage(m))
	}
	for _, t := range req.Tools {
		wt := wireTool{Type: "function"}
		wt.Function.Name = t.Name
		wt.Function.Description = t.Description
		wt.Function.Parameters = t.Parameters
		wireReq.Tools = append(wireReq.Tools, wt)
	}
	if req.ForceTool {
		wireReq.ToolChoice = "required"
	}

	var wireResp chatWireResponse
	if err := c.post(ctx, c.baseURL+"/chat/completions", wireReq, &wireResp); err != nil {
		return ChatResponse{}, err
	}
	if len(wireResp.Choices) == 0 {
		return ChatResponse{}, fmt.Errorf("no choices in response")
	}
	msg := wireResp.Choices[0].Message
	out := ChatResponse{Text: msg.Content}
	for _, wtc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        wtc.ID,
			Name:      wtc.Function.Name,
			Arguments: json.RawMessage(wtc.Function.Arguments),
		})
	}
	return out, nil
}

// GenerateJSON implements Provider using a json_schema response format.
func (c *OpenAIClient) GenerateJSON(ctx context.Context, system, prompt string, schema json.RawMessage) (string, error) {
	format, err := json.Marshal(map[string]any{
		"type": "json_schema",
		"json_schema": map[string]any{
			"name":   "response",
			"strict": true,
			"schema": schema,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal response format: %w", err)
	}
	wireReq := chatWireRequest{
		Model:       c.model,
		Temperature: c.temperature,
		Messages: []wireMessage{
			{Role: RoleSystem, Content: system},
			{Role: RoleUser, Content: prompt},
		},
		ResponseFormat: format,
	}
	var wireResp chatWireResponse
	if err := c.post(ctx, c.baseURL+"/chat/completions", wireReq, &wireResp); err != nil {
		return "", err
	}
	if len(wireResp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return wireResp.Choices[0].Message.Content, nil
}

// Embed implements Provider.
func (c *OpenAIClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	requestBody := map[string]any{
		"model": c.embeddingModel,
		"input": texts,
	}
	var embResp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := c.post(ctx, c.baseURL+"/embeddings", requestBody, &embResp); err != nil {
		return nil, err
	}
	vecs := make([][]float32, len(embResp.Data))
	for i, d := range embResp.Data {
		vecs[i] = d.Embedding
	}
	return vecs, nil
}

func (c *OpenAIClient) post(ctx context.Context, url string, body, out any) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API returned status: %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
