package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const googleAPIBase = "https://generativelanguage.googleapis.com/v1beta"

// GoogleProvider implements Provider for the Gemini generateContent API.
type GoogleProvider struct {
	apiKey      string
	baseURL     string
	client      *http.Client
	retryConfig RetryConfig
}

func NewGoogleProvider(apiKey, baseURL string) *GoogleProvider {
	if baseURL == "" {
		baseURL = googleAPIBase
	}
	return &GoogleProvider{
		apiKey:      apiKey,
		baseURL:     strings.TrimRight(baseURL, "/"),
		client:      &http.Client{Timeout: 120 * time.Second},
		retryConfig: DefaultRetryConfig(),
	}
}

func (p *GoogleProvider) Name() string { return "google" }

func (p *GoogleProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body := p.buildRequestBody(req)
	url := fmt.Sprintf("%s/models/%s:generateContent", p.baseURL, req.Model)

	return RetryDo(ctx, p.retryConfig, func() (*ChatResponse, error) {
		respBody, err := p.doRequest(ctx, url, body)
		if err != nil {
			return nil, err
		}
		defer respBody.Close()

		var resp geminiResponse
		if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
			return nil, fmt.Errorf("google: decode response: %w", err)
		}
		return p.parseResponse(&resp), nil
	})
}

func (p *GoogleProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	body := p.buildRequestBody(req)
	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", p.baseURL, req.Model)

	// Retry only the connection phase; once streaming starts, no retry.
	respBody, err := RetryDo(ctx, p.retryConfig, func() (io.ReadCloser, error) {
		return p.doRequest(ctx, url, body)
	})
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	result := &ChatResponse{FinishReason: "stop"}

	scanner := bufio.NewScanner(respBody)
	// Inline data chunks can carry megabytes of base64 in one SSE line.
	scanner.Buffer(make([]byte, 0, 8*1024*1024), 8*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "" {
			continue
		}

		var chunk geminiResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.UsageMetadata != nil {
			result.Usage = &Usage{
				PromptTokens:     chunk.UsageMetadata.PromptTokenCount,
				CompletionTokens: chunk.UsageMetadata.CandidatesTokenCount,
				TotalTokens:      chunk.UsageMetadata.PromptTokenCount + chunk.UsageMetadata.CandidatesTokenCount,
			}
		}
		if len(chunk.Candidates) == 0 {
			continue
		}

		cand := chunk.Candidates[0]
		for _, part := range cand.Content.Parts {
			switch {
			case part.Thought && part.Text != nil:
				result.Thinking += *part.Text
				if onChunk != nil {
					onChunk(StreamChunk{Thinking: *part.Text})
				}
			case part.Text != nil:
				result.Content += *part.Text
				if onChunk != nil {
					onChunk(StreamChunk{Content: *part.Text})
				}
			case part.FunctionCall != nil:
				result.ToolCalls = append(result.ToolCalls, p.toolCallFromPart(part, len(result.ToolCalls)))
			}
		}
		if cand.FinishReason == "MAX_TOKENS" {
			result.FinishReason = "length"
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("google: read stream: %w", err)
	}

	if len(result.ToolCalls) > 0 {
		result.FinishReason = "tool_calls"
	}
	if onChunk != nil {
		onChunk(StreamChunk{Done: true})
	}
	return result, nil
}

// toolCallFromPart converts a functionCall part. Gemini does not assign call
// ids, so a positional one is synthesised; results go back keyed by name.
func (p *GoogleProvider) toolCallFromPart(part geminiPart, index int) ToolCall {
	args := make(map[string]interface{})
	if len(part.FunctionCall.Args) > 0 {
		_ = json.Unmarshal(part.FunctionCall.Args, &args)
	}
	return ToolCall{
		ID:        fmt.Sprintf("%s_%d", part.FunctionCall.Name, index),
		Name:      part.FunctionCall.Name,
		Arguments: args,
	}
}

func (p *GoogleProvider) buildRequestBody(req ChatRequest) map[string]interface{} {
	var systemParts []string
	var contents []map[string]interface{}

	for _, m := range req.Messages {
		switch {
		case m.Role == "system":
			systemParts = append(systemParts, m.Content)

		case m.Role == "assistant" && len(m.ToolCalls) > 0:
			parts := make([]map[string]interface{}, 0, len(m.ToolCalls)+1)
			if m.Content != "" {
				parts = append(parts, map[string]interface{}{"text": m.Content})
			}
			for _, tc := range m.ToolCalls {
				parts = append(parts, map[string]interface{}{
					"functionCall": map[string]interface{}{
						"name": tc.Name,
						"args": tc.Arguments,
					},
				})
			}
			contents = append(contents, map[string]interface{}{
				"role":  "model",
				"parts": parts,
			})

		case m.Role == "tool":
			name := m.ToolName
			if name == "" {
				name = m.ToolCallID
			}
			contents = append(contents, map[string]interface{}{
				"role": "user",
				"parts": []map[string]interface{}{
					{
						"functionResponse": map[string]interface{}{
							"name": name,
							"response": map[string]interface{}{
								"result": m.Content,
							},
						},
					},
				},
			})

		default:
			var parts []map[string]interface{}
			if m.Content != "" {
				parts = append(parts, map[string]interface{}{"text": m.Content})
			}
			for _, img := range m.Images {
				parts = append(parts, map[string]interface{}{
					"inlineData": map[string]interface{}{
						"mimeType": img.MimeType,
						"data":     img.Data,
					},
				})
			}
			// Gemini requires at least one part.
			if len(parts) == 0 {
				parts = append(parts, map[string]interface{}{"text": ""})
			}
			role := "user"
			if m.Role == "assistant" {
				role = "model"
			}
			contents = append(contents, map[string]interface{}{
				"role":  role,
				"parts": parts,
			})
		}
	}

	body := map[string]interface{}{
		"contents": contents,
	}
	if len(systemParts) > 0 {
		body["systemInstruction"] = map[string]interface{}{
			"parts": []map[string]interface{}{
				{"text": strings.Join(systemParts, "\n\n")},
			},
		}
	}

	if len(req.Tools) > 0 {
		declarations := make([]map[string]interface{}, 0, len(req.Tools))
		for _, t := range req.Tools {
			declarations = append(declarations, map[string]interface{}{
				"name":        t.Function.Name,
				"description": t.Function.Description,
				"parameters":  cleanSchema(t.Function.Parameters),
			})
		}
		body["tools"] = []map[string]interface{}{
			{"functionDeclarations": declarations},
		}
	}

	genConfig := map[string]interface{}{}
	if v, ok := req.Options[OptMaxTokens]; ok {
		genConfig["maxOutputTokens"] = v
	}
	if v, ok := req.Options[OptTemperature]; ok {
		genConfig["temperature"] = v
	}
	if len(genConfig) > 0 {
		body["generationConfig"] = genConfig
	}

	return body
}

func (p *GoogleProvider) doRequest(ctx context.Context, url string, body interface{}) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("google: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("google: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("google: request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		retryAfter := ParseRetryAfter(resp.Header.Get("Retry-After"))
		if retryAfter == 0 {
			retryAfter = parseRetryInfo(respBody)
		}
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("google: %s", string(respBody)),
			RetryAfter: retryAfter,
		}
	}
	return resp.Body, nil
}

// parseRetryInfo extracts the retryDelay from a google.rpc.RetryInfo error
// detail. Returns 0 if not found.
func parseRetryInfo(body []byte) time.Duration {
	var envelope struct {
		Error struct {
			Details []json.RawMessage `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) != nil {
		return 0
	}
	for _, raw := range envelope.Error.Details {
		var detail struct {
			Type       string `json:"@type"`
			RetryDelay string `json:"retryDelay"`
		}
		if json.Unmarshal(raw, &detail) != nil {
			continue
		}
		if detail.Type == "type.googleapis.com/google.rpc.RetryInfo" && detail.RetryDelay != "" {
			if d, err := time.ParseDuration(detail.RetryDelay); err == nil {
				return d
			}
		}
	}
	return 0
}

func (p *GoogleProvider) parseResponse(resp *geminiResponse) *ChatResponse {
	result := &ChatResponse{FinishReason: "stop"}

	if len(resp.Candidates) > 0 {
		cand := resp.Candidates[0]
		for _, part := range cand.Content.Parts {
			switch {
			case part.Thought && part.Text != nil:
				result.Thinking += *part.Text
			case part.Text != nil:
				result.Content += *part.Text
			case part.FunctionCall != nil:
				result.ToolCalls = append(result.ToolCalls, p.toolCallFromPart(part, len(result.ToolCalls)))
			}
		}
		if cand.FinishReason == "MAX_TOKENS" {
			result.FinishReason = "length"
		}
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = "tool_calls"
	}

	if resp.UsageMetadata != nil {
		result.Usage = &Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.PromptTokenCount + resp.UsageMetadata.CandidatesTokenCount,
		}
	}
	return result
}

// --- Gemini wire types ---

type geminiResponse struct {
	Candidates    []geminiCandidate `json:"candidates"`
	UsageMetadata *geminiUsage      `json:"usageMetadata"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
	Role  string       `json:"role"`
}

type geminiPart struct {
	Text         *string         `json:"text,omitempty"`
	FunctionCall *geminiFuncCall `json:"functionCall,omitempty"`
	Thought      bool            `json:"thought,omitempty"`
}

type geminiFuncCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}
