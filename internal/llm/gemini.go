package llm

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

	"go.uber.org/zap"
)

// Backend fault taxonomy. ErrUnavailable covers misconfiguration and
// transport failures before the model ran; ErrExecution covers faults
// reported mid-run. Both collapse to the same apology at the orchestrator.
var (
	ErrUnavailable = errors.New("llm backend unavailable")
	ErrExecution   = errors.New("llm execution failed")
)

// GeminiConfig holds configuration for the Gemini client.
type GeminiConfig struct {
	APIKey          string
	BaseURL         string
	Model           string
	Timeout         time.Duration
	MaxOutputTokens int
}

// DefaultGeminiConfig returns sensible defaults.
func DefaultGeminiConfig(apiKey string) GeminiConfig {
	return GeminiConfig{
		APIKey:          apiKey,
		BaseURL:         "https://generativelanguage.googleapis.com/v1beta",
		Model:           "gemini-2.5-flash",
		Timeout:         120 * time.Second,
		MaxOutputTokens: 8192,
	}
}

// GeminiClient implements Client over the Gemini generateContent REST API.
type GeminiClient struct {
	apiKey          string
	baseURL         string
	model           string
	maxOutputTokens int
	httpClient      *http.Client
	logger          *zap.Logger
}

// NewGeminiClient creates a Gemini client with custom config.
func NewGeminiClient(cfg GeminiConfig, logger *zap.Logger) *GeminiClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gemini-2.5-flash"
	}
	maxTokens := cfg.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &GeminiClient{
		apiKey:          cfg.APIKey,
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		model:           model,
		maxOutputTokens: maxTokens,
		httpClient:      &http.Client{Timeout: timeout},
		logger:          logger,
	}
}

// Gemini wire structures (REST generateContent).

type geminiRequest struct {
	Contents          []geminiContent        `json:"contents"`
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig,omitempty"`
	Tools             []geminiTool           `json:"tools,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

type geminiFunctionResponse struct {
	Name     string                 `json:"name"`
	Response map[string]interface{} `json:"response"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDeclaration `json:"functionDeclarations"`
}

type geminiFunctionDeclaration struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
			Role  string       `json:"role"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

// Complete sends a single prompt and returns the text completion.
func (c *GeminiClient) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := c.CompleteWithTools(ctx, "", []Message{{Role: RoleUser, Text: prompt}}, nil)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// CompleteWithTools sends the conversation with tool declarations and
// returns the next model turn.
func (c *GeminiClient) CompleteWithTools(ctx context.Context, systemPrompt string, history []Message, tools []ToolDefinition) (*ToolResponse, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("%w: API key not configured", ErrUnavailable)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
		defer cancel()
	}

	reqBody := geminiRequest{
		Contents: contentsFromHistory(history),
		GenerationConfig: geminiGenerationConfig{
			Temperature:     1.0,
			MaxOutputTokens: c.maxOutputTokens,
		},
	}
	if systemPrompt != "" {
		reqBody.SystemInstruction = &geminiContent{
			Parts: []geminiPart{{Text: systemPrompt}},
		}
	}
	if len(tools) > 0 {
		decls := make([]geminiFunctionDeclaration, len(tools))
		for i, t := range tools {
			decls[i] = geminiFunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			}
		}
		reqBody.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", ErrExecution, err)
	}

	started := time.Now()
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("gemini request failed",
			zap.String("model", c.model),
			zap.Duration("elapsed", time.Since(started)),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrExecution, err)
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Error("gemini returned non-OK status",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", body))
		return nil, fmt.Errorf("%w: status %d", ErrExecution, resp.StatusCode)
	}

	var geminiResp geminiResponse
	if err := json.Unmarshal(body, &geminiResp); err != nil {
		return nil, fmt.Errorf("%w: parse response: %v", ErrExecution, err)
	}
	if geminiResp.Error != nil {
		return nil, fmt.Errorf("%w: %s", ErrExecution, geminiResp.Error.Message)
	}

	result := &ToolResponse{
		Usage: Usage{
			InputTokens:  geminiResp.UsageMetadata.PromptTokenCount,
			OutputTokens: geminiResp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:  geminiResp.UsageMetadata.TotalTokenCount,
		},
	}

	if len(geminiResp.Candidates) > 0 {
		candidate := geminiResp.Candidates[0]
		result.StopReason = candidate.FinishReason
		var textBuilder strings.Builder
		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				textBuilder.WriteString(part.Text)
			}
			if part.FunctionCall != nil {
				result.ToolCalls = append(result.ToolCalls, ToolCall{
					ID:    fmt.Sprintf("call_%d", len(result.ToolCalls)),
					Name:  part.FunctionCall.Name,
					Input: part.FunctionCall.Args,
				})
			}
		}
		result.Text = strings.TrimSpace(textBuilder.String())
	}

	c.logger.Debug("gemini turn completed",
		zap.String("model", c.model),
		zap.Duration("elapsed", time.Since(started)),
		zap.Int("text_len", len(result.Text)),
		zap.Int("tool_calls", len(result.ToolCalls)),
		zap.String("stop_reason", result.StopReason))

	return result, nil
}

// contentsFromHistory converts the transcript to Gemini contents. Model
// turns carry text and functionCall parts; function turns carry
// functionResponse parts keyed by tool name.
func contentsFromHistory(history []Message) []geminiContent {
	contents := make([]geminiContent, 0, len(history))
	for _, msg := range history {
		switch msg.Role {
		case RoleModel:
			parts := make([]geminiPart, 0, 1+len(msg.Calls))
			if msg.Text != "" {
				parts = append(parts, geminiPart{Text: msg.Text})
			}
			for _, call := range msg.Calls {
				parts = append(parts, geminiPart{
					FunctionCall: &geminiFunctionCall{Name: call.Name, Args: call.Input},
				})
			}
			if len(parts) == 0 {
				continue
			}
			contents = append(contents, geminiContent{Role: RoleModel, Parts: parts})
		case RoleFunction:
			parts := make([]geminiPart, 0, len(msg.Results))
			for _, res := range msg.Results {
				parts = append(parts, geminiPart{
					FunctionResponse: &geminiFunctionResponse{
						Name: res.Name,
						Response: map[string]interface{}{
							"content":  res.Content,
							"is_error": res.IsError,
						},
					},
				})
			}
			contents = append(contents, geminiContent{Role: RoleFunction, Parts: parts})
		default:
			contents = append(contents, geminiContent{
				Role:  RoleUser,
				Parts: []geminiPart{{Text: msg.Text}},
			})
		}
	}
	return contents
}
