package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *GeminiClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := DefaultGeminiConfig("test-key")
	cfg.BaseURL = server.URL
	return NewGeminiClient(cfg, zap.NewNop())
}

func TestCompleteWithToolsSendsDeclarations(t *testing.T) {
	var captured geminiRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &captured))
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"listo"}],"role":"model"},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":5,"totalTokenCount":15}}`))
	})

	tools := []ToolDefinition{{
		Name:        "capture_simit_screenshot",
		Description: "Captura el estado de cuenta Simit",
		InputSchema: map[string]interface{}{"type": "object"},
	}}
	history := []Message{{Role: RoleUser, Text: "revisa la placa ABC123"}}

	resp, err := client.CompleteWithTools(context.Background(), "sistema", history, tools)
	require.NoError(t, err)

	assert.Equal(t, "listo", resp.Text)
	assert.Equal(t, "STOP", resp.StopReason)
	assert.Equal(t, 15, resp.Usage.TotalTokens)

	require.Len(t, captured.Tools, 1)
	require.Len(t, captured.Tools[0].FunctionDeclarations, 1)
	assert.Equal(t, "capture_simit_screenshot", captured.Tools[0].FunctionDeclarations[0].Name)
	require.NotNil(t, captured.SystemInstruction)
	assert.Equal(t, "sistema", captured.SystemInstruction.Parts[0].Text)
}

func TestCompleteWithToolsParsesFunctionCalls(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"functionCall":{"name":"capture_simit_screenshot","args":{"plate":"ABC123"}}}],"role":"model"},"finishReason":"TOOL_CALLS"}]}`))
	})

	resp, err := client.CompleteWithTools(context.Background(), "", []Message{{Role: RoleUser, Text: "hola"}}, nil)
	require.NoError(t, err)

	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "capture_simit_screenshot", resp.ToolCalls[0].Name)
	assert.Equal(t, "ABC123", resp.ToolCalls[0].Input["plate"])
	assert.Equal(t, "call_0", resp.ToolCalls[0].ID)
}

func TestMissingAPIKeyIsUnavailable(t *testing.T) {
	cfg := DefaultGeminiConfig("")
	client := NewGeminiClient(cfg, zap.NewNop())

	_, err := client.CompleteWithTools(context.Background(), "", nil, nil)
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestHTTPErrorIsExecutionFailure(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"code":500,"message":"boom"}}`))
	})

	_, err := client.CompleteWithTools(context.Background(), "", []Message{{Role: RoleUser, Text: "x"}}, nil)
	assert.True(t, errors.Is(err, ErrExecution))
}

func TestAPIErrorPayloadIsExecutionFailure(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":{"code":400,"message":"bad model"}}`))
	})

	_, err := client.CompleteWithTools(context.Background(), "", []Message{{Role: RoleUser, Text: "x"}}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExecution))
	assert.Contains(t, err.Error(), "bad model")
}

func TestUnreachableBackendIsUnavailable(t *testing.T) {
	cfg := DefaultGeminiConfig("test-key")
	cfg.BaseURL = "http://127.0.0.1:1"
	client := NewGeminiClient(cfg, zap.NewNop())

	_, err := client.CompleteWithTools(context.Background(), "", []Message{{Role: RoleUser, Text: "x"}}, nil)
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestContentsFromHistory(t *testing.T) {
	history := []Message{
		{Role: RoleUser, Text: "hola"},
		{Role: RoleModel, Calls: []ToolCall{{ID: "call_0", Name: "get_current_time", Input: map[string]interface{}{"city": "Bogotá"}}}},
		{Role: RoleFunction, Results: []ToolResult{{ToolUseID: "call_0", Name: "get_current_time", Content: `{"time":"10:30 AM"}`}}},
		{Role: RoleModel, Text: "Son las 10:30 AM"},
	}

	contents := contentsFromHistory(history)
	require.Len(t, contents, 4)

	assert.Equal(t, RoleUser, contents[0].Role)
	require.NotNil(t, contents[1].Parts[0].FunctionCall)
	assert.Equal(t, "get_current_time", contents[1].Parts[0].FunctionCall.Name)
	require.NotNil(t, contents[2].Parts[0].FunctionResponse)
	assert.Equal(t, false, contents[2].Parts[0].FunctionResponse.Response["is_error"])
	assert.Equal(t, "Son las 10:30 AM", contents[3].Parts[0].Text)
}
