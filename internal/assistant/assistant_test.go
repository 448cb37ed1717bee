package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/comigor/calcai/internal/config"
	"github.com/comigor/calcai/pkg/tools"
)

// This mirrors MCPClientInterface in assistant.go
type mockMCPClient struct {
	ListToolsFunc func(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallToolFunc  func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	closed        bool
}

func (m *mockMCPClient) Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error) {
	return &mcp.InitializeResult{}, nil
}

func (m *mockMCPClient) ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	if m.ListToolsFunc != nil {
		return m.ListToolsFunc(ctx, req)
	}
	return &mcp.ListToolsResult{Tools: []mcp.Tool{}}, nil
}

func (m *mockMCPClient) CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if m.CallToolFunc != nil {
		return m.CallToolFunc(ctx, request)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "mock default success for " + request.Params.Name}},
	}, nil
}

func (m *mockMCPClient) Close() error {
	m.closed = true
	return nil
}

type mockLLM struct {
	calls    []openai.ChatCompletionResponse
	err      error
	requests []openai.ChatCompletionRequest
}

func (m *mockLLM) CreateChatCompletion(ctx context.Context, r openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	m.requests = append(m.requests, r)
	if m.err != nil {
		return openai.ChatCompletionResponse{}, m.err
	}
	if len(m.calls) == 0 {
		panic("mockLLM: no more responses configured")
	}
	resp := m.calls[0]
	m.calls = m.calls[1:]
	return resp, nil
}

func contentResponse(text string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: text}}},
	}
}

func toolCallResponse(id, name, args string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleAssistant,
				ToolCalls: []openai.ToolCall{{
					ID:       id,
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: name, Arguments: args},
				}},
			},
		}},
	}
}

func testConfig() config.Config {
	return config.Config{LLM: config.LLMConfig{Model: "gemini-2.5-flash"}}
}

// TestAsk_LLMRespondsDirectly tests the scenario where the LLM responds directly without tool usage.
func TestAsk_LLMRespondsDirectly(t *testing.T) {
	answer := "**Answer:** 2\n\n**Explanation:**\n1. Divide both sides by 2."
	mockLLMClient := &mockLLM{calls: []openai.ChatCompletionResponse{contentResponse(answer)}}

	a := New(mockLLMClient, testConfig(), nil)
	require.Empty(t, a.availableLLMTools)

	reply := a.Ask(context.Background(), "Solve 2x=4")
	require.True(t, reply.OK())
	require.Equal(t, answer, reply.Text)
	require.Equal(t, answer, reply.Display())

	req := mockLLMClient.requests[0]
	require.Equal(t, "gemini-2.5-flash", req.Model)
	require.Equal(t, openai.ChatMessageRoleSystem, req.Messages[0].Role)
	require.Equal(t, config.DefaultSystemPrompt, req.Messages[0].Content)
	require.Equal(t, "Solve 2x=4", req.Messages[1].Content)
}

// TestAsk_LLMError verifies that transport failures turn into the connection message.
func TestAsk_LLMError(t *testing.T) {
	a := New(&mockLLM{err: errors.New("dial tcp: connection refused")}, testConfig(), nil)

	reply := a.Ask(context.Background(), "Solve 2x=4")
	require.False(t, reply.OK())
	require.Error(t, reply.Err)
	require.Equal(t, ConnectionErrorText, reply.Display())
}

func TestAsk_EmptyResponse(t *testing.T) {
	a := New(&mockLLM{calls: []openai.ChatCompletionResponse{contentResponse("  ")}}, testConfig(), nil)

	reply := a.Ask(context.Background(), "hi")
	require.ErrorIs(t, reply.Err, ErrEmptyResponse)
	require.Equal(t, EmptyResponseText, reply.Display())
}

type blockingLLM struct{}

func (blockingLLM) CreateChatCompletion(ctx context.Context, r openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	<-ctx.Done()
	return openai.ChatCompletionResponse{}, ctx.Err()
}

func TestAsk_Timeout(t *testing.T) {
	cfg := testConfig()
	cfg.LLM.Timeout = 20 * time.Millisecond
	a := New(blockingLLM{}, cfg, nil)

	reply := a.Ask(context.Background(), "slow")
	require.ErrorIs(t, reply.Err, context.DeadlineExceeded)
	require.Equal(t, ConnectionErrorText, reply.Display())
}

// TestAsk_LLMRequestsMCPTool_Success tests the full flow: LLM requests a tool, the MCP client executes it, LLM answers.
func TestAsk_LLMRequestsMCPTool_Success(t *testing.T) {
	mockLLMClient := &mockLLM{
		calls: []openai.ChatCompletionResponse{
			toolCallResponse("call_123", "evaluate", `{"expression": "12*34"}`),
			contentResponse("**Answer:** 408"),
		},
	}
	mockClient := &mockMCPClient{
		ListToolsFunc: func(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
			return &mcp.ListToolsResult{Tools: []mcp.Tool{
				{Name: "evaluate", Description: "Evaluates", RawInputSchema: json.RawMessage(`{"type":"object","properties":{"expression":{"type":"string"}}}`)},
			}}, nil
		},
		CallToolFunc: func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			require.Equal(t, "evaluate", request.Params.Name)
			require.Equal(t, map[string]any{"expression": "12*34"}, request.Params.Arguments)
			return &mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "408"}}}, nil
		},
	}

	a := New(mockLLMClient, testConfig(), nil)
	a.register(context.Background(), "mock", mockClient)
	require.Len(t, a.availableLLMTools, 1)

	reply := a.Ask(context.Background(), "What is 12 times 34?")
	require.NoError(t, reply.Err)
	require.Equal(t, "**Answer:** 408", reply.Text)

	// The second request carries the assistant tool call and its result.
	second := mockLLMClient.requests[1].Messages
	require.Len(t, second, 4)
	require.Equal(t, openai.ChatMessageRoleTool, second[3].Role)
	require.Equal(t, "408", second[3].Content)
	require.Equal(t, "call_123", second[3].ToolCallID)

	require.NoError(t, a.Close())
	require.True(t, mockClient.closed)
}

// TestAsk_LocalCalculatorServer exercises the in-process calculator MCP server.
func TestAsk_LocalCalculatorServer(t *testing.T) {
	mockLLMClient := &mockLLM{
		calls: []openai.ChatCompletionResponse{
			toolCallResponse("call_1", "evaluate", `{"expression": "0.1+0.2"}`),
			contentResponse("**Answer:** 0.3"),
		},
	}
	a := New(mockLLMClient, testConfig(), tools.NewMCPServer(tools.NewDefaultToolManager(), "test"))
	t.Cleanup(func() { a.Close() })
	require.Len(t, a.availableLLMTools, 1)
	require.Equal(t, "evaluate", a.availableLLMTools[0].Function.Name)

	reply := a.Ask(context.Background(), "0.1 plus 0.2?")
	require.NoError(t, reply.Err)

	toolMsg := mockLLMClient.requests[1].Messages[3]
	require.Equal(t, "0.3", toolMsg.Content)
}

// TestAsk_ToolFailureIsReportedToLLM tests that a failing tool does not abort the exchange.
func TestAsk_ToolFailureIsReportedToLLM(t *testing.T) {
	mockLLMClient := &mockLLM{
		calls: []openai.ChatCompletionResponse{
			toolCallResponse("call_456", "broken_tool", `{}`),
			contentResponse("Sorry, the tool failed."),
		},
	}
	mockClient := &mockMCPClient{
		ListToolsFunc: func(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
			return &mcp.ListToolsResult{Tools: []mcp.Tool{{Name: "broken_tool"}}}, nil
		},
		CallToolFunc: func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return nil, errors.New("MCP tool execution failed badly.")
		},
	}

	a := New(mockLLMClient, testConfig(), nil)
	a.register(context.Background(), "mock", mockClient)

	reply := a.Ask(context.Background(), "Use the broken tool")
	require.NoError(t, reply.Err)
	require.Equal(t, "Sorry, the tool failed.", reply.Text)
	require.Contains(t, mockLLMClient.requests[1].Messages[3].Content, "failed")
}

func TestAsk_UnknownToolAndBadArguments(t *testing.T) {
	mockLLMClient := &mockLLM{
		calls: []openai.ChatCompletionResponse{
			toolCallResponse("call_1", "nope", `{}`),
			toolCallResponse("call_2", "nope", `not json`),
			contentResponse("done"),
		},
	}
	a := New(mockLLMClient, testConfig(), nil)

	reply := a.Ask(context.Background(), "q")
	require.NoError(t, reply.Err)
	require.Contains(t, mockLLMClient.requests[1].Messages[3].Content, "No MCP server provides tool nope")
	require.Contains(t, mockLLMClient.requests[2].Messages[5].Content, "Could not parse arguments")
}

func TestAsk_MaxTurns(t *testing.T) {
	cfg := testConfig()
	cfg.LLM.MaxTurns = 2
	mockLLMClient := &mockLLM{
		calls: []openai.ChatCompletionResponse{
			toolCallResponse("call_1", "evaluate", `{"expression": "1"}`),
			toolCallResponse("call_2", "evaluate", `{"expression": "1"}`),
		},
	}
	a := New(mockLLMClient, cfg, tools.NewMCPServer(tools.NewDefaultToolManager(), "test"))
	t.Cleanup(func() { a.Close() })

	reply := a.Ask(context.Background(), "loop forever")
	require.ErrorIs(t, reply.Err, ErrMaxTurns)
	require.Len(t, mockLLMClient.requests, 2)
}

func TestAsk_PanicIsContained(t *testing.T) {
	// No responses configured: the mock panics.
	a := New(&mockLLM{}, testConfig(), nil)

	reply := a.Ask(context.Background(), "boom")
	require.Error(t, reply.Err)
	require.Equal(t, ConnectionErrorText, reply.Display())
}
