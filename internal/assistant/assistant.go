// Package assistant answers natural-language math questions with a hosted
// language model. The model may call calculator tools served over MCP.
//
// Ask never fails from the caller's point of view: every problem is reported
// inside the returned Reply.
package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/qmuntal/stateless"
	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/comigor/calcai/internal/config"
	"github.com/comigor/calcai/internal/llm"
	"github.com/comigor/calcai/internal/logger"
)

const (
	// ConnectionErrorText is shown when the model cannot be reached.
	ConnectionErrorText = "Sorry, I encountered an error connecting to the AI service. Please check your network or API key."
	// EmptyResponseText is shown when the model answers with nothing.
	EmptyResponseText = "I couldn't generate a response. Please try again."

	defaultMaxTurns = 5
)

var (
	ErrEmptyResponse = errors.New("model returned an empty response")
	ErrMaxTurns      = errors.New("exceeded maximum interaction turns")
)

// Reply is the outcome of a question. Exactly one of Text and Err is set.
type Reply struct {
	Text string
	Err  error
}

// OK reports whether the model produced an answer.
func (r Reply) OK() bool { return r.Err == nil }

// Display returns the text to show the user: the answer, or a plain-language
// explanation of what went wrong.
func (r Reply) Display() string {
	switch {
	case r.Err == nil:
		return r.Text
	case errors.Is(r.Err, ErrEmptyResponse):
		return EmptyResponseText
	default:
		return ConnectionErrorText
	}
}

type fsmState string

const (
	stateReadyToCallLLM fsmState = "ReadyToCallLLM"
	stateExecutingTools fsmState = "ExecutingTools"
	stateDone           fsmState = "Done"  // Terminal: successful completion
	stateError          fsmState = "Error" // Terminal: error state
)

type fsmTrigger string

const (
	triggerProcessInput            fsmTrigger = "ProcessInput"
	triggerLLMRespondedWithContent fsmTrigger = "LLMRespondedWithContent"
	triggerLLMRequestedTools       fsmTrigger = "LLMRequestedTools"
	triggerToolsExecutionCompleted fsmTrigger = "ToolsExecutionCompleted"
	triggerErrorOccurred           fsmTrigger = "ErrorOccurred"
)

// MCPClientInterface defines the methods the assistant expects from an MCP client.
type MCPClientInterface interface {
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// Assistant is the remote math assistant.
type Assistant struct {
	llmClient         llm.Client
	cfg               config.LLMConfig
	mcpClients        []MCPClientInterface
	availableLLMTools []openai.Tool
	toolNameSet       map[string]MCPClientInterface
	tracer            trace.Tracer
}

// New creates an assistant. Tools are discovered from local, when given, and
// from every MCP server in appCfg. Servers that cannot be reached are logged
// and skipped.
func New(llmClient llm.Client, appCfg config.Config, local *server.MCPServer) *Assistant {
	a := &Assistant{
		llmClient:   llmClient,
		cfg:         appCfg.LLM,
		toolNameSet: make(map[string]MCPClientInterface),
		tracer:      otel.Tracer("github.com/comigor/calcai/internal/assistant"),
	}

	ctx := context.Background()

	if local != nil {
		c, err := client.NewInProcessClient(local)
		if err == nil {
			err = c.Start(ctx)
		}
		if err != nil {
			logger.L.Error("Failed to start in-process MCP client", "error", err)
		} else {
			a.register(ctx, "calculator", c)
		}
	}

	for _, serverCfg := range appCfg.MCPServers {
		c, err := connect(ctx, serverCfg)
		if err != nil {
			logger.L.Error("Failed to create MCP client", "name", serverCfg.Name, "type", serverCfg.Type, "error", err)
			continue
		}
		a.register(ctx, serverCfg.Name, c)
	}

	return a
}

// connect creates and starts a client for an external MCP server.
func connect(ctx context.Context, serverCfg config.MCPServerConfig) (*client.Client, error) {
	var (
		c   *client.Client
		err error
	)
	switch serverCfg.Type {
	case config.ClientTypeSSE:
		var sseOpts []transport.ClientOption
		if len(serverCfg.Headers) > 0 {
			sseOpts = append(sseOpts, transport.WithHeaders(serverCfg.Headers))
		}
		c, err = client.NewSSEMCPClient(serverCfg.URL, sseOpts...)
	case config.ClientTypeStreamableHTTP:
		var httpOpts []transport.StreamableHTTPCOption
		if len(serverCfg.Headers) > 0 {
			httpOpts = append(httpOpts, transport.WithHTTPHeaders(serverCfg.Headers))
		}
		c, err = client.NewStreamableHttpClient(serverCfg.URL, httpOpts...)
	case config.ClientTypeStdio:
		var env []string
		for k, v := range serverCfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		// stdio clients are started by the constructor
		return client.NewStdioMCPClient(serverCfg.Command, env, serverCfg.Args...)
	default:
		return nil, fmt.Errorf("unsupported MCP server type %q (want sse, streamable_http or stdio)", serverCfg.Type)
	}
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		if cerr := c.Close(); cerr != nil {
			logger.L.Warn("MCP client close error after start failure", "error", cerr)
		}
		return nil, fmt.Errorf("start transport: %w", err)
	}
	return c, nil
}

// register initializes c and offers its tools to the model. A tool name
// already taken by an earlier server is skipped.
func (a *Assistant) register(ctx context.Context, name string, c MCPClientInterface) {
	initReq := mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo:      mcp.Implementation{Name: "calcai", Version: "1.0.0"},
			Capabilities:    mcp.ClientCapabilities{},
		},
	}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		logger.L.Error("Failed to initialize MCP client", "name", name, "error", err)
		if cerr := c.Close(); cerr != nil {
			logger.L.Warn("MCP client close error after init failure", "error", cerr)
		}
		return
	}
	logger.L.Info("Server initialized", "name", name)
	a.mcpClients = append(a.mcpClients, c)

	serverTools, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		// Keep the client; it may still serve calls.
		logger.L.Warn("Failed to list tools for MCP client", "name", name, "error", err)
		return
	}
	for _, mcpTool := range serverTools.Tools {
		if _, exists := a.toolNameSet[mcpTool.Name]; exists {
			logger.L.Warn("Tool from MCP server already registered from another server. Skipping.", "tool", mcpTool.Name, "name", name)
			continue
		}
		a.toolNameSet[mcpTool.Name] = c
		a.availableLLMTools = append(a.availableLLMTools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        mcpTool.Name,
				Description: mcpTool.Description,
				Parameters:  toolSchema(mcpTool),
			},
		})
		logger.L.Info("Registered tool from MCP server for LLM", "tool", mcpTool.Name, "name", name)
	}
}

var emptySchema = json.RawMessage(`{"type": "object", "properties": {}}`)

func toolSchema(t mcp.Tool) json.RawMessage {
	if len(t.RawInputSchema) > 0 && string(t.RawInputSchema) != "null" {
		return t.RawInputSchema
	}
	b, err := json.Marshal(t.InputSchema)
	if err != nil || string(b) == "{}" || string(b) == "null" {
		logger.L.Warn("Tool has an empty or invalid schema. Using default empty object schema.", "tool", t.Name, "error", err)
		return emptySchema
	}
	return b
}

// Close shuts down every MCP client.
func (a *Assistant) Close() error {
	var errs []error
	for _, c := range a.mcpClients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Ask answers query. It never returns an error; failures are carried in the
// Reply and Reply.Display turns them into user-facing text. The configured
// timeout, if any, bounds the whole exchange including tool calls.
func (a *Assistant) Ask(ctx context.Context, query string) (reply Reply) {
	ctx, span := a.tracer.Start(ctx, "assistant.Ask", trace.WithAttributes(
		attribute.String("llm.model", a.cfg.Model),
		attribute.Int("query.length", len(query)),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			reply = Reply{Err: fmt.Errorf("assistant panic: %v", r)}
		}
		if reply.Err != nil {
			logger.L.Error("math assistant failed", "error", reply.Err)
			span.RecordError(reply.Err)
			span.SetStatus(codes.Error, reply.Err.Error())
		}
	}()

	if a.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
	}

	text, err := a.Process(ctx, query)
	if err != nil {
		return Reply{Err: err}
	}
	if strings.TrimSpace(text) == "" {
		return Reply{Err: ErrEmptyResponse}
	}
	return Reply{Text: text}
}

func (a *Assistant) systemPrompt() string {
	if a.cfg.SystemPrompt != "" {
		return a.cfg.SystemPrompt
	}
	return config.DefaultSystemPrompt
}

// Process runs one question through a finite state machine that alternates
// between calling the model and executing the tools it asks for, until the
// model answers with content or the turn limit is reached.
func (a *Assistant) Process(ctx context.Context, request string) (string, error) {
	type fsmContext struct {
		messages     []openai.ChatCompletionMessage
		llmResponse  *openai.ChatCompletionResponse
		finalContent string
		lastError    error
		currentTurn  int
		maxTurns     int
	}

	maxTurns := a.cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}
	fsmCtx := &fsmContext{
		messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: a.systemPrompt()},
			{Role: openai.ChatMessageRoleUser, Content: request},
		},
		maxTurns: maxTurns,
	}

	fsm := stateless.NewStateMachine(stateReadyToCallLLM)

	fsm.Configure(stateReadyToCallLLM).
		PermitReentry(triggerProcessInput).
		OnEntry(func(ctx context.Context, args ...any) error {
			if fsmCtx.currentTurn >= fsmCtx.maxTurns {
				logger.L.Warn("Max interaction turns reached.", "maxTurns", fsmCtx.maxTurns)
				fsmCtx.lastError = ErrMaxTurns
				return fsm.FireCtx(ctx, triggerErrorOccurred)
			}
			fsmCtx.currentTurn++
			logger.L.Debug("FSM: Entering ReadyToCallLLM", "turn", fsmCtx.currentTurn)

			llmResp, err := a.llmClient.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
				Model:    a.cfg.Model,
				Messages: fsmCtx.messages,
				Tools:    a.availableLLMTools,
			})
			if err != nil {
				fsmCtx.lastError = fmt.Errorf("llm call: %w", err)
				return fsm.FireCtx(ctx, triggerErrorOccurred)
			}
			fsmCtx.llmResponse = &llmResp

			if len(llmResp.Choices) > 0 && len(llmResp.Choices[0].Message.ToolCalls) > 0 {
				return fsm.FireCtx(ctx, triggerLLMRequestedTools)
			}
			return fsm.FireCtx(ctx, triggerLLMRespondedWithContent)
		}).
		Permit(triggerLLMRequestedTools, stateExecutingTools).
		Permit(triggerLLMRespondedWithContent, stateDone).
		Permit(triggerErrorOccurred, stateError)

	fsm.Configure(stateExecutingTools).
		OnEntry(func(ctx context.Context, args ...any) error {
			logger.L.Debug("FSM: Entering ExecutingTools")
			llmMessage := fsmCtx.llmResponse.Choices[0].Message
			// The assistant message with the tool calls must precede the results.
			fsmCtx.messages = append(fsmCtx.messages, llmMessage)
			for _, toolCall := range llmMessage.ToolCalls {
				fsmCtx.messages = append(fsmCtx.messages, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    a.runToolCall(ctx, toolCall),
					ToolCallID: toolCall.ID,
					Name:       toolCall.Function.Name,
				})
			}
			return fsm.FireCtx(ctx, triggerToolsExecutionCompleted)
		}).
		Permit(triggerToolsExecutionCompleted, stateReadyToCallLLM).
		Permit(triggerErrorOccurred, stateError)

	fsm.Configure(stateDone).
		OnEntry(func(ctx context.Context, args ...any) error {
			logger.L.Debug("FSM: Entering Done")
			if fsmCtx.llmResponse != nil && len(fsmCtx.llmResponse.Choices) > 0 {
				fsmCtx.finalContent = fsmCtx.llmResponse.Choices[0].Message.Content
			}
			return nil
		})

	fsm.Configure(stateError).
		OnEntry(func(ctx context.Context, args ...any) error {
			logger.L.Debug("FSM: Entering Error")
			if fsmCtx.lastError == nil {
				fsmCtx.lastError = errors.New("reached error state without a specific error")
			}
			return nil
		})

	if err := fsm.FireCtx(ctx, triggerProcessInput); err != nil {
		if fsmCtx.lastError != nil {
			return "", fsmCtx.lastError
		}
		return "", fmt.Errorf("FSM error: %w", err)
	}

	currentState, err := fsm.State(ctx)
	if err != nil {
		return "", fmt.Errorf("FSM internal error: %w", err)
	}
	switch currentState {
	case stateDone:
		return fsmCtx.finalContent, nil
	case stateError:
		return "", fsmCtx.lastError
	}
	if fsmCtx.lastError != nil {
		return "", fsmCtx.lastError
	}
	return "", fmt.Errorf("FSM ended in an unexpected state: %v", currentState)
}

// runToolCall executes one tool call and returns the text handed back to the
// model. Failures are described in the text rather than aborting the turn.
func (a *Assistant) runToolCall(ctx context.Context, toolCall openai.ToolCall) string {
	var toolArgs map[string]any
	if err := json.Unmarshal([]byte(toolCall.Function.Arguments), &toolArgs); err != nil {
		logger.L.Error("Failed to unmarshal tool arguments", "function", toolCall.Function.Name, "error", err)
		return "Error: Could not parse arguments for tool " + toolCall.Function.Name
	}
	return a.executeMCPTool(ctx, toolCall.Function.Name, toolArgs)
}

// executeMCPTool calls an MCP tool and flattens its result to text.
func (a *Assistant) executeMCPTool(ctx context.Context, toolName string, toolArgs map[string]any) string {
	mcpClient, ok := a.toolNameSet[toolName]
	if !ok {
		logger.L.Warn("LLM requested an unknown tool", "tool", toolName)
		return "Error: No MCP server provides tool " + toolName
	}

	logger.L.Debug("Calling MCP tool", "tool", toolName, "arguments", toolArgs)
	mcpResult, err := mcpClient.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: toolName, Arguments: toolArgs},
	})
	if err != nil || mcpResult == nil {
		logger.L.Warn("MCP CallTool failed", "tool", toolName, "error", err)
		return "MCP tool call failed: " + toolName
	}

	var toolOutput string
	for _, contentItem := range mcpResult.Content {
		if textContent, ok := contentItem.(mcp.TextContent); ok {
			toolOutput = textContent.Text
			break
		}
	}
	if mcpResult.IsError {
		logger.L.Warn("MCP tool executed with IsError=true", "tool", toolName, "content", toolOutput)
		if toolOutput == "" {
			return "Tool execution resulted in an error without specific text."
		}
		return "Error: " + toolOutput
	}
	if toolOutput == "" {
		resultBytes, err := json.Marshal(mcpResult)
		if err != nil {
			return "Tool executed successfully, but result could not be formatted."
		}
		return string(resultBytes)
	}
	return toolOutput
}
