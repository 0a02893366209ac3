// Package router connects to the upstream tool-execution provider: a REST
// call negotiates a per-user routing session, then MCP over streamable HTTP
// discovers and invokes the tools behind it.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/routeiq/agent/internal/domain"
)

// ToolInfo describes one remote tool discovered on the routing session.
type ToolInfo struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Connection is a live routing session for one user.
type Connection struct {
	SessionID string
	MCPURL    string
	Tools     []ToolInfo

	mcp    *mcpclient.Client
	callFn CallFunc
}

// CallFunc serves tool calls for connections not backed by a real MCP client.
type CallFunc func(ctx context.Context, name string, args json.RawMessage) (string, bool, error)

// NewStaticConnection builds a connection whose calls are served by fn.
// Used by fakes in tests.
func NewStaticConnection(sessionID, mcpURL string, tools []ToolInfo, fn CallFunc) *Connection {
	return &Connection{SessionID: sessionID, MCPURL: mcpURL, Tools: tools, callFn: fn}
}

// Provider negotiates routing sessions. Implemented by Client; faked in tests.
type Provider interface {
	Negotiate(ctx context.Context, userID string) (*Connection, error)
}

// Client is the tool-router provider client.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new tool-router client.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type sessionResponse struct {
	SessionID         string `json:"session_id"`
	ChatSessionMCPURL string `json:"chat_session_mcp_url"`
	InstanceMCPURL    string `json:"tool_router_instance_mcp_url"`
}

// Negotiate creates a routing session for the user, connects to its MCP
// endpoint and lists the available tools. Any failure maps to
// domain.ErrProviderUnavailable so the caller fails fast without persisting.
func (c *Client) Negotiate(ctx context.Context, userID string) (*Connection, error) {
	body, _ := json.Marshal(map[string]string{"user_id": userID})

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v3/labs/tool_router/session", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: create session request: %v", domain.ErrProviderUnavailable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: session request: %v", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read session response: %v", domain.ErrProviderUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: session failed [%d]: %s", domain.ErrProviderUnavailable, resp.StatusCode, string(respBody))
	}

	var parsed sessionResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("%w: decode session response: %v", domain.ErrProviderUnavailable, err)
	}
	mcpURL := parsed.ChatSessionMCPURL
	if mcpURL == "" {
		mcpURL = parsed.InstanceMCPURL
	}
	if parsed.SessionID == "" || mcpURL == "" {
		return nil, fmt.Errorf("%w: session response missing mcp url", domain.ErrProviderUnavailable)
	}

	conn, err := Connect(ctx, parsed.SessionID, mcpURL)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Connect dials an MCP endpoint, initializes the protocol and caches the
// advertised tool list on the connection.
func Connect(ctx context.Context, sessionID, mcpURL string) (*Connection, error) {
	t, err := transport.NewStreamableHTTP(mcpURL)
	if err != nil {
		return nil, fmt.Errorf("%w: mcp transport: %v", domain.ErrProviderUnavailable, err)
	}

	client := mcpclient.NewClient(t)
	if err := client.Start(ctx); err != nil {
		return nil, fmt.Errorf("%w: mcp start: %v", domain.ErrProviderUnavailable, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "routeiq-agent", Version: "1.0.0"}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: mcp initialize: %v", domain.ErrProviderUnavailable, err)
	}

	listed, err := client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: mcp list tools: %v", domain.ErrProviderUnavailable, err)
	}

	tools := make([]ToolInfo, 0, len(listed.Tools))
	for _, t := range listed.Tools {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		tools = append(tools, ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			Schema:      schema,
		})
	}

	return &Connection{
		SessionID: sessionID,
		MCPURL:    mcpURL,
		Tools:     tools,
		mcp:       client,
	}, nil
}

// CallTool invokes a remote tool by name. Protocol failures are returned as
// errors; tool-level failures come back as a result with IsError set, which
// the caller maps to {success:false}.
func (c *Connection) CallTool(ctx context.Context, name string, args json.RawMessage) (string, bool, error) {
	if c.callFn != nil {
		return c.callFn(ctx, name, args)
	}
	if c.mcp == nil {
		return "", false, fmt.Errorf("%w: connection closed", domain.ErrProviderUnavailable)
	}

	var arguments map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &arguments); err != nil {
			return "", false, fmt.Errorf("invalid tool arguments: %w", err)
		}
	}

	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = name
	callReq.Params.Arguments = arguments

	result, err := c.mcp.CallTool(ctx, callReq)
	if err != nil {
		return "", false, fmt.Errorf("%w: call %s: %v", domain.ErrProviderUnavailable, name, err)
	}

	var sb strings.Builder
	for _, content := range result.Content {
		if text, ok := content.(mcp.TextContent); ok {
			sb.WriteString(text.Text)
		}
	}
	return sb.String(), result.IsError, nil
}

// Close tears down the MCP connection.
func (c *Connection) Close() error {
	if c.mcp == nil {
		return nil
	}
	return c.mcp.Close()
}
