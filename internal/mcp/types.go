package mcp

import "time"

// Transport selects the connection mechanism for an MCP server.
type Transport string

const (
	// TransportStdio spawns a subprocess and communicates over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP communicates via the MCP Streamable HTTP protocol.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes how to connect to a single MCP server.
type ServerConfig struct {
	// Name identifies the server in logs, errors and [ToolHealth].
	Name string

	Transport Transport

	// Command is the executable and its arguments, split on whitespace.
	// Used when Transport is [TransportStdio].
	Command string

	// Env holds additional environment variables for the stdio subprocess.
	Env map[string]string

	// URL is the endpoint used when Transport is [TransportStreamableHTTP].
	URL string

	// Token is sent as a static Bearer token to streamable-http servers.
	// Ignored when OAuth is set.
	Token string

	// OAuth obtains Bearer tokens via the client-credentials flow.
	OAuth *OAuthConfig
}

// OAuthConfig configures the OAuth 2.1 client-credentials flow.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

// ToolResult holds the outcome of a single remote tool call.
type ToolResult struct {
	// Content is the concatenated text content of the result.
	Content string

	// IsError marks an application-level failure reported by the server.
	// Content then holds the error message.
	IsError bool

	Duration time.Duration
}

// ToolHealth is the measured runtime behaviour of one remote tool.
type ToolHealth struct {
	Name      string
	Server    string
	P50       time.Duration
	P99       time.Duration
	CallCount int
	ErrorRate float64
}
