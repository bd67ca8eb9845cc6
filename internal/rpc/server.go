package rpc

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/memforge/memforge/internal/jsonx"
)

const protocolVersion = "2024-11-05"

// Server dispatches JSON-RPC requests to the registered tools.
type Server struct {
	logger   *zap.Logger
	handlers map[string]ToolHandler
	tools    []ToolDefinition
	name     string
	version  string
}

// ServerConfig configures the RPC server.
type ServerConfig struct {
	Deps    *Deps
	Logger  *zap.Logger
	Name    string
	Version string
}

// NewServer builds a server with the full tool surface registered.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Name == "" {
		cfg.Name = "memforge"
	}
	if cfg.Version == "" {
		cfg.Version = "1.0.0"
	}
	if cfg.Deps.Logger == nil {
		cfg.Deps.Logger = cfg.Logger
	}
	return &Server{
		logger:   cfg.Logger.Named("rpc"),
		handlers: handlers(cfg.Deps),
		tools:    toolSchemas(),
		name:     cfg.Name,
		version:  cfg.Version,
	}
}

// HandleRequest processes one JSON-RPC request.
func (s *Server) HandleRequest(ctx context.Context, req Request) Response {
	s.logger.Debug("rpc request",
		zap.String("method", req.Method),
		zap.Any("id", req.ID))

	var result interface{}
	var err error

	switch req.Method {
	case "initialize":
		result = s.initialize(req)
	case "initialized", "notifications/initialized", "notifications/cancelled":
		// Client notifications need no payload.
		return Response{JSONRPC: "2.0", ID: req.ID}
	case "ping":
		result = map[string]interface{}{"status": "ok"}
	case "tools/list":
		result = ListToolsResponse{Tools: s.tools}
	case "tools/call":
		result, err = s.callTool(ctx, req)
	default:
		err = &Error{Code: codeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
	}

	if err != nil {
		s.logger.Warn("rpc request failed",
			zap.String("method", req.Method),
			zap.Error(err))
		if rpcErr, ok := err.(*Error); ok {
			return Response{JSONRPC: "2.0", ID: req.ID, Error: rpcErr}
		}
		return Response{JSONRPC: "2.0", ID: req.ID, Error: &Error{Code: codeInternal, Message: err.Error()}}
	}
	return Response{JSONRPC: "2.0", ID: req.ID, Result: result}
}

func (s *Server) initialize(req Request) InitializeResponse {
	var params InitializeParams
	if req.Params != nil {
		if data, err := jsonx.Marshal(req.Params); err == nil {
			_ = jsonx.Unmarshal(data, &params)
		}
	}
	s.logger.Info("rpc session initialized",
		zap.String("protocol", params.ProtocolVersion),
		zap.Any("client", params.ClientInfo))

	return InitializeResponse{
		ProtocolVersion: protocolVersion,
		Capabilities: map[string]interface{}{
			"tools": map[string]bool{"listChanged": false},
		},
		ServerInfo: map[string]string{
			"name":    s.name,
			"version": s.version,
		},
	}
}

func (s *Server) callTool(ctx context.Context, req Request) (interface{}, error) {
	if req.Params == nil {
		return nil, &Error{Code: codeInvalidParams, Message: "missing call parameters"}
	}
	data, err := jsonx.Marshal(req.Params)
	if err != nil {
		return nil, &Error{Code: codeInvalidParams, Message: "unreadable call parameters"}
	}
	var params CallToolParams
	if err := jsonx.Unmarshal(data, &params); err != nil {
		return nil, &Error{Code: codeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
	}
	if params.Name == "" {
		return nil, &Error{Code: codeInvalidParams, Message: "missing tool name"}
	}

	handler, ok := s.handlers[params.Name]
	if !ok {
		return nil, &Error{Code: codeMethodNotFound, Message: fmt.Sprintf("tool not found: %s", params.Name)}
	}
	args := params.Arguments
	if args == nil {
		args = map[string]interface{}{}
	}

	s.logger.Info("tool call",
		zap.String("tool", params.Name),
		zap.Int("args", len(args)))

	result, err := handler(ctx, args)
	if err != nil {
		if rpcErr, ok := err.(*Error); ok {
			return nil, rpcErr
		}
		return nil, &Error{Code: codeInternal, Message: fmt.Sprintf("tool execution failed: %v", err)}
	}
	return CallToolResponse{
		Content: []ToolContent{{Type: "text", Text: formatResult(result)}},
	}, nil
}

// formatResult renders a tool result as pretty JSON text.
func formatResult(result interface{}) string {
	data, err := jsonx.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", result)
	}
	return string(data)
}

// ToolNames lists the registered tool names.
func (s *Server) ToolNames() []string {
	names := make([]string, 0, len(s.tools))
	for _, t := range s.tools {
		names = append(names, t.Name)
	}
	return names
}
