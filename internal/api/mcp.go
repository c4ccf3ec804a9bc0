package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/Plazide/local-ai-code-completion/internal/document"
	"github.com/Plazide/local-ai-code-completion/internal/inserter"
	"github.com/Plazide/local-ai-code-completion/internal/ollama"
	"github.com/Plazide/local-ai-code-completion/internal/supervisor"
)

// MCPService is the supervisor surface the MCP tools use.
type MCPService interface {
	Service
	Probe(ctx context.Context) (supervisor.State, error)
	EnsureModel(ctx context.Context, id ollama.ModelID, onProgress func(supervisor.Progress)) error
}

// MCPDeps holds dependencies for the MCP server. History is optional.
type MCPDeps struct {
	Service   MCPService
	Completer inserter.Completer
	History   History
	Timeout   time.Duration
	Unit      document.Unit
	Version   string
}

const historyResourceLimit = 20

// NewMCPServer creates an MCP server with the completion tools and history
// resource registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"lacc",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("lacc: local code completion backed by a locally supervised Ollama model."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("complete_code",
			mcp.WithDescription("Complete code at a cursor position using the local model. Returns the completion text and the span it would occupy."),
			mcp.WithString("text", mcp.Description("Full document text"), mcp.Required()),
			mcp.WithNumber("line", mcp.Description("0-indexed cursor line"), mcp.Required()),
			mcp.WithNumber("column", mcp.Description("0-indexed cursor column")),
			mcp.WithString("unit", mcp.Description("Column unit: utf16 (default), bytes or runes")),
		),
		mcpCompleteCode(deps),
	)

	s.AddTool(
		mcp.NewTool("service_status",
			mcp.WithDescription("Report the inference service state and the configured completion model."),
		),
		mcpServiceStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("ensure_model",
			mcp.WithDescription("Make sure a model is installed in the local inference service, pulling it if needed."),
			mcp.WithString("model", mcp.Description("Model as name:tag; defaults to the configured completion model")),
		),
		mcpEnsureModel(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"lacc://history",
			"Suggestion History",
			mcp.WithResourceDescription("Most recent accepted and discarded suggestions"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceHistory(deps),
	)

	return s
}

// CompletionResult is the complete_code tool output.
type CompletionResult struct {
	Text  string         `json:"text"`
	Span  document.Range `json:"span"`
	State string         `json:"state"`
	Error string         `json:"error,omitempty"`
}

func mcpCompleteCode(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}
		line := req.GetInt("line", -1)
		column := req.GetInt("column", 0)
		if line < 0 || column < 0 {
			return mcpError("line and column must be non-negative"), nil
		}
		unit := deps.Unit
		if u := req.GetString("unit", ""); u != "" {
			if unit, err = document.ParseUnit(u); err != nil {
				return mcpError(err.Error()), nil
			}
		}
		if !deps.Service.IsReady() {
			return mcpError(fmt.Sprintf("inference service is %s", deps.Service.State())), nil
		}

		buf := document.NewBuffer(text, unit)
		buf.SetCursor(document.Position{Line: line, Column: column})
		ins := inserter.New(buf, deps.Completer, inserter.Options{Timeout: deps.Timeout})
		sg, err := ins.Generate(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("completion failed: %v", err)), nil
		}

		res := CompletionResult{Text: sg.Text, Span: sg.Span, State: ins.State().String()}
		if sg.Err != nil {
			res.Error = sg.Err.Error()
		}
		b, err := json.Marshal(res)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal completion: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

// ServiceStatus is the service_status tool output.
type ServiceStatus struct {
	State      string `json:"state"`
	Ready      bool   `json:"ready"`
	Model      string `json:"model"`
	Probe      string `json:"probe,omitempty"`
	ProbeError string `json:"probe_error,omitempty"`
}

func mcpServiceStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st := ServiceStatus{
			State: deps.Service.State().String(),
			Ready: deps.Service.IsReady(),
			Model: deps.Service.Model().String(),
		}
		if probed, err := deps.Service.Probe(ctx); err != nil {
			st.ProbeError = err.Error()
		} else {
			st.Probe = probed.String()
		}
		b, err := json.Marshal(st)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpEnsureModel(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := deps.Service.Model()
		if raw := req.GetString("model", ""); raw != "" {
			parsed, err := ollama.ParseModelID(raw)
			if err != nil {
				return mcpError(err.Error()), nil
			}
			id = parsed
		}

		if err := deps.Service.EnsureModel(ctx, id, nil); err != nil {
			var perr *supervisor.ProvisionError
			if errors.As(err, &perr) {
				return mcpError(perr.Error()), nil
			}
			return mcpError(fmt.Sprintf("ensuring model %s: %v", id, err)), nil
		}
		return mcpText(fmt.Sprintf("Model %s is installed", id)), nil
	}
}

func mcpResourceHistory(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		entries := []HistoryEntry{}
		if deps.History != nil {
			records, err := deps.History.ListSuggestions(ctx, historyResourceLimit)
			if err != nil {
				return nil, fmt.Errorf("failed to list suggestions: %w", err)
			}
			for _, rec := range records {
				entries = append(entries, historyEntry(rec))
			}
		}

		b, err := json.Marshal(entries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal history: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
