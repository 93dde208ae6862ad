// Package mcpapi provides a stateless MCP streamable-HTTP adapter.
package mcpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/hylla/trellis/internal/adapters/server/common"
	"github.com/hylla/trellis/internal/views"
)

// Config captures MCP transport configuration.
type Config struct {
	ServerName    string
	ServerVersion string
	EndpointPath  string
}

// Handler wraps one stateless MCP streamable HTTP handler.
type Handler struct {
	httpHandler http.Handler
}

// NewHandler builds one stateless MCP adapter exposing the view and workflow tools.
func NewHandler(cfg Config, svc common.Service) (*Handler, error) {
	if svc == nil {
		return nil, fmt.Errorf("mcp service is required")
	}
	cfg = normalizeConfig(cfg)

	mcpSrv := mcpserver.NewMCPServer(
		cfg.ServerName,
		cfg.ServerVersion,
		mcpserver.WithToolCapabilities(false),
	)
	for _, kind := range []views.Kind{views.KindBoard, views.KindGantt, views.KindList} {
		registerViewTool(mcpSrv, svc, kind)
	}
	registerStageTools(mcpSrv, svc)
	registerWorkflowTools(mcpSrv, svc)
	registerFolderTools(mcpSrv, svc)
	registerTaskTools(mcpSrv, svc)

	streamable := mcpserver.NewStreamableHTTPServer(
		mcpSrv,
		mcpserver.WithEndpointPath(cfg.EndpointPath),
		mcpserver.WithStateLess(true),
	)
	return &Handler{httpHandler: streamable}, nil
}

// ServeHTTP handles one MCP streamable HTTP request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.httpHandler == nil {
		http.Error(w, "mcp handler unavailable", http.StatusServiceUnavailable)
		return
	}
	h.httpHandler.ServeHTTP(w, r)
}

// normalizeConfig applies deterministic defaults to MCP adapter config.
func normalizeConfig(cfg Config) Config {
	cfg.ServerName = strings.TrimSpace(cfg.ServerName)
	if cfg.ServerName == "" {
		cfg.ServerName = "trellis"
	}
	cfg.ServerVersion = strings.TrimSpace(cfg.ServerVersion)
	if cfg.ServerVersion == "" {
		cfg.ServerVersion = "dev"
	}
	cfg.EndpointPath = strings.TrimSpace(cfg.EndpointPath)
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/mcp"
	}
	cfg.EndpointPath = "/" + strings.Trim(cfg.EndpointPath, "/")
	return cfg
}

// viewArgs maps view query keys onto tool argument names.
var viewArgs = map[string]string{
	"root":         "root_folder_id",
	"groupBy":      "group_by",
	"groupField":   "group_field",
	"owner":        "owner_id",
	"title":        "title",
	"from":         "from",
	"to":           "to",
	"assignee":     "assignees",
	"importance":   "importance",
	"state":        "state_ids",
	"tag":          "tags",
	"prominentTag": "prominent_tag",
	"folderOwner":  "folder_owner_id",
	"folderDate":   "folder_date",
	"member":       "members",
	"showArchived": "show_archived",
	"showDeleted":  "show_deleted",
	"page":         "page",
	"pageSize":     "page_size",
}

// registerViewTool registers the `trellis.<kind>_view` tool.
func registerViewTool(srv *mcpserver.MCPServer, svc common.ViewService, kind views.Kind) {
	name := "trellis." + string(kind) + "_view"
	srv.AddTool(
		mcp.NewTool(
			name,
			mcp.WithDescription(fmt.Sprintf("Project the folder tree under one root folder as a %s view.", kind)),
			mcp.WithString("root_folder_id", mcp.Required(), mcp.Description("Root folder identifier")),
			mcp.WithString("group_by", mcp.Description("Secondary grouping"), mcp.Enum(
				views.GroupAssignees, views.GroupTags, views.GroupCustomFields, views.GroupStartDate,
				views.GroupImportance, views.GroupOwner, views.GroupProminentTag,
			)),
			mcp.WithString("group_field", mcp.Description("Custom field key when grouping by customFields")),
			mcp.WithString("owner_id", mcp.Description("Task owner filter")),
			mcp.WithString("title", mcp.Description("Fuzzy task title filter")),
			mcp.WithString("from", mcp.Description("Task date range start (YYYY-MM-DD or RFC 3339)")),
			mcp.WithString("to", mcp.Description("Task date range end (YYYY-MM-DD or RFC 3339)")),
			mcp.WithArray("assignees", mcp.Description("Assignee filter"), mcp.WithStringItems()),
			mcp.WithArray("importance", mcp.Description("Importance filter"), mcp.WithStringItems()),
			mcp.WithArray("state_ids", mcp.Description("Workflow state filter"), mcp.WithStringItems()),
			mcp.WithArray("tags", mcp.Description("Tag filter"), mcp.WithStringItems()),
			mcp.WithString("prominent_tag", mcp.Description("Prominent tag filter")),
			mcp.WithString("folder_owner_id", mcp.Description("Folder owner filter")),
			mcp.WithString("folder_date", mcp.Description("Folder active-on date")),
			mcp.WithArray("members", mcp.Description("Folder member filter"), mcp.WithStringItems()),
			mcp.WithBoolean("show_archived", mcp.Description("Include archived folders and tasks")),
			mcp.WithBoolean("show_deleted", mcp.Description("Include deleted folders and tasks (purge permission required)")),
			mcp.WithNumber("page", mcp.Description("1-based page")),
			mcp.WithNumber("page_size", mcp.Description("Page size")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			q, err := common.ParseViewQuery(string(kind), viewValues(req))
			if err != nil {
				return toolResultFromError(err), nil
			}
			viewKind, viewReq, err := q.Request(common.CallerID(ctx))
			if err != nil {
				return toolResultFromError(err), nil
			}
			out, err := svc.View(ctx, viewKind, viewReq)
			if err != nil {
				return toolResultFromError(err), nil
			}
			result, err := mcp.NewToolResultJSON(out)
			if err != nil {
				return nil, fmt.Errorf("encode %s result: %w", name, err)
			}
			return result, nil
		},
	)
}

// viewValues reads view parameters from tool arguments. List arguments accept
// arrays or comma separated strings.
func viewValues(req mcp.CallToolRequest) common.Values {
	args := req.GetArguments()
	return common.ValuesFunc{
		GetFunc: func(key string) string {
			raw, ok := args[viewArgs[key]]
			if !ok || raw == nil {
				return ""
			}
			switch v := raw.(type) {
			case string:
				return v
			case float64:
				return strconv.FormatFloat(v, 'f', -1, 64)
			default:
				return fmt.Sprint(v)
			}
		},
		ListFunc: func(key string) []string {
			name := viewArgs[key]
			if s, ok := args[name].(string); ok {
				return []string{s}
			}
			return req.GetStringSlice(name, nil)
		},
	}
}

// toolResultFromError maps service errors to stable tool error codes.
func toolResultFromError(err error) *mcp.CallToolResult {
	if err == nil {
		return mcp.NewToolResultError("unknown error")
	}
	_, kind := common.Classify(err)
	return mcp.NewToolResultError(kind + ": " + err.Error())
}

// jsonResult encodes one tool payload.
func jsonResult(tool string, payload any) (*mcp.CallToolResult, error) {
	result, err := mcp.NewToolResultJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", tool, err)
	}
	return result, nil
}
