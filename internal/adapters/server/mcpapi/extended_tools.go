package mcpapi

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/hylla/trellis/internal/adapters/server/common"
	"github.com/hylla/trellis/internal/app"
)

// registerStageTools registers the stage registry read tool.
func registerStageTools(srv *mcpserver.MCPServer, stages common.StageService) {
	srv.AddTool(
		mcp.NewTool(
			"trellis.list_stages",
			mcp.WithDescription("List system stages."),
		),
		func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			rows, err := stages.ListSystemStages(ctx)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("list_stages", map[string]any{"stages": common.FromStages(rows)})
		},
	)
}

// registerWorkflowTools registers workflow list/get/create/clone tools.
func registerWorkflowTools(srv *mcpserver.MCPServer, workflows common.WorkflowService) {
	srv.AddTool(
		mcp.NewTool(
			"trellis.list_workflows",
			mcp.WithDescription("List personal workflows of an owner, optionally with common workflows."),
			mcp.WithString("owner_id", mcp.Description("Owner identifier (defaults to the caller)")),
			mcp.WithBoolean("include_common", mcp.Description("Include common workflows (default true)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			owner := strings.TrimSpace(req.GetString("owner_id", ""))
			if owner == "" {
				owner = common.CallerID(ctx)
			}
			rows, err := workflows.ListWorkflows(ctx, owner, req.GetBool("include_common", true))
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("list_workflows", map[string]any{"workflows": common.FromWorkflows(rows)})
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"trellis.get_workflow",
			mcp.WithDescription("Return one workflow with its ordered states and transitions."),
			mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow identifier")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			id, err := req.RequireString("workflow_id")
			if err != nil {
				return invalidRequestToolResult(err), nil
			}
			wf, err := workflows.GetWorkflow(ctx, id)
			if err != nil {
				return toolResultFromError(err), nil
			}
			transitions, err := workflows.ListTransitions(ctx, wf.ID)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("get_workflow", map[string]any{
				"workflow":    common.FromWorkflow(wf),
				"transitions": common.FromTransitions(transitions),
			})
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"trellis.create_workflow",
			mcp.WithDescription("Create one workflow. States reference each other by ref in swimlaneConstraint."),
			mcp.WithString("title", mcp.Required(), mcp.Description("Workflow title")),
			mcp.WithString("color", mcp.Description("Display color")),
			mcp.WithString("description", mcp.Description("Workflow description")),
			mcp.WithBoolean("active", mcp.Description("Active flag (default true)")),
			mcp.WithBoolean("common", mcp.Description("Create an ownerless common workflow")),
			mcp.WithArray("states", mcp.Required(), mcp.Description("Ordered state objects"), mcp.Items(map[string]any{"type": "object"})),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			var args common.CreateWorkflowRequest
			if err := req.BindArguments(&args); err != nil {
				return invalidRequestToolResult(err), nil
			}
			if err := common.Validate(args); err != nil {
				return toolResultFromError(err), nil
			}
			caller := common.CallerID(ctx)
			if !args.Common && caller == "" {
				return toolResultFromError(app.ErrNoCaller), nil
			}
			wf, err := workflows.CreateWorkflow(ctx, args.Input(caller))
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("create_workflow", common.FromWorkflow(wf))
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"trellis.clone_workflow",
			mcp.WithDescription("Copy a personal workflow into a new common workflow."),
			mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Personal workflow identifier")),
			mcp.WithString("owner_id", mcp.Description("Owner of the personal workflow (defaults to the caller)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			id, err := req.RequireString("workflow_id")
			if err != nil {
				return invalidRequestToolResult(err), nil
			}
			wf, err := workflows.CloneToCommon(ctx, id, req.GetString("owner_id", ""))
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("clone_workflow", common.FromWorkflow(wf))
		},
	)
}

// registerFolderTools registers folder create/get tools.
func registerFolderTools(srv *mcpserver.MCPServer, folders common.FolderService) {
	srv.AddTool(
		mcp.NewTool(
			"trellis.create_folder",
			mcp.WithDescription("Create one folder owned by the caller, optionally under a parent."),
			mcp.WithString("title", mcp.Required(), mcp.Description("Folder title")),
			mcp.WithString("workflow_id", mcp.Description("Workflow identifier")),
			mcp.WithString("parent_id", mcp.Description("Parent folder identifier")),
			mcp.WithArray("members", mcp.Description("Member user ids"), mcp.WithStringItems()),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			title, err := req.RequireString("title")
			if err != nil {
				return invalidRequestToolResult(err), nil
			}
			in := common.CreateFolderRequest{
				Title:      title,
				WorkflowID: req.GetString("workflow_id", ""),
				ParentID:   req.GetString("parent_id", ""),
				Members:    req.GetStringSlice("members", nil),
			}
			if err := common.Validate(in); err != nil {
				return toolResultFromError(err), nil
			}
			folder, err := folders.CreateFolder(ctx, in.Input(common.CallerID(ctx)))
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("create_folder", common.FromFolder(folder))
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"trellis.get_folder",
			mcp.WithDescription("Return one folder."),
			mcp.WithString("folder_id", mcp.Required(), mcp.Description("Folder identifier")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			id, err := req.RequireString("folder_id")
			if err != nil {
				return invalidRequestToolResult(err), nil
			}
			folder, err := folders.GetFolder(ctx, id)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("get_folder", common.FromFolder(folder))
		},
	)
}

// registerTaskTools registers task create/move tools.
func registerTaskTools(srv *mcpserver.MCPServer, tasks common.TaskService) {
	srv.AddTool(
		mcp.NewTool(
			"trellis.create_task",
			mcp.WithDescription("Create one task owned by the caller, optionally placed in a folder state."),
			mcp.WithString("title", mcp.Required(), mcp.Description("Task title")),
			mcp.WithString("description", mcp.Description("Task description")),
			mcp.WithString("importance", mcp.Description("Importance"), mcp.Enum("low", "normal", "high", "critical")),
			mcp.WithString("folder_id", mcp.Description("Folder to place the task in")),
			mcp.WithString("state_id", mcp.Description("Initial workflow state (required with folder_id)")),
			mcp.WithString("parent_task_id", mcp.Description("Parent task inside the folder")),
			mcp.WithArray("assignees", mcp.Description("Assignee user ids"), mcp.WithStringItems()),
			mcp.WithArray("tags", mcp.Description("Tags"), mcp.WithStringItems()),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			title, err := req.RequireString("title")
			if err != nil {
				return invalidRequestToolResult(err), nil
			}
			in := common.CreateTaskRequest{
				Title:        title,
				Description:  req.GetString("description", ""),
				Importance:   req.GetString("importance", ""),
				FolderID:     req.GetString("folder_id", ""),
				StateID:      req.GetString("state_id", ""),
				ParentTaskID: req.GetString("parent_task_id", ""),
				Assignees:    req.GetStringSlice("assignees", nil),
				Tags:         req.GetStringSlice("tags", nil),
			}
			if err := common.Validate(in); err != nil {
				return toolResultFromError(err), nil
			}
			task, err := tasks.CreateTask(ctx, in.Input(common.CallerID(ctx)))
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("create_task", common.FromTask(task))
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"trellis.move_task",
			mcp.WithDescription("Move a placed task to another state of its folder workflow."),
			mcp.WithString("folder_id", mcp.Required(), mcp.Description("Folder identifier")),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("Task identifier")),
			mcp.WithString("state_id", mcp.Required(), mcp.Description("Target state identifier")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			folderID, err := req.RequireString("folder_id")
			if err != nil {
				return invalidRequestToolResult(err), nil
			}
			taskID, err := req.RequireString("task_id")
			if err != nil {
				return invalidRequestToolResult(err), nil
			}
			stateID, err := req.RequireString("state_id")
			if err != nil {
				return invalidRequestToolResult(err), nil
			}
			rel, err := tasks.MoveTask(ctx, "", folderID, taskID, stateID)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("move_task", common.FromPlacement(rel))
		},
	)
}

// invalidRequestToolResult reports malformed tool arguments.
func invalidRequestToolResult(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("invalid_request: %v", err))
}
