// Package httpapi provides the REST adapter mounted under the versioned API prefix.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/hylla/trellis/internal/adapters/server/common"
	"github.com/hylla/trellis/internal/app"
	"github.com/hylla/trellis/internal/domain"
)

// maxRequestBodyBytes limits decoded JSON payload size.
const maxRequestBodyBytes int64 = 1 << 20

// Handler serves the REST routes. Paths are relative to the API prefix.
type Handler struct {
	svc common.Service
	mux *http.ServeMux
}

// NewHandler registers every route against svc.
func NewHandler(svc common.Service) *Handler {
	h := &Handler{svc: svc, mux: http.NewServeMux()}

	h.mux.HandleFunc("GET /stages", h.listStages)
	h.mux.HandleFunc("POST /stages", h.createStage)
	h.mux.HandleFunc("DELETE /stages/{id}", h.deleteStage)
	h.mux.HandleFunc("GET /displacement-groups", h.listGroups)
	h.mux.HandleFunc("POST /displacement-groups", h.createGroup)
	h.mux.HandleFunc("GET /displacement-groups/{id}/codes", h.listCodes)
	h.mux.HandleFunc("POST /displacement-groups/{id}/codes", h.createCode)
	h.mux.HandleFunc("PUT /displacement-codes/{id}", h.updateCode)
	h.mux.HandleFunc("DELETE /displacement-codes/{id}", h.deleteCode)

	h.mux.HandleFunc("GET /workflows", h.listWorkflows)
	h.mux.HandleFunc("POST /workflows", h.createWorkflow)
	h.mux.HandleFunc("GET /workflows/{id}", h.getWorkflow)
	h.mux.HandleFunc("PATCH /workflows/{id}", h.updateWorkflow)
	h.mux.HandleFunc("DELETE /workflows/{id}", h.deleteWorkflow)
	h.mux.HandleFunc("POST /workflows/{id}/clone", h.cloneWorkflow)
	h.mux.HandleFunc("GET /workflows/{id}/transitions", h.listTransitions)

	h.mux.HandleFunc("POST /folders", h.createFolder)
	h.mux.HandleFunc("GET /folders/{id}", h.getFolder)
	h.mux.HandleFunc("DELETE /folders/{id}", h.purgeFolder)
	h.mux.HandleFunc("PUT /folders/{id}/workflow", h.setFolderWorkflow)
	h.mux.HandleFunc("POST /folders/{id}/{action}", h.folderLifecycle)
	h.mux.HandleFunc("POST /folders/{id}/children", h.bindFolder)
	h.mux.HandleFunc("DELETE /folders/{id}/children/{child}", h.unbindFolder)
	h.mux.HandleFunc("PUT /folders/{id}/tasks/{task}", h.placeTask)
	h.mux.HandleFunc("POST /folders/{id}/tasks/{task}/move", h.moveTask)
	h.mux.HandleFunc("DELETE /folders/{id}/tasks/{task}", h.unplaceTask)

	h.mux.HandleFunc("POST /tasks", h.createTask)
	h.mux.HandleFunc("GET /tasks/{id}", h.getTask)
	h.mux.HandleFunc("PATCH /tasks/{id}", h.updateTask)
	h.mux.HandleFunc("DELETE /tasks/{id}", h.purgeTask)
	h.mux.HandleFunc("POST /tasks/{id}/{action}", h.taskLifecycle)
	h.mux.HandleFunc("POST /tasks/{id}/dependencies", h.addDependency)
	h.mux.HandleFunc("PUT /tasks/{id}/fields/{key}", h.setField)

	h.mux.HandleFunc("GET /views/{kind}", h.view)
	return h
}

// ServeHTTP routes one API request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) listStages(w http.ResponseWriter, r *http.Request) {
	stages, err := h.svc.ListSystemStages(r.Context())
	if err != nil {
		common.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stages": common.FromStages(stages)})
}

func (h *Handler) createStage(w http.ResponseWriter, r *http.Request) {
	var req common.CreateStageRequest
	if !decodeValid(w, r, &req) {
		return
	}
	stage, err := h.svc.CreateSystemStage(r.Context(), req.Code)
	if err != nil {
		common.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, common.FromStage(stage))
}

func (h *Handler) deleteStage(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteSystemStage(r.Context(), r.PathValue("id")); err != nil {
		common.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.svc.ListDisplacementGroups(r.Context())
	if err != nil {
		common.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": common.FromGroups(groups)})
}

func (h *Handler) createGroup(w http.ResponseWriter, r *http.Request) {
	var req common.CreateGroupRequest
	if !decodeValid(w, r, &req) {
		return
	}
	group, err := h.svc.CreateDisplacementGroup(r.Context(), req.Title)
	if err != nil {
		common.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, common.FromGroup(group))
}

func (h *Handler) listCodes(w http.ResponseWriter, r *http.Request) {
	codes, err := h.svc.ListDisplacementCodes(r.Context(), r.PathValue("id"))
	if err != nil {
		common.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"codes": common.FromCodes(codes)})
}

func (h *Handler) createCode(w http.ResponseWriter, r *http.Request) {
	var req common.CreateCodeRequest
	if !decodeValid(w, r, &req) {
		return
	}
	code, err := h.svc.CreateDisplacementCode(r.Context(), app.CreateDisplacementCodeInput{
		GroupID:       r.PathValue("id"),
		Code:          req.Code,
		SystemStageID: req.SystemStageID,
	})
	if err != nil {
		common.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, common.FromCode(code))
}

func (h *Handler) updateCode(w http.ResponseWriter, r *http.Request) {
	var req common.UpdateCodeRequest
	if !decodeValid(w, r, &req) {
		return
	}
	code, err := h.svc.UpdateDisplacementCode(r.Context(), r.PathValue("id"), req.Code, req.SystemStageID)
	if err != nil {
		common.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, common.FromCode(code))
}

func (h *Handler) deleteCode(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteDisplacementCode(r.Context(), r.PathValue("id")); err != nil {
		common.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listWorkflows serves GET /workflows. owner defaults to the caller; common=false hides shared workflows.
func (h *Handler) listWorkflows(w http.ResponseWriter, r *http.Request) {
	owner := strings.TrimSpace(r.URL.Query().Get("owner"))
	if owner == "" {
		owner = common.CallerID(r.Context())
	}
	includeCommon := true
	if raw := strings.TrimSpace(r.URL.Query().Get("common")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			common.WriteError(w, r, fmt.Errorf("%w: invalid common flag %q", app.ErrValidation, raw))
			return
		}
		includeCommon = v
	}
	workflows, err := h.svc.ListWorkflows(r.Context(), owner, includeCommon)
	if err != nil {
		common.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": common.FromWorkflows(workflows)})
}

func (h *Handler) createWorkflow(w http.ResponseWriter, r *http.Request) {
	var req common.CreateWorkflowRequest
	if !decodeValid(w, r, &req) {
		return
	}
	caller := common.CallerID(r.Context())
	if !req.Common && caller == "" {
		common.WriteError(w, r, app.ErrNoCaller)
		return
	}
	wf, err := h.svc.CreateWorkflow(r.Context(), req.Input(caller))
	if err != nil {
		common.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, common.FromWorkflow(wf))
}

func (h *Handler) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := h.svc.GetWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		common.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, common.FromWorkflow(wf))
}

func (h *Handler) updateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req common.UpdateWorkflowRequest
	if !decodeValid(w, r, &req) {
		return
	}
	wf, err := h.svc.UpdateWorkflow(r.Context(), r.PathValue("id"), req.Input())
	if err != nil {
		common.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, common.FromWorkflow(wf))
}

func (h *Handler) deleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteWorkflow(r.Context(), r.PathValue("id")); err != nil {
		common.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) cloneWorkflow(w http.ResponseWriter, r *http.Request) {
	var req common.CloneWorkflowRequest
	if err := decodeOptionalJSONBody(r.Context(), w, r, &req); err != nil {
		common.WriteError(w, r, err)
		return
	}
	wf, err := h.svc.CloneToCommon(r.Context(), r.PathValue("id"), req.OwnerID)
	if err != nil {
		common.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, common.FromWorkflow(wf))
}

func (h *Handler) listTransitions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.svc.GetWorkflow(r.Context(), id); err != nil {
		common.WriteError(w, r, err)
		return
	}
	transitions, err := h.svc.ListTransitions(r.Context(), id)
	if err != nil {
		common.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transitions": common.FromTransitions(transitions)})
}

func (h *Handler) createFolder(w http.ResponseWriter, r *http.Request) {
	var req common.CreateFolderRequest
	if !decodeValid(w, r, &req) {
		return
	}
	folder, err := h.svc.CreateFolder(r.Context(), req.Input(common.CallerID(r.Context())))
	if err != nil {
		common.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, common.FromFolder(folder))
}

func (h *Handler) getFolder(w http.ResponseWriter, r *http.Request) {
	folder, err := h.svc.GetFolder(r.Context(), r.PathValue("id"))
	if err != nil {
		common.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, common.FromFolder(folder))
}

func (h *Handler) purgeFolder(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.PurgeFolder(r.Context(), "", r.PathValue("id")); err != nil {
		common.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setFolderWorkflow(w http.ResponseWriter, r *http.Request) {
	var req common.SetFolderWorkflowRequest
	if !decodeValid(w, r, &req) {
		return
	}
	folder, err := h.svc.SetFolderWorkflow(r.Context(), r.PathValue("id"), req.WorkflowID)
	if err != nil {
		common.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, common.FromFolder(folder))
}

// folderLifecycle serves POST /folders/{id}/{archive|delete|restore}.
func (h *Handler) folderLifecycle(w http.ResponseWriter, r *http.Request) {
	var op func(context.Context, string) (domain.Folder, error)
	switch r.PathValue("action") {
	case "archive":
		op = h.svc.ArchiveFolder
	case "delete":
		op = h.svc.DeleteFolder
	case "restore":
		op = h.svc.RestoreFolder
	default:
		writeNotFound(w, r)
		return
	}
	folder, err := op(r.Context(), r.PathValue("id"))
	if err != nil {
		common.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, common.FromFolder(folder))
}

func (h *Handler) bindFolder(w http.ResponseWriter, r *http.Request) {
	var req common.BindFolderRequest
	if !decodeValid(w, r, &req) {
		return
	}
	if err := h.svc.BindFolder(r.Context(), r.PathValue("id"), req.ChildID, req.Index); err != nil {
		common.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) unbindFolder(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.UnbindFolder(r.Context(), r.PathValue("id"), r.PathValue("child")); err != nil {
		common.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) placeTask(w http.ResponseWriter, r *http.Request) {
	var req common.PlaceTaskRequest
	if !decodeValid(w, r, &req) {
		return
	}
	rel, err := h.svc.PlaceTask(r.Context(), app.PlaceTaskInput{
		FolderID:     r.PathValue("id"),
		TaskID:       r.PathValue("task"),
		StateID:      req.StateID,
		ParentTaskID: req.ParentTaskID,
		Index:        req.Index,
	})
	if err != nil {
		common.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, common.FromPlacement(rel))
}

func (h *Handler) moveTask(w http.ResponseWriter, r *http.Request) {
	var req common.MoveTaskRequest
	if !decodeValid(w, r, &req) {
		return
	}
	rel, err := h.svc.MoveTask(r.Context(), "", r.PathValue("id"), r.PathValue("task"), req.StateID)
	if err != nil {
		common.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, common.FromPlacement(rel))
}

func (h *Handler) unplaceTask(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.RemoveTaskPlacement(r.Context(), r.PathValue("id"), r.PathValue("task")); err != nil {
		common.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) createTask(w http.ResponseWriter, r *http.Request) {
	var req common.CreateTaskRequest
	if !decodeValid(w, r, &req) {
		return
	}
	task, err := h.svc.CreateTask(r.Context(), req.Input(common.CallerID(r.Context())))
	if err != nil {
		common.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, common.FromTask(task))
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.svc.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		common.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, common.FromTask(task))
}

func (h *Handler) updateTask(w http.ResponseWriter, r *http.Request) {
	var req common.UpdateTaskRequest
	if !decodeValid(w, r, &req) {
		return
	}
	task, err := h.svc.UpdateTask(r.Context(), r.PathValue("id"), req.Input())
	if err != nil {
		common.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, common.FromTask(task))
}

func (h *Handler) purgeTask(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.PurgeTask(r.Context(), "", r.PathValue("id")); err != nil {
		common.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// taskLifecycle serves POST /tasks/{id}/{archive|delete|restore}.
func (h *Handler) taskLifecycle(w http.ResponseWriter, r *http.Request) {
	var op func(context.Context, string) (domain.Task, error)
	switch r.PathValue("action") {
	case "archive":
		op = h.svc.ArchiveTask
	case "delete":
		op = h.svc.DeleteTask
	case "restore":
		op = h.svc.RestoreTask
	default:
		writeNotFound(w, r)
		return
	}
	task, err := op(r.Context(), r.PathValue("id"))
	if err != nil {
		common.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, common.FromTask(task))
}

func (h *Handler) addDependency(w http.ResponseWriter, r *http.Request) {
	var req common.DependencyRequest
	if !decodeValid(w, r, &req) {
		return
	}
	dep, err := h.svc.AddTaskDependency(r.Context(), r.PathValue("id"), req.SuccessorID)
	if err != nil {
		common.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, common.FromDependency(dep))
}

func (h *Handler) setField(w http.ResponseWriter, r *http.Request) {
	var req common.FieldValueRequest
	if !decodeValid(w, r, &req) {
		return
	}
	userID := ""
	if req.Personal {
		if userID = common.CallerID(r.Context()); userID == "" {
			common.WriteError(w, r, app.ErrNoCaller)
			return
		}
	}
	value, err := h.svc.SetCustomFieldValue(r.Context(), r.PathValue("id"), r.PathValue("key"), req.Value, userID)
	if err != nil {
		common.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, common.FromFieldValue(value))
}

// view serves GET /views/{kind}.
func (h *Handler) view(w http.ResponseWriter, r *http.Request) {
	q, err := common.ParseViewQuery(r.PathValue("kind"), common.URLValues(r.URL.Query()))
	if err != nil {
		common.WriteError(w, r, err)
		return
	}
	kind, req, err := q.Request(common.CallerID(r.Context()))
	if err != nil {
		common.WriteError(w, r, err)
		return
	}
	out, err := h.svc.View(r.Context(), kind, req)
	if err != nil {
		common.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// writeNotFound writes the problem document for an unknown route.
func writeNotFound(w http.ResponseWriter, r *http.Request) {
	common.WriteError(w, r, fmt.Errorf("%w: no route for %s %s", app.ErrNotFound, r.Method, r.URL.Path))
}

// writeJSON writes one JSON response.
func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

// decodeValid decodes and validates a required body, writing the problem on failure.
func decodeValid(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := decodeJSONBody(r.Context(), w, r, out); err != nil {
		common.WriteError(w, r, err)
		return false
	}
	if err := common.Validate(out); err != nil {
		common.WriteError(w, r, err)
		return false
	}
	return true
}

// decodeJSONBody decodes one required JSON request body with strict shape checks.
func decodeJSONBody(ctx context.Context, w http.ResponseWriter, r *http.Request, out any) error {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	defer reader.Close()

	decoder := json.NewDecoder(reader)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("%w: decode request body: %w", app.ErrValidation, err)
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: decode request body: trailing content", app.ErrValidation)
	}
	return ctx.Err()
}

// decodeOptionalJSONBody decodes an optional JSON body; an empty body is accepted.
func decodeOptionalJSONBody(ctx context.Context, w http.ResponseWriter, r *http.Request, out any) error {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	defer reader.Close()

	decoder := json.NewDecoder(reader)
	decoder.DisallowUnknownFields()
	err := decoder.Decode(out)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: decode request body: %w", app.ErrValidation, err)
	}
	return ctx.Err()
}
