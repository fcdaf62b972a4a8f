package httpapi

import (
	"net/http"
	"strings"

	"claimdesk.org/internal/audit"
	"claimdesk.org/internal/auth"
	"claimdesk.org/internal/membership"
)

type projectRequest struct {
	Name        string   `json:"name" validate:"max=200"`
	ManagerID   string   `json:"project_manager_id" validate:"max=128"`
	AssigneeIDs []string `json:"assignee_ids" validate:"max=1000,dive,max=128"`
}

type projectsResponse struct {
	Items []membership.Project `json:"items"`
}

func (a *API) handleProjectsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	if a.projects == nil {
		writeError(w, r, http.StatusServiceUnavailable, "project registry unavailable")
		return
	}

	var (
		items []membership.Project
		err   error
	)
	switch {
	case actor.HasPermission(auth.PermProjectsManage):
		items, err = a.projects.ListAllProjects(r.Context())
	case actor.Role == auth.RoleManager:
		items, err = a.projects.ListManagedProjects(r.Context(), actor.ID)
	default:
		writeError(w, r, http.StatusForbidden, "permission denied")
		return
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if items == nil {
		items = []membership.Project{}
	}
	writeJSON(w, http.StatusOK, projectsResponse{Items: items})
}

func (a *API) handleProjectResource(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/projects/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	if a.projects == nil {
		writeError(w, r, http.StatusServiceUnavailable, "project registry unavailable")
		return
	}

	switch r.Method {
	case http.MethodGet:
		p, found := a.projects.Index().Project(id)
		if !found || !(actor.HasPermission(auth.PermProjectsManage) || p.ManagerID == actor.ID) {
			writeError(w, r, http.StatusNotFound, "project not found")
			return
		}
		writeJSON(w, http.StatusOK, p)
	case http.MethodPut:
		if !ensurePermission(w, r, actor, auth.PermProjectsManage) {
			return
		}
		var req projectRequest
		if !a.decodeValid(w, r, &req) {
			return
		}
		p, err := a.projects.Put(r.Context(), membership.Project{
			ID:          id,
			Name:        req.Name,
			ManagerID:   req.ManagerID,
			AssigneeIDs: req.AssigneeIDs,
		})
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "project.put", map[string]any{
			"project_id": p.ID,
			"manager_id": p.ManagerID,
			"assignees":  len(p.AssigneeIDs),
		})
		writeJSON(w, http.StatusOK, p)
	case http.MethodDelete:
		if !ensurePermission(w, r, actor, auth.PermProjectsManage) {
			return
		}
		if err := a.projects.Delete(r.Context(), id); err != nil {
			writeServiceError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "project.delete", map[string]any{"project_id": id})
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}
