// ABOUTME: HTTP API handlers for skills, versions, marketplace and executions
// ABOUTME: Thin JSON adapters over the skills service

package gateway

import (
	"net/http"

	"github.com/2389/tool-gateway/internal/skills"
	"github.com/2389/tool-gateway/internal/store"
)

// UpdateSkillRequest is the JSON request body for PUT /skills/{id}.
type UpdateSkillRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Category    *string `json:"category"`
}

func (g *Gateway) registerSkillRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /skills", g.handleListSkills)
	mux.HandleFunc("POST /skills", g.handleCreateSkill)
	mux.HandleFunc("GET /skills/{id}", g.handleGetSkill)
	mux.HandleFunc("PUT /skills/{id}", g.handleUpdateSkill)
	mux.HandleFunc("DELETE /skills/{id}", g.handleDeleteSkill)
	mux.HandleFunc("POST /skills/{id}/publish", g.handlePublishSkill)
	mux.HandleFunc("POST /skills/{id}/versions", g.handleCreateVersion)
	mux.HandleFunc("GET /skills/{id}/versions", g.handleListVersions)
	mux.HandleFunc("POST /skills/{id}/execute", g.handleExecuteSkill)

	mux.HandleFunc("GET /marketplace", g.handleMarketplace)
	mux.HandleFunc("POST /marketplace/{id}/install", g.handleInstallSkill)
	mux.HandleFunc("POST /marketplace/{id}/fork", g.handleForkSkill)
	mux.HandleFunc("POST /marketplace/{id}/rate", g.handleRateSkill)

	mux.HandleFunc("GET /executions", g.handleListExecutions)
	mux.HandleFunc("GET /executions/{id}", g.handleGetExecution)
	mux.HandleFunc("POST /executions/{id}/cancel", g.handleCancelExecution)
}

func (g *Gateway) handleListSkills(w http.ResponseWriter, r *http.Request) {
	list, err := g.skills.ListSkills(r.Context())
	if err != nil {
		g.writeError(w, err)
		return
	}
	if list == nil {
		list = []*store.Skill{}
	}
	g.writeJSON(w, http.StatusOK, list)
}

func (g *Gateway) handleCreateSkill(w http.ResponseWriter, r *http.Request) {
	var in skills.CreateSkillInput
	if err := decodeJSON(r, &in); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	skill, err := g.skills.CreateSkill(r.Context(), in)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, skill)
}

func (g *Gateway) handleGetSkill(w http.ResponseWriter, r *http.Request) {
	detail, err := g.skills.GetSkill(r.Context(), r.PathValue("id"))
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, detail)
}

func (g *Gateway) handleUpdateSkill(w http.ResponseWriter, r *http.Request) {
	var req UpdateSkillRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	skill, err := g.skills.UpdateSkill(r.Context(), r.PathValue("id"), store.SkillUpdate{
		Name:        req.Name,
		Description: req.Description,
		Category:    req.Category,
	})
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, skill)
}

func (g *Gateway) handleDeleteSkill(w http.ResponseWriter, r *http.Request) {
	if err := g.skills.DeleteSkill(r.Context(), r.PathValue("id")); err != nil {
		g.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handlePublishSkill(w http.ResponseWriter, r *http.Request) {
	skill, err := g.skills.PublishSkill(r.Context(), r.PathValue("id"))
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, skill)
}

func (g *Gateway) handleCreateVersion(w http.ResponseWriter, r *http.Request) {
	var in skills.CreateVersionInput
	if err := decodeJSON(r, &in); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	v, err := g.skills.CreateVersion(r.Context(), r.PathValue("id"), in)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, v)
}

func (g *Gateway) handleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := g.skills.ListVersions(r.Context(), r.PathValue("id"))
	if err != nil {
		g.writeError(w, err)
		return
	}
	if versions == nil {
		versions = []*store.SkillVersion{}
	}
	g.writeJSON(w, http.StatusOK, versions)
}

// handleExecuteSkill runs a skill synchronously. A failed run is still a 200
// carrying the failed execution record.
func (g *Gateway) handleExecuteSkill(w http.ResponseWriter, r *http.Request) {
	var in skills.ExecuteInput
	if err := decodeJSON(r, &in); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	exec, err := g.skills.Execute(r.Context(), r.PathValue("id"), in)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, exec)
}

func (g *Gateway) handleMarketplace(w http.ResponseWriter, r *http.Request) {
	entries, err := g.skills.Marketplace(r.Context(), r.URL.Query().Get("category"))
	if err != nil {
		g.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []skills.MarketplaceEntry{}
	}
	g.writeJSON(w, http.StatusOK, entries)
}

func (g *Gateway) handleInstallSkill(w http.ResponseWriter, r *http.Request) {
	var in skills.InstallInput
	if err := decodeJSON(r, &in); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := g.skills.Install(r.Context(), r.PathValue("id"), in); err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Skill installed"})
}

func (g *Gateway) handleForkSkill(w http.ResponseWriter, r *http.Request) {
	var in skills.InstallInput
	if err := decodeJSON(r, &in); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	fork, err := g.skills.Fork(r.Context(), r.PathValue("id"), in)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, fork)
}

func (g *Gateway) handleRateSkill(w http.ResponseWriter, r *http.Request) {
	var in skills.RateInput
	if err := decodeJSON(r, &in); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := g.skills.Rate(r.Context(), r.PathValue("id"), in); err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, map[string]any{"success": true, "message": "Skill rated"})
}

func (g *Gateway) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	execs, err := g.skills.ListExecutions(r.Context(), r.URL.Query().Get("orgId"))
	if err != nil {
		g.writeError(w, err)
		return
	}
	if execs == nil {
		execs = []*store.SkillExecution{}
	}
	g.writeJSON(w, http.StatusOK, execs)
}

func (g *Gateway) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := g.skills.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, exec)
}

func (g *Gateway) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := g.skills.CancelExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, exec)
}
