package router

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/0xlynett/piercer/pkg/piercer"
)

// agentView is the wire shape for GET /management/agents.
type agentView struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	LoadedModels    []string `json:"loadedModels"`
	InstalledModels []string `json:"installedModels"`
	PendingRequests int64    `json:"pendingRequests"`
}

func (rt *Router) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents := rt.Registry.List()
	out := make([]agentView, 0, len(agents))
	for _, a := range agents {
		out = append(out, agentView{
			ID:              a.ID,
			Name:            a.Name,
			LoadedModels:    a.LoadedModels,
			InstalledModels: a.InstalledModels,
			PendingRequests: a.PendingRequestCount,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (rt *Router) handleListMappings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rt.Mappings.List())
}

type createMappingRequest struct {
	PublicName string `json:"public_name"`
	Filename   string `json:"filename"`
}

func (rt *Router) handleCreateMapping(w http.ResponseWriter, r *http.Request) {
	var req createMappingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.PublicName == "" || req.Filename == "" {
		writeJSONError(w, http.StatusBadRequest, "public_name and filename are required")
		return
	}
	if err := rt.Mappings.Put(req.PublicName, req.Filename); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, piercer.ModelMapping{PublicName: req.PublicName, InternalName: req.Filename})
}

func (rt *Router) handleDeleteMapping(w http.ResponseWriter, r *http.Request) {
	publicName := chi.URLParam(r, "publicName")
	if err := rt.Mappings.Delete(publicName); err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type downloadModelRequest struct {
	ModelURL string `json:"model_url"`
	Filename string `json:"filename"`
}

func (rt *Router) handleDownloadModel(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	agent, ok := rt.Registry.Get(agentID)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "unknown agent: "+agentID)
		return
	}

	var req downloadModelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	client := piercer.NewAgentClient(agent.Socket)
	if err := client.DownloadModel(r.Context(), piercer.DownloadModelParams{ModelURL: req.ModelURL, Filename: req.Filename}); err != nil {
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
