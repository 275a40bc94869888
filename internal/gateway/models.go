package gateway

import "net/http"

// handleModels unions every enabled provider's configured model map, per
// the specification's GET /v1/models.
func (g *Gateway) handleModels(w http.ResponseWriter, r *http.Request) {
	data := make([]map[string]string, 0, len(g.models))
	for _, m := range g.models {
		data = append(data, map[string]string{"id": m.Model, "provider": m.Provider, "object": "model"})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}
