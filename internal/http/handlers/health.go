package handlers

import "net/http"

func (api *API) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	status := "ok"
	if api.conversations.ShuttingDown() {
		status = "shutting_down"
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status})
}
