package api

import (
	"encoding/json"
	"net/http"
)

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	breakers := h.cfg.Breakers.States()

	status := "healthy"
	for _, state := range breakers {
		if state == "open" {
			status = "degraded"
			break
		}
	}

	resp := map[string]interface{}{
		"status":           status,
		"circuit_breakers": breakers,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
