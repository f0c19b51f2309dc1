package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/vast-ai/goworker/internal/ledger"
	"github.com/vast-ai/goworker/internal/repository"
)

// StatusHandler serves the operational endpoints: liveness, the in-flight
// ledger view and the sqlite request audit trail.
type StatusHandler struct {
	ledger *ledger.Ledger
	repo   repository.Repository
}

func NewStatusHandler(ldg *ledger.Ledger, repo repository.Repository) *StatusHandler {
	return &StatusHandler{ledger: ldg, repo: repo}
}

func (h *StatusHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/ping", h.handleHealth)
	mux.HandleFunc("/status", h.handleStatus)
	mux.HandleFunc("/logs", h.handleLogs)
}

func (h *StatusHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *StatusHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"cur_load": h.ledger.Peek(),
		"working":  h.ledger.Working(),
		"entries":  h.ledger.Entries(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *StatusHandler) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			limit = n
		}
	}

	logs, err := h.repo.Request().GetRequestLogs(r.Context(), limit)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to get logs: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(logs)
}
