package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	accountstore "github.com/you-humble/swapbot/internal/infra/store/account"
)

type StatsProvider interface {
	AdminStats(ctx context.Context) (accountstore.Stats, error)
}

type handler struct {
	stats StatsProvider
}

func NewHandler(stats StatsProvider) *handler {
	return &handler{stats: stats}
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) adminStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "")
		return
	}

	stats, err := h.stats.AdminStats(r.Context())
	if err != nil {
		slog.Error("AdminStats", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "cannot fetch stats")
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

func writeError(w http.ResponseWriter, status int, message string) {
	if message == "" {
		message = http.StatusText(status)
	}
	writeJSON(w, status, map[string]string{
		"error":   http.StatusText(status),
		"message": message,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("writeJSON", slog.String("error", err.Error()))
	}
}
