// ABOUTME: HTTP handlers for per-vulnerability change history and the sync ledger.
// ABOUTME: Serves append-only history events and the most recent sync runs.

package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/jfeddern/VulnLedger/internal/types"

	"github.com/sirupsen/logrus"
)

const defaultSyncRunsLimit = 20

type HistoryProvider interface {
	History(ctx context.Context, vulnID string) ([]types.ChangeEvent, error)
	SyncRuns(ctx context.Context, limit int) ([]types.SyncRun, error)
}

type HistoryResponse struct {
	VulnerabilityID string              `json:"vulnerability_id"`
	Events          []types.ChangeEvent `json:"events"`
}

type SyncRunsResponse struct {
	Runs []types.SyncRun `json:"runs"`
}

// CreateHistoryHandler serves the change events of the vulnerability named by the id parameter
func CreateHistoryHandler(provider HistoryProvider, logger *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logger.WithField("endpoint", "/history")

		id := strings.TrimSpace(r.URL.Query().Get("id"))
		if id == "" {
			http.Error(w, "Missing id parameter", http.StatusBadRequest)
			return
		}
		if len(id) > maxFilterValue {
			http.Error(w, "id parameter too long", http.StatusBadRequest)
			return
		}

		events, err := provider.History(r.Context(), id)
		if err != nil {
			log.WithError(err).WithField("vuln_id", id).Error("Failed to read history")
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		if events == nil {
			events = []types.ChangeEvent{}
		}

		writeJSON(w, r, log, HistoryResponse{VulnerabilityID: id, Events: events})
	}
}

// CreateSyncRunsHandler serves the sync ledger, newest first
func CreateSyncRunsHandler(provider HistoryProvider, logger *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logger.WithField("endpoint", "/sync-runs")

		limit, err := parseLimit(r.URL.Query())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if limit == 0 {
			limit = defaultSyncRunsLimit
		}

		runs, err := provider.SyncRuns(r.Context(), limit)
		if err != nil {
			log.WithError(err).Error("Failed to read sync runs")
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		if runs == nil {
			runs = []types.SyncRun{}
		}

		writeJSON(w, r, log, SyncRunsResponse{Runs: runs})
	}
}
