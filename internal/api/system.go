package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
)

// factoryResetConfirmation must be sent verbatim to authorise a reset.
const factoryResetConfirmation = "FACTORY RESET"

// FactoryResetRequest selects which data sets to wipe. With no flags set,
// everything is wiped.
type FactoryResetRequest struct {
	Confirm      string `json:"confirm"`
	ClearDevices bool   `json:"clear_devices"`
	ClearHistory bool   `json:"clear_history"`
	ClearNodes   bool   `json:"clear_nodes"`
}

// FactoryResetResponse reports what was deleted.
type FactoryResetResponse struct {
	Status  string         `json:"status"`
	Deleted map[string]int `json:"deleted"`
}

// handleFactoryReset wipes persisted state. All deletes run in a single
// transaction so a failure partway leaves the database untouched.
func (s *Server) handleFactoryReset(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeUnavailable(w, "database is not available")
		return
	}

	var req FactoryResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	if req.Confirm != factoryResetConfirmation {
		writeBadRequest(w, fmt.Sprintf("confirmation required: set confirm to %q", factoryResetConfirmation))
		return
	}

	// No flags means wipe everything.
	if !req.ClearDevices && !req.ClearHistory && !req.ClearNodes {
		req.ClearDevices = true
		req.ClearHistory = true
		req.ClearNodes = true
	}

	ctx := r.Context()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.logger.Error("factory reset: failed to begin transaction", "error", err)
		writeInternalError(w, "factory reset failed")
		return
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	deleted := make(map[string]int)

	// History references devices, so it goes first.
	if req.ClearHistory || req.ClearDevices {
		n, err := deleteFrom(ctx, tx, "state_history")
		if err != nil {
			s.logger.Error("factory reset: failed to clear state history", "error", err)
			writeInternalError(w, "factory reset failed")
			return
		}
		deleted["state_history"] = n
	}

	if req.ClearDevices {
		n, err := deleteFrom(ctx, tx, "devices")
		if err != nil {
			s.logger.Error("factory reset: failed to clear devices", "error", err)
			writeInternalError(w, "factory reset failed")
			return
		}
		deleted["devices"] = n
	}

	if req.ClearNodes {
		n, err := deleteFrom(ctx, tx, "zwave_nodes")
		if err != nil {
			s.logger.Error("factory reset: failed to clear node activity", "error", err)
			writeInternalError(w, "factory reset failed")
			return
		}
		deleted["zwave_nodes"] = n
	}

	if err := tx.Commit(); err != nil {
		s.logger.Error("factory reset: commit failed", "error", err)
		writeInternalError(w, "factory reset failed")
		return
	}

	// Bring in-memory views in line with the now-empty tables.
	if req.ClearDevices {
		if err := s.registry.RefreshCache(ctx); err != nil {
			s.logger.Warn("factory reset: cache refresh failed", "error", err)
		}
		if s.bridge != nil {
			s.bridge.ClearStateCache()
		}
	}

	s.logger.Warn("factory reset executed",
		"deleted", deleted,
		"subject", r.Context().Value(ctxKeySubject),
	)

	writeJSON(w, http.StatusOK, FactoryResetResponse{
		Status:  "reset",
		Deleted: deleted,
	})
}

// deleteFrom removes all rows from a table and returns the count removed.
func deleteFrom(ctx context.Context, tx *sql.Tx, table string) (int, error) {
	res, err := tx.ExecContext(ctx, "DELETE FROM "+table)
	if err != nil {
		return 0, fmt.Errorf("clearing %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting %s deletes: %w", table, err)
	}
	return int(n), nil
}
