package handlers

import (
	"net/http"

	"github.com/opsdeck/shellgate/internal/database"
)

// Health reports process liveness plus registry and pool occupancy.
func Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	sqlDB, err := database.DB.DB()
	if err != nil || sqlDB.Ping() != nil {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": status,
		"stats":  Gate.Stats(),
	})
}
