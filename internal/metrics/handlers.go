package metrics

import (
	"encoding/json"
	"net/http"
	"time"
)

// snapshotHandler 内部指标处理器
type snapshotHandler struct {
	manager *Manager
}

func newSnapshotHandler(manager *Manager) *snapshotHandler {
	return &snapshotHandler{manager: manager}
}

// handleSnapshot 处理指标快照请求
// GET /api/metrics
func (h *snapshotHandler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]interface{}{
		"manager":      h.manager.GetStats(),
		"substitution": h.manager.Substitution().Snapshot(),
		"timestamp":    time.Now().Unix(),
	})
}

// writeJSON 写入JSON响应
func (h *snapshotHandler) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode JSON response", http.StatusInternalServerError)
	}
}
