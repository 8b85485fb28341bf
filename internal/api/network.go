package api

import (
	"fmt"
	"net/http"
	"time"
)

// MeshNetworkStatus is the API view of the mesh network.
type MeshNetworkStatus struct {
	Controller ControllerStatus `json:"controller"`
	Gateway    *GatewayStatus   `json:"gateway,omitempty"`
	Nodes      *NodeCounts      `json:"nodes,omitempty"`
}

// ControllerStatus reports the serial controller link.
type ControllerStatus struct {
	Connected       bool   `json:"connected"`
	Reconnecting    bool   `json:"reconnecting"`
	HomeID          string `json:"home_id,omitempty"`
	OwnNodeID       uint8  `json:"own_node_id,omitempty"`
	NodeCount       int    `json:"node_count"`
	FramesTx        uint64 `json:"frames_tx"`
	FramesRx        uint64 `json:"frames_rx"`
	FramesDropped   uint64 `json:"frames_dropped"`
	FramesFailed    uint64 `json:"frames_failed"`
	FramesRetried   uint64 `json:"frames_retried"`
	ErrorsTotal     uint64 `json:"errors_total"`
	ReconnectsTotal uint64 `json:"reconnects_total"`
	QueueDepth      int    `json:"queue_depth"`
	LastActivity    string `json:"last_activity,omitempty"`
}

// GatewayStatus reports the supervised ser2net process.
type GatewayStatus struct {
	Managed       bool   `json:"managed"`
	Status        string `json:"status"`
	Device        string `json:"device,omitempty"`
	ConnectionURL string `json:"connection_url"`
	PID           int    `json:"pid,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds,omitempty"`
	RestartCount  int    `json:"restart_count"`
	LastError     string `json:"last_error,omitempty"`
}

// NodeCounts reports persisted node activity totals.
type NodeCounts struct {
	Total     int `json:"total"`
	Listening int `json:"listening"`
}

// handleNetworkStatus returns a combined view of the mesh controller,
// the serial gateway process, and the persisted node counts.
func (s *Server) handleNetworkStatus(w http.ResponseWriter, r *http.Request) {
	if s.controller == nil {
		writeUnavailable(w, "mesh controller is not running")
		return
	}

	stats := s.controller.Stats()

	status := MeshNetworkStatus{
		Controller: ControllerStatus{
			Connected:       stats.Connected,
			Reconnecting:    stats.Reconnecting,
			NodeCount:       stats.NodeCount,
			FramesTx:        stats.FramesTx,
			FramesRx:        stats.FramesRx,
			FramesDropped:   stats.FramesDropped,
			FramesFailed:    stats.FramesFailed,
			FramesRetried:   stats.FramesRetried,
			ErrorsTotal:     stats.ErrorsTotal,
			ReconnectsTotal: stats.ReconnectsTotal,
			QueueDepth:      stats.QueueDepth,
		},
	}

	if stats.HomeID != 0 {
		status.Controller.HomeID = fmt.Sprintf("%08X", stats.HomeID)
		status.Controller.OwnNodeID = uint8(stats.OwnNodeID)
	}
	if !stats.LastActivity.IsZero() {
		status.Controller.LastActivity = stats.LastActivity.UTC().Format(time.RFC3339)
	}

	if s.gateway != nil {
		gwStats := s.gateway.Stats()
		status.Gateway = &GatewayStatus{
			Managed:       gwStats.Managed,
			Status:        gwStats.Status,
			Device:        gwStats.Device,
			ConnectionURL: gwStats.ConnectionURL,
			PID:           gwStats.PID,
			UptimeSeconds: int64(gwStats.Uptime.Seconds()),
			RestartCount:  gwStats.RestartCount,
			LastError:     gwStats.LastError,
		}
	}

	// Node counts are best-effort; the mesh status is still useful without them.
	if s.nodeStore != nil {
		total, err := s.nodeStore.NodeCount(r.Context())
		if err == nil {
			listening, lerr := s.nodeStore.ListeningNodeCount(r.Context())
			if lerr == nil {
				status.Nodes = &NodeCounts{Total: total, Listening: listening}
			}
		}
	}

	writeJSON(w, http.StatusOK, status)
}
