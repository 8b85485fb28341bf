package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/meshwave-core/internal/device"
)

// SystemMetrics is the full metrics snapshot returned by /metrics.
type SystemMetrics struct {
	Timestamp     string           `json:"timestamp"`
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Runtime       RuntimeMetrics   `json:"runtime"`
	WebSocket     WebSocketMetrics `json:"websocket"`
	MQTT          MQTTMetrics      `json:"mqtt"`
	ZWaveBridge   *ZWaveMetrics    `json:"zwave_bridge,omitempty"`
	Devices       DeviceMetrics    `json:"devices"`
	Database      DatabaseMetrics  `json:"database"`
	TSDB          TSDBMetrics      `json:"tsdb"`
}

// RuntimeMetrics reports Go runtime health.
type RuntimeMetrics struct {
	Goroutines   int     `json:"goroutines"`
	MemAllocMB   float64 `json:"mem_alloc_mb"`
	MemSysMB     float64 `json:"mem_sys_mb"`
	GCCycles     uint32  `json:"gc_cycles"`
	GCPauseTotal float64 `json:"gc_pause_total_ms"`
}

// WebSocketMetrics reports connected event stream clients.
type WebSocketMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// MQTTMetrics reports the message bus connection.
type MQTTMetrics struct {
	Connected bool `json:"connected"`
}

// ZWaveMetrics reports the mesh bridge, present only when the bridge runs.
type ZWaveMetrics struct {
	Connected      bool   `json:"connected"`
	Status         string `json:"status"`
	FramesTx       uint64 `json:"frames_tx"`
	FramesRx       uint64 `json:"frames_rx"`
	DevicesManaged int    `json:"devices_managed"`
	NodesKnown     int    `json:"nodes_known"`
}

// DeviceMetrics reports registry counts.
type DeviceMetrics struct {
	Total    int `json:"total"`
	Online   int `json:"online"`
	Offline  int `json:"offline"`
	Degraded int `json:"degraded"`
	Unknown  int `json:"unknown"`
}

// DatabaseMetrics reports SQLite connection pool stats.
type DatabaseMetrics struct {
	OpenConnections int `json:"open_connections"`
	InUse           int `json:"in_use"`
	Idle            int `json:"idle"`
}

// TSDBMetrics reports the time-series database connection.
type TSDBMetrics struct {
	Connected bool `json:"connected"`
}

const bytesPerMB = 1024 * 1024

// handleMetrics returns a systemwide metrics snapshot. Unauthenticated so
// monitoring agents can scrape it without managing token rotation.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:   runtime.NumGoroutine(),
			MemAllocMB:   float64(mem.Alloc) / bytesPerMB,
			MemSysMB:     float64(mem.Sys) / bytesPerMB,
			GCCycles:     mem.NumGC,
			GCPauseTotal: float64(mem.PauseTotalNs) / float64(time.Millisecond),
		},
	}

	if s.hub != nil {
		metrics.WebSocket.ConnectedClients = s.hub.ClientCount()
	}

	if s.mqtt != nil {
		metrics.MQTT.Connected = s.mqtt.IsConnected()
	}

	if s.bridge != nil {
		bm := s.bridge.GetMetrics()
		metrics.ZWaveBridge = &ZWaveMetrics{
			Connected:      bm.Connected,
			Status:         bm.Status,
			FramesTx:       bm.FramesTx,
			FramesRx:       bm.FramesRx,
			DevicesManaged: bm.DevicesManaged,
			NodesKnown:     bm.NodesKnown,
		}
	}

	stats := s.registry.GetStats()
	metrics.Devices = DeviceMetrics{
		Total:    stats.TotalDevices,
		Online:   stats.ByHealthStatus[device.HealthStatusOnline],
		Offline:  stats.ByHealthStatus[device.HealthStatusOffline],
		Degraded: stats.ByHealthStatus[device.HealthStatusDegraded],
		Unknown:  stats.ByHealthStatus[device.HealthStatusUnknown],
	}

	if s.db != nil {
		dbStats := s.db.Stats()
		metrics.Database = DatabaseMetrics{
			OpenConnections: dbStats.OpenConnections,
			InUse:           dbStats.InUse,
			Idle:            dbStats.Idle,
		}
	}

	if s.influx != nil {
		metrics.TSDB.Connected = s.influx.IsConnected()
	}

	writeJSON(w, http.StatusOK, metrics)
}
