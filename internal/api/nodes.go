package api

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/meshwave-core/internal/bridges/zwave"
)

// parseNodeID extracts and validates the node ID from the URL.
func parseNodeID(r *http.Request) (zwave.NodeID, error) {
	raw := chi.URLParam(r, "nodeID")
	parsed, err := strconv.ParseUint(raw, 10, 8)
	if err != nil {
		return 0, errors.New("node ID must be numeric")
	}
	node := zwave.NodeID(parsed)
	if !node.Valid() {
		return 0, errors.New("node ID out of range")
	}
	return node, nil
}

// handleListNodes returns all mesh nodes known to the bridge, sorted by ID.
func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	if s.bridge == nil {
		writeUnavailable(w, "mesh bridge is not running")
		return
	}

	nodes := s.bridge.NodeSummaries()
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	writeJSON(w, http.StatusOK, map[string]any{
		"nodes": nodes,
		"count": len(nodes),
	})
}

// handleGetNode returns a single mesh node.
func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	if s.bridge == nil {
		writeUnavailable(w, "mesh bridge is not running")
		return
	}

	node, err := parseNodeID(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	for _, summary := range s.bridge.NodeSummaries() {
		if summary.ID == node {
			writeJSON(w, http.StatusOK, summary)
			return
		}
	}

	writeNotFound(w, "node not found")
}

// handleNodeStats returns aggregate node counts from the activity store.
// Unlike the bridge's in-memory view, these survive restarts.
func (s *Server) handleNodeStats(w http.ResponseWriter, r *http.Request) {
	if s.nodeStore == nil {
		writeUnavailable(w, "node activity store is not available")
		return
	}

	total, err := s.nodeStore.NodeCount(r.Context())
	if err != nil {
		s.logger.Error("failed to count nodes", "error", err)
		writeInternalError(w, "failed to count nodes")
		return
	}

	listening, err := s.nodeStore.ListeningNodeCount(r.Context())
	if err != nil {
		s.logger.Error("failed to count listening nodes", "error", err)
		writeInternalError(w, "failed to count nodes")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total_nodes":     total,
		"listening_nodes": listening,
		"battery_nodes":   total - listening,
	})
}

// handlePingNode sends a NoOperation frame to the node and waits for the
// radio transmit result, so a 200 means the node acknowledged at RF level.
func (s *Server) handlePingNode(w http.ResponseWriter, r *http.Request) {
	if s.controller == nil {
		writeUnavailable(w, "mesh controller is not running")
		return
	}

	node, err := parseNodeID(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	start := time.Now()
	err = s.controller.PingNode(r.Context(), node)
	latency := time.Since(start)

	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{
			"node":       node,
			"status":     "ok",
			"latency_ms": latency.Milliseconds(),
		})
	case errors.Is(err, zwave.ErrInvalidAddress):
		writeBadRequest(w, "invalid node address")
	case errors.Is(err, zwave.ErrNotConnected):
		writeUnavailable(w, "mesh controller is not connected")
	case errors.Is(err, zwave.ErrTimeout), errors.Is(err, zwave.ErrSendFailed):
		writeError(w, http.StatusBadGateway, "node_unreachable", "node did not respond")
	default:
		s.logger.Error("node ping failed", "node", node, "error", err)
		writeInternalError(w, "node ping failed")
	}
}

// handleRefreshNode requests a fresh node information frame from the node.
// Capability updates arrive asynchronously through the bridge, hence 202.
func (s *Server) handleRefreshNode(w http.ResponseWriter, r *http.Request) {
	if s.controller == nil {
		writeUnavailable(w, "mesh controller is not running")
		return
	}

	node, err := parseNodeID(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	if err := s.controller.RequestNodeInfo(node); err != nil {
		switch {
		case errors.Is(err, zwave.ErrNotConnected):
			writeUnavailable(w, "mesh controller is not connected")
		case errors.Is(err, zwave.ErrQueueFull):
			writeError(w, http.StatusTooManyRequests, ErrCodeTooManyRequests, "controller send queue is full")
		default:
			s.logger.Error("node refresh failed", "node", node, "error", err)
			writeInternalError(w, "node refresh failed")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"node":   node,
		"status": "requested",
	})
}
