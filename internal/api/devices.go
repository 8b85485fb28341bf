package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nerrad567/meshwave-core/internal/device"
	"github.com/nerrad567/meshwave-core/internal/infrastructure/mqtt"
)

// handleListDevices returns devices, optionally filtered by a query parameter.
// Filters are mutually exclusive; the first one present wins.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var (
		devices []device.Device
		err     error
	)

	switch {
	case r.URL.Query().Get("domain") != "":
		devices, err = s.registry.GetDevicesByDomain(ctx, device.Domain(r.URL.Query().Get("domain")))
	case r.URL.Query().Get("protocol") != "":
		devices, err = s.registry.GetDevicesByProtocol(ctx, device.Protocol(r.URL.Query().Get("protocol")))
	case r.URL.Query().Get("capability") != "":
		devices, err = s.registry.GetDevicesByCapability(ctx, device.Capability(r.URL.Query().Get("capability")))
	case r.URL.Query().Get("health") != "":
		devices, err = s.registry.GetDevicesByHealthStatus(ctx, device.HealthStatus(r.URL.Query().Get("health")))
	default:
		devices, err = s.registry.ListDevices(ctx)
	}

	if err != nil {
		s.logger.Error("failed to list devices", "error", err)
		writeInternalError(w, "failed to list devices")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

// handleGetDevice returns a single device by ID.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deviceID")

	dev, err := s.registry.GetDevice(r.Context(), id)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		s.logger.Error("failed to get device", "device_id", id, "error", err)
		writeInternalError(w, "failed to get device")
		return
	}

	writeJSON(w, http.StatusOK, dev)
}

// handleCreateDevice creates a new device.
func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var dev device.Device
	if err := json.NewDecoder(r.Body).Decode(&dev); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	if err := s.registry.CreateDevice(r.Context(), &dev); err != nil {
		if errors.Is(err, device.ErrDeviceExists) {
			writeError(w, http.StatusConflict, "conflict", "device already exists")
			return
		}
		if isValidationError(err) {
			writeBadRequest(w, err.Error())
			return
		}
		s.logger.Error("failed to create device", "error", err)
		writeInternalError(w, "failed to create device")
		return
	}

	writeJSON(w, http.StatusCreated, dev)
}

// handleUpdateDevice updates an existing device. The ID in the URL is
// authoritative; any ID in the body is overwritten.
func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deviceID")

	var dev device.Device
	if err := json.NewDecoder(r.Body).Decode(&dev); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	dev.ID = id

	if err := s.registry.UpdateDevice(r.Context(), &dev); err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		if isValidationError(err) {
			writeBadRequest(w, err.Error())
			return
		}
		s.logger.Error("failed to update device", "device_id", id, "error", err)
		writeInternalError(w, "failed to update device")
		return
	}

	writeJSON(w, http.StatusOK, dev)
}

// handleDeleteDevice removes a device.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deviceID")

	if err := s.registry.DeleteDevice(r.Context(), id); err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		s.logger.Error("failed to delete device", "device_id", id, "error", err)
		writeInternalError(w, "failed to delete device")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleDeviceStats returns aggregate counts across the registry.
func (s *Server) handleDeviceStats(w http.ResponseWriter, r *http.Request) {
	stats := s.registry.GetStats()

	writeJSON(w, http.StatusOK, map[string]any{
		"total_devices": stats.TotalDevices,
		"by_domain":     stats.ByDomain,
		"by_protocol":   stats.ByProtocol,
		"by_health":     stats.ByHealthStatus,
	})
}

// handleGetDeviceState returns a device's current state.
func (s *Server) handleGetDeviceState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deviceID")

	dev, err := s.registry.GetDevice(r.Context(), id)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		s.logger.Error("failed to get device state", "device_id", id, "error", err)
		writeInternalError(w, "failed to get device state")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device_id":        dev.ID,
		"state":            dev.State,
		"state_updated_at": dev.StateUpdatedAt,
	})
}

type setStateRequest struct {
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters"`
}

// handleSetDeviceState publishes a command to the device's protocol bridge
// over MQTT. The bridge executes the command and publishes the resulting
// state change back, which flows to clients via the WebSocket stream.
// This is fire-and-forget from the API's perspective, hence 202.
func (s *Server) handleSetDeviceState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deviceID")

	dev, err := s.registry.GetDevice(r.Context(), id)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		s.logger.Error("failed to get device for command", "device_id", id, "error", err)
		writeInternalError(w, "failed to get device")
		return
	}

	var req setStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if req.Command == "" {
		writeBadRequest(w, "command is required")
		return
	}

	if s.mqtt == nil || !s.mqtt.IsConnected() {
		writeUnavailable(w, "command bus is not connected")
		return
	}

	commandID := uuid.NewString()
	payload, err := json.Marshal(map[string]any{
		"id":         commandID,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"device_id":  dev.ID,
		"command":    req.Command,
		"parameters": req.Parameters,
		"source":     "api",
	})
	if err != nil {
		writeInternalError(w, "failed to encode command")
		return
	}

	topic := mqtt.Topics{}.BridgeCommand(string(dev.Protocol), dev.ID)
	if err := s.mqtt.Publish(topic, payload, 1, false); err != nil {
		s.logger.Error("failed to publish command",
			"device_id", dev.ID,
			"command", req.Command,
			"error", err,
		)
		writeUnavailable(w, "failed to dispatch command")
		return
	}

	s.logger.Info("command dispatched",
		"device_id", dev.ID,
		"command", req.Command,
		"command_id", commandID,
	)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":     "accepted",
		"command_id": commandID,
		"device_id":  dev.ID,
		"command":    req.Command,
	})
}

// isValidationError reports whether err is one of the device validation
// sentinels that should surface as a 400 rather than a 500.
func isValidationError(err error) bool {
	validationErrors := []error{
		device.ErrInvalidDevice,
		device.ErrInvalidProtocol,
		device.ErrInvalidDomain,
		device.ErrInvalidDeviceType,
		device.ErrInvalidCapability,
		device.ErrInvalidAddress,
		device.ErrInvalidState,
		device.ErrInvalidName,
		device.ErrInvalidSlug,
		device.ErrGatewayNotFound,
	}
	for _, v := range validationErrors {
		if errors.Is(err, v) {
			return true
		}
	}
	return false
}
