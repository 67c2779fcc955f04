package http

import (
	"context"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"

	"phone-monitor/alerting/internal/auth"
	"phone-monitor/alerting/internal/domain"
	"phone-monitor/alerting/internal/geo"
	"phone-monitor/alerting/internal/logging"
	"phone-monitor/alerting/internal/metrics"
)

const (
	maxNoteLen     = 500
	maxProviderLen = 32
	maxPingBody    = 64 << 10
	// maxClockSkew is how far loc_ts may run ahead of the server clock.
	maxClockSkew = 5 * time.Minute
)

type DeviceRegistry interface {
	GetDeviceByUUID(ctx context.Context, uuid string) (*domain.Device, error)
	RecordHeartbeat(ctx context.Context, msg *domain.PingMessage) error
}

type Pipeline interface {
	Dispatch(msg *domain.PingMessage)
}

type PingRequest struct {
	DeviceUUID  string   `json:"device_uuid" validate:"required,max=64"`
	Battery     *int     `json:"battery" validate:"omitempty,min=0,max=100"`
	FreeStorage *float64 `json:"free_storage" validate:"omitempty,min=0"`
	Note        *string  `json:"note"`
	Lat         *float64 `json:"lat"`
	Lon         *float64 `json:"lon"`
	Accuracy    *float64 `json:"accuracy" validate:"omitempty,min=0"`
	Provider    *string  `json:"provider"`
	LocTS       *int64   `json:"loc_ts"`
}

// storedPayload is the normalized ping kept as the device's last payload.
type storedPayload struct {
	Battery     *int     `json:"battery,omitempty"`
	FreeStorage *float64 `json:"free_storage,omitempty"`
	Note        string   `json:"note,omitempty"`
	Lat         *float64 `json:"lat,omitempty"`
	Lon         *float64 `json:"lon,omitempty"`
	Accuracy    *float64 `json:"accuracy,omitempty"`
	Provider    string   `json:"provider,omitempty"`
	LocTS       string   `json:"loc_ts,omitempty"`
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req PingRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPingBody)).Decode(&req); err != nil {
		metrics.PingsRejected.WithLabelValues("invalid_json").Inc()
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	req.DeviceUUID = strings.TrimSpace(req.DeviceUUID)
	if err := validate.Struct(&req); err != nil {
		metrics.PingsRejected.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	if !auth.Allows(KeyBinding(ctx), req.DeviceUUID) {
		metrics.PingsRejected.WithLabelValues("forbidden").Inc()
		writeError(w, http.StatusForbidden, "API key is not valid for this device")
		return
	}

	device, err := s.devices.GetDeviceByUUID(ctx, req.DeviceUUID)
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("device_uuid", req.DeviceUUID).Msg("device lookup failed")
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if device == nil {
		metrics.PingsRejected.WithLabelValues("unknown_device").Inc()
		writeError(w, http.StatusNotFound, "Device not found. Please register first.")
		return
	}
	if device.Revoked {
		metrics.PingsRejected.WithLabelValues("revoked").Inc()
		writeError(w, http.StatusForbidden, "Device has been revoked")
		return
	}

	now := s.now()
	msg := BuildPingMessage(device, &req, now)
	if err := s.devices.RecordHeartbeat(ctx, msg); err != nil {
		logging.Ctx(ctx).Error().Err(err).Int64("device_id", device.ID).Msg("heartbeat update failed")
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	s.pipeline.Dispatch(msg)
	metrics.PingsReceived.Inc()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"message":   "Ping received",
		"timestamp": now.Format(time.RFC3339),
	})
}

// BuildPingMessage normalizes an accepted request. A location is kept only
// when both coordinates are present and in range.
func BuildPingMessage(device *domain.Device, req *PingRequest, now time.Time) *domain.PingMessage {
	msg := &domain.PingMessage{
		ReceivedAt:  now,
		DeviceID:    device.ID,
		DeviceUUID:  device.UUID,
		Battery:     req.Battery,
		FreeStorage: req.FreeStorage,
	}
	payload := storedPayload{Battery: req.Battery, FreeStorage: req.FreeStorage}

	if req.Note != nil {
		msg.Note = truncateRunes(strings.TrimSpace(*req.Note), maxNoteLen)
		payload.Note = msg.Note
	}

	if req.Lat != nil && req.Lon != nil && geo.ValidCoordinate(*req.Lat, *req.Lon) {
		msg.HasLocation = true
		msg.Latitude, msg.Longitude = *req.Lat, *req.Lon
		msg.Accuracy = req.Accuracy
		payload.Lat, payload.Lon, payload.Accuracy = req.Lat, req.Lon, req.Accuracy

		if req.Provider != nil {
			msg.Provider = truncateRunes(strings.TrimSpace(*req.Provider), maxProviderLen)
			payload.Provider = msg.Provider
		}
		// A fix dated in the future would stay the newest sample; it is
		// stamped with the receive time instead.
		if req.LocTS != nil && *req.LocTS > 0 {
			if at := time.UnixMilli(*req.LocTS).UTC(); !at.After(now.Add(maxClockSkew)) {
				msg.CapturedAt = at
				payload.LocTS = at.Format(time.RFC3339)
			}
		}
	}

	if raw, err := json.Marshal(payload); err == nil && string(raw) != "{}" {
		msg.RawPayload = raw
	}
	return msg
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
