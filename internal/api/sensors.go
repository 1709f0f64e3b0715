package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/snarg/motion-engine/internal/database"
	"github.com/snarg/motion-engine/internal/provision"
)

// Provisioner creates and tears down sensor identities.
type Provisioner interface {
	Provision(ctx context.Context, req provision.Request) (*provision.CredentialBundle, error)
	Deprovision(ctx context.Context, sensorID string) error
}

// SensorStore updates sensor configuration.
type SensorStore interface {
	GetSensor(ctx context.Context, sensorID string) (*database.Sensor, error)
	UpdateSensorConfig(ctx context.Context, sensorID string, cfg database.SensorConfig) error
}

// Publisher pushes messages to device topics.
type Publisher interface {
	Publish(topic string, retained bool, payload []byte) error
}

// Device commands the firmware recognizes; anything else is rejected.
var allowedCommands = map[string]bool{
	"restart":       true,
	"test_motion":   true,
	"ota_update":    true,
	"factory_reset": true,
	"enable":        true,
	"disable":       true,
}

type SensorHandler struct {
	provisioner Provisioner
	store       SensorStore
	broker      Publisher
}

func NewSensorHandler(p Provisioner, store SensorStore, broker Publisher) *SensorHandler {
	return &SensorHandler{provisioner: p, store: store, broker: broker}
}

func (h *SensorHandler) Routes(r chi.Router) {
	r.Post("/sensors/provision", h.ProvisionSensor)
	r.Delete("/sensors/{sensorID}", h.DeprovisionSensor)
	r.Post("/sensors/{sensorID}/config", h.PushConfig)
	r.Post("/sensors/{sensorID}/commands", h.SendCommand)
}

// ProvisionSensor handles POST /sensors/provision. The response body is the
// only copy of the device private key that will ever exist.
func (h *SensorHandler) ProvisionSensor(w http.ResponseWriter, r *http.Request) {
	var req provision.Request
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	bundle, err := h.provisioner.Provision(r.Context(), req)
	if err != nil {
		WriteTraceError(w, err)
		return
	}
	hlog.FromRequest(r).Info().Str("sensor_id", bundle.SensorID).Msg("sensor provisioned")
	WriteJSON(w, http.StatusCreated, bundle)
}

// DeprovisionSensor handles DELETE /sensors/{sensorID}.
func (h *SensorHandler) DeprovisionSensor(w http.ResponseWriter, r *http.Request) {
	sensorID := chi.URLParam(r, "sensorID")
	if err := h.provisioner.Deprovision(r.Context(), sensorID); err != nil {
		WriteTraceError(w, err)
		return
	}
	hlog.FromRequest(r).Info().Str("sensor_id", sensorID).Msg("sensor deprovisioned")
	w.WriteHeader(http.StatusNoContent)
}

// deviceConfig is the subset of sensor configuration the firmware consumes.
// Unknown keys on the device side are ignored, so this can grow freely.
type deviceConfig struct {
	MotionDebounceSeconds      *int  `json:"motionDebounceSeconds,omitempty"`
	InactivityTimeoutSeconds   *int  `json:"inactivityTimeoutSeconds,omitempty"`
	StatusReportIntervalSecond *int  `json:"statusReportIntervalSeconds,omitempty"`
	LEDEnabled                 *bool `json:"ledEnabled,omitempty"`
	Enabled                    *bool `json:"enabled,omitempty"`
}

type configRequest struct {
	Enabled                     *bool                `json:"enabled"`
	MotionDebounceSeconds       *int                 `json:"motionDebounceSeconds"`
	InactivityTimeoutSeconds    *int                 `json:"inactivityTimeoutSeconds"`
	QuietHours                  *database.QuietHours `json:"quietHours"`
	PlaybackTargetID            *string              `json:"playbackTargetId"`
	PlaybackContextRef          *string              `json:"playbackContextRef"`
	StatusReportIntervalSeconds *int                 `json:"statusReportIntervalSeconds"`
	LEDEnabled                  *bool                `json:"ledEnabled"`
}

// PushConfig handles POST /sensors/{sensorID}/config: persist the new
// configuration, then push the device-relevant subset over MQTT.
func (h *SensorHandler) PushConfig(w http.ResponseWriter, r *http.Request) {
	sensorID := chi.URLParam(r, "sensorID")

	var req configRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := h.store.UpdateSensorConfig(r.Context(), sensorID, database.SensorConfig{
		Enabled:                  req.Enabled,
		MotionDebounceSeconds:    req.MotionDebounceSeconds,
		InactivityTimeoutSeconds: req.InactivityTimeoutSeconds,
		QuietHours:               req.QuietHours,
		PlaybackTargetID:         req.PlaybackTargetID,
		PlaybackContextRef:       req.PlaybackContextRef,
	})
	if err != nil {
		WriteTraceError(w, err)
		return
	}

	payload, err := json.Marshal(deviceConfig{
		MotionDebounceSeconds:      req.MotionDebounceSeconds,
		InactivityTimeoutSeconds:   req.InactivityTimeoutSeconds,
		StatusReportIntervalSecond: req.StatusReportIntervalSeconds,
		LEDEnabled:                 req.LEDEnabled,
		Enabled:                    req.Enabled,
	})
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	// Retained so a sleeping device picks the config up on its next connect.
	if err := h.broker.Publish("sensors/"+sensorID+"/config", true, payload); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Str("sensor_id", sensorID).
			Msg("config persisted but push failed")
		WriteJSON(w, http.StatusAccepted, map[string]string{
			"status": "saved",
			"detail": "configuration stored; device push failed and will apply on next connect",
		})
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{"status": "pushed"})
}

type commandRequest struct {
	Command string `json:"command"`
}

// SendCommand handles POST /sensors/{sensorID}/commands.
func (h *SensorHandler) SendCommand(w http.ResponseWriter, r *http.Request) {
	sensorID := chi.URLParam(r, "sensorID")

	var req commandRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !allowedCommands[req.Command] {
		WriteError(w, http.StatusBadRequest, "unknown command: "+req.Command)
		return
	}

	if _, err := h.store.GetSensor(r.Context(), sensorID); err != nil {
		WriteTraceError(w, err)
		return
	}

	// enable/disable also flip the admission flag so the core and the
	// device agree without waiting for a config round-trip.
	if req.Command == "enable" || req.Command == "disable" {
		enabled := req.Command == "enable"
		err := h.store.UpdateSensorConfig(r.Context(), sensorID, database.SensorConfig{Enabled: &enabled})
		if err != nil {
			WriteTraceError(w, err)
			return
		}
	}

	payload, _ := json.Marshal(commandRequest{Command: req.Command})
	if err := h.broker.Publish("sensors/"+sensorID+"/commands", false, payload); err != nil {
		WriteError(w, http.StatusBadGateway, "command publish failed")
		return
	}

	hlog.FromRequest(r).Info().
		Str("sensor_id", sensorID).
		Str("command", req.Command).
		Msg("device command sent")
	WriteJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}
