package database

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"
)

// Sensor statuses.
const (
	SensorRegistered = "registered"
	SensorActive     = "active"
	SensorDisabled   = "disabled"
	SensorError      = "error"
)

// QuietHours is a daily recurring window during which motion is not admitted.
// Times are HH:MM in the sensor's IANA timezone. Days uses 0=Monday..6=Sunday;
// an empty list means every day.
type QuietHours struct {
	Enabled  bool   `json:"enabled"`
	Start    string `json:"start"`
	End      string `json:"end"`
	Timezone string `json:"timezone"`
	Days     []int  `json:"days,omitempty"`
}

type Sensor struct {
	SensorID                 string
	UserID                   string
	LocationLabel            string
	Enabled                  bool
	MotionDebounceSeconds    int
	InactivityTimeoutSeconds int
	QuietHours               *QuietHours
	PlaybackTargetID         string
	PlaybackContextRef       string
	LastMotionAt             *time.Time
	Status                   string
	ThingHandle              string
	CertificateHandle        string
}

const sensorColumns = `sensor_id, user_id, location_label, enabled,
	motion_debounce_seconds, inactivity_timeout_seconds, quiet_hours,
	playback_target_id, playback_context_ref, last_motion_at, status,
	thing_handle, certificate_handle`

func scanSensor(row pgx.Row) (*Sensor, error) {
	var s Sensor
	var quietJSON []byte
	err := row.Scan(
		&s.SensorID, &s.UserID, &s.LocationLabel, &s.Enabled,
		&s.MotionDebounceSeconds, &s.InactivityTimeoutSeconds, &quietJSON,
		&s.PlaybackTargetID, &s.PlaybackContextRef, &s.LastMotionAt, &s.Status,
		&s.ThingHandle, &s.CertificateHandle,
	)
	if err != nil {
		return nil, err
	}
	if len(quietJSON) > 0 {
		var qh QuietHours
		if err := json.Unmarshal(quietJSON, &qh); err != nil {
			return nil, trace.Wrap(err, "decode quiet_hours for sensor %s", s.SensorID)
		}
		s.QuietHours = &qh
	}
	return &s, nil
}

// GetSensor loads a sensor by id. Returns trace.NotFound if absent.
func (db *DB) GetSensor(ctx context.Context, sensorID string) (*Sensor, error) {
	row := db.Pool.QueryRow(ctx,
		`SELECT `+sensorColumns+` FROM sensors WHERE sensor_id = $1`, sensorID)
	s, err := scanSensor(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, trace.NotFound("sensor %s not found", sensorID)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// CreateSensor inserts a new sensor record. Returns trace.AlreadyExists when a
// sensor with this id is present; the provisioner's conflict check relies on
// this being a single conditional write, not a read-then-write.
func (db *DB) CreateSensor(ctx context.Context, s *Sensor) error {
	var quietJSON []byte
	if s.QuietHours != nil {
		b, err := json.Marshal(s.QuietHours)
		if err != nil {
			return trace.Wrap(err)
		}
		quietJSON = b
	}

	tag, err := db.Pool.Exec(ctx, `
		INSERT INTO sensors (sensor_id, user_id, location_label, enabled,
			motion_debounce_seconds, inactivity_timeout_seconds, quiet_hours,
			playback_target_id, playback_context_ref, status,
			thing_handle, certificate_handle)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (sensor_id) DO NOTHING
	`, s.SensorID, s.UserID, s.LocationLabel, s.Enabled,
		s.MotionDebounceSeconds, s.InactivityTimeoutSeconds, quietJSON,
		s.PlaybackTargetID, s.PlaybackContextRef, s.Status,
		s.ThingHandle, s.CertificateHandle)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return trace.AlreadyExists("sensor %s already exists", s.SensorID)
	}
	return nil
}

// SensorExists reports whether a sensor row is present without loading it.
func (db *DB) SensorExists(ctx context.Context, sensorID string) (bool, error) {
	var exists bool
	err := db.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM sensors WHERE sensor_id = $1)`, sensorID,
	).Scan(&exists)
	return exists, err
}

// DeleteSensor removes a sensor record. Deleting an absent sensor is not an
// error; deprovisioning tolerates already-gone state.
func (db *DB) DeleteSensor(ctx context.Context, sensorID string) error {
	_, err := db.Pool.Exec(ctx, `DELETE FROM sensors WHERE sensor_id = $1`, sensorID)
	return err
}

// UpdateSensorLastMotion advances last_motion_at to occurredAt, never backwards.
// GREATEST makes reordered deliveries converge on the latest motion time.
func (db *DB) UpdateSensorLastMotion(ctx context.Context, sensorID string, occurredAt time.Time) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE sensors SET
			last_motion_at = GREATEST(coalesce(last_motion_at, 'epoch'::timestamptz), $2),
			status = CASE WHEN status = 'registered' THEN 'active' ELSE status END,
			updated_at = now()
		WHERE sensor_id = $1
	`, sensorID, occurredAt)
	return err
}

// SensorConfig holds the updatable configuration fields pushed to devices.
type SensorConfig struct {
	Enabled                  *bool
	MotionDebounceSeconds    *int
	InactivityTimeoutSeconds *int
	QuietHours               *QuietHours
	PlaybackTargetID         *string
	PlaybackContextRef       *string
}

// UpdateSensorConfig applies non-nil fields. COALESCE keeps existing values for
// fields the caller did not set.
func (db *DB) UpdateSensorConfig(ctx context.Context, sensorID string, cfg SensorConfig) error {
	var quietJSON []byte
	if cfg.QuietHours != nil {
		b, err := json.Marshal(cfg.QuietHours)
		if err != nil {
			return trace.Wrap(err)
		}
		quietJSON = b
	}

	tag, err := db.Pool.Exec(ctx, `
		UPDATE sensors SET
			enabled                    = coalesce($2, enabled),
			motion_debounce_seconds    = coalesce($3, motion_debounce_seconds),
			inactivity_timeout_seconds = coalesce($4, inactivity_timeout_seconds),
			quiet_hours                = coalesce($5, quiet_hours),
			playback_target_id         = coalesce($6, playback_target_id),
			playback_context_ref       = coalesce($7, playback_context_ref),
			updated_at                 = now()
		WHERE sensor_id = $1
	`, sensorID, cfg.Enabled, cfg.MotionDebounceSeconds, cfg.InactivityTimeoutSeconds,
		quietJSON, cfg.PlaybackTargetID, cfg.PlaybackContextRef)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("sensor %s not found", sensorID)
	}
	return nil
}

// RecordStatusReport stores the latest device-reported state. Informational
// only; never gates admission.
func (db *DB) RecordStatusReport(ctx context.Context, sensorID, status, firmware, ip string, battery *int, uptime int64, at time.Time) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE sensors SET
			reported_status         = $2,
			reported_battery        = coalesce($3, reported_battery),
			reported_firmware       = coalesce(nullif($4, ''), reported_firmware),
			reported_ip             = coalesce(nullif($5, ''), reported_ip),
			reported_uptime_seconds = coalesce(nullif($6, 0), reported_uptime_seconds),
			last_status_at          = $7,
			updated_at              = now()
		WHERE sensor_id = $1
	`, sensorID, status, battery, firmware, ip, uptime, at)
	return err
}

// RecordRegistration notes a device-side register announce. Registration over
// MQTT never creates sensors; provisioning is authoritative.
func (db *DB) RecordRegistration(ctx context.Context, sensorID, firmware string, at time.Time) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE sensors SET
			last_register_at  = $2,
			reported_firmware = coalesce(nullif($3, ''), reported_firmware),
			updated_at        = now()
		WHERE sensor_id = $1
	`, sensorID, at, firmware)
	return err
}
