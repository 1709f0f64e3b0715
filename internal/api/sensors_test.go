package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/gravitational/trace"

	"github.com/snarg/motion-engine/internal/database"
	"github.com/snarg/motion-engine/internal/provision"
)

// ── Fakes ────────────────────────────────────────────────────────────

type fakeProvisioner struct {
	provisioned  map[string]bool
	provisionErr error
}

func (f *fakeProvisioner) Provision(ctx context.Context, req provision.Request) (*provision.CredentialBundle, error) {
	if f.provisionErr != nil {
		return nil, f.provisionErr
	}
	f.provisioned[req.SensorID] = true
	return &provision.CredentialBundle{
		SensorID:       req.SensorID,
		CertificatePEM: "cert-pem",
		PrivateKeyPEM:  "key-pem",
		BrokerEndpoint: "broker.example.com",
	}, nil
}

func (f *fakeProvisioner) Deprovision(ctx context.Context, sensorID string) error {
	if !f.provisioned[sensorID] {
		return trace.NotFound("sensor %s not found", sensorID)
	}
	delete(f.provisioned, sensorID)
	return nil
}

type fakeSensorStore struct {
	sensors map[string]*database.Sensor
	updates []database.SensorConfig
}

func (f *fakeSensorStore) GetSensor(ctx context.Context, sensorID string) (*database.Sensor, error) {
	s, ok := f.sensors[sensorID]
	if !ok {
		return nil, trace.NotFound("sensor %s not found", sensorID)
	}
	return s, nil
}

func (f *fakeSensorStore) UpdateSensorConfig(ctx context.Context, sensorID string, cfg database.SensorConfig) error {
	if _, ok := f.sensors[sensorID]; !ok {
		return trace.NotFound("sensor %s not found", sensorID)
	}
	f.updates = append(f.updates, cfg)
	return nil
}

type fakePublisher struct {
	err      error
	topics   []string
	payloads [][]byte
	retained []bool
}

func (f *fakePublisher) Publish(topic string, retained bool, payload []byte) error {
	if f.err != nil {
		return f.err
	}
	f.topics = append(f.topics, topic)
	f.payloads = append(f.payloads, payload)
	f.retained = append(f.retained, retained)
	return nil
}

func testRouter(p *fakeProvisioner, store *fakeSensorStore, pub *fakePublisher) http.Handler {
	r := chi.NewRouter()
	NewSensorHandler(p, store, pub).Routes(r)
	return r
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// ── Provision / deprovision ──────────────────────────────────────────

func TestProvisionEndpoint(t *testing.T) {
	p := &fakeProvisioner{provisioned: make(map[string]bool)}
	h := testRouter(p, &fakeSensorStore{}, &fakePublisher{})

	w := doRequest(t, h, http.MethodPost, "/sensors/provision",
		`{"sensorId":"bedroom-01","userId":"U"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}

	var bundle provision.CredentialBundle
	if err := json.Unmarshal(w.Body.Bytes(), &bundle); err != nil {
		t.Fatal(err)
	}
	if bundle.SensorID != "bedroom-01" || bundle.PrivateKeyPEM == "" {
		t.Errorf("bundle = %+v", bundle)
	}
}

func TestProvisionConflictMapsTo409(t *testing.T) {
	p := &fakeProvisioner{
		provisioned:  make(map[string]bool),
		provisionErr: trace.AlreadyExists("sensor bedroom-01 is already provisioned"),
	}
	h := testRouter(p, &fakeSensorStore{}, &fakePublisher{})

	w := doRequest(t, h, http.MethodPost, "/sensors/provision",
		`{"sensorId":"bedroom-01","userId":"U"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestProvisionValidationMapsTo400(t *testing.T) {
	p := &fakeProvisioner{
		provisioned:  make(map[string]bool),
		provisionErr: trace.BadParameter("sensorId must match pattern"),
	}
	h := testRouter(p, &fakeSensorStore{}, &fakePublisher{})

	w := doRequest(t, h, http.MethodPost, "/sensors/provision", `{"sensorId":"x","userId":"U"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestDeprovisionEndpoint(t *testing.T) {
	p := &fakeProvisioner{provisioned: map[string]bool{"bedroom-01": true}}
	h := testRouter(p, &fakeSensorStore{}, &fakePublisher{})

	w := doRequest(t, h, http.MethodDelete, "/sensors/bedroom-01", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d", w.Code)
	}

	// Second delete: already gone.
	w = doRequest(t, h, http.MethodDelete, "/sensors/bedroom-01", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

// ── Config push ──────────────────────────────────────────────────────

func TestPushConfigPersistsAndPublishes(t *testing.T) {
	store := &fakeSensorStore{sensors: map[string]*database.Sensor{
		"bedroom-01": {SensorID: "bedroom-01"},
	}}
	pub := &fakePublisher{}
	h := testRouter(&fakeProvisioner{provisioned: map[string]bool{}}, store, pub)

	w := doRequest(t, h, http.MethodPost, "/sensors/bedroom-01/config",
		`{"enabled":true,"motionDebounceSeconds":60,"ledEnabled":false}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}

	if len(store.updates) != 1 {
		t.Fatalf("updates = %d, want 1", len(store.updates))
	}
	if got := store.updates[0].MotionDebounceSeconds; got == nil || *got != 60 {
		t.Errorf("debounce update = %v", got)
	}

	if len(pub.topics) != 1 || pub.topics[0] != "sensors/bedroom-01/config" {
		t.Fatalf("topics = %v", pub.topics)
	}
	if !pub.retained[0] {
		t.Error("config push must be retained")
	}

	var device map[string]any
	if err := json.Unmarshal(pub.payloads[0], &device); err != nil {
		t.Fatal(err)
	}
	if device["motionDebounceSeconds"].(float64) != 60 {
		t.Errorf("device payload = %v", device)
	}
	if _, ok := device["quietHours"]; ok {
		t.Error("quiet hours are server-side only, not device config")
	}
}

func TestPushConfigUnknownSensor(t *testing.T) {
	h := testRouter(&fakeProvisioner{provisioned: map[string]bool{}},
		&fakeSensorStore{sensors: map[string]*database.Sensor{}}, &fakePublisher{})

	w := doRequest(t, h, http.MethodPost, "/sensors/nope/config", `{"enabled":true}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestPushConfigBrokerDownStillSaves(t *testing.T) {
	store := &fakeSensorStore{sensors: map[string]*database.Sensor{
		"bedroom-01": {SensorID: "bedroom-01"},
	}}
	pub := &fakePublisher{err: trace.ConnectionProblem(nil, "broker down")}
	h := testRouter(&fakeProvisioner{provisioned: map[string]bool{}}, store, pub)

	w := doRequest(t, h, http.MethodPost, "/sensors/bedroom-01/config", `{"enabled":true}`)
	if w.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202 when persisted but not pushed", w.Code)
	}
	if len(store.updates) != 1 {
		t.Error("config must persist even when the push fails")
	}
}

// ── Commands ─────────────────────────────────────────────────────────

func TestSendCommand(t *testing.T) {
	store := &fakeSensorStore{sensors: map[string]*database.Sensor{
		"bedroom-01": {SensorID: "bedroom-01"},
	}}
	pub := &fakePublisher{}
	h := testRouter(&fakeProvisioner{provisioned: map[string]bool{}}, store, pub)

	w := doRequest(t, h, http.MethodPost, "/sensors/bedroom-01/commands", `{"command":"restart"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}
	if len(pub.topics) != 1 || pub.topics[0] != "sensors/bedroom-01/commands" {
		t.Errorf("topics = %v", pub.topics)
	}
}

func TestSendCommandRejectsUnknown(t *testing.T) {
	store := &fakeSensorStore{sensors: map[string]*database.Sensor{
		"bedroom-01": {SensorID: "bedroom-01"},
	}}
	pub := &fakePublisher{}
	h := testRouter(&fakeProvisioner{provisioned: map[string]bool{}}, store, pub)

	w := doRequest(t, h, http.MethodPost, "/sensors/bedroom-01/commands", `{"command":"self_destruct"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if len(pub.topics) != 0 {
		t.Error("unknown command must not be published")
	}
}

func TestDisableCommandFlipsAdmissionFlag(t *testing.T) {
	store := &fakeSensorStore{sensors: map[string]*database.Sensor{
		"bedroom-01": {SensorID: "bedroom-01", Enabled: true},
	}}
	pub := &fakePublisher{}
	h := testRouter(&fakeProvisioner{provisioned: map[string]bool{}}, store, pub)

	w := doRequest(t, h, http.MethodPost, "/sensors/bedroom-01/commands", `{"command":"disable"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if len(store.updates) != 1 || store.updates[0].Enabled == nil || *store.updates[0].Enabled {
		t.Errorf("updates = %+v, want enabled=false", store.updates)
	}
}
