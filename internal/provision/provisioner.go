// Package provision binds physical sensors to broker identities. Provisioning
// is a linear script with a reverse-order cleanup list; the Sensor record is
// written last so its presence is the authoritative signal of success.
package provision

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/gravitational/trace"
	"github.com/rs/zerolog"

	"github.com/snarg/motion-engine/internal/database"
	"github.com/snarg/motion-engine/internal/metrics"
)

var (
	sensorIDPattern   = regexp.MustCompile(`^[A-Za-z0-9_-]{3,128}$`)
	contextRefPattern = regexp.MustCompile(`^spotify:(playlist|album|artist):[a-zA-Z0-9]+$`)
)

const keyWarning = "IMPORTANT: the private key below is returned exactly once and cannot be retrieved again. Store it securely now. If it is lost, the sensor must be deprovisioned and provisioned again."

// Store is the slice of the database the provisioner needs.
type Store interface {
	SensorExists(ctx context.Context, sensorID string) (bool, error)
	CreateSensor(ctx context.Context, s *database.Sensor) error
	GetSensor(ctx context.Context, sensorID string) (*database.Sensor, error)
	DeleteSensor(ctx context.Context, sensorID string) error
	GetUser(ctx context.Context, userID string) (*database.User, error)
}

// Request carries the provisioning parameters for one sensor. Zero debounce
// and timeout values inherit the owner's defaults.
type Request struct {
	SensorID                 string               `json:"sensorId"`
	UserID                   string               `json:"userId"`
	LocationLabel            string               `json:"locationLabel"`
	MotionDebounceSeconds    int                  `json:"motionDebounceSeconds"`
	InactivityTimeoutSeconds int                  `json:"inactivityTimeoutSeconds"`
	QuietHours               *database.QuietHours `json:"quietHours"`
	PlaybackTargetID         string               `json:"playbackTargetId"`
	PlaybackContextRef       string               `json:"playbackContextRef"`
}

// MQTTTopics echoes the topic strings the device will use.
type MQTTTopics struct {
	Motion   string `json:"motion"`
	Status   string `json:"status"`
	Register string `json:"register"`
	Config   string `json:"config"`
	Commands string `json:"commands"`
}

// CredentialBundle is the one-time response of a successful provisioning.
type CredentialBundle struct {
	SensorID          string     `json:"sensorId"`
	ThingHandle       string     `json:"thingHandle"`
	CertificateHandle string     `json:"certificateHandle"`
	CertificatePEM    string     `json:"certificatePem"`
	PrivateKeyPEM     string     `json:"privateKeyPem"`
	BrokerEndpoint    string     `json:"brokerEndpoint"`
	PolicyName        string     `json:"policyName"`
	Region            string     `json:"region"`
	MQTTTopics        MQTTTopics `json:"mqttTopics"`
	Warning           string     `json:"warning"`
}

type Provisioner struct {
	iot          IoTControl
	store        Store
	region       string
	policyPrefix string
	log          zerolog.Logger
}

type Options struct {
	IoT          IoTControl
	Store        Store
	Region       string
	PolicyPrefix string // default "sensor-policy-"
	Log          zerolog.Logger
}

func New(opts Options) *Provisioner {
	prefix := opts.PolicyPrefix
	if prefix == "" {
		prefix = "sensor-policy-"
	}
	return &Provisioner{
		iot:          opts.IoT,
		store:        opts.Store,
		region:       opts.Region,
		policyPrefix: prefix,
		log:          opts.Log.With().Str("component", "provision").Logger(),
	}
}

// Provision creates the broker identity, certificate, and policy for a sensor
// and writes its record. On any failure the completed steps are undone in
// reverse order, best-effort. The private key in the returned bundle exists
// nowhere else.
func (p *Provisioner) Provision(ctx context.Context, req Request) (*CredentialBundle, error) {
	bundle, err := p.provision(ctx, req)
	if err != nil {
		metrics.ProvisionTotal.WithLabelValues("provision", "error").Inc()
		return nil, err
	}
	metrics.ProvisionTotal.WithLabelValues("provision", "ok").Inc()
	return bundle, nil
}

func (p *Provisioner) provision(ctx context.Context, req Request) (*CredentialBundle, error) {
	if !sensorIDPattern.MatchString(req.SensorID) {
		return nil, trace.BadParameter("sensorId must match %s", sensorIDPattern)
	}
	if req.PlaybackContextRef != "" && !contextRefPattern.MatchString(req.PlaybackContextRef) {
		return nil, trace.BadParameter("playbackContextRef must be a playlist, album, or artist URI")
	}
	if req.UserID == "" {
		return nil, trace.BadParameter("userId is required")
	}

	user, err := p.store.GetUser(ctx, req.UserID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if req.MotionDebounceSeconds <= 0 {
		req.MotionDebounceSeconds = user.DefaultDebounceSeconds
	}
	if req.InactivityTimeoutSeconds <= 0 {
		req.InactivityTimeoutSeconds = user.DefaultTimeoutSeconds
	}

	exists, err := p.store.SensorExists(ctx, req.SensorID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if exists {
		return nil, trace.AlreadyExists("sensor %s is already provisioned", req.SensorID)
	}

	endpoint, err := p.iot.DescribeEndpoint(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	log := p.log.With().Str("sensor_id", req.SensorID).Logger()

	// Each completed step pushes its undo; on failure the list runs in
	// reverse with a fresh context so cancellation cannot strand resources.
	var cleanup []func(context.Context)
	fail := func(err error) (*CredentialBundle, error) {
		log.Warn().Err(err).Int("steps_to_undo", len(cleanup)).Msg("provisioning failed, compensating")
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i](cctx)
		}
		return nil, trace.Wrap(err)
	}

	thingARN, err := p.iot.CreateThing(ctx, req.SensorID)
	if err != nil {
		return fail(err)
	}
	cleanup = append(cleanup, func(c context.Context) {
		if err := p.iot.DeleteThing(c, req.SensorID); err != nil {
			log.Warn().Err(err).Msg("cleanup: delete thing failed")
		}
	})

	cert, err := p.iot.CreateCertificate(ctx)
	if err != nil {
		return fail(err)
	}
	cleanup = append(cleanup, func(c context.Context) {
		if err := p.iot.DeactivateCertificate(c, cert.ID); err != nil {
			log.Warn().Err(err).Msg("cleanup: deactivate certificate failed")
		}
		if err := p.iot.DeleteCertificate(c, cert.ID); err != nil {
			log.Warn().Err(err).Msg("cleanup: delete certificate failed")
		}
	})

	if err := p.iot.AttachThingPrincipal(ctx, req.SensorID, cert.ARN); err != nil {
		return fail(err)
	}
	cleanup = append(cleanup, func(c context.Context) {
		if err := p.iot.DetachThingPrincipal(c, req.SensorID, cert.ARN); err != nil {
			log.Warn().Err(err).Msg("cleanup: detach principal failed")
		}
	})

	policyName := p.policyPrefix + req.SensorID
	if err := p.iot.CreatePolicy(ctx, policyName, policyDocument(p.region, req.SensorID)); err != nil {
		return fail(err)
	}
	cleanup = append(cleanup, func(c context.Context) {
		if err := p.iot.DeletePolicy(c, policyName); err != nil {
			log.Warn().Err(err).Msg("cleanup: delete policy failed")
		}
	})

	if err := p.iot.AttachPolicy(ctx, policyName, cert.ARN); err != nil {
		return fail(err)
	}
	cleanup = append(cleanup, func(c context.Context) {
		if err := p.iot.DetachPolicy(c, policyName, cert.ARN); err != nil {
			log.Warn().Err(err).Msg("cleanup: detach policy failed")
		}
	})

	// Written last: a Sensor row means every prior step succeeded.
	err = p.store.CreateSensor(ctx, &database.Sensor{
		SensorID:                 req.SensorID,
		UserID:                   req.UserID,
		LocationLabel:            req.LocationLabel,
		Enabled:                  true,
		MotionDebounceSeconds:    req.MotionDebounceSeconds,
		InactivityTimeoutSeconds: req.InactivityTimeoutSeconds,
		QuietHours:               req.QuietHours,
		PlaybackTargetID:         req.PlaybackTargetID,
		PlaybackContextRef:       req.PlaybackContextRef,
		Status:                   database.SensorRegistered,
		ThingHandle:              thingARN,
		CertificateHandle:        cert.ARN,
	})
	if err != nil {
		return fail(err)
	}

	log.Info().
		Str("thing_arn", thingARN).
		Str("policy", policyName).
		Msg("sensor provisioned")

	topic := func(leaf string) string {
		return fmt.Sprintf("sensors/%s/%s", req.SensorID, leaf)
	}
	return &CredentialBundle{
		SensorID:          req.SensorID,
		ThingHandle:       thingARN,
		CertificateHandle: cert.ARN,
		CertificatePEM:    cert.CertificatePEM,
		PrivateKeyPEM:     cert.PrivateKeyPEM,
		BrokerEndpoint:    endpoint,
		PolicyName:        policyName,
		Region:            p.region,
		MQTTTopics: MQTTTopics{
			Motion:   topic("motion"),
			Status:   topic("status"),
			Register: topic("register"),
			Config:   topic("config"),
			Commands: topic("commands"),
		},
		Warning: keyWarning,
	}, nil
}

// Deprovision tears down a sensor's identity, certificates, policy, and
// record. Every step tolerates already-gone state, so a partial previous run
// is completed rather than failed.
func (p *Provisioner) Deprovision(ctx context.Context, sensorID string) error {
	if err := p.deprovision(ctx, sensorID); err != nil {
		metrics.ProvisionTotal.WithLabelValues("deprovision", "error").Inc()
		return err
	}
	metrics.ProvisionTotal.WithLabelValues("deprovision", "ok").Inc()
	return nil
}

func (p *Provisioner) deprovision(ctx context.Context, sensorID string) error {
	sensor, err := p.store.GetSensor(ctx, sensorID)
	if err != nil {
		return trace.Wrap(err)
	}
	log := p.log.With().Str("sensor_id", sensorID).Logger()
	policyName := p.policyPrefix + sensorID

	principals, err := p.iot.ListThingPrincipals(ctx, sensorID)
	if err != nil {
		return trace.Wrap(err)
	}
	// The recorded certificate may differ from what is attached after a
	// partial cleanup; detach whatever is actually there.
	if len(principals) == 0 && sensor.CertificateHandle != "" {
		principals = []string{sensor.CertificateHandle}
	}

	for _, certARN := range principals {
		if err := p.iot.DetachPolicy(ctx, policyName, certARN); err != nil {
			log.Warn().Err(err).Str("cert", certARN).Msg("detach policy failed")
		}
		if err := p.iot.DetachThingPrincipal(ctx, sensorID, certARN); err != nil {
			log.Warn().Err(err).Str("cert", certARN).Msg("detach principal failed")
		}
		certID := certIDFromARN(certARN)
		if err := p.iot.DeactivateCertificate(ctx, certID); err != nil {
			log.Warn().Err(err).Str("cert", certARN).Msg("deactivate certificate failed")
		}
		if err := p.iot.DeleteCertificate(ctx, certID); err != nil {
			log.Warn().Err(err).Str("cert", certARN).Msg("delete certificate failed")
		}
	}

	if err := p.iot.DeletePolicy(ctx, policyName); err != nil {
		log.Warn().Err(err).Msg("delete policy failed")
	}
	if err := p.iot.DeleteThing(ctx, sensorID); err != nil {
		log.Warn().Err(err).Msg("delete thing failed")
	}

	if err := p.store.DeleteSensor(ctx, sensorID); err != nil {
		return trace.Wrap(err)
	}
	log.Info().Msg("sensor deprovisioned")
	return nil
}
