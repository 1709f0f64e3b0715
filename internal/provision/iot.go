package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/iot"
	"github.com/aws/aws-sdk-go-v2/service/iot/types"
	"github.com/gravitational/trace"
	"github.com/rs/zerolog"
)

// Certificate is the result of minting a device credential. PrivateKeyPEM is
// held in memory for the duration of the provisioning call and never persisted.
type Certificate struct {
	ID             string
	ARN            string
	CertificatePEM string
	PrivateKeyPEM  string
}

// IoTControl is the broker-side identity control plane. The AWS IoT
// implementation is awsIoT; tests use an in-memory fake.
type IoTControl interface {
	CreateThing(ctx context.Context, name string) (arn string, err error)
	DeleteThing(ctx context.Context, name string) error
	CreateCertificate(ctx context.Context) (*Certificate, error)
	DeactivateCertificate(ctx context.Context, certID string) error
	DeleteCertificate(ctx context.Context, certID string) error
	AttachThingPrincipal(ctx context.Context, thingName, certARN string) error
	DetachThingPrincipal(ctx context.Context, thingName, certARN string) error
	ListThingPrincipals(ctx context.Context, thingName string) ([]string, error)
	CreatePolicy(ctx context.Context, name, document string) error
	DeletePolicy(ctx context.Context, name string) error
	AttachPolicy(ctx context.Context, policyName, certARN string) error
	DetachPolicy(ctx context.Context, policyName, certARN string) error
	DescribeEndpoint(ctx context.Context) (string, error)
}

// ── AWS IoT ──────────────────────────────────────────────────────────

type AWSConfig struct {
	Region    string
	AccessKey string
	SecretKey string
}

type awsIoT struct {
	client *iot.Client
	log    zerolog.Logger
}

// NewAWSIoT creates the AWS IoT control-plane client. Static credentials are
// optional; without them the SDK's default chain applies.
func NewAWSIoT(ctx context.Context, cfg AWSConfig, log zerolog.Logger) (IoTControl, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, trace.Wrap(err, "aws config")
	}
	return &awsIoT{
		client: iot.NewFromConfig(awsCfg),
		log:    log.With().Str("component", "iot").Logger(),
	}, nil
}

func (a *awsIoT) CreateThing(ctx context.Context, name string) (string, error) {
	out, err := a.client.CreateThing(ctx, &iot.CreateThingInput{
		ThingName: aws.String(name),
	})
	if err != nil {
		if isAlreadyExists(err) {
			return "", trace.AlreadyExists("thing %s already exists", name)
		}
		return "", trace.ConnectionProblem(err, "create thing %s", name)
	}
	return aws.ToString(out.ThingArn), nil
}

func (a *awsIoT) DeleteThing(ctx context.Context, name string) error {
	_, err := a.client.DeleteThing(ctx, &iot.DeleteThingInput{
		ThingName: aws.String(name),
	})
	if err != nil && !isNotFound(err) {
		return trace.ConnectionProblem(err, "delete thing %s", name)
	}
	return nil
}

func (a *awsIoT) CreateCertificate(ctx context.Context) (*Certificate, error) {
	out, err := a.client.CreateKeysAndCertificate(ctx, &iot.CreateKeysAndCertificateInput{
		SetAsActive: true,
	})
	if err != nil {
		return nil, trace.ConnectionProblem(err, "create certificate")
	}
	return &Certificate{
		ID:             aws.ToString(out.CertificateId),
		ARN:            aws.ToString(out.CertificateArn),
		CertificatePEM: aws.ToString(out.CertificatePem),
		PrivateKeyPEM:  aws.ToString(out.KeyPair.PrivateKey),
	}, nil
}

func (a *awsIoT) DeactivateCertificate(ctx context.Context, certID string) error {
	_, err := a.client.UpdateCertificate(ctx, &iot.UpdateCertificateInput{
		CertificateId: aws.String(certID),
		NewStatus:     types.CertificateStatusInactive,
	})
	if err != nil && !isNotFound(err) {
		return trace.ConnectionProblem(err, "deactivate certificate %s", certID)
	}
	return nil
}

func (a *awsIoT) DeleteCertificate(ctx context.Context, certID string) error {
	_, err := a.client.DeleteCertificate(ctx, &iot.DeleteCertificateInput{
		CertificateId: aws.String(certID),
		ForceDelete:   true,
	})
	if err != nil && !isNotFound(err) {
		return trace.ConnectionProblem(err, "delete certificate %s", certID)
	}
	return nil
}

func (a *awsIoT) AttachThingPrincipal(ctx context.Context, thingName, certARN string) error {
	_, err := a.client.AttachThingPrincipal(ctx, &iot.AttachThingPrincipalInput{
		ThingName: aws.String(thingName),
		Principal: aws.String(certARN),
	})
	if err != nil {
		return trace.ConnectionProblem(err, "attach principal to %s", thingName)
	}
	return nil
}

func (a *awsIoT) DetachThingPrincipal(ctx context.Context, thingName, certARN string) error {
	_, err := a.client.DetachThingPrincipal(ctx, &iot.DetachThingPrincipalInput{
		ThingName: aws.String(thingName),
		Principal: aws.String(certARN),
	})
	if err != nil && !isNotFound(err) {
		return trace.ConnectionProblem(err, "detach principal from %s", thingName)
	}
	return nil
}

func (a *awsIoT) ListThingPrincipals(ctx context.Context, thingName string) ([]string, error) {
	out, err := a.client.ListThingPrincipals(ctx, &iot.ListThingPrincipalsInput{
		ThingName: aws.String(thingName),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, trace.ConnectionProblem(err, "list principals of %s", thingName)
	}
	return out.Principals, nil
}

func (a *awsIoT) CreatePolicy(ctx context.Context, name, document string) error {
	_, err := a.client.CreatePolicy(ctx, &iot.CreatePolicyInput{
		PolicyName:     aws.String(name),
		PolicyDocument: aws.String(document),
	})
	if err != nil && !isAlreadyExists(err) {
		return trace.ConnectionProblem(err, "create policy %s", name)
	}
	return nil
}

func (a *awsIoT) DeletePolicy(ctx context.Context, name string) error {
	_, err := a.client.DeletePolicy(ctx, &iot.DeletePolicyInput{
		PolicyName: aws.String(name),
	})
	if err != nil && !isNotFound(err) {
		return trace.ConnectionProblem(err, "delete policy %s", name)
	}
	return nil
}

func (a *awsIoT) AttachPolicy(ctx context.Context, policyName, certARN string) error {
	_, err := a.client.AttachPolicy(ctx, &iot.AttachPolicyInput{
		PolicyName: aws.String(policyName),
		Target:     aws.String(certARN),
	})
	if err != nil {
		return trace.ConnectionProblem(err, "attach policy %s", policyName)
	}
	return nil
}

func (a *awsIoT) DetachPolicy(ctx context.Context, policyName, certARN string) error {
	_, err := a.client.DetachPolicy(ctx, &iot.DetachPolicyInput{
		PolicyName: aws.String(policyName),
		Target:     aws.String(certARN),
	})
	if err != nil && !isNotFound(err) {
		return trace.ConnectionProblem(err, "detach policy %s", policyName)
	}
	return nil
}

func (a *awsIoT) DescribeEndpoint(ctx context.Context) (string, error) {
	out, err := a.client.DescribeEndpoint(ctx, &iot.DescribeEndpointInput{
		EndpointType: aws.String("iot:Data-ATS"),
	})
	if err != nil {
		return "", trace.ConnectionProblem(err, "describe endpoint")
	}
	return aws.ToString(out.EndpointAddress), nil
}

func isAlreadyExists(err error) bool {
	var e *types.ResourceAlreadyExistsException
	return errors.As(err, &e)
}

func isNotFound(err error) bool {
	var e *types.ResourceNotFoundException
	return errors.As(err, &e)
}

// certIDFromARN extracts the certificate id from a principal ARN of the form
// arn:aws:iot:region:account:cert/<id>.
func certIDFromARN(arn string) string {
	if i := strings.LastIndex(arn, "/"); i >= 0 {
		return arn[i+1:]
	}
	return arn
}

// policyDocument builds the topic-scoped authorization for one sensor: publish
// only on its own motion/status/register topics, subscribe only on its
// config/commands topics, connect only with a clientId equal to the thing name.
func policyDocument(region, sensorID string) string {
	topicARN := func(topic string) string {
		return fmt.Sprintf("arn:aws:iot:%s:*:topic/sensors/%s/%s", region, sensorID, topic)
	}
	filterARN := func(topic string) string {
		return fmt.Sprintf("arn:aws:iot:%s:*:topicfilter/sensors/%s/%s", region, sensorID, topic)
	}
	clientARN := fmt.Sprintf("arn:aws:iot:%s:*:client/%s", region, sensorID)

	return fmt.Sprintf(`{
  "Version": "2012-10-17",
  "Statement": [
    {"Effect": "Allow", "Action": "iot:Connect", "Resource": %q},
    {"Effect": "Allow", "Action": "iot:Publish",
     "Resource": [%q, %q, %q]},
    {"Effect": "Allow", "Action": "iot:Subscribe",
     "Resource": [%q, %q]},
    {"Effect": "Allow", "Action": "iot:Receive",
     "Resource": [%q, %q]}
  ]
}`,
		clientARN,
		topicARN("motion"), topicARN("status"), topicARN("register"),
		filterARN("config"), filterARN("commands"),
		topicARN("config"), topicARN("commands"))
}
