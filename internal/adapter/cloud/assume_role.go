package cloud

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

// roleARNPattern is enforced before any network call.
var roleARNPattern = regexp.MustCompile(`^arn:aws:iam::\d{12}:role/[\w+=,.@/-]+$`)

// ErrInvalidRoleARN rejects malformed customer role ARNs.
var ErrInvalidRoleARN = errors.New("cloud: invalid role arn")

const (
	sessionSeconds    = 3600
	intermediaryName  = "comp-role-assumer"
	customerSessionID = "comp-customer-session"
	defaultRegion     = "us-east-1"
)

// STSAPI is the subset of the STS client used by the assumer.
type STSAPI interface {
	AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

// EC2API is the subset of the EC2 client used for region validation.
type EC2API interface {
	DescribeAccountAttributes(ctx context.Context, params *ec2.DescribeAccountAttributesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeAccountAttributesOutput, error)
}

// RegionCheckKind classifies a failed region probe for user feedback.
type RegionCheckKind string

const (
	RegionOK                RegionCheckKind = "ok"
	RegionServiceNotEnabled RegionCheckKind = "service_not_enabled"
	RegionAccessDenied      RegionCheckKind = "access_denied"
	RegionOtherError        RegionCheckKind = "error"
)

// RegionResult is the outcome of one region's validation probe.
type RegionResult struct {
	Region  string          `json:"region"`
	Kind    RegionCheckKind `json:"kind"`
	Message string          `json:"message,omitempty"`
}

// RoleAssumer performs the two-hop assumption: the platform's base identity
// assumes the fixed intermediary role, and the intermediary's temporary
// credentials assume the customer's role with the customer's external id.
// Long-lived customer keys are never exchanged.
type RoleAssumer struct {
	baseCfg         aws.Config
	intermediaryARN string
	newSTS          func(aws.Config) STSAPI
	newEC2          func(aws.Config) EC2API
	logger          *zap.Logger
}

// NewRoleAssumer loads the base AWS identity and validates the intermediary
// role ARN from configuration. A missing intermediary ARN is a configuration
// error, not a per-call failure.
func NewRoleAssumer(ctx context.Context, intermediaryARN, accessKey, secretKey string, logger *zap.Logger) (*RoleAssumer, error) {
	if !roleARNPattern.MatchString(intermediaryARN) {
		return nil, fmt.Errorf("cloud: intermediary role arn %q: %w", intermediaryARN, ErrInvalidRoleARN)
	}

	var opts []func(*awsconfig.LoadOptions) error
	if accessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if cfg.Region == "" {
		cfg.Region = defaultRegion
	}

	return &RoleAssumer{
		baseCfg:         cfg,
		intermediaryARN: intermediaryARN,
		newSTS:          func(c aws.Config) STSAPI { return sts.NewFromConfig(c) },
		newEC2:          func(c aws.Config) EC2API { return ec2.NewFromConfig(c) },
		logger:          logger,
	}, nil
}

// Assume runs both hops and returns the customer-scoped temporary credentials.
func (a *RoleAssumer) Assume(ctx context.Context, customerRoleARN, externalID string) (aws.Credentials, error) {
	if !roleARNPattern.MatchString(customerRoleARN) {
		return aws.Credentials{}, fmt.Errorf("cloud: customer role arn %q: %w", customerRoleARN, ErrInvalidRoleARN)
	}

	intermediary, err := a.assumeWith(ctx, a.baseCfg, a.intermediaryARN, intermediaryName, "")
	if err != nil {
		return aws.Credentials{}, fmt.Errorf("assume intermediary role: %w", err)
	}

	hopCfg := a.baseCfg.Copy()
	hopCfg.Credentials = credentials.NewStaticCredentialsProvider(
		intermediary.AccessKeyID, intermediary.SecretAccessKey, intermediary.SessionToken,
	)

	customer, err := a.assumeWith(ctx, hopCfg, customerRoleARN, customerSessionID, externalID)
	if err != nil {
		return aws.Credentials{}, fmt.Errorf("assume customer role: %w", err)
	}
	return customer, nil
}

// Validate assumes the customer role and probes every selected region with a
// cheap read-only describe call. All regions must pass for overall success;
// each failure identifies its region and failure kind.
func (a *RoleAssumer) Validate(ctx context.Context, customerRoleARN, externalID string, regions []string) ([]RegionResult, error) {
	if len(regions) == 0 {
		return nil, errors.New("cloud: no regions selected")
	}

	creds, err := a.Assume(ctx, customerRoleARN, externalID)
	if err != nil {
		return nil, err
	}

	results := make([]RegionResult, 0, len(regions))
	allOK := true
	for _, region := range regions {
		regionCfg := a.baseCfg.Copy()
		regionCfg.Region = region
		regionCfg.Credentials = credentials.NewStaticCredentialsProvider(
			creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken,
		)

		result := RegionResult{Region: region, Kind: RegionOK}
		if _, err := a.newEC2(regionCfg).DescribeAccountAttributes(ctx, &ec2.DescribeAccountAttributesInput{}); err != nil {
			result.Kind = classifyRegionError(err)
			result.Message = err.Error()
			allOK = false
			if a.logger != nil {
				a.logger.Warn("region validation failed",
					zap.String("region", region),
					zap.String("kind", string(result.Kind)),
					zap.Error(err),
				)
			}
		}
		results = append(results, result)
	}

	if !allOK {
		return results, fmt.Errorf("cloud: validation failed in one or more regions")
	}
	return results, nil
}

func (a *RoleAssumer) assumeWith(ctx context.Context, cfg aws.Config, roleARN, sessionName, externalID string) (aws.Credentials, error) {
	input := &sts.AssumeRoleInput{
		RoleArn:         aws.String(roleARN),
		RoleSessionName: aws.String(sessionName),
		DurationSeconds: aws.Int32(sessionSeconds),
	}
	if externalID != "" {
		input.ExternalId = aws.String(externalID)
	}

	out, err := a.newSTS(cfg).AssumeRole(ctx, input)
	if err != nil {
		return aws.Credentials{}, err
	}
	if out.Credentials == nil {
		return aws.Credentials{}, errors.New("assume role returned no credentials")
	}

	result := aws.Credentials{
		AccessKeyID:     aws.ToString(out.Credentials.AccessKeyId),
		SecretAccessKey: aws.ToString(out.Credentials.SecretAccessKey),
		SessionToken:    aws.ToString(out.Credentials.SessionToken),
		Source:          "AssumeRole",
	}
	if out.Credentials.Expiration != nil {
		result.CanExpire = true
		result.Expires = *out.Credentials.Expiration
	}
	return result, nil
}

func classifyRegionError(err error) RegionCheckKind {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return RegionOtherError
	}
	switch apiErr.ErrorCode() {
	case "OptInRequired", "InvalidClientTokenId":
		return RegionServiceNotEnabled
	case "UnauthorizedOperation", "AccessDenied", "AuthFailure", "AccessDeniedException":
		return RegionAccessDenied
	default:
		return RegionOtherError
	}
}

