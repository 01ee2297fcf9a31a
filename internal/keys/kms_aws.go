package keys

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/aws/smithy-go"

	"github.com/ILLUVRSE/certledger/internal/models"
)

// AWSKMSAPI is the subset of *kms.Client used by AWSKMSClient.
type AWSKMSAPI interface {
	Sign(ctx context.Context, in *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
	Verify(ctx context.Context, in *kms.VerifyInput, optFns ...func(*kms.Options)) (*kms.VerifyOutput, error)
	GetPublicKey(ctx context.Context, in *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
	DescribeKey(ctx context.Context, in *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error)
}

// AWSKMSClient signs SHA-256 digests with an asymmetric AWS KMS key using
// RSASSA_PKCS1_V1_5_SHA_256.
type AWSKMSClient struct {
	api AWSKMSAPI
}

// NewAWSKMSClient loads the default AWS configuration (AWS_REGION, AWS_PROFILE, static
// credentials, ...). endpoint overrides the service URL when set. SDK retries are
// disabled; KMSBackend owns the retry policy.
func NewAWSKMSClient(ctx context.Context, region, endpoint string) (*AWSKMSClient, error) {
	opts := []func(*awsConfig.LoadOptions) error{awsConfig.WithRetryMaxAttempts(1)}
	if region != "" {
		opts = append(opts, awsConfig.WithRegion(region))
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := kms.NewFromConfig(cfg, func(o *kms.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return NewAWSKMSClientFromAPI(client), nil
}

// NewAWSKMSClientFromAPI wraps an existing KMS API implementation.
func NewAWSKMSClientFromAPI(api AWSKMSAPI) *AWSKMSClient {
	return &AWSKMSClient{api: api}
}

func (c *AWSKMSClient) Sign(ctx context.Context, keyID string, digest []byte) ([]byte, error) {
	out, err := c.api.Sign(ctx, &kms.SignInput{
		KeyId:            aws.String(keyID),
		Message:          digest,
		MessageType:      kmstypes.MessageTypeDigest,
		SigningAlgorithm: kmstypes.SigningAlgorithmSpecRsassaPkcs1V15Sha256,
	})
	if err != nil {
		return nil, classifyAWSError("sign", err)
	}
	if len(out.Signature) == 0 {
		return nil, &models.BackendError{Op: "sign", Err: errors.New("kms returned an empty signature")}
	}
	return out.Signature, nil
}

// Verify reports an invalid signature as (false, nil).
func (c *AWSKMSClient) Verify(ctx context.Context, keyID string, digest, sig []byte) (bool, error) {
	out, err := c.api.Verify(ctx, &kms.VerifyInput{
		KeyId:            aws.String(keyID),
		Message:          digest,
		MessageType:      kmstypes.MessageTypeDigest,
		Signature:        sig,
		SigningAlgorithm: kmstypes.SigningAlgorithmSpecRsassaPkcs1V15Sha256,
	})
	if err != nil {
		var invalid *kmstypes.KMSInvalidSignatureException
		if errors.As(err, &invalid) {
			return false, nil
		}
		return false, classifyAWSError("verify", err)
	}
	return out.SignatureValid, nil
}

func (c *AWSKMSClient) GetPublicKey(ctx context.Context, keyID string) ([]byte, error) {
	out, err := c.api.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: aws.String(keyID)})
	if err != nil {
		return nil, classifyAWSError("getPublicKey", err)
	}
	if out.KeySpec != "" && out.KeySpec != kmstypes.KeySpecRsa2048 {
		return nil, &models.BackendError{Op: "getPublicKey", Err: fmt.Errorf("key spec %s, want %s", out.KeySpec, kmstypes.KeySpecRsa2048)}
	}
	return out.PublicKey, nil
}

func (c *AWSKMSClient) DescribeKey(ctx context.Context, keyID string) (KeyDescription, error) {
	out, err := c.api.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: aws.String(keyID)})
	if err != nil {
		return KeyDescription{}, classifyAWSError("describeKey", err)
	}
	md := out.KeyMetadata
	if md == nil {
		return KeyDescription{}, &models.BackendError{Op: "describeKey", Err: errors.New("kms returned no key metadata")}
	}
	desc := KeyDescription{
		KeyID:   aws.ToString(md.KeyId),
		Enabled: md.Enabled && md.KeyState == kmstypes.KeyStateEnabled,
		KeySpec: string(md.KeySpec),
	}
	if md.CreationDate != nil {
		desc.CreatedAt = md.CreationDate.UTC()
	}
	return desc, nil
}

// classifyAWSError marks throttling and service-side faults as transient. Access,
// disabled, not-found and validation errors are permanent. Errors without an API code
// are network failures and are retried unless the caller gave up.
func classifyAWSError(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "KMSInternalException",
			"DependencyTimeoutException",
			"ThrottlingException",
			"KeyUnavailableException",
			"LimitExceededException",
			"ServiceUnavailableException":
			return &models.BackendError{Op: op, Transient: true, Err: err}
		default:
			return &models.BackendError{Op: op, Err: err}
		}
	}
	if errors.Is(err, context.Canceled) {
		return &models.BackendError{Op: op, Err: err}
	}
	return &models.BackendError{Op: op, Transient: true, Err: err}
}
