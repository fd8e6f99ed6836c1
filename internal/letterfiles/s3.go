// internal/letterfiles/s3.go
// Package letterfiles provides S3-compatible storage operations for letter
// template files. Uploads land in a quarantine bucket via presigned URLs,
// and files that pass their virus scan are promoted to the internal bucket
// the rendering and proofing pipelines read from.
package letterfiles

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/oklog/ulid/v2"

	"github.com/nhs-notify/template-store-go/internal/model"
)

// uploadURLTTL is how long a presigned upload URL stays valid.
const uploadURLTTL = 15 * time.Minute

// S3Client wraps the AWS S3 client for letter file operations.
type S3Client struct {
	client           *s3.Client
	quarantineBucket string
	internalBucket   string
}

// NewS3Client creates a new S3 client for letter file operations. Credentials
// come from the default AWS chain; endpoint is optional and supports
// S3-compatible services like MinIO for local development.
func NewS3Client(ctx context.Context, endpoint, region, quarantineBucket, internalBucket string) (*S3Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if endpoint != "" {
		opts = append(opts, awsconfig.WithBaseEndpoint(endpoint))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		// Path-style addressing is required for MinIO and other
		// S3-compatible services.
		o.UsePathStyle = endpoint != ""
	})

	return &S3Client{
		client:           client,
		quarantineBucket: quarantineBucket,
		internalBucket:   internalBucket,
	}, nil
}

// NewVersionID mints a lexically sortable version identifier for an upload.
// Scan and validation callbacks assert this id, so later uploads supersede
// earlier results.
func NewVersionID() string {
	entropy := ulid.Monotonic(rand.Reader, 0)
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// UploadKey builds the object key for an uploaded letter file.
func UploadKey(fileType model.FileType, clientID, templateID, versionID string) string {
	return fmt.Sprintf("%s/%s/%s/%s", fileType, clientID, templateID, versionID)
}

// ProofKey builds the object key for a supplier-delivered proof file.
func ProofKey(clientID, templateID, fileName string) string {
	return fmt.Sprintf("proofs/%s/%s/%s", clientID, templateID, fileName)
}

// GenerateUploadURL generates a presigned PUT URL targeting the quarantine
// bucket, so clients upload directly without streaming through the service.
func (s *S3Client) GenerateUploadURL(ctx context.Context, key string) (string, time.Time, error) {
	presignClient := s3.NewPresignClient(s.client)

	expiresAt := time.Now().Add(uploadURLTTL)
	presignResult, err := presignClient.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.quarantineBucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = uploadURLTTL
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate presigned URL: %w", err)
	}

	return presignResult.URL, expiresAt, nil
}

// GenerateProofDownloadURL generates a presigned GET URL for a proof file in
// the internal bucket.
func (s *S3Client) GenerateProofDownloadURL(ctx context.Context, key string) (string, error) {
	presignClient := s3.NewPresignClient(s.client)

	presignResult, err := presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.internalBucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = uploadURLTTL
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}

	return presignResult.URL, nil
}

// Promote copies a scanned file from the quarantine bucket to the internal
// bucket. The quarantine copy is left for the bucket lifecycle policy to
// clean up.
func (s *S3Client) Promote(ctx context.Context, key string) error {
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.internalBucket),
		Key:        aws.String(key),
		CopySource: aws.String(s.quarantineBucket + "/" + key),
	})
	if err != nil {
		return fmt.Errorf("failed to promote letter file: %w", err)
	}
	return nil
}

// QuarantineObjectExists reports whether an uploaded object is present in the
// quarantine bucket.
func (s *S3Client) QuarantineObjectExists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.quarantineBucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound" {
			return false, nil
		}
		return false, fmt.Errorf("failed to get object metadata: %w", err)
	}
	return true, nil
}
