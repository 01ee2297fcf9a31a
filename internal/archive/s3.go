// Package archive mirrors appended ledger entries to write-once object storage.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ILLUVRSE/certledger/internal/canonical"
	"github.com/ILLUVRSE/certledger/internal/hashengine"
	"github.com/ILLUVRSE/certledger/internal/models"
)

// Archiver stores a copy of a ledger entry outside the primary storage.
type Archiver interface {
	Archive(ctx context.Context, e models.LedgerEntry) error
}

type uploader interface {
	Upload(ctx context.Context, in *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Archiver writes canonical ledger entry JSON to S3 paths like:
//
//	s3://<bucket>/<prefix>/ledger/<stream>/YYYY/MM/DD/<entryID>.json
//
// Objects are created with If-None-Match: * so an existing copy is never overwritten.
type S3Archiver struct {
	bucket   string
	prefix   string
	uploader uploader
}

// NewS3Archiver creates an S3Archiver. Region and credentials come from the environment
// (AWS_REGION, AWS_PROFILE, AWS_ACCESS_KEY_ID/SECRET etc.).
// The prefix may be empty or a leading path (no leading slash required).
func NewS3Archiver(ctx context.Context, bucket string, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("%w: bucket required", models.ErrConfig)
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return newS3Archiver(bucket, prefix, manager.NewUploader(client)), nil
}

func newS3Archiver(bucket, prefix string, up uploader) *S3Archiver {
	return &S3Archiver{bucket: bucket, prefix: prefix, uploader: up}
}

// Archive canonicalizes the stored fields of e and uploads them. Verified and State are
// read-time values and are not archived.
func (s *S3Archiver) Archive(ctx context.Context, e models.LedgerEntry) error {
	if e.ID == "" {
		return fmt.Errorf("%w: entry without id", models.ErrInvalidRecord)
	}
	body, err := canonical.MarshalCanonical(Envelope(e))
	if err != nil {
		return fmt.Errorf("canonicalize entry %s: %w", e.ID, err)
	}

	key := s.ObjectKey(e)
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		IfNoneMatch: aws.String("*"),
		// Server-side encryption with S3-managed keys (SSE-S3).
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
		Metadata: map[string]string{
			"integrity-hash": e.IntegrityHash,
			"chain-hash":     e.Hash,
		},
	})
	if err != nil {
		return fmt.Errorf("s3 upload %s: %w", key, err)
	}
	return nil
}

// ObjectKey is the object path an entry is archived under.
func (s *S3Archiver) ObjectKey(e models.LedgerEntry) string {
	ts := e.Timestamp.UTC()
	if e.Timestamp.IsZero() {
		ts = time.Now().UTC()
	}
	year, month, day := ts.Date()
	return path.Join(s.prefix, "ledger", e.Stream,
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		fmt.Sprintf("%s.json", e.ID),
	)
}

// Envelope is the archived projection of an entry.
func Envelope(e models.LedgerEntry) map[string]interface{} {
	return map[string]interface{}{
		"id":            e.ID,
		"stream":        e.Stream,
		"sequence":      e.Sequence,
		"eventType":     e.EventType,
		"actorId":       e.ActorID,
		"payload":       e.Payload,
		"metadata":      e.Metadata,
		"timestamp":     hashengine.FormatTimestamp(e.Timestamp),
		"previousHash":  e.PreviousHash,
		"hash":          e.Hash,
		"integrityHash": e.IntegrityHash,
		"signature":     e.Signature,
		"keyVersion":    e.KeyVersion,
	}
}
