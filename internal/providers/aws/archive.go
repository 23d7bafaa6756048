// ABOUTME: S3 snapshot archiver for fetched vulnerability and remediation listings.
// ABOUTME: Writes each snapshot as JSON under a date-partitioned key.

package aws

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jfeddern/VulnLedger/internal/payload"
	"github.com/jfeddern/VulnLedger/internal/types"
	"github.com/sirupsen/logrus"
)

const archiveTimestampLayout = "2006-01-02T15:04:05.000000"

// PutObjectAPI is the subset of the S3 client used here
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver uploads sync snapshots to a bucket
type S3Archiver struct {
	client PutObjectAPI
	bucket string
	logger *logrus.Logger
}

// NewS3Archiver creates an archiver backed by an S3 client built from the default AWS config
func NewS3Archiver(ctx context.Context, bucket, region string, logger *logrus.Logger) (*S3Archiver, error) {
	cfg, err := LoadConfig(ctx, region, logger)
	if err != nil {
		return nil, err
	}
	return NewS3ArchiverWithClient(s3.NewFromConfig(cfg), bucket, logger), nil
}

// NewS3ArchiverWithClient creates an archiver around an existing client
func NewS3ArchiverWithClient(client PutObjectAPI, bucket string, logger *logrus.Logger) *S3Archiver {
	return &S3Archiver{
		client: client,
		bucket: bucket,
		logger: logger,
	}
}

// ArchiveKey returns <type>/year=YYYY/month=MM/day=DD/data_<timestamp>.json for a snapshot taken at at
func ArchiveKey(recordType types.RecordType, at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("%s/year=%04d/month=%02d/day=%02d/data_%s.json",
		archivePrefix(recordType), at.Year(), int(at.Month()), at.Day(), at.Format(archiveTimestampLayout))
}

func archivePrefix(recordType types.RecordType) string {
	switch recordType {
	case types.RecordTypeVulnerability:
		return "vulnerabilities"
	case types.RecordTypeRemediation:
		return "remediations"
	default:
		return string(recordType)
	}
}

// Archive uploads records and returns the s3:// URI of the object
func (a *S3Archiver) Archive(ctx context.Context, recordType types.RecordType, records []payload.Object, at time.Time) (string, error) {
	if records == nil {
		records = []payload.Object{}
	}

	body, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode %s snapshot: %w", recordType, err)
	}

	key := ArchiveKey(recordType, at)
	uri := fmt.Sprintf("s3://%s/%s", a.bucket, key)

	logger := a.logger.WithFields(logrus.Fields{
		"uri":     uri,
		"records": len(records),
	})

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		logger.WithError(err).Error("Failed to upload snapshot")
		return "", fmt.Errorf("failed to upload %s: %w", uri, err)
	}

	logger.Info("Snapshot archived")
	return uri, nil
}
