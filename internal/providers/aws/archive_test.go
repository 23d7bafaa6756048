// ABOUTME: Tests for the S3 snapshot archiver.
// ABOUTME: Verifies partitioned keys, uploaded bodies, and upload failures with a fake client.

package aws

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jfeddern/VulnLedger/internal/payload"
	"github.com/jfeddern/VulnLedger/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakeS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.input = params
	f.body = body
	return &s3.PutObjectOutput{}, nil
}

func TestArchiveKey(t *testing.T) {
	at := time.Date(2024, 3, 7, 9, 5, 4, 123456000, time.UTC)

	assert.Equal(t,
		"vulnerabilities/year=2024/month=03/day=07/data_2024-03-07T09:05:04.123456.json",
		ArchiveKey(types.RecordTypeVulnerability, at))
	assert.Equal(t,
		"remediations/year=2024/month=03/day=07/data_2024-03-07T09:05:04.123456.json",
		ArchiveKey(types.RecordTypeRemediation, at))

	local := time.Date(2024, 3, 8, 1, 0, 0, 0, time.FixedZone("UTC+3", 3*3600))
	assert.Contains(t, ArchiveKey(types.RecordTypeVulnerability, local), "day=07", "keys are partitioned by UTC date")
}

func TestS3Archiver_Archive(t *testing.T) {
	client := &fakeS3{}
	archiver := NewS3ArchiverWithClient(client, "vuln-data", testLogger())
	at := time.Date(2024, 3, 7, 0, 0, 0, 0, time.UTC)

	records := []payload.Object{
		{"id": payload.String("v1"), "severity": payload.String("HIGH")},
		{"id": payload.String("v2")},
	}

	uri, err := archiver.Archive(context.Background(), types.RecordTypeVulnerability, records, at)
	require.NoError(t, err)
	assert.Equal(t, "s3://vuln-data/"+ArchiveKey(types.RecordTypeVulnerability, at), uri)

	require.NotNil(t, client.input)
	assert.Equal(t, "vuln-data", aws.ToString(client.input.Bucket))
	assert.Equal(t, "application/json", aws.ToString(client.input.ContentType))

	decoded, err := payload.Parse(client.body)
	require.NoError(t, err)
	arr, ok := decoded.(payload.Array)
	require.True(t, ok)
	assert.Len(t, arr, 2)
}

func TestS3Archiver_EmptySnapshotIsArray(t *testing.T) {
	client := &fakeS3{}
	archiver := NewS3ArchiverWithClient(client, "vuln-data", testLogger())

	_, err := archiver.Archive(context.Background(), types.RecordTypeRemediation, nil, time.Now())
	require.NoError(t, err)
	assert.JSONEq(t, "[]", string(client.body))
}

func TestS3Archiver_UploadFailure(t *testing.T) {
	archiver := NewS3ArchiverWithClient(&fakeS3{err: errors.New("access denied")}, "vuln-data", testLogger())

	_, err := archiver.Archive(context.Background(), types.RecordTypeVulnerability, nil, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}
