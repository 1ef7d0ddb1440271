package utils

import (
	"bytes"
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectPutter is the slice of the S3 client the archiver uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	AccessKeySecret string
	Bucket          string
}

// R2Archiver stores raw box bytes in an R2 bucket, one object per
// (app, bounty, round).
type R2Archiver struct {
	client ObjectPutter
	bucket string
}

func NewR2Archiver(ctx context.Context, cfg R2Config) (*R2Archiver, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion("auto"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.AccessKeySecret, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load R2 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID))
	})
	return NewR2ArchiverWithClient(client, cfg.Bucket), nil
}

func NewR2ArchiverWithClient(client ObjectPutter, bucket string) *R2Archiver {
	return &R2Archiver{client: client, bucket: bucket}
}

// SnapshotKey is the object key for a box read at round.
func SnapshotKey(appID, bountyID, round uint64) string {
	return fmt.Sprintf("boxes/%d/%d/%d.bin", appID, bountyID, round)
}

func (a *R2Archiver) ArchiveBox(ctx context.Context, appID, bountyID, round uint64, raw []byte) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(SnapshotKey(appID, bountyID, round)),
		Body:        bytes.NewReader(raw),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"app-id":    strconv.FormatUint(appID, 10),
			"bounty-id": strconv.FormatUint(bountyID, 10),
			"round":     strconv.FormatUint(round, 10),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload box snapshot to R2: %w", err)
	}
	return nil
}
