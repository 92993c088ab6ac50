package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"roomops/internal/domain"
)

type S3Config struct {
	Bucket string `yaml:"bucket" json:"bucket"`
	Prefix string `yaml:"prefix" json:"prefix"`
}

type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Sink archives each entry as its own JSON object:
//
//	s3://<bucket>/<prefix>/audit/YYYY/MM/DD/<correlationId>-<seq>.json
type S3Sink struct {
	bucket   string
	prefix   string
	uploader uploader
}

// NewS3Sink picks up region and credentials from the standard AWS environment.
func NewS3Sink(ctx context.Context, cfg S3Config) (*S3Sink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	return &S3Sink{
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		uploader: manager.NewUploader(client),
	}, nil
}

func (s *S3Sink) ObjectKey(entry domain.AuditEntry) string {
	year, month, day := entry.Timestamp.UTC().Date()
	return path.Join(s.prefix, "audit",
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		fmt.Sprintf("%s-%d.json", entry.CorrelationID, entry.Seq),
	)
}

func (s *S3Sink) Write(ctx context.Context, entry domain.AuditEntry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(s.ObjectKey(entry)),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}
	return nil
}
