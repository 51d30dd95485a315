package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/clinicpay/internal/config"
)

var Module = fx.Module("providers.storage",
	fx.Provide(NewArchive),
)

// Archive keeps a copy of documents sent to customers.
type Archive interface {
	Put(ctx context.Context, key, contentType string, data []byte) error
}

// S3PutAPI is the subset of *s3.Client the archive uses.
type S3PutAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Archive struct {
	client S3PutAPI
	bucket string
	prefix string
}

// NewArchive returns nil when no bucket is configured.
func NewArchive(cfg config.Config, log *zap.Logger) (Archive, error) {
	bucket := strings.TrimSpace(cfg.Archive.Bucket)
	if bucket == "" {
		return nil, nil
	}
	client, err := NewS3Client(context.Background(), cfg.Fanout.AWSRegion, cfg.Fanout.AWSEndpoint)
	if err != nil {
		return nil, err
	}
	if log != nil {
		log.Named("providers.storage").Info("receipt archive enabled", zap.String("bucket", bucket))
	}
	return NewS3Archive(client, bucket, cfg.Archive.Prefix)
}

// NewS3Client loads the default AWS credential chain. A custom endpoint
// switches to path-style addressing, which local S3 stand-ins expect.
func NewS3Client(ctx context.Context, region, endpoint string) (*s3.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint = strings.TrimSpace(endpoint); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

func NewS3Archive(client S3PutAPI, bucket, prefix string) (*S3Archive, error) {
	if client == nil {
		return nil, errors.New("nil s3 client")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("empty archive bucket")
	}
	return &S3Archive{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

func (a *S3Archive) Put(ctx context.Context, key, contentType string, data []byte) error {
	if key = strings.Trim(key, "/"); key == "" {
		return errors.New("empty archive key")
	}
	if a.prefix != "" {
		key = path.Join(a.prefix, key)
	}
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(a.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(data),
		ContentType:          aws.String(contentType),
		ContentLength:        aws.Int64(int64(len(data))),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", a.bucket, key, err)
	}
	return nil
}

// ReceiptKey files receipts by the month they were paid in.
func ReceiptKey(paidAt time.Time, receiptNumber string) string {
	return fmt.Sprintf("receipts/%s/%s.pdf", paidAt.UTC().Format("2006/01"), receiptNumber)
}
