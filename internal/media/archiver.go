// Package media mirrors downloaded attachments into an S3-compatible bucket
// so the CRM can serve them without round-tripping the messaging network.
package media

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/sablecrm/telebridge/internal/config"
)

// Archiver uploads attachment bytes under a deterministic key:
// <prefix>/<tenant>/<session>/<chat>/<filename>. Re-archiving the same
// attachment overwrites in place.
type Archiver struct {
	uploader *manager.Uploader
	bucket   string
	prefix   string
	logger   *slog.Logger
}

// New builds an archiver from config. Credentials come from the default AWS
// chain unless static keys are configured; Endpoint switches to an
// S3-compatible store (MinIO and friends).
func New(ctx context.Context, cfg config.MediaConfig, logger *slog.Logger) (*Archiver, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Archiver{
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		prefix:   strings.Trim(cfg.Prefix, "/"),
		logger:   logger.With("component", "media"),
	}, nil
}

// Archive stores the attachment and returns its object key.
func (a *Archiver) Archive(ctx context.Context, tenantID, sessionID, chatID, fileName, contentType string, data []byte) (string, error) {
	key := a.key(tenantID, sessionID, chatID, fileName)

	_, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}

	a.logger.Info("attachment archived", "key", key, "size", len(data))
	return key, nil
}

func (a *Archiver) key(tenantID, sessionID, chatID, fileName string) string {
	parts := make([]string, 0, 5)
	if a.prefix != "" {
		parts = append(parts, a.prefix)
	}
	if tenantID == "" {
		tenantID = "default"
	}
	if chatID == "" {
		chatID = "unscoped"
	}
	return path.Join(append(parts, tenantID, sessionID, chatID, sanitize(fileName))...)
}

// sanitize keeps object keys flat: path separators and control characters
// in attachment names must not create phantom directories.
func sanitize(name string) string {
	if name == "" {
		return "unnamed"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r == '/' || r == '\\':
			b.WriteRune('_')
		case r < 0x20:
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
