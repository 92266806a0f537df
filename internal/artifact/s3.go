package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/Brownie44l1/fruit-api/internal/config"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// ErrNotFound is returned when the object does not exist.
var ErrNotFound = errors.New("object not found")

// NewS3Client returns a new S3 client.
func NewS3Client(ctx context.Context, c config.S3Config) (*S3Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(c.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	svc := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if c.EndpointURL != "" {
			o.BaseEndpoint = aws.String(c.EndpointURL)
			o.UsePathStyle = true
		}
	})
	return &S3Client{
		svc:    svc,
		bucket: c.Bucket,
	}, nil
}

// S3Client is a client for S3.
type S3Client struct {
	svc    *s3.Client
	bucket string
}

// Upload uploads the content of r to key.
func (c *S3Client) Upload(ctx context.Context, r io.Reader, key string) error {
	uploader := manager.NewUploader(c.svc)
	if _, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   r,
	}); err != nil {
		return fmt.Errorf("upload s3://%s/%s: %w", c.bucket, key, err)
	}
	return nil
}

// UploadFile uploads the file at path to key.
func (c *S3Client) UploadFile(ctx context.Context, path, key string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	return c.Upload(ctx, f, key)
}

// Download uses a download manager to download an object from a bucket.
func (c *S3Client) Download(ctx context.Context, w io.WriterAt, key string) error {
	const partMiBs int64 = 16
	downloader := manager.NewDownloader(c.svc, func(d *manager.Downloader) {
		d.PartSize = partMiBs * 1024 * 1024
	})
	_, err := downloader.Download(ctx, w, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("s3://%s/%s: %w", c.bucket, key, ErrNotFound)
		}
		return fmt.Errorf("download s3://%s/%s: %w", c.bucket, key, err)
	}
	return nil
}

// DownloadFile downloads key to path. The file is only replaced when the
// download succeeds.
func (c *S3Client) DownloadFile(ctx context.Context, key, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".download-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := c.Download(ctx, tmp, key); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func isNotFound(err error) bool {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return false
	}
	switch ae.ErrorCode() {
	case "NoSuchKey", "NotFound", "NoSuchBucket":
		return true
	}
	return false
}
