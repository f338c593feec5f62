package services

import (
	"context"
	"fmt"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsCfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectPutter is the slice of the S3 client the uploader needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type StorageConfig struct {
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	EndpointURL     string
}

type Uploader struct {
	client   ObjectPutter
	bucket   string
	region   string
	endpoint string
	now      func() time.Time
}

// NewS3Client builds an S3 client, honoring a custom endpoint and static keys when set.
func NewS3Client(ctx context.Context, sc StorageConfig) (*s3.Client, error) {
	opts := []func(*awsCfg.LoadOptions) error{awsCfg.WithRegion(sc.Region)}
	if sc.AccessKeyID != "" && sc.SecretAccessKey != "" {
		opts = append(opts, awsCfg.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(sc.AccessKeyID, sc.SecretAccessKey, "")))
	}
	cfg, err := awsCfg.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if sc.EndpointURL != "" {
			o.BaseEndpoint = aws.String(sc.EndpointURL) // e.g., http://localstack:4566
			o.UsePathStyle = true
		}
	}), nil
}

func NewUploader(client ObjectPutter, sc StorageConfig) *Uploader {
	return &Uploader{
		client:   client,
		bucket:   sc.Bucket,
		region:   sc.Region,
		endpoint: strings.TrimRight(sc.EndpointURL, "/"),
		now:      time.Now,
	}
}

// ObjectKey names an upload: defects/<unix-ms>_<basename>.
func (u *Uploader) ObjectKey(localPath string) string {
	return fmt.Sprintf("defects/%d_%s", u.now().UnixMilli(), filepath.Base(localPath))
}

// UploadFile puts a local file into the bucket and returns its public URL.
func (u *Uploader) UploadFile(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	key := u.ObjectKey(localPath)
	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(localPath)))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	return u.PublicURL(key), nil
}

func (u *Uploader) PublicURL(key string) string {
	escaped := (&url.URL{Path: key}).EscapedPath()
	if u.endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", u.endpoint, u.bucket, escaped)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", u.bucket, u.region, escaped)
}
