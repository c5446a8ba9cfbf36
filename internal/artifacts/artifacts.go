// Package artifacts stores run artifacts (failure screenshots, reports) in an
// S3-compatible bucket, or in a local results directory when no bucket is
// configured. For tests, use gofakes3.
package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/kuitang/critico-e2e/internal/config"
)

// ErrObjectNotFound is returned when a requested object does not exist.
var ErrObjectNotFound = errors.New("artifacts: object not found")

// Sink persists one artifact and returns where it went.
type Sink interface {
	Save(ctx context.Context, key string, content []byte, contentType string) (string, error)
}

// Store wraps an S3 client bound to one bucket.
type Store struct {
	s3Client   *s3.Client
	bucketName string
}

var _ Sink = (*Store)(nil)

// Config holds the settings for creating a Store.
type Config struct {
	// Endpoint is the S3 endpoint URL. Leave empty for AWS S3.
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	// UsePathStyle is required by most S3-compatible services and gofakes3.
	UsePathStyle bool
}

// ConfigFrom derives store settings from the run configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Endpoint:        cfg.ArtifactsEndpoint,
		Region:          cfg.ArtifactsRegion,
		AccessKeyID:     cfg.AWSAccessKeyID,
		SecretAccessKey: cfg.AWSSecretKey,
		BucketName:      cfg.ArtifactsBucket,
		UsePathStyle:    cfg.ArtifactsEndpoint != "",
	}
}

// New creates a Store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.BucketName == "" {
		return nil, fmt.Errorf("artifacts: no bucket configured")
	}
	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	sdkConfig, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	s3Client := s3.NewFromConfig(sdkConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return &Store{s3Client: s3Client, bucketName: cfg.BucketName}, nil
}

// NewFromS3Client creates a Store from an existing S3 client.
func NewFromS3Client(s3Client *s3.Client, bucketName string) *Store {
	return &Store{s3Client: s3Client, bucketName: bucketName}
}

// Open returns an S3 sink when cfg names a bucket and a directory sink under
// cfg.ResultsDir otherwise.
func Open(ctx context.Context, cfg *config.Config) (Sink, error) {
	if cfg.ArtifactsBucket == "" {
		return Dir(cfg.ResultsDir), nil
	}
	return New(ctx, ConfigFrom(cfg))
}

// Save stores content under key and returns its s3:// location.
func (s *Store) Save(ctx context.Context, key string, content []byte, contentType string) (string, error) {
	_, err := s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucketName),
		Key:         aws.String(key),
		Body:        bytes.NewReader(content),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("artifacts: failed to put object %q: %w", key, err)
	}
	return s.Location(key), nil
}

// Get retrieves the content stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrObjectNotFound
		}
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("artifacts: failed to get object %q: %w", key, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("artifacts: failed to read object body %q: %w", key, err)
	}
	return data, nil
}

// List returns the keys under prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(s.s3Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucketName),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("artifacts: failed to list %q: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// Delete removes the object at key. A missing object is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("artifacts: failed to delete object %q: %w", key, err)
	}
	return nil
}

// Location returns the s3:// URI of key.
func (s *Store) Location(key string) string {
	return "s3://" + s.bucketName + "/" + strings.TrimPrefix(key, "/")
}

// Dir is a Sink writing below a local directory.
type Dir string

// Save writes content to dir/key, creating parent directories.
func (d Dir) Save(_ context.Context, key string, content []byte, _ string) (string, error) {
	path := filepath.Join(string(d), filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("artifacts: create dir: %w", err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", fmt.Errorf("artifacts: write %s: %w", path, err)
	}
	return path, nil
}

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ScreenshotKey names a failure screenshot: runs/<scope>/<test>/<unix-nanos>.png.
// Subtest slashes and other unsafe characters in test become underscores.
func ScreenshotKey(scope, test string, at time.Time) string {
	return fmt.Sprintf("runs/%s/%s/%d.png", scope, unsafeKeyChars.ReplaceAllString(test, "_"), at.UnixNano())
}

// ReportKey names a rendered report: runs/<scope>/report.<ext>.
func ReportKey(scope, ext string) string {
	return fmt.Sprintf("runs/%s/report.%s", scope, strings.TrimPrefix(ext, "."))
}
