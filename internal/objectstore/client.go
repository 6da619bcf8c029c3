// Package objectstore wraps the AWS S3 SDK for talking to the MinIO
// deployment that holds models, LoRAs, workflows and generated artifacts.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	awshttp "github.com/aws/smithy-go/transport/http"
	"github.com/dustin/go-humanize"

	"github.com/visionsuit/gpu-agent/internal/agentconfig"
	"github.com/visionsuit/gpu-agent/internal/agenthttp"
	"github.com/visionsuit/gpu-agent/logger"
)

const defaultRegion = "us-east-1"

// Client is a bucket-agnostic MinIO/S3 client. Bucket names arrive per
// request because each dispatch envelope may name its own buckets.
type Client struct {
	s3         *s3.Client
	uploader   *manager.Uploader
	downloader *manager.Downloader
	logger     logger.Logger
}

// NewClient builds a Client from the agent's object store settings. MinIO
// deployments rarely have per-bucket subdomains, so path-style addressing is
// always used.
func NewClient(ctx context.Context, l logger.Logger, conf agentconfig.Minio) (*Client, error) {
	region := conf.Region
	if region == "" {
		region = defaultRegion
	}

	// Model downloads run to gigabytes, so the shared client carries no
	// request timeout. Cancellation comes from the job context.
	httpClient := agenthttp.NewClient(
		agenthttp.WithNoTimeout,
		agenthttp.WithInsecureSkipVerify(!conf.VerifyTLS),
	)

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithHTTPClient(httpClient),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(conf.AccessKey, conf.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("could not load the AWS SDK config: %w", err)
	}

	endpoint := EndpointURL(conf.Endpoint, conf.Secure)
	l.Debug("Object store endpoint: %q (region %q)", endpoint, region)

	s3client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})

	return &Client{
		s3:         s3client,
		uploader:   manager.NewUploader(s3client),
		downloader: manager.NewDownloader(s3client),
		logger:     l,
	}, nil
}

// EndpointURL normalizes a configured endpoint into a full URL. Bare
// host:port values get a scheme chosen by the secure flag; values that
// already carry a scheme pass through untouched.
func EndpointURL(endpoint string, secure bool) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	scheme := "http"
	if secure {
		scheme = "https"
	}
	return scheme + "://" + endpoint
}

// Download fetches an object into dest. The write goes through a temporary
// sibling file and a rename so a crashed download never leaves a truncated
// file at the destination path.
func (c *Client) Download(ctx context.Context, bucket, key, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", dest, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".download-*")
	if err != nil {
		return fmt.Errorf("creating temporary download file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	n, err := c.downloader.Download(ctx, tmp, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("downloading s3://%s/%s: %w", bucket, key, err)
	}

	if err := os.Rename(tmpName, dest); err != nil {
		return fmt.Errorf("moving download into place at %s: %w", dest, err)
	}

	c.logger.Debug("Downloaded s3://%s/%s (%s) to %s", bucket, key, humanize.IBytes(uint64(n)), dest)
	return nil
}

// Upload stores a local file as an object. A sha256 entry is added to the
// user metadata when the caller didn't supply one, so every uploaded object
// carries its own integrity record.
func (c *Client) Upload(ctx context.Context, bucket, key, path string, metadata map[string]string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s for upload: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("inspecting %s for upload: %w", path, err)
	}

	meta := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		meta[strings.ToLower(k)] = v
	}
	if meta["sha256"] == "" {
		sum, err := SHA256File(path)
		if err != nil {
			return fmt.Errorf("hashing %s for upload: %w", path, err)
		}
		meta["sha256"] = sum
	}

	c.logger.Debug("Uploading %s (%s) to s3://%s/%s", path, humanize.IBytes(uint64(info.Size())), bucket, key)

	_, err = c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(ContentTypeFor(path)),
		Metadata:    meta,
	})
	if err != nil {
		return fmt.Errorf("uploading s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

// HeadMetadata returns an object's user metadata with case-folded keys.
// Lookup failures come back as an empty map: callers treat remote metadata
// as a best-effort enrichment, never a requirement.
func (c *Client) HeadMetadata(ctx context.Context, bucket, key string) map[string]string {
	head, err := c.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		c.logger.Debug("No metadata for s3://%s/%s: %v", bucket, key, err)
		return map[string]string{}
	}

	meta := make(map[string]string, len(head.Metadata))
	for k, v := range head.Metadata {
		meta[strings.ToLower(k)] = v
	}
	return meta
}

// ContentTypeFor guesses a MIME type from the file extension, falling back
// to a generic binary type.
func ContentTypeFor(path string) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return "application/octet-stream"
}

// IsNotFound reports whether err is the object store saying the object or
// bucket doesn't exist.
func IsNotFound(err error) bool {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == http.StatusNotFound
	}
	return false
}

// IsAuthFailure reports whether err is the object store rejecting our
// credentials.
func IsAuthFailure(err error) bool {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == http.StatusForbidden
	}
	return false
}
