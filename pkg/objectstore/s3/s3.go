// Package s3 implements objectstore.Client on Amazon S3 and S3 compatible
// stores. Credentials come from the default AWS chain.
package s3

import (
	"bytes"
	"context"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/ajitpratap0/ferry/pkg/config"
	"github.com/ajitpratap0/ferry/pkg/errors"
	"github.com/ajitpratap0/ferry/pkg/objectstore"
)

const defaultRegion = "us-east-1"

// Client is an S3 bucket client.
type Client struct {
	s3Client *s3.Client
	uploader *manager.Uploader
	bucket   string
	region   string
	log      *zap.Logger
}

var _ objectstore.Client = (*Client)(nil)

// New loads the default AWS configuration for cfg.Region and creates a
// client. A non-empty cfg.Endpoint switches to path-style addressing.
func New(ctx context.Context, cfg config.StorageConfig, log *zap.Logger) (objectstore.Client, error) {
	region := cfg.Region
	if region == "" {
		region = defaultRegion
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to load AWS configuration")
	}
	return newFromConfig(awsCfg, cfg, log), nil
}

func newFromConfig(awsCfg aws.Config, cfg config.StorageConfig, log *zap.Logger) *Client {
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
			// compatible stores often reject the default flexible checksums
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		}
	})

	return &Client{
		s3Client: client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.Container,
		region:   awsCfg.Region,
		log:      log,
	}
}

// Container returns the bucket name.
func (c *Client) Container() string { return c.bucket }

// List returns every key starting with prefix.
func (c *Client) List(ctx context.Context, prefix string) ([]string, error) {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(c.bucket)}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(c.s3Client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, c.classify("list", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}

	c.log.Debug("listed objects", zap.String("prefix", prefix), zap.Int("count", len(keys)))
	return objectstore.FilterSorted(keys, prefix), nil
}

// Fetch downloads an object.
func (c *Client) Fetch(ctx context.Context, path string) ([]byte, error) {
	out, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return nil, c.classify("fetch", path, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, c.classify("fetch", path, err)
	}
	return data, nil
}

// Upload writes an object through the multipart-capable uploader.
func (c *Client) Upload(ctx context.Context, path string, body []byte, contentType string, opts ...objectstore.UploadOption) error {
	if contentType == "" {
		contentType = objectstore.DefaultContentType
	}
	o := objectstore.ApplyUploadOptions(opts...)

	input := &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(path),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	}
	if o.ContentEncoding != "" {
		input.ContentEncoding = aws.String(o.ContentEncoding)
	}

	if _, err := c.uploader.Upload(ctx, input); err != nil {
		return c.classify("upload", path, err)
	}

	c.log.Debug("uploaded object", zap.String("key", path), zap.Int("bytes", len(body)))
	return nil
}

// EnsureContainer creates the bucket when HeadBucket cannot see it.
func (c *Client) EnsureContainer(ctx context.Context) error {
	_, err := c.s3Client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
	if err == nil {
		return nil
	}

	input := &s3.CreateBucketInput{Bucket: aws.String(c.bucket)}
	if c.region != "" && c.region != defaultRegion {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(c.region),
		}
	}

	_, err = c.s3Client.CreateBucket(ctx, input)
	if err == nil {
		c.log.Info("bucket created")
		return nil
	}
	var owned *types.BucketAlreadyOwnedByYou
	if errors.As(err, &owned) {
		return nil
	}
	return c.classify("create bucket", "", err)
}

// Close is a no-op.
func (c *Client) Close() error { return nil }

func (c *Client) classify(op, path string, err error) error {
	var (
		noKey    *types.NoSuchKey
		noBucket *types.NoSuchBucket
		notFound *types.NotFound
	)
	if errors.As(err, &noKey) || errors.As(err, &noBucket) || errors.As(err, &notFound) {
		return errors.ObjectNotFound(c.bucket, path, err)
	}

	e := errors.Transport(op, c.bucket, err)
	if path != "" {
		e = e.WithDetail("path", path)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		e = e.WithDetail("code", apiErr.ErrorCode())
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		e = e.WithDetail("status", respErr.HTTPStatusCode())
	}
	return e
}
