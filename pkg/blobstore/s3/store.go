// Package s3 provides an S3-backed blob store for offloaded message bodies.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"go-overflow/pkg/blobstore"
)

// Config holds configuration for the S3 blob store.
type Config struct {
	// Region is the AWS region (optional, uses SDK default if empty).
	Region string

	// Endpoint is the S3 endpoint URL (optional, for S3-compatible services).
	Endpoint string

	// ForcePathStyle forces path-style addressing (required for Localstack/MinIO).
	ForcePathStyle bool

	// AccessKeyID and SecretAccessKey select static credentials. When empty the SDK
	// default credential chain is used.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// MaxRetries is the maximum number of attempts the SDK makes per request.
	MaxRetries int

	// Upload carries the bucket and static parameters applied to every upload.
	Upload blobstore.UploadTemplate

	// Read carries the bucket used for reads and deletes. Defaults to Upload.Bucket.
	Read blobstore.ReadTemplate
}

// API is the subset of *s3.Client used by Store.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Factory creates one Store per transaction context.
type Factory struct {
	config    Config
	newClient func() API
}

// NewFactory loads the AWS configuration once; every NewBlobStore call builds a
// client from it.
func NewFactory(ctx context.Context, config Config) (*Factory, error) {
	var opts []func(*awsconfig.LoadOptions) error

	if config.Region != "" {
		opts = append(opts, awsconfig.WithRegion(config.Region))
	}
	if config.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			config.AccessKeyID, config.SecretAccessKey, config.SessionToken,
		)))
	}
	if config.MaxRetries > 0 {
		opts = append(opts, awsconfig.WithRetryMaxAttempts(config.MaxRetries))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)

	if config.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(config.Endpoint)
		})
	}

	if config.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return &Factory{
		config: config,
		newClient: func() API {
			return s3.NewFromConfig(awsCfg, s3Opts...)
		},
	}, nil
}

// NewFactoryFromClient creates a factory whose stores share client.
func NewFactoryFromClient(client API, config Config) *Factory {
	return &Factory{
		config:    config,
		newClient: func() API { return client },
	}
}

func (f *Factory) NewBlobStore(ctx context.Context) (blobstore.BlobStore, error) {
	if f.config.Upload.Bucket == "" {
		return nil, errors.New("s3 blob store: upload bucket is required")
	}
	return New(f.newClient(), f.config), nil
}

// HealthCheck verifies the upload bucket is reachable with a fresh client.
func (f *Factory) HealthCheck(ctx context.Context) error {
	store, err := f.NewBlobStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.(*Store).HealthCheck(ctx)
}

// Store is an S3-backed implementation of blobstore.BlobStore.
type Store struct {
	client     API
	upload     blobstore.UploadTemplate
	readBucket string
	closed     bool
	mu         sync.RWMutex
}

// New creates a store with an existing client.
func New(client API, config Config) *Store {
	return &Store{
		client:     client,
		upload:     config.Upload,
		readBucket: blobstore.ReadBucket(config.Upload, config.Read),
	}
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return blobstore.ErrClosed
	}
	return nil
}

// Put uploads data under key using the upload template.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.upload.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if s.upload.StorageClass != "" {
		input.StorageClass = types.StorageClass(s.upload.StorageClass)
	}
	if s.upload.ContentType != "" {
		input.ContentType = aws.String(s.upload.ContentType)
	}
	if s.upload.ServerSideEncryption != "" {
		input.ServerSideEncryption = types.ServerSideEncryption(s.upload.ServerSideEncryption)
	}
	if len(s.upload.Metadata) > 0 {
		input.Metadata = s.upload.Metadata
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("s3 put object: %w", err)
	}
	return nil
}

// OpenRead starts a GetObject and hands back its body stream.
func (s *Store) OpenRead(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.readBucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFoundError(err) {
			return nil, fmt.Errorf("s3 get object %q: %w", key, blobstore.ErrNotFound)
		}
		return nil, fmt.Errorf("s3 get object: %w", err)
	}
	return resp.Body, nil
}

// Delete removes key. S3 reports success for missing keys.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.readBucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("s3 delete object: %w", err)
	}
	return nil
}

func (s *Store) Location() string {
	return s.upload.Bucket
}

// Close marks the store as closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

// HealthCheck verifies the upload bucket is accessible.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.upload.Bucket),
	})
	if err != nil {
		return fmt.Errorf("S3 health check failed: %w", err)
	}
	return nil
}

// isNotFoundError checks if an error is an S3 not found error.
func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}

	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}

	errStr := err.Error()
	return strings.Contains(errStr, "NoSuchKey") ||
		strings.Contains(errStr, "NotFound") ||
		strings.Contains(errStr, "StatusCode: 404")
}

var (
	_ blobstore.BlobStore = (*Store)(nil)
	_ blobstore.Factory   = (*Factory)(nil)
	_ API                 = (*s3.Client)(nil)
)
