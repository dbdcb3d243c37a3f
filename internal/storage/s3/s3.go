package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"routerbackup/internal/backup"
	"routerbackup/internal/storage"
)

// Ensure Store implements storage.Store at compile time.
var (
	_ storage.Store          = (*Store)(nil)
	_ storage.PolicyReporter = (*Store)(nil)
)

// Config holds the configuration for an S3-compatible storage sink.
type Config struct {
	Bucket          string
	Prefix          string // object key prefix, defaults to "routerbackup"
	Region          string
	Endpoint        string // custom endpoint for MinIO/R2/B2/Wasabi
	AccessKeyID     string // optional, falls back to the AWS credential chain
	SecretAccessKey string
	StorageClass    string // e.g. "STANDARD", "STANDARD_IA"
	ForcePathStyle  bool
}

// API is the subset of *s3.Client the store calls.
type API interface {
	s3.ListObjectsV2APIClient
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Store keeps artifacts as objects under <prefix>/<job>/.
type Store struct {
	client       API
	bucket       string
	prefix       string
	name         string
	storageClass s3types.StorageClass
	policy       storage.RetentionPolicy
	filter       storage.NameFilter

	mu sync.Mutex
}

// New creates an S3 store from the given config. job scopes the key prefix
// so several jobs can share one bucket.
func New(ctx context.Context, cfg Config, job string, policy storage.RetentionPolicy, filter storage.NameFilter) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	st := NewWithClient(s3.NewFromConfig(awsCfg, s3Opts...), cfg.Bucket, keyPrefix(cfg.Prefix, job), policy, filter)
	if cfg.StorageClass != "" {
		st.storageClass = s3types.StorageClass(cfg.StorageClass)
	}
	return st, nil
}

// NewWithClient builds a store on an existing client. prefix is used as is.
func NewWithClient(client API, bucket, prefix string, policy storage.RetentionPolicy, filter storage.NameFilter) *Store {
	return &Store{
		client:       client,
		bucket:       bucket,
		prefix:       strings.Trim(prefix, "/"),
		name:         "s3",
		storageClass: s3types.StorageClassStandard,
		policy:       policy,
		filter:       filter,
	}
}

func keyPrefix(prefix, job string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "routerbackup"
	}
	return path.Join(prefix, job)
}

func (s *Store) Type() string { return "s3" }

func (s *Store) Name() string { return s.name }

func (s *Store) Policy() storage.RetentionPolicy { return s.policy }

// SetName overrides the display name returned by Name().
func (s *Store) SetName(name string) {
	if name != "" {
		s.name = name
	}
}

// Put uploads the artifact as <prefix>/<name>, then applies retention.
func (s *Store) Put(ctx context.Context, artifact *backup.Artifact) (*storage.PutResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := path.Join(s.prefix, artifact.Name)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(artifact.Data),
		ContentLength: aws.Int64(artifact.Size()),
		StorageClass:  s.storageClass,
	})
	if err != nil {
		return nil, s.writeErr("put", fmt.Errorf("failed to upload %s: %w", key, err))
	}

	res := &storage.PutResult{Descriptor: storage.Descriptor{
		Key:      key,
		FileName: artifact.Name,
		Size:     artifact.Size(),
		ModTime:  artifact.CreatedAt,
	}}
	res.Evicted, res.EvictErr = storage.ApplyRetention(ctx, s, s.policy)
	return res, nil
}

// List returns the objects directly under the prefix, newest first.
func (s *Store) List(ctx context.Context) ([]storage.Descriptor, error) {
	prefix := s.prefix + "/"
	if s.prefix == "" {
		prefix = ""
	}

	var descs []storage.Descriptor
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, s.writeErr("list", fmt.Errorf("failed to list objects with prefix %s: %w", prefix, err))
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			fileName := strings.TrimPrefix(*obj.Key, prefix)
			if strings.Contains(fileName, "/") || !s.filter.Match(fileName) {
				continue
			}
			d := storage.Descriptor{Key: *obj.Key, FileName: fileName}
			if obj.Size != nil {
				d.Size = *obj.Size
			}
			if obj.LastModified != nil {
				d.ModTime = *obj.LastModified
			}
			descs = append(descs, d)
		}
	}

	storage.SortNewestFirst(descs)
	return descs, nil
}

// Delete removes one object.
func (s *Store) Delete(ctx context.Context, d storage.Descriptor) error {
	key := d.Key
	if key == "" {
		key = path.Join(s.prefix, d.FileName)
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return s.writeErr("delete", fmt.Errorf("failed to delete %s: %w", key, err))
	}
	return nil
}

// Open streams one object.
func (s *Store) Open(ctx context.Context, d storage.Descriptor) (io.ReadCloser, error) {
	key := d.Key
	if key == "" {
		key = path.Join(s.prefix, d.FileName)
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, s.writeErr("get", fmt.Errorf("failed to download %s: %w", key, err))
	}
	return out.Body, nil
}

func (s *Store) writeErr(op string, err error) error {
	return &storage.WriteError{Sink: s.name, Op: op, Err: err}
}
