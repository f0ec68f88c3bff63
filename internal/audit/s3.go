package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/google/uuid"

	"github.com/prism-analytics/prism/internal/config"
	"github.com/prism-analytics/prism/internal/telemetry"
)

const (
	s3BatchSize     = 100
	s3FlushInterval = time.Minute
	s3PutTimeout    = 30 * time.Second
)

// objectPutter is the part of the S3 client the shipper uses.
type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Shipper archives audit entries to S3 as JSON-lines objects, one object
// per flushed batch, under <prefix>/YYYY/MM/DD/. Objects are never overwritten.
type S3Shipper struct {
	client objectPutter
	bucket string
	prefix string
	now    func() time.Time

	mu      sync.Mutex
	pending []*LogEntry

	closeCh   chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// NewS3Shipper builds an S3 client from cfg and starts the periodic flusher.
//
// Authentication methods:
//   - "default" or empty: AWS default credential chain (env vars, shared config, IAM role)
//   - "static": explicit access key and secret key
//   - "assume_role": assumes an IAM role, optionally with an external ID
func NewS3Shipper(ctx context.Context, cfg *config.AuditS3Config) (*S3Shipper, error) {
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return newS3Shipper(client, cfg.Bucket, cfg.Prefix, s3FlushInterval), nil
}

func newS3Shipper(client objectPutter, bucket, prefix string, flushEvery time.Duration) *S3Shipper {
	s := &S3Shipper{
		client:  client,
		bucket:  bucket,
		prefix:  prefix,
		now:     time.Now,
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go s.run(flushEvery)
	return s
}

func newS3Client(ctx context.Context, cfg *config.AuditS3Config) (*s3.Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket name is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3 region is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}

	authMethod := cfg.AuthMethod
	if authMethod == "" {
		authMethod = "default"
	}

	switch authMethod {
	case "static":
		if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
			return nil, fmt.Errorf("access_key_id and secret_access_key are required for static auth")
		}
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	case "assume_role":
		if cfg.RoleARN == "" {
			return nil, fmt.Errorf("role_arn is required for assume_role auth")
		}
	case "default":
	default:
		return nil, fmt.Errorf("unsupported auth_method: %s (must be 'default', 'static', or 'assume_role')", authMethod)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	if authMethod == "assume_role" {
		stsClient := sts.NewFromConfig(awsCfg)
		var assumeRoleOpts []func(*stscreds.AssumeRoleOptions)
		assumeRoleOpts = append(assumeRoleOpts, func(o *stscreds.AssumeRoleOptions) {
			o.RoleSessionName = "prism-audit"
		})
		if cfg.ExternalID != "" {
			assumeRoleOpts = append(assumeRoleOpts, func(o *stscreds.AssumeRoleOptions) {
				o.ExternalID = aws.String(cfg.ExternalID)
			})
		}
		awsCfg.Credentials = aws.NewCredentialsCache(stscreds.NewAssumeRoleProvider(stsClient, cfg.RoleARN, assumeRoleOpts...))
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		// S3-compatible services (MinIO and friends) need path-style addressing.
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return s3.NewFromConfig(awsCfg, s3Opts...), nil
}

// Ship queues entry; a full batch is flushed immediately.
func (s *S3Shipper) Ship(ctx context.Context, entry *LogEntry) error {
	s.mu.Lock()
	s.pending = append(s.pending, entry)
	if len(s.pending) < s3BatchSize {
		s.mu.Unlock()
		return nil
	}
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	return s.put(ctx, batch)
}

func (s *S3Shipper) run(every time.Duration) {
	defer close(s.doneCh)
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.flush()
		case <-s.closeCh:
			s.flush()
			return
		}
	}
}

func (s *S3Shipper) flush() {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s3PutTimeout)
	defer cancel()
	if err := s.put(ctx, batch); err != nil {
		telemetry.AuditShipFailuresTotal.WithLabelValues("s3").Add(float64(len(batch)))
		slog.Error("failed to archive audit batch", "bucket", s.bucket, "entries", len(batch), "error", err)
	}
}

func (s *S3Shipper) put(ctx context.Context, batch []*LogEntry) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range batch {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("failed to marshal audit entry: %w", err)
		}
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.objectKey()),
		Body:          bytes.NewReader(buf.Bytes()),
		ContentLength: aws.Int64(int64(buf.Len())),
		ContentType:   aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload audit batch to S3: %w", err)
	}
	return nil
}

func (s *S3Shipper) objectKey() string {
	now := s.now().UTC()
	name := fmt.Sprintf("%s-%s.jsonl", now.Format("20060102T150405Z"), uuid.New().String())
	return path.Join(s.prefix, now.Format("2006/01/02"), name)
}

// Close flushes pending entries and stops the flusher.
func (s *S3Shipper) Close() error {
	s.closeOnce.Do(func() {
		close(s.closeCh)
	})
	<-s.doneCh
	return nil
}
