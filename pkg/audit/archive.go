package audit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/circles/pkg/observability"
	"github.com/platinummonkey/circles/pkg/storage"
)

// ArchiveConfig configures the daily S3 archive of audit entries
type ArchiveConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"` // MinIO or other S3-compatible endpoint
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style"`
	Schedule     string `yaml:"schedule"` // cron spec, e.g. "15 0 * * *"
}

// ObjectPutter is the slice of the S3 API the archiver needs
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewS3Client builds an S3 client from cfg, using static credentials when given and the
// default credential chain (IAM roles, env vars) otherwise
func NewS3Client(ctx context.Context, cfg ArchiveConfig) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// Archiver uploads each finished UTC day of entries as one NDJSON object. Rows are never
// deleted; re-archiving a day overwrites the object with the same content.
type Archiver struct {
	log     *Log
	client  ObjectPutter
	bucket  string
	prefix  string
	metrics *observability.Metrics
	logger  *observability.Logger
	now     func() time.Time
}

// NewArchiver creates an archiver writing to cfg.Bucket under cfg.Prefix
func NewArchiver(log *Log, client ObjectPutter, cfg ArchiveConfig, metrics *observability.Metrics, logger *observability.Logger) *Archiver {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Archiver{
		log:     log,
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  strings.Trim(cfg.Prefix, "/"),
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// ObjectKey returns <prefix>/YYYY/MM/DD.ndjson for the UTC day containing day
func (a *Archiver) ObjectKey(day time.Time) string {
	key := day.UTC().Format("2006/01/02") + ".ndjson"
	if a.prefix == "" {
		return key
	}
	return a.prefix + "/" + key
}

// ArchiveDay uploads every entry created on the UTC day containing day, oldest first.
// It returns the object key and the number of entries written.
func (a *Archiver) ArchiveDay(ctx context.Context, day time.Time) (string, int, error) {
	start := day.UTC().Truncate(24 * time.Hour)
	end := start.Add(24 * time.Hour)
	key := a.ObjectKey(start)

	ctx, span := observability.StartSpan(ctx, tracerName, "audit.ArchiveDay", "s3.bucket", a.bucket, "s3.key", key)
	var err error
	defer func() { observability.EndSpan(span, err) }()

	filter := Filter{StartTime: &start, EndTime: &end, Limit: MaxLimit}
	var entries []*Entry
	for {
		var page []*Entry
		page, err = storage.RetryRead(ctx, func() ([]*Entry, error) {
			return a.log.list(ctx, a.log.db.Reader(), filter, true)
		})
		if err != nil {
			a.metrics.RecordArchive(false)
			return "", 0, err
		}
		entries = append(entries, page...)
		if len(page) < filter.Limit {
			break
		}
		filter.Offset += len(page)
	}

	var body []byte
	body, err = exportNDJSON(entries)
	if err != nil {
		a.metrics.RecordArchive(false)
		return "", 0, err
	}

	sum := sha256.Sum256(body)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/x-ndjson"),
		Metadata: map[string]string{
			"sha256":      hex.EncodeToString(sum[:]),
			"entry-count": fmt.Sprintf("%d", len(entries)),
		},
	})
	if err != nil {
		a.metrics.RecordArchive(false)
		err = fmt.Errorf("failed to upload audit archive %s: %w", key, err)
		return "", 0, err
	}

	a.metrics.RecordArchive(true)
	a.logger.WithFields(map[string]interface{}{
		"key":     key,
		"entries": len(entries),
	}).Info("Audit archive uploaded")
	return key, len(entries), nil
}

// ArchivePreviousDay archives yesterday (UTC)
func (a *Archiver) ArchivePreviousDay(ctx context.Context) error {
	_, _, err := a.ArchiveDay(ctx, a.now().UTC().Add(-24*time.Hour))
	return err
}

// Schedule registers ArchivePreviousDay on c with the given cron spec
func (a *Archiver) Schedule(ctx context.Context, c *cron.Cron, spec string) (cron.EntryID, error) {
	return c.AddFunc(spec, func() {
		defer observability.RecoverPanic(a.logger, "audit archiver")
		if err := a.ArchivePreviousDay(ctx); err != nil {
			a.logger.WithError(err).Error("Audit archive failed")
		}
	})
}
