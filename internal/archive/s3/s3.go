// Package s3 archives records to S3-compatible object storage (AWS S3,
// Cloudflare R2, MinIO). Bodies are snappy-compressed JSON.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/golang/snappy"

	"github.com/kimhsiao/tourneysync/internal/archive"
	apperrors "github.com/kimhsiao/tourneysync/internal/errors"
)

// Provider selects endpoint conventions.
type Provider string

const (
	ProviderAWS   Provider = "aws"
	ProviderR2    Provider = "r2"
	ProviderMinIO Provider = "minio"
)

// Config holds bucket connection settings.
type Config struct {
	Provider  Provider `mapstructure:"provider" yaml:"provider"`
	Bucket    string   `mapstructure:"bucket" yaml:"bucket"`
	Region    string   `mapstructure:"region" yaml:"region"`
	Endpoint  string   `mapstructure:"endpoint" yaml:"endpoint"`
	AccountID string   `mapstructure:"account_id" yaml:"account_id"`
	AccessKey string   `mapstructure:"access_key" yaml:"access_key"`
	SecretKey string   `mapstructure:"secret_key" yaml:"secret_key"`
	Prefix    string   `mapstructure:"prefix" yaml:"prefix"`
	UseSSL    bool     `mapstructure:"use_ssl" yaml:"use_ssl"`
}

// resolve fills provider-specific defaults.
// - aws: regional endpoint from the SDK, virtual-host addressing
// - r2: <account>.r2.cloudflarestorage.com, region "auto"
// - minio: explicit endpoint, path-style addressing
func (c Config) resolve() (Config, bool, error) {
	if c.Bucket == "" {
		return c, false, apperrors.New(apperrors.ErrInvalid, "archive bucket is required")
	}
	pathStyle := false
	switch c.Provider {
	case "", ProviderAWS:
		if c.Region == "" {
			c.Region = "us-east-1"
		}
		pathStyle = c.Endpoint != ""
	case ProviderR2:
		if c.AccountID == "" && c.Endpoint == "" {
			return c, false, apperrors.New(apperrors.ErrInvalid, "r2 requires an account id")
		}
		if c.Endpoint == "" {
			c.Endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", c.AccountID)
		}
		c.Region = "auto"
	case ProviderMinIO:
		if c.Endpoint == "" {
			c.Endpoint = "localhost:9000"
		}
		if c.Region == "" {
			c.Region = "us-east-1"
		}
		pathStyle = true
	default:
		return c, false, apperrors.Newf(apperrors.ErrInvalid, "unknown archive provider %q", c.Provider)
	}

	if c.Endpoint != "" && !strings.HasPrefix(c.Endpoint, "http://") && !strings.HasPrefix(c.Endpoint, "https://") {
		if c.UseSSL || c.Provider == ProviderR2 {
			c.Endpoint = "https://" + c.Endpoint
		} else {
			c.Endpoint = "http://" + c.Endpoint
		}
	}
	c.Endpoint = strings.TrimSuffix(c.Endpoint, "/")
	return c, pathStyle, nil
}

// Archiver implements archive.Archiver on an S3 bucket.
type Archiver struct {
	client *s3.Client
	cfg    Config
}

// New creates an Archiver.
func New(ctx context.Context, cfg Config) (*Archiver, error) {
	cfg, pathStyle, err := cfg.resolve()
	if err != nil {
		return nil, err
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = pathStyle
		// R2 and MinIO reject the default trailing checksums on some versions.
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	return &Archiver{client: client, cfg: cfg}, nil
}

// Key returns the object key a record is stored under.
func (a *Archiver) Key(rec archive.Record) string {
	subject := strings.NewReplacer("/", "_", " ", "_").Replace(rec.Subject)
	return fmt.Sprintf("%s%s/%s/%s-%d.json.sz",
		a.cfg.Prefix, rec.Kind, rec.ArchivedAt.UTC().Format("2006/01/02"), subject, rec.ArchivedAt.UnixMilli())
}

// Archive implements archive.Archiver.
func (a *Archiver) Archive(ctx context.Context, rec archive.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode archive record: %w", err)
	}
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(a.Key(rec)),
		Body:        bytes.NewReader(snappy.Encode(nil, data)),
		ContentType: aws.String("application/x-snappy"),
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrNetwork, "failed to upload archive record", err)
	}
	return nil
}

// Fetch downloads and decodes the record stored at key.
func (a *Archiver) Fetch(ctx context.Context, key string) (archive.Record, error) {
	var rec archive.Record
	resp, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return rec, apperrors.Wrap(apperrors.ErrNetwork, "failed to download archive record", err)
	}
	defer resp.Body.Close()

	compressed, err := io.ReadAll(resp.Body)
	if err != nil {
		return rec, apperrors.Wrap(apperrors.ErrNetwork, "failed to read archive record", err)
	}
	data, err := snappy.Decode(nil, compressed)
	if err != nil {
		return rec, apperrors.Wrap(apperrors.ErrDataCorruption, "archive record is not snappy encoded", err)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, apperrors.Wrap(apperrors.ErrDataCorruption, "archive record is not valid JSON", err)
	}
	return rec, nil
}

// List returns the object keys archived under kind.
func (a *Archiver) List(ctx context.Context, kind string) ([]string, error) {
	prefix := a.cfg.Prefix + kind + "/"
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.cfg.Bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrNetwork, "failed to list archive", err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}
