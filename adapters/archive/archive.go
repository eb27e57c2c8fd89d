// Package archive keeps an external copy of closed usage records.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/artpar/meterd/domain/billing"
	"github.com/artpar/meterd/domain/usage"
	"github.com/artpar/meterd/ports"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Config configures the S3 archive. Endpoint is optional and selects an
// S3-compatible service (R2, MinIO) with path-style addressing.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
}

// Document is the archived object body.
type Document struct {
	Record usage.Record         `json:"record"`
	Cost   billing.ResourceCost `json:"cost"`
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archive uploads one JSON object per record revision.
type S3Archive struct {
	client objectPutter
	bucket string
	prefix string
}

// NewS3Archive creates an archive from configuration.
func NewS3Archive(cfg Config) (*S3Archive, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg := aws.Config{Region: region}
	if cfg.AccessKeyID != "" {
		awsCfg.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Archive(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3Archive(client objectPutter, bucket, prefix string) *S3Archive {
	return &S3Archive{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// ObjectKey returns where a record revision is stored:
// <prefix>/<org>/<period start>_<period end>/rev-<n>.json
func (a *S3Archive) ObjectKey(r usage.Record) string {
	period := r.PeriodStart.UTC().Format("20060102") + "_" + r.PeriodEnd.UTC().Format("20060102")
	return path.Join(a.prefix, r.OrganizationID, period, "rev-"+strconv.Itoa(r.Revision)+".json")
}

// Put uploads the record with its cost breakdown.
func (a *S3Archive) Put(ctx context.Context, r usage.Record, cost billing.ResourceCost) error {
	body, err := json.Marshal(Document{Record: r, Cost: cost})
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", r.ID, err)
	}
	key := a.ObjectKey(r)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"organization-id": r.OrganizationID,
			"revision":        strconv.Itoa(r.Revision),
		},
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Noop discards records.
type Noop struct{}

// Put does nothing.
func (Noop) Put(context.Context, usage.Record, billing.ResourceCost) error { return nil }

// Ensure interface compliance.
var (
	_ ports.Archive = (*S3Archive)(nil)
	_ ports.Archive = Noop{}
)
