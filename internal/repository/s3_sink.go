package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"FolioPull/internal/domain/models"
	domrepo "FolioPull/internal/domain/repository"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

var _ domrepo.Sink = (*S3Sink)(nil)

// S3Options configures the archive bucket.
type S3Options struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	PathStyle       bool
	AccessKeyID     string
	SecretAccessKey string
}

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink archives every snapshot as one JSON object. A single PutObject is
// atomic, so readers never see balances without their positions.
type S3Sink struct {
	client objectPutter
	bucket string
	prefix string
	loc    *time.Location
}

// NewS3Client builds an S3 client, using static credentials when given and
// the default AWS chain otherwise.
func NewS3Client(ctx context.Context, o S3Options) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(o.Region)}
	if o.AccessKeyID != "" && o.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(o.AccessKeyID, o.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(so *s3.Options) {
		if o.Endpoint != "" {
			so.BaseEndpoint = aws.String(o.Endpoint)
		}
		so.UsePathStyle = o.PathStyle
	}), nil
}

func NewS3Sink(client objectPutter, bucket, prefix string, loc *time.Location) *S3Sink {
	if loc == nil {
		loc = time.UTC
	}
	return &S3Sink{client: client, bucket: bucket, prefix: prefix, loc: loc}
}

func (s *S3Sink) Name() string { return "s3" }

func (s *S3Sink) Close() error { return nil }

// ObjectKey is <prefix>/date=YYYY-MM-DD/<unix>_<snapshot id>.json.
func (s *S3Sink) ObjectKey(snap *models.MergedSnapshot) string {
	local := snap.Date.In(s.loc)
	name := fmt.Sprintf("%d_%s.json", snap.Date.Unix(), snap.ID)
	return path.Join(s.prefix, "date="+local.Format("2006-01-02"), name)
}

func (s *S3Sink) Write(ctx context.Context, snap *models.MergedSnapshot) error {
	body, err := json.Marshal(snap.ToPayload(s.loc))
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.ObjectKey(snap)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"snapshot-id": snap.ID.String(),
			"netliq":      snap.NetLiq.String(),
		},
	})
	if err != nil {
		return fmt.Errorf("s3 put object: %w", err)
	}
	return nil
}
