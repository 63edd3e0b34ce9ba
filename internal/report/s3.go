package report

import (
	"bytes"
	"context"
	"encoding/json"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/keithlinneman/server-guardian/internal/breaker"
	"github.com/keithlinneman/server-guardian/internal/xerrors"
)

// S3PutAPI is the subset of *s3.Client the sink uses.
type S3PutAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink writes JSON objects under s3://bucket/prefix/host/:
//
//	daily/<day>.json        overwritten until the day is final
//	incidents/<ts>.json     one object per trip
type S3Sink struct {
	client S3PutAPI
	bucket string
	prefix string
	host   string
}

// NewS3Sink loads the default AWS config chain (env, shared config, IMDS).
func NewS3Sink(ctx context.Context, bucket, prefix, host string) (*S3Sink, error) {
	if bucket == "" {
		return nil, xerrors.New("s3 bucket is required")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, xerrors.Wrap(err, "load AWS config")
	}
	return NewS3SinkWithClient(s3.NewFromConfig(awsCfg), bucket, prefix, host), nil
}

func NewS3SinkWithClient(client S3PutAPI, bucket, prefix, host string) *S3Sink {
	return &S3Sink{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		host:   host,
	}
}

func (s *S3Sink) Name() string { return "s3" }

func (s *S3Sink) key(parts ...string) string {
	return path.Join(append([]string{s.prefix, s.host}, parts...)...)
}

func (s *S3Sink) PublishDaily(ctx context.Context, d Daily) error {
	return s.put(ctx, s.key("daily", d.Day+".json"), d)
}

func (s *S3Sink) RecordIncident(ctx context.Context, inc breaker.Incident) error {
	name := inc.At.UTC().Format("20060102T150405.000000000Z") + "-" + inc.Reason.Label() + ".json"
	return s.put(ctx, s.key("incidents", name), inc)
}

func (s *S3Sink) put(ctx context.Context, key string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return xerrors.Wrapf(err, "encode %s", key)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return xerrors.Wrapf(err, "put s3://%s/%s", s.bucket, key)
	}
	return nil
}
