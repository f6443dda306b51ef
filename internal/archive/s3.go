// Package archive stores uploaded source files in S3 or an S3-compatible
// object store.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/JonMunkholm/pipeimport/internal/core"
)

// Options configures an S3 archive.
type Options struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string // non-empty for MinIO and friends
	AccessKeyID     string
	SecretAccessKey string
}

// objectPutter is the slice of the S3 API the archive needs.
type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archive implements core.FileArchive.
type S3Archive struct {
	client objectPutter
	bucket string
	prefix string
}

var _ core.FileArchive = (*S3Archive)(nil)

// NewS3 builds a client from the default AWS credential chain, or from
// static keys when both are set.
func NewS3(ctx context.Context, opts Options) (*S3Archive, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	endpoint := opts.Endpoint
	if endpoint != "" && !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "https://" + endpoint
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Archive(client, opts.Bucket, opts.Prefix), nil
}

func newS3Archive(client objectPutter, bucket, prefix string) *S3Archive {
	return &S3Archive{client: client, bucket: bucket, prefix: prefix}
}

// Key returns the object key for an uploaded file.
func (a *S3Archive) Key(projectID, batchID uuid.UUID, fileName string) string {
	name := path.Base(strings.ReplaceAll(fileName, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "upload"
	}
	return a.prefix + projectID.String() + "/" + batchID.String() + "/" + name
}

func (a *S3Archive) Put(ctx context.Context, projectID, batchID uuid.UUID, fileName, contentType string, data []byte) error {
	in := &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(a.Key(projectID, batchID, fileName)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata: map[string]string{
			"batch-id":   batchID.String(),
			"project-id": projectID.String(),
		},
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := a.client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("archive %s: %w", aws.ToString(in.Key), err)
	}
	return nil
}
