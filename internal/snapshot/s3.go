package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

// S3Sink uploads snapshot files to a bucket under snapshots/<workflow>/.
type S3Sink struct {
	client s3iface.S3API
	bucket string
	prefix string
}

// NewS3Sink builds a client from the default credential chain.
func NewS3Sink(region, bucket string) (*S3Sink, error) {
	if strings.TrimSpace(bucket) == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("create AWS session: %w", err)
	}
	return &S3Sink{client: s3.New(sess), bucket: bucket, prefix: "snapshots"}, nil
}

func NewS3SinkWithClient(client s3iface.S3API, bucket string) *S3Sink {
	return &S3Sink{client: client, bucket: bucket, prefix: "snapshots"}
}

func (s *S3Sink) Store(ctx context.Context, workflow, file string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	key := path.Join(s.prefix, sanitize(workflow), filepath.Base(file))
	_, err = s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("text/html; charset=utf-8"),
	})
	if err != nil {
		return fmt.Errorf("upload to S3: %w", err)
	}
	return nil
}
