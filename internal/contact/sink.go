package contact

import (
	"bytes"
	"context"
	"encoding/json"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/keithlinneman/catalogweb/internal/log"
	"github.com/keithlinneman/catalogweb/internal/xerrors"
)

// Sink stores accepted submissions.
type Sink interface {
	Store(ctx context.Context, s Submission) error
}

// ObjectPutter is the slice of the S3 client used by S3Sink.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink writes each submission as JSON to s3://bucket/prefix/yyyy/mm/dd/id.json.
type S3Sink struct {
	client ObjectPutter
	bucket string
	prefix string
}

func NewS3Sink(client ObjectPutter, bucket, prefix string) (*S3Sink, error) {
	if client == nil {
		return nil, xerrors.New("s3 client is required")
	}
	if bucket == "" {
		return nil, xerrors.New("contact bucket is required")
	}
	return &S3Sink{client: client, bucket: bucket, prefix: prefix}, nil
}

// Key returns the object key a submission is written to.
func (s *S3Sink) Key(sub Submission) string {
	return path.Join(s.prefix, sub.ReceivedAt.UTC().Format("2006/01/02"), sub.ID+".json")
}

func (s *S3Sink) Store(ctx context.Context, sub Submission) error {
	body, err := json.Marshal(sub)
	if err != nil {
		return xerrors.Wrap(err, "marshal submission")
	}
	key := s.Key(sub)
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

// LogSink only logs that a submission arrived, for deployments without a bucket.
// Message bodies and addresses are not logged.
type LogSink struct{}

func (LogSink) Store(ctx context.Context, sub Submission) error {
	log.FromContext(ctx).Info(ctx, "contact submission received",
		"contact.id", sub.ID,
		"contact.message_chars", len(sub.Message),
		"contact.has_company", sub.Company != "",
	)
	return nil
}
