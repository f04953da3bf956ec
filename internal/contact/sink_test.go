package contact

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type fakePutter struct {
	in   *s3.PutObjectInput
	body []byte
	err  error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.in = in
	f.body, _ = io.ReadAll(in.Body)
	if f.err != nil {
		return nil, f.err
	}
	return &s3.PutObjectOutput{}, nil
}

var testSubmission = Submission{
	ID:         "7d9f1c2e-0000-4000-8000-000000000001",
	Name:       "Ada",
	Email:      "ada@example.com",
	Message:    "hello",
	ClientID:   "1.2.3.4",
	ReceivedAt: time.Date(2026, 2, 3, 23, 59, 0, 0, time.UTC),
}

func TestS3Sink_Store(t *testing.T) {
	fp := &fakePutter{}
	s, err := NewS3Sink(fp, "catalog-inbox", "contact/")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Store(context.Background(), testSubmission); err != nil {
		t.Fatal(err)
	}

	if got := aws.ToString(fp.in.Bucket); got != "catalog-inbox" {
		t.Fatalf("bucket = %q", got)
	}
	wantKey := "contact/2026/02/03/7d9f1c2e-0000-4000-8000-000000000001.json"
	if got := aws.ToString(fp.in.Key); got != wantKey {
		t.Fatalf("key = %q, want %q", got, wantKey)
	}
	if got := aws.ToString(fp.in.ContentType); got != "application/json" {
		t.Fatalf("content type = %q", got)
	}
	var stored Submission
	if err := json.Unmarshal(fp.body, &stored); err != nil {
		t.Fatal(err)
	}
	if stored.Email != testSubmission.Email || stored.ClientID != "1.2.3.4" {
		t.Fatalf("stored = %+v", stored)
	}
}

func TestS3Sink_NoPrefix(t *testing.T) {
	s, _ := NewS3Sink(&fakePutter{}, "b", "")
	if got := s.Key(testSubmission); got != "2026/02/03/"+testSubmission.ID+".json" {
		t.Fatalf("key = %q", got)
	}
}

func TestS3Sink_PutError(t *testing.T) {
	boom := errors.New("SlowDown")
	s, _ := NewS3Sink(&fakePutter{err: boom}, "b", "p")
	if err := s.Store(context.Background(), testSubmission); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}

func TestNewS3Sink_Validation(t *testing.T) {
	if _, err := NewS3Sink(nil, "b", ""); err == nil {
		t.Error("nil client should fail")
	}
	if _, err := NewS3Sink(&fakePutter{}, "", ""); err == nil {
		t.Error("empty bucket should fail")
	}
}
