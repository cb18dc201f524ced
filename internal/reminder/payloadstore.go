package reminder

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// PayloadStore offloads reminder payloads too large to store inline in
// Postgres to S3-compatible object storage. Wiring it is optional; most
// reminders carry small argument bags and never need it (§11).
type PayloadStore struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewPayloadStore wraps an already-configured s3.Client.
func NewPayloadStore(client *s3.Client, bucket, prefix string) *PayloadStore {
	if prefix == "" {
		prefix = "meshrt/reminders/"
	}
	return &PayloadStore{client: client, bucket: bucket, prefix: prefix}
}

func (p *PayloadStore) key(name string) string {
	return p.prefix + name
}

// Put uploads payload under name, returning the object key stored inline
// in the Schedule.Payload field in its place.
func (p *PayloadStore) Put(ctx context.Context, name string, payload []byte) (string, error) {
	key := p.key(name)
	_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(payload),
	})
	if err != nil {
		return "", fmt.Errorf("reminder payload upload failed: %w", err)
	}
	return key, nil
}

// Get downloads the payload previously stored under key.
func (p *PayloadStore) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("reminder payload download failed: %w", err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}
