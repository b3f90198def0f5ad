package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Storage returns a storage client.
func (c *Client) Storage() *StorageClient {
	return &StorageClient{client: c}
}

// StorageClient handles storage operations.
type StorageClient struct {
	client *Client
}

// From returns a bucket client.
func (s *StorageClient) From(bucket string) *BucketClient {
	return &BucketClient{client: s.client, bucket: bucket}
}

// BucketClient handles object operations in one bucket.
type BucketClient struct {
	client *Client
	bucket string
}

func (b *BucketClient) objectURL(path string) string {
	return fmt.Sprintf("%s/storage/v1/object/%s/%s", b.client.baseURL, b.bucket, strings.TrimPrefix(path, "/"))
}

// Upload stores data at path, replacing an existing object.
func (b *BucketClient) Upload(ctx context.Context, path string, data []byte, contentType string) error {
	headers := http.Header{}
	headers.Set("Content-Type", contentType)
	headers.Set("x-upsert", "true")
	resp, err := b.client.send(ctx, http.MethodPost, b.objectURL(path), data, headers)
	if err != nil {
		return err
	}
	return resp.Error()
}

// Delete removes objects by path.
func (b *BucketClient) Delete(ctx context.Context, paths ...string) error {
	body, err := json.Marshal(map[string][]string{"prefixes": paths})
	if err != nil {
		return err
	}
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	resp, err := b.client.send(ctx, http.MethodDelete,
		fmt.Sprintf("%s/storage/v1/object/%s", b.client.baseURL, b.bucket), body, headers)
	if err != nil {
		return err
	}
	return resp.Error()
}

// GetPublicURL returns the public URL for an object in a public bucket.
func (b *BucketClient) GetPublicURL(path string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", b.client.baseURL, b.bucket, strings.TrimPrefix(path, "/"))
}
