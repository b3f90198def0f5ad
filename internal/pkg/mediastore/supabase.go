package mediastore

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/ManuelReschke/RenderFox/internal/pkg/supabase"
)

// SupabaseStore stores media in a public Supabase storage bucket.
type SupabaseStore struct {
	bucket *supabase.BucketClient
	now    func() time.Time
}

func NewSupabaseStore(client *supabase.Client, bucket string) *SupabaseStore {
	return &SupabaseStore{bucket: client.Storage().From(bucket), now: time.Now}
}

func (s *SupabaseStore) Put(ctx context.Context, userID, name, contentType string, body io.Reader) (*Object, error) {
	data, err := readAll(body)
	if err != nil {
		return nil, err
	}
	key := ObjectKey(userID, name, contentType, s.now())
	if contentType == "" {
		contentType = ContentTypeFor(keyExt(key))
	}
	if err := s.bucket.Upload(ctx, key, data, contentType); err != nil {
		return nil, fmt.Errorf("upload to storage: %w", err)
	}
	return &Object{Key: key, URL: s.PublicURL(key), Size: int64(len(data)), ContentType: contentType}, nil
}

func (s *SupabaseStore) Delete(ctx context.Context, key string) error {
	if err := s.bucket.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete from storage: %w", err)
	}
	return nil
}

func (s *SupabaseStore) PublicURL(key string) string {
	return s.bucket.GetPublicURL(key)
}
