package storage

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	storage_go "github.com/supabase-community/storage-go"
	"github.com/supabase-community/supabase-go"
)

// AudioContentType is the format agent audio is archived in.
const AudioContentType = "audio/pcm"

// Supabase archives agent reply audio in a Supabase Storage bucket.
type Supabase struct {
	client *supabase.Client
	bucket string
}

// NewSupabase constructs the archive. Both url and serviceKey are required.
func NewSupabase(url, serviceKey, bucket string) (*Supabase, error) {
	if url == "" || serviceKey == "" {
		return nil, fmt.Errorf("missing Supabase configuration: SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY required")
	}
	client, err := supabase.NewClient(strings.TrimRight(url, "/"), serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Supabase client: %w", err)
	}
	return &Supabase{client: client, bucket: bucket}, nil
}

// Upload stores data under key in the configured bucket with the given
// content type. An existing object under key is replaced.
func (s *Supabase) Upload(key, contentType string, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("refusing to upload empty %s object %q", contentType, key)
	}
	if _, err := s.client.Storage.UploadFile(s.bucket, key, bytes.NewReader(data), uploadOptions(contentType)); err != nil {
		return fmt.Errorf("failed to upload to Supabase: %w", err)
	}
	return nil
}

func uploadOptions(contentType string) storage_go.FileOptions {
	upsert := true
	return storage_go.FileOptions{ContentType: &contentType, Upsert: &upsert}
}

// ObjectKey names the archived audio of one agent message.
func ObjectKey(sessionID string, at time.Time) string {
	return fmt.Sprintf("sessions/%s/%d.pcm", sessionID, at.UnixNano())
}
