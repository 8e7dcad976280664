package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	gcs "cloud.google.com/go/storage"
)

// WebhookArchiver persists raw webhook payloads to a Cloud Storage bucket so
// disputed or failed events can be replayed later.
type WebhookArchiver struct {
	client *gcs.Client
	bucket string
}

// NewWebhookArchiver constructs an archiver writing to the given bucket.
func NewWebhookArchiver(client *gcs.Client, bucket string) (*WebhookArchiver, error) {
	if client == nil {
		return nil, errors.New("webhook archiver: client is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("webhook archiver: bucket is required")
	}
	return &WebhookArchiver{client: client, bucket: bucket}, nil
}

// Archive writes one payload. Objects are keyed by provider and event id, so
// redelivered events overwrite with identical content rather than duplicating.
func (a *WebhookArchiver) Archive(ctx context.Context, provider, eventID string, payload []byte) error {
	if a == nil || a.client == nil {
		return errors.New("webhook archiver: not initialised")
	}

	object, err := BuildObjectPath(PurposeWebhookArchive, PathParams{
		Provider: provider,
		EventID:  eventID,
	})
	if err != nil {
		return err
	}

	w := a.client.Bucket(a.bucket).Object(object).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(payload); err != nil {
		_ = w.Close()
		return fmt.Errorf("webhook archiver: write %s: %w", object, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("webhook archiver: close %s: %w", object, err)
	}
	return nil
}
