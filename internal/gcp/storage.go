package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// GetEnv is a helper to read an environment variable or return a default value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// ParseGCSURI splits a gs://bucket/object URI into bucket and object name.
func ParseGCSURI(uri string) (bucket, object string, err error) {
	trimmed := strings.TrimPrefix(uri, "gs://")
	if trimmed == uri {
		return "", "", fmt.Errorf("not a GCS URI: %q", uri)
	}
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed GCS URI: %q", uri)
	}
	return parts[0], parts[1], nil
}

// SaveToGCSAtomically writes content to a GCS object only if it doesn't
// already exist. A precondition failure is not an error in an idempotent
// workflow; the object produced by an earlier invocation wins.
func SaveToGCSAtomically(ctx context.Context, bucket *storage.BucketHandle, objectName, content string) error {
	writer := bucket.Object(objectName).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)

	if _, err := io.Copy(writer, strings.NewReader(content)); err != nil {
		_ = writer.Close()
		if gerr, ok := err.(*googleapi.Error); ok && gerr.Code == 412 {
			slog.Info("Object already exists, skipping write.", "gcsObject", objectName)
			return nil
		}
		return fmt.Errorf("failed to write to GCS: %w", err)
	}

	if err := writer.Close(); err != nil {
		if gerr, ok := err.(*googleapi.Error); ok && gerr.Code == 412 {
			slog.Info("Object already exists, skipping write.", "gcsObject", objectName)
			return nil
		}
		return fmt.Errorf("failed to finalize GCS write: %w", err)
	}
	return nil
}

// ReadGCSObject reads an entire GCS object addressed by a gs:// URI.
func ReadGCSObject(ctx context.Context, client *storage.Client, uri string) ([]byte, error) {
	bucket, object, err := ParseGCSURI(uri)
	if err != nil {
		return nil, err
	}
	reader, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open GCS object %s: %w", uri, err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read GCS object %s: %w", uri, err)
	}
	return data, nil
}

// ReadJSONObject reads a GCS object and unmarshals it into out.
func ReadJSONObject(ctx context.Context, client *storage.Client, uri string, out interface{}) error {
	data, err := ReadGCSObject(ctx, client, uri)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode JSON from %s: %w", uri, err)
	}
	return nil
}

// WriteJSONObject marshals v and writes it to the given gs:// URI atomically.
func WriteJSONObject(ctx context.Context, client *storage.Client, uri string, v interface{}) error {
	bucket, object, err := ParseGCSURI(uri)
	if err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode JSON for %s: %w", uri, err)
	}
	return SaveToGCSAtomically(ctx, client.Bucket(bucket), object, string(data))
}
