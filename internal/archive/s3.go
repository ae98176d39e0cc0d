// Package archive exports finished runs to S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/flexinfer/conductor/internal/runstore"
)

// S3Archiver writes a run's metadata and retained event log to an S3 or
// MinIO bucket when the run finishes. Export is best effort: the scheduler
// fires it after the terminal status and never blocks on it.
type S3Archiver struct {
	client *s3.Client
	store  runstore.RunStore
	bucket string
	prefix string
}

// S3Config holds S3/MinIO connection configuration.
type S3Config struct {
	// Endpoint for MinIO ("minio.conductor.svc:9000"); empty for AWS S3.
	Endpoint string

	// Bucket name.
	Bucket string

	// Region (required for AWS S3, optional for MinIO).
	Region string

	// Credentials; empty uses the default provider chain.
	AccessKeyID     string
	SecretAccessKey string

	// UseSSL enables HTTPS for custom endpoints.
	UseSSL bool

	// Prefix is prepended to all archive keys.
	Prefix string
}

// NewS3Archiver creates an archiver over the given store.
func NewS3Archiver(store runstore.RunStore, cfg *S3Config) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		endpoint := fmt.Sprintf("%s://%s", scheme, cfg.Endpoint)
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			// Path-style addressing, required for MinIO.
			o.UsePathStyle = true
		})
	}

	return &S3Archiver{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		store:  store,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// ArchiveRun writes <prefix>/<run_id>/run.json and events.ndjson. Only
// events still retained by the store make it into the archive; earlier
// events may already have been evicted.
func (a *S3Archiver) ArchiveRun(ctx context.Context, runID string) error {
	run, err := a.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("get run: %w", err)
	}

	runJSON, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	if err := a.put(ctx, a.key(runID, "run.json"), runJSON, "application/json"); err != nil {
		return err
	}

	events, err := a.store.GetEventsSince(ctx, runID, "")
	if err != nil {
		return fmt.Errorf("get events: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, evt := range events {
		if err := enc.Encode(evt); err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
	}
	return a.put(ctx, a.key(runID, "events.ndjson"), buf.Bytes(), "application/x-ndjson")
}

// FetchArchivedEvents reads a run's archived event log back, one event per
// NDJSON line.
func (a *S3Archiver) FetchArchivedEvents(ctx context.Context, runID string) ([]json.RawMessage, error) {
	result, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(runID, "events.ndjson")),
	})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	defer result.Body.Close()

	var events []json.RawMessage
	dec := json.NewDecoder(result.Body)
	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		events = append(events, raw)
	}
	return events, nil
}

func (a *S3Archiver) put(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(body))),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

func (a *S3Archiver) key(runID, name string) string {
	if a.prefix == "" {
		return runID + "/" + name
	}
	return a.prefix + "/" + runID + "/" + name
}
