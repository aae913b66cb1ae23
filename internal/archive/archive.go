// Package archive persists the scheduler's monthly aggregate report to S3
// (or MinIO-compatible storage) and hands back a presigned retrieval URL.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/lumenguard/licensed/internal/eventbus"
)

// Config carries the object-storage connection settings report archival
// needs.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string // optional, for MinIO-compatible storage
	AccessKeyID     string
	SecretAccessKey string
	URLExpiry       time.Duration // default 24h
}

// Archive uploads monthly report snapshots to S3 and presigns retrieval.
type Archive struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
	urlExpiry time.Duration
	log       zerolog.Logger
}

// New constructs an Archive. A custom endpoint switches the client to
// path-style addressing for MinIO compatibility.
func New(ctx context.Context, cfg Config, log zerolog.Logger) (*Archive, error) {
	if cfg.URLExpiry == 0 {
		cfg.URLExpiry = 24 * time.Hour
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var client *s3.Client
	if cfg.Endpoint != "" {
		client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	} else {
		client = s3.NewFromConfig(awsCfg)
	}

	return &Archive{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    cfg.Bucket,
		urlExpiry: cfg.URLExpiry,
		log:       log.With().Str("component", "archive").Logger(),
	}, nil
}

// ReportKey builds the S3 object key for a given report month, e.g.
// "reports/2026-07.json".
func ReportKey(generatedAt time.Time) string {
	return fmt.Sprintf("reports/%s.json", generatedAt.Format("2006-01"))
}

// StoreReport uploads a JSON-encoded report payload and returns a presigned
// retrieval URL valid for urlExpiry.
func (a *Archive) StoreReport(ctx context.Context, generatedAt time.Time, payload map[string]interface{}) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}

	key := ReportKey(generatedAt)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("upload report: %w", err)
	}

	presigned, err := a.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(a.urlExpiry))
	if err != nil {
		return "", fmt.Errorf("presign report url: %w", err)
	}

	a.log.Info().Str("key", key).Msg("monthly report archived")
	return presigned.URL, nil
}

// Subscribe drives archival off the Event Bus's admin topic, so the
// Scheduler's monthly_report publish is the only coupling between the two
// packages — the Scheduler never imports archive directly.
func (a *Archive) Subscribe(ctx context.Context, bus *eventbus.Bus) {
	sub := bus.Subscribe(eventbus.AdminTopic, "archive-monthly-report")
	go func() {
		for ev := range sub.C {
			if ev.Type != "monthly_report" {
				continue
			}
			generatedAt, _ := ev.Payload["generated_at"].(time.Time)
			if generatedAt.IsZero() {
				generatedAt = time.Now().UTC()
			}
			storeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			if _, err := a.StoreReport(storeCtx, generatedAt, ev.Payload); err != nil {
				a.log.Error().Err(err).Msg("archive monthly report failed")
			}
			cancel()
		}
	}()
}
