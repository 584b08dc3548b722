// utils/r2.go
package utils

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ErrR2NotConfigured is returned by InitR2 when the account or bucket is unset.
var ErrR2NotConfigured = errors.New("r2 not configured")

// R2Client writes objects to a Cloudflare R2 bucket.
type R2Client struct {
	client *s3.Client
	bucket string
}

// InitR2 builds a client from CLOUDFLARE_ACCOUNT_ID, R2_ACCESS_KEY_ID,
// R2_ACCESS_KEY_SECRET and R2_BUCKET_NAME.
func InitR2(ctx context.Context) (*R2Client, error) {
	accountID := Env("CLOUDFLARE_ACCOUNT_ID", "")
	bucket := Env("R2_BUCKET_NAME", "")
	if accountID == "" || bucket == "" {
		return nil, ErrR2NotConfigured
	}

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion("auto"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			Env("R2_ACCESS_KEY_ID", ""), Env("R2_ACCESS_KEY_SECRET", ""), "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load R2 config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID))
	})
	return &R2Client{client: client, bucket: bucket}, nil
}

// PutObject uploads body under key.
func (r *R2Client) PutObject(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := r.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(r.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s to R2: %w", key, err)
	}
	return nil
}
