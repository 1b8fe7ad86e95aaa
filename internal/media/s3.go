// Package media turns stored preview references into URLs a browser can load.
// Group previews may point at private objects (s3://bucket/key or a bare key in the
// studio bucket); those are presigned for GET. Public http(s) URLs pass through.
package media

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Resolver resolves preview references.
type Resolver interface {
	PreviewURL(ctx context.Context, ref string) (string, error)
}

// Passthrough returns every reference unchanged.
type Passthrough struct{}

// PreviewURL implements Resolver.
func (Passthrough) PreviewURL(ctx context.Context, ref string) (string, error) { return ref, nil }

// S3Presigner presigns object references against an S3-compatible service.
type S3Presigner struct {
	presign *s3.PresignClient
	bucket  string
	expires time.Duration
}

// NewS3Presigner creates a presigner. It supports AWS S3 and S3-compatible services
// such as MinIO, using path-style addressing.
func NewS3Presigner(endpoint, region, bucket, accessKey, secretKey string, expires time.Duration) (*S3Presigner, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(endpoint))
	}
	if accessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(ctx context.Context) (aws.Credentials, error) {
				return aws.Credentials{
					AccessKeyID:     accessKey,
					SecretAccessKey: secretKey,
				}, nil
			})))
	}
	cfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})
	if expires <= 0 {
		expires = 15 * time.Minute
	}
	return &S3Presigner{
		presign: s3.NewPresignClient(client),
		bucket:  bucket,
		expires: expires,
	}, nil
}

// PreviewURL implements Resolver.
func (p *S3Presigner) PreviewURL(ctx context.Context, ref string) (string, error) {
	bucket, key, ok := ParseRef(ref, p.bucket)
	if !ok {
		return ref, nil
	}
	req, err := p.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = p.expires
	})
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", ref, err)
	}
	return req.URL, nil
}

// ParseRef splits an object reference into bucket and key. ok is false for empty
// references and for http(s) URLs, which need no signing. A bare key lives in
// defaultBucket; without one it is left alone.
func ParseRef(ref, defaultBucket string) (bucket, key string, ok bool) {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "":
		return "", "", false
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"), strings.HasPrefix(ref, "data:"):
		return "", "", false
	case strings.HasPrefix(ref, "s3://"):
		rest := strings.TrimPrefix(ref, "s3://")
		bucket, key, found := strings.Cut(rest, "/")
		if !found || bucket == "" || key == "" {
			return "", "", false
		}
		return bucket, key, true
	default:
		if defaultBucket == "" {
			return "", "", false
		}
		return defaultBucket, strings.TrimPrefix(ref, "/"), true
	}
}
