package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/voxlingo/voxlingo/pkg/convo"
)

// s3API is the minimal AWS S3 interface required by Bucket.
// *s3.Client from aws-sdk-go-v2 satisfies this interface.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Bucket stores audio blobs durably and hands back public URLs.
type Bucket struct {
	api       s3API
	bucket    string
	publicURL string
	logger    *slog.Logger
}

type Options struct {
	Bucket string
	// PublicBaseURL is the prefix public object URLs are built from, e.g. a
	// CDN or the bucket website endpoint. Defaults to the bucket's
	// s3.amazonaws.com endpoint.
	PublicBaseURL string
	Logger        *slog.Logger
}

// New wraps an existing S3 API implementation.
func New(api s3API, opts Options) (*Bucket, error) {
	if api == nil {
		return nil, errors.New("blob: api must not be nil")
	}
	bucket := strings.TrimSpace(opts.Bucket)
	if bucket == "" {
		return nil, errors.New("blob: bucket is required")
	}
	publicBaseURL := strings.TrimRight(strings.TrimSpace(opts.PublicBaseURL), "/")
	if publicBaseURL == "" {
		publicBaseURL = fmt.Sprintf("https://%s.s3.amazonaws.com", bucket)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bucket{api: api, bucket: bucket, publicURL: publicBaseURL, logger: logger}, nil
}

// Connect loads the ambient AWS configuration and returns a Bucket over a
// real S3 client.
func Connect(ctx context.Context, opts Options) (*Bucket, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("blob: load aws config: %w", err)
	}
	return New(s3.NewFromConfig(cfg), opts)
}

// Store uploads the payload under a fresh key in the given namespace and
// returns its public URL. Upload failures are permanent for the current
// turn.
func (b *Bucket) Store(ctx context.Context, data []byte, mimeType, namespace string) (string, error) {
	if len(data) == 0 {
		return "", convo.NewInvalidRequestErrorWithParam("audio payload must not be empty", "audio")
	}
	if strings.TrimSpace(mimeType) == "" {
		mimeType = "audio/mpeg"
	}

	key := ObjectKey(namespace, mimeType)
	_, err := b.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(mimeType),
	})
	if err != nil {
		// The wire error stays opaque; keep the cause in the logs.
		b.logger.Warn("audio upload failed", "bucket", b.bucket, "key", key, "error", err)
		return "", convo.NewStorageError("audio upload failed")
	}
	return b.publicURL + "/" + key, nil
}

// ObjectKey builds a unique object key under the namespace prefix, with a
// file extension derived from the mime type when one is known.
func ObjectKey(namespace, mimeType string) string {
	name := uuid.NewString()
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		name += exts[0]
	}
	namespace = strings.Trim(strings.TrimSpace(namespace), "/")
	if namespace == "" {
		return name
	}
	return namespace + "/" + name
}
