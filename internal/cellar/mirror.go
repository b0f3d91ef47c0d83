package cellar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectStore reads and writes objects in an S3-compatible bucket.
type ObjectStore interface {
	// Open returns the object body and its size, or -1 when unknown.
	Open(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error)
	Put(ctx context.Context, bucket, key, filePath string) error
}

// S3Store wraps the S3 client. It works against AWS as well as R2 and other
// S3-compatible endpoints.
type S3Store struct {
	Client *s3.Client
}

// NewS3Store initializes a client from the mirror settings. Static
// credentials are used when both keys are set; otherwise the default AWS
// credential chain applies.
func NewS3Store(ctx context.Context, m MirrorConfig) (*S3Store, error) {
	region := m.Region
	if region == "" {
		region = "auto"
	}
	options := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}
	if m.AccessKey != "" && m.SecretKey != "" {
		options = append(options, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(m.AccessKey, m.SecretKey, "")))
	}
	if m.Debug {
		options = append(options, config.WithClientLogMode(aws.LogRetries|aws.LogRequest|aws.LogResponse))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if m.Endpoint != "" {
			o.BaseEndpoint = aws.String(m.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Store{Client: client}, nil
}

// Open fetches an object.
func (s *S3Store) Open(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	out, err := s.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, 0, err
	}
	return out.Body, aws.ToInt64(out.ContentLength), nil
}

// Put uploads a file from disk.
func (s *S3Store) Put(ctx context.Context, bucket, key, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return err
	}

	_, err = s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          file,
		ContentLength: aws.Int64(stat.Size()),
		ContentType:   aws.String(contentTypeFor(key)),
	})
	return err
}

func contentTypeFor(key string) string {
	switch {
	case strings.HasSuffix(key, ".zst"):
		return "application/zstd"
	case strings.HasSuffix(key, ".gz"), strings.HasSuffix(key, ".tgz"):
		return "application/gzip"
	case strings.HasSuffix(key, ".xz"):
		return "application/x-xz"
	case strings.HasSuffix(key, ".zip"):
		return "application/zip"
	}
	return "application/octet-stream"
}

// MirrorKey is the object key of a resource in the source mirror. Keys are
// content addressed so a mirror never serves bytes for a different hash.
func MirrorKey(res Resource, d Digest) string {
	base := path.Base(res.URL)
	if base == "." || base == "/" {
		base = res.Name
	}
	return path.Join("sources", string(d.Algo), d.Hex, base)
}

// PublishArtifacts uploads verified artifacts to the mirror bucket.
func PublishArtifacts(ctx context.Context, store ObjectStore, m MirrorConfig, arts []*Artifact) error {
	if !m.Enabled() {
		return errors.New("no mirror bucket configured (CELLAR_MIRROR_BUCKET)")
	}
	logger := GetLogger("mirror")
	for _, a := range arts {
		key := MirrorKey(a.Resource, a.Digest)
		if err := store.Put(ctx, m.Bucket, key, a.Path); err != nil {
			return fmt.Errorf("failed to upload %s: %w", a.Resource.Name, err)
		}
		logger.Info().Str("resource", a.Resource.Name).Str("key", key).Msg("Uploaded to mirror")
		status("Mirrored %s as %s", a.Resource.Name, key)
	}
	return nil
}
