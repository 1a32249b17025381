package manifest

import (
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// openS3 fetches an s3://bucket/key component source using the default AWS
// credential chain.
func openS3(ctx context.Context, url string) (io.ReadCloser, error) {
	bucket, key, err := splitBucketKey(url, "s3://")
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("s3 fetch %s: load aws config: %w", url, err)
	}
	client := s3.NewFromConfig(cfg)
	out, err := client.GetObject(ctx, &s3.GetObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		return nil, fmt.Errorf("s3 fetch %s: %w", url, err)
	}
	return out.Body, nil
}

// openGCS fetches a gs://bucket/object component source using application
// default credentials.
func openGCS(ctx context.Context, url string) (io.ReadCloser, error) {
	bucket, object, err := splitBucketKey(url, "gs://")
	if err != nil {
		return nil, err
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs fetch %s: new client: %w", url, err)
	}
	r, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("gcs fetch %s: %w", url, err)
	}
	return &gcsReadCloser{r: r, client: client}, nil
}

type gcsReadCloser struct {
	r      io.ReadCloser
	client *storage.Client
}

func (g *gcsReadCloser) Read(p []byte) (int, error) { return g.r.Read(p) }

func (g *gcsReadCloser) Close() error {
	err := g.r.Close()
	_ = g.client.Close()
	return err
}

func splitBucketKey(url, prefix string) (bucket, key string, err error) {
	rest := strings.TrimPrefix(url, prefix)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed remote url %q: expected %sbucket/key", url, prefix)
	}
	return parts[0], parts[1], nil
}
