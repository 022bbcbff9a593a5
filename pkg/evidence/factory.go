package evidence

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
)

// NewStore picks a backend from the location's URL scheme:
//
//	artifacts              local directory (default when empty)
//	file:///var/artifacts  local directory
//	s3://bucket/prefix     AWS S3 (region from AWS_REGION, us-east-1 default)
//	gs://bucket/prefix     Google Cloud Storage
func NewStore(ctx context.Context, location string) (Store, error) {
	if location == "" {
		location = "artifacts"
	}
	if !strings.Contains(location, "://") {
		return NewFileStore(location)
	}
	u, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("evidence location %q: %w", location, err)
	}
	prefix := strings.TrimPrefix(u.Path, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	switch u.Scheme {
	case "file":
		return NewFileStore(u.Path)
	case "s3":
		region := os.Getenv("AWS_REGION")
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3Config{
			Bucket:   u.Host,
			Region:   region,
			Endpoint: os.Getenv("PLANCORE_S3_ENDPOINT"),
			Prefix:   prefix,
		})
	case "gs":
		return NewGCSStore(ctx, u.Host, prefix)
	default:
		return nil, fmt.Errorf("unsupported evidence scheme %q", u.Scheme)
	}
}
