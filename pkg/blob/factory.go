package blob

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Open builds a store from a URL:
//
//	mem://                     in-memory
//	file:///var/lib/cmo/blobs  filesystem
//	s3://bucket/prefix?region=us-east-1&endpoint=http://localhost:9000
//	gcs://bucket/prefix        requires the gcp build tag
//
// An empty URL defaults to mem://.
func Open(ctx context.Context, rawURL string) (Store, error) {
	if rawURL == "" {
		return NewMemoryStore(), nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("blob: parse store url %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "mem", "memory":
		return NewMemoryStore(), nil
	case "file":
		if u.Path == "" {
			return nil, fmt.Errorf("blob: file store url %q has no path", rawURL)
		}
		return NewFileStore(u.Path)
	case "s3":
		return NewS3Store(ctx, S3Config{
			Bucket:   u.Host,
			Prefix:   keyPrefix(u.Path),
			Region:   u.Query().Get("region"),
			Endpoint: u.Query().Get("endpoint"),
		})
	case "gcs":
		return newGCSFromURL(ctx, u.Host, keyPrefix(u.Path))
	default:
		return nil, fmt.Errorf("blob: unsupported store scheme %q", u.Scheme)
	}
}

func keyPrefix(path string) string {
	p := strings.TrimPrefix(path, "/")
	if p != "" && !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}
