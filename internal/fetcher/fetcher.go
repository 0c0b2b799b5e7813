// Package fetcher retrieves catalog source files over HTTP and FTP and
// decodes the formats they come in: OpenFoodFacts JSONL, delimited text and
// XLSX workbooks, each optionally gzip-compressed.
package fetcher

import (
	"context"
	"io"
)

// Fetcher downloads remote data.
type Fetcher interface {
	// Download fetches the URL and returns the response body. The caller
	// closes it.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// DownloadToFile fetches the URL into path and returns the bytes written.
	DownloadToFile(ctx context.Context, url string, path string) (int64, error)
}
