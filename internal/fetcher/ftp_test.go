package fetcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFTPURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		wantHost string
		wantPath string
		wantErr  string
	}{
		{
			name:     "default port",
			url:      "ftp://ftp.example.org/pub/catalog.csv.gz",
			wantHost: "ftp.example.org:21",
			wantPath: "/pub/catalog.csv.gz",
		},
		{
			name:     "explicit port",
			url:      "ftp://ftp.example.org:2121/data.jsonl",
			wantHost: "ftp.example.org:2121",
			wantPath: "/data.jsonl",
		},
		{
			name:    "wrong scheme",
			url:     "https://example.org/file",
			wantErr: "expected ftp scheme",
		},
		{
			name:    "empty path",
			url:     "ftp://ftp.example.org",
			wantErr: "empty path",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, path, err := parseFTPURL(tt.url)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantPath, path)
		})
	}
}

func TestNewFTPFetcher_DefaultTimeout(t *testing.T) {
	f := NewFTPFetcher(FTPOptions{})
	assert.Equal(t, 30*time.Second, f.opts.Timeout)
}
