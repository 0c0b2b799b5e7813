package fetcher

import (
	"compress/gzip"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

// MaybeGunzip wraps rc in a gzip reader when force is set or name carries a
// .gz suffix. Closing the returned reader closes both layers.
func MaybeGunzip(rc io.ReadCloser, name string, force bool) (io.ReadCloser, error) {
	if !force && !strings.HasSuffix(strings.ToLower(name), ".gz") {
		return rc, nil
	}
	zr, err := gzip.NewReader(rc)
	if err != nil {
		_ = rc.Close()
		return nil, eris.Wrap(err, "gzip: open stream")
	}
	return &gunzipReader{zr: zr, inner: rc}, nil
}

type gunzipReader struct {
	zr    *gzip.Reader
	inner io.ReadCloser
}

func (g *gunzipReader) Read(p []byte) (int, error) {
	return g.zr.Read(p)
}

func (g *gunzipReader) Close() error {
	zErr := g.zr.Close()
	innerErr := g.inner.Close()
	if zErr != nil {
		return eris.Wrap(zErr, "gzip: close stream")
	}
	if innerErr != nil {
		return eris.Wrap(innerErr, "gzip: close source")
	}
	return nil
}
