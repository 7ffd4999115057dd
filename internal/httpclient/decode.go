package httpclient

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// AcceptEncoding is sent on upstream requests so CDNs can compress playlists.
// Segments are usually pre-compressed media and come back identity-encoded.
const AcceptEncoding = "gzip, br"

// DecodedBody wraps resp.Body with the decoder matching Content-Encoding.
// The returned ReadCloser closes the underlying body. Identity (or unknown)
// encodings are passed through untouched.
func DecodedBody(resp *http.Response) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "br":
		return &decodedReadCloser{r: brotli.NewReader(resp.Body), c: resp.Body}, nil
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		return &decodedReadCloser{r: zr, c: resp.Body}, nil
	default:
		return resp.Body, nil
	}
}

type decodedReadCloser struct {
	r io.Reader
	c io.Closer
}

func (d *decodedReadCloser) Read(p []byte) (int, error) { return d.r.Read(p) }

func (d *decodedReadCloser) Close() error { return d.c.Close() }
