package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/labstack/echo/v4"
)

// DecompressRequests decodes request bodies sent with a Content-Encoding of
// gzip, deflate or zstd. Stacked encodings are undone last to first, and the
// decoded body is capped at maxBytes. Multipart uploads pass through untouched.
func DecompressRequests(maxBytes int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			encodings := contentEncodings(req.Header.Get(echo.HeaderContentEncoding))
			if len(encodings) == 0 || strings.HasPrefix(req.Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
				return next(c)
			}

			body := &decodedBody{closers: []io.Closer{req.Body}}
			var r io.Reader = req.Body
			for i := len(encodings) - 1; i >= 0; i-- {
				dec, err := newDecoder(encodings[i], r)
				if err != nil {
					body.Close()
					var he *echo.HTTPError
					if errors.As(err, &he) {
						return he
					}
					return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid %s body", encodings[i]))
				}
				body.closers = append(body.closers, dec)
				r = dec
			}
			body.Reader = r
			if maxBytes > 0 {
				req.Body = http.MaxBytesReader(c.Response(), body, maxBytes)
			} else {
				req.Body = body
			}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)
			return next(c)
		}
	}
}

// contentEncodings lists the codings in the order they were applied,
// dropping identity.
func contentEncodings(header string) []string {
	var out []string
	for _, enc := range strings.Split(header, ",") {
		enc = strings.ToLower(strings.TrimSpace(enc))
		if enc == "" || enc == "identity" {
			continue
		}
		out = append(out, enc)
	}
	return out
}

func newDecoder(encoding string, r io.Reader) (io.ReadCloser, error) {
	switch encoding {
	case "gzip", "x-gzip":
		return gzip.NewReader(r)
	case "deflate":
		return zlib.NewReader(r)
	case "zstd":
		d, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	default:
		return nil, echo.NewHTTPError(http.StatusUnsupportedMediaType, fmt.Sprintf("unsupported content encoding %q", encoding))
	}
}

// decodedBody closes the decoder chain innermost first, then the raw body.
type decodedBody struct {
	io.Reader
	closers []io.Closer
}

func (b *decodedBody) Close() error {
	var first error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
