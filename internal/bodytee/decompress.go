package bodytee

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
)

// Decompress transparently decodes a response observer-stream chunk
// according to contentEncoding ("gzip", "deflate" (zlib-wrapped), "br", or
// "identity"/""). Request bodies are always captured raw and never passed
// through this — only the response observer stream is decompressed, and
// only for capture; the bytes sent to the client are never touched.
//
// Each call decodes the full accumulated body, since the compressed
// formats here are not byte-aligned per-chunk; callers accumulate observer
// frames for a trace and decompress once at ResponseBody(end).
func Decompress(body []byte, contentEncoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "", "identity":
		return body, nil
	case "gzip":
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	case "deflate":
		r, err := zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("deflate: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	case "br":
		r := brotli.NewReader(bytes.NewReader(body))
		return io.ReadAll(r)
	default:
		return nil, fmt.Errorf("unsupported content-encoding %q", contentEncoding)
	}
}
