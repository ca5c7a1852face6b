package static

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

const (
	encodingZstd = "zstd"
	encodingGzip = "gzip"
)

// preferredEncodings is the server-side preference order
var preferredEncodings = []string{encodingZstd, encodingGzip}

// encoder compresses whole bodies in memory. Response sizes are bounded by
// the configured compression window, so streaming is not needed.
type encoder struct {
	zstd *zstd.Encoder
}

func newEncoder() (*encoder, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	return &encoder{zstd: enc}, nil
}

// encode appends the encoded form of src to dst.
func (e *encoder) encode(dst *bytes.Buffer, encoding string, src []byte) error {
	switch encoding {
	case encodingZstd:
		// EncodeAll is safe for concurrent use
		dst.Write(e.zstd.EncodeAll(src, make([]byte, 0, len(src)/2)))
		return nil
	case encodingGzip:
		gz, err := gzip.NewWriterLevel(dst, gzip.DefaultCompression)
		if err != nil {
			return err
		}
		if _, err := gz.Write(src); err != nil {
			_ = gz.Close()
			return err
		}
		return gz.Close()
	default:
		return fmt.Errorf("unsupported encoding %q", encoding)
	}
}

func (e *encoder) Close() error {
	return e.zstd.Close()
}

// negotiateEncoding picks the first preferred encoding the client accepts.
// An empty result means the body goes out as-is.
func negotiateEncoding(acceptEncoding string) string {
	if acceptEncoding == "" {
		return ""
	}
	accepted := make(map[string]bool)
	wildcard := false
	for _, part := range strings.Split(acceptEncoding, ",") {
		name, params, _ := strings.Cut(part, ";")
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		ok := qualityNonZero(params)
		if name == "*" {
			wildcard = ok
			continue
		}
		accepted[name] = ok
	}
	for _, enc := range preferredEncodings {
		if ok, listed := accepted[enc]; listed {
			if ok {
				return enc
			}
			continue
		}
		if wildcard {
			return enc
		}
	}
	return ""
}

// qualityNonZero parses ";q=..." parameters; a missing q means 1.
func qualityNonZero(params string) bool {
	for _, p := range strings.Split(params, ";") {
		k, v, found := strings.Cut(strings.TrimSpace(p), "=")
		if !found || !strings.EqualFold(strings.TrimSpace(k), "q") {
			continue
		}
		q, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return false
		}
		return q > 0
	}
	return true
}
