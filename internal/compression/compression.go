// Package compression compresses collector request bodies. Two wire
// encodings are supported, gzip and zstd, mirroring what common event
// collectors accept.
package compression

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Type represents a compression algorithm.
type Type string

const (
	// TypeNone sends request bodies uncompressed.
	TypeNone Type = "none"
	// TypeGzip uses gzip.
	TypeGzip Type = "gzip"
	// TypeZstd uses zstd.
	TypeZstd Type = "zstd"
)

// ParseType parses a compression type string.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return TypeNone, nil
	case "gzip":
		return TypeGzip, nil
	case "zstd":
		return TypeZstd, nil
	default:
		return TypeNone, fmt.Errorf("unsupported compression type: %s", s)
	}
}

// ContentEncoding returns the HTTP Content-Encoding header value for the
// type, empty for none.
func (t Type) ContentEncoding() string {
	switch t {
	case TypeGzip:
		return "gzip"
	case TypeZstd:
		return "zstd"
	default:
		return ""
	}
}

// Compress compresses data with the given type. TypeNone returns the input
// unchanged.
func Compress(data []byte, t Type) ([]byte, error) {
	switch t {
	case TypeNone, "":
		return data, nil
	case TypeGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("gzip write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("gzip close: %w", err)
		}
		return buf.Bytes(), nil
	case TypeZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		out := enc.EncodeAll(data, nil)
		_ = enc.Close()
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", t)
	}
}
