package static

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// ErrInvalidCompressionLevel reports a compression level outside 0..9.
var ErrInvalidCompressionLevel = errors.New("invalid compression level")

type codec struct {
	encoding  string
	newWriter func(w io.Writer, level int) (io.WriteCloser, error)
}

// codecs lists the supported encodings in server preference order.
var codecs = []codec{
	{
		encoding: "gzip",
		newWriter: func(w io.Writer, level int) (io.WriteCloser, error) {
			return gzip.NewWriterLevel(w, level)
		},
	},
	{
		encoding: "deflate",
		newWriter: func(w io.Writer, level int) (io.WriteCloser, error) {
			return zlib.NewWriterLevel(w, level)
		},
	},
}

// Encodings returns the supported content encodings in preference order.
func Encodings() []string {
	out := make([]string, 0, len(codecs))
	for _, c := range codecs {
		out = append(out, c.encoding)
	}
	return out
}

func lookupCodec(encoding string) (codec, bool) {
	for _, c := range codecs {
		if c.encoding == encoding {
			return c, true
		}
	}
	return codec{}, false
}

// Compress encodes data with encoding at level.
func Compress(encoding string, data []byte, level int) ([]byte, error) {
	c, ok := lookupCodec(encoding)
	if !ok {
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
	var buf bytes.Buffer
	w, err := c.newWriter(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Gzip compresses static resources for clients that accept gzip or deflate.
// A level of 0 disables the stage.
type Gzip struct {
	level int
}

// NewGzip returns the compression stage. Levels above 9 are rejected.
func NewGzip(level int) (*Gzip, error) {
	if level > 9 {
		return nil, fmt.Errorf("%w: %d; only allows compression levels up to 9", ErrInvalidCompressionLevel, level)
	}
	if level < 0 {
		return nil, fmt.Errorf("%w: %d; must not be negative", ErrInvalidCompressionLevel, level)
	}
	return &Gzip{level: level}, nil
}

// Level returns the configured compression level.
func (g *Gzip) Level() int { return g.level }

func (g *Gzip) Process(r *http.Request, filePath string, next Next) *Response {
	resp := next(r, filePath)
	if resp == nil || g.level < 1 || resp.Content.Kind != ContentVerbatim {
		return resp
	}
	encoding := negotiateEncoding(r.Header.Get("Accept-Encoding"))
	if encoding == "" {
		return resp
	}
	resp.Content = Content{Kind: ContentTransform, Encoding: encoding, Level: g.level}
	return resp
}

// negotiateEncoding picks the first supported encoding, in server
// preference order, that the Accept-Encoding header lists without q=0.
func negotiateEncoding(header string) string {
	if header == "" {
		return ""
	}
	accepted := make(map[string]bool)
	for _, part := range strings.Split(header, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		accepted[name] = !rejectsEncoding(params)
	}
	for _, c := range codecs {
		if accepted[c.encoding] {
			return c.encoding
		}
	}
	return ""
}

func rejectsEncoding(params string) bool {
	for _, p := range strings.Split(params, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(k), "q") {
			continue
		}
		v = strings.TrimSpace(v)
		return v == "0" || strings.Trim(v, "0.") == ""
	}
	return false
}
