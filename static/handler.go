// Package static serves files from a document root ahead of the application
// handler, through an ordered chain of middleware stages.
package static

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/baremetalphp/appserver/emitter"
)

// Rule maps a URL prefix onto a directory below the project root.
type Rule struct {
	Prefix string `mapstructure:"prefix" json:"prefix"`
	Dir    string `mapstructure:"dir" json:"dir"`
}

// Handler resolves request paths to files and runs the middleware chain.
type Handler struct {
	rules     []Rule
	stages    []Middleware
	next      Next
	chunkSize int
}

// Option configures a Handler.
type Option func(*Handler)

// WithMiddleware replaces the stage list. Stages run in the given order, so
// the resolving stage (ContentTypeFilter) belongs last.
func WithMiddleware(stages ...Middleware) Option {
	return func(h *Handler) {
		h.stages = stages
	}
}

// WithChunkSize overrides the size of verbatim body writes.
func WithChunkSize(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.chunkSize = n
		}
	}
}

// DefaultMiddleware returns the standard stage order around the resolving
// filter.
func DefaultMiddleware(compressionLevel int, cacheRules []CacheRule, weakETags bool, types map[string]string) ([]Middleware, error) {
	gz, err := NewGzip(compressionLevel)
	if err != nil {
		return nil, err
	}
	cc, err := NewCacheControl(cacheRules)
	if err != nil {
		return nil, err
	}
	return []Middleware{
		MethodNotAllowed(),
		Options(),
		Head(),
		LastModified(),
		NewETag(weakETags),
		cc,
		gz,
		NewContentTypeFilter(types),
	}, nil
}

// NewHandler returns a handler serving rules, each mapping a URL prefix to a
// directory. Directories that do not exist are an error.
func NewHandler(rules []Rule, opts ...Option) (*Handler, error) {
	h := &Handler{chunkSize: emitter.ChunkSize}
	for i, rule := range rules {
		if rule.Dir == "" {
			return nil, fmt.Errorf("static rule %d: empty dir", i)
		}
		info, err := os.Stat(rule.Dir)
		if err != nil {
			return nil, fmt.Errorf("static rule %d: %w", i, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("static rule %d: %s is not a directory", i, rule.Dir)
		}
		prefix := rule.Prefix
		if !strings.HasPrefix(prefix, "/") {
			prefix = "/" + prefix
		}
		if !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}
		h.rules = append(h.rules, Rule{Prefix: prefix, Dir: filepath.Clean(rule.Dir)})
	}
	h.stages = []Middleware{NewContentTypeFilter(nil)}
	for _, opt := range opts {
		opt(h)
	}
	h.next = chain(h.stages)
	return h, nil
}

// Resolve maps a URL path onto a file below one of the rule directories.
// Rules whose remainder could escape their directory are skipped; "" means
// no rule produced a safe path.
func (h *Handler) Resolve(urlPath string) string {
	first := ""
	for _, rule := range h.rules {
		if !strings.HasPrefix(urlPath, rule.Prefix) {
			continue
		}
		rel, ok := safeRelPath(strings.TrimPrefix(urlPath, rule.Prefix))
		if !ok {
			continue
		}
		candidate := filepath.Join(rule.Dir, filepath.FromSlash(rel))
		if first == "" {
			first = candidate
		}
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return first
}

// safeRelPath rejects traversal, NUL bytes, backslashes and absolute paths.
func safeRelPath(rel string) (string, bool) {
	if rel == "" || strings.IndexByte(rel, 0) != -1 || strings.Contains(rel, "\\") || strings.HasPrefix(rel, "/") {
		return "", false
	}
	for _, seg := range strings.Split(rel, "/") {
		if seg == "." || seg == ".." {
			return "", false
		}
	}
	clean := path.Clean(rel)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", false
	}
	return clean, true
}

// Process runs the pipeline for r. A nil response means nothing was written:
// either r is not a static resource, or (with a non-nil error) the body could
// not be prepared. Otherwise the response has been written to sink; the error
// reports a failed write.
func (h *Handler) Process(r *http.Request, sink emitter.Sink) (*Response, error) {
	filePath := h.Resolve(r.URL.Path)
	if filePath == "" {
		return nil, nil
	}
	resp := h.next(r, filePath)
	if resp == nil {
		return nil, nil
	}

	var (
		body       *os.File
		compressed []byte
	)
	if resp.Content.Kind == ContentTransform || resp.Content.Kind == ContentVerbatim {
		f, err := os.Open(filePath)
		if err != nil {
			return nil, fmt.Errorf("open static file: %w", err)
		}
		defer f.Close()
		body = f
	}
	if resp.Content.Kind == ContentTransform {
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("read static file: %w", err)
		}
		if compressed, err = Compress(resp.Content.Encoding, data, resp.Content.Level); err != nil {
			return nil, fmt.Errorf("compress static file: %w", err)
		}
	}
	return resp, h.write(sink, resp, body, compressed)
}

func (h *Handler) write(sink emitter.Sink, resp *Response, body *os.File, compressed []byte) error {
	sink.Status(resp.Status)
	for _, name := range resp.Header.Names() {
		sink.Header(name, strings.Join(resp.Header.Values(name), ", "))
	}

	switch resp.Content.Kind {
	case ContentTransform:
		return writeCompressed(sink, resp.Content.Encoding, compressed, resp.headersOnly)
	case ContentVerbatim:
		return h.writeVerbatim(sink, resp, body)
	default:
		if resp.ContentLength >= 0 {
			sink.Header("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
		}
		return sink.End(nil)
	}
}

// writeCompressed sends the whole compressed file in one write; compressed
// bodies are never chunked.
func writeCompressed(sink emitter.Sink, encoding string, compressed []byte, headersOnly bool) error {
	sink.Header("Content-Encoding", encoding)
	sink.Header("Connection", "close")
	sink.Header("Content-Length", strconv.Itoa(len(compressed)))
	if headersOnly {
		return sink.End(nil)
	}
	if err := sink.Write(compressed); err != nil {
		return err
	}
	return sink.End(nil)
}

func (h *Handler) writeVerbatim(sink emitter.Sink, resp *Response, f *os.File) error {
	sink.Header("Content-Length", strconv.FormatInt(resp.ContentLength, 10))

	if resp.ContentLength <= int64(h.chunkSize) {
		data, err := io.ReadAll(f)
		if err != nil {
			return fmt.Errorf("read static file: %w", err)
		}
		return sink.End(data)
	}

	buf := make([]byte, h.chunkSize)
	for {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			if werr := sink.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read static file: %w", err)
		}
	}
	return sink.End(nil)
}
