package static

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// DefaultTypeMap maps the extensions served as static resources to their
// content types. Anything else (notably .php) falls through to the
// application.
var DefaultTypeMap = map[string]string{
	"avif":  "image/avif",
	"css":   "text/css",
	"csv":   "text/csv",
	"eot":   "application/vnd.ms-fontobject",
	"gif":   "image/gif",
	"htm":   "text/html",
	"html":  "text/html",
	"ico":   "image/x-icon",
	"jpeg":  "image/jpeg",
	"jpg":   "image/jpeg",
	"js":    "application/javascript",
	"json":  "application/json",
	"map":   "application/json",
	"mp3":   "audio/mpeg",
	"mp4":   "video/mp4",
	"otf":   "font/otf",
	"pdf":   "application/pdf",
	"png":   "image/png",
	"svg":   "image/svg+xml",
	"ttf":   "font/ttf",
	"txt":   "text/plain",
	"wasm":  "application/wasm",
	"webm":  "video/webm",
	"webp":  "image/webp",
	"woff":  "font/woff",
	"woff2": "font/woff2",
	"xml":   "application/xml",
	"zip":   "application/zip",
}

// ContentTypeFilter is the resolving stage: when filePath is a regular file
// with a known extension it creates the response, otherwise it defers to
// next. It sits innermost so every other stage sees its result.
type ContentTypeFilter struct {
	types map[string]string
}

// NewContentTypeFilter returns a filter over types; a nil map selects
// DefaultTypeMap. Extensions are matched case-insensitively.
func NewContentTypeFilter(types map[string]string) *ContentTypeFilter {
	if types == nil {
		types = DefaultTypeMap
	}
	normalized := make(map[string]string, len(types))
	for ext, ct := range types {
		normalized[strings.ToLower(strings.TrimPrefix(ext, "."))] = ct
	}
	return &ContentTypeFilter{types: normalized}
}

func (f *ContentTypeFilter) Process(r *http.Request, filePath string, next Next) *Response {
	if filePath == "" {
		return next(r, filePath)
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filePath), "."))
	contentType, ok := f.types[ext]
	if !ok {
		return next(r, filePath)
	}
	info, err := os.Stat(filePath)
	if err != nil || !info.Mode().IsRegular() {
		return next(r, filePath)
	}
	return newResponse(info, contentType)
}
