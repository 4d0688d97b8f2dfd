package static

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// LastModified adds a Last-Modified header and answers 304 when the
// If-Modified-Since request header is not older than the file.
func LastModified() Middleware {
	return MiddlewareFunc(func(r *http.Request, filePath string, next Next) *Response {
		resp := next(r, filePath)
		if resp == nil || resp.info == nil {
			return resp
		}

		modTime := resp.ModTime().UTC().Truncate(time.Second)
		resp.Header.Set("Last-Modified", modTime.Format(http.TimeFormat))

		if resp.Status != http.StatusOK || !isConditionalMethod(r.Method) {
			return resp
		}
		// If-None-Match takes precedence (RFC 9110 13.2.2).
		if r.Header.Get("If-None-Match") != "" {
			return resp
		}
		since, err := http.ParseTime(r.Header.Get("If-Modified-Since"))
		if err != nil {
			return resp
		}
		if !modTime.After(since) {
			notModified(resp)
		}
		return resp
	})
}

// ETag adds an entity tag derived from modification time and size and
// answers 304 when If-None-Match matches it.
type ETag struct {
	weak bool
}

// NewETag returns the stage; weak selects W/ validators.
func NewETag(weak bool) *ETag { return &ETag{weak: weak} }

func (e *ETag) Process(r *http.Request, filePath string, next Next) *Response {
	resp := next(r, filePath)
	if resp == nil || resp.info == nil {
		return resp
	}

	tag := fmt.Sprintf(`"%x-%x"`, resp.ModTime().Unix(), resp.Size())
	if e.weak {
		tag = "W/" + tag
	}
	resp.Header.Set("ETag", tag)

	if resp.Status != http.StatusOK || !isConditionalMethod(r.Method) {
		return resp
	}
	if matchesETag(r.Header.Get("If-None-Match"), tag) {
		notModified(resp)
	}
	return resp
}

// matchesETag applies the weak comparison of RFC 9110 8.8.3.2.
func matchesETag(header, tag string) bool {
	if header == "" {
		return false
	}
	want := strings.TrimPrefix(tag, "W/")
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == want {
			return true
		}
	}
	return false
}

func isConditionalMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

func notModified(resp *Response) {
	resp.Status = http.StatusNotModified
	resp.ContentLength = -1
	resp.DisableContent()
}
