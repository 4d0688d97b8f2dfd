package static

import (
	"net/http"
	"strings"
)

var allowedMethods = []string{http.MethodGet, http.MethodHead, http.MethodOptions}

var allowHeader = strings.Join(allowedMethods, ", ")

// MethodNotAllowed answers 405 for static resources requested with a method
// other than GET, HEAD or OPTIONS.
func MethodNotAllowed() Middleware {
	return MiddlewareFunc(func(r *http.Request, filePath string, next Next) *Response {
		resp := next(r, filePath)
		if resp == nil {
			return nil
		}
		for _, m := range allowedMethods {
			if r.Method == m {
				return resp
			}
		}
		resp.Status = http.StatusMethodNotAllowed
		resp.Header.Set("Allow", allowHeader)
		resp.ContentLength = -1
		resp.DisableContent()
		return resp
	})
}

// Options answers OPTIONS requests for static resources with the allowed
// methods and no body.
func Options() Middleware {
	return MiddlewareFunc(func(r *http.Request, filePath string, next Next) *Response {
		resp := next(r, filePath)
		if resp == nil || r.Method != http.MethodOptions {
			return resp
		}
		resp.Status = http.StatusOK
		resp.Header.Set("Allow", allowHeader)
		resp.ContentLength = 0
		resp.DisableContent()
		return resp
	})
}

// Head drops the body of HEAD responses, keeping Content-Length. A
// compressed response keeps its encoding headers so HEAD matches GET.
func Head() Middleware {
	return MiddlewareFunc(func(r *http.Request, filePath string, next Next) *Response {
		resp := next(r, filePath)
		if resp == nil || r.Method != http.MethodHead {
			return resp
		}
		if resp.Content.Kind == ContentTransform {
			resp.headersOnly = true
			return resp
		}
		resp.DisableContent()
		return resp
	})
}
