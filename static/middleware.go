package static

import "net/http"

// Next runs the remaining stages. It returns nil when the path is not a
// static resource.
type Next func(r *http.Request, filePath string) *Response

// Middleware is one stage of the static pipeline. A stage returns the
// response from next, possibly decorated, or returns next's nil untouched.
type Middleware interface {
	Process(r *http.Request, filePath string, next Next) *Response
}

// MiddlewareFunc adapts a function to Middleware.
type MiddlewareFunc func(r *http.Request, filePath string, next Next) *Response

func (f MiddlewareFunc) Process(r *http.Request, filePath string, next Next) *Response {
	return f(r, filePath, next)
}

func exhausted(*http.Request, string) *Response { return nil }

// chain composes stages so that stages[0] runs first.
func chain(stages []Middleware) Next {
	next := Next(exhausted)
	for i := len(stages) - 1; i >= 0; i-- {
		stage, inner := stages[i], next
		next = func(r *http.Request, filePath string) *Response {
			return stage.Process(r, filePath, inner)
		}
	}
	return next
}
