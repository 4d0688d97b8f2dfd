package dispatch

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"

	"github.com/google/uuid"

	"github.com/baremetalphp/appserver/message"
)

// ErrBodyTooLarge reports a request body over the configured limit.
var ErrBodyTooLarge = errors.New("request body too large")

// RequestFactory turns an incoming request into the message handed to the
// application handler.
type RequestFactory func(r *http.Request) (*message.Request, error)

// NewRequestFactory returns a factory that mints a request id, copies
// headers, extends X-Forwarded-For and reads at most maxBody bytes of body.
// A non-positive maxBody disables the limit.
func NewRequestFactory(maxBody int64) RequestFactory {
	return func(r *http.Request) (*message.Request, error) {
		id := uuid.NewString()

		req := &message.Request{
			ID:         id,
			Method:     r.Method,
			URI:        r.URL.RequestURI(),
			Path:       r.URL.Path,
			Query:      r.URL.Query(),
			Proto:      r.Proto,
			Host:       r.Host,
			RemoteAddr: r.RemoteAddr,
		}
		if req.Host == "" {
			req.Host = r.URL.Host
		}
		if req.Host != "" {
			req.Header.Set("Host", req.Host)
		}

		names := make([]string, 0, len(r.Header))
		for name := range r.Header {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			canonical := http.CanonicalHeaderKey(name)
			if canonical == "Host" {
				continue
			}
			for _, value := range r.Header[name] {
				req.Header.Add(canonical, value)
			}
		}

		if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && ip != "" {
			if existing := req.Header.Get("X-Forwarded-For"); existing != "" {
				req.Header.Set("X-Forwarded-For", existing+", "+ip)
			} else {
				req.Header.Set("X-Forwarded-For", ip)
			}
		}
		if !req.Header.Has("X-Request-Id") {
			req.Header.Set("X-Request-Id", id)
		}

		body, err := readBody(r, maxBody)
		if err != nil {
			return req, err
		}
		req.Body = body
		return req, nil
	}
}

func readBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	defer r.Body.Close()

	if limit > 0 && r.ContentLength > limit {
		return nil, fmt.Errorf("%w: content length %d exceeds %d bytes", ErrBodyTooLarge, r.ContentLength, limit)
	}

	var src io.Reader = r.Body
	if limit > 0 {
		src = io.LimitReader(r.Body, limit+1)
	}
	body, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if limit > 0 && int64(len(body)) > limit {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrBodyTooLarge, limit)
	}
	return body, nil
}

// ErrorResponseGenerator builds the response for a request that could not
// be turned into a message.
type ErrorResponseGenerator func(cause error) *message.Response

// DefaultErrorResponse answers 413 for oversized bodies and 400 otherwise,
// with the cause as a plain-text body.
func DefaultErrorResponse(cause error) *message.Response {
	status := http.StatusBadRequest
	if errors.Is(cause, ErrBodyTooLarge) {
		status = http.StatusRequestEntityTooLarge
	}
	text := http.StatusText(status)
	if cause != nil {
		text = cause.Error()
	}
	resp := message.NewResponse(status, []byte(text))
	resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
	return resp
}
