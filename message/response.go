package message

import (
	"bytes"
	"io"
)

// Response is the transport-neutral response produced by the application
// handler. Size is the body length in bytes, or -1 when unknown.
type Response struct {
	Status  int
	Header  Header
	Cookies []Cookie
	Body    io.Reader
	Size    int64
}

// NewResponse returns a response with a fully buffered body.
func NewResponse(status int, body []byte) *Response {
	return &Response{
		Status: status,
		Body:   bytes.NewReader(body),
		Size:   int64(len(body)),
	}
}

// NewStreamResponse returns a response whose body is read lazily and whose
// length is not known up front.
func NewStreamResponse(status int, body io.Reader) *Response {
	return &Response{
		Status: status,
		Body:   body,
		Size:   -1,
	}
}
