package static

import (
	"io/fs"
	"time"

	"github.com/baremetalphp/appserver/message"
)

// ContentKind selects how the body of a static response is produced.
type ContentKind int

const (
	// ContentVerbatim copies the file as is.
	ContentVerbatim ContentKind = iota
	// ContentTransform compresses the file with Content.Encoding.
	ContentTransform
	// ContentNone sends no body.
	ContentNone
)

// Content describes the body of a static response. Deciding the body here
// and writing it later lets stages swap the transfer without writing anything.
type Content struct {
	Kind     ContentKind
	Encoding string // ContentTransform only
	Level    int    // ContentTransform only
}

// Response is the static-resource response assembled by the pipeline. It is
// created by the resolving stage and decorated by the stages wrapping it.
type Response struct {
	Status int
	// ContentLength is the length of the verbatim body, or -1 when no
	// Content-Length header should be sent for a body-less response.
	ContentLength int64
	Header        message.Header
	Content       Content

	info fs.FileInfo
	// headersOnly keeps the Content headers but skips the body.
	headersOnly bool
}

func newResponse(info fs.FileInfo, contentType string) *Response {
	resp := &Response{
		Status:        200,
		ContentLength: info.Size(),
		Content:       Content{Kind: ContentVerbatim},
		info:          info,
	}
	if contentType != "" {
		resp.Header.Set("Content-Type", contentType)
	}
	return resp
}

// ModTime returns the modification time of the resolved file.
func (r *Response) ModTime() time.Time {
	if r.info == nil {
		return time.Time{}
	}
	return r.info.ModTime()
}

// Size returns the size of the resolved file.
func (r *Response) Size() int64 {
	if r.info == nil {
		return 0
	}
	return r.info.Size()
}

// DisableContent drops the body while keeping headers.
func (r *Response) DisableContent() {
	r.Content = Content{Kind: ContentNone}
}

// SendsContent reports whether a body will be written.
func (r *Response) SendsContent() bool {
	return r.Content.Kind != ContentNone && !r.headersOnly
}
