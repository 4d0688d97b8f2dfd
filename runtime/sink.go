package runtime

import (
	"errors"
	"net/http"
	"time"

	"github.com/baremetalphp/appserver/message"
)

// ErrResponseEnded is returned by an HTTPSink after End.
var ErrResponseEnded = errors.New("response already ended")

// HTTPSink adapts an http.ResponseWriter to emitter.Sink.
type HTTPSink struct {
	w           http.ResponseWriter
	status      int
	wroteHeader bool
	ended       bool
}

// NewHTTPSink returns a sink writing to w.
func NewHTTPSink(w http.ResponseWriter) *HTTPSink {
	return &HTTPSink{w: w, status: http.StatusOK}
}

func (s *HTTPSink) Status(code int) {
	if !s.wroteHeader && code > 0 {
		s.status = code
	}
}

func (s *HTTPSink) Header(name, value string) {
	if !s.wroteHeader {
		s.w.Header().Add(name, value)
	}
}

func (s *HTTPSink) Cookie(c message.Cookie) {
	if s.wroteHeader {
		return
	}
	hc := &http.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Path:     c.Path,
		Domain:   c.Domain,
		Secure:   c.Secure,
		HttpOnly: c.HTTPOnly,
	}
	if c.Expires > 0 {
		hc.Expires = time.Unix(c.Expires, 0).UTC()
	}
	switch c.SameSite {
	case message.SameSiteLax:
		hc.SameSite = http.SameSiteLaxMode
	case message.SameSiteStrict:
		hc.SameSite = http.SameSiteStrictMode
	case message.SameSiteNone:
		hc.SameSite = http.SameSiteNoneMode
	}
	http.SetCookie(s.w, hc)
}

func (s *HTTPSink) writeHeader() {
	if !s.wroteHeader {
		s.wroteHeader = true
		s.w.WriteHeader(s.status)
	}
}

func (s *HTTPSink) Write(p []byte) error {
	if s.ended {
		return ErrResponseEnded
	}
	s.writeHeader()
	if len(p) > 0 {
		if _, err := s.w.Write(p); err != nil {
			return err
		}
	}
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

func (s *HTTPSink) End(p []byte) error {
	if s.ended {
		return ErrResponseEnded
	}
	s.writeHeader()
	s.ended = true
	if len(p) > 0 {
		if _, err := s.w.Write(p); err != nil {
			return err
		}
	}
	return nil
}
