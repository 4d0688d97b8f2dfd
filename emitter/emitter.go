// Package emitter writes abstract responses to a live response sink.
package emitter

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/baremetalphp/appserver/message"
)

// ChunkSize is the largest body written in one call. Bodies of known size up
// to ChunkSize go out in a single End call; anything else is streamed.
const ChunkSize = 2 << 20 // 2 MiB

// Sink is a write-once response. Status and headers must be set before the
// first Write or End; End finishes the response and may be called once.
type Sink interface {
	Status(code int)
	Header(name, value string)
	Cookie(c message.Cookie)
	Write(p []byte) error
	End(p []byte) error
}

// Emitter translates message.Response values into Sink calls.
type Emitter struct {
	sink      Sink
	chunkSize int
	logger    *zap.Logger
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithLogger sets the logger used for dropped cookies.
func WithLogger(l *zap.Logger) Option {
	return func(e *Emitter) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithChunkSize overrides ChunkSize. Non-positive sizes are ignored.
func WithChunkSize(n int) Option {
	return func(e *Emitter) {
		if n > 0 {
			e.chunkSize = n
		}
	}
}

// New returns an emitter bound to sink.
func New(sink Sink, opts ...Option) *Emitter {
	e := &Emitter{
		sink:      sink,
		chunkSize: ChunkSize,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Emit writes resp to the sink: status, headers, cookies, then the body.
// It returns false without touching anything when the emitter has no sink.
// A non-nil error means the sink failed part way through.
func (e *Emitter) Emit(resp *message.Response) (bool, error) {
	if e == nil || e.sink == nil {
		return false, nil
	}
	if resp == nil {
		return false, errors.New("emitter: nil response")
	}

	if c, ok := resp.Body.(io.Closer); ok {
		defer c.Close()
	}

	e.emitStatus(resp)
	e.emitHeaders(resp)
	e.emitCookies(resp)
	if err := e.emitBody(resp); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Emitter) emitStatus(resp *message.Response) {
	status := resp.Status
	if status == 0 {
		status = 200
	}
	e.sink.Status(status)
}

func (e *Emitter) emitHeaders(resp *message.Response) {
	for _, name := range resp.Header.Names() {
		if message.IsSetCookie(name) {
			continue
		}
		e.sink.Header(filterHeader(name), strings.Join(resp.Header.Values(name), ", "))
	}
}

func (e *Emitter) emitCookies(resp *message.Response) {
	for _, line := range resp.Header.Values(message.SetCookieHeader) {
		c, err := message.ParseSetCookie(line)
		if err != nil {
			e.logger.Warn("dropping malformed Set-Cookie header", zap.String("value", line), zap.Error(err))
			continue
		}
		e.sink.Cookie(withCookieDefaults(c))
	}
	for _, c := range resp.Cookies {
		e.sink.Cookie(withCookieDefaults(c))
	}
}

func withCookieDefaults(c message.Cookie) message.Cookie {
	if c.Path == "" {
		c.Path = "/"
	}
	return c
}

func (e *Emitter) emitBody(resp *message.Response) error {
	body := resp.Body
	if body == nil {
		return e.sink.End(nil)
	}
	if s, ok := body.(io.Seeker); ok {
		if _, err := s.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("rewind body: %w", err)
		}
	}

	if resp.Size >= 0 && resp.Size <= int64(e.chunkSize) {
		content, err := io.ReadAll(body)
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		return e.sink.End(content)
	}

	buf := make([]byte, e.chunkSize)
	for {
		n, err := io.ReadFull(body, buf)
		if n > 0 {
			if werr := e.sink.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
	}
	return e.sink.End(nil)
}

// filterHeader upper-cases the first letter of every dash-separated word.
func filterHeader(name string) string {
	b := []byte(name)
	upper := true
	for i, c := range b {
		if upper && c >= 'a' && c <= 'z' {
			b[i] = c - ('a' - 'A')
		}
		upper = c == '-'
	}
	return string(b)
}
