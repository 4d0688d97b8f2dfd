// Package emittertest provides a Sink that records every call, for tests.
package emittertest

import (
	"errors"
	"strings"
	"sync"

	"github.com/baremetalphp/appserver/message"
)

// Call kinds.
const (
	CallStatus = "status"
	CallHeader = "header"
	CallCookie = "cookie"
	CallWrite  = "write"
	CallEnd    = "end"
)

// ErrEnded is returned by Write and End after the response was ended.
var ErrEnded = errors.New("emittertest: response already ended")

// Call is one recorded sink call.
type Call struct {
	Kind   string
	Status int
	Name   string
	Value  string
	Cookie message.Cookie
	Data   []byte
}

// Recorder is an in-memory emitter.Sink.
type Recorder struct {
	mu    sync.Mutex
	calls []Call
	ended bool

	// WriteErr, when set, is returned from every Write and End.
	WriteErr error
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) record(c Call) {
	r.mu.Lock()
	r.calls = append(r.calls, c)
	r.mu.Unlock()
}

func (r *Recorder) Status(code int) { r.record(Call{Kind: CallStatus, Status: code}) }

func (r *Recorder) Header(name, value string) {
	r.record(Call{Kind: CallHeader, Name: name, Value: value})
}

func (r *Recorder) Cookie(c message.Cookie) { r.record(Call{Kind: CallCookie, Cookie: c}) }

func (r *Recorder) Write(p []byte) error {
	if r.WriteErr != nil {
		return r.WriteErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return ErrEnded
	}
	r.calls = append(r.calls, Call{Kind: CallWrite, Data: append([]byte(nil), p...)})
	return nil
}

func (r *Recorder) End(p []byte) error {
	if r.WriteErr != nil {
		return r.WriteErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return ErrEnded
	}
	r.ended = true
	r.calls = append(r.calls, Call{Kind: CallEnd, Data: append([]byte(nil), p...)})
	return nil
}

// Calls returns a copy of every recorded call in order.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Count returns the number of calls of kind.
func (r *Recorder) Count(kind string) int {
	n := 0
	for _, c := range r.Calls() {
		if c.Kind == kind {
			n++
		}
	}
	return n
}

// StatusCode returns the last recorded status, or 0.
func (r *Recorder) StatusCode() int {
	code := 0
	for _, c := range r.Calls() {
		if c.Kind == CallStatus {
			code = c.Status
		}
	}
	return code
}

// HeaderValues returns the values passed to Header for name, case-insensitively.
func (r *Recorder) HeaderValues(name string) []string {
	var out []string
	for _, c := range r.Calls() {
		if c.Kind == CallHeader && strings.EqualFold(c.Name, name) {
			out = append(out, c.Value)
		}
	}
	return out
}

// Cookies returns every recorded cookie.
func (r *Recorder) Cookies() []message.Cookie {
	var out []message.Cookie
	for _, c := range r.Calls() {
		if c.Kind == CallCookie {
			out = append(out, c.Cookie)
		}
	}
	return out
}

// Writes returns the payload of each Write call.
func (r *Recorder) Writes() [][]byte {
	var out [][]byte
	for _, c := range r.Calls() {
		if c.Kind == CallWrite {
			out = append(out, c.Data)
		}
	}
	return out
}

// Body returns the concatenation of all Write and End payloads.
func (r *Recorder) Body() []byte {
	var out []byte
	for _, c := range r.Calls() {
		if c.Kind == CallWrite || c.Kind == CallEnd {
			out = append(out, c.Data...)
		}
	}
	return out
}

// Ended reports whether End was called.
func (r *Recorder) Ended() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ended
}
