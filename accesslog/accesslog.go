// Package accesslog records one entry per served request.
package accesslog

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/baremetalphp/appserver/emitter"
	"github.com/baremetalphp/appserver/message"
	"github.com/baremetalphp/appserver/static"
)

// Branch names the dispatcher path that produced a response.
type Branch string

const (
	BranchStatic  Branch = "static"
	BranchDynamic Branch = "dynamic"
	BranchError   Branch = "error"
)

// Logger receives the access-log entry of a request.
type Logger interface {
	LogStatic(r *http.Request, resp *static.Response)
	LogDynamic(r *http.Request, resp *message.Response)
}

// Entry is one access-log record.
type Entry struct {
	Time       time.Time
	ID         string
	Method     string
	URI        string
	Proto      string
	RemoteAddr string
	UserAgent  string
	Status     int
	Bytes      int64
	Duration   time.Duration
	Branch     Branch
}

// tracking is the per-request bookkeeping kept in the request context.
type tracking struct {
	start time.Time
	id    atomic.Value // string
	err   atomic.Bool
	bytes atomic.Int64
}

type ctxKey struct{}

// Track starts bookkeeping for r and wraps sink so body bytes are counted.
// The returned request must be the one later passed to the Logger.
func Track(r *http.Request, sink emitter.Sink) (*http.Request, emitter.Sink) {
	t := &tracking{start: time.Now()}
	r = r.WithContext(context.WithValue(r.Context(), ctxKey{}, t))
	if sink == nil {
		return r, nil
	}
	return r, &countingSink{Sink: sink, t: t}
}

func trackingFrom(r *http.Request) *tracking {
	t, _ := r.Context().Value(ctxKey{}).(*tracking)
	return t
}

// SetRequestID attaches the request id minted for r.
func SetRequestID(r *http.Request, id string) {
	if t := trackingFrom(r); t != nil {
		t.id.Store(id)
	}
}

// MarkError records that r was answered by the error generator.
func MarkError(r *http.Request) {
	if t := trackingFrom(r); t != nil {
		t.err.Store(true)
	}
}

type countingSink struct {
	emitter.Sink
	t *tracking
}

func (s *countingSink) Write(p []byte) error {
	s.t.bytes.Add(int64(len(p)))
	return s.Sink.Write(p)
}

func (s *countingSink) End(p []byte) error {
	s.t.bytes.Add(int64(len(p)))
	return s.Sink.End(p)
}

func newEntry(r *http.Request, status int, branch Branch) Entry {
	e := Entry{
		Time:       time.Now(),
		Method:     r.Method,
		URI:        r.URL.RequestURI(),
		Proto:      r.Proto,
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
		Status:     status,
		Branch:     branch,
	}
	if t := trackingFrom(r); t != nil {
		e.Duration = e.Time.Sub(t.start)
		e.Bytes = t.bytes.Load()
		if id, ok := t.id.Load().(string); ok {
			e.ID = id
		}
		if branch == BranchDynamic && t.err.Load() {
			e.Branch = BranchError
		}
	}
	return e
}

// ZapLogger writes entries as structured zap lines.
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger returns a Logger writing to l.
func NewZapLogger(l *zap.Logger) *ZapLogger {
	if l == nil {
		l = zap.NewNop()
	}
	return &ZapLogger{logger: l.Named("access")}
}

func (z *ZapLogger) LogStatic(r *http.Request, resp *static.Response) {
	z.write(newEntry(r, resp.Status, BranchStatic))
}

func (z *ZapLogger) LogDynamic(r *http.Request, resp *message.Response) {
	z.write(newEntry(r, statusOf(resp), BranchDynamic))
}

func (z *ZapLogger) write(e Entry) {
	z.logger.Info("request",
		zap.String("id", e.ID),
		zap.String("method", e.Method),
		zap.String("uri", e.URI),
		zap.String("proto", e.Proto),
		zap.String("remote_addr", e.RemoteAddr),
		zap.String("user_agent", e.UserAgent),
		zap.Int("status", e.Status),
		zap.Int64("bytes", e.Bytes),
		zap.Float64("duration_ms", float64(e.Duration.Microseconds())/1000),
		zap.String("branch", string(e.Branch)),
	)
}

func statusOf(resp *message.Response) int {
	if resp == nil || resp.Status == 0 {
		return http.StatusOK
	}
	return resp.Status
}

// Multi fans entries out to several loggers.
type Multi []Logger

func (m Multi) LogStatic(r *http.Request, resp *static.Response) {
	for _, l := range m {
		l.LogStatic(r, resp)
	}
}

func (m Multi) LogDynamic(r *http.Request, resp *message.Response) {
	for _, l := range m {
		l.LogDynamic(r, resp)
	}
}
