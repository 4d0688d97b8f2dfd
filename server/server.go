// Package server runs the PHP application behind a pool of long-lived PHP
// worker processes speaking length-prefixed JSON over stdin/stdout.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/baremetalphp/appserver/message"
)

// SlowRequestConfig decides which requests go to the slow pool.
type SlowRequestConfig struct {
	RoutePrefixes []string
	Methods       []string
	BodyThreshold int
}

// Config configures both worker pools.
type Config struct {
	FastWorkers int
	SlowWorkers int
	Worker      WorkerConfig
	Slow        SlowRequestConfig
	Logger      *zap.Logger
}

// Latency learning: a route prefix averaging slowLatency over at least
// slowSamples requests is moved to the slow pool.
const (
	slowLatency = 500 * time.Millisecond
	slowSamples = 10
)

type routeStats struct {
	count int
	total time.Duration
}

type Server struct {
	fastPool *WorkerPool
	slowPool *WorkerPool

	mu         sync.RWMutex
	slowCfg    SlowRequestConfig
	routeStats map[string]*routeStats

	logger *zap.Logger
}

func NewServer(cfg Config) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("php")
	cfg.Worker.Logger = logger

	fp, err := NewPool(cfg.FastWorkers, cfg.Worker)
	if err != nil {
		return nil, err
	}

	sp, err := NewPool(cfg.SlowWorkers, cfg.Worker)
	if err != nil {
		_ = fp.Close()
		return nil, err
	}

	return &Server{
		fastPool:   fp,
		slowPool:   sp,
		slowCfg:    cfg.Slow,
		routeStats: make(map[string]*routeStats),
		logger:     logger,
	}, nil
}

// Classification logic -----------------------

func (s *Server) IsSlowRequest(r *RequestPayload) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	path := r.Path
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	for _, prefix := range s.slowCfg.RoutePrefixes {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return true
		}
	}

	for _, m := range s.slowCfg.Methods {
		if strings.EqualFold(m, r.Method) {
			return true
		}
	}

	if s.slowCfg.BodyThreshold > 0 && len(r.Body) > s.slowCfg.BodyThreshold {
		return true
	}

	return false
}

// RecordLatency feeds the latency learner. Once a route prefix is slow on
// average it is added to the slow prefixes.
func (s *Server) RecordLatency(path string, d time.Duration) {
	prefix := routePrefix(path)
	if prefix == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.routeStats == nil {
		s.routeStats = make(map[string]*routeStats)
	}
	st := s.routeStats[prefix]
	if st == nil {
		st = &routeStats{}
		s.routeStats[prefix] = st
	}
	st.count++
	st.total += d

	if st.count < slowSamples || st.total/time.Duration(st.count) < slowLatency {
		return
	}
	for _, p := range s.slowCfg.RoutePrefixes {
		if p == prefix {
			return
		}
	}
	s.slowCfg.RoutePrefixes = append(s.slowCfg.RoutePrefixes, prefix)
	s.log().Info("promoted route to slow pool", zap.String("prefix", prefix))
}

// timedBody runs done once, when the streamed body is closed, so the
// latency learner sees the whole stream rather than the time to headers.
type timedBody struct {
	io.ReadCloser
	once sync.Once
	done func()
}

func (b *timedBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.done)
	return err
}

// routePrefix returns the first path segment with a trailing slash.
func routePrefix(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	path = strings.TrimPrefix(path, "/")
	seg, _, _ := strings.Cut(path, "/")
	if seg == "" {
		return ""
	}
	return "/" + seg + "/"
}

func (s *Server) log() *zap.Logger {
	if s.logger == nil {
		return zap.NewNop()
	}
	return s.logger
}

// Dispatch -----------------------

// poolFor picks the slow pool for slow requests when it has workers.
func (s *Server) poolFor(req *RequestPayload) *WorkerPool {
	if s.IsSlowRequest(req) && s.slowPool != nil && len(s.slowPool.workers) > 0 {
		return s.slowPool
	}
	return s.fastPool
}

func (s *Server) Dispatch(req *RequestPayload) (*ResponsePayload, error) {
	return s.poolFor(req).Dispatch(req)
}

func (s *Server) DispatchStream(req *RequestPayload) (StreamHead, io.ReadCloser, error) {
	return s.poolFor(req).Stream(req)
}

// Handle implements the application handler on top of the pools. Requests
// carrying X-Go-Stream: 1 or under /stream/ are streamed.
func (s *Server) Handle(ctx context.Context, req *message.Request) *message.Response {
	if err := ctx.Err(); err != nil {
		return errorResponse(http.StatusServiceUnavailable)
	}

	payload := BuildPayload(req)
	start := time.Now()

	if req.Header.Get("X-Go-Stream") == "1" || strings.HasPrefix(req.Path, "/stream/") {
		head, body, err := s.DispatchStream(payload)
		if err != nil {
			return s.workerError(payload, err)
		}
		timed := &timedBody{ReadCloser: body, done: func() {
			s.RecordLatency(payload.Path, time.Since(start))
		}}
		resp := message.NewStreamResponse(head.Status, timed)
		copyHeaders(&resp.Header, head.Headers)
		return resp
	}

	out, err := s.Dispatch(payload)
	if err != nil {
		return s.workerError(payload, err)
	}
	s.RecordLatency(payload.Path, time.Since(start))

	status := out.Status
	if status == 0 {
		status = http.StatusOK
	}
	resp := message.NewResponse(status, []byte(out.Body))
	copyHeaders(&resp.Header, out.Headers)
	return resp
}

// BuildPayload converts a request into the worker's JSON document.
func BuildPayload(req *message.Request) *RequestPayload {
	headers := make(map[string][]string, req.Header.Len())
	for _, name := range req.Header.Names() {
		canonical := http.CanonicalHeaderKey(name)
		headers[canonical] = append(headers[canonical], req.Header.Values(name)...)
	}

	path := req.URI
	if path == "" {
		path = req.Path
	}

	return &RequestPayload{
		ID:      req.ID,
		Method:  req.Method,
		Path:    path,
		Headers: headers,
		Body:    string(req.Body),
	}
}

// copyHeaders adds worker headers in name order, skipping empty lists.
func copyHeaders(dst *message.Header, src HeaderMap) {
	names := make([]string, 0, len(src))
	for name := range src {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, v := range src[name] {
			dst.Add(name, v)
		}
	}
}

// mapWorkerErrorToStatus converts worker-level errors into HTTP status codes.
func mapWorkerErrorToStatus(err error) int {
	msg := err.Error()

	switch {
	case errors.Is(err, ErrWorkerTimeout), strings.Contains(msg, "timeout"):
		// the php worker timed out handling the request
		return http.StatusGatewayTimeout
	case errors.Is(err, io.ErrUnexpectedEOF),
		strings.Contains(msg, "unexpected EOF"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "connection reset"):
		// Connection to the worker died mid-request
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) workerError(payload *RequestPayload, err error) *message.Response {
	status := mapWorkerErrorToStatus(err)
	s.log().Error("worker error",
		zap.String("id", payload.ID),
		zap.String("method", payload.Method),
		zap.String("path", payload.Path),
		zap.Int("status", status),
		zap.Error(err))
	return errorResponse(status)
}

func errorResponse(status int) *message.Response {
	resp := message.NewResponse(status, []byte(http.StatusText(status)+"\n"))
	resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
	resp.Header.Set("X-Content-Type-Options", "nosniff")
	return resp
}

// Health -----------------------

type HealthSummary struct {
	Fast PoolStats `json:"fast"`
	Slow PoolStats `json:"slow"`
}

func (s *Server) Health() HealthSummary {
	return HealthSummary{
		Fast: s.fastPool.Stats(),
		Slow: s.slowPool.Stats(),
	}
}

func (s *Server) markAllWorkersDead() {
	s.fastPool.markAllDead()
	s.slowPool.markAllDead()
}

// ForceRecycleWorkers marks every worker dead; each respawns on its next
// request, picking up changed PHP code.
func (s *Server) ForceRecycleWorkers() {
	s.markAllWorkersDead()
	s.log().Info("all PHP workers marked for recycling")
}

// Close stops every PHP worker.
func (s *Server) Close() error {
	return errors.Join(s.fastPool.Close(), s.slowPool.Close())
}

// ScriptPath returns the worker script resolved against dir.
func ScriptPath(dir, script string) string {
	if filepath.IsAbs(script) {
		return script
	}
	return filepath.Join(dir, script)
}
