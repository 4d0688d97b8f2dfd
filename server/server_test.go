package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/baremetalphp/appserver/emitter"
	"github.com/baremetalphp/appserver/emitter/emittertest"
	"github.com/baremetalphp/appserver/message"
)

func TestIsSlowRequestByPrefix(t *testing.T) {
	s := &Server{
		slowCfg: SlowRequestConfig{
			RoutePrefixes: []string{"/slow", "/admin"},
			Methods:       []string{},
			BodyThreshold: 0,
		},
	}

	req := &RequestPayload{
		Method: "GET",
		Path:   "/slow/report?x=1",
		Body:   "",
	}

	if !s.IsSlowRequest(req) {
		t.Fatalf("expected IsSlowRequest to be true for slow route prefix")
	}
}

func TestIsSlowRequestByMethod(t *testing.T) {
	s := &Server{
		slowCfg: SlowRequestConfig{
			RoutePrefixes: nil,
			Methods:       []string{"PUT", "DELETE"},
			BodyThreshold: 0,
		},
	}

	req := &RequestPayload{
		Method: "delete", //lower-case should still match
		Path:   "/anything",
		Body:   "",
	}

	if !s.IsSlowRequest(req) {
		t.Fatalf("expected IsSlowRequest to be true for slow method")
	}
}

func TestIsSlowRequestByBodyThreshold(t *testing.T) {
	s := &Server{
		slowCfg: SlowRequestConfig{
			RoutePrefixes: nil,
			Methods:       nil,
			BodyThreshold: 10,
		},
	}

	req := &RequestPayload{
		Method: "POST",
		Path:   "/upload",
		Body:   "0123456789ABCDEF", // 16 bytes
	}

	if !s.IsSlowRequest(req) {
		t.Fatalf("expected IsSlowRequest to be true for large body")
	}

	req.Body = "0123456789"
	if s.IsSlowRequest(req) {
		t.Fatalf("a body at the threshold is not slow")
	}
}

func TestDispatchUsesFastAndSlowPools(t *testing.T) {
	fast := newFakePool(t, 1, time.Second)
	slow := newFakePool(t, 1, time.Second)
	slow.workers[0] = newFakeWorker(t, "slow", time.Second)

	s := &Server{
		fastPool: fast,
		slowPool: slow,
		slowCfg: SlowRequestConfig{
			RoutePrefixes: []string{"/slow"},
		},
	}

	fastResp, err := s.Dispatch(&RequestPayload{ID: "1", Method: "GET", Path: "/fast"})
	if err != nil {
		t.Fatalf("Dispatch(fast) error: %v", err)
	}
	if fastResp.Body != "w0:/fast" {
		t.Fatalf("unexpected fast response: %#v", fastResp)
	}

	slowResp, err := s.Dispatch(&RequestPayload{ID: "2", Method: "GET", Path: "/slow/task"})
	if err != nil {
		t.Fatalf("Dispatch(slow) error: %v", err)
	}
	if slowResp.Body != "slow:/slow/task" {
		t.Fatalf("unexpected slow response: %#v", slowResp)
	}
}

func TestSlowRequestFallsBackWithoutSlowWorkers(t *testing.T) {
	s := &Server{
		fastPool: newFakePool(t, 1, time.Second),
		slowPool: &WorkerPool{},
		slowCfg:  SlowRequestConfig{Methods: []string{"PUT"}},
	}

	resp, err := s.Dispatch(&RequestPayload{Method: "PUT", Path: "/x"})
	if err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	if resp.Body != "w0:/x" {
		t.Fatalf("expected fast pool to serve, got %q", resp.Body)
	}
}

func TestMarkAllWorkersDead(t *testing.T) {
	fast := newFakePool(t, 2, time.Second)
	slow := newFakePool(t, 1, time.Second)

	s := &Server{
		fastPool: fast,
		slowPool: slow,
	}

	s.markAllWorkersDead()

	for _, w := range fast.workers {
		if !w.isDead() {
			t.Fatal("expected fast worker to be marked dead")
		}
	}

	for _, w := range slow.workers {
		if !w.isDead() {
			t.Fatalf("expected slow worker to be marked dead")
		}
	}
}

func TestHealthSummaryAndForceRecycle(t *testing.T) {
	fast := newFakePool(t, 2, time.Second)
	slow := newFakePool(t, 1, time.Second)

	s := &Server{
		fastPool: fast,
		slowPool: slow,
	}

	health := s.Health()
	if health.Fast.Workers != 2 || health.Slow.Workers != 1 {
		t.Fatalf("unexpected worker counts: %#v", health)
	}
	if health.Fast.DeadWorkers != 0 || health.Slow.DeadWorkers != 0 {
		t.Fatalf("expected no dead workers initially: %#v", health)
	}

	s.ForceRecycleWorkers()

	health2 := s.Health()
	if health2.Fast.DeadWorkers != 2 || health2.Slow.DeadWorkers != 1 {
		t.Fatalf("expected all workers dead after ForceRecycleWorkers: %#v", health2)
	}
}

func TestRecordLatencyPromotesSlowPrefix(t *testing.T) {
	s := &Server{
		slowCfg: SlowRequestConfig{
			RoutePrefixes: []string{},
		},
		routeStats: make(map[string]*routeStats),
	}

	// feed enough slow samples to cross threshold
	for i := 0; i < 20; i++ {
		s.RecordLatency("/reports/daily", 600*time.Millisecond)
	}
	s.RecordLatency("/users/1", 10*time.Millisecond)

	if len(s.slowCfg.RoutePrefixes) != 1 || s.slowCfg.RoutePrefixes[0] != "/reports/" {
		t.Fatalf("expected only /reports/ to be promoted to slow pool; got %+v", s.slowCfg.RoutePrefixes)
	}
	if !s.IsSlowRequest(&RequestPayload{Method: "GET", Path: "/reports/weekly"}) {
		t.Fatalf("expected promoted prefix to classify as slow")
	}
}

func TestRoutePrefix(t *testing.T) {
	cases := map[string]string{
		"/reports/daily": "/reports/",
		"/reports":       "/reports/",
		"/a?b=c":         "/a/",
		"/":              "",
		"":               "",
	}
	for in, want := range cases {
		if got := routePrefix(in); got != want {
			t.Fatalf("routePrefix(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMapWorkerErrorToStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w after 1s", ErrWorkerTimeout), http.StatusGatewayTimeout},
		{io.ErrUnexpectedEOF, http.StatusBadGateway},
		{errors.New("write |1: broken pipe"), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := mapWorkerErrorToStatus(c.err); got != c.want {
			t.Fatalf("mapWorkerErrorToStatus(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

func newMessage(method, uri string) *message.Request {
	req := &message.Request{ID: "req-1", Method: method, URI: uri, Path: uri}
	req.Header.Add("Accept", "text/html")
	req.Header.Add("accept", "application/json")
	return req
}

func TestBuildPayloadMergesHeaders(t *testing.T) {
	p := BuildPayload(newMessage("GET", "/x?y=1"))

	if p.ID != "req-1" || p.Path != "/x?y=1" {
		t.Fatalf("unexpected payload: %#v", p)
	}
	if got := p.Headers["Accept"]; len(got) != 2 {
		t.Fatalf("expected both Accept values, got %v", got)
	}
}

func TestHandleBuildsResponse(t *testing.T) {
	s := &Server{
		fastPool: newFakePool(t, 1, time.Second),
		slowPool: &WorkerPool{},
	}

	resp := s.Handle(context.Background(), newMessage("GET", "/hello"))

	if resp.Status != 200 {
		t.Fatalf("expected 200, got %d", resp.Status)
	}
	if resp.Header.Get("X-Worker") != "w0" {
		t.Fatalf("expected X-Worker header, got %q", resp.Header.Get("X-Worker"))
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "w0:/hello" || resp.Size != int64(len(body)) {
		t.Fatalf("unexpected body %q (size %d)", body, resp.Size)
	}
}

func TestHandleMapsWorkerErrors(t *testing.T) {
	stdoutR, stdoutW := io.Pipe()
	defer stdoutW.Close()

	s := &Server{
		fastPool: &WorkerPool{workers: []*Worker{{
			stdin:          nopWriteCloser{Writer: io.Discard},
			stdout:         stdoutR,
			requestTimeout: 10 * time.Millisecond,
		}}},
	}

	resp := s.Handle(context.Background(), newMessage("GET", "/slow"))
	if resp.Status != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", resp.Status)
	}
}

func TestHandleCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := &Server{fastPool: newFakePool(t, 1, time.Second)}
	if resp := s.Handle(ctx, newMessage("GET", "/")); resp.Status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.Status)
	}
}

func TestHandleStreamsThroughEmitter(t *testing.T) {
	w := newScriptedWorker(t,
		StreamFrame{
			Type:    "headers",
			Status:  201,
			Headers: HeaderMap{"Set-Cookie": {"sid=abc; Path=/app; SameSite=Strict"}, "X-Test": {"ok"}},
			Data:    "hello",
		},
		StreamFrame{Type: "chunk", Data: "world"},
		StreamFrame{Type: "end"},
	)
	s := &Server{fastPool: &WorkerPool{workers: []*Worker{w}}}

	req := newMessage("GET", "/events")
	req.Header.Set("X-Go-Stream", "1")
	resp := s.Handle(context.Background(), req)

	if resp.Size != -1 {
		t.Fatalf("streamed responses have unknown size, got %d", resp.Size)
	}

	rec := emittertest.NewRecorder()
	ok, err := emitter.New(rec, emitter.WithChunkSize(4)).Emit(resp)
	if !ok || err != nil {
		t.Fatalf("Emit = %v, %v", ok, err)
	}

	if rec.StatusCode() != 201 {
		t.Fatalf("expected 201, got %d", rec.StatusCode())
	}
	if string(rec.Body()) != "helloworld" {
		t.Fatalf("unexpected body %q", rec.Body())
	}
	cookies := rec.Cookies()
	if len(cookies) != 1 || cookies[0].Name != "sid" || cookies[0].SameSite != message.SameSiteStrict {
		t.Fatalf("unexpected cookies: %#v", cookies)
	}
	if len(rec.HeaderValues("Set-Cookie")) != 0 {
		t.Fatalf("Set-Cookie must not be emitted as a header")
	}
	if w.isDead() {
		t.Fatalf("worker should be reusable after a complete stream")
	}
	if st := s.routeStats["/events/"]; st == nil || st.count != 1 {
		t.Fatalf("expected one latency sample once the stream closed, got %+v", st)
	}
}

func TestHandleStreamRecordsLatencyOnClose(t *testing.T) {
	w := newScriptedWorker(t,
		StreamFrame{Type: "headers", Status: 200, Data: "a"},
		StreamFrame{Type: "end"},
	)
	s := &Server{fastPool: &WorkerPool{workers: []*Worker{w}}}

	req := newMessage("GET", "/feed/live")
	req.Header.Set("X-Go-Stream", "1")
	resp := s.Handle(context.Background(), req)

	if len(s.routeStats) != 0 {
		t.Fatalf("latency must not be recorded before the stream is consumed: %+v", s.routeStats)
	}
	if _, err := io.ReadAll(resp.Body); err != nil {
		t.Fatalf("read stream: %v", err)
	}
	closer, ok := resp.Body.(io.Closer)
	if !ok {
		t.Fatalf("streamed body must be closable")
	}
	if err := closer.Close(); err != nil {
		t.Fatalf("close stream: %v", err)
	}

	if st := s.routeStats["/feed/"]; st == nil || st.count != 1 {
		t.Fatalf("expected exactly one latency sample, got %+v", st)
	}
}
