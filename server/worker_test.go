package server

import (
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"
)

func TestWorkerHandleHappyPath(t *testing.T) {
	w := newFakeWorker(t, "w0", time.Second)

	resp, err := w.Handle(&RequestPayload{
		ID:     "abc",
		Method: "GET",
		Path:   "/test",
		Body:   "",
	})

	if err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}

	if resp.Status != 200 {
		t.Fatalf("expected status 200, got %d", resp.Status)
	}

	if resp.Body != "w0:/test" {
		t.Fatalf("unexpected response body: %q", resp.Body)
	}
	if got := resp.Headers["X-Worker"]; len(got) != 1 || got[0] != "w0" {
		t.Fatalf("unexpected X-Worker header: %v", got)
	}
}

func TestWorkerRecyclesAfterMaxRequests(t *testing.T) {
	w := newFakeWorker(t, "w0", time.Second)
	w.maxRequests = 2

	for i := 0; i < 2; i++ {
		if w.isDead() {
			t.Fatalf("worker dead after %d requests", i)
		}
		if _, err := w.Handle(&RequestPayload{ID: "x", Method: "GET", Path: "/"}); err != nil {
			t.Fatalf("Handle error: %v", err)
		}
	}

	if !w.isDead() {
		t.Fatalf("expected worker to be marked for recycling after max requests")
	}
}

func TestIsBrokenPipe(t *testing.T) {
	if !isBrokenPipe(io.EOF) {
		t.Fatalf("expected io.EOF to be treated as broken pipe")
	}

	if isBrokenPipe(nil) {
		t.Fatalf("nil error should not be broken pipe")
	}

	if isBrokenPipe(errors.New("some other error")) {
		t.Fatalf("unexpected error treated as broken pipe")
	}
}

func TestWorkerPoolDispatch(t *testing.T) {
	pool := newFakePool(t, 2, time.Second)

	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		resp, err := pool.Dispatch(&RequestPayload{
			ID:     "1",
			Method: "GET",
			Path:   "/foo",
			Body:   "",
		})
		if err != nil {
			t.Fatalf("Pool.Dispatch error: %v", err)
		}
		if resp.Status != 200 {
			t.Fatalf("expected 200 from fake worker, got %d", resp.Status)
		}
		seen[resp.Body] = true
	}

	if !seen["w0:/foo"] || !seen["w1:/foo"] {
		t.Fatalf("expected round robin over both workers, saw %v", seen)
	}
}

func TestEmptyPoolDispatch(t *testing.T) {
	pool := &WorkerPool{}
	if _, err := pool.Dispatch(&RequestPayload{}); !errors.Is(err, errEmptyPool) {
		t.Fatalf("expected errEmptyPool, got %v", err)
	}
}

func TestWorkerTimeoutMarksDead(t *testing.T) {
	// Build a worker whose stdout never answers.
	stdoutR, stdoutW := io.Pipe()
	defer stdoutW.Close()

	w := &Worker{
		stdin:          nopWriteCloser{Writer: io.Discard},
		stdout:         stdoutR,
		maxRequests:    1000,
		requestTimeout: 10 * time.Millisecond,
	}

	_, err := w.Handle(&RequestPayload{
		ID:     "1",
		Method: "GET",
		Path:   "/timeout",
		Body:   "",
	})

	if !errors.Is(err, ErrWorkerTimeout) {
		t.Fatalf("expected timeout error from Handle, got %v", err)
	}

	if !w.isDead() {
		t.Fatalf("expected worker to be marked dead after timeout")
	}
}

func TestWorkerBrokenPipeMarksDead(t *testing.T) {
	w := &Worker{
		stdin:       nopWriteCloser{Writer: io.Discard},
		stdout:      nopReadCloser{},
		maxRequests: 1000,
		cfg:         WorkerConfig{Binary: "/nonexistent/php"},
	}

	if _, err := w.Handle(&RequestPayload{ID: "1", Method: "GET", Path: "/"}); err == nil {
		t.Fatalf("expected error when the worker cannot be restarted")
	}
	if !w.isDead() {
		t.Fatalf("expected worker to stay dead after failed restart")
	}
}

func TestHeaderMapAcceptsStringsAndLists(t *testing.T) {
	var resp ResponsePayload
	raw := `{"status":200,"headers":{"Content-Type":"text/html","Set-Cookie":["a=1","b=2"]},"body":"ok"}`
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got := resp.Headers["Content-Type"]; len(got) != 1 || got[0] != "text/html" {
		t.Fatalf("unexpected Content-Type: %v", got)
	}
	if got := resp.Headers["Set-Cookie"]; len(got) != 2 {
		t.Fatalf("expected 2 Set-Cookie values, got %v", got)
	}

	if err := json.Unmarshal([]byte(`{"headers":{"X":1}}`), &resp); err == nil {
		t.Fatalf("expected error for numeric header value")
	}
}
