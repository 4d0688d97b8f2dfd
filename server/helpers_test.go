package server

import (
	"bytes"
	"io"
	"testing"
	"time"
)

// newFakeWorker returns a Worker whose stdin/stdout are in-memory pipes.
// The goroutine reads RequestPayload, writes a ResponsePayload whose
// Body is a label + ":" + req.Path, so you can tell which worker handled it.
func newFakeWorker(t *testing.T, label string, timeout time.Duration) *Worker {
	t.Helper()

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	w := &Worker{
		stdin:          stdinW,
		stdout:         stdoutR,
		maxRequests:    1000,
		requestTimeout: timeout,
	}

	// Fake PHP worker loop.
	go func() {
		defer stdinR.Close()
		defer stdoutW.Close()

		for {
			var req RequestPayload
			if err := readFrame(stdinR, &req); err != nil {
				return // client closed or error
			}

			resp := ResponsePayload{
				ID:     req.ID,
				Status: 200,
				Headers: HeaderMap{
					"X-Worker": {label},
				},
				Body: label + ":" + req.Path,
			}
			if err := writeFrame(stdoutW, &resp); err != nil {
				return
			}
		}
	}()

	t.Cleanup(func() {
		_ = stdinW.Close()
		_ = stdoutR.Close()
	})

	return w
}

// newFakePool builds a WorkerPool with N fake workers labeled w0, w1, ...
func newFakePool(t *testing.T, n int, timeout time.Duration) *WorkerPool {
	t.Helper()
	workers := make([]*Worker, 0, n)
	for i := 0; i < n; i++ {
		workers = append(workers, newFakeWorker(t, "w"+string(rune('0'+i)), timeout))
	}

	return &WorkerPool{workers: workers}
}

// encodeFrames builds a length-prefixed stream of frames.
func encodeFrames(t *testing.T, frames ...StreamFrame) []byte {
	t.Helper()
	buf := new(bytes.Buffer)
	for _, f := range frames {
		if err := writeFrame(buf, f); err != nil {
			t.Fatalf("encode frame: %v", err)
		}
	}
	return buf.Bytes()
}

// newScriptedWorker returns a Worker that answers with the given frames.
func newScriptedWorker(t *testing.T, frames ...StreamFrame) *Worker {
	t.Helper()
	return &Worker{
		requestTimeout: 500 * time.Millisecond,
		maxRequests:    1000,
		stdin:          nopWriteCloser{Writer: io.Discard},
		stdout:         io.NopCloser(bytes.NewReader(encodeFrames(t, frames...))),
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

type nopReadCloser struct{}

func (nopReadCloser) Read(p []byte) (int, error) { return 0, io.EOF }
func (nopReadCloser) Close() error               { return nil }
