package server

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// maxFrameSize bounds a single length-prefixed JSON document.
const maxFrameSize = 10 * 1024 * 1024

// ErrWorkerTimeout is returned when a PHP worker does not answer in time.
var ErrWorkerTimeout = errors.New("worker request timeout")

// WorkerConfig describes how to launch one PHP worker process.
type WorkerConfig struct {
	Binary         string // defaults to "php"
	Script         string // worker script, relative to Dir
	Dir            string
	MaxRequests    int
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

type Worker struct {
	cfg            WorkerConfig
	cmd            *exec.Cmd
	stdin          io.WriteCloser
	stdout         io.ReadCloser
	mu             sync.Mutex
	dead           bool
	deadMu         sync.RWMutex
	maxRequests    int
	requestTimeout time.Duration
	requestCount   uint64
	logger         *zap.Logger
}

func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Binary == "" {
		cfg.Binary = "php"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	w := &Worker{
		cfg:            cfg,
		maxRequests:    cfg.MaxRequests,
		requestTimeout: cfg.RequestTimeout,
		logger:         cfg.Logger,
	}
	if err := w.spawn(); err != nil {
		return nil, err
	}
	return w, nil
}

// spawn starts the PHP process. Callers hold w.mu or own w exclusively.
func (w *Worker) spawn() error {
	cmd := exec.Command(w.cfg.Binary, w.cfg.Script)
	cmd.Dir = w.cfg.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return err
	}

	cmd.Stderr = zap.NewStdLog(w.log().Named("stderr")).Writer()

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("start php worker: %w", err)
	}

	w.cmd = cmd
	w.stdin = stdin
	w.stdout = stdout
	return nil
}

func (w *Worker) log() *zap.Logger {
	if w.logger == nil {
		return zap.NewNop()
	}
	return w.logger
}

func (w *Worker) isDead() bool {
	w.deadMu.RLock()
	defer w.deadMu.RUnlock()
	return w.dead
}

func (w *Worker) markDead() {
	w.deadMu.Lock()
	w.dead = true
	w.deadMu.Unlock()
}

// kill stops the PHP process without waiting for w.mu.
func (w *Worker) kill() {
	if w.cmd != nil && w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
		_, _ = w.cmd.Process.Wait()
	}
}

// restart replaces the PHP process. Callers hold w.mu.
func (w *Worker) restart() error {
	if w.stdin != nil {
		_ = w.stdin.Close()
	}
	if w.stdout != nil {
		_ = w.stdout.Close()
	}
	w.kill()

	if err := w.spawn(); err != nil {
		return err
	}

	w.deadMu.Lock()
	w.dead = false
	w.deadMu.Unlock()

	atomic.StoreUint64(&w.requestCount, 0)

	w.log().Info("restarted PHP worker", zap.String("dir", w.cfg.Dir))
	return nil
}

// Close stops the PHP process.
func (w *Worker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.markDead()
	if w.stdin != nil {
		_ = w.stdin.Close()
	}
	w.kill()
	return nil
}

// countRequest marks the worker for recycling once it served maxRequests.
func (w *Worker) countRequest() {
	n := atomic.AddUint64(&w.requestCount, 1)
	if w.maxRequests > 0 && int(n) >= w.maxRequests {
		w.markDead()
	}
}

func (w *Worker) Handle(payload *RequestPayload) (*ResponsePayload, error) {
	for attempt := 0; attempt < 2; attempt++ {
		resp, err := w.handleRequest(payload)
		if err != nil {
			if isBrokenPipe(err) {
				w.markDead()
				continue
			}
			return nil, err
		}

		w.countRequest()
		return resp, nil
	}

	return nil, io.ErrUnexpectedEOF
}

func isBrokenPipe(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "write |1:") ||
		strings.Contains(errStr, "read |0:")
}

// writeFrame sends v as a 4-byte big-endian length followed by JSON.
func writeFrame(dst io.Writer, v any) error {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return err
	}
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(jsonBytes)))

	if _, err := dst.Write(header); err != nil {
		return err
	}
	_, err = dst.Write(jsonBytes)
	return err
}

// readFrame reads one length-prefixed JSON document into v.
func readFrame(src io.Reader, v any) error {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(src, hdr); err != nil {
		return err
	}

	n := binary.BigEndian.Uint32(hdr)
	if n == 0 || n > maxFrameSize {
		return io.ErrUnexpectedEOF
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(src, buf); err != nil {
		return err
	}
	return json.Unmarshal(buf, v)
}

// watchdog kills the worker if the request outlives its timeout. The
// returned stop function reports whether the request finished in time.
func (w *Worker) watchdog() (stop func() bool) {
	if w.requestTimeout <= 0 {
		return func() bool { return true }
	}
	var fired atomic.Bool
	timer := time.AfterFunc(w.requestTimeout, func() {
		fired.Store(true)
		w.markDead()
		w.kill()
	})
	return func() bool {
		timer.Stop()
		return !fired.Load()
	}
}

func (w *Worker) timeoutErr() error {
	return fmt.Errorf("%w after %s", ErrWorkerTimeout, w.requestTimeout)
}

func (w *Worker) handleRequest(payload *RequestPayload) (*ResponsePayload, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.isDead() {
		if err := w.restart(); err != nil {
			return nil, err
		}
	}

	if err := writeFrame(w.stdin, payload); err != nil {
		return nil, err
	}

	type result struct {
		resp *ResponsePayload
		err  error
	}

	resCh := make(chan result, 1)

	go func() {
		var resp ResponsePayload
		if err := readFrame(w.stdout, &resp); err != nil {
			resCh <- result{nil, err}
			return
		}
		resCh <- result{&resp, nil}
	}()

	if w.requestTimeout > 0 {
		select {
		case res := <-resCh:
			return res.resp, res.err
		case <-time.After(w.requestTimeout):
			// Kill and mark dead on timeout
			w.markDead()
			w.kill()
			return nil, w.timeoutErr()
		}
	}

	res := <-resCh
	return res.resp, res.err
}

// StreamHead is the status and headers of a streamed response.
type StreamHead struct {
	Status  int
	Headers HeaderMap
}

// Stream sends req and returns once the worker has sent its headers. The
// body is read frame by frame from the returned reader, which holds the
// worker until it reaches the end frame or is closed.
func (w *Worker) Stream(req *RequestPayload) (StreamHead, io.ReadCloser, error) {
	w.mu.Lock()

	if w.isDead() {
		if err := w.restart(); err != nil {
			w.mu.Unlock()
			return StreamHead{}, nil, err
		}
	}

	body := &streamBody{w: w, stop: w.watchdog()}

	if err := writeFrame(w.stdin, req); err != nil {
		body.release(true)
		return StreamHead{}, nil, err
	}

	head := StreamHead{Status: 200}
	for {
		var frame StreamFrame
		if err := body.next(&frame); err != nil {
			return StreamHead{}, nil, err
		}

		switch frame.Type {
		case "headers":
			if frame.Status != 0 {
				head.Status = frame.Status
			}
			head.Headers = frame.Headers
			body.buf = []byte(frame.Data)
			return head, body, nil

		case "chunk":
			body.buf = []byte(frame.Data)
			return head, body, nil

		case "end":
			body.release(false)
			w.countRequest()
			return head, body, nil

		case "error":
			body.release(false)
			return StreamHead{}, nil, fmt.Errorf("stream error from worker: %s", frame.Error)

		default:
			body.release(true)
			return StreamHead{}, nil, fmt.Errorf("unknown stream frame type: %q", frame.Type)
		}
	}
}

// streamBody reads chunk frames until the end frame.
type streamBody struct {
	w    *Worker
	stop func() bool
	buf  []byte
	done bool
	err  error
}

// next reads a frame, marking the worker dead on protocol failure.
func (b *streamBody) next(frame *StreamFrame) error {
	if err := readFrame(b.w.stdout, frame); err != nil {
		inTime := b.stop()
		b.w.markDead()
		b.done = true
		b.w.mu.Unlock()
		if !inTime {
			return b.w.timeoutErr()
		}
		if errors.Is(err, io.EOF) {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	return nil
}

// release ends the stream and unlocks the worker.
func (b *streamBody) release(broken bool) {
	if b.done {
		return
	}
	b.done = true
	b.stop()
	if broken {
		b.w.markDead()
	}
	b.w.mu.Unlock()
}

func (b *streamBody) Read(p []byte) (int, error) {
	for len(b.buf) == 0 {
		if b.err != nil {
			return 0, b.err
		}
		if b.done {
			return 0, io.EOF
		}

		var frame StreamFrame
		if err := b.next(&frame); err != nil {
			b.err = err
			return 0, err
		}

		switch frame.Type {
		case "chunk", "headers":
			b.buf = []byte(frame.Data)
		case "end":
			b.release(false)
			b.w.countRequest()
		case "error":
			b.release(false)
			b.err = fmt.Errorf("stream error from worker: %s", frame.Error)
		default:
			b.release(true)
			b.err = fmt.Errorf("unknown stream frame type: %q", frame.Type)
		}
	}

	n := copy(p, b.buf)
	b.buf = b.buf[n:]
	return n, nil
}

// Close abandons the stream. A stream closed before its end frame leaves
// the worker out of sync, so it is recycled.
func (b *streamBody) Close() error {
	b.release(true)
	return nil
}
