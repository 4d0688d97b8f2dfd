// Package supervisor controls the lifecycle of the app server: it starts
// the runtime, records its process ids, and stops or reloads a running
// server from a separate invocation.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/baremetalphp/appserver/emitter"
	"github.com/baremetalphp/appserver/hotreload"
	"github.com/baremetalphp/appserver/pid"
	"github.com/baremetalphp/appserver/runtime"
	"github.com/baremetalphp/appserver/signals"
)

var (
	ErrAlreadyRunning = errors.New("server is already running")
	ErrNotRunning     = errors.New("server is not running")
	ErrStopTimeout    = errors.New("timed out waiting for server to stop")
	ErrReloadFailed   = errors.New("reload signal was not delivered")
)

const (
	DefaultPollInterval = 10 * time.Millisecond
	DefaultStopTimeout  = 60 * time.Second
)

// Runner is a runtime that blocks until the server stops.
type Runner interface {
	Run(ctx context.Context) error
}

// RuntimeFactory builds the runtime that will deliver events to the
// supervisor.
type RuntimeFactory func(events runtime.Events) (Runner, error)

// RequestDispatcher handles one request.
type RequestDispatcher interface {
	Dispatch(r *http.Request, sink emitter.Sink)
}

// ServerInfo is what the supervisor needs to know about a started runtime.
type ServerInfo interface {
	MasterPID() int
	ManagerPID() int
	Host() string
	Port() int
}

// Config wires a Supervisor.
type Config struct {
	Registry   pid.Registry
	Signals    signals.Port
	Dispatcher RequestDispatcher
	Runtime    RuntimeFactory

	// WorkerStart runs in every serving process before it accepts requests
	// and again on base-mode reloads.
	WorkerStart func(workerID int)
	// WorkerStop runs when a serving process stopped accepting requests.
	WorkerStop func(workerID int)

	// Started runs in the master once the pid record is written.
	Started func(ServerInfo)

	// HotReload, when set, watches the code and reloads the server on
	// change. OnChange is owned by the supervisor.
	HotReload *hotreload.Config

	Logger       *zap.Logger
	PollInterval time.Duration
	StopTimeout  time.Duration

	// IsChild reports whether this process was started by the runtime.
	// Defaults to runtime.IsChild.
	IsChild func() bool
}

// Status is a snapshot of the recorded server.
type Status struct {
	Running    bool
	Mode       runtime.Mode
	MasterPID  int
	ManagerPID int
}

// Supervisor implements the control operations and the runtime events.
type Supervisor struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	cwd     string
	watcher *hotreload.Watcher
}

var _ runtime.Events = (*Supervisor)(nil)
var _ runtime.WorkerStopper = (*Supervisor)(nil)

// New returns a Supervisor. Registry and Signals are required.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Registry == nil {
		return nil, errors.New("supervisor: registry is required")
	}
	if cfg.Signals == nil {
		return nil, errors.New("supervisor: signal port is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.IsChild == nil {
		cfg.IsChild = runtime.IsChild
	}
	cwd, _ := os.Getwd()
	return &Supervisor{
		cfg:    cfg,
		logger: cfg.Logger.Named("supervisor"),
		cwd:    cwd,
	}, nil
}

// Start runs the server and blocks until it stops.
func (s *Supervisor) Start(ctx context.Context) error {
	if !s.cfg.IsChild() && s.IsRunning(ctx) {
		return ErrAlreadyRunning
	}
	if s.cfg.Runtime == nil {
		return errors.New("supervisor: no runtime configured")
	}

	if cwd, err := os.Getwd(); err == nil {
		s.mu.Lock()
		s.cwd = cwd
		s.mu.Unlock()
	}

	rt, err := s.cfg.Runtime(s)
	if err != nil {
		return fmt.Errorf("create runtime: %w", err)
	}
	return rt.Run(ctx)
}

// IsRunning reports whether the recorded server is alive. A server in
// process mode is alive while its manager is; in base mode while its
// master is.
func (s *Supervisor) IsRunning(ctx context.Context) bool {
	rec, err := s.cfg.Registry.Read(ctx)
	if err != nil {
		s.logger.Error("reading pid registry failed", zap.Error(err))
		return false
	}
	return s.alive(rec)
}

func (s *Supervisor) alive(rec pid.Record) bool {
	if !rec.HasMaster() {
		return false
	}
	if rec.HasManager() {
		return s.cfg.Signals.Probe(rec.ManagerPID)
	}
	return s.cfg.Signals.Probe(rec.MasterPID)
}

// Status reports the recorded process ids and whether they are alive.
func (s *Supervisor) Status(ctx context.Context) (Status, error) {
	rec, err := s.cfg.Registry.Read(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("read pid registry: %w", err)
	}
	st := Status{
		Running:    s.alive(rec),
		Mode:       runtime.ModeBase,
		MasterPID:  rec.MasterPID,
		ManagerPID: rec.ManagerPID,
	}
	if rec.HasManager() {
		st.Mode = runtime.ModeProcess
	}
	return st, nil
}

// Stop terminates the running server and waits for its master to exit.
// The record is deleted only once the master is gone.
func (s *Supervisor) Stop(ctx context.Context) error {
	rec, err := s.cfg.Registry.Read(ctx)
	if err != nil {
		s.logger.Error("reading pid registry failed", zap.Error(err))
		return ErrNotRunning
	}
	if !s.alive(rec) {
		s.logger.Info("server is not running")
		return ErrNotRunning
	}

	s.logger.Info("server stopping", zap.Int("master", rec.MasterPID))
	if !s.cfg.Signals.Signal(rec.MasterPID, signals.Terminate) {
		// The master may already be on its way out; let the probe decide.
		s.logger.Warn("terminate signal not accepted", zap.Int("master", rec.MasterPID))
	}

	deadline := time.NewTimer(s.cfg.StopTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(s.cfg.PollInterval)
	defer tick.Stop()

	for s.cfg.Signals.Probe(rec.MasterPID) {
		select {
		case <-ctx.Done():
			return fmt.Errorf("stop: %w", ctx.Err())
		case <-deadline.C:
			s.logger.Error("server stop failure", zap.Duration("timeout", s.cfg.StopTimeout))
			return fmt.Errorf("%w after %s", ErrStopTimeout, s.cfg.StopTimeout)
		case <-tick.C:
		}
	}

	if err := s.cfg.Registry.Delete(ctx); err != nil {
		return fmt.Errorf("server stopped but pid record remains: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// Reload asks the running server to restart its workers. It does not wait
// for the restart to happen.
func (s *Supervisor) Reload(ctx context.Context) error {
	rec, err := s.cfg.Registry.Read(ctx)
	if err != nil {
		s.logger.Error("reading pid registry failed", zap.Error(err))
		return ErrNotRunning
	}
	if !s.alive(rec) {
		s.logger.Info("server is not running")
		return ErrNotRunning
	}

	s.logger.Info("worker reloading", zap.Int("master", rec.MasterPID))
	if !s.cfg.Signals.Signal(rec.MasterPID, signals.Reload) {
		s.logger.Error("worker reload failure", zap.Int("master", rec.MasterPID))
		return ErrReloadFailed
	}
	s.logger.Info("worker reloaded")
	return nil
}

// OnStart records the process ids of the started server.
func (s *Supervisor) OnStart(srv *runtime.Server) { s.started(srv) }

func (s *Supervisor) started(srv ServerInfo) {
	ctx := context.Background()
	if err := s.cfg.Registry.Write(ctx, srv.MasterPID(), srv.ManagerPID()); err != nil {
		s.logger.Error("writing pid registry failed", zap.Error(err))
	}
	cwd := s.restoreCwd()
	s.logger.Info(fmt.Sprintf("server is running at %s:%d, in %s", srv.Host(), srv.Port(), cwd),
		zap.Int("master", srv.MasterPID()),
		zap.Int("manager", srv.ManagerPID()),
	)

	if s.cfg.HotReload != nil {
		s.startHotReload(srv.MasterPID())
	}
	if s.cfg.Started != nil {
		s.cfg.Started(srv)
	}
}

func (s *Supervisor) startHotReload(masterPID int) {
	hc := *s.cfg.HotReload
	if hc.Logger == nil {
		hc.Logger = s.cfg.Logger
	}
	hc.OnChange = func(path string) {
		s.logger.Info("code changed; reloading", zap.String("path", path))
		if !s.cfg.Signals.Signal(masterPID, signals.Reload) {
			s.logger.Error("hot reload signal failed", zap.Int("master", masterPID))
		}
	}
	w, err := hotreload.Start(hc)
	if err != nil {
		s.logger.Error("hot reload disabled", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.watcher = w
	s.mu.Unlock()
}

// OnWorkerStart prepares a serving process.
func (s *Supervisor) OnWorkerStart(_ *runtime.Server, workerID int) {
	cwd := s.restoreCwd()
	s.logger.Info(fmt.Sprintf("worker started in %s with ID %d", cwd, workerID), zap.Int("worker", workerID))
	if s.cfg.WorkerStart != nil {
		s.cfg.WorkerStart(workerID)
	}
}

// OnWorkerStop releases the resources of a serving process.
func (s *Supervisor) OnWorkerStop(_ *runtime.Server, workerID int) {
	if s.cfg.WorkerStop != nil {
		s.cfg.WorkerStop(workerID)
	}
	s.logger.Debug("worker stopped", zap.Int("worker", workerID))
}

// OnRequest hands the request to the dispatcher.
func (s *Supervisor) OnRequest(r *http.Request, sink emitter.Sink) {
	s.cfg.Dispatcher.Dispatch(r, sink)
}

// OnShutdown stops the hot reload watcher. The pid record is left for Stop
// to delete.
func (s *Supervisor) OnShutdown(*runtime.Server) {
	s.mu.Lock()
	w := s.watcher
	s.watcher = nil
	s.mu.Unlock()
	if w != nil {
		_ = w.Close()
	}
	s.logger.Info("server shut down")
}

func (s *Supervisor) restoreCwd() string {
	s.mu.Lock()
	cwd := s.cwd
	s.mu.Unlock()
	if cwd == "" {
		return ""
	}
	if err := os.Chdir(cwd); err != nil {
		s.logger.Warn("restoring working directory failed", zap.String("cwd", cwd), zap.Error(err))
	}
	return cwd
}
