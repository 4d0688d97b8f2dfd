// Package runtime runs the HTTP server: it owns the listening socket, the
// master/manager/worker process model and the translation of OS signals
// into lifecycle events.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/baremetalphp/appserver/emitter"
)

// Environment variables carrying a child's role.
const (
	EnvRole      = "BAREMETAL_ROLE"
	EnvWorkerID  = "BAREMETAL_WORKER_ID"
	EnvMasterPID = "BAREMETAL_MASTER_PID"
)

// listenerFD is the descriptor number of the socket passed to children.
const listenerFD = 3

// Role is the part a process plays in the process model.
type Role string

const (
	RoleCLI     Role = ""
	RoleMaster  Role = "master"
	RoleManager Role = "manager"
	RoleWorker  Role = "worker"
)

// CurrentRole returns the role of this process.
func CurrentRole() Role { return Role(os.Getenv(EnvRole)) }

// IsChild reports whether this process was started by the runtime.
func IsChild() bool { return CurrentRole() != RoleCLI }

// Events receives lifecycle callbacks.
type Events interface {
	// OnStart runs once in the master after the process tree is up.
	OnStart(srv *Server)
	// OnWorkerStart runs in each serving process before it accepts
	// requests. In base mode it runs again on every reload.
	OnWorkerStart(srv *Server, workerID int)
	// OnRequest handles one request. It must be safe for concurrent use.
	OnRequest(r *http.Request, sink emitter.Sink)
	// OnShutdown runs in the master after all children exited.
	OnShutdown(srv *Server)
}

// WorkerStopper is implemented by Events that release per-worker
// resources once a serving process stopped accepting requests.
type WorkerStopper interface {
	OnWorkerStop(srv *Server, workerID int)
}

// Server is the runtime as seen by event callbacks.
type Server struct {
	opts   Options
	events Events
	admin  Admin
	logger *zap.Logger

	role       Role
	masterPID  int
	managerPID int
}

// Option customises a Server.
type Option func(*Server)

// WithLogger sets the lifecycle logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithAdmin enables the admin endpoints on every serving process.
func WithAdmin(a Admin) Option {
	return func(s *Server) { s.admin = a }
}

// New validates opts and returns a Server ready to Run.
func New(opts Options, events Events, options ...Option) (*Server, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if events == nil {
		return nil, errors.New("runtime: events must not be nil")
	}
	s := &Server{
		opts:   opts.withDefaults(),
		events: events,
		logger: zap.NewNop(),
		role:   CurrentRole(),
	}
	for _, o := range options {
		o(s)
	}
	s.logger = s.logger.Named("runtime")
	if pid, err := strconv.Atoi(os.Getenv(EnvMasterPID)); err == nil {
		s.masterPID = pid
	}
	return s, nil
}

// MasterPID returns the pid of the master process.
func (s *Server) MasterPID() int { return s.masterPID }

// ManagerPID returns the pid of the manager process, or 0 in base mode.
func (s *Server) ManagerPID() int { return s.managerPID }

func (s *Server) Host() string { return s.opts.Host }
func (s *Server) Port() int { return s.opts.Port }
func (s *Server) Mode() Mode { return s.opts.Mode }
func (s *Server) Role() Role { return s.role }
func (s *Server) Options() Options { return s.opts }
func (s *Server) Address() string { return s.opts.Address() }
func (s *Server) Transport() Transport { return s.opts.Transport }

// Run plays this process's role and blocks until it is told to stop,
// either by a signal or by ctx.
//
// Called from the command line with Daemonize set, Run starts a detached
// master and returns as soon as it is running.
func (s *Server) Run(ctx context.Context) error {
	switch s.role {
	case RoleCLI:
		if s.opts.Daemonize {
			return s.daemonize()
		}
		return s.runMaster(ctx)
	case RoleMaster:
		return s.runMaster(ctx)
	case RoleManager:
		return s.runManager(ctx)
	case RoleWorker:
		id, err := strconv.Atoi(os.Getenv(EnvWorkerID))
		if err != nil {
			return fmt.Errorf("runtime: bad %s: %w", EnvWorkerID, err)
		}
		return s.runWorker(ctx, id)
	}
	return fmt.Errorf("runtime: unknown role %q", s.role)
}

func (s *Server) runMaster(ctx context.Context) error {
	s.role = RoleMaster
	s.masterPID = os.Getpid()

	ln, err := Listen(s.opts)
	if err != nil {
		return err
	}
	defer ln.Close()

	if s.opts.Mode == ModeBase {
		return s.runBase(ctx, ln)
	}
	return s.runProcessMaster(ctx, ln)
}

// runBase serves from the master itself. SIGUSR1 re-runs the worker
// start hook.
func (s *Server) runBase(ctx context.Context, ln net.Listener) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGTERM, unix.SIGINT, unix.SIGUSR1)
	defer signal.Stop(sigs)

	s.events.OnStart(s)
	s.events.OnWorkerStart(s, 0)

	httpSrv := s.httpServer()
	serveErr := make(chan error, 1)
	go func() { serveErr <- httpSrv.Serve(ln) }()
	s.logger.Info("serving", zap.String("mode", string(ModeBase)), zap.String("address", s.Address()))

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-serveErr:
			if !errors.Is(err, http.ErrServerClosed) {
				runErr = err
			}
			break loop
		case sig := <-sigs:
			if sig == unix.SIGUSR1 {
				s.logger.Info("reload requested")
				s.events.OnWorkerStart(s, 0)
				continue
			}
			s.logger.Info("shutdown requested", zap.String("signal", sig.String()))
			break loop
		}
	}

	s.shutdownHTTP(httpSrv)
	s.stopWorker(0)
	s.events.OnShutdown(s)
	return runErr
}

func (s *Server) runWorker(ctx context.Context, id int) error {
	ln, err := inheritedListener()
	if err != nil {
		return err
	}
	defer ln.Close()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGTERM, unix.SIGINT)
	defer signal.Stop(sigs)
	// The manager owns reloads; a stray SIGUSR1 must not kill a worker.
	signal.Ignore(unix.SIGUSR1)

	s.managerPID = os.Getppid()
	s.events.OnWorkerStart(s, id)

	httpSrv := s.httpServer()
	serveErr := make(chan error, 1)
	go func() { serveErr <- httpSrv.Serve(ln) }()
	s.logger.Debug("worker serving", zap.Int("worker", id))

	var runErr error
	select {
	case <-ctx.Done():
	case <-sigs:
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	}

	s.shutdownHTTP(httpSrv)
	s.stopWorker(id)
	return runErr
}

func (s *Server) httpServer() *http.Server {
	app := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.events.OnRequest(r, NewHTTPSink(w))
	})
	return &http.Server{
		Handler:  NewRouter(s.admin, app),
		ErrorLog: zap.NewStdLog(s.logger.Named("http")),
	}
}

func (s *Server) shutdownHTTP(httpSrv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		s.logger.Warn("graceful shutdown incomplete", zap.Error(err))
		_ = httpSrv.Close()
	}
}

func (s *Server) stopWorker(id int) {
	if ws, ok := s.events.(WorkerStopper); ok {
		ws.OnWorkerStop(s, id)
	}
}
