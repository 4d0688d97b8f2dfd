package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var (
	// ErrManagerExited is returned by the master when the manager died
	// without being asked to.
	ErrManagerExited = errors.New("manager exited unexpectedly")
	// ErrNoWorkers is returned by the manager when no worker can be started.
	ErrNoWorkers = errors.New("no worker could be started")
	// ErrDaemonExited is returned when a daemonized master dies during startup.
	ErrDaemonExited = errors.New("daemon exited during startup")
)

// crashWindow is the minimum lifetime of a worker before it is restarted
// without delay.
const crashWindow = time.Second

// childEnv returns env with the runtime variables replaced.
func childEnv(env []string, role Role, workerID, masterPID int) []string {
	out := make([]string, 0, len(env)+3)
	for _, kv := range env {
		if strings.HasPrefix(kv, EnvRole+"=") ||
			strings.HasPrefix(kv, EnvWorkerID+"=") ||
			strings.HasPrefix(kv, EnvMasterPID+"=") {
			continue
		}
		out = append(out, kv)
	}
	out = append(out, EnvRole+"="+string(role))
	if role == RoleWorker {
		out = append(out, EnvWorkerID+"="+strconv.Itoa(workerID))
	}
	if masterPID > 0 {
		out = append(out, EnvMasterPID+"="+strconv.Itoa(masterPID))
	}
	return out
}

// command re-executes this binary in role.
func (s *Server) command(role Role, workerID int, files ...*os.File) (*exec.Cmd, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("runtime: locate executable: %w", err)
	}
	args := s.opts.Args
	if args == nil {
		args = os.Args[1:]
	}
	cmd := exec.Command(exe, args...)
	cmd.Env = childEnv(os.Environ(), role, workerID, s.masterPID)
	cmd.Dir = s.opts.Dir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = files
	return cmd, nil
}

// daemonize starts a detached master whose output goes to the log file
// and returns once it survived startup.
func (s *Server) daemonize() error {
	logPath := s.opts.LogFile
	if logPath == "" {
		logPath = os.DevNull
	} else if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return fmt.Errorf("runtime: prepare log directory: %w", err)
	}
	out, err := os.OpenFile(logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("runtime: open daemon log: %w", err)
	}
	defer out.Close()

	cmd, err := s.command(RoleMaster, 0)
	if err != nil {
		return err
	}
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("runtime: start daemon: %w", err)
	}

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()
	select {
	case err := <-exited:
		return fmt.Errorf("%w (see %s): %v", ErrDaemonExited, logPath, err)
	case <-time.After(s.opts.ReloadGrace):
	}
	s.logger.Info("daemon started", zap.Int("pid", cmd.Process.Pid), zap.String("log", logPath))
	return nil
}

func (s *Server) runProcessMaster(ctx context.Context, ln net.Listener) error {
	f, err := listenerFile(ln)
	if err != nil {
		return err
	}
	defer f.Close()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGTERM, unix.SIGINT, unix.SIGUSR1)
	defer signal.Stop(sigs)

	mgr, err := s.command(RoleManager, 0, f)
	if err != nil {
		return err
	}
	if err := mgr.Start(); err != nil {
		return fmt.Errorf("runtime: start manager: %w", err)
	}
	s.managerPID = mgr.Process.Pid
	exited := make(chan error, 1)
	go func() { exited <- mgr.Wait() }()

	s.events.OnStart(s)
	s.logger.Info("serving",
		zap.String("mode", string(ModeProcess)),
		zap.String("address", s.Address()),
		zap.Int("workers", s.opts.Workers),
		zap.Int("manager", s.managerPID),
	)

	stopping := false
	terminate := func() {
		if stopping {
			return
		}
		stopping = true
		_ = mgr.Process.Signal(unix.SIGTERM)
	}

	var runErr error
	done := ctx.Done()
loop:
	for {
		select {
		case <-done:
			done = nil
			terminate()
		case sig := <-sigs:
			if sig == unix.SIGUSR1 {
				s.logger.Info("reload requested")
				_ = mgr.Process.Signal(unix.SIGUSR1)
				continue
			}
			s.logger.Info("shutdown requested", zap.String("signal", sig.String()))
			terminate()
		case err := <-exited:
			if !stopping {
				runErr = fmt.Errorf("%w: %v", ErrManagerExited, err)
			}
			break loop
		}
	}

	s.events.OnShutdown(s)
	return runErr
}

// workerProc is one worker process as seen by the manager.
type workerProc struct {
	id      int
	cmd     *exec.Cmd
	started time.Time
	done    chan struct{}
	err     error
}

func (w *workerProc) signal(sig os.Signal) { _ = w.cmd.Process.Signal(sig) }

// manager supervises the worker processes.
type manager struct {
	srv      *Server
	listener *os.File
	workers  map[int]*workerProc
	exits    chan *workerProc
	stopped  chan struct{}
}

func (s *Server) runManager(ctx context.Context) error {
	f := os.NewFile(listenerFD, "listener")
	if f == nil {
		return errors.New("runtime: manager has no inherited listener")
	}
	defer f.Close()
	s.managerPID = os.Getpid()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGTERM, unix.SIGINT, unix.SIGUSR1)
	defer signal.Stop(sigs)

	m := &manager{
		srv:      s,
		listener: f,
		workers:  make(map[int]*workerProc, s.opts.Workers),
		exits:    make(chan *workerProc, s.opts.Workers),
		stopped:  make(chan struct{}),
	}
	defer close(m.stopped)

	for id := 1; id <= s.opts.Workers; id++ {
		wp, err := m.start(id)
		if err != nil {
			m.stopAll()
			return err
		}
		m.workers[id] = wp
	}

	for {
		select {
		case <-ctx.Done():
			m.stopAll()
			return nil
		case sig := <-sigs:
			if sig == unix.SIGUSR1 {
				m.rework()
				continue
			}
			m.stopAll()
			return nil
		case wp := <-m.exits:
			if m.workers[wp.id] != wp {
				continue
			}
			if err := m.restart(wp); err != nil {
				s.logger.Error("worker restart failed", zap.Int("worker", wp.id), zap.Error(err))
				delete(m.workers, wp.id)
				if len(m.workers) == 0 {
					return ErrNoWorkers
				}
			}
		}
	}
}

func (m *manager) start(id int) (*workerProc, error) {
	cmd, err := m.srv.command(RoleWorker, id, m.listener)
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("runtime: start worker %d: %w", id, err)
	}
	wp := &workerProc{id: id, cmd: cmd, started: time.Now(), done: make(chan struct{})}
	go func() {
		wp.err = cmd.Wait()
		close(wp.done)
		select {
		case m.exits <- wp:
		case <-m.stopped:
		}
	}()
	return wp, nil
}

// restart replaces a worker that died on its own. A worker that crashed
// right after starting is restarted after a pause so a broken build does
// not spin.
func (m *manager) restart(dead *workerProc) error {
	lived := time.Since(dead.started)
	m.srv.logger.Warn("worker exited",
		zap.Int("worker", dead.id),
		zap.Duration("uptime", lived),
		zap.Error(dead.err),
	)
	if lived < crashWindow {
		time.Sleep(crashWindow)
	}
	wp, err := m.start(dead.id)
	if err != nil {
		return err
	}
	m.workers[dead.id] = wp
	return nil
}

// rework replaces every worker one at a time: the new worker starts first
// and the old one is terminated once the new one survived the grace period.
func (m *manager) rework() {
	m.srv.logger.Info("rolling restart", zap.Int("workers", len(m.workers)))
	for _, id := range m.ids() {
		old := m.workers[id]
		wp, err := m.start(id)
		if err != nil {
			m.srv.logger.Error("rolling restart aborted", zap.Int("worker", id), zap.Error(err))
			return
		}
		select {
		case <-wp.done:
			m.srv.logger.Error("replacement worker died; keeping the old one",
				zap.Int("worker", id), zap.Error(wp.err))
			return
		case <-time.After(m.srv.opts.ReloadGrace):
		}
		m.workers[id] = wp
		m.terminate(old)
	}
}

func (m *manager) ids() []int {
	ids := make([]int, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// terminate asks wp to exit and kills it when it outlives the shutdown
// timeout.
func (m *manager) terminate(wp *workerProc) {
	wp.signal(unix.SIGTERM)
	select {
	case <-wp.done:
	case <-time.After(m.srv.opts.ShutdownTimeout + time.Second):
		m.srv.logger.Warn("worker ignored SIGTERM; killing", zap.Int("worker", wp.id))
		wp.signal(unix.SIGKILL)
		<-wp.done
	}
}

func (m *manager) stopAll() {
	for _, wp := range m.workers {
		wp.signal(unix.SIGTERM)
	}
	deadline := time.Now().Add(m.srv.opts.ShutdownTimeout + time.Second)
	for _, id := range m.ids() {
		wp := m.workers[id]
		select {
		case <-wp.done:
		case <-time.After(time.Until(deadline)):
			m.srv.logger.Warn("worker ignored SIGTERM; killing", zap.Int("worker", id))
			wp.signal(unix.SIGKILL)
			<-wp.done
		}
	}
}
