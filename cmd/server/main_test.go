package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baremetalphp/appserver/config"
	"github.com/baremetalphp/appserver/pid"
	"github.com/baremetalphp/appserver/runtime"
	"github.com/baremetalphp/appserver/signals"
)

// fakePort treats the pids in alive as running processes. A terminated
// pid dies on the next probe.
type fakePort struct {
	mu    sync.Mutex
	alive map[int]bool
	dying map[int]bool
	sent  []signals.Signal
}

func newFakePort(alive ...int) *fakePort {
	p := &fakePort{alive: map[int]bool{}, dying: map[int]bool{}}
	for _, id := range alive {
		p.alive[id] = true
	}
	return p
}

func (p *fakePort) Signal(pid int, sig signals.Signal) bool {
	if sig == signals.Probe {
		return p.Probe(pid)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, sig)
	if sig == signals.Terminate {
		p.dying[pid] = true
	}
	return p.alive[pid]
}

func (p *fakePort) Probe(pid int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dying[pid] {
		p.alive[pid] = false
	}
	return pid > 0 && p.alive[pid]
}

type harness struct {
	root   string
	port   *fakePort
	stdout bytes.Buffer
	stderr bytes.Buffer
	app    *app
}

func newHarness(t *testing.T, port *fakePort) *harness {
	t.Helper()
	t.Setenv(runtime.EnvRole, "")
	h := &harness{root: t.TempDir(), port: port}
	h.app = &app{
		v:       viper.New(),
		stdout:  &h.stdout,
		stderr:  &h.stderr,
		root:    h.root,
		newPort: func() signals.Port { return port },
	}
	return h
}

func (h *harness) run(args ...string) error {
	cmd := h.app.rootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&h.stdout)
	cmd.SetErr(&h.stderr)
	return cmd.Execute()
}

func (h *harness) writePID(t *testing.T, master, manager int) string {
	t.Helper()
	path := filepath.Join(h.root, "data", "appserver.pid")
	require.NoError(t, pid.NewFileRegistry(path).Write(context.Background(), master, manager))
	return path
}

func TestStatusWithoutRecordIsNotRunning(t *testing.T) {
	h := newHarness(t, newFakePort())
	require.NoError(t, h.run("status"))
	assert.Equal(t, "Server is not running\n", h.stdout.String())
}

func TestStatusEmptyRecordIsNotRunning(t *testing.T) {
	h := newHarness(t, newFakePort(1))
	h.writePID(t, 0, 0)
	require.NoError(t, h.run("status"))
	assert.Equal(t, "Server is not running\n", h.stdout.String())
}

func TestStatusBaseModeRunning(t *testing.T) {
	h := newHarness(t, newFakePort(1234))
	h.writePID(t, 1234, 0)
	require.NoError(t, h.run("status"))
	assert.Contains(t, h.stdout.String(), "Server is running (master=1234, manager=0, mode=base)")
}

func TestStatusProcessModeNeedsManager(t *testing.T) {
	h := newHarness(t, newFakePort(10))
	h.writePID(t, 10, 11)
	require.NoError(t, h.run("status"))
	assert.Equal(t, "Server is not running\n", h.stdout.String())
}

func TestStatusReportsLiveProcessDetails(t *testing.T) {
	self := os.Getpid()
	h := newHarness(t, newFakePort(self))
	h.writePID(t, self, 0)
	require.NoError(t, h.run("status"))
	assert.Contains(t, h.stdout.String(), "master pid=")
	assert.Contains(t, h.stdout.String(), "rss=")
}

func TestPIDFileFlag(t *testing.T) {
	h := newHarness(t, newFakePort(77))
	custom := filepath.Join(h.root, "run", "custom.pid")
	require.NoError(t, pid.NewFileRegistry(custom).Write(context.Background(), 77, 0))

	require.NoError(t, h.run("status", "--pid-file", custom))
	assert.Contains(t, h.stdout.String(), "master=77")
}

func TestStopNotRunning(t *testing.T) {
	h := newHarness(t, newFakePort())
	err := h.run("stop")
	assert.ErrorIs(t, err, errReported)
	assert.Equal(t, "Server is not running\nError stopping server; check logs for details\n", h.stderr.String())
	assert.Empty(t, h.port.sent)
}

func TestStopNotRunningIsReportedAtQuietLogLevel(t *testing.T) {
	h := newHarness(t, newFakePort())
	err := h.run("--log-level", "error", "stop")
	assert.ErrorIs(t, err, errReported)
	assert.Contains(t, h.stderr.String(), "not running")
}

func TestReloadNotRunning(t *testing.T) {
	h := newHarness(t, newFakePort())
	err := h.run("reload")
	assert.ErrorIs(t, err, errReported)
	assert.Equal(t, "Server is not running\nError reloading server; check logs for details\n", h.stderr.String())
	assert.Empty(t, h.port.sent)
}

func TestStopRunningServer(t *testing.T) {
	h := newHarness(t, newFakePort(1234))
	path := h.writePID(t, 1234, 0)

	require.NoError(t, h.run("stop"))
	assert.Equal(t, "Server stopped\n", h.stdout.String())
	assert.Equal(t, []signals.Signal{signals.Terminate}, h.port.sent)
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestReloadRunningServer(t *testing.T) {
	h := newHarness(t, newFakePort(10, 11))
	h.writePID(t, 10, 11)

	require.NoError(t, h.run("reload"))
	assert.Equal(t, "Server reloaded\n", h.stdout.String())
	assert.Equal(t, []signals.Signal{signals.Reload}, h.port.sent)
}

func TestStartRejectedWhenRunning(t *testing.T) {
	h := newHarness(t, newFakePort(1234))
	h.writePID(t, 1234, 0)

	err := h.run("start", "-d", "-w", "7")
	assert.ErrorIs(t, err, errReported)
	assert.Equal(t, "Server is already running!\n", h.stderr.String())
	assert.Empty(t, h.stdout.String())
	assert.Equal(t, 7, h.app.cfg.Workers)
	assert.True(t, h.app.cfg.Daemonize)
	assert.Empty(t, h.port.sent)
}

func TestStartRejectsInvalidRuntimeOptions(t *testing.T) {
	h := newHarness(t, newFakePort())
	require.NoError(t, os.WriteFile(filepath.Join(h.root, config.FileName), []byte(`{"port": 70000}`), 0o644))

	err := h.run("start")
	require.Error(t, err)
	assert.ErrorIs(t, err, runtime.ErrInvalidPort)
}

func TestRedisPIDStore(t *testing.T) {
	mr := miniredis.RunT(t)
	mr.HSet("baremetal:test", "master", "555")

	h := newHarness(t, newFakePort(555))
	cfg := `{"pid_store": "redis", "redis": {"addr": "` + mr.Addr() + `", "key": "baremetal:test"}}`
	require.NoError(t, os.WriteFile(filepath.Join(h.root, config.FileName), []byte(cfg), 0o644))

	require.NoError(t, h.run("status"))
	assert.Contains(t, h.stdout.String(), "master=555")
}

func TestExplicitMissingConfigFails(t *testing.T) {
	h := newHarness(t, newFakePort())
	err := h.run("status", "--config", "nope.json")
	assert.Error(t, err)
	assert.Empty(t, h.stdout.String())
}

func TestRuntimeOptionsFromConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Root = "/srv/app"
	cfg.Transport = "unix_stream"
	cfg.SocketPath = "run/app.sock"
	cfg.ShutdownTimeout = 3 * time.Second

	opts := runtimeOptions(cfg)
	assert.Equal(t, runtime.TransportUnixStream, opts.Transport)
	assert.Equal(t, "/srv/app/run/app.sock", opts.SocketPath)
	assert.Equal(t, runtime.ModeProcess, opts.Mode)
	assert.Equal(t, 4, opts.Workers)
	assert.Equal(t, 3*time.Second, opts.ShutdownTimeout)
	assert.Equal(t, "/srv/app/data/appserver.log", opts.LogFile)
	assert.Equal(t, "/srv/app", opts.Dir)
}

func TestPHPConfigFromConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Root = "/srv/app"

	pc := phpConfig(cfg)
	assert.Equal(t, "/srv/app/php/worker.php", pc.Worker.Script)
	assert.Equal(t, "/srv/app", pc.Worker.Dir)
	assert.Equal(t, 10*time.Second, pc.Worker.RequestTimeout)
	assert.Equal(t, 1000, pc.Worker.MaxRequests)
	assert.Equal(t, 2_000_000, pc.Slow.BodyThreshold)
}

func TestHotReloadConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Root = "/srv/app"
	assert.Nil(t, hotReloadConfig(cfg))

	cfg.HotReload = true
	cfg.HotReloadDirs = []string{"php", "/abs/routes"}
	hc := hotReloadConfig(cfg)
	require.NotNil(t, hc)
	assert.Equal(t, []string{"/srv/app/php", "/abs/routes"}, hc.Dirs)
	assert.Equal(t, []string{".php"}, hc.Extensions)
}
