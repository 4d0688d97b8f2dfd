package supervisor

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/baremetalphp/appserver/emitter"
	"github.com/baremetalphp/appserver/pid"
	"github.com/baremetalphp/appserver/runtime"
	"github.com/baremetalphp/appserver/signals"
)

type fakeRegistry struct {
	mu      sync.Mutex
	rec     pid.Record
	readErr error
	writes  int
	deletes int
}

func (r *fakeRegistry) Read(context.Context) (pid.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.readErr != nil {
		return pid.Record{}, r.readErr
	}
	return r.rec, nil
}

func (r *fakeRegistry) Write(_ context.Context, master, manager int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++
	r.rec = pid.Record{MasterPID: master, ManagerPID: manager}
	return nil
}

func (r *fakeRegistry) Delete(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deletes++
	r.rec = pid.Record{}
	return nil
}

func (r *fakeRegistry) record() pid.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rec
}

type sent struct {
	pid int
	sig signals.Signal
}

// fakePort simulates processes. A pid in alive answers probes; when
// probesLeft is set, the pid dies after that many successful probes
// following a Terminate.
type fakePort struct {
	mu         sync.Mutex
	alive      map[int]bool
	reject     bool
	terminated map[int]bool
	probesLeft map[int]int
	sent       []sent
}

func newFakePort(alive ...int) *fakePort {
	p := &fakePort{
		alive:      map[int]bool{},
		terminated: map[int]bool{},
		probesLeft: map[int]int{},
	}
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
	if pid <= 0 {
		return false
	}
	p.sent = append(p.sent, sent{pid, sig})
	if sig == signals.Terminate {
		p.terminated[pid] = true
	}
	return !p.reject && p.alive[pid]
}

func (p *fakePort) Probe(pid int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pid <= 0 || !p.alive[pid] {
		return false
	}
	if n, ok := p.probesLeft[pid]; ok && p.terminated[pid] {
		if n <= 0 {
			p.alive[pid] = false
			return false
		}
		p.probesLeft[pid] = n - 1
	}
	return true
}

func (p *fakePort) sentSignals() []sent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sent(nil), p.sent...)
}

type fakeRunner struct {
	runs int
	err  error
}

func (r *fakeRunner) Run(context.Context) error {
	r.runs++
	return r.err
}

type fakeInfo struct {
	master, manager int
	host            string
	port            int
}

func (f fakeInfo) MasterPID() int  { return f.master }
func (f fakeInfo) ManagerPID() int { return f.manager }
func (f fakeInfo) Host() string    { return f.host }
func (f fakeInfo) Port() int       { return f.port }

type fakeDispatcher struct{ paths []string }

func (d *fakeDispatcher) Dispatch(r *http.Request, _ emitter.Sink) {
	d.paths = append(d.paths, r.URL.Path)
}

var errRegistryDown = errors.New("registry down")

func newTestSupervisor(reg *fakeRegistry, port *fakePort, mutate ...func(*Config)) (*Supervisor, *fakeRunner) {
	runner := &fakeRunner{}
	cfg := Config{
		Registry: reg,
		Signals:  port,
		Runtime: func(runtime.Events) (Runner, error) {
			return runner, nil
		},
		IsChild: func() bool { return false },
	}
	for _, m := range mutate {
		m(&cfg)
	}
	s, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return s, runner
}
