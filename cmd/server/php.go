package main

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/baremetalphp/appserver/message"
	"github.com/baremetalphp/appserver/server"
)

// phpApp owns the PHP worker pools of one serving process. The pools are
// created by the first worker start and recycled by later ones.
type phpApp struct {
	cfg    server.Config
	logger *zap.Logger
	// newServer is server.NewServer outside tests.
	newServer func(server.Config) (*server.Server, error)

	mu  sync.RWMutex
	srv *server.Server
}

func newPHPApp(cfg server.Config, logger *zap.Logger) *phpApp {
	cfg.Logger = logger
	return &phpApp{cfg: cfg, logger: logger, newServer: server.NewServer}
}

// start creates the pools, or recycles their workers when they exist.
func (p *phpApp) start(workerID int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.srv != nil {
		p.srv.ForceRecycleWorkers()
		p.logger.Info("php workers recycled", zap.Int("worker", workerID))
		return
	}
	srv, err := p.newServer(p.cfg)
	if err != nil {
		p.logger.Error("php workers failed to start", zap.Int("worker", workerID), zap.Error(err))
		return
	}
	p.srv = srv
	p.logger.Info("php workers started",
		zap.Int("worker", workerID),
		zap.Int("fast", p.cfg.FastWorkers),
		zap.Int("slow", p.cfg.SlowWorkers),
	)
}

func (p *phpApp) stop(workerID int) {
	p.mu.Lock()
	srv := p.srv
	p.srv = nil
	p.mu.Unlock()
	if srv == nil {
		return
	}
	if err := srv.Close(); err != nil {
		p.logger.Warn("closing php workers", zap.Int("worker", workerID), zap.Error(err))
	}
}

func (p *phpApp) current() *server.Server {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.srv
}

// Handle sends req to the PHP pools.
func (p *phpApp) Handle(ctx context.Context, req *message.Request) *message.Response {
	srv := p.current()
	if srv == nil {
		resp := message.NewResponse(http.StatusServiceUnavailable, []byte("php workers unavailable\n"))
		resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
		return resp
	}
	return srv.Handle(ctx, req)
}

func (p *phpApp) health() any {
	srv := p.current()
	if srv == nil {
		return map[string]string{"status": "starting"}
	}
	return srv.Health()
}

func (p *phpApp) recycle() {
	if srv := p.current(); srv != nil {
		srv.ForceRecycleWorkers()
	}
}

// Pool gauges, collected from the live pools on every scrape.
var (
	phpWorkersDesc = prometheus.NewDesc("baremetal_php_workers", "PHP worker processes per pool.", []string{"pool"}, nil)
	phpDeadDesc    = prometheus.NewDesc("baremetal_php_dead_workers", "PHP workers marked dead per pool.", []string{"pool"}, nil)
	phpServedDesc  = prometheus.NewDesc("baremetal_php_requests_served", "Requests served by the current PHP workers per pool.", []string{"pool"}, nil)
)

func (p *phpApp) Describe(ch chan<- *prometheus.Desc) {
	ch <- phpWorkersDesc
	ch <- phpDeadDesc
	ch <- phpServedDesc
}

func (p *phpApp) Collect(ch chan<- prometheus.Metric) {
	srv := p.current()
	if srv == nil {
		return
	}
	h := srv.Health()
	for pool, st := range map[string]server.PoolStats{"fast": h.Fast, "slow": h.Slow} {
		ch <- prometheus.MustNewConstMetric(phpWorkersDesc, prometheus.GaugeValue, float64(st.Workers), pool)
		ch <- prometheus.MustNewConstMetric(phpDeadDesc, prometheus.GaugeValue, float64(st.DeadWorkers), pool)
		ch <- prometheus.MustNewConstMetric(phpServedDesc, prometheus.GaugeValue, float64(st.Requests), pool)
	}
}
