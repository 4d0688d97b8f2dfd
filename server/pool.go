package server

import (
	"errors"
	"io"
	"sync/atomic"
)

type WorkerPool struct {
	workers []*Worker
	next    uint32
}

// NewPool creates a pool with count workers launched from cfg.
func NewPool(count int, cfg WorkerConfig) (*WorkerPool, error) {
	workers := make([]*Worker, 0, count)

	for i := 0; i < count; i++ {
		w, err := NewWorker(cfg)
		if err != nil {
			for _, started := range workers {
				_ = started.Close()
			}
			return nil, err
		}
		workers = append(workers, w)
	}

	return &WorkerPool{
		workers: workers,
	}, nil
}

var errEmptyPool = errors.New("worker pool is empty")

func (p *WorkerPool) pick() (*Worker, error) {
	if p == nil || len(p.workers) == 0 {
		return nil, errEmptyPool
	}
	i := atomic.AddUint32(&p.next, 1)
	return p.workers[i%uint32(len(p.workers))], nil
}

func (p *WorkerPool) Dispatch(req *RequestPayload) (*ResponsePayload, error) {
	w, err := p.pick()
	if err != nil {
		return nil, err
	}
	return w.Handle(req)
}

func (p *WorkerPool) Stream(req *RequestPayload) (StreamHead, io.ReadCloser, error) {
	w, err := p.pick()
	if err != nil {
		return StreamHead{}, nil, err
	}
	return w.Stream(req)
}

// PoolStats summarizes a pool for the health endpoint.
type PoolStats struct {
	Workers     int    `json:"workers"`
	DeadWorkers int    `json:"dead_workers"`
	Requests    uint64 `json:"requests"`
}

func (p *WorkerPool) Stats() PoolStats {
	stats := PoolStats{}
	if p == nil {
		return stats
	}

	stats.Workers = len(p.workers)
	for _, w := range p.workers {
		if w.isDead() {
			stats.DeadWorkers++
		}
		stats.Requests += atomic.LoadUint64(&w.requestCount)
	}

	return stats
}

func (p *WorkerPool) markAllDead() {
	if p == nil {
		return
	}
	for _, w := range p.workers {
		w.markDead()
	}
}

func (p *WorkerPool) Close() error {
	if p == nil {
		return nil
	}
	var errs []error
	for _, w := range p.workers {
		errs = append(errs, w.Close())
	}
	return errors.Join(errs...)
}
