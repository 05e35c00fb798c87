package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"retina-forge/internal/model"
)

// AcquireTimeout bounds how long a request waits for a free detector.
const AcquireTimeout = 5 * time.Second

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("server: detector pool is closed")

// Pool hands out detectors one request at a time. Forward passes keep
// per-detector scratch state, so a detector is never shared concurrently.
type Pool struct {
	detectors chan model.Detector
	size      int

	mu     sync.Mutex
	closed bool

	statsMu  sync.Mutex
	stats    PoolStats
	waitTime time.Duration
}

// PoolStats is the monitoring view of a Pool.
type PoolStats struct {
	Size            int     `json:"pool_size"`
	InUse           int     `json:"detectors_in_use"`
	TotalAcquired   int64   `json:"total_acquired"`
	TotalReleased   int64   `json:"total_released"`
	AcquireFailures int64   `json:"acquire_failures"`
	AvgWaitMS       float64 `json:"avg_wait_ms"`
}

// NewPool builds size detectors with build.
func NewPool(size int, build func(i int) (model.Detector, error)) (*Pool, error) {
	if size <= 0 {
		size = 1
	}
	p := &Pool{detectors: make(chan model.Detector, size), size: size}
	for i := 0; i < size; i++ {
		det, err := build(i)
		if err != nil {
			return nil, fmt.Errorf("init detector %d: %w", i, err)
		}
		p.detectors <- det
	}
	return p, nil
}

// Acquire waits for a free detector.
func (p *Pool) Acquire(ctx context.Context) (model.Detector, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	start := time.Now()
	defer func() {
		p.statsMu.Lock()
		p.waitTime += time.Since(start)
		p.statsMu.Unlock()
	}()

	timer := time.NewTimer(AcquireTimeout)
	defer timer.Stop()
	select {
	case det, ok := <-p.detectors:
		if !ok {
			return nil, ErrPoolClosed
		}
		p.statsMu.Lock()
		p.stats.InUse++
		p.stats.TotalAcquired++
		p.statsMu.Unlock()
		return det, nil
	case <-timer.C:
		p.statsMu.Lock()
		p.stats.AcquireFailures++
		p.statsMu.Unlock()
		return nil, errors.New("timeout waiting for available detector")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns det to the pool.
func (p *Pool) Release(det model.Detector) {
	p.statsMu.Lock()
	p.stats.InUse--
	p.stats.TotalReleased++
	p.statsMu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.detectors <- det
}

// Close stops handing out detectors.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.detectors)
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() PoolStats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	s := p.stats
	s.Size = p.size
	if s.TotalAcquired > 0 {
		s.AvgWaitMS = p.waitTime.Seconds() * 1000 / float64(s.TotalAcquired)
	}
	return s
}
