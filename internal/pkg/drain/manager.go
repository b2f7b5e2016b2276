package drain

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/HookFox/internal/pkg/env"
)

const (
	DefaultDrainInterval = time.Minute
	DefaultSweepInterval = 5 * time.Minute
)

// Manager runs the drain worker and the stuck-row sweeper on their own tickers
type Manager struct {
	worker      *Worker
	drainTicker *time.Ticker
	sweepTicker *time.Ticker
	stopCh      chan struct{}
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool
}

func NewManager(worker *Worker) *Manager {
	return &Manager{worker: worker}
}

// Start launches the periodic drain and sweep loops
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so the manager can be restarted safely
	m.stopCh = make(chan struct{})
	m.running = true

	drainInterval := env.GetEnvDuration("DRAIN_INTERVAL", DefaultDrainInterval)
	sweepInterval := env.GetEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval)
	log.Infof("[Drain Manager] Starting (drain every %s, sweep every %s)", drainInterval, sweepInterval)

	m.drainTicker = time.NewTicker(drainInterval)
	m.wg.Add(1)
	go m.drainLoop()

	m.sweepTicker = time.NewTicker(sweepInterval)
	m.wg.Add(1)
	go m.sweepLoop()
}

// Stop halts both loops and waits for them to finish
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[Drain Manager] Stopping...")
	if m.drainTicker != nil {
		m.drainTicker.Stop()
	}
	if m.sweepTicker != nil {
		m.sweepTicker.Stop()
	}

	close(m.stopCh)
	m.running = false
	m.wg.Wait()
	log.Info("[Drain Manager] Stopped")
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// RunNow triggers one drain run immediately (admin use)
func (m *Manager) RunNow(ctx context.Context) Summary {
	return m.worker.RunOnce(ctx)
}

func (m *Manager) drainLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			log.Info("[Drain Manager] Drain loop stopping")
			return
		case <-m.drainTicker.C:
			m.worker.RunOnce(context.Background())
		}
	}
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			log.Info("[Drain Manager] Sweep loop stopping")
			return
		case <-m.sweepTicker.C:
			if recovered, err := m.worker.SweepStuck(context.Background()); err != nil {
				log.Errorf("[Drain Manager] Sweep error: %v", err)
			} else if recovered > 0 {
				log.Infof("[Drain Manager] Sweep recovered %d stuck rows", recovered)
			}
		}
	}
}
