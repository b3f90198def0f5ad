package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/robfig/cron/v3"

	"github.com/ManuelReschke/RenderFox/internal/pkg/metrics/counter"
)

const (
	StaleTransactionSpec = "@every 15m"
	CounterFlushSpec     = "@every 1m"
	// StaleTransactionAge is how long a checkout may stay pending.
	StaleTransactionAge = 24 * time.Hour
	jobTimeout          = 2 * time.Minute
)

// StaleCanceller is implemented by *payments.Service.
type StaleCanceller interface {
	CancelStalePending(ctx context.Context, olderThan time.Duration) (int64, error)
}

// CounterFlusher is implemented by *counter.Counter.
type CounterFlusher interface {
	Flush(ctx context.Context, sink counter.Sink) (int, error)
}

// Manager runs the periodic maintenance jobs.
type Manager struct {
	cron     *cron.Cron
	payments StaleCanceller
	counter  CounterFlusher
	sink     counter.Sink
	mu       sync.Mutex
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
}

// New registers the jobs whose dependencies are present. A nil counter
// disables the flush job (no Redis).
func New(payments StaleCanceller, flusher CounterFlusher, sink counter.Sink) (*Manager, error) {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cron: cron.New(cron.WithLocation(time.UTC), cron.WithChain(
			cron.Recover(cron.DefaultLogger),
			cron.SkipIfStillRunning(cron.DefaultLogger),
		)),
		payments: payments,
		counter:  flusher,
		sink:     sink,
		ctx:      ctx,
		cancel:   cancel,
	}

	if payments != nil {
		if _, err := m.cron.AddFunc(StaleTransactionSpec, m.CancelStaleTransactions); err != nil {
			cancel()
			return nil, err
		}
	}
	if flusher != nil && sink != nil {
		if _, err := m.cron.AddFunc(CounterFlushSpec, m.FlushCounters); err != nil {
			cancel()
			return nil, err
		}
	}
	return m, nil
}

func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	log.Infof("[Scheduler] Starting %d jobs", len(m.cron.Entries()))
	m.cron.Start()
}

// Stop cancels running jobs and waits for them to return.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	m.cancel()
	<-m.cron.Stop().Done()
	log.Info("[Scheduler] Stopped")
}

// Entries reports the number of registered jobs.
func (m *Manager) Entries() int {
	return len(m.cron.Entries())
}

func (m *Manager) CancelStaleTransactions() {
	ctx, cancel := context.WithTimeout(m.ctx, jobTimeout)
	defer cancel()
	if _, err := m.payments.CancelStalePending(ctx, StaleTransactionAge); err != nil {
		log.Errorf("[Scheduler] Cancel stale transactions: %v", err)
	}
}

func (m *Manager) FlushCounters() {
	ctx, cancel := context.WithTimeout(m.ctx, jobTimeout)
	defer cancel()
	n, err := m.counter.Flush(ctx, m.sink)
	if err != nil {
		log.Warnf("[Scheduler] Counter flush failed: %v", err)
		return
	}
	if n > 0 {
		log.Debugf("[Scheduler] Flushed %d tool counters", n)
	}
}
