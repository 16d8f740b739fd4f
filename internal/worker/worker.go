// Package worker implements worker tracking, per-worker vardiff state, and
// statistics.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/AlexPanacea/PBpool/internal/config"
	"github.com/AlexPanacea/PBpool/internal/mining"
	"github.com/AlexPanacea/PBpool/internal/protocol"
	"github.com/AlexPanacea/PBpool/internal/storage"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Prometheus metrics
var (
	activeWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stratum_active_workers",
		Help: "Number of active workers",
	})

	workerHashrate = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stratum_worker_hashrate",
		Help: "Estimated hashrate per worker",
	}, []string{"worker"})

	workerDifficulty = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stratum_worker_difficulty",
		Help: "Current assigned difficulty per worker",
	}, []string{"worker"})
)

func init() {
	prometheus.MustRegister(activeWorkers)
	prometheus.MustRegister(workerHashrate)
	prometheus.MustRegister(workerDifficulty)
}

// Worker is a connected mining worker: its identity, share tally, and its
// own vardiff controller.
type Worker struct {
	Name           string
	Address        string
	ValidShares    int64
	InvalidShares  int64
	StaleShares    int64
	LastShareTime  time.Time
	ConnectedAt    time.Time
	LastActivityAt time.Time
	DiffState      *protocol.VarDiffState
	Hashrate       float64
	mu             sync.RWMutex
}

// Difficulty returns the worker's current assigned difficulty.
func (w *Worker) Difficulty() float64 {
	return w.DiffState.Current()
}

// Manager manages worker connections and statistics.
type Manager struct {
	cfg      config.MiningConfig
	logger   *zap.Logger
	redis    *storage.RedisClient
	postgres *storage.PostgresClient
	workers  sync.Map // map[string]*Worker
}

// NewManager creates a new worker manager.
func NewManager(cfg config.MiningConfig, logger *zap.Logger, redis *storage.RedisClient, postgres *storage.PostgresClient) *Manager {
	return &Manager{
		cfg:      cfg,
		logger:   logger.Named("worker"),
		redis:    redis,
		postgres: postgres,
	}
}

func (m *Manager) vardiffConfig() protocol.VarDiffConfig {
	return protocol.VarDiffConfig{
		MinDifficulty:   m.cfg.MinDifficulty,
		MaxDifficulty:   m.cfg.MaxDifficulty,
		TargetShareTime: m.cfg.TargetShareTime,
	}
}

// Register registers a new worker, or refreshes an already-connected one
// under the same name (a miner that resubscribes without disconnecting).
func (m *Manager) Register(ctx context.Context, name, address string) (*Worker, error) {
	if w, ok := m.workers.Load(name); ok {
		worker := w.(*Worker)
		worker.mu.Lock()
		worker.LastActivityAt = time.Now()
		worker.Address = address
		worker.mu.Unlock()
		return worker, nil
	}

	worker := &Worker{
		Name:           name,
		Address:        address,
		ConnectedAt:    time.Now(),
		LastActivityAt: time.Now(),
		DiffState:      protocol.NewVarDiffState(m.vardiffConfig(), m.cfg.InitialDifficulty, m.logger),
	}

	m.workers.Store(name, worker)
	activeWorkers.Inc()
	workerDifficulty.WithLabelValues(name).Set(worker.Difficulty())

	if err := m.redis.AddOnlineWorker(ctx, name); err != nil {
		m.logger.Warn("failed to add worker to redis", zap.String("worker", name), zap.Error(err))
	}

	if err := m.postgres.UpsertWorker(ctx, &storage.Worker{
		Name:        name,
		Address:     address,
		FirstSeenAt: time.Now(),
		LastSeenAt:  time.Now(),
	}); err != nil {
		m.logger.Warn("failed to register worker in database", zap.String("worker", name), zap.Error(err))
	}

	m.logger.Info("worker registered",
		zap.String("name", name),
		zap.String("address", address),
	)

	return worker, nil
}

// Disconnect handles worker disconnection.
func (m *Manager) Disconnect(ctx context.Context, name string) {
	if w, ok := m.workers.LoadAndDelete(name); ok {
		worker := w.(*Worker)
		activeWorkers.Dec()

		if err := m.redis.RemoveOnlineWorker(ctx, name); err != nil {
			m.logger.Warn("failed to remove worker from redis", zap.String("worker", name), zap.Error(err))
		}

		if err := m.postgres.UpdateWorkerLastSeen(ctx, name, worker.LastActivityAt); err != nil {
			m.logger.Warn("failed to update worker last seen", zap.String("worker", name), zap.Error(err))
		}

		m.logger.Info("worker disconnected",
			zap.String("name", name),
			zap.Int64("valid_shares", worker.ValidShares),
			zap.Int64("invalid_shares", worker.InvalidShares),
		)
	}
}

// UpdateStats records a share outcome against a worker and, for valid
// shares, feeds the vardiff controller. It returns the worker's new
// difficulty and whether it changed enough to be worth re-notifying.
func (m *Manager) UpdateStats(ctx context.Context, name string, result *mining.ShareResult) (newDiff float64, changed bool) {
	w, ok := m.workers.Load(name)
	if !ok {
		return 0, false
	}

	worker := w.(*Worker)
	worker.mu.Lock()
	now := time.Now()
	worker.LastActivityAt = now

	switch {
	case result.Valid:
		worker.ValidShares++
		worker.LastShareTime = now
		newDiff, changed = worker.DiffState.RecordShare(now)
		m.updateHashrate(worker)
		go m.redis.IncrementWorkerShares(ctx, name, true)
	case result.RejectReason == "Stale job":
		worker.StaleShares++
		go m.redis.IncrementWorkerShares(ctx, name, false)
	default:
		worker.InvalidShares++
		go m.redis.IncrementWorkerShares(ctx, name, false)
	}
	worker.mu.Unlock()

	if changed {
		workerDifficulty.WithLabelValues(name).Set(newDiff)
		go m.redis.SetWorkerDifficulty(ctx, name, newDiff)
	}

	return newDiff, changed
}

// updateHashrate estimates the worker's hashrate from its assigned
// difficulty and the target share interval: difficulty * 2^32 hashes per
// expected share, divided by the share interval.
func (m *Manager) updateHashrate(worker *Worker) {
	interval := m.cfg.TargetShareTime
	if interval <= 0 {
		return
	}

	hashrate := worker.DiffState.Current() * 4294967296.0 / interval.Seconds()
	worker.Hashrate = hashrate

	workerHashrate.WithLabelValues(worker.Name).Set(hashrate)
}

// GetWorker returns a worker by name.
func (m *Manager) GetWorker(name string) *Worker {
	if w, ok := m.workers.Load(name); ok {
		return w.(*Worker)
	}
	return nil
}

// GetWorkerStats returns statistics for a worker.
func (m *Manager) GetWorkerStats(name string) (valid, invalid, stale int64, hashrate float64) {
	w, ok := m.workers.Load(name)
	if !ok {
		return
	}

	worker := w.(*Worker)
	worker.mu.RLock()
	defer worker.mu.RUnlock()

	return worker.ValidShares, worker.InvalidShares, worker.StaleShares, worker.Hashrate
}

// GetAllWorkers returns all connected workers.
func (m *Manager) GetAllWorkers() []*Worker {
	workers := make([]*Worker, 0)
	m.workers.Range(func(key, value interface{}) bool {
		workers = append(workers, value.(*Worker))
		return true
	})
	return workers
}

// GetWorkerCount returns the number of connected workers.
func (m *Manager) GetWorkerCount() int {
	count := 0
	m.workers.Range(func(key, value interface{}) bool {
		count++
		return true
	})
	return count
}

// SetDifficulty manually overrides a worker's difficulty, bypassing vardiff.
func (m *Manager) SetDifficulty(name string, difficulty float64) error {
	w, ok := m.workers.Load(name)
	if !ok {
		return fmt.Errorf("worker not found: %s", name)
	}

	worker := w.(*Worker)
	worker.DiffState = protocol.NewVarDiffState(m.vardiffConfig(), difficulty, m.logger)
	workerDifficulty.WithLabelValues(name).Set(difficulty)

	return nil
}

// CleanupInactiveWorkers disconnects workers that have been inactive past
// timeout.
func (m *Manager) CleanupInactiveWorkers(ctx context.Context, timeout time.Duration) {
	cutoff := time.Now().Add(-timeout)

	m.workers.Range(func(key, value interface{}) bool {
		worker := value.(*Worker)
		worker.mu.RLock()
		lastActivity := worker.LastActivityAt
		worker.mu.RUnlock()

		if lastActivity.Before(cutoff) {
			m.Disconnect(ctx, key.(string))
		}
		return true
	})
}

// StartCleanupRoutine periodically cleans up inactive workers until ctx is
// canceled.
func (m *Manager) StartCleanupRoutine(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CleanupInactiveWorkers(ctx, timeout)
		}
	}
}
