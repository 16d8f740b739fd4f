// Package server implements the TCP server for Stratum protocol connections.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AlexPanacea/PBpool/internal/config"
	"github.com/AlexPanacea/PBpool/internal/mining"
	"github.com/AlexPanacea/PBpool/internal/storage"
	"github.com/AlexPanacea/PBpool/internal/worker"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Prometheus metrics
var (
	activeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stratum_active_connections",
		Help: "Number of active connections",
	})
	totalConnections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stratum_total_connections",
		Help: "Total number of connections",
	})
	connectionErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stratum_connection_errors",
		Help: "Total number of connection errors",
	})
)

func init() {
	prometheus.MustRegister(activeConnections)
	prometheus.MustRegister(totalConnections)
	prometheus.MustRegister(connectionErrors)
}

// Server represents the Stratum TCP server.
type Server struct {
	cfg            config.ServerConfig
	miningCfg      config.MiningConfig
	logger         *zap.Logger
	workerManager  *worker.Manager
	jobManager     *mining.JobManager
	shareValidator *mining.ShareValidator
	postgres       *storage.PostgresClient

	listener      net.Listener
	metricsServer *http.Server
	connections   sync.Map // map[string]*Connection
	connCount     int64
	shutdown      int32
	wg            sync.WaitGroup
	mu            sync.RWMutex
}

// New creates a new Stratum server instance.
func New(cfg config.ServerConfig, miningCfg config.MiningConfig, logger *zap.Logger, wm *worker.Manager, jm *mining.JobManager, sv *mining.ShareValidator, pg *storage.PostgresClient) (*Server, error) {
	return &Server{
		cfg:            cfg,
		miningCfg:      miningCfg,
		logger:         logger.Named("server"),
		workerManager:  wm,
		jobManager:     jm,
		shareValidator: sv,
		postgres:       pg,
	}, nil
}

// Start begins listening for and accepting connections.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}

	s.listener = listener
	s.logger.Info("server started",
		zap.String("address", addr),
		zap.Int("max_connections", s.cfg.MaxConnections),
	)

	// Start job broadcaster
	go s.broadcastJobs(ctx)

	// Accept connections
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			conn, err := listener.Accept()
			if err != nil {
				if atomic.LoadInt32(&s.shutdown) == 1 {
					return nil
				}
				s.logger.Error("Failed to accept connection", zap.Error(err))
				connectionErrors.Inc()
				continue
			}

			// Check max connections
			if atomic.LoadInt64(&s.connCount) >= int64(s.cfg.MaxConnections) {
				s.logger.Warn("Max connections reached, rejecting connection",
					zap.String("remote_addr", conn.RemoteAddr().String()),
				)
				conn.Close()
				continue
			}

			s.wg.Add(1)
			go s.handleConnection(ctx, conn)
		}
	}
}

// handleConnection processes a single client connection.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()

	atomic.AddInt64(&s.connCount, 1)
	activeConnections.Inc()
	totalConnections.Inc()

	defer func() {
		atomic.AddInt64(&s.connCount, -1)
		activeConnections.Dec()
	}()

	// Create connection wrapper
	stratumConn := NewConnection(conn, s.cfg, s.miningCfg, s.logger, s.workerManager, s.jobManager, s.shareValidator)

	// Store connection
	connID := stratumConn.ID()
	s.connections.Store(connID, stratumConn)
	defer s.connections.Delete(connID)

	s.logger.Debug("New connection",
		zap.String("connection_id", connID),
		zap.String("remote_addr", conn.RemoteAddr().String()),
	)

	// Handle the connection
	if err := stratumConn.Handle(ctx); err != nil {
		s.logger.Debug("Connection closed",
			zap.String("connection_id", connID),
			zap.Error(err),
		)
	}
}

// broadcastJobs sends new jobs to all connected workers.
func (s *Server) broadcastJobs(ctx context.Context) {
	jobChan := s.jobManager.Subscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case job := <-jobChan:
			s.connections.Range(func(key, value interface{}) bool {
				if conn, ok := value.(*Connection); ok {
					if err := conn.SendJob(job); err != nil {
						s.logger.Debug("Failed to send job to connection",
							zap.String("connection_id", key.(string)),
							zap.Error(err),
						)
					}
				}
				return true
			})
		}
	}
}

// StartMetricsServer starts the Prometheus metrics HTTP server.
func (s *Server) StartMetricsServer() error {
	addr := fmt.Sprintf(":%d", s.cfg.Metrics.Port)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.HandleFunc("/stats", s.handlePoolStats)
	mux.HandleFunc("/stats/worker", s.handleWorkerStats)

	s.metricsServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	s.logger.Info("Metrics server started", zap.String("address", addr))
	return s.metricsServer.ListenAndServe()
}

// poolStatsResponse is the read-only snapshot served from /stats: a
// stats/health surface alongside the Prometheus metrics, backed by the
// durable accounting tables rather than live in-process counters.
type poolStatsResponse struct {
	ActiveWorkers   int64            `json:"active_workers"`
	ConfirmedBlocks int64            `json:"confirmed_blocks"`
	RecentBlocks    []*storage.Block `json:"recent_blocks"`
}

func (s *Server) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	if s.postgres == nil {
		http.Error(w, "stats unavailable", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	workers, blocks, err := s.postgres.GetPoolStats(ctx)
	if err != nil {
		s.logger.Warn("failed to load pool stats", zap.Error(err))
		http.Error(w, "failed to load pool stats", http.StatusInternalServerError)
		return
	}

	recent, err := s.postgres.GetRecentBlocks(ctx, 10)
	if err != nil {
		s.logger.Warn("failed to load recent blocks", zap.Error(err))
		http.Error(w, "failed to load recent blocks", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(poolStatsResponse{
		ActiveWorkers:   workers,
		ConfirmedBlocks: blocks,
		RecentBlocks:    recent,
	})
}

// workerStatsResponse is the per-worker snapshot served from
// /stats/worker?name=<worker>.
type workerStatsResponse struct {
	Worker        *storage.Worker `json:"worker"`
	ValidShares   int64           `json:"valid_shares"`
	InvalidShares int64           `json:"invalid_shares"`
	StaleShares   int64           `json:"stale_shares"`
}

func (s *Server) handleWorkerStats(w http.ResponseWriter, r *http.Request) {
	if s.postgres == nil {
		http.Error(w, "stats unavailable", http.StatusServiceUnavailable)
		return
	}

	name := r.URL.Query().Get("name")
	if name == "" {
		http.Error(w, "missing name parameter", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	rec, err := s.postgres.GetWorker(ctx, name)
	if err != nil {
		s.logger.Warn("failed to load worker", zap.Error(err))
		http.Error(w, "failed to load worker", http.StatusInternalServerError)
		return
	}
	if rec == nil {
		http.Error(w, "worker not found", http.StatusNotFound)
		return
	}

	valid, invalid, stale, err := s.postgres.GetWorkerShareStats(ctx, name, time.Now().Add(-24*time.Hour))
	if err != nil {
		s.logger.Warn("failed to load worker share stats", zap.Error(err))
		http.Error(w, "failed to load worker share stats", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(workerStatsResponse{
		Worker:        rec,
		ValidShares:   valid,
		InvalidShares: invalid,
		StaleShares:   stale,
	})
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	atomic.StoreInt32(&s.shutdown, 1)

	// Close listener
	if s.listener != nil {
		s.listener.Close()
	}

	// Close all connections
	s.connections.Range(func(key, value interface{}) bool {
		if conn, ok := value.(*Connection); ok {
			conn.Close()
		}
		return true
	})

	// Wait for all goroutines to finish
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("All connections closed")
	case <-ctx.Done():
		s.logger.Warn("Shutdown timeout, some connections may be forcefully closed")
	}

	// Shutdown metrics server
	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			s.logger.Error("Failed to shutdown metrics server", zap.Error(err))
		}
	}

	return nil
}

// GetConnectionCount returns the current number of active connections.
func (s *Server) GetConnectionCount() int64 {
	return atomic.LoadInt64(&s.connCount)
}

// GetConnection returns a connection by ID.
func (s *Server) GetConnection(id string) (*Connection, bool) {
	if conn, ok := s.connections.Load(id); ok {
		return conn.(*Connection), true
	}
	return nil, false
}

// BroadcastDifficulty sends difficulty update to specific worker.
func (s *Server) BroadcastDifficulty(workerID string, difficulty float64) error {
	s.connections.Range(func(key, value interface{}) bool {
		if conn, ok := value.(*Connection); ok {
			if conn.GetWorkerName() == workerID {
				conn.SetDifficulty(difficulty)
			}
		}
		return true
	})
	return nil
}

// DisconnectWorker disconnects a specific worker.
func (s *Server) DisconnectWorker(workerID string) {
	s.connections.Range(func(key, value interface{}) bool {
		if conn, ok := value.(*Connection); ok {
			if conn.GetWorkerName() == workerID {
				conn.Close()
			}
		}
		return true
	})
}
