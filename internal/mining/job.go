// Package mining implements job generation, the per-session job context,
// and share validation.
package mining

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AlexPanacea/PBpool/internal/config"
	"github.com/AlexPanacea/PBpool/internal/node"
	"github.com/AlexPanacea/PBpool/internal/storage"
	"github.com/AlexPanacea/PBpool/pkg/bitcoin"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Prometheus metrics
var (
	jobsGenerated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stratum_jobs_generated_total",
		Help: "Total number of jobs generated",
	})

	currentBlockHeight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stratum_current_block_height",
		Help: "Current block height",
	})

	templateUnavailableTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stratum_template_unavailable_total",
		Help: "Total number of template-provider polls that came back unavailable",
	})
)

func init() {
	prometheus.MustRegister(jobsGenerated)
	prometheus.MustRegister(currentBlockHeight)
	prometheus.MustRegister(templateUnavailableTotal)
}

// Job is a mining job snapshot sent to workers via mining.notify, plus the
// exact coinbase byte layout needed to reassemble and validate a share
// against it later.
type Job struct {
	ID             string
	Height         uint32
	PrevHash       []byte // internal byte order, 32 bytes
	CoinbasePrefix []byte
	CoinbaseSuffix []byte
	MerkleBranch   [][]byte
	Version        uint32
	Bits           [4]byte
	CurTime        uint32
	MinTime        int64
	Target         *big.Int
	Transactions   [][]byte // raw non-coinbase transaction bytes, in block order
	CleanJobs      bool
	CreatedAt      time.Time
}

// NotifyParams renders the job as the mining.notify parameter vector:
// [job_id, prevhash, coinb1, coinb2, merkle_branch[], version, nbits, ntime, clean_jobs].
func (j *Job) NotifyParams() []interface{} {
	branch := make([]string, len(j.MerkleBranch))
	for i, b := range j.MerkleBranch {
		branch[i] = hex.EncodeToString(b)
	}

	versionBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(versionBuf, j.Version)

	curtimeBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(curtimeBuf, j.CurTime)

	return []interface{}{
		j.ID,
		hex.EncodeToString(bitcoin.ReverseBytes(j.PrevHash)),
		hex.EncodeToString(j.CoinbasePrefix),
		hex.EncodeToString(j.CoinbaseSuffix),
		branch,
		hex.EncodeToString(versionBuf),
		hex.EncodeToString(j.Bits[:]),
		hex.EncodeToString(curtimeBuf),
		j.CleanJobs,
	}
}

// JobManager builds jobs from upstream block templates and fans them out to
// every subscribed connection.
type JobManager struct {
	cfg    config.MiningConfig
	logger *zap.Logger
	redis  *storage.RedisClient

	currentJob    atomic.Value // *Job
	jobs          sync.Map     // map[string]*Job
	jobCounter    uint64
	extranonce1   uint32
	subscribers   []chan *Job
	subscribersMu sync.RWMutex
	currentHeight uint32

	lastTemplate atomic.Value // *node.BlockTemplate

	mu sync.RWMutex
}

// NewJobManager creates a new job manager. extranonce1 values are handed
// out from a server-global monotonic counter, never derived from a
// connection identifier, so two sessions can never collide.
func NewJobManager(cfg config.MiningConfig, logger *zap.Logger, redis *storage.RedisClient) *JobManager {
	return &JobManager{
		cfg:         cfg,
		logger:      logger.Named("job"),
		redis:       redis,
		subscribers: make([]chan *Job, 0),
	}
}

// GenerateExtranonce1 hands out the next extranonce1 value for a newly
// subscribed connection.
func (jm *JobManager) GenerateExtranonce1() string {
	value := atomic.AddUint32(&jm.extranonce1, 1)

	buf := make([]byte, jm.cfg.Extranonce1Size)
	for i := 0; i < jm.cfg.Extranonce1Size; i++ {
		buf[i] = byte(value >> (8 * (jm.cfg.Extranonce1Size - 1 - i)))
	}

	return hex.EncodeToString(buf)
}

// GetExtranonce2Size returns the size of extranonce2.
func (jm *JobManager) GetExtranonce2Size() int {
	return jm.cfg.Extranonce2Size
}

// GetCurrentJob returns the current active job.
func (jm *JobManager) GetCurrentJob() *Job {
	if j := jm.currentJob.Load(); j != nil {
		return j.(*Job)
	}
	return nil
}

// GetJob returns a job by ID.
func (jm *JobManager) GetJob(id string) *Job {
	if job, ok := jm.jobs.Load(id); ok {
		return job.(*Job)
	}
	return nil
}

// IsJobStale reports whether the job is too old, or too many jobs behind
// the current one, to accept shares for.
func (jm *JobManager) IsJobStale(id string) bool {
	job := jm.GetJob(id)
	if job == nil {
		return true
	}

	if time.Since(job.CreatedAt) > jm.cfg.JobTimeout {
		return true
	}

	current := jm.GetCurrentJob()
	if current == nil {
		return true
	}

	newerCount := 0
	jm.jobs.Range(func(_, value interface{}) bool {
		j := value.(*Job)
		if j.CreatedAt.After(job.CreatedAt) {
			newerCount++
		}
		return newerCount < jm.cfg.StaleJobThreshold
	})

	return newerCount >= jm.cfg.StaleJobThreshold
}

// PollTemplates polls the upstream template provider on an interval,
// creating a fresh job whenever the template changes. On TemplateUnavailable
// it logs and skips the tick rather than failing the server, reusing the
// last good template for any in-flight work.
func (jm *JobManager) PollTemplates(ctx context.Context, provider *node.Provider, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tmpl, err := provider.GetTemplate(ctx)
			if err != nil {
				templateUnavailableTotal.Inc()
				jm.logger.Warn("template provider unavailable, skipping tick", zap.Error(err))
				continue
			}

			prev, _ := jm.lastTemplate.Load().(*node.BlockTemplate)
			jm.lastTemplate.Store(tmpl)

			if prev != nil && prev.Height == tmpl.Height && prev.CoinbaseValue == tmpl.CoinbaseValue {
				continue
			}

			if _, err := jm.CreateJob(ctx, tmpl); err != nil {
				jm.logger.Error("failed to create job from template", zap.Error(err))
			}
		}
	}
}

// CreateJob builds a fresh job from a block template and fans it out to
// every subscriber.
func (jm *JobManager) CreateJob(ctx context.Context, template *node.BlockTemplate) (*Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	jobID := jm.generateJobID()

	cleanJobs := template.Height != jm.currentHeight
	if cleanJobs {
		jm.currentHeight = template.Height
		currentBlockHeight.Set(float64(template.Height))
	}

	prefix, suffix, err := jm.buildCoinbase(template)
	if err != nil {
		return nil, fmt.Errorf("mining: build coinbase: %w", err)
	}

	txHashes := make([][]byte, len(template.Transactions))
	txData := make([][]byte, len(template.Transactions))
	for i, tx := range template.Transactions {
		txHashes[i] = tx.Hash
		txData[i] = tx.Data
	}

	job := &Job{
		ID:             jobID,
		Height:         template.Height,
		PrevHash:       template.PreviousHash,
		CoinbasePrefix: prefix,
		CoinbaseSuffix: suffix,
		MerkleBranch:   bitcoin.MerkleBranch(txHashes),
		Version:        template.Version,
		Bits:           template.Bits,
		CurTime:        template.CurTime,
		MinTime:        template.MinTime,
		Target:         template.Target,
		Transactions:   txData,
		CleanJobs:      cleanJobs,
		CreatedAt:      time.Now(),
	}

	jm.jobs.Store(jobID, job)
	jm.currentJob.Store(job)

	if cleanJobs {
		jm.cleanOldJobs()
	}

	jm.notifySubscribers(job)
	jm.cacheCurrentJob(ctx, job)
	jobsGenerated.Inc()

	jm.logger.Info("new job created",
		zap.String("job_id", jobID),
		zap.Uint32("height", template.Height),
		zap.Bool("clean_jobs", cleanJobs),
	)

	return job, nil
}

// cacheCurrentJob mirrors the current job's wire vector into Redis so other
// processes inspecting pool state (ops tooling, a future second front-end)
// can see it without reaching into this process. Best-effort: a cache
// failure never affects serving the job to connected miners.
func (jm *JobManager) cacheCurrentJob(ctx context.Context, job *Job) {
	if jm.redis == nil {
		return
	}
	data, err := json.Marshal(job.NotifyParams())
	if err != nil {
		jm.logger.Warn("failed to marshal job for cache", zap.Error(err))
		return
	}
	if err := jm.redis.CacheCurrentJob(ctx, job.ID, data); err != nil {
		jm.logger.Warn("failed to cache current job", zap.Error(err))
	}
}

func (jm *JobManager) generateJobID() string {
	id := atomic.AddUint64(&jm.jobCounter, 1)
	return fmt.Sprintf("%x", id)
}

// buildCoinbase assembles the coinbase transaction around the
// extranonce1||extranonce2 gap and returns the byte slices on either side
// of it, computed from the transaction's actual serialized layout rather
// than a fixed offset.
func (jm *JobManager) buildCoinbase(template *node.BlockTemplate) (prefix, suffix []byte, err error) {
	script, err := bitcoin.AddressToScript(jm.cfg.PoolAddress)
	if err != nil {
		return nil, nil, fmt.Errorf("mining: pool address: %w", err)
	}

	extranonceSize := jm.cfg.Extranonce1Size + jm.cfg.Extranonce2Size
	heightPush := encodeHeightPush(template.Height)
	tag := []byte(jm.cfg.CoinbaseTag)

	var buf []byte
	buf = append(buf, 0x01, 0x00, 0x00, 0x00) // version, LE

	buf = bitcoin.PutVarint(buf, 1) // one input
	buf = append(buf, make([]byte, 32)...)
	buf = append(buf, 0xff, 0xff, 0xff, 0xff) // prevout index

	scriptSigLen := len(heightPush) + extranonceSize + len(tag)
	buf = bitcoin.PutVarint(buf, uint64(scriptSigLen))
	buf = append(buf, heightPush...)

	// prefix ends here: extranonce1||extranonce2 is inserted by the miner
	// at this exact offset.
	prefix = append([]byte(nil), buf...)

	var tail []byte
	tail = append(tail, tag...)
	tail = append(tail, 0xff, 0xff, 0xff, 0xff) // sequence

	tail = bitcoin.PutVarint(tail, 1) // one output
	valueBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(valueBuf, template.CoinbaseValue)
	tail = append(tail, valueBuf...)

	tail = bitcoin.PutVarint(tail, uint64(len(script)))
	tail = append(tail, script...)

	tail = append(tail, 0x00, 0x00, 0x00, 0x00) // locktime

	suffix = tail
	return prefix, suffix, nil
}

// encodeHeightPush encodes a block height as a BIP-34 minimal push: a
// single length byte followed by the height's minimal little-endian
// byte encoding.
func encodeHeightPush(height uint32) []byte {
	switch {
	case height < 17:
		return []byte{byte(height)}
	case height < 128:
		return []byte{0x01, byte(height)}
	case height < 32768:
		buf := make([]byte, 2)
		binary.LittleEndian.PutUint16(buf, uint16(height))
		return append([]byte{0x02}, buf...)
	default:
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, height)
		return append([]byte{0x04}, buf...)
	}
}

// cleanOldJobs removes jobs older than the job timeout.
func (jm *JobManager) cleanOldJobs() {
	cutoff := time.Now().Add(-jm.cfg.JobTimeout)

	jm.jobs.Range(func(key, value interface{}) bool {
		job := value.(*Job)
		if job.CreatedAt.Before(cutoff) {
			jm.jobs.Delete(key)
		}
		return true
	})
}

// Subscribe returns a channel that receives every newly created job.
func (jm *JobManager) Subscribe() <-chan *Job {
	jm.subscribersMu.Lock()
	defer jm.subscribersMu.Unlock()

	ch := make(chan *Job, 10)
	jm.subscribers = append(jm.subscribers, ch)
	return ch
}

func (jm *JobManager) notifySubscribers(job *Job) {
	jm.subscribersMu.RLock()
	defer jm.subscribersMu.RUnlock()

	for _, ch := range jm.subscribers {
		select {
		case ch <- job:
		default:
			jm.logger.Warn("job subscriber channel full, dropping notify")
		}
	}
}
