// Package server implements the TCP server for Stratum protocol connections.
package server

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AlexPanacea/PBpool/internal/config"
	"github.com/AlexPanacea/PBpool/internal/mining"
	"github.com/AlexPanacea/PBpool/internal/protocol"
	"github.com/AlexPanacea/PBpool/internal/worker"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ConnectionState is the session state machine: Connected, Subscribed, or
// Authorized. Authorized implies Subscribed.
type ConnectionState int32

const (
	StateConnected ConnectionState = iota
	StateSubscribed
	StateAuthorized
)

// settlingDelay is how long the server waits after sending a
// mining.set_difficulty before following up with a clean_jobs notify, so
// the client has applied the new difficulty before its next job arrives.
const settlingDelay = 250 * time.Millisecond

// Connection is a single Stratum client session: its socket, protocol
// state, and the per-session fields (extranonce1, difficulty, last job)
// the spec's ClientSession describes.
type Connection struct {
	id             string
	conn           net.Conn
	cfg            config.ServerConfig
	miningCfg      config.MiningConfig
	logger         *zap.Logger
	workerManager  *worker.Manager
	jobManager     *mining.JobManager
	shareValidator *mining.ShareValidator

	state      int32
	workerName string
	extranonce string
	difficulty float64
	lastJobID  string

	reader    *bufio.Reader
	writeMu   sync.Mutex
	closeChan chan struct{}
	closeOnce sync.Once
}

// NewConnection creates a new connection handler.
func NewConnection(conn net.Conn, cfg config.ServerConfig, miningCfg config.MiningConfig, logger *zap.Logger, wm *worker.Manager, jm *mining.JobManager, sv *mining.ShareValidator) *Connection {
	return &Connection{
		id:             uuid.New().String()[:8],
		conn:           conn,
		cfg:            cfg,
		miningCfg:      miningCfg,
		logger:         logger.Named("connection"),
		workerManager:  wm,
		jobManager:     jm,
		shareValidator: sv,
		reader:         bufio.NewReaderSize(conn, 4096),
		closeChan:      make(chan struct{}),
		difficulty:     miningCfg.InitialDifficulty,
	}
}

// ID returns the connection ID.
func (c *Connection) ID() string {
	return c.id
}

// GetWorkerName returns the worker name for this connection.
func (c *Connection) GetWorkerName() string {
	return c.workerName
}

// GetState returns the current connection state.
func (c *Connection) GetState() ConnectionState {
	return ConnectionState(atomic.LoadInt32(&c.state))
}

// Handle runs the connection's read loop until it closes, the context is
// canceled, or the idle read timeout elapses.
func (c *Connection) Handle(ctx context.Context) error {
	defer c.Close()

	maxLine := c.cfg.MaxLineBytes
	if maxLine <= 0 {
		maxLine = 64 * 1024
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closeChan:
			return nil
		default:
		}

		c.conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))

		line, err := c.readLine(maxLine)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				c.logger.Debug("connection idle timeout", zap.String("id", c.id))
				return nil
			}
			c.logger.Debug("connection closing on protocol error", zap.String("id", c.id), zap.Error(err))
			return nil
		}

		if len(line) == 0 {
			continue
		}

		if err := c.handleMessage(ctx, line); err != nil {
			c.logger.Debug("closing connection after malformed message",
				zap.String("id", c.id),
				zap.Error(err),
			)
			return nil
		}
	}
}

// readLine reads one newline-delimited frame, closing the connection (by
// returning an error) if it exceeds maxLine bytes without a newline —
// the spec's oversized-frame guard.
func (c *Connection) readLine(maxLine int) ([]byte, error) {
	var line []byte
	for {
		chunk, err := c.reader.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > maxLine {
			return nil, fmt.Errorf("oversized frame: %d bytes", len(line))
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			return nil, err
		}
		return line, nil
	}
}

// handleMessage parses and routes a JSON-RPC message. Malformed JSON is a
// ProtocolError: the caller closes the connection without a reply.
func (c *Connection) handleMessage(ctx context.Context, data []byte) error {
	var msg protocol.Request
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("malformed json: %w", err)
	}

	c.logger.Debug("received message",
		zap.String("id", c.id),
		zap.String("method", msg.Method),
	)

	switch msg.Method {
	case "mining.subscribe":
		return c.handleSubscribe(ctx, msg)
	case "mining.authorize":
		return c.handleAuthorize(ctx, msg)
	case "mining.submit":
		return c.handleSubmit(ctx, msg)
	case "mining.extranonce.subscribe":
		return c.handleExtranonceSubscribe(ctx, msg)
	default:
		return c.sendError(msg.ID, protocol.ErrMethodNotFound())
	}
}

// handleSubscribe handles mining.subscribe. Valid from any state; always
// hands out a fresh extranonce1 from the job manager's global counter.
func (c *Connection) handleSubscribe(ctx context.Context, req protocol.Request) error {
	c.extranonce = c.jobManager.GenerateExtranonce1()

	atomic.StoreInt32(&c.state, int32(StateSubscribed))

	subscriptions := [][]interface{}{
		{"mining.set_difficulty", c.id},
		{"mining.notify", c.id},
	}

	result := []interface{}{
		subscriptions,
		c.extranonce,
		c.jobManager.GetExtranonce2Size(),
	}

	return c.sendResult(req.ID, result)
}

// handleAuthorize handles mining.authorize: password is checked against
// the pool-wide join password, not stored as a per-worker credential.
// Only on a match is the worker registered.
func (c *Connection) handleAuthorize(ctx context.Context, req protocol.Request) error {
	username, password, err := protocol.ParseAuthorizeParams(req.Params)
	if err != nil {
		return err
	}

	if c.miningCfg.JoinPassword != "" &&
		subtle.ConstantTimeCompare([]byte(password), []byte(c.miningCfg.JoinPassword)) != 1 {
		return c.sendError(req.ID, protocol.ErrUnauthorizedWorker())
	}

	w, err := c.workerManager.Register(ctx, username, c.conn.RemoteAddr().String())
	if err != nil {
		c.logger.Error("worker registration failed",
			zap.String("id", c.id),
			zap.String("username", username),
			zap.Error(err),
		)
		return c.sendError(req.ID, protocol.ErrUnauthorizedWorker())
	}

	c.workerName = username
	c.difficulty = w.Difficulty()

	atomic.StoreInt32(&c.state, int32(StateAuthorized))

	c.logger.Info("worker authorized",
		zap.String("id", c.id),
		zap.String("worker", username),
		zap.Float64("difficulty", c.difficulty),
	)

	if err := c.sendResult(req.ID, true); err != nil {
		return err
	}

	if err := c.sendDifficulty(c.difficulty); err != nil {
		return err
	}

	if job := c.jobManager.GetCurrentJob(); job != nil {
		return c.SendJob(job)
	}

	return nil
}

// handleSubmit handles mining.submit. Requires Authorized state; every
// rejection reason is reported uniformly as a code-23 share error.
func (c *Connection) handleSubmit(ctx context.Context, req protocol.Request) error {
	if c.GetState() < StateAuthorized {
		return c.sendError(req.ID, protocol.ErrShare("Unauthorized or invalid share"))
	}

	params, err := protocol.ParseSubmitParams(req.Params)
	if err != nil {
		return err
	}

	share := &mining.Share{
		WorkerName:  c.workerName,
		JobID:       params.JobID,
		Extranonce1: c.extranonce,
		Extranonce2: params.Extranonce2,
		Ntime:       params.Ntime,
		Nonce:       params.Nonce,
		Difficulty:  c.difficulty,
		SubmittedAt: time.Now(),
		IPAddress:   c.conn.RemoteAddr().String(),
	}

	result, err := c.shareValidator.Validate(ctx, share)
	if err != nil {
		c.logger.Error("share validation error",
			zap.String("id", c.id),
			zap.Error(err),
		)
		return c.sendError(req.ID, protocol.ErrShare("Unavailable"))
	}

	if !result.Valid {
		c.logger.Debug("invalid share",
			zap.String("id", c.id),
			zap.String("worker", c.workerName),
			zap.String("reason", result.RejectReason),
		)
		c.workerManager.UpdateStats(ctx, c.workerName, result)
		return c.sendError(req.ID, protocol.ErrShare(result.RejectReason))
	}

	c.logger.Debug("valid share",
		zap.String("id", c.id),
		zap.String("worker", c.workerName),
		zap.Float64("difficulty", share.Difficulty),
	)

	newDiff, changed := c.workerManager.UpdateStats(ctx, c.workerName, result)

	if err := c.sendResult(req.ID, true); err != nil {
		return err
	}

	if changed && newDiff != c.difficulty {
		c.difficulty = newDiff
		if err := c.sendDifficulty(newDiff); err != nil {
			c.logger.Error("failed to send difficulty update", zap.String("id", c.id), zap.Error(err))
			return nil
		}

		// Settle the new difficulty before pushing a fresh job so the
		// client doesn't start mining the new job at the old difficulty.
		time.Sleep(settlingDelay)
		if job := c.jobManager.GetCurrentJob(); job != nil {
			job.CleanJobs = true
			if err := c.SendJob(job); err != nil {
				c.logger.Error("failed to send post-retarget job", zap.String("id", c.id), zap.Error(err))
			}
		}
	}

	return nil
}

// handleExtranonceSubscribe handles mining.extranonce.subscribe.
func (c *Connection) handleExtranonceSubscribe(ctx context.Context, req protocol.Request) error {
	return c.sendResult(req.ID, true)
}

// SendJob sends a mining.notify message to the client.
func (c *Connection) SendJob(job *mining.Job) error {
	if c.GetState() < StateAuthorized {
		return nil
	}
	c.lastJobID = job.ID
	return c.sendNotification("mining.notify", job.NotifyParams())
}

// SetDifficulty sets the connection difficulty and notifies the client.
func (c *Connection) SetDifficulty(difficulty float64) error {
	c.difficulty = difficulty
	return c.sendDifficulty(difficulty)
}

func (c *Connection) sendDifficulty(difficulty float64) error {
	return c.sendNotification("mining.set_difficulty", []interface{}{difficulty})
}

func (c *Connection) sendResult(id interface{}, result interface{}) error {
	data, err := protocol.EncodeResponse(id, result, nil)
	if err != nil {
		return err
	}
	return c.write(data)
}

func (c *Connection) sendError(id interface{}, stratumErr *protocol.StratumError) error {
	data, err := protocol.EncodeResponse(id, false, stratumErr.ToJSON())
	if err != nil {
		return err
	}
	return c.write(data)
}

func (c *Connection) sendNotification(method string, params interface{}) error {
	data, err := protocol.EncodeNotification(method, params)
	if err != nil {
		return err
	}
	return c.write(data)
}

// write sends one already-newline-terminated frame, holding the per-session
// write lock so concurrent notify/response writes never interleave.
func (c *Connection) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Close closes the connection and unregisters its worker, if any.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.closeChan)
		c.conn.Close()

		if c.workerName != "" {
			c.workerManager.Disconnect(context.Background(), c.workerName)
		}
	})
}
