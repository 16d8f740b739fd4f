// Package node implements the upstream Bitcoin full-node collaborator: a
// getblocktemplate/submitblock JSON-RPC client and a Provider that bounds
// each call with its own timeout. Polling for fresh templates is done by
// the job builder (mining.JobManager.PollTemplates), not in this package.
package node

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync/atomic"
	"time"
)

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("node rpc error %d: %s", e.Code, e.Message)
}

// Client is a bitcoind-compatible JSON-RPC client over HTTP basic auth,
// used for getblocktemplate and submitblock.
type Client struct {
	url        string
	username   string
	password   string
	httpClient *http.Client
	nextID     atomic.Int64
	maxRetries int
}

// NewClient builds a Client pointed at a bitcoind-style RPC endpoint.
func NewClient(rpcURL, username, password string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		url:      rpcURL,
		username: username,
		password: password,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		maxRetries: 2,
	}
}

func (c *Client) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	body, err := json.Marshal(rpcRequest{JSONRPC: "1.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("node: marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(1<<uint(attempt-1)) * 200 * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("node: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.SetBasicAuth(c.username, c.password)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("node: read response: %w", err)
			continue
		}

		var rpcResp rpcResponse
		if err := json.Unmarshal(respBody, &rpcResp); err != nil {
			lastErr = fmt.Errorf("node: decode response: %w", err)
			continue
		}
		if rpcResp.Error != nil {
			return nil, rpcResp.Error
		}
		return rpcResp.Result, nil
	}
	return nil, fmt.Errorf("node: %s failed after %d attempts: %w", method, c.maxRetries+1, lastErr)
}

// rawTemplate is the getblocktemplate wire shape.
type rawTemplate struct {
	Version           int64  `json:"version"`
	PreviousBlockHash string `json:"previousblockhash"`
	CoinbaseValue     int64  `json:"coinbasevalue"`
	Target            string `json:"target"`
	MinTime           int64  `json:"mintime"`
	CurTime           int64  `json:"curtime"`
	Bits              string `json:"bits"`
	Height            int64  `json:"height"`
	Transactions      []struct {
		Data string `json:"data"`
		TxID string `json:"txid"`
	} `json:"transactions"`
}

// GetBlockTemplate fetches a fresh template with the segwit rule, as the
// spec's Template provider interface requires.
func (c *Client) GetBlockTemplate(ctx context.Context) (*BlockTemplate, error) {
	params := []interface{}{map[string]interface{}{"rules": []string{"segwit"}}}
	result, err := c.call(ctx, "getblocktemplate", params)
	if err != nil {
		return nil, err
	}

	var raw rawTemplate
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, fmt.Errorf("node: parse block template: %w", err)
	}

	prevHash, err := decodeReversedHash(raw.PreviousBlockHash)
	if err != nil {
		return nil, fmt.Errorf("node: previousblockhash: %w", err)
	}

	txs := make([]TemplateTx, len(raw.Transactions))
	for i, tx := range raw.Transactions {
		data, err := hex.DecodeString(tx.Data)
		if err != nil {
			return nil, fmt.Errorf("node: transaction %d data: %w", i, err)
		}
		hash, err := decodeReversedHash(tx.TxID)
		if err != nil {
			return nil, fmt.Errorf("node: transaction %d txid: %w", i, err)
		}
		txs[i] = TemplateTx{Data: data, Hash: hash}
	}

	bitsBytes, err := hex.DecodeString(raw.Bits)
	if err != nil || len(bitsBytes) != 4 {
		return nil, fmt.Errorf("node: malformed bits field %q", raw.Bits)
	}

	target, ok := new(big.Int).SetString(raw.Target, 16)
	if !ok {
		return nil, fmt.Errorf("node: malformed target field %q", raw.Target)
	}

	return &BlockTemplate{
		Version:       uint32(raw.Version),
		PreviousHash:  prevHash,
		Bits:          [4]byte{bitsBytes[0], bitsBytes[1], bitsBytes[2], bitsBytes[3]},
		CurTime:       uint32(raw.CurTime),
		MinTime:       raw.MinTime,
		Height:        uint32(raw.Height),
		CoinbaseValue: uint64(raw.CoinbaseValue),
		Target:        target,
		Transactions:  txs,
		FetchedAt:     time.Now(),
	}, nil
}

// SubmitBlock pushes a fully serialized block to the upstream node. A nil
// error and empty rejection reason means accepted.
func (c *Client) SubmitBlock(ctx context.Context, blockHex string) (rejected bool, reason string, err error) {
	result, err := c.call(ctx, "submitblock", []interface{}{blockHex})
	if err != nil {
		return false, "", err
	}
	var reply string
	if jsonErr := json.Unmarshal(result, &reply); jsonErr == nil && reply != "" {
		return true, reply, nil
	}
	return false, "", nil
}
