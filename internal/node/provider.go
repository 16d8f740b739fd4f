package node

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// ErrUnavailable is returned by Provider.GetTemplate and
// Provider.SubmitBlock when the upstream call fails for any reason: the
// node could not be reached within the call's timeout, the reply could
// not be decoded, or the node returned an RPC error. Callers treat it as
// a transient condition, not a fatal one.
var ErrUnavailable = errors.New("node: upstream unavailable")

// Provider implements the template-provider collaborator the job builder
// and broadcast loop consume: a template on demand, bounded by its own
// short timeout so a slow or wedged node never stalls a caller.
type Provider struct {
	client  *Client
	timeout time.Duration
	log     *zap.Logger
}

// NewProvider wraps a Client with the call timeout the spec requires for
// the template-provider interface (default 5s).
func NewProvider(client *Client, timeout time.Duration, log *zap.Logger) *Provider {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Provider{client: client, timeout: timeout, log: log}
}

// GetTemplate fetches the current upstream block template, or
// ErrUnavailable if the call does not complete within the provider's
// timeout or the node returns an RPC error.
func (p *Provider) GetTemplate(ctx context.Context) (*BlockTemplate, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	tmpl, err := p.client.GetBlockTemplate(callCtx)
	if err != nil {
		if p.log != nil {
			p.log.Warn("template provider call failed", zap.Error(err))
		}
		return nil, ErrUnavailable
	}
	return tmpl, nil
}

// SubmitBlock hands a fully serialized block to the upstream node,
// implementing the block-sink collaborator's Accepted/Rejected/Unavailable
// contract.
func (p *Provider) SubmitBlock(ctx context.Context, blockHex string) (accepted bool, reason string, err error) {
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	rejected, rejectReason, callErr := p.client.SubmitBlock(callCtx, blockHex)
	if callErr != nil {
		if p.log != nil {
			p.log.Warn("submitblock call failed", zap.Error(callErr))
		}
		return false, "", ErrUnavailable
	}
	if rejected {
		return false, rejectReason, nil
	}
	return true, "", nil
}
