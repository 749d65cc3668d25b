// Package daemon talks to the coin daemon: JSON-RPC for template fetch and
// block submission, ZMQ for push notification of new blocks.
package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/dvandal/cnpool/internal/config"
	"github.com/dvandal/cnpool/pkg/circuit"
	"github.com/dvandal/cnpool/pkg/errors"
	"github.com/dvandal/cnpool/pkg/log"
	"github.com/dvandal/cnpool/pkg/retry"
)

// Client is a JSON-RPC 2.0 client for the coin daemon. All calls go
// through a circuit breaker so a dead daemon fails fast instead of piling
// up timeouts.
type Client struct {
	url        string
	httpClient *http.Client
	breaker    *circuit.Breaker
	retryCfg   *retry.Config
	logger     *log.Logger
	requestID  int64
}

// NewClient creates a daemon client from configuration
func NewClient(cfg config.DaemonConfig, url string, logger *log.Logger) *Client {
	return &Client{
		url:        url,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    circuit.New(circuit.DefaultConfig()),
		retryCfg:   retry.DaemonConfig(),
		logger:     logger.WithComponent("daemon_rpc"),
	}
}

type rpcRequest struct {
	Jsonrpc string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// GetBlockTemplateReply is the daemon's getblocktemplate result
type GetBlockTemplateReply struct {
	BlocktemplateBlob string `json:"blocktemplate_blob"`
	Difficulty        int64  `json:"difficulty"`
	Height            int64  `json:"height"`
	ReservedOffset    int    `json:"reserved_offset"`
	SeedHash          string `json:"seed_hash"`
	NextSeedHash      string `json:"next_seed_hash"`
	PrevHash          string `json:"prev_hash"`
	ExpectedReward    int64  `json:"expected_reward"`
	Status            string `json:"status"`
}

// BlockHeader is the subset of getlastblockheader the pool needs
type BlockHeader struct {
	Hash       string `json:"hash"`
	Height     int64  `json:"height"`
	Difficulty int64  `json:"difficulty"`
	Timestamp  int64  `json:"timestamp"`
}

type getLastBlockHeaderReply struct {
	BlockHeader BlockHeader `json:"block_header"`
	Status      string      `json:"status"`
}

// GetBlockTemplate fetches a fresh block template for the pool wallet
func (c *Client) GetBlockTemplate(ctx context.Context, reserveSize int, walletAddress string) (*GetBlockTemplateReply, error) {
	params := map[string]interface{}{
		"reserve_size":   reserveSize,
		"wallet_address": walletAddress,
	}
	var reply GetBlockTemplateReply
	if err := c.call(ctx, "getblocktemplate", params, &reply); err != nil {
		return nil, err
	}
	if reply.Status != "OK" {
		return nil, errors.New(errors.ErrorTypeDaemon, "getblocktemplate",
			"daemon status "+reply.Status)
	}
	return &reply, nil
}

// GetLastBlockHeader returns the current chain tip header. Used to detect
// staleness cheaply before a full template fetch.
func (c *Client) GetLastBlockHeader(ctx context.Context) (*BlockHeader, error) {
	var reply getLastBlockHeaderReply
	if err := c.call(ctx, "getlastblockheader", nil, &reply); err != nil {
		return nil, err
	}
	if reply.Status != "OK" {
		return nil, errors.New(errors.ErrorTypeDaemon, "getlastblockheader",
			"daemon status "+reply.Status)
	}
	return &reply.BlockHeader, nil
}

// SubmitBlock pushes a solved block. Not retried: a rejected block stays
// rejected, and a timed-out submit may still have landed.
func (c *Client) SubmitBlock(ctx context.Context, blobHex string) error {
	var reply struct {
		Status string `json:"status"`
	}
	err := c.breaker.Execute(ctx, func() error {
		return c.callOnce(ctx, "submitblock", []string{blobHex}, &reply)
	})
	if err != nil {
		return err
	}
	if reply.Status != "OK" {
		return errors.New(errors.ErrorTypeDaemon, "submitblock",
			"daemon status "+reply.Status)
	}
	return nil
}

// call runs a JSON-RPC method with retry and circuit breaking
func (c *Client) call(ctx context.Context, method string, params, result interface{}) error {
	return retry.Do(ctx, c.retryCfg, func() error {
		return c.breaker.Execute(ctx, func() error {
			return c.callOnce(ctx, method, params, result)
		})
	})
}

func (c *Client) callOnce(ctx context.Context, method string, params, result interface{}) error {
	id := atomic.AddInt64(&c.requestID, 1)
	body, err := json.Marshal(&rpcRequest{
		Jsonrpc: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, method, "marshal rpc request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, method, "build rpc request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, method, "daemon unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.New(errors.ErrorTypeDaemon, method,
			fmt.Sprintf("daemon returned HTTP %d", resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, method, "read daemon response")
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDaemon, method, "malformed daemon response")
	}
	if rpcResp.Error != nil {
		return errors.New(errors.ErrorTypeDaemon, method,
			fmt.Sprintf("rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message))
	}
	if result != nil && len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return errors.Wrap(err, errors.ErrorTypeDaemon, method, "unmarshal rpc result")
		}
	}
	return nil
}

// BreakerState exposes the circuit state for health reporting
func (c *Client) BreakerState() circuit.State {
	return c.breaker.GetState()
}
