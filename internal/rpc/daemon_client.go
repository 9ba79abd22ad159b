// Package rpc provides daemon communication for the stats API.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/tos-network/tos-pool-api/internal/util"
)

// ErrNoUpstream is returned when no daemon is configured
var ErrNoUpstream = errors.New("no daemon upstream configured")

// DaemonClient talks JSON-RPC to a single daemon
type DaemonClient struct {
	url       string
	timeout   time.Duration
	client    *http.Client
	requestID uint64

	// Health tracking
	mu           sync.RWMutex
	healthy      bool
	lastCheck    time.Time
	successCount int
	failCount    int
}

// NewDaemonClient creates a new daemon RPC client
func NewDaemonClient(url string, timeout time.Duration) *DaemonClient {
	return &DaemonClient{
		url:     url,
		timeout: timeout,
		client: &http.Client{
			Timeout: timeout,
		},
		healthy: true,
	}
}

// RPCRequest represents a JSON-RPC request
type RPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

// RPCResponse represents a JSON-RPC response
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// BlockHeader is the daemon's view of the chain head
type BlockHeader struct {
	Difficulty uint64 `json:"difficulty"`
	Height     uint64 `json:"height"`
	Timestamp  int64  `json:"timestamp"`
	Reward     uint64 `json:"reward"`
	Hash       string `json:"hash"`
}

// call makes an RPC call
func (c *DaemonClient) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := atomic.AddUint64(&c.requestID, 1)

	if params == nil {
		params = struct{}{}
	}

	body, err := sonic.Marshal(RPCRequest{
		JSONRPC: "2.0",
		ID:      strconv.FormatUint(id, 10),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.recordFailure()
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.recordFailure()
		return nil, fmt.Errorf("daemon returned HTTP %d", resp.StatusCode)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.recordFailure()
		return nil, err
	}

	var rpcResp RPCResponse
	if err := sonic.Unmarshal(respBody, &rpcResp); err != nil {
		c.recordFailure()
		return nil, err
	}

	if rpcResp.Error != nil {
		c.recordFailure()
		return nil, rpcResp.Error
	}

	c.recordSuccess()
	return rpcResp.Result, nil
}

func (c *DaemonClient) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successCount++
	c.failCount = 0
	c.healthy = true
	c.lastCheck = time.Now()
}

func (c *DaemonClient) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failCount++
	if c.failCount >= 3 && c.healthy {
		c.healthy = false
		util.Warnf("Daemon %s marked unhealthy after %d failures", c.url, c.failCount)
	}
	c.lastCheck = time.Now()
}

// IsHealthy returns whether the daemon is healthy
func (c *DaemonClient) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthy
}

// URL returns the daemon endpoint
func (c *DaemonClient) URL() string {
	return c.url
}

// GetLastBlockHeader returns the current chain head
func (c *DaemonClient) GetLastBlockHeader(ctx context.Context) (*BlockHeader, error) {
	result, err := c.call(ctx, "getlastblockheader", nil)
	if err != nil {
		return nil, err
	}

	var reply struct {
		BlockHeader *BlockHeader `json:"block_header"`
	}
	if err := sonic.Unmarshal(result, &reply); err != nil {
		return nil, fmt.Errorf("decode block header: %w", err)
	}
	if reply.BlockHeader == nil {
		return nil, errors.New("daemon reply has no block_header")
	}
	return reply.BlockHeader, nil
}
