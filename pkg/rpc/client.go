package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/JordyKingz/yala-svm-monitor/pkg/slog"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

type (
	// Client is a JSON-RPC client that spreads calls over an ordered list of
	// endpoints. Each call tries the healthiest endpoint first and rotates on
	// transport errors, timeouts and rate-limit responses, with full-jitter
	// exponential backoff once every endpoint has been tried.
	Client struct {
		HttpClient  http.Client
		HttpTimeout time.Duration

		mu        sync.Mutex
		endpoints []*endpoint
		cursor    int

		maxFailures int
		backoffBase time.Duration
		backoffCap  time.Duration

		// callBudget caps concurrent RPC calls process-wide, independent of
		// slot parallelism.
		callBudget *semaphore.Weighted

		logger *zap.SugaredLogger
	}

	endpoint struct {
		url    string
		health int
	}

	Request struct {
		Jsonrpc string `json:"jsonrpc"`
		Id      int    `json:"id"`
		Method  string `json:"method"`
		Params  []any  `json:"params"`
	}

	Commitment string

	// Option configures a Client.
	Option func(*Client)
)

const (
	// CommitmentFinalized level offers the highest level of certainty for a transaction on the Solana blockchain.
	// A transaction is considered "Finalized" when it is included in a block that has been confirmed by a
	// supermajority of the stake, and at least 31 additional confirmed blocks have been built on top of it.
	CommitmentFinalized Commitment = "finalized"
	// CommitmentConfirmed level is reached when a transaction is included in a block that has been voted on
	// by a supermajority (66%+) of the network's stake.
	CommitmentConfirmed Commitment = "confirmed"
	// CommitmentProcessed level represents a transaction that has been received by the network and included in a block.
	CommitmentProcessed Commitment = "processed"

	// Solana JSON-RPC error codes the client cares about.
	RateLimitedCode                   = 429
	BlockNotAvailableCode             = -32004
	NodeUnhealthyCode                 = -32005
	SlotSkippedCode                   = -32007
	LongTermStorageSlotSkippedCode    = -32009
	TransactionHistoryUnavailableCode = -32011

	// endpoint health bounds; failures decay the score, successes recover it
	healthMax     = 100
	healthPenalty = 20
	healthReward  = 5

	DefaultHttpTimeout     = 15 * time.Second
	DefaultMaxFailures     = 5
	DefaultBackoffBase     = 250 * time.Millisecond
	DefaultBackoffCap      = 8 * time.Second
	DefaultMaxInFlightRPCs = 50
)

// ErrEndpointExhausted is returned once a call has failed MaxFailures times in
// a row across every configured endpoint. The caller decides whether to abort
// the slot or defer it.
var ErrEndpointExhausted = errors.New("all rpc endpoints exhausted")

var (
	rpcCallCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "svm_monitor_rpc_calls_total",
			Help: "Total number of Solana RPC calls made, labeled by method.",
		},
		[]string{"method"},
	)
	rpcFailoverCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "svm_monitor_rpc_failovers_total",
			Help: "Number of retryable call failures on an endpoint, including the last one before exhaustion.",
		},
	)
)

func init() {
	prometheus.MustRegister(rpcCallCounter, rpcFailoverCounter)
}

// WithHttpTimeout overrides the per-call timeout (default 15s).
func WithHttpTimeout(d time.Duration) Option {
	return func(c *Client) { c.HttpTimeout = d }
}

// WithMaxFailures overrides the consecutive-failure limit (default 5).
func WithMaxFailures(n int) Option {
	return func(c *Client) { c.maxFailures = n }
}

// WithBackoff overrides the backoff base and cap.
func WithBackoff(base, cap time.Duration) Option {
	return func(c *Client) { c.backoffBase = base; c.backoffCap = cap }
}

// WithCallBudget overrides the global concurrent-call cap (default 50).
func WithCallBudget(n int64) Option {
	return func(c *Client) { c.callBudget = semaphore.NewWeighted(n) }
}

// NewFailoverClient builds a client over one or more endpoint URLs, tried in
// health order.
func NewFailoverClient(rpcUrls []string, opts ...Option) (*Client, error) {
	if len(rpcUrls) == 0 {
		return nil, errors.New("at least one rpc endpoint is required")
	}
	c := &Client{
		HttpTimeout: DefaultHttpTimeout,
		maxFailures: DefaultMaxFailures,
		backoffBase: DefaultBackoffBase,
		backoffCap:  DefaultBackoffCap,
		callBudget:  semaphore.NewWeighted(DefaultMaxInFlightRPCs),
		logger:      slog.Get(),
	}
	for _, url := range rpcUrls {
		c.endpoints = append(c.endpoints, &endpoint{url: url, health: healthMax})
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// pickEndpoint returns the endpoint with the highest health score, breaking
// ties by configured order.
func (c *Client) pickEndpoint() *endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	best := c.endpoints[0]
	for _, ep := range c.endpoints[1:] {
		if ep.health > best.health {
			best = ep
		}
	}
	return best
}

func (c *Client) recordSuccess(ep *endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ep.health += healthReward; ep.health > healthMax {
		ep.health = healthMax
	}
}

func (c *Client) recordFailure(ep *endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ep.health -= healthPenalty; ep.health < 0 {
		ep.health = 0
	}
}

// sleepBackoff applies full-jitter exponential backoff once a call has cycled
// through every endpoint: delay = min(cap, base * 2^n) * uniform(0,1).
func (c *Client) sleepBackoff(ctx context.Context, failures int) error {
	rotations := failures / len(c.endpoints)
	if rotations == 0 {
		return nil
	}
	delay := c.backoffBase << uint(rotations-1)
	if delay > c.backoffCap || delay <= 0 {
		delay = c.backoffCap
	}
	jittered := time.Duration(float64(delay) * rand.Float64())
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jittered):
		return nil
	}
}

func (c *Client) post(ctx context.Context, url string, payload []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.HttpTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("content-type", "application/json")

	resp, err := c.HttpClient.Do(req)
	if err != nil {
		return nil, err
	}
	//goland:noinspection GoUnhandledErrorResult
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &Error{Code: RateLimitedCode, Message: "rate limited (http 429)"}
	}
	return io.ReadAll(resp.Body)
}

// getResponse is the internal helper for making RPC calls. It owns the
// failover loop: try the healthiest endpoint, rotate and back off on
// retryable failures, give up with ErrEndpointExhausted after maxFailures
// consecutive failures.
func getResponse[T any](
	ctx context.Context, client *Client, method string, params []any, rpcResponse *Response[T],
) error {
	if err := client.callBudget.Acquire(ctx, 1); err != nil {
		return err
	}
	defer client.callBudget.Release(1)

	rpcCallCounter.WithLabelValues(method).Inc()
	request := &Request{Jsonrpc: "2.0", Id: 1, Method: method, Params: params}
	buffer, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", method, err)
	}

	var failures int
	for {
		ep := client.pickEndpoint()
		callErr := func() error {
			body, err := client.post(ctx, ep.url, buffer)
			if err != nil {
				return fmt.Errorf("%s rpc call failed: %w", method, err)
			}
			*rpcResponse = Response[T]{}
			if err = json.Unmarshal(body, rpcResponse); err != nil {
				return fmt.Errorf("failed to decode %s response body: %w", method, err)
			}
			if rpcResponse.Error.Code != 0 {
				rpcResponse.Error.Method = method
				return &rpcResponse.Error
			}
			return nil
		}()
		if callErr == nil {
			client.recordSuccess(ep)
			return nil
		}

		// application-level errors from a healthy endpoint are final unless
		// they are in the rate-limit family
		var rpcErr *Error
		if errors.As(callErr, &rpcErr) && rpcErr.Code != 0 && !isRetryableCode(rpcErr.Code) {
			client.recordSuccess(ep)
			return callErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		client.recordFailure(ep)
		rpcFailoverCounter.Inc()
		failures++
		client.logger.Warnf("%s failed on %s (attempt %d/%d): %v", method, ep.url, failures, client.maxFailures, callErr)
		if failures >= client.maxFailures {
			return fmt.Errorf("%w: %s failed %d times, last: %v", ErrEndpointExhausted, method, failures, callErr)
		}
		if err := client.sleepBackoff(ctx, failures); err != nil {
			return err
		}
	}
}

// GetSlot returns the slot that has reached the given commitment level.
// See API docs: https://solana.com/docs/rpc/http/getslot
func (c *Client) GetSlot(ctx context.Context, commitment Commitment) (uint64, error) {
	config := map[string]string{"commitment": string(commitment)}
	var resp Response[uint64]
	if err := getResponse(ctx, c, "getSlot", []any{config}, &resp); err != nil {
		return 0, err
	}
	return resp.Result, nil
}

// GetBlock returns the confirmed block at the given slot with full transaction
// details. A skipped or pruned slot is not an error: the block is nil and so is
// the error.
// See API docs: https://solana.com/docs/rpc/http/getblock
func (c *Client) GetBlock(ctx context.Context, commitment Commitment, slot uint64) (*Block, error) {
	if commitment == CommitmentProcessed {
		// as per https://solana.com/docs/rpc/http/getblock
		return nil, fmt.Errorf("commitment %q is not supported for GetBlock", commitment)
	}
	config := map[string]any{
		"commitment":                     commitment,
		"encoding":                       "json",
		"transactionDetails":             "full",
		"rewards":                        false,
		"maxSupportedTransactionVersion": 0,
	}
	var resp Response[Block]
	if err := getResponse(ctx, c, "getBlock", []any{slot, config}, &resp); err != nil {
		var rpcErr *Error
		if errors.As(err, &rpcErr) && rpcErr.IsSlotSkipped() {
			return nil, nil
		}
		return nil, err
	}
	return &resp.Result, nil
}

// GetBlocksInRange returns the confirmed slots between start and end, inclusive.
// See API docs: https://solana.com/docs/rpc/http/getblocks
func (c *Client) GetBlocksInRange(ctx context.Context, commitment Commitment, start, end uint64) ([]uint64, error) {
	config := map[string]string{"commitment": string(commitment)}
	var resp Response[[]uint64]
	if err := getResponse(ctx, c, "getBlocks", []any{start, end, config}, &resp); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// GetSlotLeaders returns the leader identities for limit slots starting at start.
// See API docs: https://solana.com/docs/rpc/http/getslotleaders
func (c *Client) GetSlotLeaders(ctx context.Context, start uint64, limit int) ([]string, error) {
	var resp Response[[]string]
	if err := getResponse(ctx, c, "getSlotLeaders", []any{start, limit}, &resp); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// GetTokenSupply returns the total supply of a mint; the monitor uses it for
// the mint's decimals.
// See API docs: https://solana.com/docs/rpc/http/gettokensupply
func (c *Client) GetTokenSupply(ctx context.Context, commitment Commitment, mint string) (*UiTokenAmount, error) {
	config := map[string]string{"commitment": string(commitment)}
	var resp Response[contextualResult[UiTokenAmount]]
	if err := getResponse(ctx, c, "getTokenSupply", []any{mint, config}, &resp); err != nil {
		return nil, err
	}
	return &resp.Result.Value, nil
}

// GetTokenAccountBalance returns the token balance of an SPL token account.
// See API docs: https://solana.com/docs/rpc/http/gettokenaccountbalance
func (c *Client) GetTokenAccountBalance(ctx context.Context, commitment Commitment, account string) (*UiTokenAmount, error) {
	config := map[string]string{"commitment": string(commitment)}
	var resp Response[contextualResult[UiTokenAmount]]
	if err := getResponse(ctx, c, "getTokenAccountBalance", []any{account, config}, &resp); err != nil {
		return nil, err
	}
	return &resp.Result.Value, nil
}
