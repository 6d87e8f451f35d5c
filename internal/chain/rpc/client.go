package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"anchorid/internal/chain"
	"anchorid/internal/identity"
)

// Client is a chain.Client backed by a JSON-RPC endpoint.
type Client struct {
	endpoint   string
	httpClient *http.Client
	retries    uint64
	retryDelay time.Duration
	nextID     atomic.Uint64
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithRetries bounds retries of transport failures. JSON-RPC errors are never retried.
func WithRetries(n uint64, delay time.Duration) Option {
	return func(cl *Client) {
		cl.retries = n
		cl.retryDelay = delay
	}
}

// New creates a client for endpoint.
func New(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		retries:    2,
		retryDelay: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	var out string
	if err := c.call(ctx, MethodChainID, &out); err != nil {
		return nil, err
	}
	return parseQuantity(out)
}

func (c *Client) Call(ctx context.Context, msg chain.CallMsg) ([]byte, error) {
	args := callArgs{To: msg.To.String(), Data: chain.EncodeHex(msg.Data)}
	if msg.From != "" {
		args.From = msg.From.String()
	}
	var out string
	if err := c.call(ctx, MethodCall, &out, args); err != nil {
		return nil, err
	}
	return chain.DecodeHex(out)
}

func (c *Client) PendingNonce(ctx context.Context, account identity.Address) (uint64, error) {
	var out string
	if err := c.call(ctx, MethodTransactionCount, &out, account.String(), "pending"); err != nil {
		return 0, err
	}
	n, err := parseQuantity(out)
	if err != nil {
		return 0, err
	}
	return n.Uint64(), nil
}

func (c *Client) SendTransaction(ctx context.Context, tx *chain.SignedTransaction) (chain.Hash, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return chain.ZeroHash, err
	}
	var out chain.Hash
	if err := c.call(ctx, MethodSendRawTransaction, &out, chain.EncodeHex(raw)); err != nil {
		return chain.ZeroHash, err
	}
	return out, nil
}

// Receipt returns chain.ErrReceiptPending while the node reports a null receipt.
func (c *Client) Receipt(ctx context.Context, txHash chain.Hash) (*chain.Receipt, error) {
	var out *chain.Receipt
	if err := c.call(ctx, MethodReceipt, &out, txHash.Hex()); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, chain.ErrReceiptPending
	}
	return out, nil
}

func (c *Client) call(ctx context.Context, method string, result any, params ...any) error {
	rawParams := make([]json.RawMessage, 0, len(params))
	for _, p := range params {
		b, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encode %s params: %w", method, err)
		}
		rawParams = append(rawParams, b)
	}
	body, err := json.Marshal(request{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: rawParams})
	if err != nil {
		return err
	}

	var resp response
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		httpResp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer httpResp.Body.Close()
		if httpResp.StatusCode >= 500 {
			return fmt.Errorf("%s: node returned HTTP %d", method, httpResp.StatusCode)
		}
		payload, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(payload, &resp); err != nil {
			return backoff.Permanent(fmt.Errorf("%s: decode response: %w", method, err))
		}
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retryDelay), c.retries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	if result == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("%s: decode result: %w", method, err)
	}
	return nil
}

func encodeQuantity(n *big.Int) string {
	return "0x" + n.Text(16)
}

func parseQuantity(s string) (*big.Int, error) {
	if !strings.HasPrefix(s, "0x") {
		if v, err := strconv.ParseUint(s, 10, 64); err == nil {
			return new(big.Int).SetUint64(v), nil
		}
		return nil, errors.New("quantity must be 0x-prefixed")
	}
	n, ok := new(big.Int).SetString(s[2:], 16)
	if !ok {
		return nil, fmt.Errorf("invalid quantity %q", s)
	}
	return n, nil
}

var _ chain.Client = (*Client)(nil)
