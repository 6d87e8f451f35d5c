// Package ipfs stores documents on a Kubo node and reads them back through
// HTTP gateways.
package ipfs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"anchorid/internal/content"
	"anchorid/pkg/platform/circuit"
)

const backendName = "ipfs"

// maxDocumentBytes caps gateway responses.
const maxDocumentBytes = 4 << 20

// Client is a content.Store backed by a Kubo RPC endpoint and gateways.
type Client struct {
	apiURL         string
	gateways       []string
	httpClient     *http.Client
	retries        uint64
	retryDelay     time.Duration
	attemptTimeout time.Duration
	breaker        *circuit.Breaker
	logger         *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

func WithGateways(gateways ...string) Option {
	return func(c *Client) {
		for _, g := range gateways {
			if g = strings.TrimRight(strings.TrimSpace(g), "/"); g != "" {
				c.gateways = append(c.gateways, g)
			}
		}
	}
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithRetry sets the fixed retry count, delay between attempts and per-attempt timeout for reads.
func WithRetry(retries uint64, delay, attemptTimeout time.Duration) Option {
	return func(c *Client) {
		c.retries = retries
		c.retryDelay = delay
		if attemptTimeout > 0 {
			c.attemptTimeout = attemptTimeout
		}
	}
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client. The API URL doubles as a gateway when none are configured.
func New(apiURL string, opts ...Option) *Client {
	c := &Client{
		apiURL:         strings.TrimRight(apiURL, "/"),
		httpClient:     &http.Client{},
		retries:        3,
		retryDelay:     250 * time.Millisecond,
		attemptTimeout: 5 * time.Second,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if len(c.gateways) == 0 {
		c.gateways = []string{c.apiURL}
	}
	if c.breaker == nil {
		c.breaker = circuit.New(backendName)
	}
	return c
}

type addResponse struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

type kuboError struct {
	Message string `json:"Message"`
	Code    int    `json:"Code"`
}

// Put uploads and pins doc.
func (c *Client) Put(ctx context.Context, doc any) (id content.ID, err error) {
	defer func(start time.Time) { content.ObserveOp(backendName, "put", start, err) }(time.Now())

	b, err := content.Encode(doc)
	if err != nil {
		return "", err
	}
	if err := c.breaker.Check(); err != nil {
		return "", content.NewStoreError(content.CategoryUnavailable, "content node circuit open", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "document.json")
	if err != nil {
		return "", content.NewStoreError(content.CategoryBadData, "build upload", err)
	}
	if _, err := part.Write(b); err != nil {
		return "", content.NewStoreError(content.CategoryBadData, "build upload", err)
	}
	if err := mw.Close(); err != nil {
		return "", content.NewStoreError(content.CategoryBadData, "build upload", err)
	}

	q := url.Values{"pin": {"true"}, "cid-version": {"1"}, "raw-leaves": {"true"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/api/v0/add?"+q.Encode(), &body)
	if err != nil {
		return "", content.NewStoreError(content.CategoryBadData, "build upload", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recordFailure(ctx)
		return "", content.NewStoreError(content.CategoryUnavailable, "upload failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.recordFailure(ctx)
		return "", content.NewStoreError(content.CategoryUnavailable, fmt.Sprintf("upload returned HTTP %d", resp.StatusCode), nil)
	}
	var out addResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.Hash == "" {
		return "", content.NewStoreError(content.CategoryBadData, "malformed add response", err)
	}
	c.breaker.RecordSuccess()
	return content.ID(out.Hash), nil
}

// Get tries the preferred endpoint first, then each gateway, for a bounded number of rounds.
func (c *Client) Get(ctx context.Context, id content.ID, opts ...content.GetOption) (b []byte, err error) {
	defer func(start time.Time) { content.ObserveOp(backendName, "get", start, err) }(time.Now())

	if err := content.ValidateID(id); err != nil {
		return nil, err
	}
	if err := c.breaker.Check(); err != nil {
		return nil, content.NewStoreError(content.CategoryUnavailable, "content gateways circuit open", err)
	}

	o := content.ApplyGetOptions(opts...)
	endpoints := c.gateways
	if o.PreferredEndpoint != "" {
		endpoints = append([]string{strings.TrimRight(o.PreferredEndpoint, "/")}, c.gateways...)
	}

	attempt := 0
	op := func() error {
		if attempt > 0 {
			content.IncRetry(backendName)
		}
		attempt++
		notFound := 0
		var lastErr error
		for _, ep := range endpoints {
			doc, err := c.fetch(ctx, ep, id)
			if err == nil {
				b = doc
				return nil
			}
			if errors.Is(err, content.ErrNotFound) {
				notFound++
				continue
			}
			var se *content.StoreError
			if errors.As(err, &se) && se.Category == content.CategoryBadData {
				return backoff.Permanent(err)
			}
			lastErr = err
		}
		if notFound == len(endpoints) {
			return backoff.Permanent(content.ErrNotFound)
		}
		return lastErr
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retryDelay), c.retries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		if errors.Is(err, content.ErrNotFound) {
			c.breaker.RecordSuccess()
			return nil, content.ErrNotFound
		}
		var se *content.StoreError
		if errors.As(err, &se) {
			if se.Retryable {
				c.recordFailure(ctx)
			}
			return nil, err
		}
		c.recordFailure(ctx)
		return nil, content.NewStoreError(content.CategoryUnavailable, fmt.Sprintf("fetch %s exhausted %d attempts", id, attempt), err)
	}
	c.breaker.RecordSuccess()
	return b, nil
}

func (c *Client) fetch(ctx context.Context, endpoint string, id content.ID) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, endpoint+"/ipfs/"+url.PathEscape(string(id)), nil)
	if err != nil {
		return nil, content.NewStoreError(content.CategoryBadData, "build fetch", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return nil, content.NewStoreError(content.CategoryTimeout, "gateway attempt timed out", err)
		}
		return nil, content.NewStoreError(content.CategoryUnavailable, "gateway unreachable", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, content.ErrNotFound
	case resp.StatusCode == http.StatusBadRequest:
		return nil, content.NewStoreError(content.CategoryBadData, "gateway rejected the content id", nil)
	case resp.StatusCode != http.StatusOK:
		return nil, content.NewStoreError(content.CategoryUnavailable, fmt.Sprintf("gateway returned HTTP %d", resp.StatusCode), nil)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return nil, content.NewStoreError(content.CategoryUnavailable, "read gateway body", err)
	}
	if !content.Matches(id, b) {
		return nil, content.NewStoreError(content.CategoryBadData, "gateway returned bytes that do not match the content id", nil)
	}
	return b, nil
}

// Unpin removes the pin. An id the node does not have pinned reports false.
func (c *Client) Unpin(ctx context.Context, id content.ID) (bool, error) {
	q := url.Values{"arg": {string(id)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/api/v0/pin/rm?"+q.Encode(), nil)
	if err != nil {
		return false, content.NewStoreError(content.CategoryBadData, "build unpin", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, content.NewStoreError(content.CategoryUnavailable, "unpin failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return true, nil
	}
	var kerr kuboError
	_ = json.NewDecoder(resp.Body).Decode(&kerr)
	if strings.Contains(kerr.Message, "not pinned") {
		return false, nil
	}
	return false, content.NewStoreError(content.CategoryUnavailable, fmt.Sprintf("unpin returned HTTP %d: %s", resp.StatusCode, kerr.Message), nil)
}

func (c *Client) recordFailure(ctx context.Context) {
	if _, change := c.breaker.RecordFailure(); change.Opened {
		c.logger.WarnContext(ctx, "content store circuit opened", "breaker", c.breaker.Name())
	}
}

var _ content.Store = (*Client)(nil)
