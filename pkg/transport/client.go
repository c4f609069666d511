package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/coretex/internal/sentinel"
	"github.com/hyp3rd/coretex/pkg/consistency"
)

const (
	defaultClientTimeout = 2 * time.Second
	statusThreshold      = 300
	maxErrorBody         = 4096

	errMsgNewRequest = "new request"
	errMsgDoRequest  = "do request"
)

// Client calls a remote replica served by Server. It implements the coordinator
// Replica contract.
type Client struct {
	client *http.Client
	base   string
}

// NewClient creates a client for the replica at base (scheme+host).
func NewClient(base string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultClientTimeout
	}

	return &Client{client: &http.Client{Timeout: timeout}, base: base}
}

// Base returns the replica base URL.
func (c *Client) Base() string { return c.base }

// Get fetches the replica's local record for key.
func (c *Client) Get(ctx context.Context, key string) (consistency.VersionedValue, bool, error) {
	var resp getResponse

	err := c.do(ctx, http.MethodGet, PathGet+"?key="+url.QueryEscape(key), nil, &resp)
	if err != nil {
		return consistency.VersionedValue{}, false, err
	}

	return resp.Value, resp.Found, nil
}

// Put forwards a write.
func (c *Client) Put(ctx context.Context, key string, w consistency.Write) (consistency.Result, error) {
	var res consistency.Result

	err := c.do(ctx, http.MethodPost, PathPut, putRequest{Key: key, Write: w}, &res)
	if err != nil {
		return consistency.Result{}, err
	}

	return res, nil
}

// ResolveConflict asks the replica to resolve and persist the winner among candidates.
func (c *Client) ResolveConflict(ctx context.Context, key string, candidates []consistency.VersionedValue) (consistency.VersionedValue, error) {
	var winner consistency.VersionedValue

	err := c.do(ctx, http.MethodPost, PathResolve, resolveRequest{Key: key, Candidates: candidates}, &winner)
	if err != nil {
		return consistency.VersionedValue{}, err
	}

	return winner, nil
}

// ReadRepair pushes authoritative to the replica.
func (c *Client) ReadRepair(ctx context.Context, key string, authoritative consistency.VersionedValue) error {
	return c.do(ctx, http.MethodPost, PathRepair, repairRequest{Key: key, Value: authoritative}, nil)
}

// Health probes the replica health endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, PathHealth, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return ewrap.Wrap(err, "marshal request")
		}

		reader = bytes.NewReader(payload)
	}

	hreq, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return ewrap.Wrap(err, errMsgNewRequest)
	}

	if body != nil {
		hreq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(hreq)
	if err != nil {
		return sentinel.Classify(sentinel.ErrCommunication, err, errMsgDoRequest)
	}

	defer func() { _ = resp.Body.Close() }() //nolint:errcheck // best-effort

	if resp.StatusCode >= statusThreshold {
		return decodeError(resp)
	}

	if out == nil {
		return nil
	}

	err = json.NewDecoder(resp.Body).Decode(out)
	if err != nil {
		return sentinel.Classify(sentinel.ErrCommunication, err, "decode response")
	}

	return nil
}

func decodeError(resp *http.Response) error {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return sentinel.Classify(sentinel.ErrCommunication, err, "read error body")
	}

	var e errorResponse
	if json.Unmarshal(raw, &e) != nil || e.Code == "" {
		return ewrap.Wrapf(sentinel.ErrCommunication, "status %d body %s", resp.StatusCode, string(raw))
	}

	return ewrap.Wrapf(codeError(e.Code), "remote: %s", e.Error)
}
