// Package codehost is the code-hosting client the webhook orchestrator uses
// to fetch PR diffs, post comments, merge PRs, and list candidate issues.
// Its request/response envelope and call() helper are grounded on
// services/escrow-gateway/node_client.go's RPCNodeClient, generalized from
// the node's escrow/trade RPC surface to a pull-request/issue surface.
package codehost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"bountyd/internal/model"
)

// Client is the uniform code-host surface the review engine, safety scan,
// and webhook handler depend on.
type Client interface {
	FetchDiff(ctx context.Context, prNumber int64) (string, error)
	Comment(ctx context.Context, prNumber int64, body string) error
	Merge(ctx context.Context, prNumber int64) error
	GetIssue(ctx context.Context, issueNumber int64) (model.Issue, error)
	ListCandidateIssues(ctx context.Context) ([]model.Issue, error)
}

// RPCClient implements Client against a single code-host JSON-RPC endpoint.
type RPCClient struct {
	baseURL string
	token   string
	http    *http.Client
	nextID  atomic.Int64
}

// Config configures an RPCClient.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// New constructs an RPCClient.
func New(cfg Config) *RPCClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RPCClient{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int64  `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *RPCClient) call(ctx context.Context, method string, params any, out any) error {
	id := c.nextID.Add(1)
	buf, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("codehost rpc %s: status=%d body=%s", method, resp.StatusCode, string(data))
	}
	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return err
	}
	if decoded.Error != nil {
		return fmt.Errorf("codehost rpc %s error: %s", method, decoded.Error.Message)
	}
	if out == nil {
		return nil
	}
	if len(decoded.Result) == 0 {
		return fmt.Errorf("codehost rpc %s: empty result", method)
	}
	return json.Unmarshal(decoded.Result, out)
}

// FetchDiff returns the unified diff for a pull request. Callers are
// responsible for applying the ~15000-byte truncation boundary (spec.md
// §4.3); this client returns the diff as the code host delivers it.
func (c *RPCClient) FetchDiff(ctx context.Context, prNumber int64) (string, error) {
	var result struct {
		Diff string `json:"diff"`
	}
	if err := c.call(ctx, "pr_diff", map[string]int64{"number": prNumber}, &result); err != nil {
		return "", err
	}
	return result.Diff, nil
}

// Comment posts a comment to a pull request.
func (c *RPCClient) Comment(ctx context.Context, prNumber int64, body string) error {
	return c.call(ctx, "pr_comment", map[string]any{"number": prNumber, "body": body}, nil)
}

// Merge merges a pull request.
func (c *RPCClient) Merge(ctx context.Context, prNumber int64) error {
	return c.call(ctx, "pr_merge", map[string]int64{"number": prNumber}, nil)
}

// GetIssue fetches a single issue by number.
func (c *RPCClient) GetIssue(ctx context.Context, issueNumber int64) (model.Issue, error) {
	var issue model.Issue
	err := c.call(ctx, "issue_get", map[string]int64{"number": issueNumber}, &issue)
	return issue, err
}

// ListCandidateIssues lists open issues eligible for bounty evaluation.
func (c *RPCClient) ListCandidateIssues(ctx context.Context) ([]model.Issue, error) {
	var issues []model.Issue
	err := c.call(ctx, "issues_list_candidates", nil, &issues)
	return issues, err
}
