// Package rpc translates agent lifecycle operations into HTTP calls on a
// sandbox shim.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/projecttab/backend/internal/common/logger"
	"github.com/projecttab/backend/internal/common/tracing"
	v1 "github.com/projecttab/backend/pkg/api/v1"
)

// AdapterHTTPError is a non-2xx response from a sandbox endpoint.
type AdapterHTTPError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *AdapterHTTPError) Error() string {
	return fmt.Sprintf("sandbox %s returned status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// Client calls a single sandbox over its RPC transport.
type Client struct {
	agentID    string
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewClient creates a client bound to one sandbox's RPC endpoint.
func NewClient(agentID, rpcEndpoint string, timeout time.Duration, log *logger.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		agentID:    agentID,
		baseURL:    rpcEndpoint,
		httpClient: &http.Client{Timeout: timeout},
		logger: log.WithFields(
			zap.String("component", "sandbox_rpc"),
			zap.String("agent_id", agentID)),
	}
}

// Spawn hands the brief to the sandbox. The brief JSON is passed through
// bit-exact, including the opaque providerConfig.
func (c *Client) Spawn(ctx context.Context, brief v1.AgentBrief) (*v1.AgentHandle, error) {
	var handle v1.AgentHandle
	if err := c.post(ctx, "/spawn", brief, &handle); err != nil {
		return nil, err
	}
	return &handle, nil
}

// Pause asks the sandbox to serialize and suspend the agent.
func (c *Client) Pause(ctx context.Context, handle v1.AgentHandle) (*v1.SerializedAgentState, error) {
	var state v1.SerializedAgentState
	if err := c.post(ctx, "/pause", nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// Resume restores an agent from serialized state.
func (c *Client) Resume(ctx context.Context, state v1.SerializedAgentState) (*v1.AgentHandle, error) {
	var handle v1.AgentHandle
	if err := c.post(ctx, "/resume", state, &handle); err != nil {
		return nil, err
	}
	return &handle, nil
}

// Kill stops the agent, optionally with a grace period.
func (c *Client) Kill(ctx context.Context, handle v1.AgentHandle, opts v1.KillOptions) (*v1.KillResult, error) {
	var result v1.KillResult
	if err := c.post(ctx, "/kill", opts, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ResolveDecision delivers a human resolution for a pending decision.
func (c *Client) ResolveDecision(ctx context.Context, handle v1.AgentHandle, decisionID string, resolution json.RawMessage) error {
	body := v1.DecisionResolution{DecisionID: decisionID, Resolution: resolution}
	return c.post(ctx, "/resolve", body, nil)
}

// InjectContext pushes fresh context into the running agent.
func (c *Client) InjectContext(ctx context.Context, handle v1.AgentHandle, inj v1.ContextInjection) error {
	return c.post(ctx, "/inject-context", inj, nil)
}

// UpdateBrief applies a partial overlay to the agent's brief.
func (c *Client) UpdateBrief(ctx context.Context, handle v1.AgentHandle, changes json.RawMessage) error {
	return c.post(ctx, "/update-brief", v1.BriefUpdate{Changes: changes}, nil)
}

// RequestCheckpoint asks the sandbox to serialize state for a blocking
// decision without suspending the agent.
func (c *Client) RequestCheckpoint(ctx context.Context, handle v1.AgentHandle, decisionID string) (*v1.SerializedAgentState, error) {
	body := struct {
		DecisionID string `json:"decisionId"`
	}{DecisionID: decisionID}

	var state v1.SerializedAgentState
	if err := c.post(ctx, "/checkpoint", body, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// post sends a JSON body to a sandbox endpoint and decodes the response into
// out when non-nil. Non-2xx responses become an *AdapterHTTPError; network
// errors surface as-is.
func (c *Client) post(ctx context.Context, endpoint string, body, out interface{}) (err error) {
	ctx, span := tracing.TraceRPC(ctx, c.agentID, endpoint)
	defer func() {
		tracing.TraceResult(span, err)
		span.End()
	}()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", endpoint, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &AdapterHTTPError{
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Body:       truncate(string(respBody), 512),
		}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to parse %s response: %w", endpoint, err)
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
