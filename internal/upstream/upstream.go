// Package upstream is sgcache's client to the hosted project-tracking
// service sgcache sits in front of: a JSON-RPC-shaped HTTP API reached at
// POST /api3/json (SPEC_FULL.md §12). Every request the router cannot
// serve from the cache (a passthrough, a write, or a miss) is forwarded
// here verbatim.
//
// Grounded on the teacher's internal/rpc.HTTPClient (marshal args to
// JSON, POST, unmarshal a {error} or payload response, Bearer auth), with
// github.com/sony/gobreaker wrapping the call so a failing upstream trips
// a breaker instead of piling up retries against a dead service.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/vfxetc/sgcache/internal/sgerr"
)

// Request is one JSON-RPC-shaped call to the upstream API.
type Request struct {
	Method string
	Params any
}

// Response is the raw upstream reply on success: the API's "results"
// value. Failures are reported through Call's error, not through
// Response.
type Response struct {
	Result json.RawMessage
}

// Client is sgcache's view of the upstream service.
type Client interface {
	Call(ctx context.Context, req Request) (Response, error)
}

// Config configures an HTTPClient.
type Config struct {
	BaseURL    string
	AuthToken  string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// HTTPClient is the production Client: JSON-RPC over HTTPS, circuit
// broken.
type HTTPClient struct {
	cfg     Config
	cb      *gobreaker.CircuitBreaker
	log     zerolog.Logger
}

// NewHTTPClient constructs an HTTPClient, installing a circuit breaker
// that opens after five consecutive failures and probes again after 30s
// (spec.md §4.5 "upstream unavailability").
func NewHTTPClient(cfg Config, log zerolog.Logger) *HTTPClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "sgcache-upstream",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("upstream circuit breaker state change")
		},
	})
	return &HTTPClient{cfg: cfg, cb: cb, log: log.With().Str("component", "upstream").Logger()}
}

type wireRequest struct {
	Method string `json:"method_name"`
	Params any    `json:"params"`
}

type wireError struct {
	Exception string `json:"exception"`
	Code      int    `json:"error_code"`
	Message   string `json:"message"`
}

type wireResponse struct {
	Results json.RawMessage `json:"results"`
	Error   *wireError      `json:"-"`
}

// Call forwards req to the upstream API. A response with status >= 400
// whose body carries an error message becomes an *sgerr.ClientFault;
// any other failure (transport error, other status >= 400, undecodable
// body, open breaker) becomes an *sgerr.Operational (spec.md §7). The
// body of a response below 400 is not inspected for an exception.
func (c *HTTPClient) Call(ctx context.Context, req Request) (Response, error) {
	out, err := c.cb.Execute(func() (any, error) {
		return c.doCall(ctx, req)
	})
	if err != nil {
		if _, ok := err.(*sgerr.ClientFault); ok {
			return Response{}, err
		}
		return Response{}, sgerr.Wrap("upstream.Call", err)
	}
	return out.(Response), nil
}

func (c *HTTPClient) doCall(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(wireRequest{Method: req.Method, Params: req.Params})
	if err != nil {
		return Response{}, fmt.Errorf("upstream: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api3/json", bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}

	start := time.Now()
	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("upstream: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("upstream: read response: %w", err)
	}
	c.log.Debug().Str("method", req.Method).Int("status", resp.StatusCode).Dur("latency", time.Since(start)).Msg("upstream call")

	if resp.StatusCode >= 400 {
		var wireErr wireError
		if jsonErr := json.Unmarshal(respBody, &wireErr); jsonErr == nil && wireErr.Message != "" {
			return Response{}, sgerr.NewClientFault(strconv.Itoa(wireErr.Code), "%s", wireErr.Message)
		}
		return Response{}, fmt.Errorf("upstream: HTTP %d", resp.StatusCode)
	}

	var wr wireResponse
	if err := json.Unmarshal(respBody, &wr); err != nil {
		return Response{}, fmt.Errorf("upstream: decode response: %w", err)
	}
	return Response{Result: wr.Results}, nil
}
