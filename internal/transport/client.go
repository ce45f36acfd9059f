package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"rheo/internal/signal"
)

// Client is the outbound RPC side of the transport: POST a Signal to a
// peer address and parse its TraceResult, classifying failures per §4.7.
type Client struct {
	httpClient    *http.Client
	clusterSecret string
}

// NewClient builds a client whose calls are bounded by timeout.
func NewClient(timeout time.Duration, clusterSecret string) *Client {
	return &Client{
		httpClient:    &http.Client{Timeout: timeout},
		clusterSecret: clusterSecret,
	}
}

// Send POSTs sig to addr and returns its TraceResult, or a MeshError
// classified as RpcTimeout, RpcUnreachable, or RpcFail.
func (c *Client) Send(ctx context.Context, addr string, sig signal.Signal) (signal.TraceResult, *signal.MeshError) {
	return c.post(ctx, addr+"/", sig)
}

// SendGossip POSTs a mesh/gossip-shaped signal to addr's root endpoint —
// gossip messages are just signals like any other, routed by the peer's
// mesh/gossip capability handler.
func (c *Client) SendGossip(ctx context.Context, addr string, sig signal.Signal) (signal.TraceResult, *signal.MeshError) {
	return c.post(ctx, addr+"/", sig)
}

func (c *Client) post(ctx context.Context, url string, sig signal.Signal) (signal.TraceResult, *signal.MeshError) {
	start := time.Now()

	body, err := json.Marshal(sig)
	if err != nil {
		return signal.TraceResult{}, signal.NewMeshError(signal.ErrRPCFail, "failed to marshal signal: "+err.Error(), sig.From)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return signal.TraceResult{}, signal.NewMeshError(signal.ErrRPCFail, "failed to build request: "+err.Error(), sig.From)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.clusterSecret != "" {
		req.Header.Set(SignatureHeader, SignBody(c.clusterSecret, body))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return signal.TraceResult{}, classifyTransportError(err, sig.From)
	}
	defer resp.Body.Close()

	var envelope struct {
		Result *signal.TraceResult `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return signal.TraceResult{}, signal.NewMeshError(signal.ErrRPCFail, "failed to decode response: "+err.Error(), sig.From)
	}
	if envelope.Result == nil {
		return signal.TraceResult{}, signal.NewMeshError(signal.ErrRPCFail, "response missing result envelope", sig.From)
	}

	result := *envelope.Result
	result.LatencyMicros = time.Since(start).Microseconds()
	return result, nil
}

func classifyTransportError(err error, from string) *signal.MeshError {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return signal.NewMeshError(signal.ErrRPCTimeout, "rpc timed out: "+err.Error(), from)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return signal.NewMeshError(signal.ErrRPCUnreachable, "peer unreachable: "+err.Error(), from)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return signal.NewMeshError(signal.ErrRPCUnreachable, "peer unreachable: "+err.Error(), from)
	}

	return signal.NewMeshError(signal.ErrRPCFail, fmt.Sprintf("rpc failed: %v", err), from)
}
