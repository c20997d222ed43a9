// Package execclient talks to the external transaction-execution HTTP API:
// /api/trade for server-executed trades, /api/trade-local for the
// client-signs-locally flow.
package execclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/net/http2"
)

// TradeRequest is the body for both /api/trade and /api/trade-local.
type TradeRequest struct {
	PublicKey        string `json:"publicKey"`
	Action           string `json:"action"` // "buy" | "sell"
	Mint             string `json:"mint"`
	Amount           string `json:"amount"`
	DenominatedInSol string `json:"denominatedInSol"` // "true" | "false"
	Slippage         int    `json:"slippage"`         // bps
	PriorityFee      string `json:"priorityFee"`      // SOL, decimal string
	Pool             string `json:"pool"`             // "pump" | "raydium" | "auto"
}

// TradeResponse is returned by /api/trade: the server signed and submitted
// the transaction itself.
type TradeResponse struct {
	Signature string `json:"signature"`
	Errors    string `json:"errors,omitempty"`
}

// LocalTradeResponse is returned by /api/trade-local: a base64-encoded,
// unsigned (or partially signed) transaction for the caller to sign and
// submit via the Solana RPC client.
type LocalTradeResponse struct {
	Transaction string `json:"transaction"`
}

// WireError classifies the error taxonomy values sent back on the wire.
type WireError string

const (
	ErrSlippage               WireError = "slippage"
	ErrInsufficientTokens     WireError = "insufficient_tokens"
	ErrInsufficientLamports   WireError = "insufficient_lamports"
	ErrInsufficientFundsRent  WireError = "insufficient_funds_for_rent"
	ErrTransactionNotFound    WireError = "transaction_not_found"
	ErrInvalidTransactionFmt  WireError = "invalid_transaction_format"
	ErrUnknown                WireError = "unknown"
)

// ClassifyWireError maps an arbitrary error body substring to the fixed taxonomy.
func ClassifyWireError(body string) WireError {
	switch {
	case contains(body, "slippage"):
		return ErrSlippage
	case contains(body, "insufficient_tokens"), contains(body, "insufficient tokens"):
		return ErrInsufficientTokens
	case contains(body, "insufficient_lamports"), contains(body, "insufficient lamports"):
		return ErrInsufficientLamports
	case contains(body, "rent"):
		return ErrInsufficientFundsRent
	case contains(body, "transaction_not_found"), contains(body, "not found"):
		return ErrTransactionNotFound
	case contains(body, "invalid_transaction_format"), contains(body, "invalid transaction"):
		return ErrInvalidTransactionFmt
	default:
		return ErrUnknown
	}
}

func contains(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// HTTPClientPool provides HTTP/2-pooled clients round-robin.
type HTTPClientPool struct {
	clients []*http.Client
	mu      sync.Mutex
	idx     uint32
}

// NewHTTPClientPool creates an HTTP/2-optimized client pool of the given size.
func NewHTTPClientPool(size int, timeout time.Duration) *HTTPClientPool {
	pool := &HTTPClientPool{
		clients: make([]*http.Client, size),
	}

	for i := 0; i < size; i++ {
		transport := &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
			ForceAttemptHTTP2:   true,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}

		http2.ConfigureTransport(transport)

		pool.clients[i] = &http.Client{
			Transport: transport,
			Timeout:   timeout,
		}
	}

	log.Info().Int("poolSize", size).Msg("exec-client HTTP/2 pool initialized")
	return pool
}

// Get returns the next pooled client, round-robin.
func (p *HTTPClientPool) Get() *http.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	client := p.clients[p.idx%uint32(len(p.clients))]
	p.idx++
	return client
}

// Client talks to the transaction-execution HTTP API with API-key rotation
// and a pooled HTTP/2 transport.
type Client struct {
	baseURL     string
	slippageBps int
	clientPool  *HTTPClientPool
	apiKeys     []string
	keyIdx      atomic.Uint32
}

// NewClient creates an exec-client. apiKeys may be empty for /api/trade-local-only use.
func NewClient(baseURL string, slippageBps int, timeout time.Duration, apiKeys []string) *Client {
	return &Client{
		baseURL:     baseURL,
		slippageBps: slippageBps,
		clientPool:  NewHTTPClientPool(4, timeout),
		apiKeys:     apiKeys,
	}
}

func (c *Client) getAPIKey() string {
	if len(c.apiKeys) == 0 {
		return ""
	}
	idx := c.keyIdx.Add(1) % uint32(len(c.apiKeys))
	return c.apiKeys[idx]
}

// Trade submits a server-executed trade via /api/trade. Requires an API key.
func (c *Client) Trade(ctx context.Context, req TradeRequest) (*TradeResponse, error) {
	if req.Slippage == 0 {
		req.Slippage = c.slippageBps
	}

	url := fmt.Sprintf("%s/api/trade?api-key=%s", c.baseURL, c.getAPIKey())

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal trade request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	client := c.clientPool.Get()
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("trade failed (%d): %s [%s]", resp.StatusCode, string(respBody), ClassifyWireError(string(respBody)))
	}

	var tradeResp TradeResponse
	if err := json.Unmarshal(respBody, &tradeResp); err != nil {
		return nil, fmt.Errorf("decode trade response: %w", err)
	}

	log.Debug().
		Dur("latency", time.Since(start)).
		Str("sig", tradeResp.Signature).
		Msg("exec-client trade")

	if tradeResp.Errors != "" {
		return &tradeResp, fmt.Errorf("trade rejected: %s [%s]", tradeResp.Errors, ClassifyWireError(tradeResp.Errors))
	}

	return &tradeResp, nil
}

// TradeLocal fetches an unsigned transaction via /api/trade-local for local signing.
func (c *Client) TradeLocal(ctx context.Context, req TradeRequest) (string, error) {
	if req.Slippage == 0 {
		req.Slippage = c.slippageBps
	}

	url := fmt.Sprintf("%s/api/trade-local", c.baseURL)

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal trade request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	client := c.clientPool.Get()
	resp, err := client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("trade-local failed (%d): %s [%s]", resp.StatusCode, string(respBody), ClassifyWireError(string(respBody)))
	}

	log.Debug().Dur("latency", time.Since(start)).Msg("exec-client trade-local")

	// /api/trade-local returns the raw serialized tx bytes, base64-encoded
	// as a JSON string OR as a bare body depending on deployment; handle both.
	var asString string
	if err := json.Unmarshal(respBody, &asString); err == nil && asString != "" {
		return asString, nil
	}
	return string(respBody), nil
}

// BuildBuyRequest constructs a TradeRequest for a buy sized in SOL.
func BuildBuyRequest(publicKey, mint string, amountSol decimal.Decimal, slippageBps int, priorityFeeSol decimal.Decimal, pool string) TradeRequest {
	return TradeRequest{
		PublicKey:        publicKey,
		Action:           "buy",
		Mint:             mint,
		Amount:           amountSol.String(),
		DenominatedInSol: "true",
		Slippage:         slippageBps,
		PriorityFee:      priorityFeeSol.String(),
		Pool:             pool,
	}
}

// BuildSellRequest constructs a TradeRequest for a sell sized in tokens.
func BuildSellRequest(publicKey, mint string, amountTokens decimal.Decimal, slippageBps int, priorityFeeSol decimal.Decimal, pool string) TradeRequest {
	return TradeRequest{
		PublicKey:        publicKey,
		Action:           "sell",
		Mint:             mint,
		Amount:           amountTokens.String(),
		DenominatedInSol: "false",
		Slippage:         slippageBps,
		PriorityFee:      priorityFeeSol.String(),
		Pool:             pool,
	}
}
