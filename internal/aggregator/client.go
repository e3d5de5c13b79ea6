// Package aggregator talks to a 1inch-v6-shaped swap aggregation API and
// normalizes every response body into either a typed success value or an
// UpstreamError before anything else looks at it.
package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	clierr "github.com/ggonzalez94/swapctl/internal/errors"
	"github.com/ggonzalez94/swapctl/internal/httpx"
	"github.com/ggonzalez94/swapctl/internal/registry"
	"github.com/sirupsen/logrus"
)

const (
	// maxFeePercent caps the integrator fee the API accepts.
	maxFeePercent = 3.0

	rawExcerptLimit = 200
)

var addressPattern = regexp.MustCompile(`0x[0-9a-fA-F]{40}`)

// Config carries the optional aggregator settings: API key, base URL
// override, and integrator fee.
type Config struct {
	BaseURL      string
	APIKey       string
	FeeRecipient string
	FeeBps       int
}

type Client struct {
	http    *httpx.Client
	baseURL string
	apiKey  string
	fee     feeConfig
	log     logrus.FieldLogger

	mu       sync.Mutex
	spenders map[int64]string
}

type feeConfig struct {
	recipient string
	bps       int
}

func New(httpClient *httpx.Client, cfg Config, log logrus.FieldLogger) *Client {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = registry.AggregatorBaseURL
	}
	if log == nil {
		logger := logrus.New()
		logger.SetLevel(logrus.WarnLevel)
		log = logger
	}
	return &Client{
		http:     httpClient,
		baseURL:  base,
		apiKey:   strings.TrimSpace(cfg.APIKey),
		fee:      feeConfig{recipient: strings.TrimSpace(cfg.FeeRecipient), bps: cfg.FeeBps},
		log:      log,
		spenders: make(map[int64]string),
	}
}

// UpstreamError is the error variant of aggregator body classification. It
// keeps the upstream description and raw excerpt for diagnostics, plus the
// signals the workflow acts on: whether the failure is an allowance
// shortfall, any explicit spender field the error payload carried, and any
// address scraped from the failure text. Spender outranks SpenderHint.
type UpstreamError struct {
	Status             int
	Description        string
	Raw                string
	AllowanceShortfall bool
	Spender            string
	SpenderHint        string
}

func (e *UpstreamError) Error() string {
	desc := e.Description
	if desc == "" {
		desc = e.Raw
	}
	if desc == "" {
		desc = "upstream request failed"
	}
	return fmt.Sprintf("aggregator error (status %d): %s", e.Status, desc)
}

// Quote is the read-only price answer.
type Quote struct {
	DstAmount string `json:"dstAmount"`
}

// SwapBuild is the success variant of a swap build: the executable
// transaction fields as raw JSON values plus the spender when the API
// reports one. Numeric fields stay untyped here; normalization happens at
// submission time.
type SwapBuild struct {
	DstAmount string
	Tx        map[string]any
	Spender   string
	Raw       map[string]any
}

// Token is one entry of the aggregator token list.
type Token struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Decimals int    `json:"decimals"`
}

// GetQuote asks the aggregator what amount of dst the given src amount buys.
func (c *Client) GetQuote(ctx context.Context, chainID int64, src, dst, amountBaseUnits string) (Quote, error) {
	vals := url.Values{}
	vals.Set("src", src)
	vals.Set("dst", dst)
	vals.Set("amount", amountBaseUnits)
	c.applyFee(vals)

	body, err := c.get(ctx, chainID, "quote", vals)
	if err != nil {
		return Quote{}, err
	}
	var quote Quote
	if err := json.Unmarshal(body, &quote); err != nil {
		return Quote{}, clierr.Wrap(clierr.CodeUnavailable, "decode quote response", err)
	}
	if quote.DstAmount == "" {
		return Quote{}, clierr.New(clierr.CodeUnavailable, "quote response missing dstAmount")
	}
	return Quote{DstAmount: quote.DstAmount}, nil
}

// BuildSwap asks the aggregator for an executable swap transaction. Slippage
// is carried in basis points and sent as a percentage.
func (c *Client) BuildSwap(ctx context.Context, chainID int64, from, src, dst, amountBaseUnits string, slippageBps int) (SwapBuild, error) {
	vals := url.Values{}
	vals.Set("src", src)
	vals.Set("dst", dst)
	vals.Set("amount", amountBaseUnits)
	vals.Set("from", from)
	vals.Set("slippage", formatSlippage(slippageBps))
	vals.Set("disableEstimate", "true")
	vals.Set("allowPartialFill", "false")
	c.applyFee(vals)

	body, err := c.get(ctx, chainID, "swap", vals)
	if err != nil {
		return SwapBuild{}, err
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return SwapBuild{}, clierr.Wrap(clierr.CodeSwapBuild, "decode swap response", err)
	}
	build := SwapBuild{Raw: raw}
	if v, ok := raw["dstAmount"].(string); ok {
		build.DstAmount = v
	}
	if tx, ok := raw["tx"].(map[string]any); ok {
		build.Tx = tx
	}
	build.Spender = extractSpenderField(raw)
	return build, nil
}

// Spender returns the router address swaps must be approved for, cached per
// chain after the first successful fetch.
func (c *Client) Spender(ctx context.Context, chainID int64) (string, error) {
	c.mu.Lock()
	if cached, ok := c.spenders[chainID]; ok {
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	body, err := c.get(ctx, chainID, "approve/spender", nil)
	if err != nil {
		return "", err
	}
	var resp struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", clierr.Wrap(clierr.CodeUnavailable, "decode spender response", err)
	}
	if !addressPattern.MatchString(resp.Address) {
		return "", clierr.New(clierr.CodeUnavailable, "spender response missing address")
	}

	c.mu.Lock()
	c.spenders[chainID] = resp.Address
	c.mu.Unlock()
	return resp.Address, nil
}

// CachedSpender returns the previously fetched spender for the chain, if any.
func (c *Client) CachedSpender(chainID int64) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cached, ok := c.spenders[chainID]
	return cached, ok
}

// Tokens fetches the aggregator token list for a chain.
func (c *Client) Tokens(ctx context.Context, chainID int64) ([]Token, error) {
	body, err := c.get(ctx, chainID, "tokens", nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Tokens map[string]Token `json:"tokens"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "decode token list", err)
	}
	out := make([]Token, 0, len(resp.Tokens))
	for addr, token := range resp.Tokens {
		if token.Address == "" {
			token.Address = addr
		}
		out = append(out, token)
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, chainID int64, path string, vals url.Values) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/%d/%s", c.baseURL, chainID, path)
	if len(vals) > 0 {
		endpoint += "?" + vals.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "build aggregator request", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	started := time.Now()
	resp, err := c.http.DoRaw(ctx, req)
	if err != nil {
		return nil, err
	}
	c.log.WithFields(logrus.Fields{
		"path":     path,
		"chain_id": chainID,
		"status":   resp.Status,
		"elapsed":  time.Since(started).Round(time.Millisecond).String(),
	}).Debug("aggregator request")

	if resp.Status >= 200 && resp.Status < 300 && looksLikeJSON(resp.Body) {
		return resp.Body, nil
	}
	return nil, classifyFailure(resp.Status, resp.Body)
}

// classifyFailure maps any non-success body to an UpstreamError. It never
// panics and never leaves a response unclassified.
func classifyFailure(status int, body []byte) *UpstreamError {
	out := &UpstreamError{Status: status, Raw: excerpt(body)}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err == nil {
		out.Description = extractDescription(payload)
		out.Spender = extractSpenderField(payload)
	}

	text := out.Description
	if text == "" {
		text = out.Raw
	}
	out.AllowanceShortfall = strings.Contains(strings.ToLower(text), "not enough allowance")
	if match := addressPattern.FindString(text); match != "" {
		out.SpenderHint = match
	}
	return out
}

// extractDescription pulls a human-readable message out of the known error
// body shapes: flat description/error strings, nested error objects, and
// nested data.description.
func extractDescription(payload map[string]any) string {
	for _, key := range []string{"description", "error", "message"} {
		if v, ok := payload[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	if nested, ok := payload["error"].(map[string]any); ok {
		if v, ok := nested["description"].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		if v, ok := nested["message"].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	if nested, ok := payload["data"].(map[string]any); ok {
		if v, ok := nested["description"].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// extractSpenderField pulls an explicit allowance target out of a response
// payload. The API names it spender, allowanceTarget, or approvalAddress, at
// the top level or nested under error/data.
func extractSpenderField(payload map[string]any) string {
	keys := []string{"spender", "allowanceTarget", "approvalAddress"}
	for _, key := range keys {
		if v, ok := payload[key].(string); ok && addressPattern.MatchString(v) {
			return v
		}
	}
	for _, nest := range []string{"error", "data"} {
		nested, ok := payload[nest].(map[string]any)
		if !ok {
			continue
		}
		for _, key := range keys {
			if v, ok := nested[key].(string); ok && addressPattern.MatchString(v) {
				return v
			}
		}
	}
	return ""
}

func excerpt(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if len(trimmed) > rawExcerptLimit {
		return trimmed[:rawExcerptLimit]
	}
	return trimmed
}

func looksLikeJSON(body []byte) bool {
	trimmed := strings.TrimSpace(string(body))
	return strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")
}

// applyFee attaches referral parameters when an integrator fee is
// configured, capping the percentage the API accepts.
func (c *Client) applyFee(vals url.Values) {
	if c.fee.recipient == "" || c.fee.bps <= 0 {
		return
	}
	percent := float64(c.fee.bps) / 100
	if percent > maxFeePercent {
		percent = maxFeePercent
	}
	vals.Set("referrer", c.fee.recipient)
	vals.Set("fee", strconv.FormatFloat(percent, 'f', -1, 64))
}

// formatSlippage renders basis points as the percentage string the API
// expects, trimming trailing zeros (50 bps -> "0.5").
func formatSlippage(bps int) string {
	if bps < 0 {
		bps = 0
	}
	return strconv.FormatFloat(float64(bps)/100, 'f', -1, 64)
}
